// Package labeler turns clusters of post texts into short human-readable
// labels via an external text-generation service, with bounded parallelism
// and per-cluster failure isolation.
package labeler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ClusterSample is the labeling input for one cluster: a sample of member
// texts plus the full member count.
type ClusterSample struct {
	ClusterID int
	Size      int
	Texts     []string
}

// Result is the labeling outcome for one cluster. When the generation call
// failed, Fallback is true and Label is a generic placeholder so partial
// results stay usable.
type Result struct {
	ClusterID int
	Label     string
	Keywords  []string
	Sentiment *float64 // [-1,1], nil when unavailable
	Coherence *float64 // [0,1], nil when unavailable
	Reasoning string
	Fallback  bool
}

// Generator produces a structured label for one cluster.
type Generator interface {
	GenerateLabel(ctx context.Context, sample ClusterSample, zoneContext string) (*LabelResponse, error)
}

// LabelResponse is the structured output requested from the generation
// service.
type LabelResponse struct {
	Label     string   `json:"label" jsonschema_description:"Short thematic name for the cluster, at most six words"`
	Keywords  []string `json:"keywords" jsonschema_description:"Representative terms, most salient first"`
	Sentiment float64  `json:"sentiment" jsonschema_description:"Aggregate sentiment from -1 (negative) to 1 (positive)"`
	Coherence float64  `json:"coherence" jsonschema_description:"How semantically unified the posts are, 0 to 1"`
	Reasoning string   `json:"reasoning" jsonschema_description:"One or two sentences explaining the label"`
}

// Labeler labels clusters with bounded concurrency.
type Labeler struct {
	gen         Generator
	concurrency int
	logger      *slog.Logger
}

// New creates a labeler. A nil generator is allowed and yields fallback
// labels for every cluster, which keeps the pipeline usable without a
// generation backend.
func New(gen Generator, concurrency int, logger *slog.Logger) *Labeler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Labeler{gen: gen, concurrency: concurrency, logger: logger}
}

// LabelClusters labels every cluster, at most l.concurrency calls in flight.
// progress, if non-nil, is invoked after each cluster completes so the
// caller can report incremental progress instead of one jump at the end.
// A failing cluster gets a fallback label; it never aborts the others.
func (l *Labeler) LabelClusters(ctx context.Context, samples []ClusterSample, zoneContext string, progress func(done, total int)) []Result {
	results := make([]Result, len(samples))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for i, sample := range samples {
		g.Go(func() error {
			results[i] = l.labelOne(gctx, sample, zoneContext)

			mu.Lock()
			done++
			d := done
			mu.Unlock()
			if progress != nil {
				progress(d, len(samples))
			}
			return nil
		})
	}

	// Workers only ever return nil; failures become fallback results.
	_ = g.Wait()
	return results
}

func (l *Labeler) labelOne(ctx context.Context, sample ClusterSample, zoneContext string) Result {
	fallback := Result{
		ClusterID: sample.ClusterID,
		Label:     fmt.Sprintf("Cluster %d", sample.ClusterID+1),
		Keywords:  []string{},
		Fallback:  true,
	}

	if l.gen == nil {
		return fallback
	}

	resp, err := l.gen.GenerateLabel(ctx, sample, zoneContext)
	if err != nil {
		l.logger.Warn("cluster labeling failed, using fallback", "cluster", sample.ClusterID, "error", err)
		return fallback
	}
	if resp.Label == "" {
		l.logger.Warn("cluster labeling returned empty label, using fallback", "cluster", sample.ClusterID)
		return fallback
	}

	sentiment := clampRange(resp.Sentiment, -1, 1)
	coherence := clampRange(resp.Coherence, 0, 1)
	return Result{
		ClusterID: sample.ClusterID,
		Label:     resp.Label,
		Keywords:  resp.Keywords,
		Sentiment: &sentiment,
		Coherence: &coherence,
		Reasoning: resp.Reasoning,
	}
}

func clampRange(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
