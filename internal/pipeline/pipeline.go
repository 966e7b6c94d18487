package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/opinionmap/internal/config"
	"github.com/driftlab/opinionmap/internal/labeler"
	"github.com/driftlab/opinionmap/internal/store"
)

// Store is the datastore surface the pipeline drives a run through.
type Store interface {
	VectorStore

	GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error)
	SessionStatus(ctx context.Context, id uuid.UUID) (store.Status, error)
	UpdatePhase(ctx context.Context, id uuid.UUID, status store.Status, progress int, message string) error
	SetSample(ctx context.Context, id uuid.UUID, postIDs []uuid.UUID, totalPosts int) error
	SetVectorized(ctx context.Context, id uuid.UUID, count int) error
	Complete(ctx context.Context, id uuid.UUID, totalClusters, outlierCount int, executionMS int64) error
	Fail(ctx context.Context, id uuid.UUID, message, detail string) error

	PostRefsInRange(ctx context.Context, zoneID string, start, end time.Time) ([]store.PostRef, error)
	ReplaceProjections(ctx context.Context, sessionID uuid.UUID, rows []store.Projection) error
	InsertClusters(ctx context.Context, clusters []store.Cluster) error
	ZoneContext(ctx context.Context, zoneID string) (string, error)
	PurgeSuperseded(ctx context.Context, zoneID string, keep uuid.UUID) error
}

// ClusterLabeler labels clusters with bounded parallelism.
type ClusterLabeler interface {
	LabelClusters(ctx context.Context, samples []labeler.ClusterSample, zoneContext string, progress func(done, total int)) []labeler.Result
}

// ErrInsufficientData is returned when a session's date range contains no
// posts. Recoverable by the operator (wider range, more ingestion), fatal for
// the run.
var ErrInsufficientData = errors.New("insufficient data: no posts available in the requested range")

// errCancelled aborts a run cooperatively after an external cancellation.
var errCancelled = errors.New("session cancelled")

// Phase progress boundaries. Progress within a phase interpolates between
// its bounds and never regresses.
const (
	progressSampled    = 5
	progressVectorized = 20
	progressReduced    = 40
	progressProjected  = 60
	progressClustered  = 70
	progressPersisted  = 75
)

// Runner executes one session synchronously, end to end. It is the only
// writer of session status and progress.
type Runner struct {
	store   Store
	vec     *Vectorizer
	labeler ClusterLabeler
	cfg     config.Pipeline
	logger  *slog.Logger
}

// NewRunner creates a pipeline runner.
func NewRunner(st Store, vec *Vectorizer, lab ClusterLabeler, cfg config.Pipeline, logger *slog.Logger) *Runner {
	return &Runner{store: st, vec: vec, labeler: lab, cfg: cfg, logger: logger}
}

// Run drives the session through its phases. Terminal sessions are a no-op
// success (idempotent redelivery). Any unrecoverable error is persisted onto
// the session before being returned; external cancellation aborts quietly,
// leaving already-persisted projections in place for inspection.
func (r *Runner) Run(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.Status.Terminal() {
		r.logger.Info("session already terminal, nothing to do", "session", sessionID, "status", sess.Status)
		return nil
	}

	logger := r.logger.With("session", sessionID, "zone", sess.ZoneID)
	start := time.Now()

	if err := r.run(ctx, sess, logger, start); err != nil {
		if errors.Is(err, errCancelled) || errors.Is(err, store.ErrSessionNotActive) {
			logger.Info("session run aborted by cancellation", "elapsed", time.Since(start).String())
			return nil
		}
		logger.Error("session run failed", "error", err, "elapsed", time.Since(start).String())
		// The run may have failed because ctx itself died (dispatcher timeout,
		// client disconnect). The failure write must still land or the session
		// stays non-terminal and blocks the zone, so detach from ctx.
		if failErr := r.store.Fail(context.WithoutCancel(ctx), sessionID, err.Error(), fmt.Sprintf("%+v", err)); failErr != nil {
			logger.Error("recording session failure failed", "error", failErr)
		}
		return err
	}

	logger.Info("session completed", "elapsed", time.Since(start).String())
	return nil
}

func (r *Runner) run(ctx context.Context, sess *store.Session, logger *slog.Logger, start time.Time) error {
	id := sess.ID

	// --- vectorizing: sampling + embedding backfill ---
	if err := r.checkCancelled(ctx, id); err != nil {
		return err
	}
	if err := r.store.UpdatePhase(ctx, id, store.StatusVectorizing, 2, "sampling posts"); err != nil {
		return err
	}

	refs, err := r.store.PostRefsInRange(ctx, sess.ZoneID, sess.RangeStart, sess.RangeEnd)
	if err != nil {
		return fmt.Errorf("loading posts: %w", err)
	}

	sample := SamplePosts(refs, sess.TargetSize, SeedFromKey(id.String()))
	if sample.Sampled == 0 {
		return ErrInsufficientData
	}
	if err := r.store.SetSample(ctx, id, sample.PostIDs, sample.Available); err != nil {
		return fmt.Errorf("recording sample: %w", err)
	}
	logger.Info("sampled posts",
		"available", sample.Available, "sampled", sample.Sampled,
		"buckets", sample.Buckets, "strategy", sample.Strategy)
	if err := r.store.UpdatePhase(ctx, id, store.StatusVectorizing, progressSampled, "resolving embeddings"); err != nil {
		return err
	}

	vecResult, err := r.vec.EnsureEmbeddings(ctx, sample.PostIDs)
	if err != nil {
		var threshold *ThresholdError
		if errors.As(err, &threshold) {
			return threshold
		}
		return fmt.Errorf("resolving embeddings: %w", err)
	}
	if err := r.store.SetVectorized(ctx, id, len(vecResult.Ordered)); err != nil {
		return fmt.Errorf("recording vectorized count: %w", err)
	}
	if vecResult.Failed > 0 {
		// Above threshold but below 100%: proceed degraded, loudly.
		logger.Warn("proceeding with partial embeddings",
			"requested", sample.Sampled, "usable", len(vecResult.Ordered),
			"failed", vecResult.Failed, "hit_rate", fmt.Sprintf("%.2f", vecResult.HitRate))
	}
	logger.Info("embeddings resolved",
		"cached", vecResult.Cached, "computed", vecResult.Computed,
		"failed", vecResult.Failed, "hit_rate", fmt.Sprintf("%.2f", vecResult.HitRate))

	// --- reducing: PCA then 3D projection ---
	if err := r.checkCancelled(ctx, id); err != nil {
		return err
	}
	if err := r.store.UpdatePhase(ctx, id, store.StatusReducing, progressVectorized, "reducing dimensionality"); err != nil {
		return err
	}

	vectors := make([][]float64, len(vecResult.Ordered))
	for i, postID := range vecResult.Ordered {
		vectors[i] = vecResult.Vectors[postID]
	}

	pca, err := ReducePCA(vectors, r.cfg.PCADimensions)
	if err != nil {
		return fmt.Errorf("pca: %w", err)
	}
	logger.Info("pca complete", "components", pca.Components,
		"explained_variance", fmt.Sprintf("%.3f", pca.ExplainedVariance))
	if err := r.store.UpdatePhase(ctx, id, store.StatusReducing, progressReduced, "projecting to 3D"); err != nil {
		return err
	}

	coords, err := ProjectTo3D(pca.Reduced, ProjectionParams{
		Neighbors: r.cfg.Neighbors,
		MinDist:   r.cfg.MinDist,
		Spread:    r.cfg.Spread,
		Epochs:    r.cfg.ProjectionEpochs,
		Seed:      SeedFromKey(id.String()),
	})
	if err != nil {
		return fmt.Errorf("projection: %w", err)
	}
	NormalizeCoords(coords, r.cfg.DisplayRange)

	// --- clustering: partition the PCA space, persist projections ---
	if err := r.checkCancelled(ctx, id); err != nil {
		return err
	}
	if err := r.store.UpdatePhase(ctx, id, store.StatusClustering, progressProjected, "partitioning clusters"); err != nil {
		return err
	}

	clusters, err := ClusterVectors(pca.Reduced, id.String(), r.cfg.MaxClusters)
	if err != nil {
		return fmt.Errorf("clustering: %w", err)
	}
	logger.Info("clustering complete", "k", clusters.K, "outliers", clusters.Outliers)
	if err := r.store.UpdatePhase(ctx, id, store.StatusClustering, progressClustered, "persisting projections"); err != nil {
		return err
	}

	rows := make([]store.Projection, len(vecResult.Ordered))
	for i, postID := range vecResult.Ordered {
		rows[i] = store.Projection{
			PostID:            postID,
			ZoneID:            sess.ZoneID,
			SessionID:         id,
			X:                 coords[i].X,
			Y:                 coords[i].Y,
			Z:                 coords[i].Z,
			ClusterID:         clusters.Assignments[i],
			ClusterConfidence: clusters.Confidence[i],
		}
	}
	if err := r.store.ReplaceProjections(ctx, id, rows); err != nil {
		return fmt.Errorf("persisting projections: %w", err)
	}
	if err := r.store.UpdatePhase(ctx, id, store.StatusClustering, progressPersisted, "projections persisted"); err != nil {
		return err
	}

	// --- labeling ---
	if err := r.checkCancelled(ctx, id); err != nil {
		return err
	}
	if err := r.store.UpdatePhase(ctx, id, store.StatusLabeling, progressPersisted, "labeling clusters"); err != nil {
		return err
	}

	clusterRows, err := r.labelClusters(ctx, sess, vecResult.Ordered, coords, clusters, logger)
	if err != nil {
		return err
	}
	if err := r.store.InsertClusters(ctx, clusterRows); err != nil {
		return fmt.Errorf("persisting clusters: %w", err)
	}

	if err := r.store.PurgeSuperseded(ctx, sess.ZoneID, id); err != nil {
		logger.Warn("purging superseded session data failed", "error", err)
	}

	return r.store.Complete(ctx, id, len(clusterRows), clusters.Outliers, time.Since(start).Milliseconds())
}

// labelClusters builds per-cluster text samples, runs the labeler, and
// assembles the cluster rows with display-space centroids.
func (r *Runner) labelClusters(ctx context.Context, sess *store.Session, ordered []uuid.UUID, coords []Coord, clusters *ClusterResult, logger *slog.Logger) ([]store.Cluster, error) {
	members := make(map[int][]int) // cluster id -> indexes into ordered
	for i, c := range clusters.Assignments {
		if c == OutlierClusterID {
			continue
		}
		members[c] = append(members[c], i)
	}

	texts, err := r.store.PostTexts(ctx, ordered)
	if err != nil {
		return nil, fmt.Errorf("loading texts for labeling: %w", err)
	}

	var samples []labeler.ClusterSample
	for c := 0; c < clusters.K; c++ {
		idxs, ok := members[c]
		if !ok {
			continue // cluster emptied by outlier flagging
		}
		sample := labeler.ClusterSample{ClusterID: c, Size: len(idxs)}
		for _, i := range idxs {
			if len(sample.Texts) >= r.cfg.LabelSampleSize {
				break
			}
			if t, ok := texts[ordered[i]]; ok {
				sample.Texts = append(sample.Texts, t)
			}
		}
		samples = append(samples, sample)
	}

	results := r.labeler.LabelClusters(ctx, samples, r.zoneContext(ctx, sess.ZoneID, logger), func(done, total int) {
		progress := progressPersisted + (100-progressPersisted)*done/total
		if progress >= 100 {
			progress = 99 // 100 is reserved for completion
		}
		msg := fmt.Sprintf("labeled %d of %d clusters", done, total)
		if err := r.store.UpdatePhase(ctx, sess.ID, store.StatusLabeling, progress, msg); err != nil {
			logger.Warn("labeling progress update failed", "error", err)
		}
	})

	out := make([]store.Cluster, 0, len(results))
	for _, res := range results {
		idxs := members[res.ClusterID]
		var cx, cy, cz float64
		for _, i := range idxs {
			cx += coords[i].X
			cy += coords[i].Y
			cz += coords[i].Z
		}
		if len(idxs) > 0 {
			cx /= float64(len(idxs))
			cy /= float64(len(idxs))
			cz /= float64(len(idxs))
		}
		if res.Fallback {
			logger.Warn("cluster labeled with fallback", "cluster", res.ClusterID)
		}
		out = append(out, store.Cluster{
			ZoneID:         sess.ZoneID,
			SessionID:      sess.ID,
			ClusterID:      res.ClusterID,
			Label:          res.Label,
			Keywords:       res.Keywords,
			TweetCount:     len(idxs),
			CentroidX:      cx,
			CentroidY:      cy,
			CentroidZ:      cz,
			AvgSentiment:   res.Sentiment,
			CoherenceScore: res.Coherence,
			Reasoning:      res.Reasoning,
		})
	}
	return out, nil
}

// zoneContext fetches the optional zone steering text; failures degrade to an
// empty context rather than aborting labeling.
func (r *Runner) zoneContext(ctx context.Context, zoneID string, logger *slog.Logger) string {
	zctx, err := r.store.ZoneContext(ctx, zoneID)
	if err != nil {
		logger.Warn("zone context lookup failed", "error", err)
		return ""
	}
	return zctx
}

// checkCancelled aborts the run if the session was externally cancelled (or
// otherwise reached a terminal state) before an expensive phase starts.
func (r *Runner) checkCancelled(ctx context.Context, id uuid.UUID) error {
	status, err := r.store.SessionStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == store.StatusCancelled {
		return errCancelled
	}
	if status.Terminal() {
		return fmt.Errorf("session reached terminal status %q mid-run", status)
	}
	return nil
}
