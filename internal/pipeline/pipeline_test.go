package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/opinionmap/internal/config"
	"github.com/driftlab/opinionmap/internal/labeler"
	"github.com/driftlab/opinionmap/internal/store"
)

// fakeStore is an in-memory Store recording every state transition.
type fakeStore struct {
	mu sync.Mutex

	session *store.Session
	refs    []store.PostRef
	texts   map[uuid.UUID]string

	// phase log: status/progress pairs in call order
	statuses   []store.Status
	progresses []int

	projections []store.Projection
	clusters    []store.Cluster
	upserted    int
	purged      bool

	// cancelAfter flips the session to cancelled once progress reaches the
	// given value, simulating an external cancel mid-run.
	cancelAfter int
}

func (f *fakeStore) GetSession(_ context.Context, id uuid.UUID) (*store.Session, error) {
	if f.session == nil || f.session.ID != id {
		return nil, store.ErrSessionNotFound
	}
	cp := *f.session
	return &cp, nil
}

func (f *fakeStore) SessionStatus(_ context.Context, _ uuid.UUID) (store.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.Status, nil
}

func (f *fakeStore) UpdatePhase(_ context.Context, _ uuid.UUID, status store.Status, progress int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session.Status.Terminal() {
		return store.ErrSessionNotActive
	}
	f.session.Status = status
	if progress > f.session.Progress {
		f.session.Progress = progress
	}
	f.statuses = append(f.statuses, status)
	f.progresses = append(f.progresses, f.session.Progress)
	if f.cancelAfter > 0 && f.session.Progress >= f.cancelAfter {
		f.session.Status = store.StatusCancelled
	}
	return nil
}

func (f *fakeStore) SetSample(_ context.Context, _ uuid.UUID, postIDs []uuid.UUID, totalPosts int) error {
	f.session.SampledIDs = postIDs
	f.session.ActualSize = len(postIDs)
	f.session.TotalPosts = totalPosts
	return nil
}

func (f *fakeStore) SetVectorized(_ context.Context, _ uuid.UUID, count int) error {
	f.session.Vectorized = count
	return nil
}

func (f *fakeStore) Complete(_ context.Context, _ uuid.UUID, totalClusters, outlierCount int, executionMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session.Status = store.StatusCompleted
	f.session.Progress = 100
	f.session.TotalClusters = totalClusters
	f.session.OutlierCount = outlierCount
	f.session.ExecutionMS = executionMS
	return nil
}

func (f *fakeStore) Fail(_ context.Context, _ uuid.UUID, message, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session.Status = store.StatusFailed
	f.session.ErrorMessage = message
	f.session.ErrorDetail = detail
	return nil
}

func (f *fakeStore) PostRefsInRange(_ context.Context, _ string, _, _ time.Time) ([]store.PostRef, error) {
	return f.refs, nil
}

func (f *fakeStore) PostTexts(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string)
	for _, id := range ids {
		if t, ok := f.texts[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakeStore) EmbeddingsForPosts(_ context.Context, _ []uuid.UUID) ([]store.StoredEmbedding, error) {
	return nil, nil
}

func (f *fakeStore) UpsertPostEmbeddings(_ context.Context, embs []store.PostEmbedding) error {
	f.upserted += len(embs)
	return nil
}

func (f *fakeStore) ReplaceProjections(_ context.Context, _ uuid.UUID, rows []store.Projection) error {
	f.projections = rows
	return nil
}

func (f *fakeStore) InsertClusters(_ context.Context, clusters []store.Cluster) error {
	f.clusters = clusters
	return nil
}

func (f *fakeStore) ZoneContext(_ context.Context, _ string) (string, error) {
	return "local politics", nil
}

func (f *fakeStore) PurgeSuperseded(_ context.Context, _ string, _ uuid.UUID) error {
	f.purged = true
	return nil
}

// spreadProvider gives each text a distinct deterministic vector so the
// pipeline has real geometry to work with.
type spreadProvider struct{ dims int }

func (p *spreadProvider) Name() string    { return "spread" }
func (p *spreadProvider) Dimensions() int { return p.dims }

func (p *spreadProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var seed int64
		for _, r := range t {
			seed = seed*31 + int64(r)
		}
		rng := rand.New(rand.NewSource(seed))
		v := make([]float32, p.dims)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out, nil
}

type fakeLabeler struct {
	mu      sync.Mutex
	labeled []int
}

func (l *fakeLabeler) LabelClusters(_ context.Context, samples []labeler.ClusterSample, _ string, progress func(done, total int)) []labeler.Result {
	results := make([]labeler.Result, len(samples))
	for i, s := range samples {
		l.mu.Lock()
		l.labeled = append(l.labeled, s.ClusterID)
		l.mu.Unlock()
		results[i] = labeler.Result{
			ClusterID: s.ClusterID,
			Label:     fmt.Sprintf("Topic %d", s.ClusterID),
			Keywords:  []string{"k"},
		}
		if progress != nil {
			progress(i+1, len(samples))
		}
	}
	return results
}

func testPipelineConfig() config.Pipeline {
	return config.Pipeline{
		EmbeddingDimensions: 8,
		EmbedBatchSize:      32,
		MinVectorizedRatio:  0.5,
		PCADimensions:       4,
		Neighbors:           10,
		MinDist:             0.1,
		Spread:              1.0,
		ProjectionEpochs:    30,
		MaxClusters:         12,
		LabelConcurrency:    5,
		LabelSampleSize:     12,
		DisplayRange:        100,
	}
}

func newFakeRun(n int) (*fakeStore, *Runner) {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		texts: make(map[uuid.UUID]string),
	}
	for i := 0; i < n; i++ {
		id := uuid.New()
		fs.refs = append(fs.refs, store.PostRef{ID: id, PostedAt: start.Add(time.Duration(i) * time.Hour)})
		fs.texts[id] = fmt.Sprintf("opinion number %d about the new zoning plan", i)
	}
	fs.session = &store.Session{
		ID:         uuid.New(),
		ZoneID:     "zone_abc",
		Status:     store.StatusPending,
		RangeStart: start,
		RangeEnd:   start.AddDate(0, 0, 30),
		TargetSize: 500,
	}

	cfg := testPipelineConfig()
	vec := NewVectorizer(fs, &spreadProvider{dims: cfg.EmbeddingDimensions},
		cfg.EmbedBatchSize, cfg.MinVectorizedRatio, cfg.EmbeddingDimensions, testLogger())
	runner := NewRunner(fs, vec, &fakeLabeler{}, cfg, testLogger())
	return fs, runner
}

func TestRunner_CompletesEndToEnd(t *testing.T) {
	fs, runner := newFakeRun(60)

	if err := runner.Run(context.Background(), fs.session.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if fs.session.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", fs.session.Status)
	}
	if fs.session.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", fs.session.Progress)
	}
	if fs.session.Vectorized != 60 {
		t.Fatalf("expected 60 vectorized, got %d", fs.session.Vectorized)
	}
	if len(fs.projections) != 60 {
		t.Fatalf("expected 60 projections, got %d", len(fs.projections))
	}
	if fs.session.TotalClusters != len(fs.clusters) {
		t.Fatalf("session reports %d clusters, %d persisted", fs.session.TotalClusters, len(fs.clusters))
	}
	if !fs.purged {
		t.Fatal("superseded session data was not purged")
	}
	if fs.session.ExecutionMS < 0 {
		t.Fatalf("negative execution time %d", fs.session.ExecutionMS)
	}

	for _, p := range fs.projections {
		if p.X < 0 || p.X > 100 || p.Y < 0 || p.Y > 100 || p.Z < 0 || p.Z > 100 {
			t.Fatalf("projection out of display range: %+v", p)
		}
		if p.ClusterID != OutlierClusterID && (p.ClusterConfidence < 0 || p.ClusterConfidence > 1) {
			t.Fatalf("confidence out of range: %+v", p)
		}
	}
}

func TestRunner_ProgressMonotonic(t *testing.T) {
	fs, runner := newFakeRun(40)

	if err := runner.Run(context.Background(), fs.session.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	prev := 0
	for i, p := range fs.progresses {
		if p < prev {
			t.Fatalf("progress regressed at step %d: %d after %d", i, p, prev)
		}
		prev = p
	}
	for _, p := range fs.progresses {
		if p == 100 {
			t.Fatal("phase updates must not report 100; completion does")
		}
	}
}

func TestRunner_PhaseOrder(t *testing.T) {
	fs, runner := newFakeRun(40)

	if err := runner.Run(context.Background(), fs.session.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	order := map[store.Status]int{
		store.StatusVectorizing: 1,
		store.StatusReducing:    2,
		store.StatusClustering:  3,
		store.StatusLabeling:    4,
	}
	prev := 0
	for i, s := range fs.statuses {
		rank, ok := order[s]
		if !ok {
			t.Fatalf("unexpected status %q in phase log", s)
		}
		if rank < prev {
			t.Fatalf("phase order violated at step %d: %s", i, s)
		}
		prev = rank
	}
}

func TestRunner_InsufficientDataFails(t *testing.T) {
	fs, runner := newFakeRun(0)
	fs.refs = nil

	err := runner.Run(context.Background(), fs.session.ID)
	if err == nil {
		t.Fatal("expected error for empty range")
	}
	if fs.session.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", fs.session.Status)
	}
	if !strings.Contains(fs.session.ErrorMessage, "insufficient data") {
		t.Fatalf("error message should name the condition: %q", fs.session.ErrorMessage)
	}
}

func TestRunner_TerminalSessionIsNoop(t *testing.T) {
	fs, runner := newFakeRun(40)
	fs.session.Status = store.StatusCompleted

	if err := runner.Run(context.Background(), fs.session.ID); err != nil {
		t.Fatalf("redelivery of a terminal session must be a no-op, got %v", err)
	}
	if len(fs.statuses) != 0 {
		t.Fatalf("no phase updates expected, got %d", len(fs.statuses))
	}
}

func TestRunner_UnknownSession(t *testing.T) {
	fs, runner := newFakeRun(10)
	_ = fs

	err := runner.Run(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestRunner_CancellationAbortsQuietly(t *testing.T) {
	fs, runner := newFakeRun(40)
	// Cancel once projections are persisted, before labeling starts.
	fs.cancelAfter = progressPersisted

	if err := runner.Run(context.Background(), fs.session.ID); err != nil {
		t.Fatalf("cancellation must not surface as an error, got %v", err)
	}

	if fs.session.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", fs.session.Status)
	}
	// Projections persisted before the cancel stay in place.
	if len(fs.projections) != 40 {
		t.Fatalf("expected persisted projections to remain, got %d", len(fs.projections))
	}
	if len(fs.clusters) != 0 {
		t.Fatal("labeling must not have run after cancellation")
	}
}

// deadCtxStore refuses writes on a cancelled context the way pgx does, and
// kills the context while loading posts to simulate a dispatcher timeout or
// client disconnect mid-run.
type deadCtxStore struct {
	*fakeStore
	cancel context.CancelFunc
}

func (s *deadCtxStore) PostRefsInRange(ctx context.Context, _ string, _, _ time.Time) ([]store.PostRef, error) {
	s.cancel()
	return nil, ctx.Err()
}

func (s *deadCtxStore) Fail(ctx context.Context, id uuid.UUID, message, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.Fail(ctx, id, message, detail)
}

func TestRunner_RecordsFailureAfterContextDeath(t *testing.T) {
	fs, _ := newFakeRun(40)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &deadCtxStore{fakeStore: fs, cancel: cancel}

	cfg := testPipelineConfig()
	vec := NewVectorizer(st, &spreadProvider{dims: cfg.EmbeddingDimensions},
		cfg.EmbedBatchSize, cfg.MinVectorizedRatio, cfg.EmbeddingDimensions, testLogger())
	runner := NewRunner(st, vec, &fakeLabeler{}, cfg, testLogger())

	if err := runner.Run(ctx, fs.session.ID); err == nil {
		t.Fatal("expected the dead-context run to return an error")
	}

	// Even though the request context is gone, the session must end up
	// terminal with the error recorded, or the zone stays blocked forever.
	if fs.session.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", fs.session.Status)
	}
	if fs.session.ErrorMessage == "" {
		t.Fatal("failure must record an error message")
	}
}

func TestRunner_DeterministicAcrossRetries(t *testing.T) {
	fs1, runner1 := newFakeRun(50)
	fs2 := &fakeStore{
		refs:  fs1.refs,
		texts: fs1.texts,
		session: &store.Session{
			ID:         fs1.session.ID,
			ZoneID:     fs1.session.ZoneID,
			Status:     store.StatusPending,
			RangeStart: fs1.session.RangeStart,
			RangeEnd:   fs1.session.RangeEnd,
			TargetSize: fs1.session.TargetSize,
		},
	}
	cfg := testPipelineConfig()
	vec := NewVectorizer(fs2, &spreadProvider{dims: cfg.EmbeddingDimensions},
		cfg.EmbedBatchSize, cfg.MinVectorizedRatio, cfg.EmbeddingDimensions, testLogger())
	runner2 := NewRunner(fs2, vec, &fakeLabeler{}, cfg, testLogger())

	if err := runner1.Run(context.Background(), fs1.session.ID); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := runner2.Run(context.Background(), fs2.session.ID); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(fs1.projections) != len(fs2.projections) {
		t.Fatalf("projection counts differ: %d vs %d", len(fs1.projections), len(fs2.projections))
	}
	for i := range fs1.projections {
		a, b := fs1.projections[i], fs2.projections[i]
		if a.PostID != b.PostID || a.ClusterID != b.ClusterID || a.X != b.X || a.Y != b.Y || a.Z != b.Z {
			t.Fatalf("same session id produced different projections at %d", i)
		}
	}
}
