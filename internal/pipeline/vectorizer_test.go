package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/driftlab/opinionmap/internal/store"
)

type fakeVectorStore struct {
	stored    map[uuid.UUID]store.StoredEmbedding
	texts     map[uuid.UUID]string
	upserted  []store.PostEmbedding
	upsertErr error
}

func (f *fakeVectorStore) EmbeddingsForPosts(_ context.Context, ids []uuid.UUID) ([]store.StoredEmbedding, error) {
	var out []store.StoredEmbedding
	for _, id := range ids {
		if e, ok := f.stored[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeVectorStore) PostTexts(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string)
	for _, id := range ids {
		if t, ok := f.texts[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakeVectorStore) UpsertPostEmbeddings(_ context.Context, embs []store.PostEmbedding) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, embs...)
	return nil
}

// fakeProvider embeds everything into the same 4-dim vector, failing texts
// listed in failTexts.
type fakeProvider struct {
	failTexts map[string]bool
	batchErr  bool
	calls     int
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Dimensions() int { return 4 }

func (p *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	if p.batchErr && len(texts) > 1 {
		return nil, errors.New("batch refused")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if p.failTexts[t] {
			if len(texts) == 1 {
				return nil, errors.New("poisoned input")
			}
			return nil, errors.New("batch contains poisoned input")
		}
		out[i] = []float32{1, 2, 3, float32(len(t))}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestVectorizer(fs *fakeVectorStore, p *fakeProvider, minRatio float64) *Vectorizer {
	return NewVectorizer(fs, p, 128, minRatio, 4, testLogger())
}

func TestEnsureEmbeddings_CachedAndComputed(t *testing.T) {
	cached := uuid.New()
	fresh := uuid.New()
	vec := pgvector.NewVector([]float32{1, 1, 1, 1})

	fs := &fakeVectorStore{
		stored: map[uuid.UUID]store.StoredEmbedding{cached: {PostID: cached, Vector: &vec}},
		texts:  map[uuid.UUID]string{fresh: "hello world"},
	}
	v := newTestVectorizer(fs, &fakeProvider{}, 0.5)

	res, err := v.EnsureEmbeddings(context.Background(), []uuid.UUID{cached, fresh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cached != 1 || res.Computed != 1 || res.Failed != 0 {
		t.Fatalf("expected 1 cached + 1 computed, got %+v", res)
	}
	if len(res.Ordered) != 2 {
		t.Fatalf("expected 2 usable posts, got %d", len(res.Ordered))
	}
	if res.Ordered[0] != cached || res.Ordered[1] != fresh {
		t.Fatal("ordered ids do not follow request order")
	}
	if len(fs.upserted) != 1 || fs.upserted[0].PostID != fresh {
		t.Fatalf("expected the computed embedding to be persisted, got %d", len(fs.upserted))
	}
}

func TestEnsureEmbeddings_MalformedStoredRecomputed(t *testing.T) {
	id := uuid.New()
	bad := "not, numbers, at, all"

	fs := &fakeVectorStore{
		stored: map[uuid.UUID]store.StoredEmbedding{id: {PostID: id, Raw: &bad}},
		texts:  map[uuid.UUID]string{id: "some text"},
	}
	v := newTestVectorizer(fs, &fakeProvider{}, 0.5)

	res, err := v.EnsureEmbeddings(context.Background(), []uuid.UUID{id})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cached != 0 || res.Computed != 1 {
		t.Fatalf("malformed value should have been recomputed, got %+v", res)
	}
}

func TestEnsureEmbeddings_PartialAboveThreshold(t *testing.T) {
	// 5 posts, 2 poisoned: 60% usable, above the 50% minimum.
	ids := make([]uuid.UUID, 5)
	texts := make(map[uuid.UUID]string)
	fail := map[string]bool{}
	for i := range ids {
		ids[i] = uuid.New()
		texts[ids[i]] = fmt.Sprintf("post %d", i)
	}
	fail[texts[ids[3]]] = true
	fail[texts[ids[4]]] = true

	fs := &fakeVectorStore{stored: map[uuid.UUID]store.StoredEmbedding{}, texts: texts}
	v := newTestVectorizer(fs, &fakeProvider{failTexts: fail}, 0.5)

	res, err := v.EnsureEmbeddings(context.Background(), ids)
	if err != nil {
		t.Fatalf("60%% usable should proceed, got error: %v", err)
	}
	if res.Computed != 3 || res.Failed != 2 {
		t.Fatalf("expected 3 computed / 2 failed, got %+v", res)
	}
}

func TestEnsureEmbeddings_BelowThreshold(t *testing.T) {
	// 5 posts, 3 poisoned: 40% usable, below the 50% minimum.
	ids := make([]uuid.UUID, 5)
	texts := make(map[uuid.UUID]string)
	fail := map[string]bool{}
	for i := range ids {
		ids[i] = uuid.New()
		texts[ids[i]] = fmt.Sprintf("post %d", i)
	}
	for i := 2; i < 5; i++ {
		fail[texts[ids[i]]] = true
	}

	fs := &fakeVectorStore{stored: map[uuid.UUID]store.StoredEmbedding{}, texts: texts}
	v := newTestVectorizer(fs, &fakeProvider{failTexts: fail}, 0.5)

	res, err := v.EnsureEmbeddings(context.Background(), ids)
	var terr *ThresholdError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ThresholdError, got %v", err)
	}
	if terr.Usable != 2 || terr.Requested != 5 {
		t.Fatalf("expected 2 of 5 usable, got %+v", terr)
	}
	if !strings.Contains(err.Error(), "40.0%") || !strings.Contains(err.Error(), "minimum required: 50%") {
		t.Fatalf("error message should cite achieved and required ratios: %q", err.Error())
	}
	if res == nil || len(res.Ordered) != 2 {
		t.Fatal("partial result should still be returned alongside the error")
	}
}

func TestEnsureEmbeddings_BatchFallbackIsolatesFailures(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	texts := map[uuid.UUID]string{ids[0]: "fine a", ids[1]: "bad", ids[2]: "fine b"}

	p := &fakeProvider{batchErr: true, failTexts: map[string]bool{"bad": true}}
	fs := &fakeVectorStore{stored: map[uuid.UUID]store.StoredEmbedding{}, texts: texts}
	v := newTestVectorizer(fs, p, 0.5)

	res, err := v.EnsureEmbeddings(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Computed != 2 || res.Failed != 1 {
		t.Fatalf("expected 2 computed / 1 failed after per-item fallback, got %+v", res)
	}
	if p.calls < 4 {
		t.Fatalf("expected batch call plus per-item retries, got %d calls", p.calls)
	}
}

func TestEnsureEmbeddings_UpsertFailureCountsBatch(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	texts := map[uuid.UUID]string{ids[0]: "a", ids[1]: "b"}

	fs := &fakeVectorStore{
		stored:    map[uuid.UUID]store.StoredEmbedding{},
		texts:     texts,
		upsertErr: errors.New("db down"),
	}
	v := newTestVectorizer(fs, &fakeProvider{}, 0.5)

	_, err := v.EnsureEmbeddings(context.Background(), ids)
	var terr *ThresholdError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ThresholdError when nothing persisted, got %v", err)
	}
	if terr.Usable != 0 {
		t.Fatalf("expected 0 usable, got %d", terr.Usable)
	}
}
