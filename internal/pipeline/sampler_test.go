package pipeline

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/opinionmap/internal/store"
)

func makeRefs(n int, days int, start time.Time) []store.PostRef {
	refs := make([]store.PostRef, n)
	for i := range refs {
		day := i % days
		refs[i] = store.PostRef{
			ID:       uuid.New(),
			PostedAt: start.AddDate(0, 0, day).Add(time.Duration(i) * time.Minute),
		}
	}
	return refs
}

func TestSamplePosts_AllWhenUnderTarget(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	refs := make([]store.PostRef, 120)
	for i := range refs {
		refs[i] = store.PostRef{
			ID:       uuid.New(),
			PostedAt: start.Add(time.Duration(i) * 30 * time.Minute),
		}
	}

	res := SamplePosts(refs, 500, 42)

	if res.Strategy != StrategyAll {
		t.Fatalf("expected strategy %q, got %q", StrategyAll, res.Strategy)
	}
	if res.Buckets != 1 {
		t.Fatalf("expected 1 bucket, got %d", res.Buckets)
	}
	if res.Sampled != 120 || len(res.PostIDs) != 120 {
		t.Fatalf("expected all 120 posts, got %d", len(res.PostIDs))
	}
	for i, id := range res.PostIDs {
		if id != refs[i].ID {
			t.Fatalf("chronological order broken at index %d", i)
		}
	}
}

func TestSamplePosts_ExactTargetWhenOver(t *testing.T) {
	refs := makeRefs(1000, 5, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))

	res := SamplePosts(refs, 300, 7)

	if res.Strategy != StrategyStratified {
		t.Fatalf("expected strategy %q, got %q", StrategyStratified, res.Strategy)
	}
	if res.Buckets != 5 {
		t.Fatalf("expected 5 buckets, got %d", res.Buckets)
	}
	if len(res.PostIDs) != 300 {
		t.Fatalf("expected exactly 300 ids, got %d", len(res.PostIDs))
	}
	if res.Available != 1000 {
		t.Fatalf("expected available 1000, got %d", res.Available)
	}

	seen := make(map[uuid.UUID]bool, len(res.PostIDs))
	for _, id := range res.PostIDs {
		if seen[id] {
			t.Fatalf("duplicate id %s in sample", id)
		}
		seen[id] = true
	}
}

func TestSamplePosts_SkewedDaysStillFillTarget(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var refs []store.PostRef
	// One dominant day and two near-empty ones.
	for day, count := range []int{400, 3, 2} {
		for i := 0; i < count; i++ {
			refs = append(refs, store.PostRef{
				ID:       uuid.New(),
				PostedAt: start.AddDate(0, 0, day).Add(time.Duration(i) * time.Minute),
			})
		}
	}

	res := SamplePosts(refs, 300, 11)

	if res.Buckets != 3 {
		t.Fatalf("expected 3 buckets, got %d", res.Buckets)
	}
	if len(res.PostIDs) != 300 {
		t.Fatalf("expected min(target, available)=300 ids, got %d", len(res.PostIDs))
	}
	seen := make(map[uuid.UUID]bool, len(res.PostIDs))
	for _, id := range res.PostIDs {
		if seen[id] {
			t.Fatalf("duplicate id %s in sample", id)
		}
		seen[id] = true
	}
}

func TestSamplePosts_Deterministic(t *testing.T) {
	refs := makeRefs(500, 4, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	a := SamplePosts(refs, 100, 99)
	b := SamplePosts(refs, 100, 99)

	if len(a.PostIDs) != len(b.PostIDs) {
		t.Fatalf("sample sizes differ: %d vs %d", len(a.PostIDs), len(b.PostIDs))
	}
	for i := range a.PostIDs {
		if a.PostIDs[i] != b.PostIDs[i] {
			t.Fatalf("samples diverge at index %d with equal seeds", i)
		}
	}

	c := SamplePosts(refs, 100, 100)
	same := true
	for i := range a.PostIDs {
		if a.PostIDs[i] != c.PostIDs[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical samples")
	}
}

func TestSamplePosts_Empty(t *testing.T) {
	res := SamplePosts(nil, 100, 1)
	if len(res.PostIDs) != 0 || res.Available != 0 || res.Sampled != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestSamplePosts_MinBound(t *testing.T) {
	for _, tc := range []struct {
		target    int
		available int
		want      int
	}{
		{10, 5, 5},
		{10, 10, 10},
		{10, 50, 10},
		{1, 50, 1},
	} {
		refs := makeRefs(tc.available, 3, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
		res := SamplePosts(refs, tc.target, 5)
		if len(res.PostIDs) != tc.want {
			t.Fatalf("target %d available %d: expected %d ids, got %d",
				tc.target, tc.available, tc.want, len(res.PostIDs))
		}
	}
}
