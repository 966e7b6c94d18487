package pipeline

import (
	"math"
	"math/rand"
	"testing"
)

// clusteredVectors builds k well-separated gaussian blobs of size per.
func clusteredVectors(k, per, dim int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, 0, k*per)
	for c := 0; c < k; c++ {
		for i := 0; i < per; i++ {
			v := make([]float64, dim)
			for j := range v {
				v[j] = float64(c*50) + rng.NormFloat64()
			}
			out = append(out, v)
		}
	}
	return out
}

func TestSeedFromKey_Stable(t *testing.T) {
	a := SeedFromKey("zone_abc_2025-01-01")
	b := SeedFromKey("zone_abc_2025-01-01")
	if a != b {
		t.Fatalf("same key produced different seeds: %d vs %d", a, b)
	}
	if SeedFromKey("zone_abc_2025-01-02") == a {
		t.Fatal("different keys produced the same seed")
	}
}

func TestClusterVectors_DeterministicForKey(t *testing.T) {
	vectors := clusteredVectors(3, 40, 6, 11)

	a, err := ClusterVectors(vectors, "zone_abc_2025-01-01", 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ClusterVectors(vectors, "zone_abc_2025-01-01", 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.K != b.K || a.Outliers != b.Outliers {
		t.Fatalf("runs differ: k %d vs %d, outliers %d vs %d", a.K, b.K, a.Outliers, b.Outliers)
	}
	for i := range a.Assignments {
		if a.Assignments[i] != b.Assignments[i] {
			t.Fatalf("assignment differs at %d with equal session key", i)
		}
		if a.Confidence[i] != b.Confidence[i] {
			t.Fatalf("confidence differs at %d with equal session key", i)
		}
	}
}

func TestClusterVectors_AutomaticK(t *testing.T) {
	for _, tc := range []struct {
		n, maxK, want int
	}{
		{200, 12, 10}, // round(sqrt(100)) = 10
		{1800, 12, 12}, // sqrt(900) = 30, clamped to maxK
		{3, 12, 1},    // round(sqrt(1.5)) = 1
	} {
		vectors := randomVectors(tc.n, 4, 9)
		res, err := ClusterVectors(vectors, "key", tc.maxK)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", tc.n, err)
		}
		if res.K != tc.want {
			t.Fatalf("n=%d: expected k=%d, got %d", tc.n, tc.want, res.K)
		}
	}
}

func TestClusterVectors_SeparatedBlobsRecovered(t *testing.T) {
	// 2 blobs of 100 points: round(sqrt(100)) = 10 would over-split, so use
	// maxK=2 and verify the blobs land in different clusters.
	vectors := clusteredVectors(2, 100, 4, 12)
	res, err := ClusterVectors(vectors, "blobs", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.K != 2 {
		t.Fatalf("expected k=2, got %d", res.K)
	}

	firstA := OutlierClusterID
	for i := 0; i < 100; i++ {
		if res.Assignments[i] == OutlierClusterID {
			continue
		}
		if firstA == OutlierClusterID {
			firstA = res.Assignments[i]
			continue
		}
		if res.Assignments[i] != firstA {
			t.Fatalf("first blob split: index %d assigned %d", i, res.Assignments[i])
		}
	}
	secondA := OutlierClusterID
	for i := 100; i < 200; i++ {
		if res.Assignments[i] != OutlierClusterID {
			secondA = res.Assignments[i]
			break
		}
	}
	if secondA == firstA {
		t.Fatal("both blobs assigned to the same cluster")
	}
}

func TestClusterVectors_OutliersFlagged(t *testing.T) {
	vectors := clusteredVectors(2, 50, 3, 13)
	// One point far away from every blob.
	far := []float64{1e6, 1e6, 1e6}
	vectors = append(vectors, far)

	res, err := ClusterVectors(vectors, "with-outlier", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := len(vectors) - 1
	if res.Assignments[last] != OutlierClusterID {
		t.Fatalf("distant point not flagged as outlier, assigned %d", res.Assignments[last])
	}
	if res.Confidence[last] != 0 {
		t.Fatalf("outlier confidence should be 0, got %f", res.Confidence[last])
	}
	if res.Outliers < 1 {
		t.Fatalf("expected at least 1 outlier, got %d", res.Outliers)
	}
}

func TestClusterVectors_ConfidenceInRange(t *testing.T) {
	vectors := clusteredVectors(3, 30, 5, 14)
	res, err := ClusterVectors(vectors, "confidence", 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, c := range res.Confidence {
		if c < 0 || c > 1 || math.IsNaN(c) {
			t.Fatalf("confidence out of range at %d: %f", i, c)
		}
		if res.Assignments[i] == OutlierClusterID && c != 0 {
			t.Fatalf("outlier at %d has nonzero confidence %f", i, c)
		}
	}
}

func TestClusterVectors_IdenticalPoints(t *testing.T) {
	vectors := make([][]float64, 10)
	for i := range vectors {
		vectors[i] = []float64{1, 2, 3}
	}
	res, err := ClusterVectors(vectors, "identical", 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outliers != 0 {
		t.Fatalf("identical points produced %d outliers", res.Outliers)
	}
	for i, c := range res.Confidence {
		if c != 1 {
			t.Fatalf("expected confidence 1 for coincident point %d, got %f", i, c)
		}
	}
}

func TestClusterVectors_Empty(t *testing.T) {
	if _, err := ClusterVectors(nil, "empty", 12); err == nil {
		t.Fatal("expected error for empty input")
	}
}
