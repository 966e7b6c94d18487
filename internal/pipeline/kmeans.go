package pipeline

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
)

// OutlierClusterID is the sentinel assignment for posts too far from every
// centroid.
const OutlierClusterID = -1

// ClusterResult is the output of partitioning the intermediate-dimensional
// vectors.
type ClusterResult struct {
	// Assignments holds one cluster id per input vector; OutlierClusterID
	// marks outliers.
	Assignments []int
	// Confidence holds one score in [0,1] per input vector; outliers get 0.
	Confidence []float64
	// Centroids are the final cluster centers in the input space.
	Centroids [][]float64

	K        int
	Outliers int
}

// SeedFromKey derives a stable 32-bit seed from a session identifier so the
// same session always partitions identically.
func SeedFromKey(key string) int64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int64(h.Sum32())
}

// ClusterVectors partitions the vectors with k-means (k-means++ seeding,
// Lloyd iterations). The cluster count is selected automatically as
// round(sqrt(n/2)), clamped to [1, maxK]. Points whose assigned distance
// exceeds mean + 2·stddev are flagged as outliers; member confidence decays
// linearly with distance to the assigned centroid.
func ClusterVectors(vectors [][]float64, sessionKey string, maxK int) (*ClusterResult, error) {
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("kmeans: no vectors")
	}
	if maxK < 1 {
		maxK = 1
	}

	k := int(math.Round(math.Sqrt(float64(n) / 2)))
	if k < 1 {
		k = 1
	}
	if k > maxK {
		k = maxK
	}
	if k > n {
		k = n
	}

	rng := rand.New(rand.NewSource(SeedFromKey(sessionKey)))
	centroids := seedCentroids(vectors, k, rng)

	assignments := make([]int, n)
	distances := make([]float64, n)

	const maxIterations = 100
	for iter := 0; iter < maxIterations; iter++ {
		changed := 0
		for i, v := range vectors {
			best, bestDist := nearestCentroid(v, centroids)
			if assignments[i] != best || iter == 0 {
				changed++
			}
			assignments[i] = best
			distances[i] = bestDist
		}
		if iter > 0 && changed == 0 {
			break
		}
		recomputeCentroids(vectors, assignments, centroids, rng)
	}

	// Outlier threshold from the distribution of assigned distances.
	mean, std := meanStd(distances)
	threshold := mean + 2*std

	result := &ClusterResult{
		Assignments: assignments,
		Confidence:  make([]float64, n),
		Centroids:   centroids,
		K:           k,
	}

	for i, d := range distances {
		if std > 0 && d > threshold {
			result.Assignments[i] = OutlierClusterID
			result.Outliers++
			continue
		}
		if threshold > 0 {
			result.Confidence[i] = clamp01(1 - d/threshold)
		} else {
			// All points coincide with their centroid.
			result.Confidence[i] = 1
		}
	}

	return result, nil
}

// seedCentroids runs k-means++ initialization: the first center uniform, each
// subsequent one weighted by squared distance to the nearest chosen center.
func seedCentroids(vectors [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(vectors)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), vectors[rng.Intn(n)]...))

	dist2 := make([]float64, n)
	for len(centroids) < k {
		var total float64
		for i, v := range vectors {
			_, d := nearestCentroid(v, centroids)
			dist2[i] = d * d
			total += dist2[i]
		}
		if total == 0 {
			// All remaining points coincide with a center; duplicate one.
			centroids = append(centroids, append([]float64(nil), vectors[rng.Intn(n)]...))
			continue
		}
		target := rng.Float64() * total
		var acc float64
		pick := n - 1
		for i, d2 := range dist2 {
			acc += d2
			if acc >= target {
				pick = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), vectors[pick]...))
	}
	return centroids
}

// recomputeCentroids moves each centroid to the mean of its members. An
// emptied cluster is reseeded at a random point to keep k stable.
func recomputeCentroids(vectors [][]float64, assignments []int, centroids [][]float64, rng *rand.Rand) {
	dim := len(vectors[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for c := range centroids {
		sums[c] = make([]float64, dim)
	}

	for i, v := range vectors {
		c := assignments[i]
		counts[c]++
		for j, x := range v {
			sums[c][j] += x
		}
	}

	for c := range centroids {
		if counts[c] == 0 {
			centroids[c] = append([]float64(nil), vectors[rng.Intn(len(vectors))]...)
			continue
		}
		for j := range centroids[c] {
			centroids[c][j] = sums[c][j] / float64(counts[c])
		}
	}
}

// nearestCentroid returns the index of and distance to the closest centroid.
func nearestCentroid(v []float64, centroids [][]float64) (int, float64) {
	best := 0
	bestDist := math.Inf(1)
	for c, centroid := range centroids {
		d := euclidean(v, centroid)
		if d < bestDist {
			best = c
			bestDist = d
		}
	}
	return best, bestDist
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var varSum float64
	for _, x := range xs {
		diff := x - mean
		varSum += diff * diff
	}
	return mean, math.Sqrt(varSum / float64(len(xs)))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
