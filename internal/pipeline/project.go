package pipeline

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ProjectionParams tunes the nonlinear 3D projection stage.
type ProjectionParams struct {
	Neighbors int
	MinDist   float64
	Spread    float64
	Epochs    int
	Seed      int64
}

// Coord is a point in the 3D opinion map.
type Coord struct {
	X, Y, Z float64
}

type graphEdge struct {
	i, j   int
	weight float64
}

type neighbor struct {
	idx  int
	dist float64
}

// ProjectTo3D lays the vectors out in three dimensions, preserving local
// neighborhoods: a fuzzy k-nearest-neighbor graph is built over the input
// (already PCA-compressed, which keeps the neighbor search cheap), then the
// layout is optimized by stochastic gradient descent with attractive forces
// along graph edges and repulsive forces against sampled non-neighbors.
// Deterministic for a fixed seed.
func ProjectTo3D(vectors [][]float64, params ProjectionParams) ([]Coord, error) {
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("projection: no vectors")
	}
	if n <= 3 {
		// Too few points for a neighbor graph; spread them on a diagonal.
		coords := make([]Coord, n)
		for i := range coords {
			coords[i] = Coord{X: float64(i), Y: float64(i), Z: float64(i)}
		}
		return coords, nil
	}

	k := params.Neighbors
	if k < 2 {
		k = 2
	}
	if k >= n {
		k = n - 1
	}
	epochs := params.Epochs
	if epochs <= 0 {
		epochs = 200
	}

	edges := buildFuzzyGraph(vectors, k)
	a, b := fitAttractionCurve(params.MinDist, params.Spread)
	rng := rand.New(rand.NewSource(params.Seed))

	coords := initialLayout(vectors, n)
	optimizeLayout(coords, edges, n, epochs, a, b, rng)

	return coords, nil
}

// buildFuzzyGraph computes the symmetrized fuzzy neighbor graph: per point,
// membership strength exp(-(d - rho)/sigma) over its k nearest neighbors,
// with sigma calibrated so the strengths sum to log2(k).
func buildFuzzyGraph(vectors [][]float64, k int) []graphEdge {
	n := len(vectors)

	knn := make([][]neighbor, n)
	for i := range vectors {
		all := make([]neighbor, 0, n-1)
		for j := range vectors {
			if i == j {
				continue
			}
			all = append(all, neighbor{idx: j, dist: euclidean(vectors[i], vectors[j])})
		}
		sort.Slice(all, func(x, y int) bool { return all[x].dist < all[y].dist })
		knn[i] = all[:k]
	}

	weights := make(map[[2]int]float64, n*k)
	targetSum := math.Log2(float64(k))
	for i, neighbors := range knn {
		rho := neighbors[0].dist
		sigma := calibrateSigma(neighbors, rho, targetSum)
		for _, nb := range neighbors {
			w := 1.0
			if nb.dist > rho && sigma > 0 {
				w = math.Exp(-(nb.dist - rho) / sigma)
			}
			weights[[2]int{i, nb.idx}] = w
		}
	}

	// Symmetrize: w = w_ij + w_ji − w_ij·w_ji.
	seen := make(map[[2]int]bool, len(weights))
	var edges []graphEdge
	for key, wij := range weights {
		i, j := key[0], key[1]
		lo, hi := i, j
		if lo > hi {
			lo, hi = hi, lo
		}
		if seen[[2]int{lo, hi}] {
			continue
		}
		seen[[2]int{lo, hi}] = true
		wji := weights[[2]int{j, i}]
		edges = append(edges, graphEdge{i: lo, j: hi, weight: wij + wji - wij*wji})
	}

	// Deterministic edge order regardless of map iteration.
	sort.Slice(edges, func(x, y int) bool {
		if edges[x].i != edges[y].i {
			return edges[x].i < edges[y].i
		}
		return edges[x].j < edges[y].j
	})
	return edges
}

// calibrateSigma binary-searches the smoothing bandwidth so the membership
// strengths of one point's neighbors sum to target.
func calibrateSigma(neighbors []neighbor, rho, target float64) float64 {
	lo, hi := 1e-6, 1000.0
	sigma := 1.0
	for iter := 0; iter < 64; iter++ {
		sigma = (lo + hi) / 2
		var sum float64
		for _, nb := range neighbors {
			if nb.dist <= rho {
				sum += 1
			} else {
				sum += math.Exp(-(nb.dist - rho) / sigma)
			}
		}
		if math.Abs(sum-target) < 1e-5 {
			break
		}
		if sum > target {
			hi = sigma
		} else {
			lo = sigma
		}
	}
	return sigma
}

// fitAttractionCurve fits 1/(1+a·x^(2b)) to the target membership curve
// implied by minDist and spread, by coarse grid search. Deterministic; runs
// once per projection.
func fitAttractionCurve(minDist, spread float64) (float64, float64) {
	if minDist <= 0 {
		minDist = 0.1
	}
	if spread <= 0 {
		spread = 1.0
	}

	const samples = 300
	xs := make([]float64, samples)
	ys := make([]float64, samples)
	for i := 0; i < samples; i++ {
		x := 3 * spread * float64(i+1) / samples
		xs[i] = x
		if x < minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(x - minDist) / spread)
		}
	}

	bestA, bestB := 1.577, 0.895 // known fit for minDist 0.1, spread 1.0
	bestErr := math.Inf(1)
	for a := 0.05; a <= 3.0; a += 0.05 {
		for b := 0.3; b <= 2.0; b += 0.05 {
			var sse float64
			for i := range xs {
				f := 1 / (1 + a*math.Pow(xs[i], 2*b))
				diff := f - ys[i]
				sse += diff * diff
			}
			if sse < bestErr {
				bestErr = sse
				bestA, bestB = a, b
			}
		}
	}
	return bestA, bestB
}

// initialLayout seeds positions from the first three input dimensions. The
// input is PCA output with dimensions ordered by variance, so this is a
// sensible coarse placement that the optimizer refines.
func initialLayout(vectors [][]float64, n int) []Coord {
	coords := make([]Coord, n)
	dim := len(vectors[0])
	for i, v := range vectors {
		coords[i].X = v[0]
		if dim > 1 {
			coords[i].Y = v[1]
		}
		if dim > 2 {
			coords[i].Z = v[2]
		}
	}
	// Scale to roughly ±10 so gradient steps are well conditioned.
	var maxAbs float64
	for _, c := range coords {
		for _, x := range []float64{c.X, c.Y, c.Z} {
			if math.Abs(x) > maxAbs {
				maxAbs = math.Abs(x)
			}
		}
	}
	if maxAbs > 0 {
		scale := 10 / maxAbs
		for i := range coords {
			coords[i].X *= scale
			coords[i].Y *= scale
			coords[i].Z *= scale
		}
	}
	return coords
}

const (
	negativeSamples = 5
	gradientClip    = 4.0
)

// optimizeLayout runs the SGD layout: per epoch, each edge applies an
// attractive update between its endpoints and repulsive updates against
// sampled non-neighbors, with a linearly decaying learning rate.
func optimizeLayout(coords []Coord, edges []graphEdge, n, epochs int, a, b float64, rng *rand.Rand) {
	for epoch := 0; epoch < epochs; epoch++ {
		alpha := 1.0 - float64(epoch)/float64(epochs)
		for _, e := range edges {
			applyAttraction(coords, e.i, e.j, e.weight*alpha, a, b)
			for s := 0; s < negativeSamples; s++ {
				other := rng.Intn(n)
				if other == e.i || other == e.j {
					continue
				}
				applyRepulsion(coords, e.i, other, alpha, a, b)
			}
		}
	}
}

func applyAttraction(coords []Coord, i, j int, strength, a, b float64) {
	dx := coords[i].X - coords[j].X
	dy := coords[i].Y - coords[j].Y
	dz := coords[i].Z - coords[j].Z
	d2 := dx*dx + dy*dy + dz*dz
	if d2 == 0 {
		return
	}
	// Gradient of the attractive term of the cross-entropy objective.
	coeff := -2 * a * b * math.Pow(d2, b-1) / (1 + a*math.Pow(d2, b)) * strength
	coords[i].X += clipGrad(coeff * dx)
	coords[i].Y += clipGrad(coeff * dy)
	coords[i].Z += clipGrad(coeff * dz)
	coords[j].X -= clipGrad(coeff * dx)
	coords[j].Y -= clipGrad(coeff * dy)
	coords[j].Z -= clipGrad(coeff * dz)
}

func applyRepulsion(coords []Coord, i, j int, strength, a, b float64) {
	dx := coords[i].X - coords[j].X
	dy := coords[i].Y - coords[j].Y
	dz := coords[i].Z - coords[j].Z
	d2 := dx*dx + dy*dy + dz*dz
	coeff := 2 * b / ((0.001 + d2) * (1 + a*math.Pow(d2, b))) * strength
	coords[i].X += clipGrad(coeff * dx)
	coords[i].Y += clipGrad(coeff * dy)
	coords[i].Z += clipGrad(coeff * dz)
}

func clipGrad(g float64) float64 {
	if g > gradientClip {
		return gradientClip
	}
	if g < -gradientClip {
		return -gradientClip
	}
	return g
}

// NormalizeCoords rescales each axis independently into [0, max] so every
// session's map occupies the same visual range. A degenerate axis collapses
// to the midpoint.
func NormalizeCoords(coords []Coord, max float64) {
	if len(coords) == 0 {
		return
	}

	axes := [3]func(*Coord) *float64{
		func(c *Coord) *float64 { return &c.X },
		func(c *Coord) *float64 { return &c.Y },
		func(c *Coord) *float64 { return &c.Z },
	}

	for _, axis := range axes {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range coords {
			v := *axis(&coords[i])
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		span := hi - lo
		for i := range coords {
			p := axis(&coords[i])
			if span == 0 {
				*p = max / 2
			} else {
				*p = (*p - lo) / span * max
			}
		}
	}
}
