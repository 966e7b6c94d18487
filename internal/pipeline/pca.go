package pipeline

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCAResult is the output of the linear reduction stage.
type PCAResult struct {
	// Reduced holds one row per input vector, Components columns each.
	Reduced [][]float64
	// Components is the retained dimensionality (≤ requested target).
	Components int
	// ExplainedVariance is the fraction of total variance the retained
	// components carry, reported as a diagnostic.
	ExplainedVariance float64
}

// ReducePCA projects the input vectors onto their top principal components.
// Fully deterministic. If target is at or above the input dimensionality the
// vectors are passed through unchanged.
func ReducePCA(vectors [][]float64, target int) (*PCAResult, error) {
	n := len(vectors)
	if n < 2 {
		return nil, fmt.Errorf("pca: need at least 2 vectors, got %d", n)
	}
	d := len(vectors[0])
	for i, v := range vectors {
		if len(v) != d {
			return nil, fmt.Errorf("pca: vector %d has length %d, want %d", i, len(v), d)
		}
	}

	if target >= d {
		out := make([][]float64, n)
		for i, v := range vectors {
			out[i] = append([]float64(nil), v...)
		}
		return &PCAResult{Reduced: out, Components: d, ExplainedVariance: 1}, nil
	}

	x := mat.NewDense(n, d, nil)
	for i, v := range vectors {
		x.SetRow(i, v)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, fmt.Errorf("pca: decomposition failed")
	}

	vars := pc.VarsTo(nil)
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	_, available := vecs.Dims()
	k := target
	if k > available {
		k = available
	}

	var total, retained float64
	for i, v := range vars {
		total += v
		if i < k {
			retained += v
		}
	}
	explained := 0.0
	if total > 0 {
		explained = retained / total
	}

	// Project the mean-centered data onto the first k components.
	means := make([]float64, d)
	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, x)
		means[j] = stat.Mean(col, nil)
	}
	centered := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			centered.Set(i, j, x.At(i, j)-means[j])
		}
	}

	var projected mat.Dense
	projected.Mul(centered, vecs.Slice(0, d, 0, k))

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = append([]float64(nil), projected.RawRowView(i)...)
	}

	return &PCAResult{Reduced: out, Components: k, ExplainedVariance: explained}, nil
}
