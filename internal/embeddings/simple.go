package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// SimpleProvider generates embeddings using a keyword hashing approach. Not
// semantically meaningful, but deterministic and offline, which is what
// development and tests need.
type SimpleProvider struct {
	dimensions int
}

// NewSimpleProvider creates a new SimpleProvider producing vectors of the
// given length.
func NewSimpleProvider(dimensions int) *SimpleProvider {
	return &SimpleProvider{dimensions: dimensions}
}

// Name returns the provider name.
func (p *SimpleProvider) Name() string {
	return "simple"
}

// Dimensions returns the embedding vector length.
func (p *SimpleProvider) Dimensions() int {
	return p.dimensions
}

// EmbedBatch embeds each text independently.
func (p *SimpleProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = p.embed(text)
	}
	return result, nil
}

// embed hashes words (and bigrams, to capture some ordering) into vector
// dimensions, then L2-normalizes.
func (p *SimpleProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimensions)
	words := tokenize(text)

	for _, word := range words {
		h := fnv.New64a()
		h.Write([]byte(word))
		idx := h.Sum64() % uint64(p.dimensions)
		vec[idx] += 1.0
	}

	for i := 0; i < len(words)-1; i++ {
		bigram := words[i] + " " + words[i+1]
		h := fnv.New64a()
		h.Write([]byte(bigram))
		idx := h.Sum64() % uint64(p.dimensions)
		vec[idx] += 0.5
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}

	return vec
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	for _, c := range ".,;:!?()[]{}\"'`~@#$%^&*+=|\\/<>" {
		text = strings.ReplaceAll(text, string(c), " ")
	}
	fields := strings.Fields(text)
	var result []string
	for _, f := range fields {
		if len(f) >= 2 {
			result = append(result, f)
		}
	}
	return result
}
