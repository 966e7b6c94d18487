package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/driftlab/opinionmap/internal/store"
)

// MalformedEmbeddingError reports a stored embedding that could not be
// normalized into a vector of the expected length. Never silently coerced;
// the vectorizer treats the post as missing an embedding and recomputes.
type MalformedEmbeddingError struct {
	PostID uuid.UUID
	Reason string
}

func (e *MalformedEmbeddingError) Error() string {
	return fmt.Sprintf("malformed embedding for post %s: %s", e.PostID, e.Reason)
}

// ParseEmbedding normalizes a stored embedding row into a float vector of
// exactly dims elements. Native vector values are accepted first; otherwise a
// delimited numeric string (JSON-array style or comma/space separated) is
// parsed; anything else is rejected.
func ParseEmbedding(e store.StoredEmbedding, dims int) ([]float64, error) {
	if e.Vector != nil {
		raw := e.Vector.Slice()
		if len(raw) != dims {
			return nil, &MalformedEmbeddingError{PostID: e.PostID, Reason: fmt.Sprintf("vector length %d, want %d", len(raw), dims)}
		}
		vec := make([]float64, dims)
		for i, v := range raw {
			vec[i] = float64(v)
		}
		return vec, nil
	}

	if e.Raw != nil {
		vec, err := parseDelimited(*e.Raw)
		if err != nil {
			return nil, &MalformedEmbeddingError{PostID: e.PostID, Reason: err.Error()}
		}
		if len(vec) != dims {
			return nil, &MalformedEmbeddingError{PostID: e.PostID, Reason: fmt.Sprintf("string vector length %d, want %d", len(vec), dims)}
		}
		return vec, nil
	}

	return nil, &MalformedEmbeddingError{PostID: e.PostID, Reason: "no vector or string value"}
}

// parseDelimited parses "[0.1, 0.2]"-style and bare comma- or
// space-separated numeric strings.
func parseDelimited(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}

	var fields []string
	if strings.Contains(s, ",") {
		fields = strings.Split(s, ",")
	} else {
		fields = strings.Fields(s)
	}

	vec := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric element %q", strings.TrimSpace(f))
		}
		vec = append(vec, v)
	}
	return vec, nil
}
