package embed

import (
	"context"
	"fmt"
	"math"
)

// Cosine returns the cosine of the angle between a and b, or 0 when either is
// a zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Similarity is cosine similarity clamped to [0,1].
func Similarity(a, b []float32) float64 {
	return math.Max(0, math.Min(1, Cosine(a, b)))
}

// Scores embeds query and candidates in one call and returns the similarity
// of each candidate to query.
func Scores(ctx context.Context, e Embedder, query string, candidates []string) ([]float64, error) {
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	texts = append(texts, candidates...)
	vecs, err := e.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(texts))
	}
	out := make([]float64, len(candidates))
	for i := range candidates {
		out[i] = Similarity(vecs[0], vecs[i+1])
	}
	return out, nil
}
