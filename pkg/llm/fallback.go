package llm

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// FallbackEmbedding derives a deterministic pseudo-embedding from the text by signed feature
// hashing of its tokens and adjacent token pairs. Identical text always yields identical vectors.
func FallbackEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	vec := make([]float64, dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	add := func(feature string, weight float64) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, dim)
	if norm == 0 {
		out[0] = 1
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
