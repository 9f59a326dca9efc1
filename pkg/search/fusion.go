package search

import (
	"sort"

	"github.com/xhad/dossier/internal/models"
)

type candidate struct {
	chunk      models.Chunk
	vector     float64
	keyword    float64
	hasVector  bool
	hasKeyword bool
}

// Fuse merges vector and keyword results into one ranking. A chunk found by both methods
// scores v*w + (1-w); a chunk found by one method scores its method score times that
// method's weight. Results are deduplicated by chunk id, sorted by score (ties by id) and
// capped at MatchCount.
func Fuse(vector, keyword []models.SearchResult, cfg Config) []models.SearchResult {
	cfg = cfg.withDefaults()

	byID := make(map[string]*candidate)
	get := func(c models.Chunk) *candidate {
		cand, ok := byID[c.ID]
		if !ok {
			cand = &candidate{chunk: c}
			byID[c.ID] = cand
		}
		return cand
	}
	for _, r := range vector {
		cand := get(r.Chunk)
		if !cand.hasVector || r.Score > cand.vector {
			cand.vector = r.Score
		}
		cand.hasVector = true
	}
	for _, r := range keyword {
		cand := get(r.Chunk)
		if !cand.hasKeyword || r.Score > cand.keyword {
			cand.keyword = r.Score
		}
		cand.hasKeyword = true
	}

	results := make([]models.SearchResult, 0, len(byID))
	w := cfg.VectorWeight
	for _, cand := range byID {
		var r models.SearchResult
		r.Chunk = cand.chunk
		switch {
		case cand.hasVector && cand.hasKeyword:
			r.Score = cand.vector*w + 1*(1-w)
			r.Method = models.MatchHybrid
		case cand.hasVector:
			r.Score = cand.vector * cfg.VectorOnlyWeight
			r.Method = models.MatchVector
		default:
			r.Score = cand.keyword * cfg.KeywordOnlyWeight
			r.Method = models.MatchKeyword
		}
		r.Score = clamp01(r.Score)
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > cfg.MatchCount {
		results = results[:cfg.MatchCount]
	}
	return results
}
