package models

// MatchMethod records which retrieval path produced a result.
type MatchMethod string

const (
	MatchVector  MatchMethod = "vector"
	MatchKeyword MatchMethod = "keyword"
	MatchHybrid  MatchMethod = "hybrid"
)

// SearchResult is an ephemeral, per-query ranking of a chunk. Never persisted.
type SearchResult struct {
	Chunk  Chunk       `json:"chunk"`
	Score  float64     `json:"score"`
	Method MatchMethod `json:"method"`
}
