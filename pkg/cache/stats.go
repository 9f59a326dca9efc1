package cache

import "sync/atomic"

// TierStats are observability counters only; nothing reads them for correctness.
type TierStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Writes        int64 `json:"writes"`
	Invalidations int64 `json:"invalidations"`
	Evictions     int64 `json:"evictions,omitempty"`
	Errors        int64 `json:"errors,omitempty"`
}

type Stats struct {
	L1        TierStats `json:"l1"`
	L2        TierStats `json:"l2"`
	L1Entries int       `json:"l1_entries"`
	L1Bytes   int64     `json:"l1_bytes"`
}

type counters struct {
	hits, misses, writes, invalidations, evictions, errors atomic.Int64
}

func (c *counters) snapshot() TierStats {
	return TierStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Writes:        c.writes.Load(),
		Invalidations: c.invalidations.Load(),
		Evictions:     c.evictions.Load(),
		Errors:        c.errors.Load(),
	}
}
