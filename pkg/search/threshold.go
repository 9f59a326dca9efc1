package search

import "math"

// ThresholdPolicy adapts the similarity threshold to the number of embedded chunks of a case.
// Small pools get a looser threshold so something is returned at all; large pools get a
// tighter one so the top-K stays relevant.
type ThresholdPolicy struct {
	Base      float64
	Relax     float64
	Tighten   float64
	SmallPool int
	LargePool int
}

func DefaultThresholdPolicy() ThresholdPolicy {
	return ThresholdPolicy{
		Base:      0.5,
		Relax:     0.2,
		Tighten:   0.15,
		SmallPool: 20,
		LargePool: 5000,
	}
}

// Effective returns the threshold for a pool of n candidates. It is non-decreasing in n:
// Base-Relax up to SmallPool, Base+Tighten from LargePool, log-linear in between.
func (p ThresholdPolicy) Effective(n int) float64 {
	lo := p.Base - math.Max(p.Relax, 0)
	hi := p.Base + math.Max(p.Tighten, 0)

	small, large := p.SmallPool, p.LargePool
	if small < 1 {
		small = 1
	}
	switch {
	case n <= small:
		return clamp01(lo)
	case large <= small || n >= large:
		return clamp01(hi)
	}

	t := (math.Log(float64(n)) - math.Log(float64(small))) / (math.Log(float64(large)) - math.Log(float64(small)))
	return clamp01(lo + t*(hi-lo))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
