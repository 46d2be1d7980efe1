package speed

import "cdnscout/internal/shared/model"

// Score computes the composite ranking score (spec §3):
// composite = 0.50*norm(throughput) + 0.35*(1-norm(latency)) + 0.15*(1-norm(ttfb))
// normalized min-max over the candidate set passed in, clamped to
// [0,1]. A group with no successful sample in this round scores 0.
func Score(sample *model.SpeedSample, latencyMillis float64, set []scoreInput) float64 {
	if sample == nil || sample.ErrorKind != model.ErrKindNone {
		return 0
	}
	minT, maxT := minMaxThroughput(set)
	minL, maxL := minMaxLatency(set)
	minB, maxB := minMaxTTFB(set)

	nThroughput := normalize(sample.ThroughputMbps, minT, maxT)
	nLatency := normalize(latencyMillis, minL, maxL)
	nTTFB := normalize(sample.TTFBMillis, minB, maxB)

	return 0.50*nThroughput + 0.35*(1-nLatency) + 0.15*(1-nTTFB)
}

// scoreInput is the minimal per-endpoint data the min-max normalizer
// needs across a candidate set.
type scoreInput struct {
	Throughput float64
	Latency    float64
	TTFB       float64
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	n := (v - lo) / (hi - lo)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func minMaxThroughput(set []scoreInput) (lo, hi float64) {
	return minMax(set, func(s scoreInput) float64 { return s.Throughput })
}

func minMaxLatency(set []scoreInput) (lo, hi float64) {
	return minMax(set, func(s scoreInput) float64 { return s.Latency })
}

func minMaxTTFB(set []scoreInput) (lo, hi float64) {
	return minMax(set, func(s scoreInput) float64 { return s.TTFB })
}

func minMax(set []scoreInput, get func(scoreInput) float64) (lo, hi float64) {
	if len(set) == 0 {
		return 0, 0
	}
	lo, hi = get(set[0]), get(set[0])
	for _, s := range set[1:] {
		v := get(s)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
