package speed

import (
	"testing"

	"cdnscout/internal/shared/model"
)

func TestScoreZeroOnError(t *testing.T) {
	s := &model.SpeedSample{ErrorKind: model.ErrKindTimeout}
	if got := Score(s, 50, nil); got != 0 {
		t.Fatalf("Score with error = %v, want 0", got)
	}
}

func TestScoreMonotonicInThroughput(t *testing.T) {
	set := []scoreInput{
		{Throughput: 10, Latency: 50, TTFB: 100},
		{Throughput: 100, Latency: 50, TTFB: 100},
	}
	slow := &model.SpeedSample{ThroughputMbps: 10, TTFBMillis: 100}
	fast := &model.SpeedSample{ThroughputMbps: 100, TTFBMillis: 100}

	scoreSlow := Score(slow, 50, set)
	scoreFast := Score(fast, 50, set)
	if scoreFast <= scoreSlow {
		t.Fatalf("higher throughput did not score higher: fast=%v slow=%v", scoreFast, scoreSlow)
	}
}

func TestScoreDegenerateSetReturnsZeroNorm(t *testing.T) {
	set := []scoreInput{
		{Throughput: 10, Latency: 50, TTFB: 100},
	}
	s := &model.SpeedSample{ThroughputMbps: 10, TTFBMillis: 100}
	// A single-element set has no spread, so normalize floors to 0.
	got := Score(s, 50, set)
	if got != 0.35+0.15 {
		t.Fatalf("degenerate-set score = %v, want %v", got, 0.35+0.15)
	}
}
