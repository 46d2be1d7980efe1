package ratelimit

import (
	"context"
	"testing"
	"time"

	"cdnscout/internal/shared/model"
)

func TestNewStartsOnDirectHost(t *testing.T) {
	a := New(0, 0)
	via, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if via != model.ViaDirect {
		t.Fatalf("via = %v, want direct", via)
	}
}

func Test429FailsOverToMirror(t *testing.T) {
	a := New(0, 0)
	a.ReportStatus(429, "5")

	via, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if via != model.ViaMirror {
		t.Fatalf("via = %v, want mirror after 429", via)
	}
}

func TestFailbackRequiresPauseElapsedAndSuccesses(t *testing.T) {
	a := New(0, 0)
	a.ReportStatus(429, "0")
	a.pausedUntil = time.Now().Add(-time.Millisecond)

	a.MaybeFailback()
	if a.via != model.ViaMirror {
		t.Fatalf("failed back before any mirror success recorded")
	}

	a.ReportStatus(200, "")
	a.ReportStatus(200, "")
	a.ReportStatus(200, "")
	a.MaybeFailback()
	if a.via != model.ViaDirect {
		t.Fatalf("expected failback to direct after 3 mirror successes")
	}
}

func TestParseRetryAfterCapsAtMax(t *testing.T) {
	got := parseRetryAfter("99999")
	if got != maxPause {
		t.Fatalf("parseRetryAfter huge value = %v, want capped at %v", got, maxPause)
	}
}

func TestParseRetryAfterDefaultsOnGarbage(t *testing.T) {
	got := parseRetryAfter("not-a-number")
	if got != defaultPause {
		t.Fatalf("parseRetryAfter garbage = %v, want default %v", got, defaultPause)
	}
}

func TestAcquireHoldsOnceWindowFullUntilOldestExpires(t *testing.T) {
	window := 80 * time.Millisecond
	a := New(2, window)
	ctx := context.Background()

	start := time.Now()
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	// The 3rd request is over capacity within the window and must be
	// held until the 1st timestamp ages out, not admitted immediately.
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 3: %v", err)
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Fatalf("3rd request admitted after %v, want held until window %v elapsed", elapsed, window)
	}
}

func TestAcquireRejectsOnContextCancelWhileWindowFull(t *testing.T) {
	a := New(1, time.Hour)
	ctx := context.Background()
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(cancelCtx); err == nil {
		t.Fatalf("expected Acquire to return the context error while the window is full")
	}
}

func TestSnapshotReportsUsedCount(t *testing.T) {
	a := New(0, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.Acquire(ctx); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	snap := a.Snapshot()
	if snap.Used != 3 || snap.Capacity != defaultCapacity {
		t.Fatalf("snapshot = %+v, want Used=3 Capacity=%d", snap, defaultCapacity)
	}
}
