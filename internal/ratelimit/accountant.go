// Package ratelimit implements the Rate-Limit Accountant (SPEC_FULL
// §5.6): a fixed request-count window shared by every Speed Engine
// worker, a token-bucket smoothing layer on top of it, and the
// direct/mirror CDN failover state machine.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
)

const (
	defaultCapacity   = 550
	defaultWindow     = 600 * time.Second
	defaultPause      = 60 * time.Second
	maxPause          = 300 * time.Second
	failoverWindow    = 30 * time.Second
	failbackSuccProbe = 3
)

// Accountant enforces a strict sliding-window request budget against
// speed.cloudflare.com via a circular buffer of admission timestamps
// (spec §4.6: a request is admitted iff strictly fewer than capacity
// timestamps are newer than now-window), applies a token-bucket
// smoothing layer on top so admitted requests still spread out rather
// than clumping, and switches to the mirror host after a pause or two
// 429s within 30 seconds.
type Accountant struct {
	mu sync.Mutex

	timestamps []time.Time // circular buffer of admission times, oldest first
	windowLen  time.Duration
	capacity   int

	bucket *ratelimit.Bucket

	pausedUntil time.Time
	on429       []time.Time

	via             model.Via
	mirrorSuccesses int
}

// New creates an Accountant with the given request-count budget over
// the given sliding window, with a token-bucket layer refilling at
// capacity/window so admitted requests spread out rather than
// clumping at window boundaries. A non-positive capacity or window
// falls back to the Cloudflare-scale default of 550 requests per
// 600 seconds.
func New(capacity int, window time.Duration) *Accountant {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if window <= 0 {
		window = defaultWindow
	}
	rate := float64(capacity) / window.Seconds()
	return &Accountant{
		windowLen: window,
		capacity:  capacity,
		bucket:    ratelimit.NewBucketWithRate(rate, int64(capacity)),
		via:       model.ViaDirect,
	}
}

// Acquire blocks (respecting ctx) until a request may be sent, then
// reports which CDN host to send it against. Admission waits until
// any pause has elapsed and the sliding window has a free slot,
// whichever host is current; the token bucket then smooths the actual
// send time.
func (a *Accountant) Acquire(ctx context.Context) (model.Via, error) {
	if err := a.waitForSlot(ctx); err != nil {
		return a.currentVia(), err
	}

	if wait := a.bucket.Take(1); wait > 0 {
		if err := sleepOrDone(ctx, wait); err != nil {
			return a.currentVia(), err
		}
	}

	return a.currentVia(), nil
}

// waitForSlot blocks until any active pause has elapsed and the
// sliding window has room for one more timestamp, then records the
// admission before returning. Per spec Scenario 4, a request that
// would be the capacity+1'th timestamp within the window is held
// until the oldest timestamp ages out, never rejected outright.
func (a *Accountant) waitForSlot(ctx context.Context) error {
	for {
		a.mu.Lock()
		now := time.Now()

		if a.pausedUntil.After(now) {
			wait := a.pausedUntil.Sub(now)
			a.mu.Unlock()
			if err := sleepOrDone(ctx, wait); err != nil {
				return err
			}
			continue
		}

		a.timestamps = pruneWindow(a.timestamps, now, a.windowLen)
		if len(a.timestamps) >= a.capacity {
			wait := a.windowLen - now.Sub(a.timestamps[0])
			a.mu.Unlock()
			if err := sleepOrDone(ctx, wait); err != nil {
				return err
			}
			continue
		}

		a.timestamps = append(a.timestamps, now)
		a.mu.Unlock()
		return nil
	}
}

func (a *Accountant) currentVia() model.Via {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.via
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneWindow drops timestamps that have aged out of window, keeping
// the buffer's backing array (times[:0]) rather than allocating.
func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) < window {
			out = append(out, t)
		}
	}
	return out
}

// ReportStatus feeds an HTTP response's status (and, on a 429, its
// Retry-After header) back into the accountant so it can pause and
// fail over.
func (a *Accountant) ReportStatus(status int, retryAfter string) {
	l := logger.WithComponent("ratelimit")
	if status != 429 && status != 403 {
		a.reportSuccess()
		return
	}

	pause := parseRetryAfter(retryAfter)
	now := time.Now()

	a.mu.Lock()
	a.pausedUntil = now.Add(pause)
	a.on429 = append(prune(a.on429, now), now)
	a.mirrorSuccesses = 0
	shouldFailover := a.via == model.ViaDirect
	a.mu.Unlock()

	if shouldFailover {
		a.failover()
	}
	l.Warn().Int("status", status).Dur("pause", pause).Msg("rate limited, pausing")
}

func (a *Accountant) reportSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.via == model.ViaMirror {
		a.mirrorSuccesses++
	}
}

func (a *Accountant) failover() {
	l := logger.WithComponent("ratelimit")
	a.mu.Lock()
	if a.via == model.ViaMirror {
		a.mu.Unlock()
		return
	}
	a.via = model.ViaMirror
	a.mirrorSuccesses = 0
	a.mu.Unlock()
	l.Info().Msg("failing over to mirror CDN host")
}

// MaybeFailback switches back to the direct host once the pause has
// elapsed and the last failbackSuccProbe mirror requests succeeded.
func (a *Accountant) MaybeFailback() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.via != model.ViaMirror {
		return
	}
	if time.Now().Before(a.pausedUntil) {
		return
	}
	if a.mirrorSuccesses < failbackSuccProbe {
		return
	}
	a.via = model.ViaDirect
	a.on429 = nil
}

func prune(times []time.Time, now time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) <= failoverWindow {
			out = append(out, t)
		}
	}
	return out
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultPause
	}
	if secs, err := strconv.Atoi(v); err == nil {
		d := time.Duration(secs) * time.Second
		if d > maxPause {
			return maxPause
		}
		if d <= 0 {
			return defaultPause
		}
		return d
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		d := time.Until(t)
		if d > maxPause {
			return maxPause
		}
		if d <= 0 {
			return defaultPause
		}
		return d
	}
	return defaultPause
}

// Snapshot reports the accountant's current budget state for logging
// and export.
func (a *Accountant) Snapshot() model.RateBudget {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timestamps = pruneWindow(a.timestamps, time.Now(), a.windowLen)
	var windowStart time.Time
	if len(a.timestamps) > 0 {
		windowStart = a.timestamps[0]
	}
	return model.RateBudget{
		WindowStart: windowStart,
		WindowLen:   a.windowLen,
		Capacity:    a.capacity,
		Used:        len(a.timestamps),
		PausedUntil: a.pausedUntil,
	}
}
