// Package speed implements the Progressive Speed-Ranking Engine
// (SPEC_FULL §5.5): 1-3 download rounds of growing size, ranked by
// the composite Score, funneling down to the top survivors between
// rounds.
package speed

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sort"
	"sync"
	"time"

	"cdnscout/internal/ratelimit"
	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
	"cdnscout/internal/shared/settings"
)

const smallSetThreshold = 50

// Options configures one progressive run.
type Options struct {
	Mode    string // "quick", "normal", "thorough"; ignored when Rounds is set
	Rounds  []settings.RoundSpec
	Workers int
	Timeout time.Duration
}

// Candidate is one Group carried through the funnel, with its
// per-round sample history so the final composite can use the
// deepest round it reached (spec §4.5).
type Candidate struct {
	Group    *model.Group
	Samples  []*model.SpeedSample
	LastGood *model.SpeedSample
}

func newCandidates(groups []*model.Group) []*Candidate {
	out := make([]*Candidate, 0, len(groups))
	for _, g := range groups {
		if g.Latency == nil || !g.Latency.Alive {
			continue
		}
		out = append(out, &Candidate{Group: g})
	}
	return out
}

// Run funnels alive groups through the round presets, returning
// candidates ordered by final score descending. Endpoints that never
// completed a download are dropped (spec §4.5 "final composite").
func Run(ctx context.Context, groups []*model.Group, opts Options, acct *ratelimit.Accountant) []*Candidate {
	l := logger.WithComponent("speed")
	rounds := opts.Rounds
	if len(rounds) == 0 {
		rounds = settings.Current().RoundPresets[opts.Mode]
	}

	candidates := newCandidates(groups)
	l.Info().Int("alive", len(candidates)).Int("rounds", len(rounds)).Msg("speed engine starting")

	smallSet := len(candidates) < smallSetThreshold

	active := candidates
	for i, round := range rounds {
		if !smallSet && round.Cap > 0 && round.Cap < len(active) {
			active = active[:round.Cap]
		}
		if len(active) == 0 {
			break
		}
		l.Info().Int("round", i+1).Int64("bytes", round.Bytes).Int("candidates", len(active)).Msg("round starting")
		runRound(ctx, active, i, round.Bytes, opts.Workers, opts.Timeout, acct)

		active = rankByRound(active, i)
	}

	final := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.LastGood != nil {
			final = append(final, c)
		}
	}
	sort.SliceStable(final, func(i, j int) bool {
		return finalOrderLess(final[j], final[i])
	})

	l.Info().Int("ranked", len(final)).Msg("speed engine finished")
	return final
}

func runRound(ctx context.Context, active []*Candidate, roundID int, bytes int64, workers int, timeout time.Duration, acct *ratelimit.Accountant) {
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, c := range active {
		c := c
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			sample := probeOne(ctx, c.Group, roundID, bytes, timeout, acct)
			c.Samples = append(c.Samples, sample)
			if sample.ErrorKind == model.ErrKindNone {
				c.LastGood = sample
			}
		}()
	}
	wg.Wait()
}

// rankByRound sorts active candidates by the composite score computed
// over this round's samples only (spec §4.5 "ranking between rounds"),
// keeping candidates whose round attempt failed but who have earlier
// successes eligible via a zero score rather than dropping them.
func rankByRound(active []*Candidate, roundID int) []*Candidate {
	set := make([]scoreInput, 0, len(active))
	roundSample := make(map[*Candidate]*model.SpeedSample, len(active))
	for _, c := range active {
		s := sampleForRound(c, roundID)
		roundSample[c] = s
		if s != nil && s.ErrorKind == model.ErrKindNone {
			set = append(set, scoreInput{
				Throughput: s.ThroughputMbps,
				Latency:    c.Group.Latency.TLSMillis,
				TTFB:       s.TTFBMillis,
			})
		}
	}

	scored := make(map[*Candidate]float64, len(active))
	for _, c := range active {
		s := roundSample[c]
		if s == nil || s.ErrorKind != model.ErrKindNone {
			scored[c] = 0
			continue
		}
		scored[c] = Score(s, c.Group.Latency.TLSMillis, set)
		c.Group.Score = scored[c]
	}

	out := make([]*Candidate, len(active))
	copy(out, active)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scored[out[i]], scored[out[j]]
		if si != sj {
			return si > sj
		}
		li, lj := out[i].Group.Latency.TLSMillis, out[j].Group.Latency.TLSMillis
		if li != lj {
			return li < lj
		}
		return out[i].Group.Endpoint.String() < out[j].Group.Endpoint.String()
	})

	// Candidates with no successful sample this round but a prior
	// success remain eligible for future rounds; candidates with
	// neither drop out of active entirely.
	filtered := out[:0]
	for _, c := range out {
		if roundSample[c] != nil && roundSample[c].ErrorKind == model.ErrKindNone {
			filtered = append(filtered, c)
			continue
		}
		if c.LastGood != nil {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func sampleForRound(c *Candidate, roundID int) *model.SpeedSample {
	for _, s := range c.Samples {
		if s.RoundID == roundID {
			return s
		}
	}
	return nil
}

func finalOrderLess(a, b *Candidate) bool {
	if a.LastGood == nil || b.LastGood == nil {
		return a.LastGood != nil
	}
	if a.Group.Score != b.Group.Score {
		return a.Group.Score < b.Group.Score
	}
	if a.Group.Latency.TLSMillis != b.Group.Latency.TLSMillis {
		return a.Group.Latency.TLSMillis > b.Group.Latency.TLSMillis
	}
	return a.Group.Endpoint.String() > b.Group.Endpoint.String()
}

// downloadOutcome is one HTTP attempt's raw result, before it's folded
// into a SpeedSample.
type downloadOutcome struct {
	status     int
	retryAfter string
	bytes      int64
	elapsed    time.Duration
	ttfb       time.Duration
	err        error
}

// probeOne performs one range-GET download against the endpoint,
// dialing the endpoint's IP directly while presenting the speed host
// as SNI/Host header, following the loader's substitution idiom of
// keeping the wire target and the presented identity independent. A
// 429, or a 403 on a file >= 25MB, gets one retry of the same download
// against the mirror CDN before the round gives up on this candidate
// (spec §4.5/§7; forced mirror retries bypass the Accountant, mirroring
// how a rate-limited request has nothing left to spend from the
// direct-host budget).
func probeOne(ctx context.Context, g *model.Group, roundID int, bytes int64, timeout time.Duration, acct *ratelimit.Accountant) *model.SpeedSample {
	sample := &model.SpeedSample{Endpoint: g.Endpoint, RoundID: roundID, BytesRequested: bytes}

	via, err := acct.Acquire(ctx)
	if err != nil {
		sample.ErrorKind = model.ErrKindTimeout
		return sample
	}

	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sample.Via = via
		snap := settings.Current()
		host, path := snap.SpeedHost, snap.SpeedPath
		if via == model.ViaMirror {
			host, path = snap.MirrorHost, snap.MirrorPath
		}

		out := doDownload(ctx, g.Endpoint, host, path, bytes, timeout)
		sample.HTTPStatus = out.status

		if out.err != nil && out.bytes == 0 {
			sample.ErrorKind = model.ErrKindTimeout
			return sample
		}

		canRetryMirror := via == model.ViaDirect && attempt < maxAttempts-1
		switch {
		case out.status == http.StatusTooManyRequests:
			acct.ReportStatus(out.status, out.retryAfter)
			sample.ErrorKind = model.ErrKindRateLimit
			if !canRetryMirror {
				return sample
			}
			via = model.ViaMirror
			continue
		case out.status == http.StatusForbidden && bytes >= 25<<20:
			acct.ReportStatus(out.status, "")
			sample.ErrorKind = model.ErrKindBlocked
			if !canRetryMirror {
				return sample
			}
			via = model.ViaMirror
			continue
		}

		acct.ReportStatus(out.status, "")
		acct.MaybeFailback()
		sample.ErrorKind = model.ErrKindNone
		sample.BytesReceived = out.bytes
		sample.ElapsedMillis = float64(out.elapsed.Microseconds()) / 1000.0
		if out.ttfb > 0 {
			sample.TTFBMillis = float64(out.ttfb.Microseconds()) / 1000.0
		}
		if out.elapsed > 0 {
			sample.ThroughputMbps = 8 * float64(out.bytes) / out.elapsed.Seconds() / 1e6
		}
		return sample
	}
	return sample
}

// doDownload issues one range-GET and reports its raw outcome; probeOne
// folds this into a SpeedSample and decides on retries.
func doDownload(ctx context.Context, ep model.Endpoint, host, path string, bytes int64, timeout time.Duration) downloadOutcome {
	client := dialerClient(ep, host, timeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, "https://"+host+path, nil)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", bytes-1))
	req.Header.Set("User-Agent", "cdnscout/1.0")

	var ttfbAt time.Time
	start := time.Now()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { ttfbAt = time.Now() },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := client.Do(req)
	if err != nil {
		return downloadOutcome{err: err}
	}
	defer resp.Body.Close()

	n, copyErr := io.Copy(io.Discard, io.LimitReader(resp.Body, bytes))
	elapsed := time.Since(start)
	if copyErr != nil && n == 0 {
		return downloadOutcome{status: resp.StatusCode, err: copyErr}
	}

	var ttfb time.Duration
	if !ttfbAt.IsZero() {
		ttfb = ttfbAt.Sub(start)
	}
	return downloadOutcome{
		status:     resp.StatusCode,
		retryAfter: resp.Header.Get("Retry-After"),
		bytes:      n,
		elapsed:    elapsed,
		ttfb:       ttfb,
	}
}

func dialerClient(ep model.Endpoint, sni string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := &net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, ep.String())
		},
		TLSClientConfig: &tls.Config{ServerName: sni, InsecureSkipVerify: true},
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
