package sweep

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
)

// Options configures one sweep run.
type Options struct {
	Subnets []string
	Mode    Mode
	Workers int
	Timeout time.Duration
	SNI     string // presented in the uTLS ClientHello, e.g. settings.Current().SpeedHost; "" falls back to the dotted IP
}

// Run enumerates candidates for opts and probes them with a
// bounded-parallel worker pool, mirroring the teacher's semaphore
// pattern from proxypool/validator (a buffered channel gating
// in-flight goroutines rather than a full worker-pool library).
// Results come back sorted ascending by TLS handshake time; probes
// that never completed a handshake are appended last, unsorted.
func Run(ctx context.Context, opts Options, readFile func(string) ([]byte, error)) ([]ProbeResult, error) {
	raiseFileLimit()
	l := logger.WithComponent("sweep")

	spec := ""
	if len(opts.Subnets) == 1 {
		spec = opts.Subnets[0]
	} else if len(opts.Subnets) > 1 {
		spec = joinComma(opts.Subnets)
	}
	nets, err := ParseSubnets(spec, readFile)
	if err != nil {
		return nil, err
	}

	total := CountAll(nets)
	l.Info().Str("mode", string(opts.Mode)).Int("subnets", len(nets)).Int("universe", total).Msg("sweep starting")

	rng := rand.New(rand.NewSource(1))
	ports := Ports(opts.Mode)
	verify := VerifyEnabled(opts.Mode)

	candidates := Enumerate(nets, opts.Mode, rng)

	sem := make(chan struct{}, opts.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []ProbeResult
	cancelled := false

loop:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break loop
		case ip, ok := <-candidates:
			if !ok {
				break loop
			}
			for _, ep := range endpointsFor(ip, ports) {
				ep := ep
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					res := Probe(ctx, ep, opts.SNI, verify, opts.Timeout)
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
				}()
			}
		}
	}
	wg.Wait()
	if cancelled {
		// Drain the enumerator so its goroutine doesn't leak blocked on
		// a send once we stop reading.
		go func() {
			for range candidates {
			}
		}()
		return sortResults(results), ctx.Err()
	}

	alive := 0
	for _, r := range results {
		if r.Alive {
			alive++
		}
	}
	l.Info().Int("probed", len(results)).Int("alive", alive).Msg("sweep finished")

	return sortResults(results), nil
}

func sortResults(results []ProbeResult) []ProbeResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Alive != results[j].Alive {
			return results[i].Alive
		}
		return results[i].TLSMillis < results[j].TLSMillis
	})
	return results
}

// CleanEndpoints extracts alive (and, when verify was on, verified)
// endpoints in the engine's ranked order.
func CleanEndpoints(results []ProbeResult, requireVerified bool) []model.Endpoint {
	var out []model.Endpoint
	for _, r := range results {
		if !r.Alive {
			continue
		}
		if requireVerified && !r.Verified {
			continue
		}
		out = append(out, r.Endpoint)
	}
	return out
}

func joinComma(items []string) string {
	out := items[0]
	for _, s := range items[1:] {
		out += "," + s
	}
	return out
}
