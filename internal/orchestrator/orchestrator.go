// Package orchestrator wires the Input Loader, Config-Grouping,
// Latency Engine, Speed Engine, Rate-Limit Accountant, and Exporter
// into the two pipelines the CLI exposes: a full proxy-quality
// measurement run, and a clean-IP-only sweep. It follows the shape of
// the teacher's proxypool.Manager (owns its engines, structured
// startup/shutdown logging; no shared mutex-guarded result set)
// reduced to a single-pass pipeline: this tool runs once per
// invocation rather than as a background scheduler, so there is no
// ticker loop to own.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cdnscout/internal/export"
	"cdnscout/internal/latency"
	"cdnscout/internal/loader"
	"cdnscout/internal/ratelimit"
	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
	"cdnscout/internal/shared/settings"
	"cdnscout/internal/speed"
	"cdnscout/internal/sweep"
)

// Options collects every CLI-tunable parameter the two pipelines need.
type Options struct {
	// Input selection (Input Loader, §5.2).
	InputFile string
	SubURL    string
	Template  string

	// Full-measurement pipeline.
	Mode          string // quick, normal, thorough
	Rounds        []settings.RoundSpec
	Workers       int
	SpeedWorkers  int
	Timeout       time.Duration
	SpeedTimeout  time.Duration
	SkipDownload  bool
	Top           int
	OutputDir     string
	OutputConfigs string

	// Rate-Limit Accountant budget; non-positive values fall back to
	// the Cloudflare-scale default of 550 requests per 600 seconds.
	RateCapacity int
	RateWindow   time.Duration

	// Clean-IP sweep pipeline.
	FindClean bool
	CleanMode sweep.Mode
	Subnets   string
}

// Result is what a run reports back to the CLI for exit-code and
// summary-line decisions.
type Result struct {
	Ranked         []*speed.Candidate
	CleanEndpoints []model.Endpoint
	MalformedCount int
	SkippedCount   int
}

// Run executes the pipeline opts selects. Clean-IP mode short-circuits
// straight to the Sweep Engine and export; the default mode runs the
// full loader -> group -> latency -> speed -> export chain.
func Run(ctx context.Context, opts Options, stamp string) (*Result, error) {
	l := logger.WithComponent("orchestrator").With().Str("run_id", uuid.New().String()).Logger()

	if opts.FindClean {
		return runCleanSweep(ctx, opts, stamp, l)
	}
	return runMeasurement(ctx, opts, stamp, l)
}

func runCleanSweep(ctx context.Context, opts Options, stamp string, l zerolog.Logger) (*Result, error) {
	l.Info().Str("mode", string(opts.CleanMode)).Msg("starting clean-ip sweep")

	sweepOpts := sweep.Options{
		Mode:    opts.CleanMode,
		Workers: opts.Workers,
		Timeout: opts.Timeout,
		SNI:     settings.Current().SpeedHost,
	}
	if opts.Subnets != "" {
		sweepOpts.Subnets = []string{opts.Subnets}
	}

	results, err := sweep.Run(ctx, sweepOpts, os.ReadFile)
	if err != nil && len(results) == 0 {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	endpoints := sweep.CleanEndpoints(results, sweep.VerifyEnabled(opts.CleanMode))
	if writeErr := export.Write(opts.OutputDir, stamp, nil, endpoints); writeErr != nil {
		return nil, fmt.Errorf("export: %w", writeErr)
	}
	return &Result{CleanEndpoints: endpoints}, nil
}

func runMeasurement(ctx context.Context, opts Options, stamp string, l zerolog.Logger) (*Result, error) {
	res, err := loader.Load(loader.Options{
		InputFile: opts.InputFile,
		SubURL:    opts.SubURL,
		Template:  opts.Template,
	})
	if err != nil {
		return nil, fmt.Errorf("load input: %w", err)
	}

	if res.CleanOnly && len(res.Endpoints) == 0 {
		return runCleanSweep(ctx, opts, stamp, l)
	}

	var groups []*model.Group
	if len(res.Configs) > 0 {
		groups = resolveGroups(ctx, res.Configs, 3*time.Second)
	} else {
		groups = groupsFromEndpoints(res.Endpoints)
	}

	latency.RunAll(ctx, groups, latency.Options{Workers: opts.Workers, Timeout: opts.Timeout})

	var ranked []*speed.Candidate
	if !opts.SkipDownload {
		acct := ratelimit.New(opts.RateCapacity, opts.RateWindow)
		ranked = speed.Run(ctx, groups, speed.Options{
			Mode:    opts.Mode,
			Rounds:  opts.Rounds,
			Workers: opts.SpeedWorkers,
			Timeout: opts.SpeedTimeout,
		}, acct)
	} else {
		ranked = rankByLatencyOnly(groups)
	}

	if opts.Top > 0 && opts.Top < len(ranked) {
		ranked = ranked[:opts.Top]
	}

	if err := export.Write(opts.OutputDir, stamp, ranked, nil); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if opts.OutputConfigs != "" {
		if err := writeOutputConfigs(opts.OutputConfigs, ranked); err != nil {
			return nil, fmt.Errorf("write output-configs: %w", err)
		}
	}

	return &Result{
		Ranked:         ranked,
		MalformedCount: res.MalformedCount,
		SkippedCount:   res.SkippedCount,
	}, nil
}

// rankByLatencyOnly builds a speed.Candidate list straight from
// latency results when --skip-download is set: each alive group is
// its own candidate with no download sample, ordered by TLS handshake
// time ascending.
func rankByLatencyOnly(groups []*model.Group) []*speed.Candidate {
	out := make([]*speed.Candidate, 0, len(groups))
	for _, g := range groups {
		if g.Latency == nil || !g.Latency.Alive {
			continue
		}
		out = append(out, &speed.Candidate{Group: g})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Group.Latency.TLSMillis < out[j-1].Group.Latency.TLSMillis; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func writeOutputConfigs(path string, ranked []*speed.Candidate) error {
	var lines []byte
	for _, c := range ranked {
		for _, cfg := range c.Group.Configs {
			lines = append(lines, []byte(cfg.RawURI+"\n")...)
		}
	}
	return os.WriteFile(path, lines, 0644)
}
