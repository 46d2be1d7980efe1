// Command cdnscout is the CLI entrypoint: it parses flags (scout.ini
// supplies defaults, flags always win), builds an orchestrator.Options,
// and runs the single-pass measurement or clean-IP sweep pipeline.
// Follows the teacher's cmd/local/main.go shape: stdlib flag package,
// ini-backed config loaded before the logger, fmt.Fprintf to stderr
// for anything that happens before logging is up.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cdnscout/internal/orchestrator"
	"cdnscout/internal/shared/config"
	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/settings"
	"cdnscout/internal/sweep"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		input         = flag.String("input", "", "text file of proxy URIs or a domain-JSON file")
		sub           = flag.String("sub", "", "subscription URL")
		template      = flag.String("template", "", "template proxy URI, combined with -input as an address list")
		mode          = flag.String("mode", "", "quick, normal, or thorough")
		rounds        = flag.String("rounds", "", `round override, "bytes:cap,bytes:cap,..."`)
		workers       = flag.Int("workers", 0, "latency/sweep worker pool size")
		speedWorkers  = flag.Int("speed-workers", 0, "speed engine worker pool size")
		timeoutSecs   = flag.Int("timeout", 0, "per-probe timeout in seconds")
		speedTimeout  = flag.Int("speed-timeout", 0, "per-download timeout in seconds")
		skipDownload  = flag.Bool("skip-download", false, "rank by latency only, skip the Speed Engine")
		top           = flag.Int("top", 0, "truncate ranked output to the top N, 0 means no truncation")
		noTUI         = flag.Bool("no-tui", false, "disable the interactive progress display")
		output        = flag.String("output", "out", "output directory for exported artifacts")
		outputConfigs = flag.String("output-configs", "", "also write ranked proxy URIs to this file")
		findClean     = flag.Bool("find-clean", false, "run the Sweep Engine only and emit clean_ips.txt")
		cleanMode     = flag.String("clean-mode", "", "quick, normal, full, or mega")
		subnets       = flag.String("subnets", "", "CIDR list or file path, clean-sweep only")
		configPath    = flag.String("config", "scout.ini", "optional ini file supplying flag defaults")
		logLevel      = flag.String("log-level", "", "trace, debug, info, warn, error")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load config file %q: %v\n", *configPath, err)
		return 2
	}

	if err := logger.Init(pick(*logLevel, cfg.Common.LogLevel, "info")); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to initialize logger: %v\n", err)
		return 2
	}

	opts, err := buildOptions(cfg, flagValues{
		input: *input, sub: *sub, template: *template,
		mode: *mode, rounds: *rounds,
		workers: *workers, speedWorkers: *speedWorkers,
		timeoutSecs: *timeoutSecs, speedTimeout: *speedTimeout,
		skipDownload: *skipDownload, top: *top,
		output: *output, outputConfigs: *outputConfigs,
		findClean: *findClean, cleanMode: *cleanMode, subnets: *subnets,
	})
	if err != nil {
		logger.Error().Err(err).Msg("invalid flag combination")
		return 2
	}
	_ = noTUI // the interactive display is a rendering concern the core does not own

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stamp := time.Now().UTC().Format("20060102T150405Z")
	result, err := orchestrator.Run(ctx, *opts, stamp)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn().Msg("interrupted")
			return 130
		}
		logger.Error().Err(err).Msg("run failed")
		return 2
	}

	if result.MalformedCount > 0 {
		logger.Warn().Int("count", result.MalformedCount).Msg("skipped malformed input lines")
	}
	if result.SkippedCount > 0 {
		logger.Warn().Int("count", result.SkippedCount).Msg("skipped configs with unsupported protocol")
	}
	logger.Info().
		Int("ranked", len(result.Ranked)).
		Int("clean", len(result.CleanEndpoints)).
		Msg("run complete")
	return 0
}

type flagValues struct {
	input, sub, template   string
	mode, rounds           string
	workers, speedWorkers  int
	timeoutSecs, speedTimeout int
	skipDownload           bool
	top                    int
	output, outputConfigs  string
	findClean              bool
	cleanMode, subnets     string
}

// buildOptions merges CLI flags over scout.ini defaults (flags always
// win when set to a non-zero value) and validates the contract
// violations spec.md calls out as fatal.
func buildOptions(cfg *config.File, f flagValues) (*orchestrator.Options, error) {
	if f.template != "" && f.input == "" {
		return nil, fmt.Errorf("--template requires -i/--input to supply the address list")
	}

	mode := pick(f.mode, "normal")
	cleanMode := sweep.Mode(pick(f.cleanMode, cfg.Sweep.Mode, string(sweep.ModeNormal)))
	subnetsSpec := pick(f.subnets, cfg.Sweep.Subnets, "")

	timeout := time.Duration(pickInt(f.timeoutSecs, cfg.Common.Timeout, 5)) * time.Second
	speedTimeout := time.Duration(pickInt(f.speedTimeout, cfg.Speed.Timeout, 15)) * time.Second
	workers := pickInt(f.workers, cfg.Common.Workers, 200)
	speedWorkers := pickInt(f.speedWorkers, cfg.Speed.SpeedWorkers, 10)

	roundSpec := f.rounds
	if roundSpec == "" {
		roundSpec = cfg.Speed.Rounds
	}
	var roundOverride []settings.RoundSpec
	if roundSpec != "" {
		parsed, err := parseRounds(roundSpec)
		if err != nil {
			return nil, fmt.Errorf("--rounds: %w", err)
		}
		roundOverride = parsed
	}

	rateWindow := time.Duration(cfg.RateLimit.WindowSecs) * time.Second

	return &orchestrator.Options{
		InputFile:     f.input,
		SubURL:        f.sub,
		Template:      f.template,
		Mode:          mode,
		Rounds:        roundOverride,
		Workers:       workers,
		SpeedWorkers:  speedWorkers,
		Timeout:       timeout,
		SpeedTimeout:  speedTimeout,
		SkipDownload:  f.skipDownload,
		Top:           f.top,
		OutputDir:     f.output,
		OutputConfigs: f.outputConfigs,
		RateCapacity:  cfg.RateLimit.Capacity,
		RateWindow:    rateWindow,
		FindClean:     f.findClean,
		CleanMode:     cleanMode,
		Subnets:       subnetsSpec,
	}, nil
}

// parseRounds parses "bytes:cap,bytes:cap,..." into RoundSpecs, e.g.
// "1048576:0,5242880:50" for a 1MiB uncapped round then a 5MiB round
// capped to the top 50 survivors.
func parseRounds(spec string) ([]settings.RoundSpec, error) {
	parts := strings.Split(spec, ",")
	out := make([]settings.RoundSpec, 0, len(parts))
	for _, p := range parts {
		fields := strings.SplitN(strings.TrimSpace(p), ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed round %q, want bytes:cap", p)
		}
		bytes, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed byte count %q: %w", fields[0], err)
		}
		capVal, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed cap %q: %w", fields[1], err)
		}
		out = append(out, settings.RoundSpec{Bytes: bytes, Cap: capVal})
	}
	return out, nil
}

func pick(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func pickInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
