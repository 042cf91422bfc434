// Command spectremerge is the thin front end over the core pipeline:
// two subcommands, merge and retest, wired with the standard flag package
// and delegating immediately to the orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/spectremesh/spectremerge/internal/config"
	"github.com/spectremesh/spectremerge/internal/logging"
	"github.com/spectremesh/spectremerge/internal/orchestrator"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitMissingInput = 2
	exitIOError      = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: spectremerge <merge|retest> [flags]")
		return exitConfigError
	}

	env := config.Load()
	log := logging.New(env.LogLevel, nil, env.MaskSensitiveData)

	opts := orchestrator.Options{
		MaxWorkers: env.MaxWorkers,
		Timeout:    env.TestTimeout,
		CacheTTL:   env.CacheTTL,
		Logger:     log,
	}

	var showMetrics bool
	switch args[0] {
	case "merge":
		fs := flag.NewFlagSet("merge", flag.ContinueOnError)
		sources := fs.String("sources", "", "path to sources.txt")
		output := fs.String("output", "output", "output directory")
		data := fs.String("data", "data", "data directory (caches, queue, mmdb)")
		workers := fs.Int("max-workers", 0, "probe worker pool size")
		timeout := fs.Int("timeout", 0, "per-probe timeout in seconds")
		maxLatency := fs.Int("max-latency", 0, "drop proxies slower than this many ms")
		country := fs.String("country", "", "restrict selection to one ISO country code")
		maxProxies := fs.Int("max-proxies", 0, "selection total target")
		lenient := fs.Bool("lenient", false, "keep security-flagged candidates, tagged")
		strict := fs.Bool("strict", false, "discard security-flagged candidates (default)")
		fs.BoolVar(&showMetrics, "show-metrics", false, "print run metrics to stderr")
		if err := fs.Parse(args[1:]); err != nil {
			return exitConfigError
		}
		if *sources == "" {
			fmt.Fprintln(os.Stderr, "merge: --sources is required")
			return exitConfigError
		}
		if _, err := os.Stat(*sources); err != nil {
			fmt.Fprintf(os.Stderr, "merge: sources file %s: %v\n", *sources, err)
			return exitMissingInput
		}
		if *lenient && *strict {
			fmt.Fprintln(os.Stderr, "merge: --lenient and --strict are mutually exclusive")
			return exitConfigError
		}
		opts.Mode = orchestrator.ModeMerge
		opts.SourcesPath = *sources
		opts.OutputDir = *output
		opts.DataDir = *data
		opts.Lenient = *lenient
		if *workers > 0 {
			opts.MaxWorkers = *workers
		}
		if *timeout > 0 {
			opts.Timeout = time.Duration(*timeout) * time.Second
		}
		opts.MaxLatencyMS = float64(*maxLatency)
		opts.Country = *country
		opts.MaxProxies = *maxProxies

	case "retest":
		fs := flag.NewFlagSet("retest", flag.ContinueOnError)
		input := fs.String("input", "", "path to a prior proxies.json")
		output := fs.String("output", "output", "output directory")
		data := fs.String("data", "data", "data directory (caches, queue, mmdb)")
		timeout := fs.Int("timeout", 0, "per-probe timeout in seconds")
		lenient := fs.Bool("lenient", true, "keep security-flagged candidates, tagged")
		fs.BoolVar(&showMetrics, "show-metrics", false, "print run metrics to stderr")
		if err := fs.Parse(args[1:]); err != nil {
			return exitConfigError
		}
		if *input == "" {
			fmt.Fprintln(os.Stderr, "retest: --input is required")
			return exitConfigError
		}
		if _, err := os.Stat(*input); err != nil {
			fmt.Fprintf(os.Stderr, "retest: input file %s: %v\n", *input, err)
			return exitMissingInput
		}
		opts.Mode = orchestrator.ModeRetest
		opts.InputPath = *input
		opts.OutputDir = *output
		opts.DataDir = *data
		opts.Lenient = *lenient
		if *timeout > 0 {
			opts.Timeout = time.Duration(*timeout) * time.Second
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := orchestrator.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	defer o.Close()

	report, err := o.Run(ctx)
	if err != nil {
		log.Error("run failed", "error", err)
		return exitIOError
	}

	for _, w := range report.Warnings {
		log.Warn(w)
	}
	log.Info("run complete",
		"fetched", report.Fetched, "parsed", report.Parsed, "unique", report.Unique,
		"tested", report.Tested, "working", report.Working, "selected", report.Selected)

	if showMetrics {
		dumpMetrics(o.Metrics().Registry())
	}
	return exitOK
}

// dumpMetrics writes the run's prometheus collectors to stderr in text
// exposition format.
func dumpMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		return
	}
	enc := expfmt.NewEncoder(os.Stderr, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range families {
		enc.Encode(f)
	}
}
