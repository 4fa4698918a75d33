package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/tracesym/internal/config"
	"github.com/VladMinzatu/tracesym/internal/exporter"
	"github.com/VladMinzatu/tracesym/internal/pprof"
	"github.com/VladMinzatu/tracesym/internal/profiler"
	"github.com/VladMinzatu/tracesym/internal/symbolizer"
)

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("Profiling failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	metrics := symbolizer.NewMetrics(reg)
	backend, err := symbolizer.SelectBackend(cfg.SymbolizerOptions(metrics))
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}
	resolver := symbolizer.NewResolver(backend, metrics)

	p, err := profiler.NewProfiler(cfg.SampleHz, cfg.Interval, profiler.NewGoroutineSource(), resolver)
	if err != nil {
		return fmt.Errorf("initialise profiler: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("start profiler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var collectedSamples []profiler.Sample
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for s := range p.Samples() {
			collectedSamples = append(collectedSamples, s...)
		}
		return nil
	})
	g.Go(func() error {
		for gctx.Err() == nil {
			hotCaller()
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return p.Stop() // closes the samples channel
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Profiling finished", "samples", len(collectedSamples), "backend", resolver.Backend(), "addresses", resolver.Len())
	return writeOutputs(cfg.Output, collectedSamples, reg)
}

func writeOutputs(out config.OutputConfig, samples []profiler.Sample, reg prometheus.Gatherer) error {
	var errs []error
	if out.Pprof != "" {
		errs = append(errs, writePprof(out.Pprof, samples))
	}
	if out.Folded != "" {
		agg := exporter.BuildFoldedStacks(samples, exporter.FunctionNames)
		if err := exporter.WriteFoldedStacksToFile(agg, out.Folded); err != nil {
			errs = append(errs, fmt.Errorf("write folded stacks: %w", err))
		}
	}
	if out.OTLP != "" {
		errs = append(errs, writeOTLP(out.OTLP, samples))
	}
	if out.Metrics != "" {
		if err := prometheus.WriteToTextfile(out.Metrics, reg); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

func writePprof(path string, samples []profiler.Sample) error {
	prof, err := pprof.BuildPprofProfile(samples, "samples", "count")
	if err != nil {
		return fmt.Errorf("build pprof profile: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.WriteProfileGzip(prof, f); err != nil {
		f.Close()
		return fmt.Errorf("write pprof profile: %w", err)
	}
	return f.Close()
}

func writeOTLP(path string, samples []profiler.Sample) error {
	data := exporter.BuildOltpProfile(samples, func() uint64 { return uint64(time.Now().UnixNano()) })
	b, err := proto.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal otlp profile: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

//go:noinline
func hotFunc() {
	for i := 0; i < 1000; i++ {
		_ = i * i
	}
}

//go:noinline
func hotCaller() {
	hotFunc()
}
