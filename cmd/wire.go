package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/batcheval/internal/archive"
	"github.com/signalnine/batcheval/internal/cache"
	"github.com/signalnine/batcheval/internal/config"
	"github.com/signalnine/batcheval/internal/docker"
	"github.com/signalnine/batcheval/internal/evaluator"
	"github.com/signalnine/batcheval/internal/poller"
	"github.com/signalnine/batcheval/internal/scheduler"
)

// runnerBinary is the executable run.sh invokes on compute nodes.
func runnerBinary(cfg *config.Config) (string, error) {
	if cfg.Runner.Binary != "" {
		return filepath.Abs(cfg.Runner.Binary)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating batcheval executable: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// newBackend returns the configured scheduler backend and a func releasing it.
func newBackend(cfg *config.Config, binary string, logger *slog.Logger) (scheduler.Backend, func() error, error) {
	s := cfg.Scheduler
	switch s.Backend {
	case "slurm":
		return scheduler.NewSlurm(s.Slurm.Sbatch, s.Slurm.Squeue, s.Slurm.Sacct, logger), func() error { return nil }, nil
	case "docker":
		eng, err := docker.NewEngine()
		if err != nil {
			return nil, nil, err
		}
		d := &scheduler.Docker{Engine: eng, Image: s.Docker.Image, RunnerBinary: binary, RunnerMount: s.Docker.RunnerMount}
		return d, eng.Close, nil
	default:
		l := scheduler.NewLocal(s.Local.Workers, nil)
		return l, l.Close, nil
	}
}

// newEvaluator wires every component described by cfg. The returned func
// releases the backend.
func newEvaluator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*evaluator.Evaluator, func(), error) {
	binary, err := runnerBinary(cfg)
	if err != nil {
		return nil, nil, err
	}
	checker, err := cfg.Accounting.Checker(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading accounting vocabulary: %w", err)
	}
	var c *cache.Cache
	if cfg.Cache.Path != "" {
		if c, err = cache.Open(cfg.Cache.Path, cfg.Inputs, cfg.Outputs); err != nil {
			return nil, nil, err
		}
	}
	var archiver *archive.Archiver
	if cfg.Archive != nil {
		sink, err := archive.NewSink(ctx, *cfg.Archive)
		if err != nil {
			return nil, nil, err
		}
		archiver = &archive.Archiver{Sink: sink, Codec: cfg.Archive.Codec, Logger: logger}
	}
	backend, release, err := newBackend(cfg, binary, logger)
	if err != nil {
		return nil, nil, err
	}

	ev := &evaluator.Evaluator{
		Config: evaluator.Config{
			Inputs:       cfg.Inputs,
			Outputs:      cfg.Outputs,
			Capacity:     cfg.UnitCapacity,
			Model:        cfg.Model,
			Resources:    cfg.ResourcesFiles,
			RunnerBinary: binary,
			EnvFile:      cfg.Runner.EnvFile,
			ResultsDir:   cfg.Results.Dir,
			Cleanup:      evaluator.Cleanup(cfg.Results.Cleanup),
		},
		Submitter: &scheduler.Submitter{
			Backend:          backend,
			Resources:        cfg.Resources,
			Checker:          checker,
			MaxArraySize:     cfg.Scheduler.MaxArraySize,
			ArrayParallelism: cfg.Scheduler.ArrayParallelism,
			Concurrency:      cfg.Scheduler.SubmitConcurrency,
			Limiter:          scheduler.NewLimiter(cfg.Scheduler.SubmitRate),
			Logger:           logger,
		},
		Poll: poller.Poller{
			Interval:       cfg.Polling.Interval,
			Deadline:       cfg.Polling.Deadline,
			LostThreshold:  *cfg.Polling.LostThreshold,
			ValidateOutput: *cfg.Polling.ValidateOutput,
			Logger:         logger,
			OnProgress:     progressPrinter(),
		},
		Cache:    c,
		Archiver: archiver,
		Logger:   logger,
	}
	return ev, func() {
		if err := release(); err != nil {
			logger.Warn("releasing scheduler backend", "err", err)
		}
	}, nil
}

// progressPrinter prints a progress line whenever the counts change.
func progressPrinter() func(poller.Progress) {
	var last string
	return func(p poller.Progress) {
		line := p.String()
		if line != last {
			fmt.Printf("  %s (%s)\n", line, p.Elapsed.Round(time.Second))
			last = line
		}
	}
}
