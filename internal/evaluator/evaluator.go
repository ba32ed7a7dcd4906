// Package evaluator runs a sample through the whole pipeline: cache lookup,
// partitioning, unit materialization, submission, polling, and reassembly.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/signalnine/batcheval/internal/archive"
	"github.com/signalnine/batcheval/internal/cache"
	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/gather"
	"github.com/signalnine/batcheval/internal/logging"
	"github.com/signalnine/batcheval/internal/model"
	"github.com/signalnine/batcheval/internal/poller"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/sample"
	"github.com/signalnine/batcheval/internal/scheduler"
	"github.com/signalnine/batcheval/internal/tabular"
	"github.com/signalnine/batcheval/internal/unit"
)

// Cleanup is what happens to finished unit directories after a gather.
type Cleanup string

const (
	CleanupKeep    Cleanup = "keep"
	CleanupRemove  Cleanup = "remove"
	CleanupArchive Cleanup = "archive"
)

// Config describes the model and the layout of every run.
type Config struct {
	Inputs       []string
	Outputs      []string
	Capacity     int
	Model        model.Spec
	Resources    []string
	RunnerBinary string
	EnvFile      string
	ResultsDir   string
	Cleanup      Cleanup
}

// Evaluator evaluates samples on a batch scheduler.
type Evaluator struct {
	Config
	Submitter *scheduler.Submitter
	// Poll holds the polling settings; its Backend is taken from Submitter.
	Poll poller.Poller
	// Cache may be nil.
	Cache *cache.Cache
	// Archiver is required by CleanupArchive.
	Archiver *archive.Archiver
	Logger   *slog.Logger
}

// Outcome is the result of one evaluation, in the caller's row order.
type Outcome struct {
	// Points are the inputs Rows correspond to.
	Points [][]float64
	Rows   [][]float64
	// RunDir is empty when every point came from the cache.
	RunDir string
	Hits   int
	// Misses counts the distinct points dispatched.
	Misses  int
	Units   []gather.UnitResult
	rowUnit []int
}

// RowUnit returns the unit that computed row i, or -1 for a cache hit.
func (o *Outcome) RowUnit(i int) int {
	if i < 0 || i >= len(o.rowUnit) {
		return -1
	}
	return o.rowUnit[i]
}

// Failed returns the units that produced no usable output.
func (o *Outcome) Failed() []gather.UnitResult {
	var out []gather.UnitResult
	for _, u := range o.Units {
		if !u.OK {
			out = append(out, u)
		}
	}
	return out
}

func (e *Evaluator) logger() *slog.Logger { return logging.OrDiscard(e.Logger) }

func (e *Evaluator) builderConfig(runDir string) unit.BuilderConfig {
	return unit.BuilderConfig{
		RunDir:       runDir,
		Inputs:       e.Inputs,
		Outputs:      e.Outputs,
		Model:        e.Model,
		Resources:    e.Resources,
		RunnerBinary: e.RunnerBinary,
		EnvFile:      e.EnvFile,
	}
}

// Validate checks everything that can be checked before a run is created.
func (e *Evaluator) Validate() error {
	if e.Capacity < 1 {
		return &evalerr.FieldError{Field: "unit_capacity", Value: fmt.Sprint(e.Capacity), Reason: "must be at least 1"}
	}
	if e.Submitter == nil {
		return evalerr.Configf("no scheduler configured")
	}
	if _, err := unit.NewBuilder(e.builderConfig("")); err != nil {
		return err
	}
	if err := e.Submitter.Resources.Validate(e.Submitter.Checker); err != nil {
		return err
	}
	switch e.Cleanup {
	case "", CleanupKeep, CleanupRemove:
	case CleanupArchive:
		if e.Archiver == nil {
			return &evalerr.FieldError{Field: "results.cleanup", Value: string(e.Cleanup), Reason: "no archive sink configured"}
		}
	default:
		return &evalerr.FieldError{Field: "results.cleanup", Value: string(e.Cleanup), Reason: "must be keep, remove, or archive"}
	}
	return nil
}

// Evaluate returns the model output for every row of points. Rows already in
// the cache are not dispatched; identical rows are dispatched once. Rows of
// failed units are NaN. When the error is a timeout, the returned Outcome
// carries the RunDir to pass to Resume.
func (e *Evaluator) Evaluate(ctx context.Context, points [][]float64) (*Outcome, error) {
	if err := sample.CheckDim(points, len(e.Inputs)); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	split := cache.SplitSample(e.Cache, points)
	out := &Outcome{Points: points, Hits: split.HitCount(), Misses: len(split.Misses)}
	if len(split.Misses) == 0 {
		rows, err := cache.Assemble(split, nil)
		if err != nil {
			return nil, err
		}
		out.Rows = rows
		out.rowUnit = slices.Repeat([]int{-1}, len(points))
		e.logger().Info("all points cached", "points", len(points))
		return out, nil
	}

	parts, err := sample.Split(len(split.Misses), e.Capacity)
	if err != nil {
		return nil, err
	}
	runDir, runID, err := result.CreateRunDir(e.ResultsDir)
	if err != nil {
		return nil, err
	}
	out.RunDir = runDir
	logger := e.logger().With("run", runID)
	logger.Info("run created", "points", len(points), "hits", out.Hits, "misses", out.Misses, "units", len(parts))

	b, err := unit.NewBuilder(e.builderConfig(runDir))
	if err != nil {
		return out, err
	}
	units := make([]*unit.Unit, len(parts))
	ids := make([]int, len(parts))
	for i, p := range parts {
		u, err := b.Build(p, sample.Rows(split.Misses, p), unit.BuildOptions{})
		if err != nil {
			return out, fmt.Errorf("building unit for %v: %w", p, err)
		}
		units[i], ids[i] = u, u.ID
	}
	m := &result.Manifest{
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		Inputs:    e.Inputs,
		Outputs:   e.Outputs,
		Capacity:  e.Capacity,
		Backend:   e.Submitter.Backend.Name(),
		Points:    len(split.Misses),
		Units:     ids,
	}
	if err := result.WriteManifest(runDir, m); err != nil {
		return out, err
	}

	if err := e.submit(ctx, runDir, units); err != nil {
		return out, err
	}
	g, err := e.collect(ctx, runDir, units, split.Misses)
	if err != nil {
		return out, err
	}
	out.Rows, err = cache.Assemble(split, g.Rows)
	if err != nil {
		return out, err
	}
	out.Units = g.Units
	out.rowUnit = make([]int, len(points))
	for i, mi := range split.MissIndex {
		out.rowUnit[i] = -1
		if mi >= 0 {
			out.rowUnit[i] = g.RowUnit(mi)
		}
	}
	return out, nil
}

// Resume polls and gathers a run created by an earlier Evaluate, typically
// after a timeout or a restart of the calling process. Units that were never
// submitted are submitted now. Rows are in the run's point order.
func (e *Evaluator) Resume(ctx context.Context, runDir string) (*Outcome, error) {
	m, units, inputs, err := e.loadRun(runDir)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		if u.State == result.StateTimedOut || u.State == result.StateRunning {
			u.State = result.StateSubmitted
		}
	}
	if err := e.submit(ctx, runDir, units); err != nil {
		return nil, err
	}
	return e.finish(ctx, runDir, m, units, inputs)
}

// Retry rebuilds the failed and timed-out units of a run as new units,
// each restarting from its predecessor's directory, submits them, and
// gathers the whole run. Retries only happen when a caller asks.
func (e *Evaluator) Retry(ctx context.Context, runDir string) (*Outcome, error) {
	m, units, inputs, err := e.loadRun(runDir)
	if err != nil {
		return nil, err
	}
	b, err := unit.NewBuilder(e.builderConfig(runDir))
	if err != nil {
		return nil, err
	}
	attempt := m.Attempt + 1
	retried := 0
	for i, u := range units {
		if u.State != result.StateFailed && u.State != result.StateTimedOut {
			continue
		}
		p := u.Partition
		nu, err := b.Build(p, sample.Rows(inputs, p), unit.BuildOptions{RestartFrom: u.Dir, Attempt: attempt})
		if err != nil {
			return nil, fmt.Errorf("rebuilding unit %d: %w", u.ID, err)
		}
		e.logger().Info("retrying unit", "unit", u.ID, "as", nu.ID, "attempt", attempt)
		units[i] = nu
		m.Units[i] = nu.ID
		retried++
	}
	if retried > 0 {
		m.Attempt = attempt
		if err := result.WriteManifest(runDir, m); err != nil {
			return nil, err
		}
		if err := e.submit(ctx, runDir, units); err != nil {
			return nil, err
		}
	}
	return e.finish(ctx, runDir, m, units, inputs)
}

func (e *Evaluator) finish(ctx context.Context, runDir string, m *result.Manifest, units []*unit.Unit, inputs [][]float64) (*Outcome, error) {
	out := &Outcome{Points: inputs, RunDir: runDir, Misses: m.Points}
	g, err := e.collect(ctx, runDir, units, inputs)
	if err != nil {
		return out, err
	}
	out.Rows = g.Rows
	out.Units = g.Units
	out.rowUnit = make([]int, len(g.Rows))
	for i := range out.rowUnit {
		out.rowUnit[i] = g.RowUnit(i)
	}
	return out, nil
}

// loadRun reads the manifest, the current unit of every partition, and the
// run's points.
func (e *Evaluator) loadRun(runDir string) (*result.Manifest, []*unit.Unit, [][]float64, error) {
	m, err := result.ReadManifest(runDir)
	if err != nil {
		return nil, nil, nil, err
	}
	if !slices.Equal(m.Inputs, e.Inputs) || !slices.Equal(m.Outputs, e.Outputs) {
		return nil, nil, nil, evalerr.Configf("run %s has inputs %v and outputs %v, configuration has %v and %v",
			m.RunID, m.Inputs, m.Outputs, e.Inputs, e.Outputs)
	}
	units := make([]*unit.Unit, len(m.Units))
	inputs := make([][]float64, m.Points)
	for i, id := range m.Units {
		u, err := unit.Load(result.UnitDir(runDir, id))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading unit %d: %w", id, err)
		}
		_, rows, err := tabular.ReadFile(result.InputPath(u.Dir))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading unit %d input: %w", id, err)
		}
		p := u.Partition
		if len(rows) != p.Len() || p.End > m.Points {
			return nil, nil, nil, fmt.Errorf("unit %d input does not match partition %v", id, p)
		}
		copy(inputs[p.Start:p.End], rows)
		units[i] = u
	}
	return m, units, inputs, nil
}

// submit sends the units still in CREATED and records the handles. It fails
// only when nothing could be submitted.
func (e *Evaluator) submit(ctx context.Context, runDir string, units []*unit.Unit) error {
	var targets []scheduler.Target
	byID := map[int]*unit.Unit{}
	for _, u := range units {
		if u.State == result.StateCreated {
			targets = append(targets, u.Target())
			byID[u.ID] = u
		}
	}
	if len(targets) == 0 {
		return nil
	}
	subs, err := e.Submitter.Submit(ctx, runDir, targets)
	if err != nil {
		return err
	}
	var firstErr error
	failed := 0
	for _, s := range subs {
		u := byID[s.Unit]
		u.Handle, u.SubmitErr = s.Handle, s.Err
		u.State = result.StateSubmitted
		if s.Err != nil {
			u.State = result.StateFailed
			failed++
			if firstErr == nil {
				firstErr = s.Err
			}
		}
		if err := unit.Record(u, ""); err != nil {
			e.logger().Warn("recording unit state", "unit", u.ID, "err", err)
		}
	}
	if failed == len(subs) {
		return fmt.Errorf("no unit could be submitted: %w", firstErr)
	}
	return nil
}

// collect waits for units and gathers their rows, merging every successful
// unit into the cache as soon as it is read.
func (e *Evaluator) collect(ctx context.Context, runDir string, units []*unit.Unit, inputs [][]float64) (*gather.Outcome, error) {
	p := e.Poll
	p.Backend = e.Submitter.Backend
	p.OutputDim = len(e.Outputs)
	if p.Logger == nil {
		p.Logger = e.Logger
	}
	report, err := p.Wait(ctx, units)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", filepath.Base(runDir), err)
	}

	g := &gather.Gatherer{Outputs: e.Outputs, Logger: e.Logger}
	if e.Cache != nil {
		g.OnUnit = func(r gather.UnitResult) error {
			if !r.OK {
				return nil
			}
			entries := make([]cache.Entry, len(r.Rows))
			for i, row := range r.Rows {
				entries[i] = cache.Entry{Input: inputs[r.Partition.Start+i], Output: row}
			}
			_, err := e.Cache.Merge(entries)
			return err
		}
	}
	out, err := g.Gather(ctx, len(inputs), units, report.Reasons)
	if err != nil {
		return nil, err
	}
	e.cleanup(ctx, filepath.Base(runDir), units, out)
	return out, nil
}

// cleanup applies the cleanup policy to the units that produced output.
// Failed units are always kept for diagnosis.
func (e *Evaluator) cleanup(ctx context.Context, runID string, units []*unit.Unit, out *gather.Outcome) {
	if e.Cleanup == "" || e.Cleanup == CleanupKeep {
		return
	}
	ok := map[int]bool{}
	for _, r := range out.Units {
		ok[r.Unit] = r.OK
	}
	for _, u := range units {
		if !ok[u.ID] {
			continue
		}
		if e.Cleanup == CleanupArchive {
			if _, err := e.Archiver.ArchiveDir(ctx, runID, u.Dir); err != nil {
				e.logger().Warn("archiving unit; keeping its directory", "unit", u.ID, "err", err)
				continue
			}
		}
		if err := os.RemoveAll(u.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger().Warn("removing unit", "unit", u.ID, "err", err)
		}
	}
}
