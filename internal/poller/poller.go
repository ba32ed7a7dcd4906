// Package poller waits for submitted units by checking, at a fixed interval,
// whether each unit's output exists and what the scheduler reports about it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/logging"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/scheduler"
	"github.com/signalnine/batcheval/internal/tabular"
	"github.com/signalnine/batcheval/internal/unit"
)

// Probe is the outcome of checking one unit.
type Probe int

const (
	Pending Probe = iota
	Finished
	Failed
)

func (p Probe) String() string {
	switch p {
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Progress is a snapshot of the unit counts after one poll.
type Progress struct {
	Submitted int
	Running   int
	Done      int
	Lost      int
	Failed    int
	Elapsed   time.Duration
}

func (p Progress) String() string {
	return fmt.Sprintf("units submitted/running/done(lost)/failed: %d/%d/%d(%d)/%d",
		p.Submitted, p.Running, p.Done, p.Lost, p.Failed)
}

// Report lists the terminal units by outcome.
type Report struct {
	Finished *roaring.Bitmap
	Failed   *roaring.Bitmap
	Lost     *roaring.Bitmap
	TimedOut *roaring.Bitmap
	// Reasons explains each failed or timed-out unit.
	Reasons map[int]string
}

func newReport() *Report {
	return &Report{
		Finished: roaring.New(),
		Failed:   roaring.New(),
		Lost:     roaring.New(),
		TimedOut: roaring.New(),
		Reasons:  map[int]string{},
	}
}

func (r *Report) fail(id int, reason string) {
	r.Failed.Add(uint32(id))
	r.Reasons[id] = reason
}

// Poller waits for units to reach a terminal state.
type Poller struct {
	Backend  scheduler.Backend
	Interval time.Duration
	// Deadline bounds the whole wait; zero waits forever.
	Deadline time.Duration
	// LostThreshold is the number of lost units tolerated; negative disables the check.
	LostThreshold int
	// ValidateOutput requires the output table to have the unit's row count and
	// OutputDim columns before the unit counts as finished.
	ValidateOutput bool
	OutputDim      int
	Logger         *slog.Logger
	OnProgress     func(Progress)
}

func (p *Poller) logger() *slog.Logger { return logging.OrDiscard(p.Logger) }

// Wait polls until every unit is terminal. Units are updated in place and
// their meta.json rewritten on every transition. On timeout the outstanding
// units become TIMED_OUT and a *evalerr.TimeoutError is returned; their
// scheduler jobs keep running. More lost units than LostThreshold stops the
// wait with a *evalerr.LostUnitsError.
func (p *Poller) Wait(ctx context.Context, units []*unit.Unit) (*Report, error) {
	logger := p.logger()
	start := time.Now()
	var deadline time.Time
	if p.Deadline > 0 {
		deadline = start.Add(p.Deadline)
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	report, outstanding, byID := p.classify(ctx, units)

	for {
		if err := p.poll(ctx, byID, outstanding, report); err != nil {
			return report, err
		}
		progress := p.progress(byID, report, time.Since(start))
		logger.Info("polling", "submitted", progress.Submitted, "running", progress.Running,
			"done", progress.Done, "lost", progress.Lost, "failed", progress.Failed)
		if p.OnProgress != nil {
			p.OnProgress(progress)
		}

		if p.LostThreshold >= 0 && int(report.Lost.GetCardinality()) > p.LostThreshold {
			return report, &evalerr.LostUnitsError{Threshold: p.LostThreshold, Lost: toInts(report.Lost)}
		}
		if outstanding.IsEmpty() {
			return report, nil
		}

		wait := interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				ids := toInts(outstanding)
				for _, id := range ids {
					report.TimedOut.Add(uint32(id))
					report.Reasons[id] = fmt.Sprintf("not finished within %s", p.Deadline)
					p.transition(ctx, byID[id], result.StateTimedOut, report.Reasons[id])
				}
				logger.Warn("deadline elapsed; scheduler jobs left running", "outstanding", len(ids))
				return report, &evalerr.TimeoutError{Deadline: p.Deadline, Outstanding: ids}
			}
			wait = min(wait, remaining)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return report, ctx.Err()
		case <-timer.C:
		}
	}
}

// Once polls the units a single time and records any transitions, without
// waiting, timing out, or enforcing LostThreshold.
func (p *Poller) Once(ctx context.Context, units []*unit.Unit) (*Report, Progress, error) {
	start := time.Now()
	report, outstanding, byID := p.classify(ctx, units)
	if err := p.poll(ctx, byID, outstanding, report); err != nil {
		return report, Progress{}, err
	}
	return report, p.progress(byID, report, time.Since(start)), nil
}

// classify sorts units into finished, failed, and outstanding before the
// first poll. Units that were never submitted fail here.
func (p *Poller) classify(ctx context.Context, units []*unit.Unit) (*Report, *roaring.Bitmap, map[int]*unit.Unit) {
	report := newReport()
	outstanding := roaring.New()
	byID := make(map[int]*unit.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
		switch {
		case u.State == result.StateFinished:
			report.Finished.Add(uint32(u.ID))
		case u.State == result.StateFailed && u.Handle != nil:
			reason := "failed in an earlier poll"
			if m, err := unit.ReadMeta(u.Dir); err == nil && m.Reason != "" {
				reason = m.Reason
			}
			report.fail(u.ID, reason)
		case u.Handle == nil:
			reason := "not submitted"
			if u.SubmitErr != nil {
				reason = "not submitted: " + u.SubmitErr.Error()
			} else if m, err := unit.ReadMeta(u.Dir); err == nil && m.Reason != "" {
				reason = m.Reason
			}
			p.transition(ctx, u, result.StateFailed, reason)
			report.fail(u.ID, reason)
		default:
			outstanding.Add(uint32(u.ID))
		}
	}
	return report, outstanding, byID
}

// poll checks every outstanding unit once. The scheduler is asked before the
// output is checked, so a job it reports as completed has already written
// whatever output it was going to write.
func (p *Poller) poll(ctx context.Context, byID map[int]*unit.Unit, outstanding *roaring.Bitmap, report *Report) error {
	ids := toInts(outstanding)
	if len(ids) == 0 {
		return nil
	}
	handles := make([]scheduler.Handle, len(ids))
	for i, id := range ids {
		handles[i] = *byID[id].Handle
	}
	states, err := p.Backend.Status(ctx, handles)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The output check still runs; a scheduler hiccup only delays failures.
		p.logger().Warn("scheduler status unavailable", "err", err)
		states = nil
	}

	for i, id := range ids {
		u := byID[id]
		st := scheduler.State("")
		if states != nil {
			st = states[i]
		}
		probe, reason := p.Probe(u, st)
		switch probe {
		case Finished:
			outstanding.Remove(uint32(id))
			report.Finished.Add(uint32(id))
			p.transition(ctx, u, result.StateFinished, "")
		case Failed:
			outstanding.Remove(uint32(id))
			report.fail(id, reason)
			if st == scheduler.StateLost {
				report.Lost.Add(uint32(id))
			}
			p.transition(ctx, u, result.StateFailed, reason)
		default:
			if st == scheduler.StateRunning && u.State != result.StateRunning {
				p.transition(ctx, u, result.StateRunning, "")
			}
		}
	}
	return nil
}

// Probe decides whether u is finished, failed, or still pending given the
// scheduler state st, which is empty when the scheduler could not be asked.
// It never treats an error as "not ready".
func (p *Poller) Probe(u *unit.Unit, st scheduler.State) (Probe, string) {
	path := result.OutputPath(u.Dir)
	_, err := os.Stat(path)
	switch {
	case err == nil:
		if !p.ValidateOutput {
			return Finished, ""
		}
		if err := p.checkShape(u, path); err != nil {
			return Failed, err.Error()
		}
		return Finished, ""
	case !errors.Is(err, os.ErrNotExist):
		return Failed, fmt.Sprintf("checking output: %v", err)
	case st == scheduler.StateLost:
		return Failed, "lost by the scheduler"
	case st.Terminal():
		return Failed, fmt.Sprintf("scheduler reported %s without output", st)
	default:
		return Pending, ""
	}
}

func (p *Poller) checkShape(u *unit.Unit, path string) error {
	header, rows, err := tabular.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unreadable output: %w", err)
	}
	if p.OutputDim > 0 && len(header) != p.OutputDim {
		return fmt.Errorf("output has %d columns, want %d", len(header), p.OutputDim)
	}
	if len(rows) != u.Partition.Len() {
		return fmt.Errorf("output has %d rows, want %d", len(rows), u.Partition.Len())
	}
	return nil
}

func (p *Poller) transition(ctx context.Context, u *unit.Unit, st result.UnitState, reason string) {
	u.State = st
	if err := unit.Record(u, reason); err != nil {
		p.logger().Warn("recording unit state", "unit", u.ID, "err", err)
	}
	if !st.Terminal() || u.Handle == nil {
		return
	}
	if lc, ok := p.Backend.(scheduler.LogCollector); ok && st != result.StateTimedOut {
		if err := lc.CollectLogs(ctx, *u.Handle, u.Dir); err != nil {
			p.logger().Warn("collecting unit logs", "unit", u.ID, "err", err)
		}
	}
}

func (p *Poller) progress(byID map[int]*unit.Unit, report *Report, elapsed time.Duration) Progress {
	var pr Progress
	for _, u := range byID {
		switch u.State {
		case result.StateSubmitted:
			pr.Submitted++
		case result.StateRunning:
			pr.Running++
		}
	}
	pr.Done = int(report.Finished.GetCardinality())
	pr.Lost = int(report.Lost.GetCardinality())
	pr.Failed = int(report.Failed.GetCardinality())
	pr.Elapsed = elapsed
	return pr
}

func toInts(b *roaring.Bitmap) []int {
	out := make([]int, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}
