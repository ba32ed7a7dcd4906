// Package gather reads unit outputs back into one table in the caller's row
// order, substituting NaN rows and writing a diagnostic for every unit that
// produced no usable output.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/logging"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/sample"
	"github.com/signalnine/batcheval/internal/tabular"
	"github.com/signalnine/batcheval/internal/unit"
)

const stderrTail = 2048

// UnitResult is the gathered output of one unit.
type UnitResult struct {
	Unit      int
	Partition sample.Partition
	OK        bool
	// Err is a *evalerr.UnitError when OK is false.
	Err  error
	Rows [][]float64
	// PointErrors counts rows the runner could not evaluate; they are NaN.
	PointErrors int
}

// Outcome is the reassembled result of a set of units.
type Outcome struct {
	Rows    [][]float64
	Units   []UnitResult
	rowUnit []int
}

// RowUnit returns the unit that produced row i, or -1 when no unit did.
func (o *Outcome) RowUnit(i int) int {
	if i < 0 || i >= len(o.rowUnit) {
		return -1
	}
	return o.rowUnit[i]
}

// Failed returns the units that produced no usable output.
func (o *Outcome) Failed() []UnitResult {
	var out []UnitResult
	for _, r := range o.Units {
		if !r.OK {
			out = append(out, r)
		}
	}
	return out
}

// Gatherer reassembles unit outputs.
type Gatherer struct {
	Outputs []string
	// OnUnit is called once per unit, in partition order, before Gather
	// returns. An error stops the gather.
	OnUnit func(UnitResult) error
	Logger *slog.Logger
}

func (g *Gatherer) logger() *slog.Logger { return logging.OrDiscard(g.Logger) }

// Gather reads the outputs of units covering rows [0, n). Reasons carries
// the poller's explanation for units that did not finish. The result always
// has exactly n rows.
func (g *Gatherer) Gather(ctx context.Context, n int, units []*unit.Unit, reasons map[int]string) (*Outcome, error) {
	dim := len(g.Outputs)
	if dim == 0 {
		return nil, evalerr.Configf("no output columns")
	}
	ordered := append([]*unit.Unit(nil), units...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Partition.Start < ordered[j].Partition.Start })

	out := &Outcome{Rows: make([][]float64, n), rowUnit: make([]int, n)}
	for i := range out.rowUnit {
		out.rowUnit[i] = -1
	}
	for _, u := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := u.Partition
		if p.Start < 0 || p.End > n || p.Start > p.End {
			return nil, fmt.Errorf("unit %d partition %v outside [0, %d)", u.ID, p, n)
		}
		ur := g.gatherUnit(u, reasons[u.ID])
		for i, row := range ur.Rows {
			out.Rows[p.Start+i] = row
			out.rowUnit[p.Start+i] = u.ID
		}
		out.Units = append(out.Units, ur)
		if g.OnUnit != nil {
			if err := g.OnUnit(ur); err != nil {
				return nil, fmt.Errorf("unit %d: %w", u.ID, err)
			}
		}
	}
	for i, row := range out.Rows {
		if row == nil {
			out.Rows[i] = tabular.NaNRow(dim)
		}
	}
	return out, nil
}

func (g *Gatherer) gatherUnit(u *unit.Unit, reason string) UnitResult {
	ur := UnitResult{Unit: u.ID, Partition: u.Partition}
	var detail error
	switch u.State {
	case result.StateFailed, result.StateTimedOut:
		if reason == "" {
			reason = "unit " + string(u.State)
		}
	default:
		rows, err := g.readOutput(u)
		if err == nil {
			ur.OK = true
			ur.Rows = rows
			var rep result.RunnerReport
			if result.ReadJSON(result.RunnerReportPath(u.Dir), &rep) == nil {
				ur.PointErrors = rep.PointErrors
			}
			return ur
		}
		detail = err
		if errors.Is(err, os.ErrNotExist) {
			reason = "no output"
		} else {
			reason = "invalid output"
		}
		u.State = result.StateFailed
		if err := unit.Record(u, reason); err != nil {
			g.logger().Warn("recording unit state", "unit", u.ID, "err", err)
		}
	}

	ur.Err = &evalerr.UnitError{Unit: u.ID, Reason: reason, Err: detail}
	ur.Rows = make([][]float64, u.Partition.Len())
	for i := range ur.Rows {
		ur.Rows[i] = tabular.NaNRow(len(g.Outputs))
	}
	diag := &result.Diagnostic{
		Unit:       u.ID,
		State:      u.State,
		Reason:     reason,
		StderrTail: result.Tail(result.StderrPath(u.Dir), stderrTail),
		Time:       time.Now().UTC(),
	}
	if detail != nil {
		diag.Detail = detail.Error()
	}
	if err := result.WriteDiagnostic(u.Dir, diag); err != nil {
		g.logger().Warn("writing diagnostic", "unit", u.ID, "err", err)
	}
	g.logger().Warn("unit failed", "unit", u.ID, "state", u.State, "reason", reason)
	return ur
}

func (g *Gatherer) readOutput(u *unit.Unit) ([][]float64, error) {
	header, rows, err := tabular.ReadFile(result.OutputPath(u.Dir))
	if err != nil {
		return nil, err
	}
	if len(header) != len(g.Outputs) {
		return nil, fmt.Errorf("output has %d columns, want %d", len(header), len(g.Outputs))
	}
	if len(rows) != u.Partition.Len() {
		return nil, fmt.Errorf("output has %d rows, want %d", len(rows), u.Partition.Len())
	}
	return rows, nil
}
