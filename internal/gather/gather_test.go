package gather_test

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/gather"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/sample"
	"github.com/signalnine/batcheval/internal/tabular"
	"github.com/signalnine/batcheval/internal/unit"
)

// setup builds finished units for N=10, B=3 whose output row i is [2i].
func setup(t *testing.T) []*unit.Unit {
	t.Helper()
	runDir := t.TempDir()
	parts, err := sample.Split(10, 3)
	if err != nil {
		t.Fatal(err)
	}
	units := make([]*unit.Unit, len(parts))
	for i, p := range parts {
		dir := result.UnitDir(runDir, i)
		os.MkdirAll(result.LogsDir(dir), 0o755)
		var rows [][]float64
		for r := p.Start; r < p.End; r++ {
			rows = append(rows, []float64{float64(2 * r)})
		}
		if err := tabular.WriteFile(result.OutputPath(dir), []string{"y"}, rows); err != nil {
			t.Fatal(err)
		}
		units[i] = &unit.Unit{ID: i, Partition: p, Dir: dir, State: result.StateFinished}
	}
	return units
}

func TestGatherOrder(t *testing.T) {
	units := setup(t)
	// Completion order must not matter; hand the units over shuffled.
	shuffled := []*unit.Unit{units[3], units[1], units[0], units[2]}
	var seen []int
	g := &gather.Gatherer{Outputs: []string{"y"}, OnUnit: func(r gather.UnitResult) error {
		seen = append(seen, r.Unit)
		return nil
	}}
	out, err := g.Gather(context.Background(), 10, shuffled, nil)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for i, row := range out.Rows {
		if len(row) != 1 || row[0] != float64(2*i) {
			t.Errorf("row %d = %v", i, row)
		}
	}
	if len(seen) != 4 || seen[0] != 0 || seen[3] != 3 {
		t.Errorf("callbacks in order %v", seen)
	}
	if out.RowUnit(9) != 3 || out.RowUnit(0) != 0 || out.RowUnit(10) != -1 {
		t.Errorf("RowUnit mapping wrong")
	}
	if len(out.Failed()) != 0 {
		t.Errorf("failed = %v", out.Failed())
	}
}

func TestGatherFailureInjection(t *testing.T) {
	tests := []struct {
		name       string
		breakUnit  func(u *unit.Unit)
		wantReason string
	}{
		{"missing output", func(u *unit.Unit) { os.Remove(result.OutputPath(u.Dir)) }, "no output"},
		{"short output", func(u *unit.Unit) {
			tabular.WriteFile(result.OutputPath(u.Dir), []string{"y"}, [][]float64{{1}})
		}, "invalid output"},
		{"wrong columns", func(u *unit.Unit) {
			tabular.WriteFile(result.OutputPath(u.Dir), []string{"y", "z"}, [][]float64{{1, 1}, {1, 1}, {1, 1}})
		}, "invalid output"},
		{"failed by poller", func(u *unit.Unit) { u.State = result.StateFailed }, "scheduler reported FAILED without output"},
		{"timed out", func(u *unit.Unit) { u.State = result.StateTimedOut }, "unit TIMED_OUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := setup(t)
			os.WriteFile(result.StderrPath(units[1].Dir), []byte("segfault in solver\n"), 0o644)
			tt.breakUnit(units[1])
			reasons := map[int]string{}
			if units[1].State == result.StateFailed {
				reasons[1] = "scheduler reported FAILED without output"
			}

			g := &gather.Gatherer{Outputs: []string{"y"}}
			out, err := g.Gather(context.Background(), 10, units, reasons)
			if err != nil {
				t.Fatalf("Gather: %v", err)
			}
			for i, row := range out.Rows {
				if i >= 3 && i < 6 {
					if !math.IsNaN(row[0]) {
						t.Errorf("row %d = %v, want NaN", i, row)
					}
				} else if row[0] != float64(2*i) {
					t.Errorf("row %d = %v", i, row)
				}
			}
			failed := out.Failed()
			if len(failed) != 1 || failed[0].Unit != 1 {
				t.Fatalf("failed = %+v", failed)
			}
			if !errors.Is(failed[0].Err, evalerr.ErrUnitFailure) {
				t.Errorf("err = %v", failed[0].Err)
			}
			d, err := result.ReadDiagnostic(units[1].Dir)
			if err != nil || d == nil {
				t.Fatalf("diagnostic: %v, %v", d, err)
			}
			if d.Reason != tt.wantReason || d.StderrTail != "segfault in solver" {
				t.Errorf("diagnostic = %+v", d)
			}
			if d2, _ := result.ReadDiagnostic(units[0].Dir); d2 != nil {
				t.Error("diagnostic written for a healthy unit")
			}
		})
	}
}

func TestGatherPointErrors(t *testing.T) {
	units := setup(t)
	result.WriteJSON(result.RunnerReportPath(units[2].Dir), &result.RunnerReport{Unit: 2, Points: 3, PointErrors: 1})
	out, err := (&gather.Gatherer{Outputs: []string{"y"}}).Gather(context.Background(), 10, units, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Units[2].OK || out.Units[2].PointErrors != 1 {
		t.Errorf("unit 2 = %+v", out.Units[2])
	}
}

func TestGatherUncoveredRows(t *testing.T) {
	units := setup(t)
	out, err := (&gather.Gatherer{Outputs: []string{"y"}}).Gather(context.Background(), 10, units[:2], nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Rows) != 10 || !math.IsNaN(out.Rows[9][0]) || out.RowUnit(9) != -1 {
		t.Errorf("rows = %v", out.Rows)
	}
}

func TestGatherCallbackError(t *testing.T) {
	units := setup(t)
	g := &gather.Gatherer{Outputs: []string{"y"}, OnUnit: func(gather.UnitResult) error {
		return errors.New("disk full")
	}}
	if _, err := g.Gather(context.Background(), 10, units, nil); err == nil {
		t.Error("expected callback error")
	}
}

func TestGatherPartitionOutOfRange(t *testing.T) {
	units := setup(t)
	if _, err := (&gather.Gatherer{Outputs: []string{"y"}}).Gather(context.Background(), 5, units, nil); err == nil {
		t.Error("expected error for a partition beyond n")
	}
}
