// Package report summarizes a run directory for people and for other tools.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/tabular"
	"github.com/signalnine/batcheval/internal/unit"
)

type UnitSummary struct {
	Unit        int              `json:"unit"`
	Start       int              `json:"start"`
	End         int              `json:"end"`
	State       result.UnitState `json:"state"`
	Attempt     int              `json:"attempt"`
	Job         string           `json:"job,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	PointErrors int              `json:"point_errors"`
	DurationS   float64          `json:"duration_s,omitempty"`
}

type RunSummary struct {
	RunID     string                   `json:"run_id"`
	Backend   string                   `json:"backend"`
	CreatedAt time.Time                `json:"created_at"`
	Points    int                      `json:"points"`
	Capacity  int                      `json:"capacity"`
	Attempt   int                      `json:"attempt"`
	Counts    map[result.UnitState]int `json:"counts"`
	Units     []UnitSummary            `json:"units"`
}

// Done reports whether every unit of the run reached a terminal state.
func (s *RunSummary) Done() bool {
	for _, u := range s.Units {
		if !u.State.Terminal() {
			return false
		}
	}
	return true
}

// CountsString renders the state counts in lifecycle order, skipping zeros.
func (s *RunSummary) CountsString() string {
	var parts []string
	for _, st := range states {
		if n := s.Counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(string(st)), n))
		}
	}
	if len(parts) == 0 {
		return "no units"
	}
	return strings.Join(parts, " ")
}

var states = []result.UnitState{
	result.StateCreated, result.StateSubmitted, result.StateRunning,
	result.StateFinished, result.StateFailed, result.StateTimedOut,
}

// Summarize reads the manifest and the current unit of every partition.
func Summarize(runDir string) (*RunSummary, error) {
	m, err := result.ReadManifest(runDir)
	if err != nil {
		return nil, err
	}
	s := &RunSummary{
		RunID:     m.RunID,
		Backend:   m.Backend,
		CreatedAt: m.CreatedAt,
		Points:    m.Points,
		Capacity:  m.Capacity,
		Attempt:   m.Attempt,
		Counts:    map[result.UnitState]int{},
	}
	for _, id := range m.Units {
		dir := result.UnitDir(runDir, id)
		meta, err := unit.ReadMeta(dir)
		if errors.Is(err, os.ErrNotExist) {
			// Only units that produced output are removed by cleanup.
			s.Counts[result.StateFinished]++
			s.Units = append(s.Units, UnitSummary{Unit: id, Start: -1, End: -1, State: result.StateFinished, Reason: "removed by cleanup"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", id, err)
		}
		us := UnitSummary{
			Unit:    id,
			Start:   meta.Partition.Start,
			End:     meta.Partition.End,
			State:   meta.State,
			Attempt: meta.Attempt,
			Reason:  meta.Reason,
		}
		if meta.Handle != nil {
			us.Job = meta.Handle.String()
		}
		var rr result.RunnerReport
		if err := result.ReadJSON(result.RunnerReportPath(dir), &rr); err == nil {
			us.PointErrors = rr.PointErrors
			us.DurationS = rr.DurationS
		}
		s.Counts[meta.State]++
		s.Units = append(s.Units, us)
	}
	sort.Slice(s.Units, func(i, j int) bool { return s.Units[i].Start < s.Units[j].Start })
	return s, nil
}

// Generate writes a summary of the run in format: table, markdown, json, or
// csv. The csv format lists every point with its inputs and outputs, in the
// column layout the cache imports.
func Generate(runDir, format string, w io.Writer) error {
	if format == "csv" {
		return writePoints(runDir, w)
	}
	s, err := Summarize(runDir)
	if err != nil {
		return err
	}
	switch format {
	case "markdown":
		return writeMarkdown(s, w)
	case "json":
		return writeJSON(s, w)
	case "table", "":
		return writeTable(s, w)
	}
	return fmt.Errorf("unknown report format %q", format)
}

func writeTable(s *RunSummary, w io.Writer) error {
	fmt.Fprintf(w, "Run %s (%s): %d points, capacity %d, attempt %d\n", s.RunID, s.Backend, s.Points, s.Capacity, s.Attempt)
	fmt.Fprintf(w, "Units: %s\n\n", s.CountsString())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tROWS\tSTATE\tJOB\tPOINT ERRORS\tDURATION\tREASON")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, u := range s.Units {
		fmt.Fprintf(tw, "%d\t%d-%d\t%s\t%s\t%d\t%.1fs\t%s\n",
			u.Unit, u.Start, u.End, u.State, u.Job, u.PointErrors, u.DurationS, u.Reason)
	}
	return tw.Flush()
}

func writeMarkdown(s *RunSummary, w io.Writer) error {
	fmt.Fprintf(w, "### Run %s\n\n", s.RunID)
	fmt.Fprintf(w, "%d points on %s, %s\n\n", s.Points, s.Backend, s.CountsString())
	fmt.Fprintln(w, "| Unit | Rows | State | Job | Point errors | Reason |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, u := range s.Units {
		fmt.Fprintf(w, "| %d | %d-%d | %s | %s | %d | %s |\n",
			u.Unit, u.Start, u.End, u.State, u.Job, u.PointErrors, strings.ReplaceAll(u.Reason, "|", `\|`))
	}
	return nil
}

func writeJSON(s *RunSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// writePoints writes unit,row,<inputs>,<outputs> for every point of the run.
// Outputs of units without a readable output are NaN; points of units removed
// by cleanup are left out.
func writePoints(runDir string, w io.Writer) error {
	m, err := result.ReadManifest(runDir)
	if err != nil {
		return err
	}
	header := append([]string{"unit", "row"}, m.Inputs...)
	header = append(header, m.Outputs...)
	rows := make([][]float64, 0, m.Points)
	for _, id := range m.Units {
		dir := result.UnitDir(runDir, id)
		meta, err := unit.ReadMeta(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("unit %d: %w", id, err)
		}
		_, in, err := tabular.ReadFile(result.InputPath(dir))
		if err != nil {
			return fmt.Errorf("unit %d input: %w", id, err)
		}
		var out [][]float64
		if meta.State == result.StateFinished {
			if _, o, err := tabular.ReadFile(result.OutputPath(dir)); err == nil && len(o) == len(in) {
				out = o
			}
		}
		for i, x := range in {
			row := []float64{float64(id), float64(meta.Partition.Start + i)}
			row = append(row, x...)
			if out != nil && len(out[i]) == len(m.Outputs) {
				row = append(row, out[i]...)
			} else {
				row = append(row, tabular.NaNRow(len(m.Outputs))...)
			}
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i][1] < rows[j][1] })
	return tabular.Write(w, header, rows)
}

// FailureRate is the share of units that ended FAILED or TIMED_OUT.
func (s *RunSummary) FailureRate() float64 {
	if len(s.Units) == 0 {
		return math.NaN()
	}
	return float64(s.Counts[result.StateFailed]+s.Counts[result.StateTimedOut]) / float64(len(s.Units))
}
