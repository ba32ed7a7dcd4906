package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/batcheval/internal/logging"
	"github.com/signalnine/batcheval/internal/model"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/tabular"
)

// Runner artifact file names inside runner/.
const (
	ModelFile      = "model.yaml"
	DescriptorFile = "unit.yaml"
	ScriptFile     = "run.sh"
)

// Exit codes of the runner command.
const (
	ExitOK     = 0
	ExitSetup  = 2
	ExitOutput = 3
)

// Descriptor tells a runner which unit it is processing and the shape of its
// input and output tables.
type Descriptor struct {
	Unit    int      `yaml:"unit"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
	Points  int      `yaml:"points"`
}

func WriteDescriptor(unitDir string, d *Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling unit descriptor: %w", err)
	}
	return os.WriteFile(filepath.Join(result.RunnerDir(unitDir), DescriptorFile), data, 0o644)
}

func ReadDescriptor(unitDir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(result.RunnerDir(unitDir), DescriptorFile))
	if err != nil {
		return nil, fmt.Errorf("reading unit descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing unit descriptor: %w", err)
	}
	return &d, nil
}

// SetupError marks a runner that could not start evaluating: unreadable
// descriptor, model, or input.
type SetupError struct{ Err error }

func (e *SetupError) Error() string { return "runner setup: " + e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// ExitCode maps a RunUnit error to the runner process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if _, ok := err.(*SetupError); ok {
		return ExitSetup
	}
	return ExitOutput
}

// ExitReason describes a runner or container exit status.
func ExitReason(code int, oomKilled bool) string {
	switch {
	case oomKilled:
		return "out of memory"
	case code == ExitOK:
		return "completed"
	case code == ExitSetup:
		return "runner setup failed"
	case code == ExitOutput:
		return "runner could not write output"
	case code == 137:
		return "killed"
	default:
		return fmt.Sprintf("crashed (exit %d)", code)
	}
}

// RunUnit evaluates every point of the unit in unitDir and writes
// output/points.csv. A point whose evaluation fails yields a NaN row and a
// record in logs/point_errors.jsonl; the unit still completes.
func RunUnit(ctx context.Context, unitDir string, logger *slog.Logger) (*result.RunnerReport, error) {
	start := time.Now()
	desc, err := ReadDescriptor(unitDir)
	if err != nil {
		return nil, &SetupError{err}
	}
	spec, err := model.ReadSpec(filepath.Join(result.RunnerDir(unitDir), ModelFile))
	if err != nil {
		return nil, &SetupError{err}
	}
	ev, err := spec.Build(unitDir)
	if err != nil {
		return nil, &SetupError{fmt.Errorf("building model: %w", err)}
	}
	_, rows, err := tabular.ReadFile(result.InputPath(unitDir))
	if err != nil {
		return nil, &SetupError{fmt.Errorf("reading input: %w", err)}
	}
	if len(rows) != desc.Points {
		return nil, &SetupError{fmt.Errorf("input has %d rows, descriptor declares %d", len(rows), desc.Points)}
	}

	logger = logging.OrDiscard(logger).With("unit", desc.Unit)
	logger.Info("evaluating unit", "points", len(rows))

	outDim := len(desc.Outputs)
	out := make([][]float64, len(rows))
	var pointErrs []result.PointError
	for i, x := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y, err := ev.Evaluate(ctx, x)
		if err == nil && len(y) != outDim {
			err = fmt.Errorf("model returned %d outputs, want %d", len(y), outDim)
		}
		if err == nil && anyNaN(y) {
			err = fmt.Errorf("model returned NaN")
		}
		if err != nil {
			logger.Warn("point failed", "row", i, "err", err)
			pointErrs = append(pointErrs, result.PointError{Row: i, Input: x, Error: err.Error()})
			y = tabular.NaNRow(outDim)
		}
		out[i] = y
	}

	if len(pointErrs) > 0 {
		if err := writePointErrors(unitDir, pointErrs); err != nil {
			logger.Warn("writing point errors", "err", err)
		}
	}
	if err := tabular.WriteFile(result.OutputPath(unitDir), desc.Outputs, out); err != nil {
		return nil, fmt.Errorf("writing output: %w", err)
	}

	host, _ := os.Hostname()
	report := &result.RunnerReport{
		Unit:        desc.Unit,
		Points:      len(rows),
		PointErrors: len(pointErrs),
		StartedAt:   start.UTC(),
		DurationS:   time.Since(start).Seconds(),
		Host:        host,
	}
	if err := result.WriteJSON(result.RunnerReportPath(unitDir), report); err != nil {
		logger.Warn("writing runner report", "err", err)
	}
	logger.Info("unit done", "points", len(rows), "point_errors", len(pointErrs), "duration", time.Since(start).Round(time.Millisecond))
	return report, nil
}

func writePointErrors(unitDir string, errs []result.PointError) error {
	if err := os.MkdirAll(result.LogsDir(unitDir), 0o755); err != nil {
		return err
	}
	f, err := os.Create(result.PointErrorsPath(unitDir))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, pe := range errs {
		if err := enc.Encode(nanSafe(pe)); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// nanSafe renders inputs as strings when any is non-finite, since
// encoding/json rejects NaN and Inf.
func nanSafe(pe result.PointError) any {
	finite := true
	for _, v := range pe.Input {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			finite = false
			break
		}
	}
	if finite {
		return pe
	}
	in := make([]string, len(pe.Input))
	for i, v := range pe.Input {
		in[i] = tabular.FormatFloat(v)
	}
	return struct {
		Row   int      `json:"row"`
		Input []string `json:"input"`
		Error string   `json:"error"`
	}{pe.Row, in, pe.Error}
}

func anyNaN(y []float64) bool {
	for _, v := range y {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
