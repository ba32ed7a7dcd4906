// Package result owns the on-disk layout of evaluation runs:
//
//	<base>/runs/<stamp>-<id>/manifest.json
//	<base>/runs/<stamp>-<id>/submit/batch_<n>.sh
//	<base>/runs/<stamp>-<id>/unit_<id>/{input,output,runner,logs}
//	<base>/latest -> most recent run
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/batcheval/internal/tabular"
)

const (
	unitPrefix   = "unit_"
	manifestName = "manifest.json"
	pointsName   = "points.csv"
)

// CreateRunDir creates a fresh run directory under baseDir and points the
// latest symlink at it. It returns the absolute run directory and the run id.
func CreateRunDir(baseDir string) (string, string, error) {
	id := uuid.New().String()[:8]
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir, err := filepath.Abs(filepath.Join(baseDir, "runs", stamp+"-"+id))
	if err != nil {
		return "", "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, filepath.Base(runDir), nil
}

// ResolveRunDir maps "" and "latest" to the latest run under baseDir.
func ResolveRunDir(baseDir, runDir string) (string, error) {
	if runDir != "" && runDir != "latest" {
		return filepath.Abs(runDir)
	}
	target, err := filepath.EvalSymlinks(filepath.Join(baseDir, "latest"))
	if err != nil {
		return "", fmt.Errorf("no latest run under %s: %w", baseDir, err)
	}
	return target, nil
}

// ListRuns returns the run directories under baseDir, oldest first.
func ListRuns(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(baseDir, "runs"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading runs dir: %w", err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, filepath.Join(baseDir, "runs", e.Name()))
		}
	}
	sort.Strings(runs)
	return runs, nil
}

func UnitDir(runDir string, id int) string {
	return filepath.Join(runDir, unitPrefix+strconv.Itoa(id))
}

// UnitID parses the id out of a unit directory name.
func UnitID(dir string) (int, bool) {
	name := filepath.Base(dir)
	if !strings.HasPrefix(name, unitPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, unitPrefix))
	return id, err == nil && id >= 0
}

// ListUnits returns the ids of the unit directories in runDir in ascending order.
func ListUnits(runDir string) ([]int, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, fmt.Errorf("reading run dir: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := UnitID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func InputPath(unitDir string) string  { return filepath.Join(unitDir, "input", pointsName) }
func OutputPath(unitDir string) string { return filepath.Join(unitDir, "output", pointsName) }
func RunnerDir(unitDir string) string  { return filepath.Join(unitDir, "runner") }
func LogsDir(unitDir string) string    { return filepath.Join(unitDir, "logs") }
func MetaPath(unitDir string) string   { return filepath.Join(unitDir, "meta.json") }
func SubmitDir(runDir string) string   { return filepath.Join(runDir, "submit") }

func DiagnosticPath(unitDir string) string { return filepath.Join(LogsDir(unitDir), "diagnostic.json") }
func PointErrorsPath(unitDir string) string {
	return filepath.Join(LogsDir(unitDir), "point_errors.jsonl")
}
func RunnerReportPath(unitDir string) string { return filepath.Join(LogsDir(unitDir), "runner.json") }
func StdoutPath(unitDir string) string       { return filepath.Join(LogsDir(unitDir), "stdout.log") }
func StderrPath(unitDir string) string       { return filepath.Join(LogsDir(unitDir), "stderr.log") }

// WriteJSON stores v as indented JSON, atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return tabular.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	})
}

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func WriteManifest(runDir string, m *Manifest) error {
	return WriteJSON(filepath.Join(runDir, manifestName), m)
}

func ReadManifest(runDir string) (*Manifest, error) {
	var m Manifest
	if err := ReadJSON(filepath.Join(runDir, manifestName), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func WriteDiagnostic(unitDir string, d *Diagnostic) error {
	return WriteJSON(DiagnosticPath(unitDir), d)
}

// ReadDiagnostic returns nil, nil when the unit has no diagnostic.
func ReadDiagnostic(unitDir string) (*Diagnostic, error) {
	var d Diagnostic
	err := ReadJSON(DiagnosticPath(unitDir), &d)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Tail returns up to n trailing bytes of the file at path.
func Tail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil && fi.Size() > n {
		f.Seek(-n, io.SeekEnd)
	}
	data, _ := io.ReadAll(f)
	return strings.TrimSpace(string(data))
}
