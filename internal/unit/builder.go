package unit

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/model"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/runner"
	"github.com/signalnine/batcheval/internal/sample"
	"github.com/signalnine/batcheval/internal/tabular"
)

// BuilderConfig describes what every unit of a run contains.
type BuilderConfig struct {
	RunDir  string
	Inputs  []string
	Outputs []string
	Model   model.Spec
	// Resources are files or directory trees copied into each unit directory.
	Resources []string
	// RunnerBinary is the executable run.sh invokes as "<binary> runner --unit DIR".
	RunnerBinary string
	// EnvFile holds KEY=VALUE lines exported by run.sh.
	EnvFile string
}

// BuildOptions vary per unit.
type BuildOptions struct {
	// RestartFrom is a prior unit directory copied into restart/.
	RestartFrom string
	Attempt     int
}

// Builder creates unit directories with unique ids within its run.
type Builder struct {
	cfg  BuilderConfig
	env  []string
	next atomic.Int64
}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewBuilder checks the configuration once so that Build only fails on I/O.
// Ids continue after the highest unit already present in the run.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if len(cfg.Inputs) == 0 {
		return nil, &evalerr.FieldError{Field: "inputs", Reason: "at least one input column is required"}
	}
	if len(cfg.Outputs) == 0 {
		return nil, &evalerr.FieldError{Field: "outputs", Reason: "at least one output column is required"}
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}
	if cfg.RunnerBinary == "" {
		return nil, &evalerr.FieldError{Field: "runner.binary", Reason: "required"}
	}
	for _, r := range cfg.Resources {
		if _, err := os.Stat(r); err != nil {
			return nil, &evalerr.FieldError{Field: "resources_files", Value: r, Reason: "not found"}
		}
	}
	cfg.Resources = append([]string(nil), cfg.Resources...)
	if tpl := cfg.Model.InputTemplate; tpl != "" && !filepath.IsAbs(tpl) {
		// The runner resolves the template inside the unit directory.
		if _, err := os.Stat(tpl); err != nil {
			return nil, &evalerr.FieldError{Field: "model.input_template", Value: tpl, Reason: "not found"}
		}
		cfg.Resources = append(cfg.Resources, tpl)
		cfg.Model.InputTemplate = filepath.Base(tpl)
	}

	b := &Builder{cfg: cfg}
	if cfg.EnvFile != "" {
		env, err := ParseEnvFile(cfg.EnvFile)
		if err != nil {
			return nil, &evalerr.FieldError{Field: "runner.env_file", Value: cfg.EnvFile, Reason: err.Error()}
		}
		for _, kv := range env {
			key, _, _ := strings.Cut(kv, "=")
			if !envKey.MatchString(key) {
				return nil, &evalerr.FieldError{Field: "runner.env_file", Value: key, Reason: "not a valid variable name"}
			}
		}
		b.env = env
	}
	if ids, err := result.ListUnits(cfg.RunDir); err == nil && len(ids) > 0 {
		b.next.Store(int64(ids[len(ids)-1] + 1))
	}
	return b, nil
}

// Build materializes partition p, whose rows are given, as a new unit. Every
// failure is reported as a configuration error.
func (b *Builder) Build(p sample.Partition, rows [][]float64, opts BuildOptions) (*Unit, error) {
	u, err := b.build(p, rows, opts)
	if err != nil && !errors.Is(err, evalerr.ErrConfiguration) {
		return nil, fmt.Errorf("%w: %w", evalerr.ErrConfiguration, err)
	}
	return u, err
}

func (b *Builder) build(p sample.Partition, rows [][]float64, opts BuildOptions) (*Unit, error) {
	if len(rows) != p.Len() {
		return nil, fmt.Errorf("partition %v has %d rows", p, len(rows))
	}
	id, dir, err := b.claimDir()
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"input", "output", "runner", "logs"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating unit dir: %w", err)
		}
	}
	if err := tabular.WriteFile(result.InputPath(dir), b.cfg.Inputs, rows); err != nil {
		return nil, fmt.Errorf("writing unit input: %w", err)
	}
	for _, r := range b.cfg.Resources {
		if err := copyTree(r, filepath.Join(dir, filepath.Base(r))); err != nil {
			return nil, fmt.Errorf("copying resource %s: %w", r, err)
		}
	}
	if opts.RestartFrom != "" {
		if err := copyTree(opts.RestartFrom, filepath.Join(dir, "restart")); err != nil {
			return nil, fmt.Errorf("copying restart input: %w", err)
		}
	}
	if err := b.writeRunner(id, dir, len(rows)); err != nil {
		return nil, err
	}

	u := &Unit{ID: id, Partition: p, Dir: dir, State: result.StateCreated}
	now := time.Now().UTC()
	meta := &Meta{Unit: id, Partition: p, State: result.StateCreated, Attempt: opts.Attempt,
		RestartFrom: opts.RestartFrom, CreatedAt: now}
	if err := WriteMeta(dir, meta); err != nil {
		return nil, fmt.Errorf("writing unit meta: %w", err)
	}
	return u, nil
}

// claimDir creates the next free unit directory. An existing directory, left
// by another process or an earlier builder, bumps the id instead of being reused.
func (b *Builder) claimDir() (int, string, error) {
	if err := os.MkdirAll(b.cfg.RunDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("creating run dir: %w", err)
	}
	for {
		id := int(b.next.Add(1) - 1)
		dir := result.UnitDir(b.cfg.RunDir, id)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return id, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return 0, "", fmt.Errorf("creating unit dir: %w", err)
		}
	}
}

func (b *Builder) writeRunner(id int, dir string, points int) error {
	runnerDir := result.RunnerDir(dir)
	spec := b.cfg.Model
	if err := model.WriteSpec(filepath.Join(runnerDir, runner.ModelFile), &spec); err != nil {
		return fmt.Errorf("writing model spec: %w", err)
	}
	desc := &runner.Descriptor{Unit: id, Inputs: b.cfg.Inputs, Outputs: b.cfg.Outputs, Points: points}
	if err := runner.WriteDescriptor(dir, desc); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runnerDir, runner.ScriptFile), []byte(b.script(id, dir)), 0o755)
}

func (b *Builder) script(id int, dir string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&sb, "# batcheval unit %d\n", id)
	fmt.Fprintf(&sb, "cd %s || exit 2\n", shellQuote(dir))
	for _, kv := range b.env {
		key, val, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&sb, "export %s=%s\n", key, shellQuote(val))
	}
	fmt.Fprintf(&sb, "RUNNER=%s\n", shellQuote(b.cfg.RunnerBinary))
	sb.WriteString("if [ -n \"$BATCHEVAL_RUNNER\" ]; then RUNNER=\"$BATCHEVAL_RUNNER\"; fi\n")
	fmt.Fprintf(&sb, "exec \"$RUNNER\" runner --unit %s\n", shellQuote(dir))
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// copyTree copies a file or directory tree, preserving permission bits.
// Nested restart/ directories are not copied again.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if rel != "." && d.Name() == "restart" {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
