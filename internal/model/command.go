package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/signalnine/batcheval/internal/tabular"
)

// RestartEnv names the environment variable pointing a command model at the
// prior unit directory copied in for a restart.
const RestartEnv = "BATCHEVAL_RESTART_DIR"

// Command evaluates a point by rendering an input file from a template, running
// an executable in a private directory and parsing the numbers it writes.
type Command struct {
	spec     Spec
	dir      string
	template string
	// RestartDir, when set, is exported to the command as BATCHEVAL_RESTART_DIR.
	RestartDir string
	// KeepWorkDirs leaves each point directory in place after evaluation.
	KeepWorkDirs bool
}

// NewCommand builds a command evaluator. Relative paths in the spec are
// resolved against dir.
func NewCommand(s *Spec, dir string) (*Command, error) {
	c := &Command{spec: *s, dir: dir}
	if s.InputTemplate != "" {
		data, err := os.ReadFile(c.resolve(s.InputTemplate))
		if err != nil {
			return nil, fmt.Errorf("reading input template: %w", err)
		}
		c.template = string(data)
	}
	if restart := filepath.Join(dir, "restart"); isDir(restart) {
		c.RestartDir = restart
	}
	return c, nil
}

func (c *Command) resolve(p string) string {
	if filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Token returns the placeholder replaced by input i in the template.
func (c *Command) Token(i int) string {
	if i < len(c.spec.Tokens) {
		return c.spec.Tokens[i]
	}
	return fmt.Sprintf("@X%d@", i+1)
}

// Render substitutes each input value for its token in the template.
func (c *Command) Render(x []float64) string {
	pairs := make([]string, 0, 2*len(x))
	for i, v := range x {
		pairs = append(pairs, c.Token(i), tabular.FormatFloat(v))
	}
	return strings.NewReplacer(pairs...).Replace(c.template)
}

func (c *Command) Evaluate(ctx context.Context, x []float64) ([]float64, error) {
	if c.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.spec.Timeout)
		defer cancel()
	}

	work, err := os.MkdirTemp(c.dir, "point-")
	if err != nil {
		return nil, fmt.Errorf("creating point dir: %w", err)
	}
	if !c.KeepWorkDirs {
		defer os.RemoveAll(work)
	}

	if c.spec.InputFile != "" {
		if err := os.WriteFile(filepath.Join(work, c.spec.InputFile), []byte(c.Render(x)), 0o644); err != nil {
			return nil, fmt.Errorf("writing model input: %w", err)
		}
	}

	name := c.spec.Command[0]
	if !filepath.IsAbs(name) && strings.ContainsRune(name, filepath.Separator) {
		name = c.resolve(name)
	}
	cmd := exec.CommandContext(ctx, name, c.spec.Command[1:]...)
	cmd.Dir = work
	cmd.Env = append(os.Environ(), c.spec.Env...)
	for i, v := range x {
		cmd.Env = append(cmd.Env, fmt.Sprintf("BATCHEVAL_X%d=%s", i+1, tabular.FormatFloat(v)))
	}
	if c.RestartDir != "" {
		cmd.Env = append(cmd.Env, RestartEnv+"="+c.RestartDir)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("model command timed out after %s", c.spec.Timeout)
		}
		return nil, fmt.Errorf("model command: %s: %w", tail(stderr.String(), 512), err)
	}

	data, err := os.ReadFile(filepath.Join(work, c.spec.OutputFile))
	if err != nil {
		return nil, fmt.Errorf("reading model output: %w", err)
	}
	y, err := ParseNumbers(string(data))
	if err != nil {
		return nil, err
	}
	if c.spec.OutputDim > 0 && len(y) != c.spec.OutputDim {
		return nil, fmt.Errorf("model output has %d values, want %d", len(y), c.spec.OutputDim)
	}
	return y, nil
}

// ParseNumbers reads whitespace or comma separated floats.
func ParseNumbers(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, errors.New("model output is empty")
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("model output value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
