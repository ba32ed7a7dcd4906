package unit_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/model"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/runner"
	"github.com/signalnine/batcheval/internal/sample"
	"github.com/signalnine/batcheval/internal/scheduler"
	"github.com/signalnine/batcheval/internal/tabular"
	"github.com/signalnine/batcheval/internal/unit"
)

func baseConfig(t *testing.T) unit.BuilderConfig {
	t.Helper()
	return unit.BuilderConfig{
		RunDir:       t.TempDir(),
		Inputs:       []string{"a", "b"},
		Outputs:      []string{"y"},
		Model:        model.Spec{Kind: model.KindBuiltin, Name: "sum"},
		RunnerBinary: "/usr/local/bin/batcheval",
	}
}

func TestBuild(t *testing.T) {
	cfg := baseConfig(t)
	res := filepath.Join(t.TempDir(), "mesh")
	os.MkdirAll(filepath.Join(res, "sub"), 0o755)
	os.WriteFile(filepath.Join(res, "sub", "grid.dat"), []byte("1 2 3"), 0o644)
	cfg.Resources = []string{res}

	b, err := unit.NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	p := sample.Partition{Index: 1, Start: 3, End: 5}
	u, err := b.Build(p, [][]float64{{3, 3}, {4, 0.1}}, unit.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if u.ID != 0 || u.State != result.StateCreated || u.Dir != result.UnitDir(cfg.RunDir, 0) {
		t.Errorf("unit = %+v", u)
	}

	header, rows, err := tabular.ReadFile(result.InputPath(u.Dir))
	if err != nil {
		t.Fatalf("reading input: %v", err)
	}
	if strings.Join(header, ",") != "a,b" || len(rows) != 2 || rows[1][1] != 0.1 {
		t.Errorf("input = %v %v", header, rows)
	}
	if _, err := os.Stat(filepath.Join(u.Dir, "mesh", "sub", "grid.dat")); err != nil {
		t.Errorf("resource not copied: %v", err)
	}
	for _, sub := range []string{"output", "logs"} {
		if fi, err := os.Stat(filepath.Join(u.Dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("%s dir missing", sub)
		}
	}

	desc, err := runner.ReadDescriptor(u.Dir)
	if err != nil || desc.Unit != 0 || desc.Points != 2 || desc.Outputs[0] != "y" {
		t.Errorf("descriptor = %+v, %v", desc, err)
	}
	spec, err := model.ReadSpec(filepath.Join(result.RunnerDir(u.Dir), runner.ModelFile))
	if err != nil || spec.Name != "sum" {
		t.Errorf("model spec = %+v, %v", spec, err)
	}
	script, _ := os.ReadFile(filepath.Join(result.RunnerDir(u.Dir), runner.ScriptFile))
	if !strings.Contains(string(script), "RUNNER='/usr/local/bin/batcheval'") ||
		!strings.Contains(string(script), "runner --unit '"+u.Dir+"'") {
		t.Errorf("run.sh:\n%s", script)
	}

	m, err := unit.ReadMeta(u.Dir)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if m.State != result.StateCreated || m.Partition != p {
		t.Errorf("meta = %+v", m)
	}
}

func TestBuildUniqueIDs(t *testing.T) {
	cfg := baseConfig(t)
	// A directory left by someone else must not be reused.
	os.Mkdir(result.UnitDir(cfg.RunDir, 1), 0o755)

	b, err := unit.NewBuilder(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var ids []int
	for i := 0; i < 3; i++ {
		u, err := b.Build(sample.Partition{Index: i, Start: i, End: i + 1}, [][]float64{{1, 2}}, unit.BuildOptions{})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		ids = append(ids, u.ID)
	}
	if ids[0] != 2 || ids[1] != 3 || ids[2] != 4 {
		t.Errorf("ids = %v, want ids after the existing unit_1", ids)
	}
}

func TestBuildCollisionBumpsID(t *testing.T) {
	cfg := baseConfig(t)
	b, err := unit.NewBuilder(cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Created after the builder scanned the run.
	os.Mkdir(result.UnitDir(cfg.RunDir, 0), 0o755)
	u, err := b.Build(sample.Partition{End: 1}, [][]float64{{1, 2}}, unit.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != 1 {
		t.Errorf("id = %d, want 1", u.ID)
	}
}

func TestBuildRestart(t *testing.T) {
	cfg := baseConfig(t)
	b, _ := unit.NewBuilder(cfg)
	first, err := b.Build(sample.Partition{End: 1}, [][]float64{{1, 2}}, unit.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(first.Dir, "logs", "stderr.log"), []byte("boom"), 0o644)
	second, err := b.Build(sample.Partition{End: 1}, [][]float64{{1, 2}}, unit.BuildOptions{RestartFrom: first.Dir, Attempt: 1})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(second.Dir, "restart", "logs", "stderr.log"))
	if err != nil || string(data) != "boom" {
		t.Errorf("restart copy: %q, %v", data, err)
	}
	m, _ := unit.ReadMeta(second.Dir)
	if m.RestartFrom != first.Dir || m.Attempt != 1 {
		t.Errorf("meta = %+v", m)
	}

	third, err := b.Build(sample.Partition{End: 1}, [][]float64{{1, 2}}, unit.BuildOptions{RestartFrom: second.Dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(third.Dir, "restart", "restart")); err == nil {
		t.Error("restart directories nest")
	}
}

func TestBuildFailuresAreConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, cfg *unit.BuilderConfig) unit.BuildOptions
		after func(cfg *unit.BuilderConfig)
	}{
		{
			name: "run dir under a file",
			setup: func(t *testing.T, cfg *unit.BuilderConfig) unit.BuildOptions {
				file := filepath.Join(t.TempDir(), "file")
				if err := os.WriteFile(file, nil, 0o644); err != nil {
					t.Fatal(err)
				}
				cfg.RunDir = filepath.Join(file, "run")
				return unit.BuildOptions{}
			},
		},
		{
			name: "resource removed",
			setup: func(t *testing.T, cfg *unit.BuilderConfig) unit.BuildOptions {
				res := filepath.Join(t.TempDir(), "mesh.dat")
				if err := os.WriteFile(res, []byte("1"), 0o644); err != nil {
					t.Fatal(err)
				}
				cfg.Resources = []string{res}
				return unit.BuildOptions{}
			},
			after: func(cfg *unit.BuilderConfig) { os.Remove(cfg.Resources[0]) },
		},
		{
			name: "missing restart dir",
			setup: func(t *testing.T, cfg *unit.BuilderConfig) unit.BuildOptions {
				return unit.BuildOptions{RestartFrom: filepath.Join(t.TempDir(), "gone")}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			opts := tt.setup(t, &cfg)
			b, err := unit.NewBuilder(cfg)
			if err != nil {
				t.Fatalf("NewBuilder: %v", err)
			}
			if tt.after != nil {
				tt.after(&cfg)
			}
			_, err = b.Build(sample.Partition{End: 1}, [][]float64{{1, 2}}, opts)
			if !errors.Is(err, evalerr.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestNewBuilderConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*unit.BuilderConfig)
		field  string
	}{
		{"missing resource", func(c *unit.BuilderConfig) { c.Resources = []string{"/definitely/not/here"} }, "resources_files"},
		{"missing template", func(c *unit.BuilderConfig) {
			c.Model = model.Spec{Kind: model.KindCommand, Command: []string{"solver"}, OutputFile: "out",
				InputFile: "in", InputTemplate: "no-such-template.tpl"}
		}, "model.input_template"},
		{"unknown model", func(c *unit.BuilderConfig) { c.Model.Name = "nope" }, "model.name"},
		{"no outputs", func(c *unit.BuilderConfig) { c.Outputs = nil }, "outputs"},
		{"no runner", func(c *unit.BuilderConfig) { c.RunnerBinary = "" }, "runner.binary"},
		{"missing env file", func(c *unit.BuilderConfig) { c.EnvFile = "/no/env" }, "runner.env_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.mutate(&cfg)
			_, err := unit.NewBuilder(cfg)
			var fe *evalerr.FieldError
			if !errors.As(err, &fe) || fe.Field != tt.field {
				t.Errorf("got %v, want FieldError on %s", err, tt.field)
			}
			if !errors.Is(err, evalerr.ErrConfiguration) {
				t.Errorf("not a configuration error: %v", err)
			}
		})
	}
}

func TestBuildTemplateCopied(t *testing.T) {
	cfg := baseConfig(t)
	tpl := filepath.Join(t.TempDir(), "beam.tpl")
	os.WriteFile(tpl, []byte("F=@F@"), 0o644)
	rel, err := filepath.Rel(mustGetwd(t), tpl)
	if err != nil {
		t.Skip("template not reachable by a relative path")
	}
	cfg.Model = model.Spec{Kind: model.KindCommand, Command: []string{"solver"}, OutputFile: "out",
		InputFile: "in", InputTemplate: rel}
	b, err := unit.NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	u, err := b.Build(sample.Partition{End: 1}, [][]float64{{1, 2}}, unit.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(u.Dir, "beam.tpl")); err != nil {
		t.Errorf("template not copied: %v", err)
	}
	spec, _ := model.ReadSpec(filepath.Join(result.RunnerDir(u.Dir), runner.ModelFile))
	if spec.InputTemplate != "beam.tpl" {
		t.Errorf("template path = %q", spec.InputTemplate)
	}
}

func TestRunScriptExecutesRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := baseConfig(t)
	fake := filepath.Join(t.TempDir(), "fake-runner")
	os.WriteFile(fake, []byte("#!/bin/sh\necho \"$GREETING $@\" > \"$3/args\"\n"), 0o755)
	env := filepath.Join(t.TempDir(), "env")
	os.WriteFile(env, []byte("export GREETING=\"it's me\"\n"), 0o644)
	cfg.RunnerBinary = fake
	cfg.EnvFile = env

	b, err := unit.NewBuilder(cfg)
	if err != nil {
		t.Fatal(err)
	}
	u, err := b.Build(sample.Partition{End: 1}, [][]float64{{1, 2}}, unit.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := scheduler.RunScript(t.Context(), u.Target()); err != nil {
		t.Fatalf("run.sh: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(u.Dir, "args"))
	if got := strings.TrimSpace(string(data)); got != "it's me runner --unit "+u.Dir {
		t.Errorf("runner invoked with %q", got)
	}
}

func mustGetwd(t *testing.T) string {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	return wd
}
