package config_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/batcheval/internal/archive"
	"github.com/signalnine/batcheval/internal/config"
	"github.com/signalnine/batcheval/internal/evalerr"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load("testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Model.Name != "sum" {
		t.Errorf("expected model sum, got %q", cfg.Model.Name)
	}
	if cfg.Scheduler.Backend != "local" {
		t.Errorf("expected default backend local, got %q", cfg.Scheduler.Backend)
	}
	if cfg.Scheduler.MaxArraySize != 1000 {
		t.Errorf("expected default max_array_size 1000, got %d", cfg.Scheduler.MaxArraySize)
	}
	if cfg.Scheduler.Local.Workers != runtime.NumCPU() {
		t.Errorf("expected %d workers, got %d", runtime.NumCPU(), cfg.Scheduler.Local.Workers)
	}
	if cfg.Resources.Nodes != 1 || cfg.Resources.CPUs != 1 {
		t.Errorf("expected 1 node and 1 cpu, got %+v", cfg.Resources)
	}
	if cfg.Polling.Interval != time.Second || *cfg.Polling.LostThreshold != 1 || !*cfg.Polling.ValidateOutput {
		t.Errorf("unexpected polling defaults %+v", cfg.Polling)
	}
	if cfg.Results.Dir != "results" || cfg.Results.Cleanup != "keep" {
		t.Errorf("unexpected results defaults %+v", cfg.Results)
	}
	if cfg.Cache.Path != "" {
		t.Errorf("cache should be disabled by default, got %q", cfg.Cache.Path)
	}
	if cfg.Archive != nil {
		t.Error("expected no archive section")
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load("testdata/full.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Model.Timeout != 10*time.Minute {
		t.Errorf("expected model timeout 10m, got %v", cfg.Model.Timeout)
	}
	if len(cfg.Model.Tokens) != 2 {
		t.Errorf("expected 2 tokens, got %v", cfg.Model.Tokens)
	}
	if cfg.Resources.TimeLimit != 2*time.Hour {
		t.Errorf("expected time limit 2h, got %v", cfg.Resources.TimeLimit)
	}
	if cfg.Scheduler.Slurm.Sbatch != "/usr/bin/sbatch" || cfg.Scheduler.Slurm.Squeue != "squeue" {
		t.Errorf("unexpected slurm commands %+v", cfg.Scheduler.Slurm)
	}
	if cfg.Scheduler.SubmitRate != 2.5 {
		t.Errorf("expected submit rate 2.5, got %v", cfg.Scheduler.SubmitRate)
	}
	if *cfg.Polling.LostThreshold != 0 {
		t.Errorf("explicit lost_threshold 0 must be kept, got %d", *cfg.Polling.LostThreshold)
	}
	if *cfg.Polling.ValidateOutput {
		t.Error("expected validate_output false")
	}
	if cfg.Archive == nil || cfg.Archive.Codec != archive.CodecLZ4 || cfg.Archive.Bucket != "studies" {
		t.Errorf("unexpected archive %+v", cfg.Archive)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json logging, got %q", cfg.Logging.Format)
	}

	checker, err := cfg.Accounting.Checker(context.Background())
	if err != nil {
		t.Fatalf("Checker: %v", err)
	}
	if err := cfg.Resources.Validate(checker); err != nil {
		t.Errorf("account should validate: %v", err)
	}
	if cfg.Resources.Account != "p120f:openturns" {
		t.Errorf("account should be normalized, got %q", cfg.Resources.Account)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	_, err := config.Load("testdata/invalid.yaml")
	if !errors.Is(err, evalerr.ErrConfiguration) {
		t.Errorf("expected configuration error for invalid YAML, got %v", err)
	}
}

// doc renders a minimal configuration with one top-level key replaced or added.
func doc(key, value string) []byte {
	fields := [][2]string{
		{"model", "{kind: builtin, name: sum}"},
		{"inputs", "[a, b]"},
		{"outputs", "[y]"},
		{"unit_capacity", "2"},
	}
	var out strings.Builder
	found := false
	for _, f := range fields {
		if f[0] == key {
			f[1], found = value, true
		}
		fmt.Fprintf(&out, "%s: %s\n", f[0], f[1])
	}
	if !found && key != "" {
		fmt.Fprintf(&out, "%s: %s\n", key, value)
	}
	return []byte(out.String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		key, value string
		field      string
	}{
		{"valid", "", "", ""},
		{"capacity", "unit_capacity", "0", "unit_capacity"},
		{"unknown model", "model", "{kind: builtin, name: nope}", "model.name"},
		{"no outputs", "outputs", "[]", "outputs"},
		{"column clash", "outputs", "[a]", "outputs"},
		{"reserved column", "inputs", "[row]", "outputs"},
		{"backend", "scheduler", "{backend: pbs}", "scheduler.backend"},
		{"negative rate", "scheduler", "{submit_rate: -1}", "scheduler.submit_rate"},
		{"resources", "resources", "{cpus: -2}", "resources.cpus"},
		{"reserved option", "resources", `{extra_options: ["--array=1-4"]}`, "resources.extra_options"},
		{"account shape", "resources", "{account: nocolon}", "account"},
		{"deadline", "polling", "{deadline: -1s}", "polling.deadline"},
		{"cleanup", "results", "{cleanup: shred}", "results.cleanup"},
		{"archive missing", "results", "{cleanup: archive}", "results.cleanup"},
		{"archive sink", "archive", "{sink: ftp}", "archive.sink"},
		{"log level", "logging", "{level: loud}", "logging.level"},
		{"log format", "logging", "{format: xml}", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse("test.yaml", doc(tt.key, tt.value))
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var fe *evalerr.FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fe.Field != tt.field {
				t.Errorf("field = %q, want %q", fe.Field, tt.field)
			}
			if !errors.Is(err, evalerr.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestSlurmResultsDirWhitespace(t *testing.T) {
	data := append(doc("scheduler", "{backend: slurm}"), []byte("results: {dir: \"my results\"}\n")...)
	_, err := config.Parse("test.yaml", data)
	var fe *evalerr.FieldError
	if !errors.As(err, &fe) || fe.Field != "results.dir" {
		t.Fatalf("expected results.dir error, got %v", err)
	}

	data = append(doc("scheduler", "{backend: local}"), []byte("results: {dir: \"my results\"}\n")...)
	if _, err := config.Parse("test.yaml", data); err != nil {
		t.Errorf("local backend should accept the path: %v", err)
	}
}

func TestAccountingChecker(t *testing.T) {
	off := false
	tests := []struct {
		name    string
		acct    config.Accounting
		wantNil bool
	}{
		{"builtin by default", config.Accounting{}, false},
		{"explicit lists", config.Accounting{Projects: []string{"p1"}, Codes: []string{"c1"}}, false},
		{"disabled", config.Accounting{Builtin: &off}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.acct.Checker(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if (c == nil) != tt.wantNil {
				t.Errorf("Checker() = %v, wantNil %v", c, tt.wantNil)
			}
		})
	}
}
