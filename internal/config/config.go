// Package config loads the batcheval YAML configuration.
package config

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/batcheval/internal/accounting"
	"github.com/signalnine/batcheval/internal/archive"
	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/logging"
	"github.com/signalnine/batcheval/internal/model"
	"github.com/signalnine/batcheval/internal/scheduler"
)

type Config struct {
	Model          model.Spec          `yaml:"model"`
	Inputs         []string            `yaml:"inputs"`
	Outputs        []string            `yaml:"outputs"`
	ResourcesFiles []string            `yaml:"resources_files"`
	UnitCapacity   int                 `yaml:"unit_capacity"`
	Runner         Runner              `yaml:"runner"`
	Scheduler      Scheduler           `yaml:"scheduler"`
	Resources      scheduler.Resources `yaml:"resources"`
	Accounting     Accounting          `yaml:"accounting"`
	Polling        Polling             `yaml:"polling"`
	Cache          Cache               `yaml:"cache"`
	Results        Results             `yaml:"results"`
	Archive        *archive.Config     `yaml:"archive"`
	Logging        Logging             `yaml:"logging"`
}

type Runner struct {
	// Binary is the batcheval executable run on compute nodes. Empty means
	// the running executable.
	Binary  string `yaml:"binary"`
	EnvFile string `yaml:"env_file"`
}

type Scheduler struct {
	Backend           string  `yaml:"backend"`
	MaxArraySize      int     `yaml:"max_array_size"`
	ArrayParallelism  int     `yaml:"array_parallelism"`
	SubmitRate        float64 `yaml:"submit_rate"`
	SubmitConcurrency int     `yaml:"submit_concurrency"`
	Slurm             Slurm   `yaml:"slurm"`
	Docker            Docker  `yaml:"docker"`
	Local             Local   `yaml:"local"`
}

type Slurm struct {
	Sbatch string `yaml:"sbatch"`
	Squeue string `yaml:"squeue"`
	Sacct  string `yaml:"sacct"`
}

type Docker struct {
	Image       string `yaml:"image"`
	RunnerMount string `yaml:"runner_mount"`
}

type Local struct {
	Workers int `yaml:"workers"`
}

// Accounting selects the vocabulary accounting keys are checked against:
// explicit lists, an external program, or the compiled-in lists.
type Accounting struct {
	Projects []string `yaml:"projects"`
	Codes    []string `yaml:"codes"`
	Program  string   `yaml:"program"`
	Builtin  *bool    `yaml:"builtin"`
}

// Checker builds the configured checker. It returns nil when checking is
// disabled, in which case only the key's shape is verified.
func (a *Accounting) Checker(ctx context.Context) (*accounting.Checker, error) {
	switch {
	case len(a.Projects) > 0 || len(a.Codes) > 0:
		return accounting.New(a.Projects, a.Codes), nil
	case a.Program != "":
		return accounting.FromProgram(ctx, a.Program)
	case a.Builtin == nil || *a.Builtin:
		return accounting.Builtin(), nil
	}
	return nil, nil
}

type Polling struct {
	Interval time.Duration `yaml:"interval"`
	// Deadline bounds one wait; zero waits forever.
	Deadline      time.Duration `yaml:"deadline"`
	LostThreshold *int          `yaml:"lost_threshold"`
	// ValidateOutput checks the output shape of a unit before declaring it
	// finished.
	ValidateOutput *bool `yaml:"validate_output"`
}

type Cache struct {
	// Path of the cache CSV; empty disables the cache.
	Path string `yaml:"path"`
}

type Results struct {
	Dir     string `yaml:"dir"`
	Cleanup string `yaml:"cleanup"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes, defaults, and validates a configuration; name is used in
// error messages.
func Parse(name string, data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, evalerr.Configf("parsing config %s: %v", name, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", name, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	s := &cfg.Scheduler
	if s.Backend == "" {
		s.Backend = "local"
	}
	if s.MaxArraySize == 0 {
		s.MaxArraySize = 1000
	}
	if s.SubmitConcurrency == 0 {
		s.SubmitConcurrency = 4
	}
	if s.Slurm.Sbatch == "" {
		s.Slurm.Sbatch = "sbatch"
	}
	if s.Slurm.Squeue == "" {
		s.Slurm.Squeue = "squeue"
	}
	if s.Slurm.Sacct == "" {
		s.Slurm.Sacct = "sacct"
	}
	if s.Docker.Image == "" {
		s.Docker.Image = "alpine:latest"
	}
	if s.Docker.RunnerMount == "" {
		s.Docker.RunnerMount = "/usr/local/bin/batcheval"
	}
	if s.Local.Workers == 0 {
		s.Local.Workers = runtime.NumCPU()
	}
	if cfg.Resources.Nodes == 0 {
		cfg.Resources.Nodes = 1
	}
	if cfg.Resources.CPUs == 0 {
		cfg.Resources.CPUs = 1
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = time.Second
	}
	if cfg.Polling.LostThreshold == nil {
		cfg.Polling.LostThreshold = ptr(1)
	}
	if cfg.Polling.ValidateOutput == nil {
		cfg.Polling.ValidateOutput = ptr(true)
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	if cfg.Results.Cleanup == "" {
		cfg.Results.Cleanup = "keep"
	}
	if a := cfg.Archive; a != nil && a.Codec == "" {
		a.Codec = archive.CodecZstd
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func ptr[T any](v T) *T { return &v }

func validate(cfg *Config) error {
	if err := columns("inputs", cfg.Inputs); err != nil {
		return err
	}
	if err := columns("outputs", cfg.Outputs); err != nil {
		return err
	}
	seen := map[string]bool{"unit": true, "row": true}
	for _, c := range append(append([]string{}, cfg.Inputs...), cfg.Outputs...) {
		if seen[c] {
			return &evalerr.FieldError{Field: "outputs", Value: c, Reason: "column name is used twice or reserved"}
		}
		seen[c] = true
	}
	if cfg.UnitCapacity < 1 {
		return &evalerr.FieldError{Field: "unit_capacity", Value: fmt.Sprint(cfg.UnitCapacity), Reason: "must be at least 1"}
	}
	if err := cfg.Model.Validate(); err != nil {
		return err
	}
	switch cfg.Scheduler.Backend {
	case "local", "slurm", "docker":
	default:
		return &evalerr.FieldError{Field: "scheduler.backend", Value: cfg.Scheduler.Backend, Reason: "must be local, slurm, or docker"}
	}
	if cfg.Scheduler.MaxArraySize < 1 {
		return &evalerr.FieldError{Field: "scheduler.max_array_size", Value: fmt.Sprint(cfg.Scheduler.MaxArraySize), Reason: "must be at least 1"}
	}
	if cfg.Scheduler.SubmitRate < 0 {
		return &evalerr.FieldError{Field: "scheduler.submit_rate", Value: fmt.Sprint(cfg.Scheduler.SubmitRate), Reason: "must not be negative"}
	}
	if cfg.Scheduler.Local.Workers < 1 {
		return &evalerr.FieldError{Field: "scheduler.local.workers", Value: fmt.Sprint(cfg.Scheduler.Local.Workers), Reason: "must be at least 1"}
	}
	// The account vocabulary is checked later, once the checker is built.
	if err := cfg.Resources.Validate(nil); err != nil {
		return err
	}
	if cfg.Polling.Interval < 0 {
		return &evalerr.FieldError{Field: "polling.interval", Value: cfg.Polling.Interval.String(), Reason: "must be positive"}
	}
	if cfg.Polling.Deadline < 0 {
		return &evalerr.FieldError{Field: "polling.deadline", Value: cfg.Polling.Deadline.String(), Reason: "must not be negative"}
	}
	if cfg.Scheduler.Backend == "slurm" && strings.ContainsAny(cfg.Results.Dir, " \t\n") {
		return &evalerr.FieldError{Field: "results.dir", Value: cfg.Results.Dir, Reason: "must not contain whitespace with the slurm backend"}
	}
	switch cfg.Results.Cleanup {
	case "keep", "remove":
	case "archive":
		if cfg.Archive == nil {
			return &evalerr.FieldError{Field: "results.cleanup", Value: "archive", Reason: "requires an archive section"}
		}
	default:
		return &evalerr.FieldError{Field: "results.cleanup", Value: cfg.Results.Cleanup, Reason: "must be keep, remove, or archive"}
	}
	if cfg.Archive != nil {
		if err := cfg.Archive.Validate(); err != nil {
			return err
		}
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return &evalerr.FieldError{Field: "logging.level", Value: cfg.Logging.Level, Reason: err.Error()}
	}
	if f := cfg.Logging.Format; f != "text" && f != "json" {
		return &evalerr.FieldError{Field: "logging.format", Value: f, Reason: "must be text or json"}
	}
	return nil
}

func columns(field string, names []string) error {
	if len(names) == 0 {
		return &evalerr.FieldError{Field: field, Reason: "at least one column is required"}
	}
	for _, n := range names {
		if n == "" {
			return &evalerr.FieldError{Field: field, Reason: "column names must not be empty"}
		}
	}
	return nil
}
