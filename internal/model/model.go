// Package model defines the black-box model capability evaluated by the
// pipeline and the serializable description a unit runner uses to rebuild
// the model away from the orchestrator.
package model

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/batcheval/internal/evalerr"
)

// Evaluator maps one input vector to one output vector.
type Evaluator interface {
	Evaluate(ctx context.Context, x []float64) ([]float64, error)
}

// EvaluatorFunc adapts an ordinary function to Evaluator.
type EvaluatorFunc func(ctx context.Context, x []float64) ([]float64, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, x []float64) ([]float64, error) {
	return f(ctx, x)
}

// Model kinds accepted in a Spec.
const (
	KindBuiltin = "builtin"
	KindCommand = "command"
)

// Spec describes a model by value so that a runner can rebuild it without the
// orchestrator process. It is stored as YAML in each unit's runner directory.
type Spec struct {
	Kind string `yaml:"kind"`
	// Name selects a registered model when Kind is builtin.
	Name string `yaml:"name,omitempty"`

	// Command, relative to the point directory or absolute, runs the model
	// when Kind is command.
	Command       []string      `yaml:"command,omitempty"`
	InputTemplate string        `yaml:"input_template,omitempty"`
	InputFile     string        `yaml:"input_file,omitempty"`
	Tokens        []string      `yaml:"tokens,omitempty"`
	OutputFile    string        `yaml:"output_file,omitempty"`
	OutputDim     int           `yaml:"output_dim,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	Env           []string      `yaml:"env,omitempty"`
}

// Validate checks that the spec is complete for its kind.
func (s *Spec) Validate() error {
	switch s.Kind {
	case KindBuiltin:
		if s.Name == "" {
			return &evalerr.FieldError{Field: "model.name", Reason: "required for builtin models"}
		}
		if _, ok := lookup(s.Name); !ok {
			return &evalerr.FieldError{Field: "model.name", Value: s.Name,
				Reason: fmt.Sprintf("unknown builtin model (known: %v)", Names())}
		}
	case KindCommand:
		if len(s.Command) == 0 {
			return &evalerr.FieldError{Field: "model.command", Reason: "required for command models"}
		}
		if s.OutputFile == "" {
			return &evalerr.FieldError{Field: "model.output_file", Reason: "required for command models"}
		}
		if s.InputTemplate != "" && s.InputFile == "" {
			return &evalerr.FieldError{Field: "model.input_file", Reason: "required when input_template is set"}
		}
	default:
		return &evalerr.FieldError{Field: "model.kind", Value: s.Kind, Reason: "must be builtin or command"}
	}
	return nil
}

// Build returns the Evaluator described by the spec. dir is the directory
// relative paths in the spec are resolved against.
func (s *Spec) Build(dir string) (Evaluator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Kind == KindBuiltin {
		factory, _ := lookup(s.Name)
		return factory(), nil
	}
	return NewCommand(s, dir)
}

// WriteSpec stores the spec as YAML.
func WriteSpec(path string, s *Spec) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling model spec: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSpec loads a spec written by WriteSpec.
func ReadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model spec: %w", err)
	}
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing model spec %s: %w", path, err)
	}
	return &s, nil
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Evaluator{}
)

// Register makes a model available to builtin specs under name. Runners can
// only rebuild models registered in the binary they run.
func Register(name string, factory func() Evaluator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("model: duplicate registration of " + name)
	}
	registry[name] = factory
}

// Names returns the registered model names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (func() Evaluator, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// EvaluateSample evaluates every row of s directly, in order. It is the
// non-distributed reference used for comparison and by unit runners.
func EvaluateSample(ctx context.Context, ev Evaluator, s [][]float64) ([][]float64, []error) {
	out := make([][]float64, len(s))
	errs := make([]error, len(s))
	for i, x := range s {
		out[i], errs[i] = ev.Evaluate(ctx, x)
	}
	return out, errs
}
