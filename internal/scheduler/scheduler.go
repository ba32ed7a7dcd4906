// Package scheduler hands work units to a batch scheduler and reports what the
// scheduler knows about them. Submission never waits for completion.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalnine/batcheval/internal/accounting"
	"github.com/signalnine/batcheval/internal/evalerr"
)

// State is the scheduler's view of a submitted unit.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	// StateLost marks a job the scheduler terminated for reasons outside the
	// unit: node failure, preemption, a container that vanished.
	StateLost State = "LOST"
)

// Terminal reports whether the scheduler will not run the job any further.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateLost
}

// Handle identifies a submitted unit to its backend. It is persisted in the
// unit's meta.json so that another process can re-poll.
type Handle struct {
	Backend    string `json:"backend"`
	JobID      string `json:"job_id"`
	ArrayIndex int    `json:"array_index"`
	Unit       int    `json:"unit"`
}

func (h Handle) String() string {
	if h.ArrayIndex >= 0 {
		return fmt.Sprintf("%s:%s_%d", h.Backend, h.JobID, h.ArrayIndex)
	}
	return h.Backend + ":" + h.JobID
}

// Target is a unit ready for submission.
type Target struct {
	Unit int
	Dir  string
}

// Batch is the set of targets sent to the scheduler in one request.
type Batch struct {
	Index            int
	RunDir           string
	Targets          []Target
	Resources        Resources
	ArrayParallelism int
	// Script is the rendered submission artifact.
	Script string
}

// Units returns the unit ids of the batch in order.
func (b *Batch) Units() []int {
	ids := make([]int, len(b.Targets))
	for i, t := range b.Targets {
		ids[i] = t.Unit
	}
	return ids
}

// Backend is a batch scheduler.
type Backend interface {
	Name() string
	// Submit accepts every target of the batch or none of them, returning one
	// handle per target in order.
	Submit(ctx context.Context, b *Batch) ([]Handle, error)
	// Status reports one state per handle in order.
	Status(ctx context.Context, handles []Handle) ([]State, error)
}

// LogCollector is implemented by backends that keep unit output outside the
// unit directory. CollectLogs is called once a unit is terminal.
type LogCollector interface {
	CollectLogs(ctx context.Context, h Handle, unitDir string) error
}

// Resources describes what each unit asks of the scheduler.
type Resources struct {
	Nodes        int           `yaml:"nodes"`
	CPUs         int           `yaml:"cpus"`
	MemoryMB     int           `yaml:"memory_mb"`
	TimeLimit    time.Duration `yaml:"time_limit"`
	Account      string        `yaml:"account"`
	Partition    string        `yaml:"partition"`
	ExtraOptions []string      `yaml:"extra_options"`
}

// reserved options are set from Resources and the batch layout.
var reserved = []string{"--array", "-a", "--wckey"}

// Validate checks the resources before anything is submitted. When checker is
// nil an account only needs the PROJECT:CODE shape.
func (r *Resources) Validate(checker *accounting.Checker) error {
	if r.Nodes < 1 {
		return &evalerr.FieldError{Field: "resources.nodes", Value: fmt.Sprint(r.Nodes), Reason: "must be at least 1"}
	}
	if r.CPUs < 1 {
		return &evalerr.FieldError{Field: "resources.cpus", Value: fmt.Sprint(r.CPUs), Reason: "must be at least 1"}
	}
	if r.MemoryMB < 0 {
		return &evalerr.FieldError{Field: "resources.memory_mb", Value: fmt.Sprint(r.MemoryMB), Reason: "must not be negative"}
	}
	if r.TimeLimit < 0 {
		return &evalerr.FieldError{Field: "resources.time_limit", Value: r.TimeLimit.String(), Reason: "must not be negative"}
	}
	for _, opt := range r.ExtraOptions {
		if name := optionName(opt); isReserved(name) {
			return &evalerr.FieldError{Field: "resources.extra_options", Value: opt,
				Reason: fmt.Sprintf("%s is managed by batcheval", name)}
		}
	}
	if r.Account != "" {
		if checker != nil {
			project, code, err := checker.Check(r.Account)
			if err != nil {
				return err
			}
			r.Account = project + ":" + code
		} else if _, _, ok := strings.Cut(r.Account, ":"); !ok {
			return &evalerr.FieldError{Field: "account", Value: r.Account, Reason: "must have format PROJECT:CODE"}
		}
	}
	return nil
}

func optionName(opt string) string {
	fields := strings.Fields(opt)
	if len(fields) == 0 {
		return ""
	}
	name, _, _ := strings.Cut(fields[0], "=")
	return name
}

func isReserved(name string) bool {
	for _, r := range reserved {
		if name == r {
			return true
		}
	}
	// Short options take their value attached: -a0-9.
	return strings.HasPrefix(name, "-a") && !strings.HasPrefix(name, "--")
}

// FormatTimeLimit renders d in the D-HH:MM:SS form accepted by --time.
func FormatTimeLimit(d time.Duration) string {
	s := int64(d.Round(time.Second) / time.Second)
	days, s := s/86400, s%86400
	h, s := s/3600, s%3600
	m, s := s/60, s%60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
