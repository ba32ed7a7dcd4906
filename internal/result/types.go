package result

import "time"

// UnitState is the lifecycle state of a unit as recorded on disk.
type UnitState string

const (
	StateCreated   UnitState = "CREATED"
	StateSubmitted UnitState = "SUBMITTED"
	StateRunning   UnitState = "RUNNING"
	StateFinished  UnitState = "FINISHED"
	StateFailed    UnitState = "FAILED"
	StateTimedOut  UnitState = "TIMED_OUT"
)

// Terminal reports whether no further transition is expected.
func (s UnitState) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateTimedOut
}

// Manifest records what a run needs to be re-polled and gathered by a later
// process.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Inputs    []string  `json:"inputs"`
	Outputs   []string  `json:"outputs"`
	Capacity  int       `json:"capacity"`
	Backend   string    `json:"backend"`
	Points    int       `json:"points"`
	Units     []int     `json:"units"`
	// Attempt counts explicit retries of the run.
	Attempt int `json:"attempt,omitempty"`
}

// Diagnostic explains why a unit produced no usable output.
type Diagnostic struct {
	Unit       int       `json:"unit"`
	State      UnitState `json:"state"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	StderrTail string    `json:"stderr_tail,omitempty"`
	Time       time.Time `json:"time"`
}

// RunnerReport is written by a unit runner once it has processed its input.
type RunnerReport struct {
	Unit        int       `json:"unit"`
	Points      int       `json:"points"`
	PointErrors int       `json:"point_errors"`
	StartedAt   time.Time `json:"started_at"`
	DurationS   float64   `json:"duration_s"`
	Host        string    `json:"host,omitempty"`
}

// PointError is one line of logs/point_errors.jsonl.
type PointError struct {
	Row   int       `json:"row"`
	Input []float64 `json:"input"`
	Error string    `json:"error"`
}
