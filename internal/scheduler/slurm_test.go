package scheduler

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type fakeSlurm struct {
	calls   []string
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeSlurm) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return []byte(f.outputs[name]), f.errs[name]
}

func TestSlurmSubmit(t *testing.T) {
	f := &fakeSlurm{outputs: map[string]string{"sbatch": "4242;cluster\n"}}
	s := &Slurm{Sbatch: "sbatch", Run: f.run}
	b := &Batch{Script: "/r/submit/batch_0.sh", Targets: []Target{{Unit: 5}, {Unit: 6}}}
	hs, err := s.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := []Handle{
		{Backend: "slurm", JobID: "4242", ArrayIndex: 0, Unit: 5},
		{Backend: "slurm", JobID: "4242", ArrayIndex: 1, Unit: 6},
	}
	if !reflect.DeepEqual(hs, want) {
		t.Errorf("handles = %+v", hs)
	}
	if f.calls[0] != "sbatch --parsable /r/submit/batch_0.sh" {
		t.Errorf("call = %q", f.calls[0])
	}
}

func TestSlurmSubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		out  string
		err  error
	}{
		{"rejected", "", errors.New("sbatch: error: invalid partition")},
		{"garbage", "Submitted batch job", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeSlurm{outputs: map[string]string{"sbatch": tt.out}, errs: map[string]error{"sbatch": tt.err}}
			s := &Slurm{Sbatch: "sbatch", Run: f.run}
			if _, err := s.Submit(context.Background(), &Batch{Targets: []Target{{Unit: 0}}}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSlurmStatus(t *testing.T) {
	f := &fakeSlurm{outputs: map[string]string{
		"squeue": "10_0 RUNNING\n10_1 PENDING\n",
		"sacct":  "10_0|RUNNING\n10_2|COMPLETED\n10_3|CANCELLED by 1000\n10_4|NODE_FAIL\n10_5|OUT_OF_MEMORY\n",
	}}
	s := &Slurm{Squeue: "squeue", Sacct: "sacct", Run: f.run}
	var hs []Handle
	for i := 0; i < 7; i++ {
		hs = append(hs, Handle{Backend: "slurm", JobID: "10", ArrayIndex: i, Unit: i})
	}
	got, err := s.Status(context.Background(), hs)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []State{StateRunning, StatePending, StateCompleted, StateFailed, StateLost, StateFailed, StateCompleted}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if !strings.Contains(f.calls[0], "-j 10 ") {
		t.Errorf("squeue call %q should query job 10 once", f.calls[0])
	}
}

func TestSlurmStatusSkipsSacctWhenQueued(t *testing.T) {
	f := &fakeSlurm{outputs: map[string]string{"squeue": "7_0 RUNNING\n"}}
	s := &Slurm{Squeue: "squeue", Sacct: "sacct", Run: f.run}
	if _, err := s.Status(context.Background(), []Handle{{JobID: "7", ArrayIndex: 0}}); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 {
		t.Errorf("calls = %v", f.calls)
	}
}

func TestSlurmStatusJobsLeftQueue(t *testing.T) {
	f := &fakeSlurm{
		errs:    map[string]error{"squeue": errors.New("squeue: error: Invalid job id specified")},
		outputs: map[string]string{"sacct": "8_0|FAILED\n"},
	}
	s := &Slurm{Squeue: "squeue", Sacct: "sacct", Run: f.run}
	got, err := s.Status(context.Background(), []Handle{{JobID: "8", ArrayIndex: 0}})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got[0] != StateFailed {
		t.Errorf("state = %v", got[0])
	}
}

func TestSlurmStatusSchedulerDown(t *testing.T) {
	down := errors.New("connection refused")
	f := &fakeSlurm{errs: map[string]error{"squeue": down, "sacct": down}}
	s := &Slurm{Squeue: "squeue", Sacct: "sacct", Run: f.run}
	if _, err := s.Status(context.Background(), []Handle{{JobID: "8", ArrayIndex: 0}}); err == nil {
		t.Error("expected error when neither squeue nor sacct answers")
	}
}

func TestMapSlurmState(t *testing.T) {
	tests := map[string]State{
		"PENDING":          StatePending,
		"running":          StateRunning,
		"COMPLETING":       StateRunning,
		"COMPLETED":        StateCompleted,
		"FAILED":           StateFailed,
		"TIMEOUT":          StateFailed,
		"CANCELLED+":       StateFailed,
		"CANCELLED by 123": StateFailed,
		"PREEMPTED":        StateLost,
		"NODE_FAIL":        StateLost,
		"":                 StatePending,
	}
	for raw, want := range tests {
		if got := MapSlurmState(raw); got != want {
			t.Errorf("MapSlurmState(%q) = %v, want %v", raw, got, want)
		}
	}
}
