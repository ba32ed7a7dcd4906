package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/signalnine/batcheval/internal/docker"
)

type fakeEngine struct {
	started  []*docker.RunOpts
	removed  []string
	status   map[string]*docker.Status
	failFrom int
}

func (f *fakeEngine) Start(_ context.Context, opts *docker.RunOpts) (string, error) {
	if f.failFrom > 0 && len(f.started) >= f.failFrom {
		return "", errors.New("image not found")
	}
	f.started = append(f.started, opts)
	return fmt.Sprintf("c%d", opts.Unit), nil
}

func (f *fakeEngine) Inspect(_ context.Context, id string) (*docker.Status, error) {
	if st, ok := f.status[id]; ok {
		return st, nil
	}
	return &docker.Status{NotFound: true}, nil
}

func (f *fakeEngine) Logs(_ context.Context, id string, stdout, stderr io.Writer) error {
	if _, err := io.WriteString(stdout, "log of "+id); err != nil {
		return err
	}
	_, err := io.WriteString(stderr, "errors of "+id)
	return err
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestDockerSubmit(t *testing.T) {
	eng := &fakeEngine{}
	d := &Docker{Engine: eng, Image: "alpine", RunnerBinary: "/usr/bin/batcheval", RunnerMount: "/opt/batcheval"}
	b := &Batch{Resources: Resources{CPUs: 2, MemoryMB: 64},
		Targets: []Target{{Unit: 1, Dir: "/r/unit_1"}, {Unit: 2, Dir: "/r/unit_2"}}}
	hs, err := d.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(hs) != 2 || hs[1].JobID != "c2" || hs[1].ArrayIndex != -1 {
		t.Errorf("handles = %+v", hs)
	}
	opts := eng.started[0]
	if opts.WorkDir != "/r/unit_1" || opts.Command[1] != "/r/unit_1/runner/run.sh" {
		t.Errorf("opts = %+v", opts)
	}
	if opts.CPULimit != 2 || opts.MemoryLimit != 64<<20 {
		t.Errorf("limits = %v %v", opts.CPULimit, opts.MemoryLimit)
	}
	if !reflect.DeepEqual(opts.Env, []string{"BATCHEVAL_RUNNER=/opt/batcheval", "BATCHEVAL_UNIT_ID=1"}) {
		t.Errorf("env = %v", opts.Env)
	}
	if len(opts.Mounts) != 1 || !opts.Mounts[0].ReadOnly || opts.Mounts[0].Target != "/opt/batcheval" {
		t.Errorf("mounts = %+v", opts.Mounts)
	}
	if eng.started[1].Env[1] != "BATCHEVAL_UNIT_ID=2" {
		t.Errorf("second unit env = %v", eng.started[1].Env)
	}
}

func TestDockerSubmitAllOrNothing(t *testing.T) {
	eng := &fakeEngine{failFrom: 1}
	d := &Docker{Engine: eng, Image: "alpine"}
	b := &Batch{Targets: []Target{{Unit: 1, Dir: "/r/unit_1"}, {Unit: 2, Dir: "/r/unit_2"}}}
	if _, err := d.Submit(context.Background(), b); err == nil {
		t.Fatal("expected error")
	}
	if !reflect.DeepEqual(eng.removed, []string{"c1"}) {
		t.Errorf("removed = %v, want the container already started", eng.removed)
	}
}

func TestDockerStatus(t *testing.T) {
	eng := &fakeEngine{status: map[string]*docker.Status{
		"created": {State: "created"},
		"running": {State: "running", Running: true},
		"ok":      {State: "exited"},
		"crashed": {State: "exited", ExitCode: 1},
		"oom":     {State: "exited", ExitCode: 137, OOMKilled: true},
		"dead":    {State: "dead", Dead: true},
	}}
	d := &Docker{Engine: eng}
	ids := []string{"created", "running", "ok", "crashed", "oom", "dead", "gone"}
	hs := make([]Handle, len(ids))
	for i, id := range ids {
		hs[i] = Handle{JobID: id}
	}
	got, err := d.Status(context.Background(), hs)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []State{StatePending, StateRunning, StateCompleted, StateFailed, StateFailed, StateLost, StateLost}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestDockerCollectLogs(t *testing.T) {
	eng := &fakeEngine{}
	d := &Docker{Engine: eng}
	dir := t.TempDir()
	if err := d.CollectLogs(context.Background(), Handle{JobID: "c9"}, dir); err != nil {
		t.Fatalf("CollectLogs: %v", err)
	}
	for file, want := range map[string]string{"stdout.log": "log of c9", "stderr.log": "errors of c9"} {
		data, err := os.ReadFile(filepath.Join(dir, "logs", file))
		if err != nil || string(data) != want {
			t.Errorf("%s = %q, %v", file, data, err)
		}
	}
	if !reflect.DeepEqual(eng.removed, []string{"c9"}) {
		t.Errorf("removed = %v", eng.removed)
	}
}
