package docker_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/batcheval/internal/docker"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		name string
		st   docker.Status
		want bool
	}{
		{"created", docker.Status{State: "created"}, false},
		{"running", docker.Status{State: "running", Running: true}, false},
		{"exited", docker.Status{State: "exited"}, true},
		{"dead", docker.Status{State: "dead", Dead: true}, true},
		{"gone", docker.Status{NotFound: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func waitTerminal(t *testing.T, e *docker.Engine, id string) *docker.Status {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		st, err := e.Inspect(context.Background(), id)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if st.Terminal() {
			return st
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("container did not stop")
	return nil
}

func TestEngineLifecycle(t *testing.T) {
	if os.Getenv("BATCHEVAL_DOCKER_TESTS") == "" {
		t.Skip("set BATCHEVAL_DOCKER_TESTS=1 to run Docker tests")
	}
	e, err := docker.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	workDir := t.TempDir()
	id, err := e.Start(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "echo hello > output.txt; echo done"},
		WorkDir: workDir,
		Unit:    3,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Remove(context.Background(), id)

	st := waitTerminal(t, e, id)
	if st.ExitCode != 0 {
		t.Errorf("exit code: got %d, want 0", st.ExitCode)
	}
	content, err := os.ReadFile(filepath.Join(workDir, "output.txt"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(content) != "hello\n" {
		t.Errorf("output: got %q, want %q", content, "hello\n")
	}
	var logs, errLogs bytes.Buffer
	if err := e.Logs(context.Background(), id, &logs, &errLogs); err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.Contains(logs.String(), "done") {
		t.Errorf("logs: %q", logs.String())
	}
	if err := e.Remove(context.Background(), id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	st, err = e.Inspect(context.Background(), id)
	if err != nil || !st.NotFound {
		t.Errorf("after remove: %+v, %v", st, err)
	}
}

func TestEngineCrash(t *testing.T) {
	if os.Getenv("BATCHEVAL_DOCKER_TESTS") == "" {
		t.Skip("set BATCHEVAL_DOCKER_TESTS=1 to run Docker tests")
	}
	e, err := docker.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	id, err := e.Start(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "exit 1"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Remove(context.Background(), id)
	if st := waitTerminal(t, e, id); st.ExitCode != 1 {
		t.Errorf("exit code: got %d, want 1", st.ExitCode)
	}
}
