package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/signalnine/batcheval/internal/docker"
	"github.com/signalnine/batcheval/internal/result"
)

// RunnerEnv overrides the runner binary path written into run.sh.
const RunnerEnv = "BATCHEVAL_RUNNER"

// ContainerEngine is the part of docker.Engine the backend uses.
type ContainerEngine interface {
	Start(ctx context.Context, opts *docker.RunOpts) (string, error)
	Inspect(ctx context.Context, id string) (*docker.Status, error)
	Logs(ctx context.Context, id string, stdout, stderr io.Writer) error
	Remove(ctx context.Context, id string) error
}

// Docker runs one container per unit. The unit directory is bind-mounted at
// its host path and the runner binary is mounted read-only at RunnerMount.
type Docker struct {
	Engine       ContainerEngine
	Image        string
	RunnerBinary string
	RunnerMount  string
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Submit(ctx context.Context, b *Batch) ([]Handle, error) {
	var mounts []docker.Mount
	env := []string{}
	if d.RunnerBinary != "" && d.RunnerMount != "" {
		mounts = append(mounts, docker.Mount{Source: d.RunnerBinary, Target: d.RunnerMount, ReadOnly: true})
		env = append(env, RunnerEnv+"="+d.RunnerMount)
	}
	user := fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())

	handles := make([]Handle, 0, len(b.Targets))
	for _, t := range b.Targets {
		id, err := d.Engine.Start(ctx, &docker.RunOpts{
			Image:       d.Image,
			Command:     []string{"sh", filepath.Join(result.RunnerDir(t.Dir), "run.sh")},
			WorkDir:     t.Dir,
			Env:         append(slices.Clone(env), UnitIDEnv+"="+strconv.Itoa(t.Unit)),
			Mounts:      mounts,
			Unit:        t.Unit,
			CPULimit:    float64(b.Resources.CPUs),
			MemoryLimit: int64(b.Resources.MemoryMB) << 20,
			UserID:      user,
		})
		if err != nil {
			// All or nothing: drop the containers this batch already started.
			for _, h := range handles {
				d.Engine.Remove(context.Background(), h.JobID)
			}
			return nil, fmt.Errorf("unit %d: %w", t.Unit, err)
		}
		handles = append(handles, Handle{Backend: d.Name(), JobID: id, ArrayIndex: -1, Unit: t.Unit})
	}
	return handles, nil
}

func (d *Docker) Status(ctx context.Context, handles []Handle) ([]State, error) {
	states := make([]State, len(handles))
	for i, h := range handles {
		st, err := d.Engine.Inspect(ctx, h.JobID)
		if err != nil {
			return nil, err
		}
		states[i] = containerState(st)
	}
	return states, nil
}

func containerState(st *docker.Status) State {
	switch {
	case st.NotFound, st.Dead:
		return StateLost
	case st.State == "exited" && st.ExitCode == 0 && !st.OOMKilled:
		return StateCompleted
	case st.State == "exited":
		return StateFailed
	case st.State == "created":
		return StatePending
	default:
		return StateRunning
	}
}

// CollectLogs saves the container's stdout and stderr to the unit's
// logs/stdout.log and logs/stderr.log, as the local backend does, and removes
// the container.
func (d *Docker) CollectLogs(ctx context.Context, h Handle, unitDir string) error {
	if err := os.MkdirAll(result.LogsDir(unitDir), 0o755); err != nil {
		return err
	}
	stdout, err := os.Create(result.StdoutPath(unitDir))
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.Create(result.StderrPath(unitDir))
	if err != nil {
		return err
	}
	defer stderr.Close()

	logErr := d.Engine.Logs(ctx, h.JobID, stdout, stderr)
	if err := d.Engine.Remove(ctx, h.JobID); err != nil {
		return err
	}
	return logErr
}
