// Package docker starts and observes unit containers through the Docker
// Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// Label keys set on every container the engine starts.
const (
	LabelManaged = "batcheval"
	LabelUnit    = "batcheval.unit"
)

type RunOpts struct {
	Image       string
	Command     []string
	WorkDir     string
	Env         []string
	Mounts      []Mount
	Unit        int
	CPULimit    float64
	MemoryLimit int64
	UserID      string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Status is the part of a container's state the scheduler cares about.
type Status struct {
	State     string
	Running   bool
	ExitCode  int
	OOMKilled bool
	Dead      bool
	NotFound  bool
}

// Terminal reports whether the container has stopped for good.
func (s *Status) Terminal() bool {
	return s.NotFound || s.Dead || s.State == "exited"
}

// Engine wraps one Docker API client.
type Engine struct {
	cli *client.Client
}

// NewEngine connects using the DOCKER_HOST family of environment variables.
func NewEngine() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

func (e *Engine) Close() error { return e.cli.Close() }

// Start creates and starts a detached container and returns its id. The
// working directory is bind-mounted at the same path inside the container.
func (e *Engine) Start(ctx context.Context, opts *RunOpts) (string, error) {
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: opts.WorkDir,
		Target: opts.WorkDir,
	}}
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}

	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        opts.Env,
		WorkingDir: opts.WorkDir,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelUnit:    strconv.Itoa(opts.Unit),
		},
	}
	if opts.UserID != "" {
		containerCfg.User = opts.UserID
	}

	createResp, err := e.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if _, err := e.cli.ContainerStart(ctx, createResp.ID, client.ContainerStartOptions{}); err != nil {
		e.Remove(context.Background(), createResp.ID)
		return "", fmt.Errorf("starting container: %w", err)
	}
	return createResp.ID, nil
}

// Inspect reports the container state. A container that no longer exists is
// reported with NotFound set rather than as an error.
func (e *Engine) Inspect(ctx context.Context, id string) (*Status, error) {
	res, err := e.cli.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if errdefs.IsNotFound(err) {
		return &Status{NotFound: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	st := res.Container.State
	if st == nil {
		return &Status{}, nil
	}
	return &Status{
		State:     string(st.Status),
		Running:   st.Running,
		ExitCode:  st.ExitCode,
		OOMKilled: st.OOMKilled,
		Dead:      st.Dead,
	}, nil
}

// Logs splits the container's output into stdout and stderr. Containers run
// without a TTY, so the API returns a multiplexed stream.
func (e *Engine) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	logReader, err := e.cli.ContainerLogs(ctx, id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("reading container logs: %w", err)
	}
	defer logReader.Close()
	return demux(logReader, stdout, stderr)
}

func demux(r io.Reader, stdout, stderr io.Writer) error {
	if _, err := stdcopy.StdCopy(stdout, stderr, r); err != nil {
		return fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return nil
}

// Remove force-removes the container; a missing container is not an error.
func (e *Engine) Remove(ctx context.Context, id string) error {
	_, err := e.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}
