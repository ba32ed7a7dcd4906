package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/runner"
)

// ExecFunc runs one unit to completion.
type ExecFunc func(ctx context.Context, t Target) error

// Local runs units on this machine with a bounded worker pool. Jobs belong to
// the process that submitted them; a later process sees them as LOST.
type Local struct {
	Exec ExecFunc

	pool   *runner.Pool
	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Int64

	mu     sync.Mutex
	states map[string]State
}

// NewLocal returns a backend running at most workers units at once. A nil
// run func runs runner/run.sh with sh.
func NewLocal(workers int, run ExecFunc) *Local {
	if run == nil {
		run = RunScript
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		Exec:   run,
		pool:   runner.NewPool(workers),
		ctx:    ctx,
		cancel: cancel,
		states: map[string]State{},
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Submit(_ context.Context, b *Batch) ([]Handle, error) {
	handles := make([]Handle, len(b.Targets))
	for i, t := range b.Targets {
		id := "local-" + strconv.FormatInt(l.seq.Add(1), 10)
		handles[i] = Handle{Backend: l.Name(), JobID: id, ArrayIndex: -1, Unit: t.Unit}
		l.set(id, StatePending)
		l.pool.Go(func() error {
			l.set(id, StateRunning)
			err := l.Exec(l.ctx, t)
			if err != nil {
				l.set(id, StateFailed)
				return fmt.Errorf("unit %d: %w", t.Unit, err)
			}
			l.set(id, StateCompleted)
			return nil
		})
	}
	return handles, nil
}

func (l *Local) Status(_ context.Context, handles []Handle) ([]State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	states := make([]State, len(handles))
	for i, h := range handles {
		st, ok := l.states[h.JobID]
		if !ok {
			st = StateLost
		}
		states[i] = st
	}
	return states, nil
}

func (l *Local) set(id string, st State) {
	l.mu.Lock()
	l.states[id] = st
	l.mu.Unlock()
}

// Wait blocks until every submitted unit has run.
func (l *Local) Wait() []error { return l.pool.Wait() }

// Close stops running units and waits for the workers to exit.
func (l *Local) Close() error {
	l.cancel()
	l.pool.Wait()
	return nil
}

// RunScript executes the unit's runner/run.sh, capturing its output under logs/.
func RunScript(ctx context.Context, t Target) error {
	if err := os.MkdirAll(result.LogsDir(t.Dir), 0o755); err != nil {
		return err
	}
	stdout, err := os.Create(result.StdoutPath(t.Dir))
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.Create(result.StderrPath(t.Dir))
	if err != nil {
		return err
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, "sh", filepath.Join(result.RunnerDir(t.Dir), "run.sh"))
	cmd.Dir = t.Dir
	cmd.Env = append(os.Environ(), UnitIDEnv+"="+strconv.Itoa(t.Unit))
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
