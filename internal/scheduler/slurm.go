package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// CommandRunner runs an external program and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s: %s: %w", name, strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}

// Slurm submits batches as array jobs with sbatch and reads their state from
// squeue, falling back to sacct once a job has left the queue.
type Slurm struct {
	Sbatch string
	Squeue string
	Sacct  string
	Run    CommandRunner
	Logger *slog.Logger
}

func NewSlurm(sbatch, squeue, sacct string, logger *slog.Logger) *Slurm {
	return &Slurm{Sbatch: sbatch, Squeue: squeue, Sacct: sacct, Run: execCommand, Logger: logger}
}

func (s *Slurm) Name() string { return "slurm" }

func (s *Slurm) Submit(ctx context.Context, b *Batch) ([]Handle, error) {
	out, err := s.Run(ctx, s.Sbatch, "--parsable", b.Script)
	if err != nil {
		return nil, err
	}
	// --parsable prints "jobid" or "jobid;cluster".
	jobID, _, _ := strings.Cut(strings.TrimSpace(string(out)), ";")
	if _, err := strconv.Atoi(jobID); err != nil {
		return nil, fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(string(out)))
	}
	handles := make([]Handle, len(b.Targets))
	for i, t := range b.Targets {
		handles[i] = Handle{Backend: s.Name(), JobID: jobID, ArrayIndex: i, Unit: t.Unit}
	}
	return handles, nil
}

// Status asks squeue for every job at once. Array tasks missing from the queue
// are looked up in sacct; tasks unknown to both have left the scheduler and
// are reported COMPLETED, leaving the output check to decide.
func (s *Slurm) Status(ctx context.Context, handles []Handle) ([]State, error) {
	jobs := map[string]bool{}
	var ids []string
	for _, h := range handles {
		if !jobs[h.JobID] {
			jobs[h.JobID] = true
			ids = append(ids, h.JobID)
		}
	}
	joined := strings.Join(ids, ",")

	known := map[string]State{}
	queueOut, queueErr := s.Run(ctx, s.Squeue, "-h", "-r", "-j", joined, "-o", "%i %T")
	if queueErr != nil && strings.Contains(queueErr.Error(), "Invalid job id") {
		// squeue fails outright once every requested job has left the queue.
		queueOut, queueErr = nil, nil
	}
	if queueErr == nil {
		parseLines(queueOut, " ", known)
	}

	var missing bool
	for _, h := range handles {
		if _, ok := known[taskID(h)]; !ok {
			missing = true
			break
		}
	}
	if missing && s.Sacct != "" {
		acctOut, acctErr := s.Run(ctx, s.Sacct, "-n", "-X", "-P", "-j", joined, "-o", "JobID,State")
		if acctErr == nil {
			parseLines(acctOut, "|", known)
		} else if queueErr != nil {
			return nil, fmt.Errorf("querying slurm: %v; %w", queueErr, acctErr)
		} else if s.Logger != nil {
			s.Logger.Warn("sacct unavailable", "err", acctErr)
		}
	} else if missing && queueErr != nil {
		return nil, fmt.Errorf("querying slurm: %w", queueErr)
	}

	states := make([]State, len(handles))
	for i, h := range handles {
		if st, ok := known[taskID(h)]; ok {
			states[i] = st
		} else {
			states[i] = StateCompleted
		}
	}
	return states, nil
}

func taskID(h Handle) string {
	if h.ArrayIndex < 0 {
		return h.JobID
	}
	return h.JobID + "_" + strconv.Itoa(h.ArrayIndex)
}

// parseLines reads "<id><sep><STATE ...>" lines. Entries already present are
// kept so that squeue wins over sacct.
func parseLines(out []byte, sep string, into map[string]State) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		id, raw, ok := strings.Cut(strings.TrimSpace(sc.Text()), sep)
		if !ok {
			continue
		}
		if _, seen := into[id]; seen {
			continue
		}
		into[id] = MapSlurmState(raw)
	}
}

// MapSlurmState translates a Slurm job state name.
func MapSlurmState(raw string) State {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return StatePending
	}
	// sacct appends "+" to states it abbreviates and "by <uid>" to CANCELLED.
	switch strings.TrimSuffix(strings.ToUpper(fields[0]), "+") {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESV_DEL_HOLD", "SUSPENDED":
		return StatePending
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESIZING":
		return StateRunning
	case "COMPLETED":
		return StateCompleted
	case "NODE_FAIL", "PREEMPTED", "REVOKED", "BOOT_FAIL":
		return StateLost
	default:
		// FAILED, CANCELLED, TIMEOUT, OUT_OF_MEMORY, DEADLINE and anything new.
		return StateFailed
	}
}
