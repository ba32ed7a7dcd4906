package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/signalnine/batcheval/internal/accounting"
	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/logging"
	"github.com/signalnine/batcheval/internal/tabular"
)

// Submitter splits targets into scheduler requests and sends them.
type Submitter struct {
	Backend   Backend
	Resources Resources
	// Checker validates Resources.Account; nil accepts any PROJECT:CODE.
	Checker *accounting.Checker
	// MaxArraySize bounds the number of units in one request.
	MaxArraySize     int
	ArrayParallelism int
	// Concurrency bounds the requests in flight.
	Concurrency int
	// Limiter paces requests to the scheduler; nil means unlimited.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Submission is the outcome for one target. Exactly one of Handle and Err is set.
type Submission struct {
	Unit   int
	Handle *Handle
	Err    error
}

// Submit validates the resources, then sends every target. A request the
// scheduler rejects fails only its own units: their Submission carries a
// *evalerr.SubmissionError while sibling requests proceed. The returned error
// is non-nil only when nothing was submitted because of invalid input.
func (s *Submitter) Submit(ctx context.Context, runDir string, targets []Target) ([]Submission, error) {
	if err := s.Resources.Validate(s.Checker); err != nil {
		return nil, err
	}
	logger := logging.OrDiscard(s.Logger)
	batches := s.Plan(runDir, targets)
	if err := os.MkdirAll(filepath.Join(runDir, "submit"), 0o755); err != nil {
		return nil, fmt.Errorf("creating submit dir: %w", err)
	}

	out := make([]Submission, len(targets))
	offsets := make([]int, len(batches))
	for i := 1; i < len(batches); i++ {
		offsets[i] = offsets[i-1] + len(batches[i-1].Targets)
	}

	g := new(errgroup.Group)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for i, b := range batches {
		g.Go(func() error {
			handles, err := s.submitBatch(ctx, b)
			for j, t := range b.Targets {
				sub := Submission{Unit: t.Unit}
				if err != nil {
					sub.Err = err
				} else {
					h := handles[j]
					sub.Handle = &h
				}
				out[offsets[i]+j] = sub
			}
			if err != nil {
				logger.Error("batch submission failed", "batch", b.Index, "units", len(b.Targets), "err", err)
			} else {
				logger.Info("batch submitted", "batch", b.Index, "units", len(b.Targets), "job", handles[0].JobID)
			}
			return nil
		})
	}
	g.Wait()
	return out, nil
}

// Plan chunks targets into batches of at most MaxArraySize units.
func (s *Submitter) Plan(runDir string, targets []Target) []*Batch {
	size := s.MaxArraySize
	if size < 1 {
		size = len(targets)
	}
	var batches []*Batch
	for start := 0; start < len(targets); start += size {
		end := min(start+size, len(targets))
		batches = append(batches, &Batch{
			Index:            len(batches),
			RunDir:           runDir,
			Targets:          targets[start:end],
			Resources:        s.Resources,
			ArrayParallelism: s.ArrayParallelism,
		})
	}
	return batches
}

func (s *Submitter) submitBatch(ctx context.Context, b *Batch) ([]Handle, error) {
	fail := func(err error) error {
		return &evalerr.SubmissionError{Backend: s.Backend.Name(), Units: b.Units(), Err: err}
	}
	b.Script = filepath.Join(b.RunDir, "submit", fmt.Sprintf("batch_%d.sh", b.Index))
	jobName := fmt.Sprintf("batcheval-%s-b%d", filepath.Base(b.RunDir), b.Index)
	err := tabular.WriteAtomic(b.Script, func(w io.Writer) error {
		return RenderScript(w, s.Backend.Name(), jobName, b)
	})
	if err != nil {
		return nil, fail(fmt.Errorf("writing submission script: %w", err))
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, fail(err)
		}
	}
	handles, err := s.Backend.Submit(ctx, b)
	if err != nil {
		return nil, fail(err)
	}
	if len(handles) != len(b.Targets) {
		return nil, fail(fmt.Errorf("scheduler returned %d handles for %d units", len(handles), len(b.Targets)))
	}
	return handles, nil
}

// NewLimiter returns a limiter allowing perSecond requests with a burst of
// one, or nil when perSecond is not positive.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
