// Package cache persists model evaluations in one CSV file keyed by the exact
// bits of the input vector, so that points already computed are never
// dispatched again.
//
// Merges take an exclusive flock on "<path>.lock"; the package is Unix-only.
package cache

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/tabular"
)

// Entry is one cached evaluation.
type Entry struct {
	Input  []float64
	Output []float64
}

// Cache is the in-memory view of a cache file.
type Cache struct {
	path    string
	inputs  []string
	outputs []string

	mu   sync.RWMutex
	ix   *index
	outs [][]float64
}

// Open loads the cache at path. A missing or empty file is an empty cache. A
// header that does not name the given inputs then outputs, or an unparsable
// row, is a cache integrity error.
func Open(path string, inputs, outputs []string) (*Cache, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, evalerr.Configf("cache needs input and output columns")
	}
	c := &Cache{
		path:    path,
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
	}
	ix, outs, err := c.load()
	if err != nil {
		return nil, err
	}
	c.ix, c.outs = ix, outs
	return c, nil
}

func (c *Cache) Path() string { return c.path }

func (c *Cache) header() []string {
	return append(slices.Clone(c.inputs), c.outputs...)
}

// load reads the file from disk without touching c's state.
func (c *Cache) load() (*index, [][]float64, error) {
	ix := newIndex()
	var outs [][]float64
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return ix, outs, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache: %w", err)
	}
	defer f.Close()

	header, rows, err := tabular.Read(f)
	if errors.Is(err, tabular.ErrEmpty) {
		return ix, outs, nil
	}
	if err != nil {
		return nil, nil, evalerr.Integrityf("%s: %v", c.path, err)
	}
	want := c.header()
	if !slices.Equal(header, want) {
		return nil, nil, evalerr.Integrityf("%s: header %v, want %v", c.path, header, want)
	}
	nin := len(c.inputs)
	for _, row := range rows {
		id, added := ix.add(row[:nin])
		out := slices.Clone(row[nin:])
		if added {
			outs = append(outs, out)
		} else {
			outs[id] = out
		}
	}
	return ix, outs, nil
}

// Len returns the number of distinct inputs cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ix.len()
}

// Lookup returns the cached output for x.
func (c *Cache) Lookup(x []float64) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := c.ix.find(x)
	if id < 0 {
		return nil, false
	}
	return slices.Clone(c.outs[id]), true
}

// Entries returns every cached evaluation in file order.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, c.ix.len())
	for i := range out {
		out[i] = Entry{Input: slices.Clone(c.ix.keys[i]), Output: slices.Clone(c.outs[i])}
	}
	return out
}

// Split separates a sample into cache hits and distinct misses.
type Split struct {
	// Hits holds the cached output for row i, nil for a miss.
	Hits [][]float64
	// Misses are the distinct uncached inputs in first-seen order.
	Misses [][]float64
	// MissIndex maps row i to its entry in Misses, -1 for a hit.
	MissIndex []int
}

// HitCount returns the number of rows answered by the cache.
func (s *Split) HitCount() int {
	n := 0
	for _, h := range s.Hits {
		if h != nil {
			n++
		}
	}
	return n
}

// Split resolves every row of sample against the cache. Identical uncached
// rows are coalesced into one miss.
func (c *Cache) Split(sample [][]float64) *Split {
	return SplitSample(c, sample)
}

// SplitSample is Split for a possibly nil cache, which answers nothing.
func SplitSample(c *Cache, sample [][]float64) *Split {
	s := &Split{Hits: make([][]float64, len(sample)), MissIndex: make([]int, len(sample))}
	misses := newIndex()
	for i, x := range sample {
		if c != nil {
			if y, ok := c.Lookup(x); ok {
				s.Hits[i] = y
				s.MissIndex[i] = -1
				continue
			}
		}
		id, added := misses.add(x)
		if added {
			s.Misses = append(s.Misses, misses.keys[id])
		}
		s.MissIndex[i] = id
	}
	return s
}

// Assemble combines the hits of s with the outputs computed for its misses,
// in the original row order.
func Assemble(s *Split, missOutputs [][]float64) ([][]float64, error) {
	if len(missOutputs) != len(s.Misses) {
		return nil, fmt.Errorf("%d outputs for %d misses", len(missOutputs), len(s.Misses))
	}
	out := make([][]float64, len(s.Hits))
	for i := range out {
		if s.MissIndex[i] < 0 {
			out[i] = slices.Clone(s.Hits[i])
			continue
		}
		out[i] = slices.Clone(missOutputs[s.MissIndex[i]])
	}
	return out, nil
}

// Merge adds entries to the cache file. Under an exclusive lock it re-reads
// the file, so entries merged by other processes are kept, applies entries
// with the last write winning, and replaces the file atomically. Entries with
// a NaN output are skipped.
func (c *Cache) Merge(entries []Entry) (int, error) {
	nin, nout := len(c.inputs), len(c.outputs)
	var keep []Entry
	for _, e := range entries {
		if len(e.Input) != nin || len(e.Output) != nout {
			return 0, evalerr.Configf("cache entry has %d inputs and %d outputs, want %d and %d",
				len(e.Input), len(e.Output), nin, nout)
		}
		if slices.ContainsFunc(e.Output, math.IsNaN) {
			continue
		}
		keep = append(keep, e)
	}
	if len(keep) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	unlock, err := lockFile(c.path + ".lock")
	if err != nil {
		return 0, err
	}
	defer unlock()

	ix, outs, err := c.load()
	if err != nil {
		return 0, err
	}
	for _, e := range keep {
		id, added := ix.add(e.Input)
		if added {
			outs = append(outs, slices.Clone(e.Output))
		} else {
			outs[id] = slices.Clone(e.Output)
		}
	}
	header := c.header()
	err = tabular.WriteAtomic(c.path, func(w io.Writer) error {
		rows := make([][]float64, ix.len())
		for i := range rows {
			rows[i] = append(slices.Clone(ix.keys[i]), outs[i]...)
		}
		return tabular.Write(w, header, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("writing cache: %w", err)
	}
	c.ix, c.outs = ix, outs
	return len(keep), nil
}

// Import merges the rows of a table whose header names the cache inputs and
// outputs, in any column order and possibly among other columns.
func (c *Cache) Import(path string) (int, error) {
	header, rows, err := tabular.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	pick := func(names []string) ([]int, error) {
		idx := make([]int, len(names))
		for i, n := range names {
			j, ok := col[n]
			if !ok {
				return nil, evalerr.Configf("%s has no column %q", path, n)
			}
			idx[i] = j
		}
		return idx, nil
	}
	in, err := pick(c.inputs)
	if err != nil {
		return 0, err
	}
	out, err := pick(c.outputs)
	if err != nil {
		return 0, err
	}
	entries := make([]Entry, len(rows))
	for r, row := range rows {
		e := Entry{Input: make([]float64, len(in)), Output: make([]float64, len(out))}
		for i, j := range in {
			e.Input[i] = row[j]
		}
		for i, j := range out {
			e.Output[i] = row[j]
		}
		entries[r] = e
	}
	return c.Merge(entries)
}

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening cache lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
