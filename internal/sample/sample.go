// Package sample splits an ordered sample into contiguous partitions of
// bounded size.
package sample

import (
	"fmt"

	"github.com/signalnine/batcheval/internal/evalerr"
)

// Partition is the half-open index range [Start, End) of a sample assigned to
// one unit of work. Index is the partition's position in the split.
type Partition struct {
	Index int `json:"index"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of points in the partition.
func (p Partition) Len() int { return p.End - p.Start }

func (p Partition) String() string {
	return fmt.Sprintf("#%d[%d:%d]", p.Index, p.Start, p.End)
}

// Split partitions n points into ceil(n/capacity) contiguous ranges. Every
// range holds capacity points except possibly the last. The result depends
// only on (n, capacity).
func Split(n, capacity int) ([]Partition, error) {
	if capacity < 1 {
		return nil, evalerr.Configf("unit capacity must be at least 1, got %d", capacity)
	}
	if n < 0 {
		return nil, evalerr.Configf("sample size must not be negative, got %d", n)
	}
	count := (n + capacity - 1) / capacity
	parts := make([]Partition, count)
	for i := range parts {
		end := (i + 1) * capacity
		if end > n {
			end = n
		}
		parts[i] = Partition{Index: i, Start: i * capacity, End: end}
	}
	return parts, nil
}

// Rows returns the rows of s covered by p.
func Rows(s [][]float64, p Partition) [][]float64 {
	return s[p.Start:p.End]
}

// CheckDim verifies that every row of s has dim columns.
func CheckDim(s [][]float64, dim int) error {
	for i, row := range s {
		if len(row) != dim {
			return evalerr.Configf("row %d has dimension %d, want %d", i, len(row), dim)
		}
	}
	return nil
}
