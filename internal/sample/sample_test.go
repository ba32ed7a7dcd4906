package sample_test

import (
	"errors"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/sample"
)

func TestSplitSizes(t *testing.T) {
	tests := []struct {
		name     string
		n, b     int
		wantLens []int
	}{
		{"ten by three", 10, 3, []int{3, 3, 3, 1}},
		{"exact multiple", 9, 3, []int{3, 3, 3}},
		{"capacity larger than sample", 2, 5, []int{2}},
		{"capacity one", 3, 1, []int{1, 1, 1}},
		{"empty sample", 0, 4, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := sample.Split(tt.n, tt.b)
			if err != nil {
				t.Fatalf("Split(%d, %d): %v", tt.n, tt.b, err)
			}
			got := make([]int, len(parts))
			for i, p := range parts {
				got[i] = p.Len()
			}
			if !reflect.DeepEqual(got, tt.wantLens) {
				t.Errorf("Split(%d, %d) lens = %v, want %v", tt.n, tt.b, got, tt.wantLens)
			}
		})
	}
}

func TestSplitInvalid(t *testing.T) {
	tests := []struct {
		name string
		n, b int
	}{
		{"zero capacity", 10, 0},
		{"negative capacity", 10, -2},
		{"negative size", -1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sample.Split(tt.n, tt.b)
			if !errors.Is(err, evalerr.ErrConfiguration) {
				t.Errorf("Split(%d, %d) error = %v, want configuration error", tt.n, tt.b, err)
			}
		})
	}
}

func TestSplitProperties(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 500; i++ {
		var rawN, rawB uint16
		f.Fuzz(&rawN)
		f.Fuzz(&rawB)
		n := int(rawN % 2000)
		b := int(rawB%300) + 1

		parts, err := sample.Split(n, b)
		if err != nil {
			t.Fatalf("Split(%d, %d): %v", n, b, err)
		}
		want := (n + b - 1) / b
		if len(parts) != want {
			t.Fatalf("Split(%d, %d): %d partitions, want %d", n, b, len(parts), want)
		}
		next := 0
		for j, p := range parts {
			if p.Index != j || p.Start != next {
				t.Fatalf("Split(%d, %d): partition %v out of order", n, b, p)
			}
			if j < len(parts)-1 && p.Len() != b {
				t.Fatalf("Split(%d, %d): partition %v has size %d", n, b, p, p.Len())
			}
			next = p.End
		}
		if next != n {
			t.Fatalf("Split(%d, %d): covered %d indices", n, b, next)
		}
		if len(parts) > 0 {
			last := parts[len(parts)-1].Len()
			if last != n-b*(len(parts)-1) {
				t.Fatalf("Split(%d, %d): last partition size %d", n, b, last)
			}
		}
		again, _ := sample.Split(n, b)
		if !reflect.DeepEqual(parts, again) {
			t.Fatalf("Split(%d, %d) not deterministic", n, b)
		}
	}
}

func TestCheckDim(t *testing.T) {
	if err := sample.CheckDim([][]float64{{1, 2}, {3, 4}}, 2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := sample.CheckDim([][]float64{{1, 2}, {3}}, 2)
	if !errors.Is(err, evalerr.ErrConfiguration) {
		t.Errorf("got %v, want configuration error", err)
	}
}

func TestRows(t *testing.T) {
	s := [][]float64{{0}, {1}, {2}, {3}}
	got := sample.Rows(s, sample.Partition{Start: 1, End: 3})
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("Rows: %v", got)
	}
}
