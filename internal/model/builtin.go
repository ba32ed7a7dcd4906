package model

import (
	"context"
	"fmt"
	"math"
)

func init() {
	Register("sum", func() Evaluator { return EvaluatorFunc(sum) })
	Register("ishigami", func() Evaluator { return EvaluatorFunc(ishigami) })
	Register("beam", func() Evaluator { return EvaluatorFunc(beam) })
}

// sum returns the sum of the input components as a one-dimensional output.
func sum(_ context.Context, x []float64) ([]float64, error) {
	var s float64
	for _, v := range x {
		s += v
	}
	return []float64{s}, nil
}

// ishigami is the Ishigami test function with a = 7, b = 0.1.
func ishigami(_ context.Context, x []float64) ([]float64, error) {
	if len(x) != 3 {
		return nil, fmt.Errorf("ishigami: want 3 inputs, got %d", len(x))
	}
	const a, b = 7.0, 0.1
	y := math.Sin(x[0]) + a*math.Pow(math.Sin(x[1]), 2) + b*math.Pow(x[2], 4)*math.Sin(x[0])
	return []float64{y}, nil
}

// beam is the cantilever beam deviation F*L^3 / (3*E*I) with inputs (F, E, L, I).
func beam(_ context.Context, x []float64) ([]float64, error) {
	if len(x) != 4 {
		return nil, fmt.Errorf("beam: want 4 inputs (F, E, L, I), got %d", len(x))
	}
	f, e, l, i := x[0], x[1], x[2], x[3]
	if f < 0 {
		return nil, fmt.Errorf("beam: load F must not be negative, got %g", f)
	}
	return []float64{f * l * l * l / (3 * e * i)}, nil
}
