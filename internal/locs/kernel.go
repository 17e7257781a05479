package locs

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultWidth is the kernel width used when a caller does not pick one.
const DefaultWidth = 20.0

// Weights returns the len(targets)×len(sources) Gaussian smoothing matrix
//
//	w(i, j) = exp(-|targets[i] - sources[j]|² / width)
//
// Rows are not normalized; callers divide by accumulated weight mass.
func Weights(targets, sources Set, width float64) (*mat.Dense, error) {
	if !(width > 0) || math.IsInf(width, 1) {
		return nil, ErrBadWidth
	}
	if len(targets) == 0 || len(sources) == 0 {
		return nil, ErrEmptySet
	}

	w := mat.NewDense(len(targets), len(sources), nil)
	for i, t := range targets {
		row := w.RawRowView(i)
		for j, s := range sources {
			row[j] = math.Exp(-squaredDistance(t, s) / width)
		}
	}
	return w, nil
}
