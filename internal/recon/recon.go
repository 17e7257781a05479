// Package recon regresses activity at unobserved locations from observed
// channels through an aligned correlation matrix.
package recon

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch      = errors.New("recon: shape mismatch")
	ErrSingularKnownBlock = errors.New("recon: known-location correlation block cannot be inverted")
	ErrNonFinite          = errors.New("recon: reconstruction contains NaN or Inf")
)

// rcond matches the usual pseudo-inverse cutoff relative to the largest
// singular value.
const rcond = 1e-15

// Reconstruct estimates the unknown block from observed channels.
//
// c is an r-space correlation matrix whose first numUnknown rows/columns are
// unknown locations and whose trailing block matches observed's columns, in
// order. observed is samples×known, z-scored. The result is
//
//	(C_uk · pinv(C_kk) · observedᵀ)ᵀ
//
// with shape samples×numUnknown. Non-finite output cells are reported with
// ErrNonFinite and returned untouched alongside the error.
func Reconstruct(c mat.Matrix, numUnknown int, observed mat.Matrix) (*mat.Dense, error) {
	n, nc := c.Dims()
	samples, numKnown := observed.Dims()
	if n != nc {
		return nil, fmt.Errorf("correlation matrix is %dx%d: %w", n, nc, ErrShapeMismatch)
	}
	if numUnknown <= 0 || numUnknown >= n {
		return nil, fmt.Errorf("%d unknown of %d locations: %w", numUnknown, n, ErrShapeMismatch)
	}
	if numKnown != n-numUnknown {
		return nil, fmt.Errorf("%d observed channels vs %d known locations: %w", numKnown, n-numUnknown, ErrShapeMismatch)
	}

	dense := mat.DenseCopyOf(c)
	kk := dense.Slice(numUnknown, n, numUnknown, n)
	uk := dense.Slice(0, numUnknown, numUnknown, n)
	if bad := countNonFinite(kk); bad > 0 {
		return nil, fmt.Errorf("%d non-finite cells in known block: %w", bad, ErrSingularKnownBlock)
	}

	pinv, err := PseudoInverse(kk)
	if err != nil {
		return nil, err
	}

	var beta mat.Dense
	beta.Mul(uk, pinv)
	out := mat.NewDense(samples, numUnknown, nil)
	out.Mul(observed, beta.T())

	if bad := countNonFinite(out); bad > 0 {
		return out, fmt.Errorf("%d of %d cells: %w", bad, samples*numUnknown, ErrNonFinite)
	}
	return out, nil
}

// PseudoInverse is the Moore-Penrose inverse through a thin SVD, dropping
// singular values below rcond·σmax.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("svd failed: %w", ErrSingularKnownBlock)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	var largest float64
	for _, s := range values {
		largest = math.Max(largest, s)
	}
	cutoff := rcond * largest

	// pinv = V · diag(1/σ) · Uᵀ over the retained singular values
	r, c := a.Dims()
	for k, s := range values {
		inv := 0.0
		if s > cutoff {
			inv = 1 / s
		}
		for i := 0; i < c; i++ {
			v.Set(i, k, v.At(i, k)*inv)
		}
	}
	out := mat.NewDense(c, r, nil)
	out.Mul(&v, u.T())
	return out, nil
}

func countNonFinite(m mat.Matrix) int {
	r, c := m.Dims()
	bad := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				bad++
			}
		}
	}
	return bad
}
