// Package corr turns subject recordings into Fisher z correlation
// contributions on a reference location set and back into estimates.
package corr

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"brainfill/internal/brain"
	"brainfill/internal/locs"
)

var ErrShapeMismatch = errors.New("corr: shape mismatch")

// R2Z is the Fisher z-transform.
func R2Z(r float64) float64 { return math.Atanh(r) }

// Z2R inverts R2Z.
func Z2R(z float64) float64 { return math.Tanh(z) }

// R2ZMatrix applies R2Z element-wise into a new matrix.
func R2ZMatrix(r mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return R2Z(v) }, r)
	return &out
}

// Z2RMatrix applies Z2R element-wise into a new matrix.
func Z2RMatrix(z mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return Z2R(v) }, z)
	return &out
}

// ZeroDiagonal sets m[i,i] = 0 in place.
func ZeroDiagonal(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r && i < c; i++ {
		m.Set(i, i, 0)
	}
}

// symmetrize replaces m with (m+mᵀ)/2 so later comparisons are exact.
func symmetrize(m *mat.Dense) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := (m.At(i, j) + m.At(j, i)) / 2
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}

// Subject is the channel×channel Pearson correlation of a recording with a
// zero diagonal. Multi-session recordings are correlated per session and
// averaged in z space; sessions shorter than two samples are ignored. Cells
// no session can inform stay NaN.
func Subject(s *brain.Subject) *mat.Dense {
	data := s.Data()
	_, c := data.Dims()

	sum := mat.NewDense(c, c, nil)
	count := mat.NewDense(c, c, nil)
	sessions := s.SessionRows()
	for _, id := range s.SessionIDs() {
		rows := sessions[id]
		if len(rows) < 2 {
			continue
		}
		x := mat.NewDense(len(rows), c, nil)
		for i, row := range rows {
			x.SetRow(i, data.RawRowView(row))
		}
		var r mat.SymDense
		stat.CorrelationMatrix(&r, x, nil)
		for i := 0; i < c; i++ {
			for j := 0; j < c; j++ {
				if i == j {
					continue
				}
				z := R2Z(r.At(i, j))
				if math.IsNaN(z) {
					continue
				}
				sum.Set(i, j, sum.At(i, j)+z)
				count.Set(i, j, count.At(i, j)+1)
			}
		}
	}

	out := mat.NewDense(c, c, nil)
	for i := 0; i < c; i++ {
		for j := 0; j < c; j++ {
			switch {
			case i == j:
			case count.At(i, j) == 0:
				out.Set(i, j, math.NaN())
			default:
				out.Set(i, j, Z2R(sum.At(i, j)/count.At(i, j)))
			}
		}
	}
	return out
}

// Contribution is one subject's additive share of a model's accumulators.
type Contribution struct {
	Numerator   *mat.Dense
	Denominator *mat.Dense
}

// Expand spreads a subject z matrix (n×n) onto N reference locations using
// weights (N×n, rows reference, columns subject):
//
//	Numerator   = W·(Z⊙M)·Wᵀ
//	Denominator = W·M·Wᵀ
//
// M masks finite off-diagonal cells, so a non-finite z value contributes no
// weight instead of a confident zero. Both outputs are symmetric with a zero
// diagonal.
func Expand(z, weights mat.Matrix) (Contribution, error) {
	zr, zc := z.Dims()
	wr, wc := weights.Dims()
	if zr != zc || wc != zr {
		return Contribution{}, fmt.Errorf("z %dx%d vs weights %dx%d: %w", zr, zc, wr, wc, ErrShapeMismatch)
	}

	masked, mask := maskFinite(z)

	var tmp, num, den mat.Dense
	tmp.Mul(weights, masked)
	num.Mul(&tmp, weights.T())
	tmp.Reset()
	tmp.Mul(weights, mask)
	den.Mul(&tmp, weights.T())

	for _, m := range []*mat.Dense{&num, &den} {
		ZeroDiagonal(m)
		symmetrize(m)
	}
	return Contribution{Numerator: &num, Denominator: &den}, nil
}

// maskFinite splits z into the finite off-diagonal values (zero elsewhere)
// and the 0/1 mask marking them.
func maskFinite(z mat.Matrix) (values, mask *mat.Dense) {
	r, c := z.Dims()
	values = mat.NewDense(r, c, nil)
	mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := z.At(i, j)
			if i == j || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			values.Set(i, j, v)
			mask.Set(i, j, 1)
		}
	}
	return values, mask
}

// Merge adds c into num and den in place. Cells whose numerator
// contribution is not finite carry no information and are left untouched in
// both accumulators. Callers own num and den; shared model state is never
// passed here.
func Merge(num, den *mat.Dense, c Contribution) error {
	r, cc := num.Dims()
	for _, m := range []*mat.Dense{den, c.Numerator, c.Denominator} {
		if mr, mc := m.Dims(); mr != r || mc != cc {
			return fmt.Errorf("accumulator %dx%d vs %dx%d: %w", r, cc, mr, mc, ErrShapeMismatch)
		}
	}
	for i := 0; i < r; i++ {
		for j := 0; j < cc; j++ {
			n := c.Numerator.At(i, j)
			if math.IsNaN(n) || math.IsInf(n, 0) {
				continue
			}
			num.Set(i, j, num.At(i, j)+n)
			den.Set(i, j, den.At(i, j)+c.Denominator.At(i, j))
		}
	}
	return nil
}

// ZEstimate is num/den in z space with a zero diagonal. Off-diagonal cells
// that never received weight are NaN.
func ZEstimate(num, den mat.Matrix) (*mat.Dense, error) {
	r, c := num.Dims()
	if dr, dc := den.Dims(); dr != r || dc != c || r != c {
		return nil, fmt.Errorf("numerator %dx%d vs denominator %dx%d: %w", r, c, dr, dc, ErrShapeMismatch)
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if i == j {
				continue
			}
			d := den.At(i, j)
			if d == 0 {
				out.Set(i, j, math.NaN())
				continue
			}
			out.Set(i, j, num.At(i, j)/d)
		}
	}
	return out, nil
}

// Estimate is the correlation estimate num/den mapped back to r space with a
// zero diagonal.
func Estimate(num, den mat.Matrix) (*mat.Dense, error) {
	z, err := ZEstimate(num, den)
	if err != nil {
		return nil, err
	}
	r := Z2RMatrix(z)
	ZeroDiagonal(r)
	return r, nil
}

// ExpandModel grows a model z matrix (N×N) onto N+m locations. weights is
// (N+m)×N: every target location against the model's locations, the model's
// own rows first. The leading N×N block is z itself; new rows and columns
// are kernel-weighted averages of z's finite off-diagonal cells, NaN where
// the weights vanish.
func ExpandModel(z mat.Matrix, weights *mat.Dense) (*mat.Dense, error) {
	n, nc := z.Dims()
	total, wc := weights.Dims()
	if n != nc || wc != n || total < n {
		return nil, fmt.Errorf("model %dx%d vs weights %dx%d: %w", n, nc, total, wc, ErrShapeMismatch)
	}

	out := mat.NewDense(total, total, nil)
	out.Slice(0, n, 0, n).(*mat.Dense).Copy(z)
	if total == n {
		return out, nil
	}

	values, mask := maskFinite(z)
	wNew := weights.Slice(n, total, 0, n)

	var tmp, num, den mat.Dense
	tmp.Mul(wNew, values)
	num.Mul(&tmp, weights.T())
	tmp.Reset()
	tmp.Mul(wNew, mask)
	den.Mul(&tmp, weights.T())

	for i := 0; i < total-n; i++ {
		row := n + i
		for j := 0; j < total; j++ {
			if j == row {
				continue
			}
			v := math.NaN()
			if d := den.At(i, j); d != 0 {
				v = num.At(i, j) / d
			}
			out.Set(row, j, v)
			if j < n {
				out.Set(j, row, v)
			}
		}
	}
	// new×new block: average both triangles so the result is exactly symmetric
	for i := n; i < total; i++ {
		for j := i + 1; j < total; j++ {
			a, b := out.At(i, j), out.At(j, i)
			out.Set(i, j, (a+b)/2)
			out.Set(j, i, (a+b)/2)
		}
	}
	return out, nil
}

// Contribute correlates s and spreads it onto reference with a kernel of
// the given width.
func Contribute(s *brain.Subject, reference locs.Set, width float64) (Contribution, error) {
	w, err := locs.Weights(reference, s.Locations(), width)
	if err != nil {
		return Contribution{}, err
	}
	return Expand(R2ZMatrix(Subject(s)), w)
}
