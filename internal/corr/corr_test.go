package corr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"brainfill/internal/brain"
	"brainfill/internal/locs"
)

func requireSymmetricZeroDiagonal(t *testing.T, m mat.Matrix) {
	t.Helper()
	r, c := m.Dims()
	require.Equal(t, r, c)
	for i := 0; i < r; i++ {
		require.Zero(t, m.At(i, i), "diagonal %d", i)
		for j := i + 1; j < c; j++ {
			require.Equal(t, m.At(i, j), m.At(j, i), "cell %d,%d", i, j)
		}
	}
}

func TestFisherRoundTrip(t *testing.T) {
	for r := -0.99; r < 1; r += 0.03 {
		assert.InDelta(t, r, Z2R(R2Z(r)), 1e-12)
	}
	assert.True(t, math.IsInf(R2Z(1), 1))

	m := mat.NewDense(2, 2, []float64{0, 0.3, -0.7, 0})
	back := Z2RMatrix(R2ZMatrix(m))
	assert.True(t, mat.EqualApprox(m, back, 1e-12))
}

func TestExpandIdentityWeights(t *testing.T) {
	z := mat.NewDense(3, 3, []float64{
		0, 0.5, math.NaN(),
		0.5, 0, -0.2,
		math.NaN(), -0.2, 0,
	})
	w := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})

	c, err := Expand(z, w)
	require.NoError(t, err)
	requireSymmetricZeroDiagonal(t, c.Numerator)
	requireSymmetricZeroDiagonal(t, c.Denominator)

	assert.Equal(t, 0.5, c.Numerator.At(0, 1))
	assert.Equal(t, 1.0, c.Denominator.At(0, 1))
	// the NaN cell carries no weight rather than a confident zero
	assert.Equal(t, 0.0, c.Numerator.At(0, 2))
	assert.Equal(t, 0.0, c.Denominator.At(0, 2))

	_, err = Expand(z, mat.NewDense(3, 2, nil))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMergeSkipsNonFiniteCells(t *testing.T) {
	num := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	den := mat.NewDense(2, 2, []float64{0, 2, 2, 0})
	c := Contribution{
		Numerator:   mat.NewDense(2, 2, []float64{0, math.NaN(), math.NaN(), 0}),
		Denominator: mat.NewDense(2, 2, []float64{0, 5, 5, 0}),
	}
	require.NoError(t, Merge(num, den, c))
	assert.Equal(t, 1.0, num.At(0, 1))
	assert.Equal(t, 2.0, den.At(0, 1))

	c.Numerator = mat.NewDense(2, 2, []float64{0, 3, 3, 0})
	require.NoError(t, Merge(num, den, c))
	assert.Equal(t, 4.0, num.At(1, 0))
	assert.Equal(t, 7.0, den.At(1, 0))

	require.ErrorIs(t, Merge(num, den, Contribution{
		Numerator:   mat.NewDense(1, 1, nil),
		Denominator: mat.NewDense(1, 1, nil),
	}), ErrShapeMismatch)
}

func TestEstimateMissingWeightMassIsNaN(t *testing.T) {
	num := mat.NewDense(3, 3, []float64{0, 0.5, 0, 0.5, 0, 0, 0, 0, 0})
	den := mat.NewDense(3, 3, []float64{0, 1, 0, 1, 0, 0, 0, 0, 0})

	z, err := ZEstimate(num, den)
	require.NoError(t, err)
	assert.Equal(t, 0.5, z.At(0, 1))
	assert.True(t, math.IsNaN(z.At(0, 2)))
	assert.Zero(t, z.At(2, 2))

	r, err := Estimate(num, den)
	require.NoError(t, err)
	assert.InDelta(t, math.Tanh(0.5), r.At(1, 0), 1e-15)
	assert.True(t, math.IsNaN(r.At(2, 1)))

	again, err := Estimate(num, den)
	require.NoError(t, err)
	assert.Equal(t, r.RawMatrix().Data[:2], again.RawMatrix().Data[:2])
}

func TestExpandModel(t *testing.T) {
	z := mat.NewDense(2, 2, []float64{0, 0.5, 0.5, 0})
	w := mat.NewDense(4, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
		0, 0,
	})

	out, err := ExpandModel(z, w)
	require.NoError(t, err)
	r, c := out.Dims()
	require.Equal(t, 4, r)
	require.Equal(t, 4, c)

	assert.Equal(t, 0.5, out.At(0, 1), "original block kept")
	assert.Equal(t, 0.5, out.At(2, 0))
	assert.Equal(t, 0.5, out.At(1, 2))
	assert.Zero(t, out.At(2, 2))
	assert.True(t, math.IsNaN(out.At(3, 0)), "location with no weight is unknown")
	assert.True(t, math.IsNaN(out.At(2, 3)))

	_, err = ExpandModel(z, mat.NewDense(1, 2, nil))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSubjectAveragesSessions(t *testing.T) {
	data := mat.NewDense(6, 2, []float64{
		1, 1,
		2, 2,
		3, 3.5,
		1, 3,
		2, 1,
		3, 2,
	})
	s, err := brain.New(data, locs.Set{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}, brain.WithSessions([]int{1, 1, 1, 2, 2, 2}))
	require.NoError(t, err)

	r := Subject(s)
	requireSymmetricZeroDiagonal(t, r)
	assert.Greater(t, r.At(0, 1), -1.0)
	assert.Less(t, r.At(0, 1), 1.0)

	// session 1 is strongly positive, session 2 negative
	first, err := s.Window(0, 3)
	require.NoError(t, err)
	assert.Greater(t, Subject(first).At(0, 1), r.At(0, 1))
}

func TestContributeOntoReference(t *testing.T) {
	data := mat.NewDense(5, 2, []float64{1, 2, 2, 1, 3, 5, 4, 3, 5, 4})
	s, err := brain.New(data, locs.Set{{X: 0, Y: 0, Z: 0}, {X: 5, Y: 0, Z: 0}})
	require.NoError(t, err)

	reference := locs.Set{{X: 0, Y: 0, Z: 0}, {X: 5, Y: 0, Z: 0}, {X: 100, Y: 0, Z: 0}}
	c, err := Contribute(s, reference, locs.DefaultWidth)
	require.NoError(t, err)
	requireSymmetricZeroDiagonal(t, c.Numerator)
	requireSymmetricZeroDiagonal(t, c.Denominator)

	assert.Greater(t, c.Denominator.At(0, 1), 0.5)
	assert.Less(t, c.Denominator.At(0, 2), 1e-100, "far location gets almost no weight")
}
