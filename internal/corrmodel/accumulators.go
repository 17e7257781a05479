package corrmodel

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"brainfill/internal/locs"
)

// Accumulators is the persistable state of a Model.
type Accumulators struct {
	Locations   locs.Set
	Numerator   *mat.Dense
	Denominator *mat.Dense
	Subjects    int
	Width       float64
	Meta        map[string]any
	CreatedAt   time.Time
}

// Accumulators returns a copy of the model's state.
func (m *Model) Accumulators() Accumulators {
	return Accumulators{
		Locations:   m.Locations(),
		Numerator:   m.Numerator(),
		Denominator: m.Denominator(),
		Subjects:    m.subjects,
		Width:       m.width,
		Meta:        m.Meta(),
		CreatedAt:   m.created,
	}
}

// FromAccumulators rebuilds a model from stored state. The matrices must be
// square over the locations, exactly symmetric, finite, zero on the diagonal,
// and the denominator non-negative.
func FromAccumulators(a Accumulators, log *zap.Logger) (*Model, error) {
	if err := a.Locations.Validate(); err != nil {
		return nil, fmt.Errorf("%w: locations: %w", ErrInvalidAccumulator, err)
	}
	if a.Numerator == nil || a.Denominator == nil {
		return nil, fmt.Errorf("%w: missing matrix", ErrInvalidAccumulator)
	}
	if a.Subjects < 0 {
		return nil, fmt.Errorf("%w: negative subject count %d", ErrInvalidAccumulator, a.Subjects)
	}
	if !(a.Width > 0) || math.IsInf(a.Width, 1) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccumulator, locs.ErrBadWidth)
	}
	n := len(a.Locations)
	for name, m := range map[string]*mat.Dense{"numerator": a.Numerator, "denominator": a.Denominator} {
		if err := checkAccumulator(m, n, name == "denominator"); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidAccumulator, name, err)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &Model{
		locations:   a.Locations.Clone(),
		numerator:   mat.DenseCopyOf(a.Numerator),
		denominator: mat.DenseCopyOf(a.Denominator),
		subjects:    a.Subjects,
		width:       a.Width,
		meta:        cloneMeta(a.Meta),
		created:     created,
		log:         log,
	}, nil
}

func checkAccumulator(m *mat.Dense, n int, nonNegative bool) error {
	if r, c := m.Dims(); r != n || c != n {
		return fmt.Errorf("%dx%d over %d locations", r, c, n)
	}
	for i := 0; i < n; i++ {
		if m.At(i, i) != 0 {
			return fmt.Errorf("nonzero diagonal at %d", i)
		}
		for j := 0; j < n; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("non-finite cell %d,%d", i, j)
			}
			if v != m.At(j, i) {
				return fmt.Errorf("asymmetric cell %d,%d", i, j)
			}
			if nonNegative && v < 0 {
				return fmt.Errorf("negative weight at %d,%d", i, j)
			}
		}
	}
	return nil
}
