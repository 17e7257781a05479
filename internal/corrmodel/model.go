// Package corrmodel owns the population correlation model: numerator and
// denominator accumulators over a reference location set, grown by Fit and
// Update and read through Estimate and Predict.
//
// A Model is an immutable value. Update and the force-update path of Predict
// work on private copies, so a Model may be shared between goroutines.
package corrmodel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"brainfill/internal/brain"
	"brainfill/internal/corr"
	"brainfill/internal/locs"
)

var (
	ErrInvalidAccumulator = errors.New("corrmodel: invalid accumulator")
	ErrNoSubjects         = errors.New("corrmodel: no subject contributed to the model")
)

// Config controls how subjects are folded into a model.
type Config struct {
	// KurtosisThreshold rejects channels above it; nil means
	// brain.DefaultKurtosisThreshold.
	KurtosisThreshold *float64
	// Width is the kernel width of a new model; zero means locs.DefaultWidth.
	// Updates always use the width the model was fit with.
	Width  float64
	Meta   map[string]any
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Width == 0 {
		c.Width = locs.DefaultWidth
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type Model struct {
	locations   locs.Set
	numerator   *mat.Dense
	denominator *mat.Dense
	subjects    int
	width       float64
	meta        map[string]any
	created     time.Time
	log         *zap.Logger
}

// New returns an empty model over reference.
func New(reference locs.Set, cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if err := reference.Validate(); err != nil {
		return nil, fmt.Errorf("corrmodel: reference: %w", err)
	}
	if !(cfg.Width > 0) || math.IsInf(cfg.Width, 1) {
		return nil, locs.ErrBadWidth
	}
	n := len(reference)
	return &Model{
		locations:   reference.Clone(),
		numerator:   mat.NewDense(n, n, nil),
		denominator: mat.NewDense(n, n, nil),
		width:       cfg.Width,
		meta:        cloneMeta(cfg.Meta),
		created:     time.Now().UTC(),
		log:         cfg.Logger,
	}, nil
}

// Fit builds a model from subjects. A nil reference falls back to the union
// of the subjects' locations sorted by X, Y, Z, so subject order does not
// change the model. Subjects with fewer than two usable channels
// are skipped and not counted.
func Fit(subjects []*brain.Subject, reference locs.Set, cfg Config) (*Model, error) {
	if len(subjects) == 0 {
		return nil, ErrNoSubjects
	}
	if reference == nil {
		sets := make([]locs.Set, len(subjects))
		for i, s := range subjects {
			sets[i] = s.Locations()
		}
		reference = locs.Union(sets...).Sorted()
	}
	m, err := New(reference, cfg)
	if err != nil {
		return nil, err
	}
	added, err := m.accumulate(m.numerator, m.denominator, subjects, cfg.withDefaults())
	if err != nil {
		return nil, err
	}
	if added == 0 {
		return nil, ErrNoSubjects
	}
	m.subjects = added
	return m, nil
}

// Update returns a new model with subjects added; m is left untouched.
func (m *Model) Update(subjects []*brain.Subject, cfg Config) (*Model, error) {
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	cfg = cfg.withDefaults()

	next := m.clone()
	added, err := next.accumulate(next.numerator, next.denominator, subjects, cfg)
	if err != nil {
		return nil, err
	}
	if added == 0 {
		return nil, ErrNoSubjects
	}
	next.subjects += added
	if cfg.Meta != nil {
		for k, v := range cfg.Meta {
			next.meta[k] = v
		}
	}
	return next, nil
}

// accumulate merges every usable subject into num and den, which must be
// owned by the caller.
func (m *Model) accumulate(num, den *mat.Dense, subjects []*brain.Subject, cfg Config) (int, error) {
	added := 0
	k := brain.ResolveThreshold(cfg.KurtosisThreshold)
	for i, s := range subjects {
		filtered, _, err := s.Filter(k)
		if errors.Is(err, brain.ErrInsufficientChannels) {
			cfg.Logger.Info("Skipping subject",
				zap.Int("subject", i),
				zap.Int("channels", s.NumChannels()),
				zap.Float64("kurtosis_threshold", k),
				zap.Error(err))
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("subject %d: %w", i, err)
		}
		c, err := corr.Contribute(filtered, m.locations, m.width)
		if err != nil {
			return 0, fmt.Errorf("subject %d: %w", i, err)
		}
		if err := corr.Merge(num, den, c); err != nil {
			return 0, fmt.Errorf("subject %d: %w", i, err)
		}
		added++
	}
	return added, nil
}

func (m *Model) clone() *Model {
	meta := cloneMeta(m.meta)
	if meta == nil {
		meta = make(map[string]any)
	}
	return &Model{
		locations:   m.locations.Clone(),
		numerator:   mat.DenseCopyOf(m.numerator),
		denominator: mat.DenseCopyOf(m.denominator),
		subjects:    m.subjects,
		width:       m.width,
		meta:        meta,
		created:     m.created,
		log:         m.log,
	}
}

// Estimate is the current correlation estimate in r space: zero diagonal,
// NaN where no subject contributed weight.
func (m *Model) Estimate() (*mat.Dense, error) {
	return corr.Estimate(m.numerator, m.denominator)
}

// ZEstimate is Estimate in Fisher z space.
func (m *Model) ZEstimate() (*mat.Dense, error) {
	return corr.ZEstimate(m.numerator, m.denominator)
}

func (m *Model) Locations() locs.Set { return m.locations.Clone() }

func (m *Model) Numerator() *mat.Dense { return mat.DenseCopyOf(m.numerator) }

func (m *Model) Denominator() *mat.Dense { return mat.DenseCopyOf(m.denominator) }

func (m *Model) NumLocations() int { return len(m.locations) }

func (m *Model) NumSubjects() int { return m.subjects }

func (m *Model) Width() float64 { return m.width }

func (m *Model) Meta() map[string]any { return cloneMeta(m.meta) }

func (m *Model) CreatedAt() time.Time { return m.created }

// WithLogger returns a copy of m that logs to l. Accumulators are shared,
// which is safe because no method writes to them.
func (m *Model) WithLogger(l *zap.Logger) *Model {
	if l == nil {
		l = zap.NewNop()
	}
	next := *m
	next.log = l
	return &next
}

// Info is a printable summary.
type Info struct {
	Locations int
	Subjects  int
	Width     float64
	// Coverage is the fraction of off-diagonal cells with positive weight.
	Coverage  float64
	CreatedAt time.Time
	Meta      map[string]any
}

func (m *Model) Info() Info {
	n := len(m.locations)
	covered := 0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && m.denominator.At(i, j) > 0 {
				covered++
			}
		}
	}
	info := Info{
		Locations: n,
		Subjects:  m.subjects,
		Width:     m.width,
		CreatedAt: m.created,
		Meta:      m.Meta(),
	}
	if n > 1 {
		info.Coverage = float64(covered) / float64(n*(n-1))
	}
	return info
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
