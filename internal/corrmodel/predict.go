package corrmodel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"brainfill/internal/align"
	"brainfill/internal/brain"
	"brainfill/internal/corr"
	"brainfill/internal/locs"
	"brainfill/internal/recon"
)

// PredictOptions tune a single reconstruction.
type PredictOptions struct {
	// NearestNeighbor snaps electrodes onto the reference set first.
	NearestNeighbor bool
	// MatchThreshold bounds per-axis displacement when snapping; nil means
	// locs.Unlimited.
	MatchThreshold locs.MatchThreshold
	// ForceUpdate folds the subject into a private copy of the accumulators
	// before estimating. The model itself never changes.
	ForceUpdate bool
	// KurtosisThreshold rejects channels above it; nil means
	// brain.DefaultKurtosisThreshold.
	KurtosisThreshold *float64
	// FillMissing replaces NaN correlations with 1 after the z→r step, as the
	// batch driver does for cells the model never informed.
	FillMissing bool
	// Width of the kernel used to expand the model; zero means the model's.
	Width float64
}

// Prediction is a reconstructed subject plus how it was aligned.
type Prediction struct {
	// Subject holds reconstructed channels first, then the z-scored
	// observed channels, labeled per channel.
	Subject          *brain.Subject
	Kind             align.Kind
	NumReconstructed int
	NumObserved      int
}

// Predict reconstructs activity at every model location the subject did not
// record.
func (m *Model) Predict(s *brain.Subject, opts PredictOptions) (*Prediction, error) {
	start := time.Now()
	k := brain.ResolveThreshold(opts.KurtosisThreshold)
	width := opts.Width
	if width == 0 {
		width = m.width
	}

	if opts.NearestNeighbor {
		snapped, err := m.snap(s, opts.MatchThreshold)
		if err != nil {
			return nil, err
		}
		s = snapped
	}

	filtered, _, err := s.Filter(k)
	if err != nil {
		// a single observed channel can still drive a reconstruction, but not
		// a correlation update
		if !errors.Is(err, brain.ErrInsufficientChannels) || filtered == nil || opts.ForceUpdate {
			return nil, err
		}
		m.log.Warn("Predicting from a single channel", zap.Error(err))
	}

	num, den := m.numerator, m.denominator
	if opts.ForceUpdate {
		num, den = mat.DenseCopyOf(num), mat.DenseCopyOf(den)
		c, err := corr.Contribute(filtered, m.locations, m.width)
		if err != nil {
			return nil, err
		}
		if err := corr.Merge(num, den, c); err != nil {
			return nil, err
		}
	}

	z, err := corr.ZEstimate(num, den)
	if err != nil {
		return nil, err
	}
	a, err := align.Align(m.locations, z, filtered.Locations(), width)
	if err != nil {
		return nil, err
	}

	r := corr.Z2RMatrix(a.Corr)
	if opts.FillMissing {
		fillNaN(r, 1)
	}
	corr.ZeroDiagonal(r)

	observed, err := filtered.Permute(a.SubjectOrder)
	if err != nil {
		return nil, err
	}
	zObserved := observed.ZScore()
	reconstructed, err := recon.Reconstruct(r, a.NumUnknown, zObserved)
	if err != nil {
		return nil, fmt.Errorf("corrmodel: %s alignment: %w", a.Kind, err)
	}

	samples := observed.NumSamples()
	data := mat.NewDense(samples, len(a.Locations), nil)
	data.Slice(0, samples, 0, a.NumUnknown).(*mat.Dense).Copy(reconstructed)
	data.Slice(0, samples, a.NumUnknown, len(a.Locations)).(*mat.Dense).Copy(zObserved)

	out, err := brain.New(data, a.Locations,
		brain.WithSessions(observed.Sessions()),
		brain.WithSampleRates(observed.SampleRates()...),
		brain.WithMeta(observed.Meta()),
		brain.WithLabels(a.Labels),
	)
	if err != nil {
		return nil, err
	}

	m.log.Debug("Predicted subject",
		zap.Stringer("alignment", a.Kind),
		zap.Int("reconstructed", a.NumUnknown),
		zap.Int("observed", a.NumKnown()),
		zap.Int("samples", samples),
		zap.Bool("force_update", opts.ForceUpdate),
		zap.Duration("elapsed", time.Since(start)))

	return &Prediction{
		Subject:          out,
		Kind:             a.Kind,
		NumReconstructed: a.NumUnknown,
		NumObserved:      a.NumKnown(),
	}, nil
}

// snap moves electrodes onto reference locations and drops those that cannot
// be placed.
func (m *Model) snap(s *brain.Subject, threshold locs.MatchThreshold) (*brain.Subject, error) {
	if threshold == nil {
		threshold = locs.Unlimited
	}
	snapped, err := locs.Snap(s.Locations(), m.locations, threshold)
	if err != nil {
		return nil, err
	}
	if len(snapped.Kept) == 0 {
		return nil, fmt.Errorf("no electrode within match threshold: %w", brain.ErrInsufficientChannels)
	}
	if dropped := s.NumChannels() - len(snapped.Kept); dropped > 0 {
		m.log.Info("Dropped electrodes while snapping",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(snapped.Kept)))
	}
	kept, err := s.Select(snapped.Kept)
	if err != nil {
		return nil, err
	}
	return kept.WithLocations(snapped.Locations)
}

func fillNaN(m *mat.Dense, v float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) {
				m.Set(i, j, v)
			}
		}
	}
}
