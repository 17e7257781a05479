// Package brain holds a single subject's iEEG recording: samples×channels
// timeseries, electrode locations, per-sample session ids, per-session sample
// rates and derived per-channel quality scores.
package brain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"brainfill/internal/locs"
)

var (
	ErrShapeMismatch        = errors.New("brain: shape mismatch")
	ErrInsufficientChannels = errors.New("brain: fewer than 2 channels pass quality filtering")
	ErrEmpty                = errors.New("brain: no samples or channels")
)

// DefaultSampleRate applies when a recording carries no sample rate.
const DefaultSampleRate = 1000.0

// Label tags a channel of a reconstructed subject.
type Label string

const (
	Observed      Label = "observed"
	Reconstructed Label = "reconstructed"
)

// Subject is immutable: every reshaping method returns a new value.
type Subject struct {
	data        *mat.Dense
	locations   locs.Set
	sessions    []int
	sampleRates []float64
	meta        map[string]any
	kurtosis    []float64
	labels      []Label
	created     time.Time
}

type Option func(*Subject)

// WithSessions sets one session id per sample.
func WithSessions(sessions []int) Option {
	return func(s *Subject) { s.sessions = append([]int(nil), sessions...) }
}

// WithSampleRates sets one rate for every session, or a single shared rate.
func WithSampleRates(rates ...float64) Option {
	return func(s *Subject) { s.sampleRates = append([]float64(nil), rates...) }
}

func WithMeta(meta map[string]any) Option {
	return func(s *Subject) { s.meta = cloneMeta(meta) }
}

func WithLabels(labels []Label) Option {
	return func(s *Subject) { s.labels = append([]Label(nil), labels...) }
}

func WithCreatedAt(t time.Time) Option {
	return func(s *Subject) { s.created = t }
}

// WithKurtosis restores precomputed quality scores instead of recomputing them.
func WithKurtosis(k []float64) Option {
	return func(s *Subject) { s.kurtosis = append([]float64(nil), k...) }
}

// New copies data and validates that every channel has a location.
func New(data mat.Matrix, locations locs.Set, opts ...Option) (*Subject, error) {
	if data == nil {
		return nil, ErrEmpty
	}
	r, c := data.Dims()
	if r == 0 || c == 0 {
		return nil, ErrEmpty
	}
	if c != len(locations) {
		return nil, fmt.Errorf("%d channels vs %d locations: %w", c, len(locations), ErrShapeMismatch)
	}

	s := &Subject{
		data:      mat.DenseCopyOf(data),
		locations: locations.Clone(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sessions == nil {
		s.sessions = make([]int, r)
		for i := range s.sessions {
			s.sessions[i] = 1
		}
	}
	if len(s.sessions) != r {
		return nil, fmt.Errorf("%d session labels vs %d samples: %w", len(s.sessions), r, ErrShapeMismatch)
	}

	nSessions := len(s.SessionIDs())
	switch {
	case len(s.sampleRates) == 0:
		s.sampleRates = []float64{DefaultSampleRate}
	case len(s.sampleRates) != 1 && len(s.sampleRates) != nSessions:
		return nil, fmt.Errorf("%d sample rates vs %d sessions: %w", len(s.sampleRates), nSessions, ErrShapeMismatch)
	}
	for _, rate := range s.sampleRates {
		if !(rate > 0) {
			return nil, fmt.Errorf("brain: sample rate must be > 0, got %g", rate)
		}
	}

	if s.labels != nil && len(s.labels) != c {
		return nil, fmt.Errorf("%d labels vs %d channels: %w", len(s.labels), c, ErrShapeMismatch)
	}
	if s.kurtosis == nil {
		s.kurtosis = kurtosis(s.data)
	} else if len(s.kurtosis) != c {
		return nil, fmt.Errorf("%d kurtosis values vs %d channels: %w", len(s.kurtosis), c, ErrShapeMismatch)
	}
	if s.created.IsZero() {
		s.created = time.Now().UTC()
	}
	return s, nil
}

func (s *Subject) NumSamples() int {
	r, _ := s.data.Dims()
	return r
}

func (s *Subject) NumChannels() int {
	_, c := s.data.Dims()
	return c
}

// Data returns a copy of the raw timeseries.
func (s *Subject) Data() *mat.Dense { return mat.DenseCopyOf(s.data) }

func (s *Subject) Locations() locs.Set { return s.locations.Clone() }

func (s *Subject) Sessions() []int { return append([]int(nil), s.sessions...) }

func (s *Subject) SampleRates() []float64 { return append([]float64(nil), s.sampleRates...) }

func (s *Subject) Meta() map[string]any { return cloneMeta(s.meta) }

func (s *Subject) Kurtosis() []float64 { return append([]float64(nil), s.kurtosis...) }

func (s *Subject) Labels() []Label { return append([]Label(nil), s.labels...) }

func (s *Subject) CreatedAt() time.Time { return s.created }

// SessionIDs lists distinct session ids in ascending order.
func (s *Subject) SessionIDs() []int {
	seen := make(map[int]struct{})
	var ids []int
	for _, id := range s.sessions {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Subject) NumSessions() int { return len(s.SessionIDs()) }

// SessionRows groups sample indices by session id.
func (s *Subject) SessionRows() map[int][]int {
	rows := make(map[int][]int)
	for i, id := range s.sessions {
		rows[id] = append(rows[id], i)
	}
	return rows
}

// Duration is the recording length in seconds, each session at its own rate.
func (s *Subject) Duration() float64 {
	rows := s.SessionRows()
	var total float64
	for i, id := range s.SessionIDs() {
		rate := s.sampleRates[0]
		if len(s.sampleRates) > 1 {
			rate = s.sampleRates[i]
		}
		total += float64(len(rows[id])) / rate
	}
	return total
}

// ZScore standardizes every channel with its population standard deviation.
// Constant channels become NaN.
func (s *Subject) ZScore() *mat.Dense {
	r, c := s.data.Dims()
	out := mat.NewDense(r, c, nil)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, s.data)
		mean, std := stat.PopMeanStdDev(col, nil)
		floats.AddConst(-mean, col)
		floats.Scale(1/std, col)
		out.SetCol(j, col)
	}
	return out
}

// Select keeps the given channels, in the given order.
func (s *Subject) Select(channels []int) (*Subject, error) {
	if len(channels) == 0 {
		return nil, ErrEmpty
	}
	r, c := s.data.Dims()
	data := mat.NewDense(r, len(channels), nil)
	kurt := make([]float64, len(channels))
	locations := make(locs.Set, len(channels))
	var labels []Label
	if s.labels != nil {
		labels = make([]Label, len(channels))
	}
	for k, j := range channels {
		if j < 0 || j >= c {
			return nil, fmt.Errorf("brain: channel %d out of range [0,%d)", j, c)
		}
		for i := 0; i < r; i++ {
			data.Set(i, k, s.data.At(i, j))
		}
		kurt[k] = s.kurtosis[j]
		locations[k] = s.locations[j]
		if labels != nil {
			labels[k] = s.labels[j]
		}
	}
	return s.derive(data, locations, s.sessions, kurt, labels)
}

// Permute reorders channels; order must be a permutation of all channels.
func (s *Subject) Permute(order []int) (*Subject, error) {
	if len(order) != s.NumChannels() {
		return nil, fmt.Errorf("%d indices vs %d channels: %w", len(order), s.NumChannels(), ErrShapeMismatch)
	}
	seen := make([]bool, len(order))
	for _, j := range order {
		if j < 0 || j >= len(order) || seen[j] {
			return nil, fmt.Errorf("brain: %v is not a permutation", order)
		}
		seen[j] = true
	}
	return s.Select(order)
}

// Window keeps samples [start, end).
func (s *Subject) Window(start, end int) (*Subject, error) {
	r, c := s.data.Dims()
	if start < 0 || end > r || start >= end {
		return nil, fmt.Errorf("brain: window [%d,%d) outside [0,%d)", start, end, r)
	}
	data := mat.DenseCopyOf(s.data.Slice(start, end, 0, c))
	sessions := append([]int(nil), s.sessions[start:end]...)

	rates := s.sampleRates
	if len(rates) > 1 {
		// keep rates aligned with the sessions that survive the window
		all := s.SessionIDs()
		kept := make(map[int]struct{})
		for _, id := range sessions {
			kept[id] = struct{}{}
		}
		rates = nil
		for i, id := range all {
			if _, ok := kept[id]; ok {
				rates = append(rates, s.sampleRates[i])
			}
		}
	}
	// kurtosis describes the whole recording, not the window
	return New(data, s.locations, WithSessions(sessions), WithSampleRates(rates...),
		WithMeta(s.meta), WithLabels(s.labels), WithCreatedAt(s.created), WithKurtosis(s.kurtosis))
}

// WithLocations returns a copy of s placed at new coordinates.
func (s *Subject) WithLocations(locations locs.Set) (*Subject, error) {
	if len(locations) != s.NumChannels() {
		return nil, fmt.Errorf("%d locations vs %d channels: %w", len(locations), s.NumChannels(), ErrShapeMismatch)
	}
	return s.derive(s.data, locations, s.sessions, s.kurtosis, s.labels)
}

func (s *Subject) derive(data *mat.Dense, locations locs.Set, sessions []int, kurt []float64, labels []Label) (*Subject, error) {
	opts := []Option{
		WithSessions(sessions),
		WithSampleRates(s.sampleRates...),
		WithMeta(s.meta),
		WithKurtosis(kurt),
		WithCreatedAt(s.created),
	}
	if labels != nil {
		opts = append(opts, WithLabels(labels))
	}
	return New(data, locations, opts...)
}

// Info is a printable summary.
type Info struct {
	Channels  int
	Samples   int
	Sessions  int
	Seconds   float64
	CreatedAt time.Time
	Meta      map[string]any
}

func (s *Subject) Info() Info {
	return Info{
		Channels:  s.NumChannels(),
		Samples:   s.NumSamples(),
		Sessions:  s.NumSessions(),
		Seconds:   s.Duration(),
		CreatedAt: s.created,
		Meta:      s.Meta(),
	}
}

// kurtosis is the biased (population) Fisher excess kurtosis m4/m2² - 3 of
// each channel. Constant channels give NaN.
func kurtosis(data *mat.Dense) []float64 {
	r, c := data.Dims()
	out := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, data)
		m2 := stat.Moment(2, col, nil)
		out[j] = stat.Moment(4, col, nil)/(m2*m2) - 3
	}
	return out
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
