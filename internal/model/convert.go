package model

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"brainfill/internal/brain"
	"brainfill/internal/corrmodel"
	"brainfill/internal/locs"
)

// FromCorrelationModel snapshots m into a record.
func FromCorrelationModel(id, name string, m *corrmodel.Model) (CorrelationModel, error) {
	acc := m.Accumulators()
	num, err := acc.Numerator.MarshalBinary()
	if err != nil {
		return CorrelationModel{}, fmt.Errorf("encode numerator: %w", err)
	}
	den, err := acc.Denominator.MarshalBinary()
	if err != nil {
		return CorrelationModel{}, fmt.Errorf("encode denominator: %w", err)
	}
	return CorrelationModel{
		VersionedRecord: Current(),
		ID:              id,
		Name:            name,
		Locations:       acc.Locations.Coords(),
		Numerator:       num,
		Denominator:     den,
		Subjects:        acc.Subjects,
		Width:           acc.Width,
		Meta:            acc.Meta,
		CreatedAt:       acc.CreatedAt,
	}, nil
}

// Decode rebuilds the model, validating its accumulators.
func (r CorrelationModel) Decode(log *zap.Logger) (*corrmodel.Model, error) {
	var num, den mat.Dense
	if err := num.UnmarshalBinary(r.Numerator); err != nil {
		return nil, fmt.Errorf("decode numerator: %w", err)
	}
	if err := den.UnmarshalBinary(r.Denominator); err != nil {
		return nil, fmt.Errorf("decode denominator: %w", err)
	}
	return corrmodel.FromAccumulators(corrmodel.Accumulators{
		Locations:   locs.FromCoords(r.Locations),
		Numerator:   &num,
		Denominator: &den,
		Subjects:    r.Subjects,
		Width:       r.Width,
		Meta:        r.Meta,
		CreatedAt:   r.CreatedAt,
	}, log)
}

// FromSubject snapshots s into a record.
func FromSubject(id, name string, s *brain.Subject) (Subject, error) {
	data, err := s.Data().MarshalBinary()
	if err != nil {
		return Subject{}, fmt.Errorf("encode timeseries: %w", err)
	}
	kurt, err := mat.NewVecDense(s.NumChannels(), s.Kurtosis()).MarshalBinary()
	if err != nil {
		return Subject{}, fmt.Errorf("encode kurtosis: %w", err)
	}
	var labels []string
	for _, l := range s.Labels() {
		labels = append(labels, string(l))
	}
	return Subject{
		VersionedRecord: Current(),
		ID:              id,
		Name:            name,
		Timeseries:      data,
		Locations:       s.Locations().Coords(),
		Sessions:        s.Sessions(),
		SampleRates:     s.SampleRates(),
		Meta:            s.Meta(),
		Kurtosis:        kurt,
		Labels:          labels,
		CreatedAt:       s.CreatedAt(),
	}, nil
}

// Decode rebuilds the recording.
func (r Subject) Decode() (*brain.Subject, error) {
	var data mat.Dense
	if err := data.UnmarshalBinary(r.Timeseries); err != nil {
		return nil, fmt.Errorf("decode timeseries: %w", err)
	}
	var kurt mat.VecDense
	if err := kurt.UnmarshalBinary(r.Kurtosis); err != nil {
		return nil, fmt.Errorf("decode kurtosis: %w", err)
	}
	opts := []brain.Option{
		brain.WithSessions(r.Sessions),
		brain.WithSampleRates(r.SampleRates...),
		brain.WithMeta(r.Meta),
		brain.WithKurtosis(kurt.RawVector().Data),
		brain.WithCreatedAt(r.CreatedAt),
	}
	if len(r.Labels) > 0 {
		labels := make([]brain.Label, len(r.Labels))
		for i, l := range r.Labels {
			labels[i] = brain.Label(l)
		}
		opts = append(opts, brain.WithLabels(labels))
	}
	return brain.New(&data, locs.FromCoords(r.Locations), opts...)
}
