package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"brainfill/internal/brain"
	"brainfill/internal/corrmodel"
	"brainfill/internal/locs"
)

func TestCorrelationModelRoundTripIsExact(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := corrmodel.FromAccumulators(corrmodel.Accumulators{
		Locations:   locs.Set{{X: 0, Y: 0, Z: 0}, {X: 1.5, Y: -2, Z: 3}},
		Numerator:   mat.NewDense(2, 2, []float64{0, 1.0 / 3, 1.0 / 3, 0}),
		Denominator: mat.NewDense(2, 2, []float64{0, math.Pi, math.Pi, 0}),
		Subjects:    4,
		Width:       20,
		Meta:        map[string]any{"atlas": "grid"},
		CreatedAt:   created,
	}, nil)
	require.NoError(t, err)

	rec, err := FromCorrelationModel("m1", "pilot", m)
	require.NoError(t, err)
	assert.Equal(t, Current(), rec.VersionedRecord)
	assert.Equal(t, ModelSummary{ID: "m1", Name: "pilot", Locations: 2, Subjects: 4, Width: 20, CreatedAt: created}, rec.Summary())

	back, err := rec.Decode(nil)
	require.NoError(t, err)
	assert.True(t, mat.Equal(m.Numerator(), back.Numerator()))
	assert.True(t, mat.Equal(m.Denominator(), back.Denominator()))
	assert.Equal(t, m.Locations(), back.Locations())
	assert.Equal(t, 4, back.NumSubjects())
	assert.Equal(t, created, back.CreatedAt())
	assert.Equal(t, "grid", back.Meta()["atlas"])
}

func TestSubjectRoundTripKeepsNaNKurtosis(t *testing.T) {
	data := mat.NewDense(4, 2, []float64{
		1, 7,
		2, 7,
		4, 7,
		8, 7,
	})
	s, err := brain.New(data, locs.Set{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 1}},
		brain.WithSessions([]int{1, 1, 2, 2}),
		brain.WithSampleRates(250, 500),
		brain.WithLabels([]brain.Label{brain.Observed, brain.Reconstructed}),
	)
	require.NoError(t, err)
	require.True(t, math.IsNaN(s.Kurtosis()[1]), "constant channel")

	rec, err := FromSubject("s1", "", s)
	require.NoError(t, err)
	assert.Equal(t, SubjectSummary{ID: "s1", Channels: 2, Samples: 4, Sessions: 2, CreatedAt: s.CreatedAt()}, rec.Summary())

	back, err := rec.Decode()
	require.NoError(t, err)
	assert.True(t, mat.Equal(s.Data(), back.Data()))
	assert.Equal(t, s.Sessions(), back.Sessions())
	assert.Equal(t, []float64{250, 500}, back.SampleRates())
	assert.Equal(t, s.Labels(), back.Labels())
	assert.Equal(t, s.Kurtosis()[0], back.Kurtosis()[0])
	assert.True(t, math.IsNaN(back.Kurtosis()[1]))
}

func TestDecodeRejectsCorruptMatrices(t *testing.T) {
	_, err := CorrelationModel{Numerator: []byte("junk")}.Decode(nil)
	require.Error(t, err)
	_, err = Subject{Timeseries: []byte{1, 2}}.Decode()
	require.Error(t, err)
}
