package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"brainfill/internal/model"
)

func TestDecodeModelFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("minimal_model_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	m, err := DecodeModel(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if m.ID != "model-minimal-1" {
		t.Fatalf("unexpected model id: %s", m.ID)
	}
	if len(m.Locations) != 2 || m.Locations[1] != [3]float64{10, 0, 0} {
		t.Fatalf("unexpected locations: %+v", m.Locations)
	}
	if !reflect.DeepEqual(m.Numerator, []byte{0, 1, 2}) {
		t.Fatalf("unexpected numerator bytes: %v", m.Numerator)
	}
	summary := m.Summary()
	if summary.Locations != 2 || summary.Subjects != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestDecodeSubjectFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("minimal_subject_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	s, err := DecodeSubject(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	summary := s.Summary()
	if summary.ID != "subject-minimal-1" || summary.Channels != 3 || summary.Samples != 4 || summary.Sessions != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestModelCodecRoundTrip(t *testing.T) {
	input := sampleModel("m1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	encoded, err := EncodeModel(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeModel(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("decoded model mismatch: got=%+v want=%+v", decoded, input)
	}
}

func TestSubjectCodecRoundTrip(t *testing.T) {
	input := sampleSubject("s1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	encoded, err := EncodeSubject(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSubject(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("decoded subject mismatch: got=%+v want=%+v", decoded, input)
	}
}

func TestDecodeModelVersionMismatch(t *testing.T) {
	input := sampleModel("m1", time.Now().UTC())
	input.CodecVersion = CurrentCodecVersion + 1
	encoded, err := EncodeModel(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeModel(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestDecodeSubjectVersionMismatch(t *testing.T) {
	input := sampleSubject("s1", time.Now().UTC())
	input.SchemaVersion = CurrentSchemaVersion + 1
	encoded, err := EncodeSubject(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeSubject(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func sampleModel(id string, created time.Time) model.CorrelationModel {
	return model.CorrelationModel{
		VersionedRecord: model.Current(),
		ID:              id,
		Name:            "sample",
		Locations:       [][3]float64{{0, 0, 0}, {1, 2, 3}},
		Numerator:       []byte{1, 2, 3, 4},
		Denominator:     []byte{5, 6, 7, 8},
		Subjects:        3,
		Width:           20,
		Meta:            map[string]any{"atlas": "grid"},
		CreatedAt:       created,
	}
}

func sampleSubject(id string, created time.Time) model.Subject {
	return model.Subject{
		VersionedRecord: model.Current(),
		ID:              id,
		Timeseries:      []byte{9, 8, 7},
		Locations:       [][3]float64{{0, 0, 0}, {5, 5, 5}},
		Sessions:        []int{1, 1, 2},
		SampleRates:     []float64{1000},
		Kurtosis:        []byte{1},
		Labels:          []string{"observed", "observed"},
		CreatedAt:       created,
	}
}
