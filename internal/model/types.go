package model

import "time"

const (
	SchemaVersion = 1
	CodecVersion  = 1
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Current is the version stamped on newly built records.
func Current() VersionedRecord {
	return VersionedRecord{SchemaVersion: SchemaVersion, CodecVersion: CodecVersion}
}

// CorrelationModel is the stored form of a population model. Matrices use
// gonum's binary encoding so they round-trip bit for bit.
type CorrelationModel struct {
	VersionedRecord
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Locations   [][3]float64   `json:"locations"`
	Numerator   []byte         `json:"numerator"`
	Denominator []byte         `json:"denominator"`
	Subjects    int            `json:"subjects"`
	Width       float64        `json:"width"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Subject is the stored form of a recording. Kurtosis may hold NaN, so it is
// binary encoded as well.
type Subject struct {
	VersionedRecord
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Timeseries  []byte         `json:"timeseries"`
	Locations   [][3]float64   `json:"locations"`
	Sessions    []int          `json:"sessions"`
	SampleRates []float64      `json:"sample_rates"`
	Meta        map[string]any `json:"meta,omitempty"`
	Kurtosis    []byte         `json:"kurtosis"`
	Labels      []string       `json:"labels,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type ModelSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Locations int       `json:"locations"`
	Subjects  int       `json:"subjects"`
	Width     float64   `json:"width"`
	CreatedAt time.Time `json:"created_at"`
}

type SubjectSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Channels  int       `json:"channels"`
	Samples   int       `json:"samples"`
	Sessions  int       `json:"sessions"`
	CreatedAt time.Time `json:"created_at"`
}

func (m CorrelationModel) Summary() ModelSummary {
	return ModelSummary{
		ID:        m.ID,
		Name:      m.Name,
		Locations: len(m.Locations),
		Subjects:  m.Subjects,
		Width:     m.Width,
		CreatedAt: m.CreatedAt,
	}
}

func (s Subject) Summary() SubjectSummary {
	seen := make(map[int]struct{})
	for _, id := range s.Sessions {
		seen[id] = struct{}{}
	}
	return SubjectSummary{
		ID:        s.ID,
		Name:      s.Name,
		Channels:  len(s.Locations),
		Samples:   len(s.Sessions),
		Sessions:  len(seen),
		CreatedAt: s.CreatedAt,
	}
}
