package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"brainfill/internal/model"
)

const (
	CurrentSchemaVersion = model.SchemaVersion
	CurrentCodecVersion  = model.CodecVersion
)

var ErrVersionMismatch = errors.New("storage: record version mismatch")

func EncodeModel(m model.CorrelationModel) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeModel(data []byte) (model.CorrelationModel, error) {
	var m model.CorrelationModel
	if err := json.Unmarshal(data, &m); err != nil {
		return model.CorrelationModel{}, err
	}
	if err := checkVersion(m.VersionedRecord); err != nil {
		return model.CorrelationModel{}, err
	}
	return m, nil
}

func EncodeSubject(s model.Subject) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeSubject(data []byte) (model.Subject, error) {
	var s model.Subject
	if err := json.Unmarshal(data, &s); err != nil {
		return model.Subject{}, err
	}
	if err := checkVersion(s.VersionedRecord); err != nil {
		return model.Subject{}, err
	}
	return s, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

// sortModels orders listings oldest first, ties by id.
func sortModels(out []model.ModelSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func sortSubjects(out []model.SubjectSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
