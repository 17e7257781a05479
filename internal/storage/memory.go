package storage

import (
	"context"
	"errors"
	"sync"

	"brainfill/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	models      map[string]model.CorrelationModel
	subjects    map[string]model.Subject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.models = make(map[string]model.CorrelationModel)
	s.subjects = make(map[string]model.Subject)
	return nil
}

func (s *MemoryStore) SaveModel(_ context.Context, m model.CorrelationModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.models[m.ID] = copyModel(m)
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (model.CorrelationModel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return model.CorrelationModel{}, false, nil
	}
	return copyModel(m), true, nil
}

func (s *MemoryStore) ListModels(_ context.Context) ([]model.ModelSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ModelSummary, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m.Summary())
	}
	sortModels(out)
	return out, nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.models, id)
	return nil
}

func (s *MemoryStore) SaveSubject(_ context.Context, subject model.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.subjects[subject.ID] = copySubject(subject)
	return nil
}

func (s *MemoryStore) GetSubject(_ context.Context, id string) (model.Subject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.subjects[id]
	if !ok {
		return model.Subject{}, false, nil
	}
	return copySubject(subject), true, nil
}

func (s *MemoryStore) ListSubjects(_ context.Context) ([]model.SubjectSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SubjectSummary, 0, len(s.subjects))
	for _, subject := range s.subjects {
		out = append(out, subject.Summary())
	}
	sortSubjects(out)
	return out, nil
}

var errNotInitialized = errors.New("store is not initialized")

// Records hold byte slices and maps; copies keep callers from mutating
// stored state.
func copyModel(m model.CorrelationModel) model.CorrelationModel {
	m.Locations = append([][3]float64(nil), m.Locations...)
	m.Numerator = append([]byte(nil), m.Numerator...)
	m.Denominator = append([]byte(nil), m.Denominator...)
	m.Meta = copyMeta(m.Meta)
	return m
}

func copySubject(s model.Subject) model.Subject {
	s.Timeseries = append([]byte(nil), s.Timeseries...)
	s.Locations = append([][3]float64(nil), s.Locations...)
	s.Sessions = append([]int(nil), s.Sessions...)
	s.SampleRates = append([]float64(nil), s.SampleRates...)
	s.Kurtosis = append([]byte(nil), s.Kurtosis...)
	s.Labels = append([]string(nil), s.Labels...)
	s.Meta = copyMeta(s.Meta)
	return s
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
