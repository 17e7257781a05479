package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"brainfill/internal/model"
)

const (
	pebbleModelPrefix   = "model|"
	pebbleSubjectPrefix = "subject|"
)

// PebbleStore keeps one JSON payload per record in a Pebble directory,
// keyed by kind prefix and id.
type PebbleStore struct {
	path string

	mu sync.RWMutex
	db *pebble.DB
}

func NewPebbleStore(path string) *PebbleStore {
	return &PebbleStore{path: path}
}

func (s *PebbleStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(s.path) == "" {
		return errors.New("pebble path is required")
	}
	if s.db != nil {
		return nil
	}
	db, err := pebble.Open(s.path, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("pebble open: %w", err)
	}
	s.db = db
	return nil
}

func (s *PebbleStore) SaveModel(_ context.Context, m model.CorrelationModel) error {
	payload, err := EncodeModel(m)
	if err != nil {
		return err
	}
	return s.set(pebbleModelPrefix+m.ID, payload)
}

func (s *PebbleStore) GetModel(_ context.Context, id string) (model.CorrelationModel, bool, error) {
	payload, ok, err := s.get(pebbleModelPrefix + id)
	if err != nil || !ok {
		return model.CorrelationModel{}, false, err
	}
	m, err := DecodeModel(payload)
	if err != nil {
		return model.CorrelationModel{}, false, fmt.Errorf("decode model %s: %w", id, err)
	}
	return m, true, nil
}

func (s *PebbleStore) ListModels(ctx context.Context) ([]model.ModelSummary, error) {
	var out []model.ModelSummary
	err := s.scan(ctx, pebbleModelPrefix, func(id string, payload []byte) error {
		m, err := DecodeModel(payload)
		if err != nil {
			return fmt.Errorf("decode model %s: %w", id, err)
		}
		out = append(out, m.Summary())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortModels(out)
	return out, nil
}

func (s *PebbleStore) DeleteModel(_ context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Delete([]byte(pebbleModelPrefix+id), pebble.Sync)
}

func (s *PebbleStore) SaveSubject(_ context.Context, subject model.Subject) error {
	payload, err := EncodeSubject(subject)
	if err != nil {
		return err
	}
	return s.set(pebbleSubjectPrefix+subject.ID, payload)
}

func (s *PebbleStore) GetSubject(_ context.Context, id string) (model.Subject, bool, error) {
	payload, ok, err := s.get(pebbleSubjectPrefix + id)
	if err != nil || !ok {
		return model.Subject{}, false, err
	}
	subject, err := DecodeSubject(payload)
	if err != nil {
		return model.Subject{}, false, fmt.Errorf("decode subject %s: %w", id, err)
	}
	return subject, true, nil
}

func (s *PebbleStore) ListSubjects(ctx context.Context) ([]model.SubjectSummary, error) {
	var out []model.SubjectSummary
	err := s.scan(ctx, pebbleSubjectPrefix, func(id string, payload []byte) error {
		subject, err := DecodeSubject(payload)
		if err != nil {
			return fmt.Errorf("decode subject %s: %w", id, err)
		}
		out = append(out, subject.Summary())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSubjects(out)
	return out, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleStore) getDB() (*pebble.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func (s *PebbleStore) set(key string, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Set([]byte(key), payload, pebble.Sync)
}

func (s *PebbleStore) get(key string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	value, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	// value is only valid until closer is closed
	return append([]byte(nil), value...), true, nil
}

func (s *PebbleStore) scan(ctx context.Context, prefix string, fn func(id string, payload []byte) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	upper := []byte(prefix)
	upper[len(upper)-1]++
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := strings.TrimPrefix(string(iter.Key()), prefix)
		if err := fn(id, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
