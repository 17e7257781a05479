//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"brainfill/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveModel(ctx context.Context, m model.CorrelationModel) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeModel(m)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO models (id, schema_version, codec_version, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			created_at = excluded.created_at,
			payload = excluded.payload
	`, m.ID, m.SchemaVersion, m.CodecVersion, m.CreatedAt.UnixNano(), payload)
	return err
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (model.CorrelationModel, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CorrelationModel{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM models WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CorrelationModel{}, false, nil
		}
		return model.CorrelationModel{}, false, err
	}

	m, err := DecodeModel(payload)
	if err != nil {
		return model.CorrelationModel{}, false, fmt.Errorf("decode model %s: %w", id, err)
	}
	return m, true, nil
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]model.ModelSummary, error) {
	var out []model.ModelSummary
	err := s.scanPayloads(ctx, `SELECT id, payload FROM models`, func(id string, payload []byte) error {
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

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SaveSubject(ctx context.Context, subject model.Subject) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeSubject(subject)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO subjects (id, schema_version, codec_version, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			created_at = excluded.created_at,
			payload = excluded.payload
	`, subject.ID, subject.SchemaVersion, subject.CodecVersion, subject.CreatedAt.UnixNano(), payload)
	return err
}

func (s *SQLiteStore) GetSubject(ctx context.Context, id string) (model.Subject, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Subject{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM subjects WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Subject{}, false, nil
		}
		return model.Subject{}, false, err
	}

	subject, err := DecodeSubject(payload)
	if err != nil {
		return model.Subject{}, false, fmt.Errorf("decode subject %s: %w", id, err)
	}
	return subject, true, nil
}

func (s *SQLiteStore) ListSubjects(ctx context.Context) ([]model.SubjectSummary, error) {
	var out []model.SubjectSummary
	err := s.scanPayloads(ctx, `SELECT id, payload FROM subjects`, func(id string, payload []byte) error {
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

func (s *SQLiteStore) scanPayloads(ctx context.Context, query string, fn func(id string, payload []byte) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		if err := fn(id, payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS subjects (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
