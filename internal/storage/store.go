package storage

import (
	"context"

	"brainfill/internal/model"
)

// Store persists correlation models and subject recordings. Records are
// written whole; a failed fit never reaches a Save call.
type Store interface {
	Init(ctx context.Context) error
	SaveModel(ctx context.Context, m model.CorrelationModel) error
	GetModel(ctx context.Context, id string) (model.CorrelationModel, bool, error)
	ListModels(ctx context.Context) ([]model.ModelSummary, error)
	DeleteModel(ctx context.Context, id string) error
	SaveSubject(ctx context.Context, s model.Subject) error
	GetSubject(ctx context.Context, id string) (model.Subject, bool, error)
	ListSubjects(ctx context.Context) ([]model.SubjectSummary, error)
}
