package repositories

import (
	"context"

	"github.com/gradekit/worker/pkg/evaluation"
)

// AssignmentStore is owned by an external collaborator; the core only reads.
// An absent assignment is (nil, nil), not an error.
type AssignmentStore interface {
	GetAssignmentByID(ctx context.Context, id string) (*evaluation.Assignment, error)
}

// EvaluationStore is the authoritative record store. Save is an idempotent
// upsert keyed by the record id; the finders serve callers, not the
// orchestrator's own pipeline.
type EvaluationStore interface {
	Save(ctx context.Context, record *evaluation.Record) error
	FindByID(ctx context.Context, id string) (*evaluation.Record, error)
	FindByStudentID(ctx context.Context, studentID string) ([]evaluation.Record, error)
	FindByAssignmentID(ctx context.Context, assignmentID string) ([]evaluation.Record, error)
}
