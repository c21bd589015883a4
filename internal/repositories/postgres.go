package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/gradekit/worker/internal/diagnostics"
	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/pkg/evaluation"
	"go.uber.org/zap"
)

// Connect opens and pings a PostgreSQL connection for the stores below.
func Connect(dsn string) (*sqlx.DB, error) {
	return sqlx.Connect("postgres", dsn)
}

type postgresAssignmentStore struct {
	db     *sqlx.DB
	logger *zap.SugaredLogger
}

func NewPostgresAssignmentStore(db *sqlx.DB) AssignmentStore {
	return &postgresAssignmentStore{
		db:     db,
		logger: logger.NewNamedLogger("assignment-store"),
	}
}

func (s *postgresAssignmentStore) GetAssignmentByID(ctx context.Context, id string) (*evaluation.Assignment, error) {
	var assignment evaluation.Assignment

	query := `SELECT id, title, test_artifact_path FROM assignments WHERE id = $1`
	err := s.db.GetContext(ctx, &assignment, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Errorf("Failed to fetch assignment %s: %s", id, err)
		return nil, fmt.Errorf("failed to fetch assignment: %w", err)
	}

	return &assignment, nil
}

type postgresEvaluationStore struct {
	db     *sqlx.DB
	logger *zap.SugaredLogger
}

func NewPostgresEvaluationStore(db *sqlx.DB) EvaluationStore {
	return &postgresEvaluationStore{
		db:     db,
		logger: logger.NewNamedLogger("evaluation-store"),
	}
}

func (s *postgresEvaluationStore) Save(ctx context.Context, record *evaluation.Record) error {
	query := `
		INSERT INTO evaluations (
			id, student_id, assignment_id, score, max_score, status,
			evaluated_at, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			score = EXCLUDED.score,
			max_score = EXCLUDED.max_score,
			status = EXCLUDED.status,
			evaluated_at = EXCLUDED.evaluated_at,
			error_message = EXCLUDED.error_message
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		record.ID,
		record.StudentID,
		record.AssignmentID,
		record.Score,
		record.MaxScore,
		record.Status,
		record.EvaluatedAt,
		record.ErrorMessage,
	)
	if err != nil {
		s.logger.Errorf("Failed to save evaluation %s: %s", record.ID, err)
		return fmt.Errorf("failed to save evaluation: %w", err)
	}

	return nil
}

func (s *postgresEvaluationStore) FindByID(ctx context.Context, id string) (*evaluation.Record, error) {
	var record evaluation.Record

	query := `
		SELECT id, student_id, assignment_id, score, max_score, status,
		       evaluated_at, error_message
		FROM evaluations WHERE id = $1
	`
	err := s.db.GetContext(ctx, &record, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Errorf("Failed to fetch evaluation %s: %s", id, err)
		return nil, fmt.Errorf("failed to fetch evaluation: %w", err)
	}

	return &record, nil
}

func (s *postgresEvaluationStore) FindByStudentID(ctx context.Context, studentID string) ([]evaluation.Record, error) {
	return s.findBy(ctx, "student_id", studentID)
}

func (s *postgresEvaluationStore) FindByAssignmentID(ctx context.Context, assignmentID string) ([]evaluation.Record, error) {
	return s.findBy(ctx, "assignment_id", assignmentID)
}

func (s *postgresEvaluationStore) findBy(ctx context.Context, column, value string) ([]evaluation.Record, error) {
	var records []evaluation.Record

	query := fmt.Sprintf(`
		SELECT id, student_id, assignment_id, score, max_score, status,
		       evaluated_at, error_message
		FROM evaluations WHERE %s = $1
		ORDER BY evaluated_at DESC
	`, column)

	if err := s.db.SelectContext(ctx, &records, query, value); err != nil {
		s.logger.Errorf("Failed to list evaluations by %s=%s: %s", column, value, err)
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}

	return records, nil
}

type postgresDiagnosticStore struct {
	db     *sqlx.DB
	logger *zap.SugaredLogger
}

func NewPostgresDiagnosticStore(db *sqlx.DB) diagnostics.Store {
	return &postgresDiagnosticStore{
		db:     db,
		logger: logger.NewNamedLogger("diagnostic-store"),
	}
}

// Save appends one entry; the table is insert-only, entries are never
// updated or deleted by the core.
func (s *postgresDiagnosticStore) Save(ctx context.Context, entry *diagnostics.LogEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostic details: %w", err)
	}
	exceptionJSON, err := json.Marshal(entry.Exception)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostic exception: %w", err)
	}

	query := `
		INSERT INTO diagnostic_log (
			id, timestamp, level, category, message, details, exception
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.db.ExecContext(
		ctx,
		query,
		entry.ID,
		entry.Timestamp,
		entry.Level,
		entry.Category,
		entry.Message,
		detailsJSON,
		exceptionJSON,
	)
	if err != nil {
		s.logger.Errorf("Failed to append diagnostic entry %s: %s", entry.ID, err)
		return fmt.Errorf("failed to append diagnostic entry: %w", err)
	}

	return nil
}
