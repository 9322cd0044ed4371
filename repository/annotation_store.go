package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LSY1007/NextEnterBack-sub000/models"
)

// PGAnnotationStore writes annotations with plain SQL on the shared pgx pool.
type PGAnnotationStore struct {
	DB *sql.DB
}

func NewPGAnnotationStore(db *sql.DB) *PGAnnotationStore {
	return &PGAnnotationStore{DB: db}
}

func (s *PGAnnotationStore) SaveAnnotation(ctx context.Context, a *models.Annotation) error {
	const query = `
INSERT INTO annotations (session_id, turn_number, answer_revision, analysis_text, specificity_score, star_compliance_score, job_fit_score, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id, turn_number) DO UPDATE SET
  answer_revision = EXCLUDED.answer_revision,
  analysis_text = EXCLUDED.analysis_text,
  specificity_score = EXCLUDED.specificity_score,
  star_compliance_score = EXCLUDED.star_compliance_score,
  job_fit_score = EXCLUDED.job_fit_score,
  created_at = EXCLUDED.created_at
WHERE annotations.answer_revision < EXCLUDED.answer_revision`
	_, err := s.DB.ExecContext(ctx, query,
		a.SessionID,
		a.TurnNumber,
		a.AnswerRevision,
		a.AnalysisText,
		a.SpecificityScore,
		a.StarComplianceScore,
		a.JobFitScore,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save annotation: %w", err)
	}
	return nil
}

func (s *PGAnnotationStore) GetAnnotation(ctx context.Context, sessionID string, turnNumber int) (*models.Annotation, error) {
	const query = `
SELECT session_id, turn_number, answer_revision, analysis_text, specificity_score, star_compliance_score, job_fit_score, created_at
FROM annotations
WHERE session_id = $1 AND turn_number = $2
LIMIT 1`
	var a models.Annotation
	err := s.DB.QueryRowContext(ctx, query, sessionID, turnNumber).Scan(
		&a.SessionID,
		&a.TurnNumber,
		&a.AnswerRevision,
		&a.AnalysisText,
		&a.SpecificityScore,
		&a.StarComplianceScore,
		&a.JobFitScore,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get annotation: %w", err)
	}
	return &a, nil
}

func (s *PGAnnotationStore) ListAnnotations(ctx context.Context, sessionID string) ([]models.Annotation, error) {
	const query = `
SELECT session_id, turn_number, answer_revision, analysis_text, specificity_score, star_compliance_score, job_fit_score, created_at
FROM annotations
WHERE session_id = $1
ORDER BY turn_number ASC`
	rows, err := s.DB.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var out []models.Annotation
	for rows.Next() {
		var a models.Annotation
		if err := rows.Scan(
			&a.SessionID,
			&a.TurnNumber,
			&a.AnswerRevision,
			&a.AnalysisText,
			&a.SpecificityScore,
			&a.StarComplianceScore,
			&a.JobFitScore,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return out, nil
}
