package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ScoreRepository handles compliance score persistence. Scores are superseded
// in place each run; the prior value survives only as previous_score.
type ScoreRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewScoreRepository creates a new score repository
func NewScoreRepository(db *sqlx.DB, logger *slog.Logger) *ScoreRepository {
	return &ScoreRepository{db: db, logger: logger}
}

// Get retrieves the current score for a subject/authority pair, or nil
func (r *ScoreRepository) Get(ctx context.Context, tenantID, subjectID, authority string) (*ComplianceScore, error) {
	query := `
		SELECT * FROM compliance_scores
		WHERE tenant_id = $1 AND subject_id = $2 AND authority = $3`

	var score ComplianceScore
	err := r.db.GetContext(ctx, &score, query, tenantID, subjectID, authority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get compliance score",
			"subject_id", subjectID, "authority", authority, "error", err)
		return nil, fmt.Errorf("failed to get compliance score: %w", err)
	}

	return &score, nil
}

// ListBySubject retrieves all authority scores for a subject
func (r *ScoreRepository) ListBySubject(ctx context.Context, tenantID, subjectID string) ([]*ComplianceScore, error) {
	query := `
		SELECT * FROM compliance_scores
		WHERE tenant_id = $1 AND subject_id = $2
		ORDER BY authority`

	var scores []*ComplianceScore
	if err := r.db.SelectContext(ctx, &scores, query, tenantID, subjectID); err != nil {
		r.logger.Error("Failed to list compliance scores", "subject_id", subjectID, "error", err)
		return nil, fmt.Errorf("failed to list compliance scores: %w", err)
	}

	return scores, nil
}

// Upsert supersedes the stored score for the subject/authority pair
func (r *ScoreRepository) Upsert(ctx context.Context, score *ComplianceScore) error {
	query := `
		INSERT INTO compliance_scores (
			id, tenant_id, subject_id, authority, score, level, issues,
			previous_score, computed_at
		) VALUES (
			:id, :tenant_id, :subject_id, :authority, :score, :level, :issues,
			:previous_score, :computed_at
		)
		ON CONFLICT (tenant_id, subject_id, authority) DO UPDATE SET
			score = EXCLUDED.score,
			level = EXCLUDED.level,
			issues = EXCLUDED.issues,
			previous_score = EXCLUDED.previous_score,
			computed_at = EXCLUDED.computed_at`

	if score.ComputedAt.IsZero() {
		score.ComputedAt = time.Now()
	}

	if _, err := r.db.NamedExecContext(ctx, query, score); err != nil {
		r.logger.Error("Failed to upsert compliance score",
			"subject_id", score.SubjectID, "authority", score.Authority, "error", err)
		return fmt.Errorf("failed to upsert compliance score: %w", err)
	}

	return nil
}
