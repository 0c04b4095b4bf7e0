package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// SubjectRepository provides read access to subject profiles. Profiles are
// mutated by external CRUD collaborators; the engine only reads them.
type SubjectRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSubjectRepository creates a new subject repository
func NewSubjectRepository(db *sqlx.DB, logger *slog.Logger) *SubjectRepository {
	return &SubjectRepository{db: db, logger: logger}
}

// ListActive retrieves all active subjects for a tenant
func (r *SubjectRepository) ListActive(ctx context.Context, tenantID string) ([]*SubjectProfile, error) {
	query := `
		SELECT * FROM subject_profiles
		WHERE tenant_id = $1 AND active = TRUE
		ORDER BY id`

	var subjects []*SubjectProfile
	if err := r.db.SelectContext(ctx, &subjects, query, tenantID); err != nil {
		r.logger.Error("Failed to list active subjects", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("failed to list active subjects: %w", err)
	}

	return subjects, nil
}

// GetByID retrieves a subject by ID
func (r *SubjectRepository) GetByID(ctx context.Context, id string) (*SubjectProfile, error) {
	query := `SELECT * FROM subject_profiles WHERE id = $1`

	var subject SubjectProfile
	if err := r.db.GetContext(ctx, &subject, query, id); err != nil {
		r.logger.Error("Failed to get subject by ID", "subject_id", id, "error", err)
		return nil, fmt.Errorf("failed to get subject by ID: %w", err)
	}

	return &subject, nil
}
