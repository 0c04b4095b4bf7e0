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

// ObligationRepository handles obligation instance persistence. Uniqueness of
// the natural key (tenant, subject, requirement, period) over non-archived
// rows is enforced here with upsert-by-natural-key semantics.
type ObligationRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewObligationRepository creates a new obligation repository
func NewObligationRepository(db *sqlx.DB, logger *slog.Logger) *ObligationRepository {
	return &ObligationRepository{db: db, logger: logger}
}

// CreateIfAbsent inserts an instance unless one already exists for the same
// natural key. Returns the stored instance and whether a row was created.
func (r *ObligationRepository) CreateIfAbsent(ctx context.Context, obl *ObligationInstance) (*ObligationInstance, bool, error) {
	existing, err := r.GetByNaturalKey(ctx, obl.TenantID, obl.SubjectID, obl.RequirementID, obl.PeriodLabel)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	query := `
		INSERT INTO obligation_instances (
			id, tenant_id, subject_id, requirement_id, authority, period_label,
			due_date, status, days_overdue, accrued_penalty, archived,
			needs_reconciliation, created_at, updated_at
		) VALUES (
			:id, :tenant_id, :subject_id, :requirement_id, :authority, :period_label,
			:due_date, :status, :days_overdue, :accrued_penalty, :archived,
			:needs_reconciliation, :created_at, :updated_at
		)
		ON CONFLICT (tenant_id, subject_id, requirement_id, period_label)
		WHERE NOT archived DO NOTHING`

	obl.CreatedAt = time.Now()
	obl.UpdatedAt = time.Now()

	result, err := r.db.NamedExecContext(ctx, query, obl)
	if err != nil {
		r.logger.Error("Failed to create obligation instance",
			"subject_id", obl.SubjectID,
			"requirement_id", obl.RequirementID,
			"period", obl.PeriodLabel,
			"error", err)
		return nil, false, fmt.Errorf("failed to create obligation instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost a race with a concurrent run for the same tenant; re-read
		existing, err := r.GetByNaturalKey(ctx, obl.TenantID, obl.SubjectID, obl.RequirementID, obl.PeriodLabel)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	r.logger.Info("Obligation instance created",
		"obligation_id", obl.ID,
		"subject_id", obl.SubjectID,
		"requirement_id", obl.RequirementID,
		"period", obl.PeriodLabel,
		"due_date", obl.DueDate.Format("2006-01-02"))
	return obl, true, nil
}

// GetByNaturalKey retrieves the non-archived instance for a natural key
func (r *ObligationRepository) GetByNaturalKey(ctx context.Context, tenantID, subjectID, requirementID, period string) (*ObligationInstance, error) {
	query := `
		SELECT * FROM obligation_instances
		WHERE tenant_id = $1 AND subject_id = $2 AND requirement_id = $3
		AND period_label = $4 AND NOT archived
		ORDER BY created_at
		LIMIT 1`

	var obl ObligationInstance
	err := r.db.GetContext(ctx, &obl, query, tenantID, subjectID, requirementID, period)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		r.logger.Error("Failed to get obligation by natural key", "error", err)
		return nil, fmt.Errorf("failed to get obligation by natural key: %w", err)
	}

	return &obl, nil
}

// ListActiveBySubject retrieves non-archived, unresolved instances for a subject
func (r *ObligationRepository) ListActiveBySubject(ctx context.Context, tenantID, subjectID string) ([]*ObligationInstance, error) {
	query := `
		SELECT * FROM obligation_instances
		WHERE tenant_id = $1 AND subject_id = $2
		AND NOT archived AND status NOT IN ($3, $4)
		ORDER BY due_date`

	var obls []*ObligationInstance
	err := r.db.SelectContext(ctx, &obls, query, tenantID, subjectID, StatusResolved, StatusVoid)
	if err != nil {
		r.logger.Error("Failed to list active obligations", "subject_id", subjectID, "error", err)
		return nil, fmt.Errorf("failed to list active obligations: %w", err)
	}

	return obls, nil
}

// Update persists status, penalty and evaluation bookkeeping in place
func (r *ObligationRepository) Update(ctx context.Context, obl *ObligationInstance) error {
	query := `
		UPDATE obligation_instances SET
			due_date = :due_date,
			status = :status,
			days_overdue = :days_overdue,
			accrued_penalty = :accrued_penalty,
			last_evaluated_at = :last_evaluated_at,
			resolved_at = :resolved_at,
			archived = :archived,
			needs_reconciliation = :needs_reconciliation,
			updated_at = :updated_at
		WHERE id = :id`

	obl.UpdatedAt = time.Now()

	result, err := r.db.NamedExecContext(ctx, query, obl)
	if err != nil {
		r.logger.Error("Failed to update obligation", "obligation_id", obl.ID, "error", err)
		return fmt.Errorf("failed to update obligation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("obligation not found: %s", obl.ID)
	}

	return nil
}

// Resolve marks an obligation satisfied. Called from the external satisfied
// signal, never by the monitoring pipeline itself.
func (r *ObligationRepository) Resolve(ctx context.Context, obligationID string) error {
	query := `
		UPDATE obligation_instances SET
			status = $2,
			resolved_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status != $2 AND NOT archived`

	result, err := r.db.ExecContext(ctx, query, obligationID, StatusResolved)
	if err != nil {
		r.logger.Error("Failed to resolve obligation", "obligation_id", obligationID, "error", err)
		return fmt.Errorf("failed to resolve obligation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("obligation not found or already resolved: %s", obligationID)
	}

	r.logger.Info("Obligation resolved", "obligation_id", obligationID)
	return nil
}

// FindNaturalKeyDuplicates returns non-archived instances sharing a natural
// key for a tenant. Duplicates are data corruption; the monitor flags them
// for manual reconciliation instead of auto-resolving.
func (r *ObligationRepository) FindNaturalKeyDuplicates(ctx context.Context, tenantID string) ([]*ObligationInstance, error) {
	query := `
		SELECT o.* FROM obligation_instances o
		JOIN (
			SELECT tenant_id, subject_id, requirement_id, period_label
			FROM obligation_instances
			WHERE tenant_id = $1 AND NOT archived
			GROUP BY tenant_id, subject_id, requirement_id, period_label
			HAVING COUNT(*) > 1
		) d ON o.tenant_id = d.tenant_id
			AND o.subject_id = d.subject_id
			AND o.requirement_id = d.requirement_id
			AND o.period_label = d.period_label
		WHERE NOT o.archived
		ORDER BY o.subject_id, o.requirement_id, o.period_label, o.created_at`

	var obls []*ObligationInstance
	if err := r.db.SelectContext(ctx, &obls, query, tenantID); err != nil {
		r.logger.Error("Failed to find natural key duplicates", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("failed to find natural key duplicates: %w", err)
	}

	return obls, nil
}

// FlagForReconciliation marks a corrupted pair for manual review
func (r *ObligationRepository) FlagForReconciliation(ctx context.Context, obligationID string) error {
	query := `
		UPDATE obligation_instances SET
			needs_reconciliation = TRUE,
			updated_at = NOW()
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, obligationID); err != nil {
		r.logger.Error("Failed to flag obligation for reconciliation", "obligation_id", obligationID, "error", err)
		return fmt.Errorf("failed to flag obligation for reconciliation: %w", err)
	}

	return nil
}

// ArchiveResolvedOlderThan archives resolved and void instances past the
// retention window. Archived rows are kept for audit, never deleted.
func (r *ObligationRepository) ArchiveResolvedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE obligation_instances SET
			archived = TRUE,
			updated_at = NOW()
		WHERE status IN ($1, $2) AND NOT archived AND updated_at < $3`

	result, err := r.db.ExecContext(ctx, query, StatusResolved, StatusVoid, cutoff)
	if err != nil {
		r.logger.Error("Failed to archive resolved obligations", "error", err)
		return 0, fmt.Errorf("failed to archive resolved obligations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.Info("Resolved obligations archived", "archived_count", rows)
	}
	return int(rows), nil
}
