package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// AlertRepository handles alert persistence. The unacknowledged-by-dedup-key
// lookup backs the engine's cross-run deduplication.
type AlertRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *sqlx.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

// Create creates a new alert
func (r *AlertRepository) Create(ctx context.Context, alert *Alert) error {
	query := `
		INSERT INTO alerts (
			id, tenant_id, subject_id, obligation_id, requirement_id, authority,
			type, severity, title, message, action_required, dedup_key,
			acknowledged, archived, created_at, updated_at
		) VALUES (
			:id, :tenant_id, :subject_id, :obligation_id, :requirement_id, :authority,
			:type, :severity, :title, :message, :action_required, :dedup_key,
			:acknowledged, :archived, :created_at, :updated_at
		)`

	alert.CreatedAt = time.Now()
	alert.UpdatedAt = time.Now()

	if _, err := r.db.NamedExecContext(ctx, query, alert); err != nil {
		r.logger.Error("Failed to create alert", "alert_id", alert.ID, "dedup_key", alert.DedupKey, "error", err)
		return fmt.Errorf("failed to create alert: %w", err)
	}

	r.logger.Info("Alert created",
		"alert_id", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"subject_id", alert.SubjectID)
	return nil
}

// FindUnacknowledgedByDedupKey returns the newest unacknowledged alert with
// the given dedup key created inside the window, or nil
func (r *AlertRepository) FindUnacknowledgedByDedupKey(ctx context.Context, tenantID, dedupKey string, window time.Duration) (*Alert, error) {
	query := `
		SELECT * FROM alerts
		WHERE tenant_id = $1 AND dedup_key = $2
		AND NOT acknowledged AND NOT archived
		AND created_at > $3
		ORDER BY created_at DESC
		LIMIT 1`

	var alert Alert
	err := r.db.GetContext(ctx, &alert, query, tenantID, dedupKey, time.Now().Add(-window))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to find alert by dedup key", "dedup_key", dedupKey, "error", err)
		return nil, fmt.Errorf("failed to find alert by dedup key: %w", err)
	}

	return &alert, nil
}

// GetByID retrieves an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*Alert, error) {
	query := `SELECT * FROM alerts WHERE id = $1`

	var alert Alert
	if err := r.db.GetContext(ctx, &alert, query, id); err != nil {
		r.logger.Error("Failed to get alert by ID", "alert_id", id, "error", err)
		return nil, fmt.Errorf("failed to get alert by ID: %w", err)
	}

	return &alert, nil
}

// List retrieves alerts for a tenant with optional filters
func (r *AlertRepository) List(ctx context.Context, tenantID string, filters map[string]string, limit, offset int) ([]*Alert, error) {
	conditions := []string{"tenant_id = $1", "NOT archived"}
	args := []interface{}{tenantID}
	argIndex := 1

	for _, field := range []string{"subject_id", "type", "severity", "authority"} {
		if value := filters[field]; value != "" {
			argIndex++
			conditions = append(conditions, fmt.Sprintf("%s = $%d", field, argIndex))
			args = append(args, value)
		}
	}
	if value := filters["acknowledged"]; value != "" {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("acknowledged = $%d", argIndex))
		args = append(args, value == "true")
	}

	if limit <= 0 {
		limit = 100
	}
	argIndex++
	args = append(args, limit)
	limitClause := fmt.Sprintf("LIMIT $%d", argIndex)
	if offset > 0 {
		argIndex++
		args = append(args, offset)
		limitClause += fmt.Sprintf(" OFFSET $%d", argIndex)
	}

	query := fmt.Sprintf(`
		SELECT * FROM alerts
		WHERE %s
		ORDER BY created_at DESC
		%s`, strings.Join(conditions, " AND "), limitClause)

	var alerts []*Alert
	if err := r.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		r.logger.Error("Failed to list alerts", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	return alerts, nil
}

// Acknowledge acknowledges an alert, releasing its dedup key
func (r *AlertRepository) Acknowledge(ctx context.Context, alertID, acknowledgedBy string) error {
	query := `
		UPDATE alerts SET
			acknowledged = TRUE,
			acknowledged_at = NOW(),
			acknowledged_by = $2,
			updated_at = NOW()
		WHERE id = $1 AND NOT acknowledged AND NOT archived`

	result, err := r.db.ExecContext(ctx, query, alertID, acknowledgedBy)
	if err != nil {
		r.logger.Error("Failed to acknowledge alert", "alert_id", alertID, "error", err)
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert not found or already acknowledged: %s", alertID)
	}

	r.logger.Info("Alert acknowledged", "alert_id", alertID, "acknowledged_by", acknowledgedBy)
	return nil
}

// GetStats retrieves alert counts for a tenant over a time range
func (r *AlertRepository) GetStats(ctx context.Context, tenantID string, timeRange time.Duration) (*AlertStats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COUNT(CASE WHEN NOT acknowledged THEN 1 END) as open,
			COUNT(CASE WHEN acknowledged THEN 1 END) as acknowledged,
			COUNT(CASE WHEN severity = 'critical' THEN 1 END) as critical,
			COUNT(CASE WHEN severity = 'high' THEN 1 END) as high,
			COUNT(CASE WHEN severity = 'medium' THEN 1 END) as medium,
			COUNT(CASE WHEN severity = 'low' THEN 1 END) as low
		FROM alerts
		WHERE tenant_id = $1 AND NOT archived AND created_at > $2`

	var stats AlertStats
	err := r.db.GetContext(ctx, &stats, query, tenantID, time.Now().Add(-timeRange))
	if err != nil {
		r.logger.Error("Failed to get alert stats", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("failed to get alert stats: %w", err)
	}

	return &stats, nil
}

// ArchiveAcknowledgedOlderThan archives acknowledged alerts past retention.
// Alerts are never deleted.
func (r *AlertRepository) ArchiveAcknowledgedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE alerts SET
			archived = TRUE,
			updated_at = NOW()
		WHERE acknowledged AND NOT archived AND acknowledged_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		r.logger.Error("Failed to archive acknowledged alerts", "error", err)
		return 0, fmt.Errorf("failed to archive acknowledged alerts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.Info("Acknowledged alerts archived", "archived_count", rows)
	}
	return int(rows), nil
}
