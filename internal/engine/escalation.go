package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// EscalationEngine watches accrued penalties and overdue age per obligation
// and raises escalation-tier alerts for chronic cases. Escalation alerts use
// their own alert type, so their dedup key never collides with the standard
// overdue alert for the same obligation: both can be open at once.
type EscalationEngine struct {
	cfg    config.EscalationConfig
	logger *slog.Logger
	alerts *AlertEngine
}

// NewEscalationEngine creates a new escalation engine
func NewEscalationEngine(cfg config.EscalationConfig, logger *slog.Logger, alerts *AlertEngine) *EscalationEngine {
	return &EscalationEngine{cfg: cfg, logger: logger, alerts: alerts}
}

// ShouldEscalate reports whether an overdue obligation has crossed either
// escalation bound: the secondary penalty threshold or the overdue age limit.
func (e *EscalationEngine) ShouldEscalate(obl *database.ObligationInstance) bool {
	if obl.Status != database.StatusOverdue {
		return false
	}
	return obl.AccruedPenalty >= e.cfg.SecondPenaltyThreshold ||
		obl.DaysOverdue >= e.cfg.OverdueDays
}

// Evaluate raises an escalation alert for a chronic overdue item when
// warranted. Severity is critical past the tertiary penalty threshold,
// high otherwise.
func (e *EscalationEngine) Evaluate(ctx context.Context, obl *database.ObligationInstance, req catalog.Requirement, subject *database.SubjectProfile) (*database.Alert, error) {
	if !e.ShouldEscalate(obl) {
		return nil, nil
	}

	severity := database.SeverityHigh
	if obl.AccruedPenalty >= e.cfg.ThirdPenaltyThreshold {
		severity = database.SeverityCritical
	}

	oblID := obl.ID
	reqID := obl.RequirementID
	alert := &database.Alert{
		TenantID:      obl.TenantID,
		SubjectID:     obl.SubjectID,
		ObligationID:  &oblID,
		RequirementID: &reqID,
		Authority:     obl.Authority,
		Type:          database.AlertEscalationRequired,
		Severity:      severity,
		Title:         fmt.Sprintf("Escalation: %s overdue %d days", req.Name, obl.DaysOverdue),
		Message: fmt.Sprintf("%s: %s for period %s has been overdue %d days with %d in accrued penalties (subject %s)",
			obl.Authority, req.Name, obl.PeriodLabel, obl.DaysOverdue, obl.AccruedPenalty, subject.Name),
		ActionRequired: "Escalate to management; arrange immediate filing and penalty settlement",
		DedupKey:       DedupKey(obl.SubjectID, obl.RequirementID, database.AlertEscalationRequired),
	}

	created, err := e.alerts.Raise(ctx, alert)
	if err != nil {
		return nil, err
	}
	if created != nil {
		e.logger.Warn("Obligation escalated",
			"obligation_id", obl.ID,
			"subject_id", obl.SubjectID,
			"days_overdue", obl.DaysOverdue,
			"accrued_penalty", obl.AccruedPenalty,
			"severity", severity)
	}
	return created, nil
}
