package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// AlertStore is the alert persistence boundary the engine needs
type AlertStore interface {
	Create(ctx context.Context, alert *database.Alert) error
	FindUnacknowledgedByDedupKey(ctx context.Context, tenantID, dedupKey string, window time.Duration) (*database.Alert, error)
}

// Dispatcher hands created alerts to the external notification collaborator.
// Delivery is best-effort; the alert record stays authoritative.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *database.Alert, channels []string) error
}

// AlertEngine decides whether a condition warrants a new alert, deduplicates
// against recently issued ones and assigns severity. The Postgres alert row
// is authoritative across runs; an in-process cache guarantees that a dedup
// check observes alerts created earlier in the same run.
type AlertEngine struct {
	cfg        config.MonitoringConfig
	logger     *slog.Logger
	store      AlertStore
	dispatcher Dispatcher
	recent     *cache.Cache
	onCreated  func(alert *database.Alert)
}

// NewAlertEngine creates a new alert engine
func NewAlertEngine(cfg config.MonitoringConfig, logger *slog.Logger, store AlertStore, dispatcher Dispatcher) *AlertEngine {
	return &AlertEngine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		recent:     cache.New(cfg.DedupWindow, 2*cfg.DedupWindow),
	}
}

// OnCreated registers a hook invoked for every alert actually created
func (e *AlertEngine) OnCreated(fn func(alert *database.Alert)) {
	e.onCreated = fn
}

// BeginRun clears the in-process dedup cache. The cache only covers
// same-run ordering; an entry carried into the next run would keep
// suppressing a key after its alert was acknowledged, while the store
// lookup would correctly let it through.
func (e *AlertEngine) BeginRun() {
	e.recent.Flush()
}

// EvaluateObligation maps an obligation's deadline distance to an alert
// condition and raises it, deduplicated. Returns the created alert or nil.
func (e *AlertEngine) EvaluateObligation(ctx context.Context, obl *database.ObligationInstance, req catalog.Requirement, subject *database.SubjectProfile, now time.Time) (*database.Alert, error) {
	daysUntil := DaysUntilDue(obl.DueDate, now)

	var alertType, severity, title, action string
	switch {
	case obl.Status == database.StatusOverdue:
		alertType = database.AlertDeadlineOverdue
		severity = database.SeverityCritical
		title = fmt.Sprintf("%s filing overdue", req.Name)
		action = fmt.Sprintf("File the %s return for %s immediately; penalties are accruing daily", req.Name, obl.PeriodLabel)
	case daysUntil <= 1:
		alertType = database.AlertDeadlineToday
		severity = database.SeverityHigh
		title = fmt.Sprintf("%s due today", req.Name)
		action = fmt.Sprintf("Submit the %s filing for %s before end of day", req.Name, obl.PeriodLabel)
	case daysUntil <= 7:
		alertType = database.AlertDeadlineApproaching
		severity = database.SeverityMedium
		if req.Priority == catalog.PriorityUrgent {
			severity = database.SeverityHigh
		}
		title = fmt.Sprintf("%s due in %d days", req.Name, daysUntil)
		action = fmt.Sprintf("Prepare the %s filing for %s", req.Name, obl.PeriodLabel)
	case e.inWarningWindow(daysUntil):
		alertType = database.AlertDeadlineReminder
		severity = database.SeverityLow
		title = fmt.Sprintf("%s due in %d days", req.Name, daysUntil)
		action = fmt.Sprintf("Schedule preparation of the %s filing for %s", req.Name, obl.PeriodLabel)
	default:
		return nil, nil
	}

	oblID := obl.ID
	reqID := obl.RequirementID
	alert := &database.Alert{
		TenantID:       obl.TenantID,
		SubjectID:      obl.SubjectID,
		ObligationID:   &oblID,
		RequirementID:  &reqID,
		Authority:      obl.Authority,
		Type:           alertType,
		Severity:       severity,
		Title:          title,
		Message: fmt.Sprintf("%s: %s for period %s is due %s (subject %s)",
			obl.Authority, req.Name, obl.PeriodLabel, obl.DueDate.Format("2006-01-02"), subject.Name),
		ActionRequired: action,
		DedupKey:       DedupKey(obl.SubjectID, obl.RequirementID, alertType),
	}

	return e.Raise(ctx, alert)
}

// EvaluatePenaltyTotal raises the subject-level penalty alert for the highest
// configured rung the accrued total has crossed. The rung is part of the
// dedup key so a newly crossed rung is never suppressed by the previous one.
func (e *AlertEngine) EvaluatePenaltyTotal(ctx context.Context, subject *database.SubjectProfile, totalAccrued int64) (*database.Alert, error) {
	rungIndex := -1
	for i, rung := range e.cfg.PenaltyRungs {
		if totalAccrued > rung {
			rungIndex = i
		}
	}
	if rungIndex < 0 {
		return nil, nil
	}

	severities := []string{
		database.SeverityLow,
		database.SeverityMedium,
		database.SeverityHigh,
		database.SeverityCritical,
	}
	sevIndex := rungIndex
	if sevIndex >= len(severities) {
		sevIndex = len(severities) - 1
	}

	rung := e.cfg.PenaltyRungs[rungIndex]
	alert := &database.Alert{
		TenantID:  subject.TenantID,
		SubjectID: subject.ID,
		Type:      database.AlertPenaltyAccruing,
		Severity:  severities[sevIndex],
		Title:     fmt.Sprintf("Penalties accruing for %s", subject.Name),
		Message: fmt.Sprintf("Accrued penalties for %s have reached %d, crossing the %d threshold",
			subject.Name, totalAccrued, rung),
		ActionRequired: "Settle outstanding filings to stop further penalty accrual",
		DedupKey:       DedupKey(subject.ID, fmt.Sprintf("rung:%d", rung), database.AlertPenaltyAccruing),
	}

	return e.Raise(ctx, alert)
}

// Raise creates the alert unless an unacknowledged alert with the same dedup
// key exists inside the dedup window. On creation the alert is handed to the
// notification dispatcher; a dispatch failure never rolls back the record.
func (e *AlertEngine) Raise(ctx context.Context, alert *database.Alert) (*database.Alert, error) {
	if _, found := e.recent.Get(alert.TenantID + "|" + alert.DedupKey); found {
		return nil, nil
	}

	existing, err := e.store.FindUnacknowledgedByDedupKey(ctx, alert.TenantID, alert.DedupKey, e.cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	if existing != nil {
		e.recent.SetDefault(alert.TenantID+"|"+alert.DedupKey, existing.ID)
		return nil, nil
	}

	alert.ID = uuid.New().String()
	if err := e.store.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	e.recent.SetDefault(alert.TenantID+"|"+alert.DedupKey, alert.ID)

	if e.onCreated != nil {
		e.onCreated(alert)
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, alert, RecommendedChannels(alert.Severity)); err != nil {
			e.logger.Error("Notification dispatch failed",
				"alert_id", alert.ID,
				"type", alert.Type,
				"error", err)
		}
	}

	return alert, nil
}

func (e *AlertEngine) inWarningWindow(daysUntil int) bool {
	for _, d := range e.cfg.WarningDays {
		if daysUntil == d {
			return true
		}
	}
	return false
}

// DedupKey builds the (subject, requirement-or-none, type) deduplication key.
// Scope carries the requirement ID for obligation alerts, the authority code
// for score alerts, the crossed rung for penalty alerts, or "-" for none.
func DedupKey(subjectID, scope, alertType string) string {
	if scope == "" {
		scope = "-"
	}
	return subjectID + "|" + scope + "|" + alertType
}

// RecommendedChannels maps alert severity to delivery channels for the
// external notification dispatcher
func RecommendedChannels(severity string) []string {
	switch severity {
	case database.SeverityCritical:
		return []string{"email", "sms", "in_app"}
	case database.SeverityHigh:
		return []string{"email", "in_app"}
	default:
		return []string{"in_app"}
	}
}
