package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// SubjectStore provides read access to the monitored subjects
type SubjectStore interface {
	ListActive(ctx context.Context, tenantID string) ([]*database.SubjectProfile, error)
}

// ObligationStore is the obligation persistence boundary
type ObligationStore interface {
	CreateIfAbsent(ctx context.Context, obl *database.ObligationInstance) (*database.ObligationInstance, bool, error)
	ListActiveBySubject(ctx context.Context, tenantID, subjectID string) ([]*database.ObligationInstance, error)
	Update(ctx context.Context, obl *database.ObligationInstance) error
	FindNaturalKeyDuplicates(ctx context.Context, tenantID string) ([]*database.ObligationInstance, error)
	FlagForReconciliation(ctx context.Context, obligationID string) error
}

// ScoreStore is the compliance score persistence boundary
type ScoreStore interface {
	Get(ctx context.Context, tenantID, subjectID, authority string) (*database.ComplianceScore, error)
	Upsert(ctx context.Context, score *database.ComplianceScore) error
}

// RunSummary is the synchronous return contract of a monitoring run
type RunSummary struct {
	AlertsCreated      int `json:"alerts_created"`
	DeadlinesProcessed int `json:"deadlines_processed"`
	SubjectsAnalyzed   int `json:"subjects_analyzed"`
	IssuesFound        int `json:"issues_found"`

	// OverdueDeadlines and PenaltyExposure feed the tenant gauges
	OverdueDeadlines int   `json:"overdue_deadlines"`
	PenaltyExposure  int64 `json:"penalty_exposure"`
}

// Monitor runs the per-tenant compliance pipeline:
// schedule -> status -> penalty -> alert -> escalation -> score.
// Subjects are independent and evaluated in parallel; a failure on one
// subject never aborts the tenant's run.
type Monitor struct {
	cfg        config.MonitoringConfig
	logger     *slog.Logger
	catalog    *catalog.Catalog
	subjects   SubjectStore
	obls       ObligationStore
	scores     ScoreStore
	alerts     *AlertEngine
	escalation *EscalationEngine
	clock      func() time.Time
}

// NewMonitor creates a new monitor
func NewMonitor(
	cfg config.MonitoringConfig,
	logger *slog.Logger,
	cat *catalog.Catalog,
	subjects SubjectStore,
	obls ObligationStore,
	scores ScoreStore,
	alerts *AlertEngine,
	escalation *EscalationEngine,
) *Monitor {
	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		catalog:    cat,
		subjects:   subjects,
		obls:       obls,
		scores:     scores,
		alerts:     alerts,
		escalation: escalation,
		clock:      time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (m *Monitor) SetClock(clock func() time.Time) {
	m.clock = clock
}

// Run executes one monitoring run for a tenant and returns the summary.
// Only a global precondition failure (subjects unreadable, empty catalog)
// yields an error; per-subject failures are isolated and counted.
func (m *Monitor) Run(ctx context.Context, tenantID string) (RunSummary, error) {
	start := m.clock()

	if len(m.catalog.Requirements) == 0 {
		return RunSummary{}, fmt.Errorf("tenant %s: requirement catalog is empty", tenantID)
	}

	// The store dedup lookup is authoritative across runs; stale cache
	// entries would outlive an acknowledgment.
	m.alerts.BeginRun()

	if m.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RunTimeout)
		defer cancel()
	}

	subjects, err := m.subjects.ListActive(ctx, tenantID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("tenant %s: failed to load subjects: %w", tenantID, err)
	}

	var mu sync.Mutex
	summary := RunSummary{IssuesFound: len(m.catalog.Issues)}

	// Duplicate natural keys are data corruption: flag for manual
	// reconciliation, never auto-resolve (picking one would lose audit
	// history).
	if dups, err := m.obls.FindNaturalKeyDuplicates(ctx, tenantID); err != nil {
		m.logger.Error("Duplicate scan failed", "tenant_id", tenantID, "error", err)
		summary.IssuesFound++
	} else if len(dups) > 0 {
		m.logger.Error("Duplicate obligation instances detected; flagging for reconciliation",
			"tenant_id", tenantID, "count", len(dups))
		for _, dup := range dups {
			if err := m.obls.FlagForReconciliation(ctx, dup.ID); err != nil {
				m.logger.Error("Failed to flag duplicate", "obligation_id", dup.ID, "error", err)
			}
		}
		summary.IssuesFound += len(dups)
	}

	concurrency := m.cfg.SubjectConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, subject := range subjects {
		subject := subject
		g.Go(func() error {
			res, err := m.evaluateSubject(gctx, subject)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Skipped this run; picked up at its last-known state
				// by the next one
				m.logger.Error("Subject evaluation failed",
					"tenant_id", tenantID,
					"subject_id", subject.ID,
					"error", err)
				summary.IssuesFound++
				summary.SubjectsAnalyzed++
				return nil
			}
			summary.AlertsCreated += res.alertsCreated
			summary.DeadlinesProcessed += res.deadlinesProcessed
			summary.IssuesFound += res.issuesFound
			summary.OverdueDeadlines += res.overdueDeadlines
			summary.PenaltyExposure += res.totalAccrued
			summary.SubjectsAnalyzed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	m.logger.Info("Monitoring run completed",
		"tenant_id", tenantID,
		"subjects_analyzed", summary.SubjectsAnalyzed,
		"deadlines_processed", summary.DeadlinesProcessed,
		"alerts_created", summary.AlertsCreated,
		"issues_found", summary.IssuesFound,
		"duration", m.clock().Sub(start))

	return summary, nil
}

type subjectResult struct {
	alertsCreated      int
	deadlinesProcessed int
	issuesFound        int
	overdueDeadlines   int
	totalAccrued       int64
}

func (m *Monitor) evaluateSubject(ctx context.Context, subject *database.SubjectProfile) (subjectResult, error) {
	var res subjectResult
	now := m.clock()

	// Schedule stage: ensure an instance exists for every applicable
	// requirement period, and void instances whose requirement no longer
	// applies.
	for _, req := range m.catalog.Requirements {
		for _, due := range ComputeDueDates(req, subject, now) {
			status, daysOverdue := ComputeStatus(due.DueDate, now)
			obl := &database.ObligationInstance{
				ID:            uuid.New().String(),
				TenantID:      subject.TenantID,
				SubjectID:     subject.ID,
				RequirementID: req.ID,
				Authority:     req.Authority,
				PeriodLabel:   due.PeriodLabel,
				DueDate:       due.DueDate,
				Status:        status,
				DaysOverdue:   daysOverdue,
			}
			if _, _, err := m.obls.CreateIfAbsent(ctx, obl); err != nil {
				return res, fmt.Errorf("schedule stage: %w", err)
			}
		}
	}

	actives, err := m.obls.ListActiveBySubject(ctx, subject.TenantID, subject.ID)
	if err != nil {
		return res, fmt.Errorf("failed to list obligations: %w", err)
	}

	byAuthority := make(map[string][]*database.ObligationInstance)

	for _, obl := range actives {
		req, ok := m.catalog.ByID(obl.RequirementID)
		if !ok {
			// Requirement removed from or invalid in the catalog;
			// leave the instance untouched and surface the problem
			m.logger.Warn("Obligation references unknown requirement",
				"obligation_id", obl.ID,
				"requirement_id", obl.RequirementID)
			res.issuesFound++
			continue
		}

		if !req.AppliesTo(subject.SubjectType, subject.EmployeeCount, subject.AnnualRevenue) {
			obl.Status = database.StatusVoid
			if err := m.obls.Update(ctx, obl); err != nil {
				return res, fmt.Errorf("failed to void obligation %s: %w", obl.ID, err)
			}
			continue
		}

		// Status and penalty stages; each instance is fully written
		// before the next is touched, so a timed-out run leaves no
		// partial state.
		AdvanceStatus(obl, now)
		obl.AccruedPenalty = AccruePenalty(obl, req.Penalty)
		evaluatedAt := now
		obl.LastEvaluatedAt = &evaluatedAt
		if err := m.obls.Update(ctx, obl); err != nil {
			return res, fmt.Errorf("failed to update obligation %s: %w", obl.ID, err)
		}
		res.deadlinesProcessed++
		res.totalAccrued += obl.AccruedPenalty
		if obl.Status == database.StatusOverdue {
			res.overdueDeadlines++
		}
		byAuthority[obl.Authority] = append(byAuthority[obl.Authority], obl)

		// Alert stage
		alert, err := m.alerts.EvaluateObligation(ctx, obl, req, subject, now)
		if err != nil {
			return res, fmt.Errorf("alert stage: %w", err)
		}
		if alert != nil {
			res.alertsCreated++
		}

		// Escalation stage
		escalated, err := m.escalation.Evaluate(ctx, obl, req, subject)
		if err != nil {
			return res, fmt.Errorf("escalation stage: %w", err)
		}
		if escalated != nil {
			res.alertsCreated++
		}
	}

	if res.totalAccrued > 0 {
		alert, err := m.alerts.EvaluatePenaltyTotal(ctx, subject, res.totalAccrued)
		if err != nil {
			return res, fmt.Errorf("penalty alert stage: %w", err)
		}
		if alert != nil {
			res.alertsCreated++
		}
	}

	// Score stage, one aggregate per authority
	for _, authority := range m.catalog.Authorities {
		previous, err := m.scores.Get(ctx, subject.TenantID, subject.ID, authority.Code)
		if err != nil {
			return res, fmt.Errorf("score stage: %w", err)
		}

		scored := ComputeScore(m.cfg.Score, subject, authority, byAuthority[authority.Code], previous, now)
		if err := m.scores.Upsert(ctx, scored.Score); err != nil {
			return res, fmt.Errorf("score stage: %w", err)
		}
		res.issuesFound += len(scored.HardIssues)

		created, err := m.raiseScoreAlerts(ctx, subject, authority, scored)
		if err != nil {
			return res, fmt.Errorf("score alert stage: %w", err)
		}
		res.alertsCreated += created
	}

	return res, nil
}

func (m *Monitor) raiseScoreAlerts(ctx context.Context, subject *database.SubjectProfile, authority catalog.Authority, scored ScoreResult) (int, error) {
	created := 0

	for _, issue := range scored.HardIssues {
		alert := &database.Alert{
			TenantID:       subject.TenantID,
			SubjectID:      subject.ID,
			Authority:      authority.Code,
			Type:           database.AlertMissingRegistration,
			Severity:       database.SeverityCritical,
			Title:          fmt.Sprintf("Missing %s registration for %s", authority.Code, subject.Name),
			Message:        fmt.Sprintf("%s: %s", authority.Name, issue),
			ActionRequired: fmt.Sprintf("Complete the outstanding %s registration", authority.Name),
			DedupKey:       DedupKey(subject.ID, authority.Code+"|"+issue, database.AlertMissingRegistration),
		}
		a, err := m.alerts.Raise(ctx, alert)
		if err != nil {
			return created, err
		}
		if a != nil {
			created++
		}
	}

	if scored.Score.Level == database.LevelCritical {
		alert := &database.Alert{
			TenantID:  subject.TenantID,
			SubjectID: subject.ID,
			Authority: authority.Code,
			Type:      database.AlertComplianceCritical,
			Severity:  database.SeverityCritical,
			Title:     fmt.Sprintf("Critical compliance standing with %s", authority.Code),
			Message: fmt.Sprintf("%s compliance score for %s is %d (critical): %d open issues",
				authority.Code, subject.Name, scored.Score.Score, len(scored.Score.Issues)),
			ActionRequired: "Review all outstanding obligations and registrations for this authority",
			DedupKey:       DedupKey(subject.ID, authority.Code, database.AlertComplianceCritical),
		}
		a, err := m.alerts.Raise(ctx, alert)
		if err != nil {
			return created, err
		}
		if a != nil {
			created++
		}
	}

	if scored.Declined {
		alert := &database.Alert{
			TenantID:  subject.TenantID,
			SubjectID: subject.ID,
			Authority: authority.Code,
			Type:      database.AlertComplianceDeclining,
			Severity:  database.SeverityMedium,
			Title:     fmt.Sprintf("Compliance score declining with %s", authority.Code),
			Message: fmt.Sprintf("%s compliance score for %s dropped from %d to %d",
				authority.Code, subject.Name, scored.Score.PreviousScore.Int64, scored.Score.Score),
			ActionRequired: "Investigate the newly overdue obligations driving the decline",
			DedupKey:       DedupKey(subject.ID, authority.Code, database.AlertComplianceDeclining),
		}
		a, err := m.alerts.Raise(ctx, alert)
		if err != nil {
			return created, err
		}
		if a != nil {
			created++
		}
	}

	return created, nil
}
