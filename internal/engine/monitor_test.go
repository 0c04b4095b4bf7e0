package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

const testCatalogYAML = `
authorities:
  - code: GRA
    name: Guyana Revenue Authority
    tax_authority: true
    registration_rule:
      min_employees: 1
  - code: NIS
    name: National Insurance Scheme
    registration_rule:
      min_employees: 1

requirements:
  - id: gra-vat-return
    authority: GRA
    name: Monthly VAT Return
    frequency: monthly
    due_day_offset: 21
    applicability:
      min_annual_revenue: 10000000
    penalty:
      late_filing_fee: 100000
      daily_rate: 10000
      maximum: 2000000
    priority: urgent
  - id: nis-contribution
    authority: NIS
    name: Monthly NIS Contribution
    frequency: monthly
    due_day_offset: 15
    applicability:
      min_employees: 1
    penalty:
      late_filing_fee: 25000
      daily_rate: 2500
      maximum: 500000
`

func loadTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o644))
	cat, err := catalog.Load(path, testLogger())
	require.NoError(t, err)
	return cat
}

type fakeSubjectStore struct {
	subjects []*database.SubjectProfile
}

func (s *fakeSubjectStore) ListActive(ctx context.Context, tenantID string) ([]*database.SubjectProfile, error) {
	return s.subjects, nil
}

type fakeObligationStore struct {
	mu       sync.Mutex
	byKey    map[string]*database.ObligationInstance
	failFor  string
	creates  int
}

func newFakeObligationStore() *fakeObligationStore {
	return &fakeObligationStore{byKey: make(map[string]*database.ObligationInstance)}
}

func naturalKey(obl *database.ObligationInstance) string {
	return fmt.Sprintf("%s|%s|%s|%s", obl.TenantID, obl.SubjectID, obl.RequirementID, obl.PeriodLabel)
}

func (s *fakeObligationStore) CreateIfAbsent(ctx context.Context, obl *database.ObligationInstance) (*database.ObligationInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey(obl)
	if existing, ok := s.byKey[key]; ok {
		return existing, false, nil
	}
	stored := *obl
	s.byKey[key] = &stored
	s.creates++
	return &stored, true, nil
}

func (s *fakeObligationStore) ListActiveBySubject(ctx context.Context, tenantID, subjectID string) ([]*database.ObligationInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subjectID == s.failFor {
		return nil, fmt.Errorf("storage unavailable")
	}
	var out []*database.ObligationInstance
	for _, obl := range s.byKey {
		if obl.TenantID == tenantID && obl.SubjectID == subjectID && obl.ActiveForMonitoring() {
			out = append(out, obl)
		}
	}
	return out, nil
}

func (s *fakeObligationStore) Update(ctx context.Context, obl *database.ObligationInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *obl
	s.byKey[naturalKey(obl)] = &stored
	return nil
}

func (s *fakeObligationStore) FindNaturalKeyDuplicates(ctx context.Context, tenantID string) ([]*database.ObligationInstance, error) {
	return nil, nil
}

func (s *fakeObligationStore) FlagForReconciliation(ctx context.Context, obligationID string) error {
	return nil
}

func (s *fakeObligationStore) byStatus(status string) []*database.ObligationInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.ObligationInstance
	for _, obl := range s.byKey {
		if obl.Status == status {
			out = append(out, obl)
		}
	}
	return out
}

func (s *fakeObligationStore) get(key string) *database.ObligationInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}

type fakeScoreStore struct {
	mu     sync.Mutex
	scores map[string]*database.ComplianceScore
}

func newFakeScoreStore() *fakeScoreStore {
	return &fakeScoreStore{scores: make(map[string]*database.ComplianceScore)}
}

func (s *fakeScoreStore) Get(ctx context.Context, tenantID, subjectID, authority string) (*database.ComplianceScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[tenantID+"|"+subjectID+"|"+authority], nil
}

func (s *fakeScoreStore) Upsert(ctx context.Context, score *database.ComplianceScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *score
	s.scores[score.TenantID+"|"+score.SubjectID+"|"+score.Authority] = &stored
	return nil
}

type monitorFixture struct {
	monitor *Monitor
	alerts  *fakeAlertStore
	obls    *fakeObligationStore
	scores  *fakeScoreStore
}

func newMonitorFixture(t *testing.T, subjects ...*database.SubjectProfile) *monitorFixture {
	t.Helper()
	cfg := testMonitoringConfig()
	alertStore := &fakeAlertStore{}
	oblStore := newFakeObligationStore()
	scoreStore := newFakeScoreStore()

	alertEngine := NewAlertEngine(cfg, testLogger(), alertStore, nil)
	escalation := NewEscalationEngine(cfg.Escalation, testLogger(), alertEngine)
	monitor := NewMonitor(cfg, testLogger(), loadTestCatalog(t),
		&fakeSubjectStore{subjects: subjects}, oblStore, scoreStore, alertEngine, escalation)

	return &monitorFixture{monitor: monitor, alerts: alertStore, obls: oblStore, scores: scoreStore}
}

func healthySubject() *database.SubjectProfile {
	taxID := "TIN-123456"
	return &database.SubjectProfile{
		ID:            "subj-1",
		TenantID:      "default",
		Name:          "Test Trading Ltd",
		SubjectType:   "company",
		EmployeeCount: 12,
		AnnualRevenue: 50000000,
		TaxIdentifier: &taxID,
		VATRegistered: true,
		Registrations: database.StringMap{"GRA": "REG-1", "NIS": "NIS-1"},
		Active:        true,
	}
}

func TestMonitor_Run(t *testing.T) {
	// 2024-03-25: the February VAT filing (due Mar 21) is 4 days overdue
	// and the February NIS schedule (due Mar 15) is 10 days overdue.
	now := time.Date(2024, 3, 25, 9, 0, 0, 0, time.UTC)

	t.Run("Full Pipeline For One Subject", func(t *testing.T) {
		f := newMonitorFixture(t, healthySubject())
		f.monitor.SetClock(func() time.Time { return now })

		summary, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		assert.Equal(t, 1, summary.SubjectsAnalyzed)
		assert.Equal(t, 4, summary.DeadlinesProcessed)
		assert.Equal(t, 0, summary.IssuesFound)

		// Two overdue filings, one subject penalty total, one escalation
		assert.Equal(t, 4, summary.AlertsCreated)
		assert.Len(t, f.alerts.byType(database.AlertDeadlineOverdue), 2)
		assert.Len(t, f.alerts.byType(database.AlertPenaltyAccruing), 1)
		assert.Len(t, f.alerts.byType(database.AlertEscalationRequired), 1)

		// VAT: 100000 + 4 * 10000
		vat := f.obls.get("default|subj-1|gra-vat-return|2024-02")
		require.NotNil(t, vat)
		assert.Equal(t, database.StatusOverdue, vat.Status)
		assert.Equal(t, 4, vat.DaysOverdue)
		assert.Equal(t, int64(140000), vat.AccruedPenalty)
		require.NotNil(t, vat.LastEvaluatedAt)

		// NIS: 25000 + 10 * 2500
		nis := f.obls.get("default|subj-1|nis-contribution|2024-02")
		require.NotNil(t, nis)
		assert.Equal(t, 10, nis.DaysOverdue)
		assert.Equal(t, int64(50000), nis.AccruedPenalty)

		// Current periods exist but are still upcoming
		assert.Equal(t, database.StatusUpcoming, f.obls.get("default|subj-1|gra-vat-return|2024-03").Status)
		assert.Equal(t, database.StatusUpcoming, f.obls.get("default|subj-1|nis-contribution|2024-03").Status)

		// One score per authority, each down one overdue deduction
		gra, err := f.scores.Get(context.Background(), "default", "subj-1", "GRA")
		require.NoError(t, err)
		require.NotNil(t, gra)
		assert.Equal(t, 80, gra.Score)
		assert.Equal(t, database.LevelMinorIssues, gra.Level)

		nisScore, err := f.scores.Get(context.Background(), "default", "subj-1", "NIS")
		require.NoError(t, err)
		require.NotNil(t, nisScore)
		assert.Equal(t, 80, nisScore.Score)
	})

	t.Run("Second Run Same Day Is Idempotent", func(t *testing.T) {
		f := newMonitorFixture(t, healthySubject())
		f.monitor.SetClock(func() time.Time { return now })

		first, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)
		createdAfterFirst := f.obls.creates

		second, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		assert.Equal(t, first.DeadlinesProcessed, second.DeadlinesProcessed)
		assert.Equal(t, 0, second.AlertsCreated)
		assert.Equal(t, createdAfterFirst, f.obls.creates)

		// Recomputed score carries the previous value, no decline
		gra, err := f.scores.Get(context.Background(), "default", "subj-1", "GRA")
		require.NoError(t, err)
		assert.True(t, gra.PreviousScore.Valid)
		assert.Equal(t, int64(80), gra.PreviousScore.Int64)
	})

	t.Run("Acknowledged Alerts Return On Next Run", func(t *testing.T) {
		f := newMonitorFixture(t, healthySubject())
		f.monitor.SetClock(func() time.Time { return now })

		first, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)
		require.Greater(t, first.AlertsCreated, 0)

		f.alerts.acknowledgeAll()

		second, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)
		assert.Equal(t, first.AlertsCreated, second.AlertsCreated)
	})

	t.Run("No Longer Applicable Obligations Voided", func(t *testing.T) {
		subject := healthySubject()
		f := newMonitorFixture(t, subject)
		f.monitor.SetClock(func() time.Time { return now })

		_, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		// Revenue falls below the VAT threshold; existing VAT instances
		// are voided rather than deleted
		subject.AnnualRevenue = 500000

		summary, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		voided := f.obls.byStatus(database.StatusVoid)
		require.Len(t, voided, 2)
		for _, obl := range voided {
			assert.Equal(t, "gra-vat-return", obl.RequirementID)
		}

		// Only the two NIS instances remain in play
		assert.Equal(t, 2, summary.DeadlinesProcessed)
	})

	t.Run("Subject Failure Is Isolated", func(t *testing.T) {
		bad := healthySubject()
		bad.ID = "subj-bad"
		f := newMonitorFixture(t, healthySubject(), bad)
		f.monitor.SetClock(func() time.Time { return now })
		f.obls.failFor = "subj-bad"

		summary, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		assert.Equal(t, 2, summary.SubjectsAnalyzed)
		assert.Equal(t, 4, summary.DeadlinesProcessed)
		assert.Equal(t, 1, summary.IssuesFound)
	})

	t.Run("Empty Catalog Is Fatal", func(t *testing.T) {
		f := newMonitorFixture(t, healthySubject())
		f.monitor.catalog = &catalog.Catalog{}

		_, err := f.monitor.Run(context.Background(), "default")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "catalog is empty")
	})

	t.Run("Missing Registrations Raise Hard Issue Alerts", func(t *testing.T) {
		subject := healthySubject()
		subject.VATRegistered = false
		subject.TaxIdentifier = nil
		subject.Registrations = database.StringMap{}

		f := newMonitorFixture(t, subject)
		f.monitor.SetClock(func() time.Time { return now })

		summary, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		// GRA: missing VAT registration, tax identifier and registration
		// number; NIS: missing registration number
		assert.Len(t, f.alerts.byType(database.AlertMissingRegistration), 4)
		assert.Len(t, f.alerts.byType(database.AlertComplianceCritical), 2)
		assert.Equal(t, 4, summary.IssuesFound)

		gra, err := f.scores.Get(context.Background(), "default", "subj-1", "GRA")
		require.NoError(t, err)
		assert.Equal(t, database.LevelCritical, gra.Level)
	})

	t.Run("Declining Score Raises Alert", func(t *testing.T) {
		f := newMonitorFixture(t, healthySubject())

		// First run well before any due date: everything upcoming
		clean := time.Date(2024, 2, 2, 9, 0, 0, 0, time.UTC)
		f.monitor.SetClock(func() time.Time { return clean })
		_, err := f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		gra, err := f.scores.Get(context.Background(), "default", "subj-1", "GRA")
		require.NoError(t, err)
		require.Equal(t, 100, gra.Score)

		// Six weeks later both the January and February filings are
		// overdue for each authority
		f.monitor.SetClock(func() time.Time { return now })
		_, err = f.monitor.Run(context.Background(), "default")
		require.NoError(t, err)

		assert.Len(t, f.alerts.byType(database.AlertComplianceDeclining), 2)
		gra, err = f.scores.Get(context.Background(), "default", "subj-1", "GRA")
		require.NoError(t, err)
		assert.Equal(t, 60, gra.Score)
		assert.Equal(t, int64(100), gra.PreviousScore.Int64)
	})
}
