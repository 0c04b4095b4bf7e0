package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		Tenants:            []string{"default"},
		SubjectConcurrency: 4,
		DedupWindow:        24 * time.Hour,
		WarningDays:        []int{30, 14, 7, 3, 1},
		PenaltyRungs:       []int64{0, 50000, 100000, 500000},
		Escalation: config.EscalationConfig{
			SecondPenaltyThreshold: 100000,
			ThirdPenaltyThreshold:  500000,
			OverdueDays:            30,
		},
		Score: config.ScoreConfig{
			OverdueDeduction:             20,
			MissingVATDeduction:          30,
			MissingTaxIDDeduction:        25,
			MissingRegistrationDeduction: 40,
			VATRevenueThreshold:          10000000,
			MajorIssuesBelow:             70,
			MinorIssuesBelow:             85,
			DeclineThreshold:             10,
		},
	}
}

// fakeAlertStore is an in-memory AlertStore for engine tests
type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []*database.Alert
}

func (s *fakeAlertStore) Create(ctx context.Context, alert *database.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *alert
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.alerts = append(s.alerts, &stored)
	return nil
}

func (s *fakeAlertStore) FindUnacknowledgedByDedupKey(ctx context.Context, tenantID, dedupKey string, window time.Duration) (*database.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, a := range s.alerts {
		if a.TenantID == tenantID && a.DedupKey == dedupKey && !a.Acknowledged && a.CreatedAt.After(cutoff) {
			return a, nil
		}
	}
	return nil, nil
}

func (s *fakeAlertStore) acknowledgeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		a.Acknowledged = true
	}
}

func (s *fakeAlertStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func (s *fakeAlertStore) byType(alertType string) []*database.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Alert
	for _, a := range s.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func overdueObligation(days int) *database.ObligationInstance {
	return &database.ObligationInstance{
		ID:            "obl-1",
		TenantID:      "default",
		SubjectID:     "subj-1",
		RequirementID: "gra-vat-return",
		Authority:     "GRA",
		PeriodLabel:   "2024-02",
		DueDate:       time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC),
		Status:        database.StatusOverdue,
		DaysOverdue:   days,
	}
}

func vatRequirement() catalog.Requirement {
	return catalog.Requirement{
		ID:           "gra-vat-return",
		Authority:    "GRA",
		Name:         "Monthly VAT Return",
		Frequency:    catalog.FrequencyMonthly,
		DueDayOffset: 21,
		Priority:     catalog.PriorityUrgent,
		Penalty: catalog.PenaltyRule{
			LateFilingFee: 100000,
			DailyRate:     10000,
			Maximum:       2000000,
		},
	}
}

func TestAlertEngine_EvaluateObligation(t *testing.T) {
	cases := []struct {
		name         string
		status       string
		dueIn        int
		wantType     string
		wantSeverity string
		wantNone     bool
	}{
		{name: "Overdue Is Critical", status: database.StatusOverdue, dueIn: -3, wantType: database.AlertDeadlineOverdue, wantSeverity: database.SeverityCritical},
		{name: "Due Today Is High", status: database.StatusDueToday, dueIn: 0, wantType: database.AlertDeadlineToday, wantSeverity: database.SeverityHigh},
		{name: "Approaching Urgent Is High", status: database.StatusUpcoming, dueIn: 5, wantType: database.AlertDeadlineApproaching, wantSeverity: database.SeverityHigh},
		{name: "Warning Day Reminder", status: database.StatusUpcoming, dueIn: 14, wantType: database.AlertDeadlineReminder, wantSeverity: database.SeverityLow},
		{name: "Quiet Day No Alert", status: database.StatusUpcoming, dueIn: 12, wantNone: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeAlertStore{}
			eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)

			now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
			obl := overdueObligation(0)
			obl.Status = tc.status
			obl.DueDate = now.AddDate(0, 0, tc.dueIn)
			if tc.status == database.StatusOverdue {
				obl.DaysOverdue = -tc.dueIn
			}

			alert, err := eng.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
			require.NoError(t, err)

			if tc.wantNone {
				assert.Nil(t, alert)
				assert.Zero(t, store.count())
				return
			}
			require.NotNil(t, alert)
			assert.Equal(t, tc.wantType, alert.Type)
			assert.Equal(t, tc.wantSeverity, alert.Severity)
			assert.NotEmpty(t, alert.ID)
			assert.NotEmpty(t, alert.ActionRequired)
			assert.Equal(t, 1, store.count())
		})
	}

	t.Run("Non-Urgent Approaching Is Medium", func(t *testing.T) {
		store := &fakeAlertStore{}
		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)

		now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
		obl := overdueObligation(0)
		obl.Status = database.StatusUpcoming
		obl.DueDate = now.AddDate(0, 0, 5)

		req := vatRequirement()
		req.Priority = catalog.PriorityNormal

		alert, err := eng.EvaluateObligation(context.Background(), obl, req, testSubject(), now)
		require.NoError(t, err)
		require.NotNil(t, alert)
		assert.Equal(t, database.SeverityMedium, alert.Severity)
	})
}

func TestAlertEngine_Dedup(t *testing.T) {
	t.Run("Second Evaluation Suppressed In Run", func(t *testing.T) {
		store := &fakeAlertStore{}
		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)
		now := time.Date(2024, 3, 25, 9, 0, 0, 0, time.UTC)
		obl := overdueObligation(4)

		first, err := eng.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := eng.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
		require.NoError(t, err)
		assert.Nil(t, second)
		assert.Equal(t, 1, store.count())
	})

	t.Run("Store Dedup Survives Engine Restart", func(t *testing.T) {
		store := &fakeAlertStore{}
		now := time.Date(2024, 3, 25, 9, 0, 0, 0, time.UTC)
		obl := overdueObligation(4)

		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)
		first, err := eng.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
		require.NoError(t, err)
		require.NotNil(t, first)

		// Fresh engine, empty in-process cache: the persisted row still
		// suppresses the duplicate
		restarted := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)
		second, err := restarted.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
		require.NoError(t, err)
		assert.Nil(t, second)
		assert.Equal(t, 1, store.count())
	})

	t.Run("Acknowledged Alert Allows Re-Raise", func(t *testing.T) {
		store := &fakeAlertStore{}
		now := time.Date(2024, 3, 25, 9, 0, 0, 0, time.UTC)
		obl := overdueObligation(4)

		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)
		_, err := eng.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
		require.NoError(t, err)

		store.acknowledgeAll()

		restarted := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)
		again, err := restarted.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, store.count())
	})

	t.Run("Acknowledged Alert Re-Raises On Same Engine", func(t *testing.T) {
		store := &fakeAlertStore{}
		now := time.Date(2024, 3, 25, 9, 0, 0, 0, time.UTC)
		obl := overdueObligation(4)

		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)
		eng.BeginRun()
		_, err := eng.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now)
		require.NoError(t, err)

		store.acknowledgeAll()

		// Next monitoring cycle on the same long-lived engine. The store
		// row was released by the acknowledgment; the in-process cache
		// must not keep suppressing the key.
		eng.BeginRun()
		again, err := eng.EvaluateObligation(context.Background(), obl, vatRequirement(), testSubject(), now.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, store.count())
	})

	t.Run("Different Types Never Collide", func(t *testing.T) {
		a := DedupKey("subj-1", "gra-vat-return", database.AlertDeadlineOverdue)
		b := DedupKey("subj-1", "gra-vat-return", database.AlertEscalationRequired)
		assert.NotEqual(t, a, b)
	})

	t.Run("Empty Scope Is Marked", func(t *testing.T) {
		assert.Equal(t, "subj-1|-|penalty_accruing", DedupKey("subj-1", "", database.AlertPenaltyAccruing))
	})
}

func TestAlertEngine_EvaluatePenaltyTotal(t *testing.T) {
	t.Run("Below All Rungs No Alert", func(t *testing.T) {
		store := &fakeAlertStore{}
		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)

		alert, err := eng.EvaluatePenaltyTotal(context.Background(), testSubject(), 0)
		require.NoError(t, err)
		assert.Nil(t, alert)
	})

	t.Run("Highest Crossed Rung Wins", func(t *testing.T) {
		store := &fakeAlertStore{}
		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)

		alert, err := eng.EvaluatePenaltyTotal(context.Background(), testSubject(), 600000)
		require.NoError(t, err)
		require.NotNil(t, alert)
		assert.Equal(t, database.AlertPenaltyAccruing, alert.Type)
		assert.Equal(t, database.SeverityCritical, alert.Severity)
	})

	t.Run("New Rung Not Suppressed By Previous", func(t *testing.T) {
		store := &fakeAlertStore{}
		eng := NewAlertEngine(testMonitoringConfig(), testLogger(), store, nil)

		first, err := eng.EvaluatePenaltyTotal(context.Background(), testSubject(), 60000)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, database.SeverityMedium, first.Severity)

		second, err := eng.EvaluatePenaltyTotal(context.Background(), testSubject(), 600000)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, database.SeverityCritical, second.Severity)
		assert.Equal(t, 2, store.count())
	})
}

func TestRecommendedChannels(t *testing.T) {
	assert.Equal(t, []string{"email", "sms", "in_app"}, RecommendedChannels(database.SeverityCritical))
	assert.Equal(t, []string{"email", "in_app"}, RecommendedChannels(database.SeverityHigh))
	assert.Equal(t, []string{"in_app"}, RecommendedChannels(database.SeverityMedium))
	assert.Equal(t, []string{"in_app"}, RecommendedChannels(database.SeverityLow))
}
