package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// ScoreResult carries the computed score plus the flags the alert stage needs
type ScoreResult struct {
	Score *database.ComplianceScore

	// HardIssues are the registration failures that force the critical
	// level regardless of the numeric score
	HardIssues []string

	// Declined is set when the score dropped more than the configured
	// threshold against the previously persisted score. Never set on the
	// first computation.
	Declined bool
}

// ComputeScore aggregates all obligation statuses for one subject/authority
// pair into a 0-100 score and a discrete compliance level. Deductions are per
// distinct overdue obligation, not per day. The previous persisted score is
// carried forward for trend comparison.
func ComputeScore(cfg config.ScoreConfig, subject *database.SubjectProfile, authority catalog.Authority, obligations []*database.ObligationInstance, previous *database.ComplianceScore, now time.Time) ScoreResult {
	score := 100
	var issues []string
	var hardIssues []string

	for _, obl := range obligations {
		if obl.Authority != authority.Code || obl.Status != database.StatusOverdue {
			continue
		}
		score -= cfg.OverdueDeduction
		issues = append(issues, fmt.Sprintf("%s filing for %s is %d days overdue",
			obl.RequirementID, obl.PeriodLabel, obl.DaysOverdue))
	}

	if authority.TaxAuthority {
		if subject.AnnualRevenue >= cfg.VATRevenueThreshold && !subject.VATRegistered {
			score -= cfg.MissingVATDeduction
			issue := fmt.Sprintf("VAT registration required at annual revenue %d but missing", subject.AnnualRevenue)
			issues = append(issues, issue)
			hardIssues = append(hardIssues, issue)
		}
		if subject.TaxIdentifier == nil || *subject.TaxIdentifier == "" {
			score -= cfg.MissingTaxIDDeduction
			issue := "tax identification number missing"
			issues = append(issues, issue)
			hardIssues = append(hardIssues, issue)
		}
	}

	if authority.RegistrationRule.Required(subject.EmployeeCount, subject.AnnualRevenue) && !subject.HasRegistration(authority.Code) {
		score -= cfg.MissingRegistrationDeduction
		issue := fmt.Sprintf("%s registration required but missing", authority.Code)
		issues = append(issues, issue)
		hardIssues = append(hardIssues, issue)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level := levelFor(cfg, score, len(hardIssues) > 0)

	result := ScoreResult{
		Score: &database.ComplianceScore{
			ID:         uuid.New().String(),
			TenantID:   subject.TenantID,
			SubjectID:  subject.ID,
			Authority:  authority.Code,
			Score:      score,
			Level:      level,
			Issues:     issues,
			ComputedAt: now,
		},
		HardIssues: hardIssues,
	}

	if previous != nil {
		result.Score.ID = previous.ID
		result.Score.PreviousScore = sql.NullInt64{Int64: int64(previous.Score), Valid: true}
		if previous.Score-score > cfg.DeclineThreshold {
			result.Declined = true
		}
	}

	return result
}

// levelFor maps a clamped score to a discrete level. The hard override wins
// over the numeric bucket.
func levelFor(cfg config.ScoreConfig, score int, hardIssue bool) string {
	switch {
	case hardIssue:
		return database.LevelCritical
	case score < cfg.MajorIssuesBelow:
		return database.LevelMajorIssues
	case score < cfg.MinorIssuesBelow:
		return database.LevelMinorIssues
	default:
		return database.LevelCompliant
	}
}
