package engine

import (
	"fmt"
	"time"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// defaultDueDay is the day of the following month a monthly filing falls due
// when the requirement does not configure its own offset.
const defaultDueDay = 15

// PeriodDue is one computed filing deadline for a requirement period
type PeriodDue struct {
	PeriodLabel string
	DueDate     time.Time
}

// ComputeDueDates returns the due dates a requirement currently produces for
// a subject: the most recently completed period and the one in progress.
// Pure and idempotent; the caller relies on the obligation natural key to
// avoid duplicate instance creation. Ad-hoc and trigger-based requirements
// produce nothing here; their instances are created externally.
func ComputeDueDates(req catalog.Requirement, subject *database.SubjectProfile, referenceDate time.Time) []PeriodDue {
	if !req.AppliesTo(subject.SubjectType, subject.EmployeeCount, subject.AnnualRevenue) {
		return nil
	}

	switch req.Frequency {
	case catalog.FrequencyMonthly:
		return monthlyDueDates(req, referenceDate)
	case catalog.FrequencyQuarterly:
		return quarterlyDueDates(req, referenceDate)
	case catalog.FrequencyAnnual:
		return annualDueDates(req, referenceDate)
	default:
		return nil
	}
}

func monthlyDueDates(req catalog.Requirement, ref time.Time) []PeriodDue {
	dueDay := req.DueDayOffset
	if dueDay == 0 {
		dueDay = defaultDueDay
	}

	// Previous month's filing plus the current month's, so reminders can
	// fire before the period even closes.
	var dues []PeriodDue
	for _, offset := range []int{-1, 0} {
		periodStart := time.Date(ref.Year(), ref.Month()+time.Month(offset), 1, 0, 0, 0, 0, ref.Location())
		due := time.Date(periodStart.Year(), periodStart.Month()+1, dueDay, 0, 0, 0, 0, ref.Location())
		dues = append(dues, PeriodDue{
			PeriodLabel: periodStart.Format("2006-01"),
			DueDate:     due,
		})
	}
	return dues
}

func quarterlyDueDates(req catalog.Requirement, ref time.Time) []PeriodDue {
	offset := req.DueDayOffset
	if offset == 0 {
		offset = defaultDueDay
	}

	currentQuarter := (int(ref.Month()) - 1) / 3 // 0-based

	var dues []PeriodDue
	for _, delta := range []int{-1, 0} {
		q := currentQuarter + delta
		year := ref.Year()
		for q < 0 {
			q += 4
			year--
		}
		// Start of the month after quarter end, plus the fixed day offset
		monthAfterQuarter := time.Date(year, time.Month(q*3+3), 1, 0, 0, 0, 0, ref.Location()).AddDate(0, 1, 0)
		due := monthAfterQuarter.AddDate(0, 0, offset)
		dues = append(dues, PeriodDue{
			PeriodLabel: fmt.Sprintf("%d-Q%d", year, q+1),
			DueDate:     due,
		})
	}
	return dues
}

func annualDueDates(req catalog.Requirement, ref time.Time) []PeriodDue {
	var dues []PeriodDue
	for _, delta := range []int{-1, 0} {
		year := ref.Year() + delta
		due := time.Date(year+1, req.DueMonth, req.DueDay, 0, 0, 0, 0, ref.Location())
		dues = append(dues, PeriodDue{
			PeriodLabel: fmt.Sprintf("%d", year),
			DueDate:     due,
		})
	}
	return dues
}
