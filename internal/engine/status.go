package engine

import (
	"time"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// statusRank orders the one-directional state machine. Resolution is external
// and not ranked; an obligation never regresses automatically.
var statusRank = map[string]int{
	database.StatusUpcoming: 0,
	database.StatusDueToday: 1,
	database.StatusOverdue:  2,
}

// ComputeStatus derives the status an obligation should hold at now, along
// with the recomputed days-overdue counter. daysOverdue comes from the date
// difference every time, never from an incrementing field, so skipped runs
// cannot under-count.
func ComputeStatus(dueDate, now time.Time) (string, int) {
	dueDay := truncateToDay(dueDate)
	nowDay := truncateToDay(now)

	switch {
	case nowDay.Before(dueDay):
		return database.StatusUpcoming, 0
	case nowDay.Equal(dueDay):
		return database.StatusDueToday, 0
	default:
		return database.StatusOverdue, int(nowDay.Sub(dueDay).Hours() / 24)
	}
}

// AdvanceStatus applies the state machine to an obligation in place and
// reports whether anything changed. Resolved and void instances are left
// untouched. A recomputed status that would move backwards (a corrected due
// date now in the future) is ignored: the schedule calculator produces a
// distinct new instance for that case.
func AdvanceStatus(obl *database.ObligationInstance, now time.Time) bool {
	if obl.Status == database.StatusResolved || obl.Status == database.StatusVoid {
		return false
	}

	status, daysOverdue := ComputeStatus(obl.DueDate, now)

	if rank, ok := statusRank[obl.Status]; ok && statusRank[status] < rank {
		return false
	}

	changed := status != obl.Status || daysOverdue != obl.DaysOverdue
	obl.Status = status
	obl.DaysOverdue = daysOverdue
	return changed
}

// DaysUntilDue is the whole-day distance from now to the due date; zero on
// the due day itself, negative once overdue.
func DaysUntilDue(dueDate, now time.Time) int {
	return int(truncateToDay(dueDate).Sub(truncateToDay(now)).Hours() / 24)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
