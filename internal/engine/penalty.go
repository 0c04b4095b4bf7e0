package engine

import (
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// AccruePenalty computes the penalty currently accrued on an obligation under
// the requirement's penalty rule:
//
//	accrued = min(lateFilingFee + dailyRate * daysOverdue, maximum)
//
// All amounts are integers in the smallest currency unit. Only overdue
// obligations accrue; any other status returns the prior value unchanged. The
// result never decreases while overdue and never exceeds the rule's maximum.
func AccruePenalty(obl *database.ObligationInstance, rule catalog.PenaltyRule) int64 {
	if obl.Status != database.StatusOverdue {
		return obl.AccruedPenalty
	}

	days := obl.DaysOverdue
	if days < 0 {
		days = 0
	}

	accrued := rule.LateFilingFee + rule.DailyRate*int64(days)
	if rule.Maximum > 0 && accrued > rule.Maximum {
		accrued = rule.Maximum
	}
	if accrued < obl.AccruedPenalty {
		// A rule softened mid-stream never claws back what already accrued
		return obl.AccruedPenalty
	}
	return accrued
}
