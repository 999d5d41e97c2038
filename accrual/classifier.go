// Package accrual runs the hourly penalty accrual job and the delinquency
// classifier. Accrual is idempotent per (entry, hour): the snapshot table's
// unique constraint guarantees a crashed and re-run hour never double-charges.
package accrual

import (
	"math/big"

	"loanbridge/models"
)

// Classifier constants. Penalties accrue hourly against an 8760-hour year;
// days past due count whole 86400-second days from the due timestamp.
const (
	SecondsPerDay  = 86_400
	HoursPerYear   = 8_760
	BpsDenominator = 10_000

	DelinquentAfterDays       = 0
	DefaultCandidateAfterDays = 14
	DefaultedAfterDays        = 30
)

// severityRank orders accrual states from healthy to defaulted.
var severityRank = map[models.AccrualStatus]int{
	models.AccrualCurrent:          0,
	models.AccrualInGrace:          1,
	models.AccrualDelinquent:       2,
	models.AccrualDefaultCandidate: 3,
	models.AccrualDefaulted:        4,
}

// DaysPastDue returns whole days elapsed since the due timestamp, zero when
// the entry is not yet due.
func DaysPastDue(nowUnix, dueTimestamp int64) int {
	if nowUnix <= dueTimestamp {
		return 0
	}
	return int((nowUnix - dueTimestamp) / SecondsPerDay)
}

// Classify places one installment entry in the delinquency ladder.
func Classify(nowUnix, dueTimestamp, gracePeriodSeconds int64, paid bool) models.AccrualStatus {
	if paid || nowUnix <= dueTimestamp {
		return models.AccrualCurrent
	}
	overdue := nowUnix - dueTimestamp
	if overdue <= gracePeriodSeconds {
		return models.AccrualInGrace
	}
	dpd := DaysPastDue(nowUnix, dueTimestamp)
	switch {
	case dpd >= DefaultedAfterDays:
		return models.AccrualDefaulted
	case dpd >= DefaultCandidateAfterDays:
		return models.AccrualDefaultCandidate
	default:
		return models.AccrualDelinquent
	}
}

// Worst returns the most severe status in the set; CURRENT for an empty set.
func Worst(statuses []models.AccrualStatus) models.AccrualStatus {
	worst := models.AccrualCurrent
	for _, status := range statuses {
		if severityRank[status] > severityRank[worst] {
			worst = status
		}
	}
	return worst
}

// PenaltyDelta is the hourly penalty on the unpaid principal:
// principal * bps / (10000 * 8760), truncated toward zero.
func PenaltyDelta(unpaidPrincipal *big.Int, penaltyAprBps int64) *big.Int {
	if unpaidPrincipal == nil || unpaidPrincipal.Sign() <= 0 || penaltyAprBps <= 0 {
		return new(big.Int)
	}
	delta := new(big.Int).Mul(unpaidPrincipal, big.NewInt(penaltyAprBps))
	return delta.Quo(delta, big.NewInt(BpsDenominator*HoursPerYear))
}

// entryStatusFor maps the accrual ladder onto the payment status, leaving
// settled states alone.
func entryStatusFor(current models.EntryStatus, accrual models.AccrualStatus) models.EntryStatus {
	if current == models.EntryPaid || current == models.EntryWaived {
		return current
	}
	switch accrual {
	case models.AccrualDefaulted:
		return models.EntryDefaulted
	case models.AccrualDelinquent, models.AccrualDefaultCandidate:
		return models.EntryDelinquent
	case models.AccrualInGrace:
		return models.EntryDue
	default:
		return current
	}
}
