// Package schedule generates deterministic installment schedules and their
// canonical hashes. The canonical JSON form is byte-stable: fixed key order,
// amounts and timestamps as decimal strings, counters as bare numbers. The
// SHA-256 of that form is committed on-chain, so any change to the encoding
// is a consensus break with already-originated loans.
package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Interest accrues against a 365-day year.
const (
	SecondsPerYear = 31_536_000
	BpsDenominator = 10_000
)

// Params describes the amortisation shape of one loan.
type Params struct {
	LoanID             string
	PrincipalUsdc      *big.Int
	InterestRateBps    int64
	StartTimestamp     int64
	IntervalSeconds    int64
	InstallmentCount   int
	GracePeriodSeconds int64
	PenaltyAprBps      int64
}

func (p Params) validate() error {
	if strings.TrimSpace(p.LoanID) == "" {
		return fmt.Errorf("schedule: loan id required")
	}
	if p.PrincipalUsdc == nil || p.PrincipalUsdc.Sign() <= 0 {
		return fmt.Errorf("schedule: principal must be positive")
	}
	if p.InterestRateBps < 0 {
		return fmt.Errorf("schedule: interest rate must not be negative")
	}
	if p.StartTimestamp <= 0 {
		return fmt.Errorf("schedule: start timestamp required")
	}
	if p.IntervalSeconds <= 0 {
		return fmt.Errorf("schedule: interval must be positive")
	}
	if p.InstallmentCount <= 0 {
		return fmt.Errorf("schedule: installment count must be positive")
	}
	if p.GracePeriodSeconds < 0 || p.PenaltyAprBps < 0 {
		return fmt.Errorf("schedule: grace and penalty must not be negative")
	}
	return nil
}

// Installment is one planned amortisation row.
type Installment struct {
	Index        int
	DueTimestamp int64
	Principal    *big.Int
	Interest     *big.Int
	Total        *big.Int
}

// Result is a generated schedule with its canonical form.
type Result struct {
	Params        Params
	Installments  []Installment
	CanonicalJSON string
	Hash          string
}

// Generate builds the schedule. Principal divides evenly across installments
// with the remainder folded into the last one; interest on each installment
// is simple interest on the principal still outstanding over one interval,
// truncated toward zero.
func Generate(p Params) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	count := big.NewInt(int64(p.InstallmentCount))
	per := new(big.Int).Quo(p.PrincipalUsdc, count)
	remainder := new(big.Int).Mod(p.PrincipalUsdc, count)

	divisor := new(big.Int).Mul(big.NewInt(BpsDenominator), big.NewInt(SecondsPerYear))
	rate := big.NewInt(p.InterestRateBps)
	interval := big.NewInt(p.IntervalSeconds)

	outstanding := new(big.Int).Set(p.PrincipalUsdc)
	installments := make([]Installment, 0, p.InstallmentCount)
	for i := 0; i < p.InstallmentCount; i++ {
		principal := new(big.Int).Set(per)
		if i == p.InstallmentCount-1 {
			principal.Add(principal, remainder)
		}

		// interest = outstanding * bps * interval / (10000 * secondsPerYear)
		interest := new(big.Int).Mul(outstanding, rate)
		interest.Mul(interest, interval)
		interest.Quo(interest, divisor)

		installments = append(installments, Installment{
			Index:        i,
			DueTimestamp: p.StartTimestamp + int64(i+1)*p.IntervalSeconds,
			Principal:    principal,
			Interest:     interest,
			Total:        new(big.Int).Add(principal, interest),
		})
		outstanding.Sub(outstanding, principal)
	}

	canonical := encodeCanonical(p, installments)
	sum := sha256.Sum256([]byte(canonical))
	return &Result{
		Params:        p,
		Installments:  installments,
		CanonicalJSON: canonical,
		Hash:          hex.EncodeToString(sum[:]),
	}, nil
}

// HashJSON recomputes the canonical hash over a stored schedule document.
func HashJSON(canonicalJSON string) string {
	sum := sha256.Sum256([]byte(canonicalJSON))
	return hex.EncodeToString(sum[:])
}

// encodeCanonical writes the fixed-order document by hand. encoding/json maps
// are order-unstable and struct tags invite accidental reordering; the
// builder makes the byte layout explicit.
func encodeCanonical(p Params, installments []Installment) string {
	var b strings.Builder
	b.WriteString(`{"loan_id":`)
	b.WriteString(strconv.Quote(p.LoanID))
	b.WriteString(`,"principal":"`)
	b.WriteString(p.PrincipalUsdc.String())
	b.WriteString(`","interest_rate_bps":`)
	b.WriteString(strconv.FormatInt(p.InterestRateBps, 10))
	b.WriteString(`,"start_ts":"`)
	b.WriteString(strconv.FormatInt(p.StartTimestamp, 10))
	b.WriteString(`","interval_seconds":`)
	b.WriteString(strconv.FormatInt(p.IntervalSeconds, 10))
	b.WriteString(`,"installment_count":`)
	b.WriteString(strconv.Itoa(len(installments)))
	b.WriteString(`,"installments":[`)
	for i, inst := range installments {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"index":`)
		b.WriteString(strconv.Itoa(inst.Index))
		b.WriteString(`,"due_ts":"`)
		b.WriteString(strconv.FormatInt(inst.DueTimestamp, 10))
		b.WriteString(`","principal":"`)
		b.WriteString(inst.Principal.String())
		b.WriteString(`","interest":"`)
		b.WriteString(inst.Interest.String())
		b.WriteString(`","total":"`)
		b.WriteString(inst.Total.String())
		b.WriteString(`"}`)
	}
	b.WriteString(`]}`)
	return b.String()
}
