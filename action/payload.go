// Package action defines the typed payload variants carried by chain actions.
// Payloads are serialised to the durable store as JSON for forward
// compatibility and decoded strictly on read.
package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"loanbridge/models"
)

// Payload is one variant of the data attached to a chain action. Each variant
// is bound to exactly one action type.
type Payload interface {
	ActionType() models.ActionType
}

// CreateLoan deploys the loan contract for a new origination.
type CreateLoan struct {
	PartnerID       string        `json:"partner_id"`
	PrincipalUsdc   models.BigInt `json:"principal_usdc"`
	InterestRateBps int64         `json:"interest_rate_bps"`
}

// ActionType implements Payload.
func (CreateLoan) ActionType() models.ActionType { return models.ActionCreateLoan }

// FundLoan moves principal into the deployed loan contract.
type FundLoan struct {
	AmountUsdc models.BigInt `json:"amount_usdc"`
}

// ActionType implements Payload.
func (FundLoan) ActionType() models.ActionType { return models.ActionFundLoan }

// RecordDisbursement commits the fiat disbursement proof on-chain.
type RecordDisbursement struct {
	RefHash   string `json:"ref_hash"`
	ProofHash string `json:"proof_hash"`
}

// ActionType implements Payload.
func (RecordDisbursement) ActionType() models.ActionType { return models.ActionRecordDisbursement }

// ActivateLoan flips the loan live once disbursement proof is durable.
type ActivateLoan struct {
	FiatDisbursementRef string `json:"fiat_disbursement_ref"`
	ProofHash           string `json:"proof_hash"`
}

// ActionType implements Payload.
func (ActivateLoan) ActionType() models.ActionType { return models.ActionActivateLoan }

// Repay applies an inbound fiat repayment to the loan contract. Amounts stay
// in KES minor units; the contract stores fiat legs next to their proofs.
type Repay struct {
	AmountKes models.BigInt `json:"amount_kes"`
	RefHash   string        `json:"ref_hash"`
}

// ActionType implements Payload.
func (Repay) ActionType() models.ActionType { return models.ActionRepay }

// RecordRepayment commits the repayment proof on-chain.
type RecordRepayment struct {
	AmountKes models.BigInt `json:"amount_kes"`
	ProofHash string        `json:"proof_hash"`
}

// ActionType implements Payload.
func (RecordRepayment) ActionType() models.ActionType { return models.ActionRecordRepayment }

// ConfigureSchedule commits the canonical schedule hash on-chain.
type ConfigureSchedule struct {
	ScheduleHash     string `json:"schedule_hash"`
	StartTimestamp   int64  `json:"start_ts"`
	IntervalSeconds  int64  `json:"interval_seconds"`
	InstallmentCount int    `json:"installment_count"`
	InterestRateBps  int64  `json:"interest_rate_bps"`
}

// ActionType implements Payload.
func (ConfigureSchedule) ActionType() models.ActionType { return models.ActionConfigureSchedule }

// Encode serialises a payload for the durable store.
func Encode(p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("action: payload required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("action: encode %s payload: %w", p.ActionType(), err)
	}
	return string(raw), nil
}

// Decode parses a stored payload back into its variant. Unknown fields are
// rejected so schema drift surfaces immediately instead of silently dropping
// data.
func Decode(t models.ActionType, raw string) (Payload, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var (
		p   Payload
		err error
	)
	switch t {
	case models.ActionCreateLoan:
		var v CreateLoan
		err = dec.Decode(&v)
		p = v
	case models.ActionFundLoan:
		var v FundLoan
		err = dec.Decode(&v)
		p = v
	case models.ActionRecordDisbursement:
		var v RecordDisbursement
		err = dec.Decode(&v)
		p = v
	case models.ActionActivateLoan:
		var v ActivateLoan
		err = dec.Decode(&v)
		p = v
	case models.ActionRepay:
		var v Repay
		err = dec.Decode(&v)
		p = v
	case models.ActionRecordRepayment:
		var v RecordRepayment
		err = dec.Decode(&v)
		p = v
	case models.ActionConfigureSchedule:
		var v ConfigureSchedule
		err = dec.Decode(&v)
		p = v
	default:
		return nil, fmt.Errorf("action: unknown action type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("action: decode %s payload: %w", t, err)
	}
	return p, nil
}
