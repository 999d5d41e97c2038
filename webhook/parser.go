// Package webhook ingests mobile money provider notifications. Every
// delivery passes a signature gate, a freshness gate, and a replay gate
// before it reaches the fiat state machines; the provider is always answered
// with a 200 acknowledgement so it stops redelivering.
package webhook

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"loanbridge/models"
)

// mpesaTimeLayout is the provider's 14-digit local timestamp format.
const mpesaTimeLayout = "20060102150405"

// mpesaPayload is the raw provider notification shape.
type mpesaPayload struct {
	TransID       string `json:"TransID"`
	TransTime     string `json:"TransTime"`
	TransAmount   string `json:"TransAmount"`
	MSISDN        string `json:"MSISDN"`
	BillRefNumber string `json:"BillRefNumber"`
	Nonce         string `json:"Nonce"`
	AmountUSDC    string `json:"AmountUSDC"`
	ResultCode    *int   `json:"ResultCode"`
}

// Notification is the parsed, validated provider event.
type Notification struct {
	ProviderRef string
	Nonce       string
	LoanID      uuid.UUID
	AmountKes   models.BigInt
	AmountUsdc  models.BigInt
	PhoneNumber string
	Timestamp   time.Time
	Success     bool
	RawPayload  string
}

// ParseNotification decodes and validates one provider delivery.
func ParseNotification(raw []byte) (*Notification, error) {
	var payload mpesaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}
	if strings.TrimSpace(payload.TransID) == "" {
		return nil, fmt.Errorf("webhook: TransID required")
	}
	loanID, err := uuid.Parse(strings.TrimSpace(payload.BillRefNumber))
	if err != nil {
		return nil, fmt.Errorf("webhook: BillRefNumber is not a loan id: %w", err)
	}
	ts, err := parseTimestamp(payload.TransTime)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmountKES(payload.TransAmount)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ProviderRef: payload.TransID,
		Nonce:       strings.TrimSpace(payload.Nonce),
		LoanID:      loanID,
		AmountKes:   amount,
		PhoneNumber: strings.TrimSpace(payload.MSISDN),
		Timestamp:   ts,
		Success:     payload.ResultCode == nil || *payload.ResultCode == 0,
		RawPayload:  string(raw),
	}
	// Providers without an explicit nonce get the transaction id; the replay
	// gate then collapses exact redeliveries.
	if n.Nonce == "" {
		n.Nonce = payload.TransID
	}
	if strings.TrimSpace(payload.AmountUSDC) != "" {
		usdc, err := models.BigIntFromString(payload.AmountUSDC)
		if err != nil {
			return nil, fmt.Errorf("webhook: AmountUSDC: %w", err)
		}
		n.AmountUsdc = usdc
	}
	return n, nil
}

func parseTimestamp(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("webhook: TransTime required")
	}
	if len(trimmed) == len(mpesaTimeLayout) && !strings.ContainsAny(trimmed, "-:TZ") {
		ts, err := time.Parse(mpesaTimeLayout, trimmed)
		if err != nil {
			return time.Time{}, fmt.Errorf("webhook: TransTime %q: %w", s, err)
		}
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("webhook: TransTime %q: %w", s, err)
	}
	return ts.UTC(), nil
}

// ParseAmountKES converts a decimal KES amount to minor units (cents). At
// most two fractional digits are accepted; anything finer would silently
// truncate money.
func ParseAmountKES(s string) (models.BigInt, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return models.BigInt{}, fmt.Errorf("webhook: TransAmount required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return models.BigInt{}, fmt.Errorf("webhook: TransAmount %q is negative", s)
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if len(frac) > 2 {
		return models.BigInt{}, fmt.Errorf("webhook: TransAmount %q exceeds cent precision", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return models.BigInt{}, fmt.Errorf("webhook: TransAmount %q is not a decimal", s)
	}
	return models.NewBigInt(value), nil
}
