package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseNotification(t *testing.T) {
	loanID := uuid.New()
	raw := fmt.Sprintf(
		`{"TransID":"TXN200","TransTime":"20260826141500","TransAmount":"999.50","MSISDN":"254700000009","BillRefNumber":%q,"ResultCode":0}`,
		loanID,
	)
	n, err := ParseNotification([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.ProviderRef != "TXN200" {
		t.Fatalf("provider_ref = %s", n.ProviderRef)
	}
	if n.Nonce != "TXN200" {
		t.Fatalf("nonce = %s, want TransID fallback", n.Nonce)
	}
	if n.LoanID != loanID {
		t.Fatalf("loan_id = %s", n.LoanID)
	}
	if n.AmountKes.Int.String() != "99950" {
		t.Fatalf("amount = %s, want 99950 cents", n.AmountKes.Int.String())
	}
	want := time.Date(2026, 8, 26, 14, 15, 0, 0, time.UTC)
	if !n.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", n.Timestamp, want)
	}
	if !n.Success {
		t.Fatal("ResultCode 0 parsed as failure")
	}
	if n.RawPayload != raw {
		t.Fatal("raw payload not preserved verbatim")
	}
}

func TestParseNotificationRFC3339Timestamp(t *testing.T) {
	loanID := uuid.New()
	raw := fmt.Sprintf(
		`{"TransID":"TXN201","TransTime":"2026-08-26T14:15:00Z","TransAmount":"1","BillRefNumber":%q}`,
		loanID,
	)
	n, err := ParseNotification([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 26, 14, 15, 0, 0, time.UTC)
	if !n.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", n.Timestamp, want)
	}
	if n.AmountKes.Int.String() != "100" {
		t.Fatalf("amount = %s, want 100 cents", n.AmountKes.Int.String())
	}
}

func TestParseNotificationRejections(t *testing.T) {
	loanID := uuid.New()
	cases := map[string]string{
		"missing trans id": fmt.Sprintf(`{"TransTime":"20260826141500","TransAmount":"1","BillRefNumber":%q}`, loanID),
		"bad loan ref":     `{"TransID":"T","TransTime":"20260826141500","TransAmount":"1","BillRefNumber":"not-a-uuid"}`,
		"missing time":     fmt.Sprintf(`{"TransID":"T","TransAmount":"1","BillRefNumber":%q}`, loanID),
		"bad amount":       fmt.Sprintf(`{"TransID":"T","TransTime":"20260826141500","TransAmount":"abc","BillRefNumber":%q}`, loanID),
		"negative amount":  fmt.Sprintf(`{"TransID":"T","TransTime":"20260826141500","TransAmount":"-5","BillRefNumber":%q}`, loanID),
		"sub-cent amount":  fmt.Sprintf(`{"TransID":"T","TransTime":"20260826141500","TransAmount":"1.999","BillRefNumber":%q}`, loanID),
		"not json":         `TransID=TXN`,
	}
	for name, raw := range cases {
		if _, err := ParseNotification([]byte(raw)); err == nil {
			t.Errorf("%s: parse accepted %s", name, raw)
		}
	}
}

func TestParseNotificationFailureResult(t *testing.T) {
	loanID := uuid.New()
	raw := fmt.Sprintf(
		`{"TransID":"TXN202","TransTime":"20260826141500","TransAmount":"10","BillRefNumber":%q,"ResultCode":1}`,
		loanID,
	)
	n, err := ParseNotification([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.Success {
		t.Fatal("nonzero ResultCode parsed as success")
	}
}

func TestParseAmountKES(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"12500.00", "1250000"},
		{"12500", "1250000"},
		{"0.05", "5"},
		{"0.5", "50"},
		{"1000000000000.99", "100000000000099"},
	}
	for _, tc := range cases {
		got, err := ParseAmountKES(tc.in)
		if err != nil {
			t.Errorf("ParseAmountKES(%q): %v", tc.in, err)
			continue
		}
		if got.Int.String() != tc.want {
			t.Errorf("ParseAmountKES(%q) = %s, want %s", tc.in, got.Int.String(), tc.want)
		}
	}
}
