package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
)

func vectorParams() Params {
	return Params{
		LoanID:           "loan-vector-001",
		PrincipalUsdc:    big.NewInt(100_000_000),
		InterestRateBps:  1200,
		StartTimestamp:   1_735_689_600,
		IntervalSeconds:  2_592_000,
		InstallmentCount: 3,
	}
}

func TestGenerateVector(t *testing.T) {
	result, err := Generate(vectorParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(result.Installments) != 3 {
		t.Fatalf("installments = %d, want 3", len(result.Installments))
	}

	first := result.Installments[0]
	if first.DueTimestamp != 1_738_281_600 {
		t.Fatalf("first due_ts = %d, want 1738281600", first.DueTimestamp)
	}
	if first.Principal.String() != "33333333" {
		t.Fatalf("first principal = %s, want 33333333", first.Principal)
	}
	// interest = 100000000 * 1200 * 2592000 / (10000 * 31536000), truncated
	wantInterest := new(big.Int).Mul(big.NewInt(100_000_000), big.NewInt(1200))
	wantInterest.Mul(wantInterest, big.NewInt(2_592_000))
	wantInterest.Quo(wantInterest, new(big.Int).Mul(big.NewInt(10_000), big.NewInt(31_536_000)))
	if first.Interest.Cmp(wantInterest) != 0 {
		t.Fatalf("first interest = %s, want %s", first.Interest, wantInterest)
	}

	last := result.Installments[2]
	if last.Principal.String() != "33333334" {
		t.Fatalf("last principal = %s, want remainder folded in: 33333334", last.Principal)
	}
	if last.DueTimestamp != 1_735_689_600+3*2_592_000 {
		t.Fatalf("last due_ts = %d", last.DueTimestamp)
	}

	sum := new(big.Int)
	for _, inst := range result.Installments {
		sum.Add(sum, inst.Principal)
	}
	if sum.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("principal sum = %s, want 100000000", sum)
	}
}

func TestGenerateInterestDeclinesWithOutstanding(t *testing.T) {
	result, err := Generate(vectorParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 1; i < len(result.Installments); i++ {
		prev := result.Installments[i-1].Interest
		cur := result.Installments[i].Interest
		if cur.Cmp(prev) >= 0 {
			t.Fatalf("interest[%d]=%s not below interest[%d]=%s", i, cur, i-1, prev)
		}
	}
}

func TestCanonicalJSONLayout(t *testing.T) {
	result, err := Generate(vectorParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	doc := result.CanonicalJSON

	// The document must still be valid JSON.
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(doc), &decoded); err != nil {
		t.Fatalf("canonical form is not JSON: %v", err)
	}

	// Key order is part of the contract.
	order := []string{`"loan_id"`, `"principal"`, `"interest_rate_bps"`, `"start_ts"`, `"interval_seconds"`, `"installment_count"`, `"installments"`}
	pos := -1
	for _, key := range order {
		idx := strings.Index(doc, key)
		if idx < 0 {
			t.Fatalf("key %s missing from canonical form", key)
		}
		if idx < pos {
			t.Fatalf("key %s out of order", key)
		}
		pos = idx
	}

	// Amounts and timestamps are strings; counters are bare numbers.
	for _, fragment := range []string{
		`"principal":"100000000"`,
		`"start_ts":"1735689600"`,
		`"interest_rate_bps":1200`,
		`"interval_seconds":2592000`,
		`"installment_count":3`,
		`"index":0`,
		`"due_ts":"1738281600"`,
	} {
		if !strings.Contains(doc, fragment) {
			t.Fatalf("canonical form missing %s\n%s", fragment, doc)
		}
	}
}

func TestHashIsSHA256OfCanonicalJSON(t *testing.T) {
	result, err := Generate(vectorParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sum := sha256.Sum256([]byte(result.CanonicalJSON))
	if result.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s, want sha256 of canonical form", result.Hash)
	}
	if result.Hash != strings.ToLower(result.Hash) {
		t.Fatal("hash must be lowercase hex")
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(vectorParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate(vectorParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.CanonicalJSON != b.CanonicalJSON || a.Hash != b.Hash {
		t.Fatal("identical params produced different canonical forms")
	}
}

func TestGenerateValidation(t *testing.T) {
	base := vectorParams()

	mutations := map[string]func(*Params){
		"empty loan id":      func(p *Params) { p.LoanID = "" },
		"zero principal":     func(p *Params) { p.PrincipalUsdc = big.NewInt(0) },
		"nil principal":      func(p *Params) { p.PrincipalUsdc = nil },
		"negative rate":      func(p *Params) { p.InterestRateBps = -1 },
		"zero interval":      func(p *Params) { p.IntervalSeconds = 0 },
		"zero count":         func(p *Params) { p.InstallmentCount = 0 },
		"zero start":         func(p *Params) { p.StartTimestamp = 0 },
		"negative penalty":   func(p *Params) { p.PenaltyAprBps = -1 },
	}
	for name, mutate := range mutations {
		p := base
		mutate(&p)
		if _, err := Generate(p); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestHashJSONDetectsTamper(t *testing.T) {
	result, err := Generate(vectorParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tampered := strings.Replace(result.CanonicalJSON, "33333334", "33333335", 1)
	if HashJSON(tampered) == result.Hash {
		t.Fatal("tampered document hashed identically")
	}
}
