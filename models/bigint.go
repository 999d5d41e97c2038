package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// BigInt persists arbitrary-precision integers as decimal strings. Monetary
// amounts are tracked in minor units (USDC 10^-6, KES 10^-2) and may exceed
// 2^53, so both the column representation and the JSON representation are
// decimal strings rather than native numbers.
type BigInt struct {
	big.Int
}

// NewBigInt copies v into a BigInt. A nil input yields zero.
func NewBigInt(v *big.Int) BigInt {
	var b BigInt
	if v != nil {
		b.Int.Set(v)
	}
	return b
}

// BigIntFromInt64 wraps a small constant for fixtures and defaults.
func BigIntFromInt64(v int64) BigInt {
	var b BigInt
	b.Int.SetInt64(v)
	return b
}

// BigIntFromString parses a base-10 value.
func BigIntFromString(s string) (BigInt, error) {
	var b BigInt
	if err := b.setString(s); err != nil {
		return BigInt{}, err
	}
	return b, nil
}

// Big returns an independent copy of the underlying value.
func (b BigInt) Big() *big.Int {
	return new(big.Int).Set(&b.Int)
}

// Value implements driver.Valuer.
func (b BigInt) Value() (driver.Value, error) {
	return b.Int.String(), nil
}

// Scan implements sql.Scanner.
func (b *BigInt) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		b.Int.SetInt64(0)
		return nil
	case string:
		return b.setString(v)
	case []byte:
		return b.setString(string(v))
	case int64:
		b.Int.SetInt64(v)
		return nil
	default:
		return fmt.Errorf("models: cannot scan %T into BigInt", src)
	}
}

func (b *BigInt) setString(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		b.Int.SetInt64(0)
		return nil
	}
	if _, ok := b.Int.SetString(trimmed, 10); !ok {
		return fmt.Errorf("models: invalid decimal amount %q", s)
	}
	return nil
}

// GormDataType stores the value as text in every supported dialect.
func (BigInt) GormDataType() string {
	return "text"
}

// MarshalJSON serialises as a quoted decimal string.
func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Int.String())
}

// UnmarshalJSON accepts either a quoted decimal string or a bare number.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		b.Int.SetInt64(0)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return b.setString(s)
	}
	return b.setString(raw)
}
