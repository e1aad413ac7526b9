package models

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Amount is a non-negative jetton amount in the smallest unit, kept as canonical decimal digits.
// Jetton balances are VarUInteger 16 (below 2^120), so DECIMAL(40,0) holds any of them.
type Amount string

// AmountOf converts a small amount, mostly for fixtures
func AmountOf(n int64) Amount {
	return Amount(big.NewInt(n).String())
}

// ParseAmount accepts a base-10 integer string and returns it in canonical form
func ParseAmount(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return "", fmt.Errorf("negative amount %q", s)
	}
	return Amount(v.String()), nil
}

// Int returns the amount as a big integer; the empty amount is zero
func (a Amount) Int() *big.Int {
	v, ok := new(big.Int).SetString(string(a), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func (a Amount) IsZero() bool {
	return a.Int().Sign() == 0
}

func (a Amount) String() string {
	if a == "" {
		return "0"
	}
	return string(a)
}

// Value stores the amount as a decimal string so no driver narrows it to int64
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = "0"
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		s = fmt.Sprint(v)
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
