package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrDecimalsMismatch = errors.New("amounts have different decimals")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Amount is a token quantity in base units. Two amounts only combine when
// their decimals match.
type Amount struct {
	Raw      *big.Int
	Decimals uint8
}

func NewAmount(raw *big.Int, decimals uint8) Amount {
	if raw == nil {
		raw = new(big.Int)
	}
	return Amount{Raw: new(big.Int).Set(raw), Decimals: decimals}
}

func Zero(decimals uint8) Amount {
	return Amount{Raw: new(big.Int), Decimals: decimals}
}

// ParseHuman converts a decimal string such as "25000" or "1.5" into base
// units. Digits beyond the token's precision are truncated, never rounded.
func ParseHuman(s string, decimals uint8) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("%w: negative %q", ErrInvalidAmount, s)
	}
	raw := d.Shift(int32(decimals)).Truncate(0).BigInt()
	return Amount{Raw: raw, Decimals: decimals}, nil
}

// MustParseHuman is ParseHuman for constants and tests.
func MustParseHuman(s string, decimals uint8) Amount {
	a, err := ParseHuman(s, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) raw() *big.Int {
	if a.Raw == nil {
		return new(big.Int)
	}
	return a.Raw
}

// Human renders the amount with exactly Decimals fractional digits.
func (a Amount) Human() string {
	return decimal.NewFromBigInt(a.raw(), -int32(a.Decimals)).StringFixed(int32(a.Decimals))
}

func (a Amount) String() string {
	return a.Human()
}

// Float64 is for display only.
func (a Amount) Float64() float64 {
	f, _ := decimal.NewFromBigInt(a.raw(), -int32(a.Decimals)).Float64()
	return f
}

func (a Amount) Sign() int {
	return a.raw().Sign()
}

func (a Amount) IsZero() bool {
	return a.Sign() == 0
}

func (a Amount) Cmp(b Amount) (int, error) {
	if a.Decimals != b.Decimals {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDecimalsMismatch, a.Decimals, b.Decimals)
	}
	return a.raw().Cmp(b.raw()), nil
}

// Covers reports whether a is at least need.
func (a Amount) Covers(need Amount) (bool, error) {
	c, err := a.Cmp(need)
	if err != nil {
		return false, err
	}
	return c >= 0, nil
}

func (a Amount) Add(b Amount) (Amount, error) {
	if a.Decimals != b.Decimals {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrDecimalsMismatch, a.Decimals, b.Decimals)
	}
	return Amount{Raw: new(big.Int).Add(a.raw(), b.raw()), Decimals: a.Decimals}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Decimals != b.Decimals {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrDecimalsMismatch, a.Decimals, b.Decimals)
	}
	return Amount{Raw: new(big.Int).Sub(a.raw(), b.raw()), Decimals: a.Decimals}, nil
}

type amountJSON struct {
	Raw      string `json:"raw"`
	Decimals uint8  `json:"decimals"`
	Human    string `json:"human"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Raw: a.raw().String(), Decimals: a.Decimals, Human: a.Human()})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var v amountJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	raw, ok := new(big.Int).SetString(v.Raw, 10)
	if !ok {
		return fmt.Errorf("%w: raw %q", ErrInvalidAmount, v.Raw)
	}
	a.Raw = raw
	a.Decimals = v.Decimals
	return nil
}
