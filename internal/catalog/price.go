package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Price is either a known amount or the unavailable marker left by a failed
// extraction. The zero value is Unavailable.
type Price struct {
	value float64
	known bool
}

func Known(v float64) Price { return Price{value: v, known: true} }

func Unavailable() Price { return Price{} }

// Value returns the amount and whether it is known.
func (p Price) Value() (float64, bool) { return p.value, p.known }

func (p Price) IsKnown() bool { return p.known }

// Amount returns the amount, or 0 when unavailable.
func (p Price) Amount() float64 {
	if !p.known {
		return 0
	}
	return p.value
}

// Below reports whether p is known and strictly lower than v.
func (p Price) Below(v float64) bool { return p.known && p.value < v }

// Before orders prices for listings: known ascending, unavailable last.
func (p Price) Before(q Price) bool {
	switch {
	case p.known && q.known:
		return p.value < q.value
	case p.known:
		return true
	default:
		return false
	}
}

func (p Price) String() string {
	if !p.known {
		return "unavailable"
	}
	return FormatAmount(p.value)
}

// FormatAmount renders an amount the way notification bodies show it.
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "€"
}

// MarshalJSON writes a number for known prices and null for unavailable ones.
func (p Price) MarshalJSON() ([]byte, error) {
	if !p.known {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(p.value, 'f', -1, 64)), nil
}

// UnmarshalJSON accepts a number, null, or a string. Strings are the
// placeholder text older documents stored after a failed extraction and load
// as Unavailable.
func (p *Price) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*p = Unavailable()
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Unavailable()
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("price %s: not a number", b)
	}
	*p = Known(v)
	return nil
}
