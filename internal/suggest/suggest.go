// Package suggest turns an item's price history into buying advice.
package suggest

import (
	"math"

	"pricewatch/internal/catalog"
)

type Severity int

const (
	// SeverityUnknown: no current price to judge.
	SeverityUnknown Severity = iota
	SeverityInfo
	SeverityGood
	SeverityBad
	SeverityNeutral
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityGood:
		return "good"
	case SeverityBad:
		return "bad"
	case SeverityNeutral:
		return "neutral"
	default:
		return "unknown"
	}
}

// Color is the display color clients use for the severity.
func (s Severity) Color() string {
	switch s {
	case SeverityInfo:
		return "blue"
	case SeverityGood:
		return "green"
	case SeverityBad:
		return "red"
	case SeverityNeutral:
		return "#FFA500"
	default:
		return "black"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const (
	TextNoPrice     = "No current price: refresh the item or check its URL"
	TextNoVariation = "No price variation observed to date"
	TextGreat       = "Great time to buy!"
	TextBelowAvg    = "Below the average price, good time to buy"
	TextExpensive   = "Expensive compared to history, consider waiting for a drop"
	TextAverage     = "Average price, buy only if you need it now"
)

// Stats summarises the known prices of an item.
type Stats struct {
	Average float64
	Minimum float64
	Maximum float64
}

// Flat reports whether the three figures coincide, in which case they carry
// no information about the price trend.
func (s Stats) Flat() bool { return s.Average == s.Minimum && s.Minimum == s.Maximum }

// Compute returns mean (rounded to cents), min and max of history. With no
// history every figure equals current.
func Compute(history []float64, current float64) Stats {
	if len(history) == 0 {
		return Stats{Average: current, Minimum: current, Maximum: current}
	}
	sum := 0.0
	lo, hi := history[0], history[0]
	for _, v := range history {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return Stats{Average: math.Round(sum/float64(len(history))*100) / 100, Minimum: lo, Maximum: hi}
}

// Suggestion is the advice shown next to a price.
type Suggestion struct {
	Text     string
	Severity Severity
}

// Suggest applies the advice ladder; the first matching rule wins.
func Suggest(history []float64, current catalog.Price, st Stats) Suggestion {
	cur, ok := current.Value()
	switch {
	case !ok:
		return Suggestion{TextNoPrice, SeverityUnknown}
	case allEqual(history):
		return Suggestion{TextNoVariation, SeverityInfo}
	case cur <= st.Minimum:
		return Suggestion{TextGreat, SeverityGood}
	case cur < st.Average*0.9:
		return Suggestion{TextBelowAvg, SeverityGood}
	case cur >= st.Maximum:
		return Suggestion{TextExpensive, SeverityBad}
	default:
		return Suggestion{TextAverage, SeverityNeutral}
	}
}

// An empty history counts as "all equal".
func allEqual(history []float64) bool {
	for _, v := range history {
		if v != history[0] {
			return false
		}
	}
	return true
}

// Insight bundles statistics and advice for one item.
type Insight struct {
	Stats      Stats
	Suggestion Suggestion
}

// Analyze computes the insight for the current price against history.
func Analyze(history []float64, current catalog.Price) Insight {
	st := Compute(history, current.Amount())
	return Insight{Stats: st, Suggestion: Suggest(history, current, st)}
}
