package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// DefaultIntervalSeconds applies when an item is created or edited with a
// zero or negative interval.
const DefaultIntervalSeconds = 1800

var (
	ErrNotFound  = errors.New("catalog: item not found")
	ErrNameTaken = errors.New("catalog: name already tracked")
	ErrURLTaken  = errors.New("catalog: url already tracked by another item")
	ErrInvalid   = errors.New("catalog: invalid item")
)

// Item is one tracked product. Name is the catalog key and is not part of the
// persisted record.
type Item struct {
	Name            string
	URL             string
	Price           Price
	Notify          bool
	IntervalSeconds int
	// Thresholds maps recipient email to a price ceiling; 0 means "any drop".
	Thresholds    map[string]float64
	LastCheckedAt time.Time
	CreatedAt     time.Time
	EditedAt      time.Time
	Image         string
}

// NormalizeName trims and lowercases a user supplied name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeInterval maps non-positive values to DefaultIntervalSeconds.
func NormalizeInterval(seconds int) int {
	if seconds <= 0 {
		return DefaultIntervalSeconds
	}
	return seconds
}

func (it Item) Interval() time.Duration {
	return time.Duration(NormalizeInterval(it.IntervalSeconds)) * time.Second
}

// Remaining is the time left before the next check, clamped at zero.
func (it Item) Remaining(now time.Time) time.Duration {
	if it.LastCheckedAt.IsZero() {
		return 0
	}
	left := it.LastCheckedAt.Add(it.Interval()).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Clone returns a copy that shares no mutable state with it.
func (it Item) Clone() Item {
	cp := it
	cp.Thresholds = maps.Clone(it.Thresholds)
	if cp.Thresholds == nil {
		cp.Thresholds = map[string]float64{}
	}
	return cp
}

// Emails returns the recipients named in the threshold policy.
func (it Item) Emails() []string {
	out := make([]string, 0, len(it.Thresholds))
	for email := range it.Thresholds {
		out = append(out, email)
	}
	return out
}

// Validate checks the fields every stored item must carry.
func (it Item) Validate() error {
	if it.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if strings.TrimSpace(it.URL) == "" {
		return fmt.Errorf("%w: %q has no url", ErrInvalid, it.Name)
	}
	if it.IntervalSeconds < 1 {
		return fmt.Errorf("%w: %q interval %d < 1", ErrInvalid, it.Name, it.IntervalSeconds)
	}
	for email, th := range it.Thresholds {
		if !ValidEmail(email) {
			return fmt.Errorf("%w: %q recipient %q is not an email", ErrInvalid, it.Name, email)
		}
		if th < 0 {
			return fmt.Errorf("%w: %q threshold for %q is negative", ErrInvalid, it.Name, email)
		}
	}
	return nil
}

type itemJSON struct {
	URL        string             `json:"url"`
	Price      Price              `json:"price"`
	Notify     bool               `json:"notify"`
	Timer      json.RawMessage    `json:"timer"`
	Refresh    int                `json:"timer_refresh"`
	Added      json.RawMessage    `json:"date_added"`
	Edited     json.RawMessage    `json:"date_edited"`
	Thresholds map[string]float64 `json:"emails_and_thresholds"`
	Image      string             `json:"image,omitempty"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	th := it.Thresholds
	if th == nil {
		th = map[string]float64{}
	}
	return json.Marshal(itemJSON{
		URL:        it.URL,
		Price:      it.Price,
		Notify:     it.Notify,
		Timer:      encodeTime(it.LastCheckedAt),
		Refresh:    it.IntervalSeconds,
		Added:      encodeTime(it.CreatedAt),
		Edited:     encodeTime(it.EditedAt),
		Thresholds: th,
		Image:      it.Image,
	})
}

func (it *Item) UnmarshalJSON(b []byte) error {
	var w itemJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var err error
	out := Item{
		Name:            it.Name,
		URL:             w.URL,
		Price:           w.Price,
		Notify:          w.Notify,
		IntervalSeconds: w.Refresh,
		Thresholds:      w.Thresholds,
		Image:           w.Image,
	}
	if out.Thresholds == nil {
		out.Thresholds = map[string]float64{}
	}
	if out.LastCheckedAt, err = decodeTime(w.Timer); err != nil {
		return fmt.Errorf("timer: %w", err)
	}
	if out.CreatedAt, err = decodeTime(w.Added); err != nil {
		return fmt.Errorf("date_added: %w", err)
	}
	if out.EditedAt, err = decodeTime(w.Edited); err != nil {
		return fmt.Errorf("date_edited: %w", err)
	}
	*it = out
	return nil
}
