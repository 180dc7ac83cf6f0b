package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Observation is one recorded price.
type Observation struct {
	Price      Price
	ObservedAt time.Time
}

type observationJSON struct {
	Price Price           `json:"price"`
	Date  json.RawMessage `json:"date"`
}

func (o Observation) MarshalJSON() ([]byte, error) {
	return json.Marshal(observationJSON{Price: o.Price, Date: encodeTime(o.ObservedAt)})
}

func (o *Observation) UnmarshalJSON(b []byte) error {
	var w observationJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	at, err := decodeTime(w.Date)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	*o = Observation{Price: w.Price, ObservedAt: at}
	return nil
}

// History is the append-only observation log. Entries are never edited;
// they only disappear with their whole item (Delete, Prune).
type History struct {
	mu     sync.RWMutex
	byName map[string][]Observation
	now    func() time.Time
}

func NewHistory() *History {
	return &History{byName: map[string][]Observation{}, now: time.Now}
}

// WithClock replaces the timestamp source. Used by tests.
func (h *History) WithClock(now func() time.Time) *History {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
	return h
}

// Append records price for name at the current wall-clock time.
func (h *History) Append(name string, price Price) Observation {
	h.mu.Lock()
	defer h.mu.Unlock()
	obs := Observation{Price: price, ObservedAt: h.now()}
	key := NormalizeName(name)
	h.byName[key] = append(h.byName[key], obs)
	return obs
}

// AppendObservation records an observation with its own timestamp.
func (h *History) AppendObservation(name string, obs Observation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := NormalizeName(name)
	h.byName[key] = append(h.byName[key], obs)
}

// Last returns the observation with the greatest timestamp. On equal
// timestamps the later append wins.
func (h *History) Last(name string) (Observation, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.byName[NormalizeName(name)]
	if len(list) == 0 {
		return Observation{}, false
	}
	best := list[0]
	for _, o := range list[1:] {
		if !o.ObservedAt.Before(best.ObservedAt) {
			best = o
		}
	}
	return best, true
}

// All returns a copy of the observations in append order.
func (h *History) All(name string) []Observation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Observation(nil), h.byName[NormalizeName(name)]...)
}

// Sorted returns the observations ordered by timestamp.
func (h *History) Sorted(name string) []Observation {
	out := h.All(name)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

// Prices returns the known amounts recorded for name.
func (h *History) Prices(name string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.byName[NormalizeName(name)]
	out := make([]float64, 0, len(list))
	for _, o := range list {
		if v, ok := o.Price.Value(); ok {
			out = append(out, v)
		}
	}
	return out
}

func (h *History) Len(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byName[NormalizeName(name)])
}

// Delete drops the whole history of name.
func (h *History) Delete(name string) bool {
	key := NormalizeName(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byName[key]; !ok {
		return false
	}
	delete(h.byName, key)
	return true
}

// Prune drops the history of every name for which keep returns false and
// returns the removed names.
func (h *History) Prune(keep func(name string) bool) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []string
	for name := range h.byName {
		if !keep(name) {
			delete(h.byName, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

func (h *History) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byName))
	for name := range h.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the whole document.
func (h *History) Snapshot() map[string][]Observation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]Observation, len(h.byName))
	for k, v := range h.byName {
		out[k] = append([]Observation(nil), v...)
	}
	return out
}

// Replace swaps the whole document, as done after a load.
func (h *History) Replace(doc map[string][]Observation) {
	next := make(map[string][]Observation, len(doc))
	for k, v := range doc {
		key := NormalizeName(k)
		next[key] = append(next[key], v...)
	}
	h.mu.Lock()
	h.byName = next
	h.mu.Unlock()
}
