package catalog

import (
	"sort"
	"strings"
	"sync"
)

// Recipients is the directory of addresses seen in threshold policies. It only
// feeds suggestions to clients and never influences notification decisions.
type Recipients struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewRecipients(emails ...string) *Recipients {
	r := &Recipients{set: map[string]struct{}{}}
	r.Merge(emails...)
	return r
}

// Merge adds the valid addresses among emails and returns how many were new.
func (r *Recipients) Merge(emails ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if !ValidEmail(e) {
			continue
		}
		if _, ok := r.set[e]; ok {
			continue
		}
		r.set[e] = struct{}{}
		added++
	}
	return added
}

// Replace swaps the directory content.
func (r *Recipients) Replace(emails []string) {
	next := NewRecipients(emails...)
	r.mu.Lock()
	r.set = next.set
	r.mu.Unlock()
}

// Rebuild keeps only the addresses referenced by items and returns how many
// were dropped.
func (r *Recipients) Rebuild(items []Item) int {
	var used []string
	for _, it := range items {
		used = append(used, it.Emails()...)
	}
	next := NewRecipients(used...)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for e := range r.set {
		if _, ok := next.set[e]; !ok {
			dropped++
		}
	}
	r.set = next.set
	return dropped
}

func (r *Recipients) Contains(email string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[strings.TrimSpace(email)]
	return ok
}

// List returns the addresses sorted.
func (r *Recipients) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.set))
	for e := range r.set {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Match returns the addresses starting with prefix, for autocompletion.
func (r *Recipients) Match(prefix string) []string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	var out []string
	for _, e := range r.List() {
		if strings.HasPrefix(strings.ToLower(e), prefix) {
			out = append(out, e)
		}
	}
	return out
}
