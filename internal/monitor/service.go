package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/storage"
	"pricewatch/internal/suggest"
	"pricewatch/internal/tracker"
	logx "pricewatch/pkg/logx"
)

var ErrThresholdAboveCurrent = errors.New("threshold is above the current price")

type Deps struct {
	Catalog    *catalog.Catalog
	History    *catalog.History
	Recipients *catalog.Recipients
	Registry   *tracker.Registry
	Fetcher    tracker.Fetcher
	Gateway    *storage.Gateway
	Log        logx.Logger
	Bus        eventbus.Bus
	Now        func() time.Time
}

type Service struct {
	items      *catalog.Catalog
	history    *catalog.History
	recipients *catalog.Recipients
	reg        *tracker.Registry
	fetch      tracker.Fetcher
	gw         *storage.Gateway
	log        logx.Logger
	bus        eventbus.Bus
	now        func() time.Time

	mu     sync.Mutex
	paused bool
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		items:      d.Catalog,
		history:    d.History,
		recipients: d.Recipients,
		reg:        d.Registry,
		fetch:      d.Fetcher,
		gw:         d.Gateway,
		log:        d.Log.With(logx.String("comp", "monitor")),
		bus:        d.Bus,
		now:        d.Now,
	}
}

type AddRequest struct {
	Name            string
	URL             string
	Notify          bool
	IntervalSeconds int
	Thresholds      map[string]float64
	// Image is an optional local picture attached to emails.
	Image string
	// AcceptHighThreshold stores thresholds above the current price instead of failing.
	AcceptHighThreshold bool
}

type EditRequest struct {
	URL                 string
	Notify              bool
	IntervalSeconds     int
	Thresholds          map[string]float64
	Image               string
	AcceptHighThreshold bool
}

// Result is the stored item plus non-fatal remarks for the user.
type Result struct {
	Item     catalog.Item `json:"item"`
	Warnings []string     `json:"warnings,omitempty"`
}

// ItemEvent is the payload of item.* bus events.
type ItemEvent struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type actorKey struct{}

// WithActor tags ctx with who triggered an operation, for the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}

// Start launches tasks for every catalog item.
func (s *Service) Start() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return s.reg.StartAll(s.items.List())
}

func (s *Service) Add(ctx context.Context, req AddRequest) (res Result, err error) {
	started := s.now()
	name := catalog.NormalizeName(req.Name)
	defer func() { s.audit(ctx, "add", name, started, err) }()

	it := catalog.Item{
		Name:            name,
		URL:             strings.TrimSpace(req.URL),
		Notify:          req.Notify,
		IntervalSeconds: catalog.NormalizeInterval(req.IntervalSeconds),
		Thresholds:      copyThresholds(req.Thresholds),
		Image:           strings.TrimSpace(req.Image),
	}
	if err := it.Validate(); err != nil {
		return Result{}, err
	}
	if s.items.Has(name) {
		return Result{}, fmt.Errorf("%w: %q", catalog.ErrNameTaken, name)
	}
	if owner, ok := s.items.URLOwner(it.URL); ok {
		return Result{}, fmt.Errorf("%w: %q", catalog.ErrURLTaken, owner)
	}

	price := s.fetch.Fetch(ctx, it.URL)
	if !price.IsKnown() {
		res.Warnings = append(res.Warnings, "price unavailable, it will be retried on the next check")
	}
	if err := checkThresholds(it.Thresholds, price, req.AcceptHighThreshold); err != nil {
		return Result{}, err
	}

	now := s.now()
	it.Price = price
	it.CreatedAt, it.EditedAt, it.LastCheckedAt = now, now, now
	if err := s.items.Insert(it); err != nil {
		return Result{}, err
	}
	s.history.AppendObservation(name, catalog.Observation{Price: price, ObservedAt: now})
	s.recipients.Merge(it.Emails()...)
	res.Warnings = append(res.Warnings, s.save(ctx, s.gw.SaveAll)...)

	if err := s.startUnlessPaused(name, it.URL); err != nil {
		res.Warnings = append(res.Warnings, "task not started: "+err.Error())
	}
	res.Item, _ = s.items.Get(name)
	s.log.Info("item added", logx.String("name", name), logx.String("price", price.String()))
	s.bus.Publish(eventbus.Event{Type: eventbus.ItemAdded, Time: now, Data: ItemEvent{Name: name, URL: it.URL}})
	return res, nil
}

func (s *Service) Edit(ctx context.Context, name string, req EditRequest) (res Result, err error) {
	started := s.now()
	key := catalog.NormalizeName(name)
	defer func() { s.audit(ctx, "edit", key, started, err) }()

	cur, ok := s.items.Get(key)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", catalog.ErrNotFound, key)
	}
	next := cur.Clone()
	next.URL = strings.TrimSpace(req.URL)
	next.Notify = req.Notify
	next.IntervalSeconds = catalog.NormalizeInterval(req.IntervalSeconds)
	next.Thresholds = copyThresholds(req.Thresholds)
	next.Image = strings.TrimSpace(req.Image)
	if err := next.Validate(); err != nil {
		return Result{}, err
	}
	if owner, ok := s.items.URLOwner(next.URL); ok && owner != key {
		return Result{}, fmt.Errorf("%w: %q", catalog.ErrURLTaken, owner)
	}

	s.reg.Stop(key)
	restartOld := func() {
		if err := s.startUnlessPaused(key, cur.URL); err != nil {
			s.log.Warn("restart after rejected edit failed", logx.String("name", key), logx.Err(err))
		}
	}

	price := s.fetch.Fetch(ctx, next.URL)
	if !price.IsKnown() {
		res.Warnings = append(res.Warnings, "price unavailable, it will be retried on the next check")
	}
	if err := checkThresholds(next.Thresholds, price, req.AcceptHighThreshold); err != nil {
		restartOld()
		return Result{}, err
	}

	now := s.now()
	updated, err := s.items.Update(key, func(it *catalog.Item) error {
		it.URL = next.URL
		it.Notify = next.Notify
		it.IntervalSeconds = next.IntervalSeconds
		it.Thresholds = next.Thresholds
		it.Image = next.Image
		it.Price = price
		it.EditedAt = now
		it.LastCheckedAt = now
		return nil
	})
	if err != nil {
		restartOld()
		return Result{}, err
	}
	s.history.AppendObservation(key, catalog.Observation{Price: price, ObservedAt: now})
	s.recipients.Merge(updated.Emails()...)
	res.Warnings = append(res.Warnings, s.save(ctx, s.gw.SaveAll)...)

	if err := s.startUnlessPaused(key, updated.URL); err != nil {
		res.Warnings = append(res.Warnings, "task not started: "+err.Error())
	}
	res.Item = updated
	s.log.Info("item edited", logx.String("name", key))
	s.bus.Publish(eventbus.Event{Type: eventbus.ItemEdited, Time: now, Data: ItemEvent{Name: key, URL: updated.URL}})
	return res, nil
}

// SetNotify flips the notify flag without refetching.
func (s *Service) SetNotify(ctx context.Context, name string, on bool) (it catalog.Item, err error) {
	started := s.now()
	key := catalog.NormalizeName(name)
	defer func() { s.audit(ctx, "notify", key, started, err) }()

	if !s.items.Has(key) {
		return catalog.Item{}, fmt.Errorf("%w: %q", catalog.ErrNotFound, key)
	}
	s.reg.Stop(key)
	it, err = s.items.Update(key, func(it *catalog.Item) error {
		it.Notify = on
		return nil
	})
	if err != nil {
		return catalog.Item{}, err
	}
	s.save(ctx, s.gw.SaveCatalog)
	if err := s.startUnlessPaused(key, it.URL); err != nil {
		s.log.Warn("restart after notify change failed", logx.String("name", key), logx.Err(err))
	}
	return it, nil
}

// Remove stops the task and deletes the item. Its history stays until
// CleanHistory.
func (s *Service) Remove(ctx context.Context, name string) (err error) {
	started := s.now()
	key := catalog.NormalizeName(name)
	defer func() { s.audit(ctx, "remove", key, started, err) }()

	s.reg.Stop(key)
	if !s.items.Delete(key) {
		return fmt.Errorf("%w: %q", catalog.ErrNotFound, key)
	}
	s.save(ctx, s.gw.SaveCatalog)
	s.log.Info("item removed", logx.String("name", key))
	s.bus.Publish(eventbus.Event{Type: eventbus.ItemRemoved, Time: s.now(), Data: ItemEvent{Name: key}})
	return nil
}

// Refresh checks name now and restarts its task with a fresh deadline.
func (s *Service) Refresh(ctx context.Context, name string) (tracker.Result, error) {
	key := catalog.NormalizeName(name)
	s.reg.Stop(key)
	res, err := s.reg.CheckNow(ctx, key)
	if err != nil {
		return res, err
	}
	if it, ok := s.items.Get(key); ok {
		if err := s.startUnlessPaused(key, it.URL); err != nil {
			s.log.Warn("restart after refresh failed", logx.String("name", key), logx.Err(err))
		}
	}
	return res, nil
}

// RefreshAll refreshes every item in name order.
func (s *Service) RefreshAll(ctx context.Context) []tracker.Result {
	items := s.items.List()
	out := make([]tracker.Result, 0, len(items))
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Refresh(ctx, it.Name)
		if err != nil {
			continue
		}
		out = append(out, res)
	}
	return out
}

// Pause stops every task. Tasks stay stopped until Resume.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.reg.StopAll()
	s.log.Info("tracking paused")
}

// Resume restarts every task with a fresh deadline.
func (s *Service) Resume() error {
	err := s.Start()
	s.log.Info("tracking resumed", logx.Int("items", s.items.Len()))
	return err
}

func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// CleanHistory drops histories of items no longer in the catalog.
func (s *Service) CleanHistory(ctx context.Context) (int, error) {
	removed := s.history.Prune(s.items.Has)
	if len(removed) == 0 {
		return 0, nil
	}
	s.log.Info("orphan histories removed", logx.Int("count", len(removed)))
	return len(removed), s.gw.SaveHistory(ctx)
}

// CleanRecipients rebuilds the recipient directory from the catalog.
func (s *Service) CleanRecipients(ctx context.Context) (int, error) {
	dropped := s.recipients.Rebuild(s.items.List())
	return dropped, s.gw.SaveRecipients(ctx)
}

// Remaining is the time until the next scheduled check of name.
func (s *Service) Remaining(name string) (time.Duration, error) {
	it, ok := s.items.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", catalog.ErrNotFound, catalog.NormalizeName(name))
	}
	return it.Remaining(s.now()), nil
}

func (s *Service) Items() []catalog.Item { return s.items.List() }

func (s *Service) Item(name string) (catalog.Item, bool) { return s.items.Get(name) }

// History returns name's observations oldest first. It works for removed
// items whose history has not been cleaned.
func (s *Service) History(name string) []catalog.Observation {
	return s.history.Sorted(catalog.NormalizeName(name))
}

// Insight computes statistics and the buy suggestion for name.
func (s *Service) Insight(name string) (suggest.Insight, error) {
	it, ok := s.items.Get(name)
	if !ok {
		return suggest.Insight{}, fmt.Errorf("%w: %q", catalog.ErrNotFound, catalog.NormalizeName(name))
	}
	return suggest.Analyze(s.history.Prices(it.Name), it.Price), nil
}

func (s *Service) Recipients() []string { return s.recipients.List() }

func (s *Service) MatchRecipients(prefix string) []string { return s.recipients.Match(prefix) }

func (s *Service) startUnlessPaused(name, url string) error {
	if s.Paused() {
		return nil
	}
	return s.reg.Start(name, url)
}

// save runs a gateway write; failures become user warnings, state stays in memory.
func (s *Service) save(ctx context.Context, fn func(context.Context) error) []string {
	if err := fn(ctx); err != nil {
		return []string{"changes kept in memory, save failed: " + err.Error()}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, action, name string, started time.Time, err error) {
	e := storage.AuditEntry{
		At:     started,
		Actor:  actorFrom(ctx),
		Action: action,
		Item:   name,
		OK:     err == nil,
		TookMS: s.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.gw.Audit(ctx, e)
}

// checkThresholds rejects ceilings above a known price unless accept is set.
func checkThresholds(th map[string]float64, price catalog.Price, accept bool) error {
	cur, ok := price.Value()
	if !ok || accept {
		return nil
	}
	emails := make([]string, 0, len(th))
	for e, v := range th {
		if v > cur {
			emails = append(emails, e)
		}
	}
	if len(emails) == 0 {
		return nil
	}
	sort.Strings(emails)
	return fmt.Errorf("%w: %v above %s", ErrThresholdAboveCurrent, emails, price)
}

func copyThresholds(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
