package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/decision"
	"pricewatch/internal/eventbus"
	rtsup "pricewatch/internal/runtime/supervisor"
	logx "pricewatch/pkg/logx"
)

// DefaultJoinTimeout is how long Start and Stop wait for a retiring task.
const DefaultJoinTimeout = time.Second

// ErrStopped is returned by Start once the registry has shut down.
var ErrStopped = errors.New("tracker: registry stopped")

// Fetcher returns the current price of a product page. It never fails;
// problems come back as catalog.Unavailable().
type Fetcher interface {
	Fetch(ctx context.Context, url string) catalog.Price
}

// Decider turns a recorded price change into notifications.
type Decider interface {
	Decide(ctx context.Context, in decision.Input) decision.Outcome
}

// Persister writes catalog and history after a cycle.
type Persister interface {
	Flush(ctx context.Context) error
}

// Config tunes task timing. Zero values take defaults.
type Config struct {
	// JoinTimeout bounds how long Start/Stop wait for a retiring task.
	JoinTimeout time.Duration
	// IntervalFor overrides the wait between cycles. Defaults to Item.Interval.
	IntervalFor func(catalog.Item) time.Duration
	Now         func() time.Time
}

// Deps are the collaborators shared by every task.
type Deps struct {
	Catalog   *catalog.Catalog
	History   *catalog.History
	Fetcher   Fetcher
	Decider   Decider
	Persister Persister
	Log       logx.Logger
	Bus       eventbus.Bus
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type task struct {
	name   string
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry maps item names to live polling tasks.
type Registry struct {
	// opMu serializes lifecycle changes; mu guards tasks and task commits.
	opMu sync.Mutex
	mu   sync.Mutex

	tasks map[string]*task
	cfg   Config
	sup   *rtsup.Supervisor

	items   *catalog.Catalog
	history *catalog.History
	fetch   Fetcher
	decide  Decider
	persist Persister
	log     logx.Logger
	bus     eventbus.Bus
}

// New builds a registry whose tasks live under ctx.
func New(ctx context.Context, cfg Config, d Deps) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	r := &Registry{
		tasks:   map[string]*task{},
		items:   d.Catalog,
		history: d.History,
		fetch:   d.Fetcher,
		decide:  d.Decider,
		persist: d.Persister,
		log:     log,
		bus:     bus,
	}
	r.cfg = normalize(cfg)
	r.sup = rtsup.New(ctx, rtsup.WithLogger(log.With(logx.String("comp", "tasks"))))
	return r
}

func normalize(cfg Config) Config {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.IntervalFor == nil {
		cfg.IntervalFor = catalog.Item.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// SetJoinTimeout applies a reloaded join bound.
func (r *Registry) SetJoinTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultJoinTimeout
	}
	r.mu.Lock()
	r.cfg.JoinTimeout = d
	r.mu.Unlock()
}

func (r *Registry) config() Config {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()
	return cfg
}

// Supervisor exposes task goroutine statistics.
func (r *Registry) Supervisor() *rtsup.Supervisor { return r.sup }

// Start launches the polling task for name, replacing a running one. The
// item must be in the catalog.
func (r *Registry) Start(name, url string) error {
	key := catalog.NormalizeName(name)
	if !r.items.Has(key) {
		return catalog.ErrNotFound
	}
	if err := r.sup.Context().Err(); err != nil {
		return ErrStopped
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	old := r.tasks[key]
	r.mu.Unlock()
	if old != nil {
		r.retire(old)
	}

	ctx, cancel := context.WithCancel(r.sup.Context())
	t := &task{name: key, url: url, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.tasks[key] = t
	r.mu.Unlock()

	r.sup.Go0("task."+key, func(context.Context) {
		defer close(t.done)
		r.run(t)
	})
	r.log.Info("task started", logx.String("name", key), logx.String("url", url))
	r.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: time.Now(), Data: TaskEvent{Name: key, URL: url}})
	return nil
}

// Stop cancels and joins the task for name. Missing tasks are a no-op.
func (r *Registry) Stop(name string) {
	key := catalog.NormalizeName(name)

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	t := r.tasks[key]
	r.mu.Unlock()
	if t == nil {
		return
	}
	r.retire(t)
	r.mu.Lock()
	if r.tasks[key] == t {
		delete(r.tasks, key)
	}
	r.mu.Unlock()
}

// StopAll retires every task in parallel.
func (r *Registry) StopAll() {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	all := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, t)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range all {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			r.retire(t)
		}(t)
	}
	wg.Wait()

	r.mu.Lock()
	for _, t := range all {
		if r.tasks[t.name] == t {
			delete(r.tasks, t.name)
		}
	}
	r.mu.Unlock()
}

// StartAll starts a task for every item, each with a fresh deadline.
func (r *Registry) StartAll(items []catalog.Item) error {
	var errs []error
	for _, it := range items {
		if err := r.Start(it.Name, it.URL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Running lists the names with a registered task, sorted.
func (r *Registry) Running() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Alive reports whether name has a registered task whose goroutine has not exited.
func (r *Registry) Alive(name string) bool {
	r.mu.Lock()
	t := r.tasks[catalog.NormalizeName(name)]
	r.mu.Unlock()
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Shutdown retires every task and waits for task goroutines until ctx ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.StopAll()
	return r.sup.Stop(ctx)
}

// retire cancels t and waits up to the join timeout. A task that does not
// exit in time is left to finish on its own; the ownership check keeps it
// from writing.
func (r *Registry) retire(t *task) {
	t.cancel()
	timer := time.NewTimer(r.config().JoinTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
		r.log.Info("task stopped", logx.String("name", t.name))
		r.bus.Publish(eventbus.Event{Type: eventbus.TaskStopped, Time: time.Now(), Data: TaskEvent{Name: t.name, URL: t.url}})
	case <-timer.C:
		r.log.Warn("task did not stop within join timeout", logx.String("name", t.name), logx.Duration("timeout", r.config().JoinTimeout))
		r.bus.Publish(eventbus.Event{Type: eventbus.TaskOrphaned, Time: time.Now(), Data: TaskEvent{Name: t.name, URL: t.url}})
	}
}

// owns reports whether t is still the registered task. Callers hold r.mu.
func (r *Registry) owns(t *task) func() bool {
	return func() bool { return r.tasks[t.name] == t }
}

// commit runs fn under the registry lock when owned() still holds.
func (r *Registry) commit(owned func() bool, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !owned() {
		return false
	}
	fn()
	return true
}
