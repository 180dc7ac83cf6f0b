package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pricewatch/internal/eventbus"
	logx "pricewatch/pkg/logx"
)

const (
	JobHistory    = "history"
	JobRecipients = "recipients"
	JobSnapshot   = "snapshot"
)

// DefaultJobTimeout bounds one job run.
const DefaultJobTimeout = 2 * time.Minute

type Config struct {
	Enabled            bool
	Timezone           string
	HistorySchedule    string
	RecipientsSchedule string
	SnapshotSchedule   string
}

type jobSpec struct {
	name string
	spec string
}

func (c Config) jobs() []jobSpec {
	return []jobSpec{
		{JobHistory, c.HistorySchedule},
		{JobRecipients, c.RecipientsSchedule},
		{JobSnapshot, c.SnapshotSchedule},
	}
}

// Cleaner is the part of monitor.Service the cleanup jobs call.
type Cleaner interface {
	CleanHistory(ctx context.Context) (int, error)
	CleanRecipients(ctx context.Context) (int, error)
}

// Snapshotter writes every document.
type Snapshotter interface {
	SaveAll(ctx context.Context) error
}

// RunEvent is published on the bus after each run.
type RunEvent struct {
	Job     string `json:"job"`
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
	TookMS  int64  `json:"took_ms"`
}

const EventJobRun = "maintenance.run"

// Entry describes one registered job.
type Entry struct {
	Job  string    `json:"job"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	cleaner Cleaner
	snap    Snapshotter
	log     logx.Logger
	bus     eventbus.Bus
	timeout time.Duration

	c       *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]string
	ctx     context.Context
}

func New(cfg Config, cleaner Cleaner, snap Snapshotter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:     cfg,
		cleaner: cleaner,
		snap:    snap,
		log:     log.With(logx.String("comp", "maintenance")),
		bus:     bus,
		timeout: DefaultJobTimeout,
	}
}

// Start registers the configured jobs. It is a no-op when disabled or
// already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := location(s.cfg.Timezone)
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	entries := map[string]cron.EntryID{}
	specs := map[string]string{}
	for _, j := range s.cfg.jobs() {
		sched, err := ParseSchedule(j.spec)
		if err != nil {
			return fmt.Errorf("maintenance.%s_schedule: %w", j.name, err)
		}
		if sched == nil {
			continue
		}
		name := j.name
		entries[name] = c.Schedule(sched, cron.FuncJob(func() { s.run(name) }))
		specs[name] = j.spec
	}
	c.Start()
	s.c, s.entries, s.specs = c, entries, specs
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(entries)))
	return nil
}

// Apply swaps the config, restarting the cron when running.
func (s *Service) Apply(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.cfg = cfg
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !cfg.Enabled || s.ctx == nil || s.c != nil {
		return nil
	}
	return s.startLocked()
}

// Stop halts triggering and waits for running jobs up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("maintenance stop timed out", logx.Err(ctx.Err()))
	}
}

// Entries lists registered jobs sorted by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.c.Entry(id)
		out = append(out, Entry{Job: name, Spec: s.specs[name], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

var ErrUnknownJob = errors.New("maintenance: unknown job")

// RunNow executes one job synchronously, regardless of its schedule.
func (s *Service) RunNow(ctx context.Context, job string) (int, error) {
	switch job {
	case JobHistory:
		return s.cleaner.CleanHistory(ctx)
	case JobRecipients:
		return s.cleaner.CleanRecipients(ctx)
	case JobSnapshot:
		return 0, s.snap.SaveAll(ctx)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownJob, job)
	}
}

func (s *Service) run(job string) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.RunNow(ctx, job)
	ev := RunEvent{Job: job, Removed: n, TookMS: time.Since(start).Milliseconds()}
	if err != nil {
		ev.Error = err.Error()
		s.log.Error("maintenance job failed", logx.String("job", job), logx.Err(err))
	} else {
		s.log.Info("maintenance job done", logx.String("job", job), logx.Int("removed", n), logx.Duration("took", time.Since(start)))
	}
	s.bus.Publish(eventbus.Event{Type: EventJobRun, Time: time.Now(), Data: ev})
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(key, kv[i+1]))
	}
	return out
}
