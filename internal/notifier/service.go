package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"pricewatch/internal/decision"
	"pricewatch/internal/eventbus"
	rtsup "pricewatch/internal/runtime/supervisor"
	logx "pricewatch/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoChannel = errors.New("notifier: no channel for message")
)

type job struct {
	m        Message
	dedupKey string
}

// Service is the async delivery pipeline: queue + worker pool + rate limit +
// retry + dedup. It implements decision.Notifier and is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore

	cfg      Config
	defaults Defaults
	channels map[string]Channel
	limiter  *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

var _ decision.Notifier = (*Service)(nil)

type dedupWrite struct {
	key   string
	until time.Time
}

// New builds a stopped service. store may be nil.
func New(cfg Config, defaults Defaults, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		defaults: defaults,
		channels: map[string]Channel{},
		dedup:    map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Register adds or replaces the channel for ch.Name().
func (s *Service) Register(ch Channel) {
	if ch == nil {
		return
	}
	s.mu.Lock()
	s.channels[ch.Name()] = ch
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps pipeline knobs and default targets. Queue size and worker count
// take effect on the next Start.
func (s *Service) Apply(cfg Config, defaults Defaults) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.defaults = defaults
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitReason(c, "notifier persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c, "notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// exitReason turns a loop return into a supervisor result: clean on shutdown,
// an error (and a restart) otherwise.
func (s *Service) exitReason(c context.Context, msg string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New(msg)
}

// Stop closes intake and drains the queue until ctx expires, after which the
// workers are cancelled. Shutdown itself continues in the background.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// SendDefault queues msg for the default email recipient and the default
// Telegram chat. Unconfigured targets are skipped.
func (s *Service) SendDefault(ctx context.Context, msg decision.Message) error {
	s.mu.Lock()
	d := s.defaults
	_, hasTG := s.channels[ChannelTelegram]
	s.mu.Unlock()

	var errs []error
	queued := 0
	if d.Email != "" {
		queued++
		if err := s.Notify(ctx, Message{Channel: ChannelEmail, To: d.Email, Subject: msg.Subject, Text: msg.Text, HTML: msg.HTML, Image: msg.Image}); err != nil {
			errs = append(errs, fmt.Errorf("email %s: %w", d.Email, err))
		}
	}
	if d.ChatID != 0 && hasTG {
		queued++
		if err := s.Notify(ctx, Message{Channel: ChannelTelegram, To: strconv.FormatInt(d.ChatID, 10), Subject: msg.Subject, Text: msg.Text}); err != nil {
			errs = append(errs, fmt.Errorf("telegram %d: %w", d.ChatID, err))
		}
	}
	if queued == 0 {
		return ErrNoChannel
	}
	return errors.Join(errs...)
}

// SendToRecipient queues msg as an email to addr.
func (s *Service) SendToRecipient(ctx context.Context, msg decision.Message, addr string) error {
	return s.Notify(ctx, Message{Channel: ChannelEmail, To: addr, Subject: msg.Subject, Text: msg.Text, HTML: msg.HTML, Image: msg.Image})
}

// Notify queues one message. Deduped messages return nil without queueing.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.channels[m.Channel]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNoChannel, m.Channel)
	}
	q := s.queue
	window := s.cfg.DedupWindow
	max := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(m)
	if window > 0 {
		if !s.dedupAllow(ctx, key, window, max, persist, st, pch) {
			s.publish(eventbus.NotifyDeduped, m, key, nil)
			return nil
		}
	}

	s.publish(eventbus.NotifyQueued, m, key, nil)
	select {
	case q <- job{m: m, dedupKey: key}:
		return nil
	default:
		s.publish(eventbus.NotifyDropped, m, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(m Message, err error) {
	h := HistoryItem{At: time.Now(), Channel: m.Channel, To: m.To, Subject: m.Subject}
	if err != nil {
		h.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, m Message, key string, err error) {
	now := time.Now()
	ev := NotificationEvent{Channel: m.Channel, To: m.To, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ch := s.channels[j.m.Channel]
	log := s.log
	s.mu.Unlock()

	if ch == nil {
		s.publish(eventbus.NotifyFailed, j.m, j.dedupKey, ErrNoChannel)
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := ch.Deliver(callCtx, j.m)
		cancel()
		if err == nil {
			s.appendHistory(j.m, nil)
			s.publish(eventbus.NotifySent, j.m, j.dedupKey, nil)
			log.Debug("notification sent", logx.String("channel", j.m.Channel), logx.String("to", j.m.To))
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.appendHistory(j.m, lastErr)
	s.publish(eventbus.NotifyFailed, j.m, j.dedupKey, lastErr)
	log.Error("notification failed",
		logx.String("channel", j.m.Channel),
		logx.String("to", j.m.To),
		logx.String("subject", j.m.Subject),
		logx.Err(lastErr),
	)
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Channel))
	_, _ = h.Write([]byte("|" + m.To + "|" + m.Subject + "|"))
	_, _ = h.Write([]byte(m.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st DedupStore, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if persist && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase, capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxD {
		d = maxD
	}
	return d
}
