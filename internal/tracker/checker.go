package tracker

import (
	"context"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/decision"
	"pricewatch/internal/eventbus"
	logx "pricewatch/pkg/logx"
)

// Result describes one check cycle.
type Result struct {
	Name     string           `json:"name"`
	Price    catalog.Price    `json:"price"`
	Previous catalog.Price    `json:"previous"`
	Outcome  decision.Outcome `json:"-"`
	Fired    int              `json:"fired"`
	Recorded bool             `json:"recorded"`
}

// PriceEvent is the payload of price.* bus events.
type PriceEvent struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Price    catalog.Price `json:"price"`
	Previous catalog.Price `json:"previous"`
	Fired    int           `json:"fired"`
}

// run is the task loop: mark the deadline, wait, check, repeat. A task that
// ends without being cancelled drops its own registry entry.
func (r *Registry) run(t *task) {
	owned := r.owns(t)
	defer r.release(t)
	for {
		item, ok := r.markChecked(t.name, owned)
		if !ok {
			return
		}
		wait := r.config().IntervalFor(item)
		timer := time.NewTimer(wait)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if t.ctx.Err() != nil {
			return
		}
		r.cycle(t.ctx, t.name, t.url, owned)
	}
}

func (r *Registry) release(t *task) {
	if t.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	owned := r.tasks[t.name] == t
	if owned {
		delete(r.tasks, t.name)
	}
	r.mu.Unlock()
	if owned {
		r.log.Warn("task exited on its own", logx.String("name", t.name))
		r.bus.Publish(eventbus.Event{Type: eventbus.TaskStopped, Time: time.Now(), Data: TaskEvent{Name: t.name, URL: t.url}})
	}
}

// markChecked stamps LastCheckedAt and returns the item. It fails once the
// task is no longer registered or the item is gone.
func (r *Registry) markChecked(key string, owned func() bool) (catalog.Item, bool) {
	var (
		item catalog.Item
		err  error
	)
	now := r.config().Now()
	ok := r.commit(owned, func() {
		item, err = r.items.Update(key, func(it *catalog.Item) error {
			it.LastCheckedAt = now
			return nil
		})
	})
	if !ok {
		return catalog.Item{}, false
	}
	if err != nil {
		r.log.Warn("task item missing", logx.String("name", key), logx.Err(err))
		return catalog.Item{}, false
	}
	return item, true
}

// CheckNow runs one cycle for name outside any task. It only records when no
// task is registered for name.
func (r *Registry) CheckNow(ctx context.Context, name string) (Result, error) {
	key := catalog.NormalizeName(name)
	item, ok := r.items.Get(key)
	if !ok {
		return Result{Name: key}, catalog.ErrNotFound
	}
	unowned := func() bool { _, running := r.tasks[key]; return !running }
	return r.cycle(ctx, key, item.URL, unowned), nil
}

// cycle: fetch, read the previous observation, record, then decide. The
// decision always sees the previous stored price, never the new one.
func (r *Registry) cycle(ctx context.Context, key, url string, owned func() bool) Result {
	res := Result{Name: key, Price: catalog.Unavailable(), Previous: catalog.Unavailable()}
	log := r.log.With(logx.String("name", key))

	price := r.fetch.Fetch(ctx, url)
	res.Price = price
	if !price.IsKnown() {
		log.Warn("price unavailable", logx.String("url", url))
		r.bus.Publish(eventbus.Event{Type: eventbus.PriceMissing, Time: time.Now(), Data: PriceEvent{Name: key, URL: url, Price: price}})
		return res
	}

	// The previous price, the history snapshot and the record are taken in
	// one ownership check. Notifications go out only for a recorded cycle.
	var (
		item   catalog.Item
		found  bool
		prices []float64
		err    error
	)
	now := r.config().Now()
	owns := r.commit(owned, func() {
		if item, found = r.items.Get(key); !found {
			return
		}
		if last, ok := r.history.Last(key); ok {
			res.Previous = last.Price
		}
		prices = r.history.Prices(key)
		r.history.AppendObservation(key, catalog.Observation{Price: price, ObservedAt: now})
		_, err = r.items.Update(key, func(it *catalog.Item) error {
			it.Price = price
			it.EditedAt = now
			return nil
		})
	})
	if !owns {
		log.Debug("cycle dropped: task retired")
		return res
	}
	if !found {
		return res
	}
	res.Recorded = true
	if err != nil {
		log.Warn("item update failed during cycle", logx.Err(err))
	}

	if item.Notify && res.Previous.IsKnown() && r.decide != nil {
		res.Outcome = r.decide.Decide(ctx, decision.Input{
			Name:       key,
			URL:        url,
			Previous:   res.Previous.Amount(),
			Current:    price.Amount(),
			Thresholds: item.Thresholds,
			History:    prices,
			Image:      item.Image,
		})
		res.Fired = res.Outcome.Fired()
	}

	if r.persist != nil {
		if err := r.persist.Flush(ctx); err != nil {
			log.Error("persist after cycle failed", logx.Err(err))
		}
	}
	log.Debug("price recorded",
		logx.String("price", price.String()),
		logx.String("previous", res.Previous.String()),
		logx.Int("fired", res.Fired),
	)
	r.bus.Publish(eventbus.Event{Type: eventbus.PriceRecorded, Time: now, Data: PriceEvent{Name: key, URL: url, Price: price, Previous: res.Previous, Fired: res.Fired}})
	return res
}
