package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/decision"
	logx "pricewatch/pkg/logx"
)

type seqFetcher struct {
	mu     sync.Mutex
	prices []catalog.Price
	calls  atomic.Int64
	gate   chan struct{} // when set, Fetch blocks until closed, ignoring ctx
}

func (f *seqFetcher) Fetch(_ context.Context, _ string) catalog.Price {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prices) == 0 {
		return catalog.Unavailable()
	}
	p := f.prices[0]
	if len(f.prices) > 1 {
		f.prices = f.prices[1:]
	}
	return p
}

type recDecider struct {
	mu   sync.Mutex
	ins  []decision.Input
	hook func(decision.Input) // runs on each call when set
}

func (d *recDecider) Decide(_ context.Context, in decision.Input) decision.Outcome {
	d.mu.Lock()
	d.ins = append(d.ins, in)
	hook := d.hook
	d.mu.Unlock()
	if hook != nil {
		hook(in)
	}
	return decision.Evaluate(in)
}

func (d *recDecider) inputs() []decision.Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]decision.Input(nil), d.ins...)
}

type countPersister struct{ n atomic.Int64 }

func (p *countPersister) Flush(context.Context) error { p.n.Add(1); return nil }

type fixture struct {
	reg     *Registry
	items   *catalog.Catalog
	history *catalog.History
	fetch   *seqFetcher
	decide  *recDecider
	persist *countPersister
}

func newFixture(t *testing.T, interval time.Duration, fetch *seqFetcher, items ...catalog.Item) *fixture {
	t.Helper()
	f := &fixture{
		items:   catalog.New(),
		history: catalog.NewHistory(),
		fetch:   fetch,
		decide:  &recDecider{},
		persist: &countPersister{},
	}
	for _, it := range items {
		if err := f.items.Insert(it); err != nil {
			t.Fatalf("Insert(%s): %v", it.Name, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.reg = New(ctx, Config{
		JoinTimeout: 100 * time.Millisecond,
		IntervalFor: func(catalog.Item) time.Duration { return interval },
	}, Deps{
		Catalog:   f.items,
		History:   f.history,
		Fetcher:   fetch,
		Decider:   f.decide,
		Persister: f.persist,
		Log:       logx.Nop(),
	})
	t.Cleanup(func() {
		f.reg.StopAll()
		cancel()
	})
	return f
}

func item(name string, notify bool) catalog.Item {
	return catalog.Item{Name: name, URL: "https://shop/" + name, Notify: notify, IntervalSeconds: 1800, Price: catalog.Known(100)}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRequiresCatalogItem(t *testing.T) {
	f := newFixture(t, time.Hour, &seqFetcher{})
	if err := f.reg.Start("ghost", "https://shop/ghost"); err != catalog.ErrNotFound {
		t.Fatalf("Start = %v, want %v", err, catalog.ErrNotFound)
	}
}

func TestStartTwiceKeepsOneTask(t *testing.T) {
	f := newFixture(t, time.Hour, &seqFetcher{}, item("desk", false))
	for i := 0; i < 3; i++ {
		if err := f.reg.Start("desk", "https://shop/desk"); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
	}
	if got := f.reg.Running(); len(got) != 1 || got[0] != "desk" {
		t.Fatalf("Running = %v, want [desk]", got)
	}
	eventually(t, "one live task goroutine", func() bool {
		return f.reg.Supervisor().Counters().Active == 1
	})
	if !f.reg.Alive("desk") {
		t.Fatalf("Alive(desk) = false, want true")
	}
}

func TestStopInterruptsWait(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(90)}}
	f := newFixture(t, time.Hour, fetch, item("desk", true))
	if err := f.reg.Start("desk", "https://shop/desk"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "task running", func() bool { return f.reg.Alive("desk") })

	start := time.Now()
	f.reg.Stop("desk")
	if took := time.Since(start); took > 90*time.Millisecond {
		t.Fatalf("Stop took %v; wait was not interrupted", took)
	}
	if f.reg.Alive("desk") || len(f.reg.Running()) != 0 {
		t.Fatalf("task still registered after Stop")
	}
	if n := fetch.calls.Load(); n != 0 {
		t.Fatalf("fetch calls = %d, want 0", n)
	}
	if n := f.history.Len("desk"); n != 0 {
		t.Fatalf("history len = %d, want 0", n)
	}
}

func TestStopMissingIsNoop(t *testing.T) {
	f := newFixture(t, time.Hour, &seqFetcher{})
	f.reg.Stop("nothing")
}

func TestCycleRecordsAndDecides(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(90), catalog.Known(95)}}
	f := newFixture(t, 5*time.Millisecond, fetch, item("desk", true))
	f.history.Append("desk", catalog.Known(100))

	if err := f.reg.Start("desk", "https://shop/desk"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "two recorded cycles", func() bool { return f.history.Len("desk") >= 3 })
	f.reg.Stop("desk")

	ins := f.decide.inputs()
	if len(ins) < 2 {
		t.Fatalf("decide calls = %d, want >= 2", len(ins))
	}
	if ins[0].Previous != 100 || ins[0].Current != 90 {
		t.Fatalf("first input = (%v -> %v), want (100 -> 90)", ins[0].Previous, ins[0].Current)
	}
	if len(ins[0].History) != 1 || ins[0].History[0] != 100 {
		t.Fatalf("first input history = %v, want [100]", ins[0].History)
	}
	if ins[1].Previous != 90 || ins[1].Current != 95 {
		t.Fatalf("second input = (%v -> %v), want (90 -> 95)", ins[1].Previous, ins[1].Current)
	}

	it, _ := f.items.Get("desk")
	if v, ok := it.Price.Value(); !ok || v != 95 {
		t.Fatalf("catalog price = %v, want 95", it.Price)
	}
	if it.EditedAt.IsZero() || it.LastCheckedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", it)
	}
	if f.persist.n.Load() == 0 {
		t.Fatalf("cycle did not persist")
	}
}

func TestUnavailablePriceRecordsNothing(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Unavailable()}}
	f := newFixture(t, 2*time.Millisecond, fetch, item("desk", true))
	if err := f.reg.Start("desk", "https://shop/desk"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "several fetches", func() bool { return fetch.calls.Load() >= 3 })
	f.reg.Stop("desk")

	if n := f.history.Len("desk"); n != 0 {
		t.Fatalf("history len = %d, want 0", n)
	}
	if n := len(f.decide.inputs()); n != 0 {
		t.Fatalf("decide calls = %d, want 0", n)
	}
	it, _ := f.items.Get("desk")
	if v, _ := it.Price.Value(); v != 100 {
		t.Fatalf("catalog price = %v, want unchanged 100", it.Price)
	}
}

func TestNotifyDisabledSkipsDecision(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(50)}}
	f := newFixture(t, time.Hour, fetch, item("desk", false))
	f.history.Append("desk", catalog.Known(100))

	res, err := f.reg.CheckNow(context.Background(), "desk")
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if !res.Recorded || res.Fired != 0 {
		t.Fatalf("result = %+v, want recorded with nothing fired", res)
	}
	if n := len(f.decide.inputs()); n != 0 {
		t.Fatalf("decide calls = %d, want 0", n)
	}
}

func TestFirstObservationIsBaseline(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(80)}}
	f := newFixture(t, time.Hour, fetch, item("desk", true))

	res, err := f.reg.CheckNow(context.Background(), "desk")
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if res.Previous.IsKnown() || !res.Recorded {
		t.Fatalf("result = %+v, want baseline recorded without previous", res)
	}
	if n := len(f.decide.inputs()); n != 0 {
		t.Fatalf("decide calls = %d, want 0", n)
	}
}

func TestUnavailablePreviousCountsAsNone(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(80)}}
	f := newFixture(t, time.Hour, fetch, item("desk", true))
	f.history.Append("desk", catalog.Unavailable())

	if _, err := f.reg.CheckNow(context.Background(), "desk"); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if n := len(f.decide.inputs()); n != 0 {
		t.Fatalf("decide calls = %d, want 0", n)
	}
}

func TestOrphanedTaskDoesNotWrite(t *testing.T) {
	gate := make(chan struct{})
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(10)}, gate: gate}
	f := newFixture(t, time.Millisecond, fetch, item("desk", true))
	f.history.Append("desk", catalog.Known(100))

	if err := f.reg.Start("desk", "https://shop/desk"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "fetch in flight", func() bool { return fetch.calls.Load() == 1 })

	f.reg.Stop("desk") // join times out: the fetch ignores cancellation
	close(gate)
	eventually(t, "orphan exit", func() bool { return f.reg.Supervisor().Counters().Active == 0 })

	if n := f.history.Len("desk"); n != 1 {
		t.Fatalf("history len = %d, want 1", n)
	}
	if n := len(f.decide.inputs()); n != 0 {
		t.Fatalf("decide calls = %d, want 0", n)
	}
	it, _ := f.items.Get("desk")
	if v, _ := it.Price.Value(); v != 100 {
		t.Fatalf("catalog price = %v, want 100", it.Price)
	}
}

func TestStopAllAndStartAll(t *testing.T) {
	f := newFixture(t, time.Hour, &seqFetcher{}, item("a", false), item("b", false), item("c", false))
	if err := f.reg.StartAll(f.items.List()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got := len(f.reg.Running()); got != 3 {
		t.Fatalf("running = %d, want 3", got)
	}
	f.reg.StopAll()
	if got := len(f.reg.Running()); got != 0 {
		t.Fatalf("running after StopAll = %d, want 0", got)
	}
	before, _ := f.items.Get("a")
	time.Sleep(2 * time.Millisecond)
	if err := f.reg.StartAll(f.items.List()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	eventually(t, "fresh deadline", func() bool {
		after, _ := f.items.Get("a")
		return after.LastCheckedAt.After(before.LastCheckedAt)
	})
}

func TestCheckNowSkipsRecordWhileTaskRuns(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(90)}}
	f := newFixture(t, time.Hour, fetch, item("desk", false))
	if err := f.reg.Start("desk", "https://shop/desk"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := f.reg.CheckNow(context.Background(), "desk")
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if res.Recorded {
		t.Fatalf("CheckNow recorded while a task owns the item")
	}
}

func TestDecisionFollowsRecord(t *testing.T) {
	fetch := &seqFetcher{prices: []catalog.Price{catalog.Known(90)}}
	f := newFixture(t, time.Hour, fetch, item("desk", true))
	f.history.Append("desk", catalog.Known(100))
	var lenAtDecide int
	f.decide.hook = func(decision.Input) { lenAtDecide = f.history.Len("desk") }

	res, err := f.reg.CheckNow(context.Background(), "desk")
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if !res.Recorded || res.Fired != 1 {
		t.Fatalf("CheckNow = %+v, want recorded with 1 notification", res)
	}
	if lenAtDecide != 2 {
		t.Fatalf("history len at decide = %d, want 2", lenAtDecide)
	}
	ins := f.decide.inputs()
	if len(ins) != 1 || len(ins[0].History) != 1 || ins[0].Previous != 100 {
		t.Fatalf("decide inputs = %+v, want previous 100 and one prior price", ins)
	}
}

func TestTaskEndingOnItsOwnLeavesRegistry(t *testing.T) {
	f := newFixture(t, time.Millisecond, &seqFetcher{}, item("desk", false))
	if err := f.reg.Start("desk", "https://shop/desk"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.items.Delete("desk")
	eventually(t, "registry entry removed", func() bool { return len(f.reg.Running()) == 0 })
	eventually(t, "task exit", func() bool { return f.reg.Supervisor().Counters().Active == 0 })
}
