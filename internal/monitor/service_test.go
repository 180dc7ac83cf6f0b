package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/storage"
	"pricewatch/internal/tracker"
	logx "pricewatch/pkg/logx"
)

type mapFetcher struct {
	mu     sync.Mutex
	prices map[string]catalog.Price
}

func (f *mapFetcher) Fetch(_ context.Context, url string) catalog.Price {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.prices[url]; ok {
		return p
	}
	return catalog.Unavailable()
}

func (f *mapFetcher) set(url string, p catalog.Price) {
	f.mu.Lock()
	f.prices[url] = p
	f.mu.Unlock()
}

type env struct {
	svc     *Service
	reg     *tracker.Registry
	items   *catalog.Catalog
	history *catalog.History
	store   *storage.Memory
	fetch   *mapFetcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		items:   catalog.New(),
		history: catalog.NewHistory(),
		store:   storage.NewMemory(),
		fetch:   &mapFetcher{prices: map[string]catalog.Price{}},
	}
	rec := catalog.NewRecipients()
	gw := storage.NewGateway(e.store, e.items, e.history, rec, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	e.reg = tracker.New(ctx, tracker.Config{JoinTimeout: 100 * time.Millisecond}, tracker.Deps{
		Catalog:   e.items,
		History:   e.history,
		Fetcher:   e.fetch,
		Persister: gw,
		Log:       logx.Nop(),
	})
	e.svc = New(Deps{
		Catalog:    e.items,
		History:    e.history,
		Recipients: rec,
		Registry:   e.reg,
		Fetcher:    e.fetch,
		Gateway:    gw,
		Log:        logx.Nop(),
	})
	t.Cleanup(func() {
		e.reg.StopAll()
		cancel()
	})
	return e
}

func TestAdd(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/desk", catalog.Known(120))

	res, err := e.svc.Add(context.Background(), AddRequest{
		Name:       "  Standing Desk ",
		URL:        "https://shop/desk",
		Notify:     true,
		Thresholds: map[string]float64{"a@example.com": 100, "b@example.com": 0},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Item.Name != "standing desk" {
		t.Fatalf("name = %q, want %q", res.Item.Name, "standing desk")
	}
	if res.Item.IntervalSeconds != catalog.DefaultIntervalSeconds {
		t.Fatalf("interval = %d, want %d", res.Item.IntervalSeconds, catalog.DefaultIntervalSeconds)
	}
	if v, ok := res.Item.Price.Value(); !ok || v != 120 {
		t.Fatalf("price = %v, want 120", res.Item.Price)
	}
	if n := e.history.Len("standing desk"); n != 1 {
		t.Fatalf("history len = %d, want 1", n)
	}
	if got := e.svc.Recipients(); len(got) != 2 {
		t.Fatalf("recipients = %v, want 2 entries", got)
	}
	if !e.reg.Alive("standing desk") {
		t.Fatalf("task not running after Add")
	}
	snap, err := e.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := snap.Items["standing desk"]; !ok {
		t.Fatalf("item not persisted: %v", snap.Items)
	}
	audit := e.store.Audit()
	if len(audit) != 1 || audit[0].Action != "add" || !audit[0].OK {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestAddValidation(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/desk", catalog.Known(120))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "desk", URL: "https://shop/desk"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cases := []struct {
		name string
		req  AddRequest
		want error
	}{
		{"empty name", AddRequest{Name: " ", URL: "https://x"}, catalog.ErrInvalid},
		{"empty url", AddRequest{Name: "x"}, catalog.ErrInvalid},
		{"duplicate name", AddRequest{Name: "DESK", URL: "https://other"}, catalog.ErrNameTaken},
		{"duplicate url", AddRequest{Name: "other", URL: "https://shop/desk"}, catalog.ErrURLTaken},
		{"bad email", AddRequest{Name: "x", URL: "https://x", Thresholds: map[string]float64{"nope": 1}}, catalog.ErrInvalid},
		{"negative threshold", AddRequest{Name: "x", URL: "https://x", Thresholds: map[string]float64{"a@b.co": -1}}, catalog.ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.svc.Add(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("Add = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAddThresholdAboveCurrent(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/desk", catalog.Known(50))
	req := AddRequest{Name: "desk", URL: "https://shop/desk", Thresholds: map[string]float64{"a@b.co": 80}}

	if _, err := e.svc.Add(context.Background(), req); !errors.Is(err, ErrThresholdAboveCurrent) {
		t.Fatalf("Add = %v, want %v", err, ErrThresholdAboveCurrent)
	}
	if e.items.Has("desk") {
		t.Fatalf("rejected item was stored")
	}

	req.AcceptHighThreshold = true
	if _, err := e.svc.Add(context.Background(), req); err != nil {
		t.Fatalf("Add accepted: %v", err)
	}
}

func TestAddUnavailablePrice(t *testing.T) {
	e := newEnv(t)
	res, err := e.svc.Add(context.Background(), AddRequest{Name: "desk", URL: "https://shop/desk"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Item.Price.IsKnown() {
		t.Fatalf("price = %v, want unavailable", res.Item.Price)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("expected a warning for the unavailable price")
	}
	obs := e.svc.History("desk")
	if len(obs) != 1 || obs[0].Price.IsKnown() {
		t.Fatalf("history = %+v, want one unavailable observation", obs)
	}
}

func TestEdit(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/desk", catalog.Known(120))
	e.fetch.set("https://shop/desk-v2", catalog.Known(99))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "desk", URL: "https://shop/desk"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res, err := e.svc.Edit(context.Background(), "desk", EditRequest{URL: "https://shop/desk-v2", Notify: true, IntervalSeconds: 60})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if res.Item.URL != "https://shop/desk-v2" || !res.Item.Notify || res.Item.IntervalSeconds != 60 {
		t.Fatalf("item = %+v", res.Item)
	}
	if v, _ := res.Item.Price.Value(); v != 99 {
		t.Fatalf("price = %v, want 99", res.Item.Price)
	}
	if n := e.history.Len("desk"); n != 2 {
		t.Fatalf("history len = %d, want 2", n)
	}
	if !e.reg.Alive("desk") {
		t.Fatalf("task not restarted after Edit")
	}
}

func TestEditRejectedThresholdRestartsTask(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/desk", catalog.Known(120))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "desk", URL: "https://shop/desk"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := e.svc.Edit(context.Background(), "desk", EditRequest{URL: "https://shop/desk", Thresholds: map[string]float64{"a@b.co": 500}})
	if !errors.Is(err, ErrThresholdAboveCurrent) {
		t.Fatalf("Edit = %v, want %v", err, ErrThresholdAboveCurrent)
	}
	if !e.reg.Alive("desk") {
		t.Fatalf("task not restarted after rejected edit")
	}
	it, _ := e.items.Get("desk")
	if len(it.Thresholds) != 0 {
		t.Fatalf("thresholds = %v, want unchanged", it.Thresholds)
	}
}

func TestEditErrors(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/a", catalog.Known(1))
	e.fetch.set("https://shop/b", catalog.Known(1))
	for _, n := range []string{"a", "b"} {
		if _, err := e.svc.Add(context.Background(), AddRequest{Name: n, URL: "https://shop/" + n}); err != nil {
			t.Fatalf("Add(%s): %v", n, err)
		}
	}
	if _, err := e.svc.Edit(context.Background(), "missing", EditRequest{URL: "https://x"}); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Edit missing = %v, want %v", err, catalog.ErrNotFound)
	}
	if _, err := e.svc.Edit(context.Background(), "a", EditRequest{URL: "https://shop/b"}); !errors.Is(err, catalog.ErrURLTaken) {
		t.Fatalf("Edit url clash = %v, want %v", err, catalog.ErrURLTaken)
	}
}

func TestRemoveKeepsHistoryUntilClean(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/desk", catalog.Known(120))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "desk", URL: "https://shop/desk"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.svc.Remove(context.Background(), "desk"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if e.reg.Alive("desk") || e.items.Has("desk") {
		t.Fatalf("item still tracked after Remove")
	}
	if n := len(e.svc.History("desk")); n != 1 {
		t.Fatalf("history len = %d, want 1", n)
	}
	n, err := e.svc.CleanHistory(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("CleanHistory = (%d, %v), want (1, nil)", n, err)
	}
	if err := e.svc.Remove(context.Background(), "desk"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("second Remove = %v, want %v", err, catalog.ErrNotFound)
	}
}

func TestRefresh(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/desk", catalog.Known(120))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "desk", URL: "https://shop/desk"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e.fetch.set("https://shop/desk", catalog.Known(110))

	res, err := e.svc.Refresh(context.Background(), "desk")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !res.Recorded {
		t.Fatalf("refresh did not record")
	}
	if v, _ := res.Previous.Value(); v != 120 {
		t.Fatalf("previous = %v, want 120", res.Previous)
	}
	if !e.reg.Alive("desk") {
		t.Fatalf("task not restarted after Refresh")
	}
	if got := e.svc.RefreshAll(context.Background()); len(got) != 1 {
		t.Fatalf("RefreshAll = %d results, want 1", len(got))
	}
}

func TestPauseResume(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/a", catalog.Known(1))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "a", URL: "https://shop/a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e.svc.Pause()
	if !e.svc.Paused() || len(e.reg.Running()) != 0 {
		t.Fatalf("tasks still running while paused")
	}
	e.fetch.set("https://shop/b", catalog.Known(1))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "b", URL: "https://shop/b"}); err != nil {
		t.Fatalf("Add while paused: %v", err)
	}
	if len(e.reg.Running()) != 0 {
		t.Fatalf("Add started a task while paused")
	}
	if err := e.svc.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := e.reg.Running(); len(got) != 2 {
		t.Fatalf("running = %v, want 2", got)
	}
}

func TestCleanRecipients(t *testing.T) {
	e := newEnv(t)
	e.fetch.set("https://shop/a", catalog.Known(10))
	_, err := e.svc.Add(context.Background(), AddRequest{Name: "a", URL: "https://shop/a", Thresholds: map[string]float64{"x@b.co": 5}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := e.svc.Edit(context.Background(), "a", EditRequest{URL: "https://shop/a", Thresholds: map[string]float64{"y@b.co": 5}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := e.svc.Recipients(); len(got) != 2 {
		t.Fatalf("recipients before clean = %v", got)
	}
	n, err := e.svc.CleanRecipients(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("CleanRecipients = (%d, %v), want (1, nil)", n, err)
	}
	if got := e.svc.MatchRecipients("y"); len(got) != 1 || got[0] != "y@b.co" {
		t.Fatalf("MatchRecipients(y) = %v", got)
	}
}

func TestSaveFailureIsAWarning(t *testing.T) {
	e := newEnv(t)
	e.store.FailWrites = errors.New("disk full")
	e.fetch.set("https://shop/a", catalog.Known(10))
	res, err := e.svc.Add(context.Background(), AddRequest{Name: "a", URL: "https://shop/a"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(res.Warnings) == 0 || !e.items.Has("a") {
		t.Fatalf("result = %+v, want item kept in memory with a warning", res)
	}
}

func TestRemainingAndInsight(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.svc.now = func() time.Time { return now }
	e.fetch.set("https://shop/a", catalog.Known(10))
	if _, err := e.svc.Add(context.Background(), AddRequest{Name: "a", URL: "https://shop/a", IntervalSeconds: 600}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e.reg.Stop("a") // keep LastCheckedAt at the fixed clock

	if _, err := e.items.Update("a", func(it *catalog.Item) error { it.LastCheckedAt = now; return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	now = now.Add(4 * time.Minute)
	got, err := e.svc.Remaining("a")
	if err != nil || got != 6*time.Minute {
		t.Fatalf("Remaining = (%v, %v), want 6m", got, err)
	}
	if _, err := e.svc.Remaining("zzz"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Remaining(zzz) = %v, want %v", err, catalog.ErrNotFound)
	}

	ins, err := e.svc.Insight("a")
	if err != nil {
		t.Fatalf("Insight: %v", err)
	}
	if ins.Stats.Average != 10 {
		t.Fatalf("average = %v, want 10", ins.Stats.Average)
	}
}
