package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pricewatch/internal/catalog"
	logx "pricewatch/pkg/logx"
)

func fixture() Snapshot {
	at := time.Date(2026, 2, 3, 4, 5, 6, 789000000, time.UTC)
	return Snapshot{
		Items: map[string]catalog.Item{
			"kettle": {
				Name: "kettle", URL: "https://shop/kettle", Price: catalog.Known(49.99), Notify: true,
				IntervalSeconds: 60, Thresholds: map[string]float64{"a@example.com": 40, "b@example.com": 0},
				LastCheckedAt: at, CreatedAt: at.Add(-48 * time.Hour), EditedAt: at.Add(-time.Hour),
			},
			"toaster": {
				Name: "toaster", URL: "https://shop/toaster", Price: catalog.Unavailable(),
				IntervalSeconds: 1800, Thresholds: map[string]float64{}, CreatedAt: at,
			},
		},
		History: map[string][]catalog.Observation{
			"kettle": {
				{Price: catalog.Known(55), ObservedAt: at.Add(-2 * time.Hour)},
				{Price: catalog.Known(49.99), ObservedAt: at},
			},
			"toaster": {{Price: catalog.Unavailable(), ObservedAt: at}},
		},
		Recipients: []string{"a@example.com", "b@example.com"},
	}
}

func assertSnapshotEqual(t *testing.T, got, want Snapshot) {
	t.Helper()
	if len(got.Items) != len(want.Items) {
		t.Fatalf("items = %d, want %d", len(got.Items), len(want.Items))
	}
	for name, w := range want.Items {
		g, ok := got.Items[name]
		if !ok {
			t.Fatalf("item %q missing", name)
		}
		if g.Name != w.Name || g.URL != w.URL || g.Price != w.Price || g.Notify != w.Notify ||
			g.IntervalSeconds != w.IntervalSeconds || g.Image != w.Image {
			t.Fatalf("item %q = %+v, want %+v", name, g, w)
		}
		if !g.LastCheckedAt.Equal(w.LastCheckedAt) || !g.CreatedAt.Equal(w.CreatedAt) || !g.EditedAt.Equal(w.EditedAt) {
			t.Fatalf("item %q timestamps differ: %+v vs %+v", name, g, w)
		}
		if len(g.Thresholds) != len(w.Thresholds) {
			t.Fatalf("item %q thresholds = %v, want %v", name, g.Thresholds, w.Thresholds)
		}
		for email, th := range w.Thresholds {
			if got, ok := g.Thresholds[email]; !ok || got != th {
				t.Fatalf("item %q threshold %s = %v, want %v", name, email, got, th)
			}
		}
	}
	for name, w := range want.History {
		g := got.History[name]
		if len(g) != len(w) {
			t.Fatalf("history %q len = %d, want %d", name, len(g), len(w))
		}
		for i := range w {
			if g[i].Price != w[i].Price || !g[i].ObservedAt.Equal(w[i].ObservedAt) {
				t.Fatalf("history %q[%d] = %+v, want %+v", name, i, g[i], w[i])
			}
		}
	}
	if strings.Join(got.Recipients, ",") != strings.Join(want.Recipients, ",") {
		t.Fatalf("recipients = %v, want %v", got.Recipients, want.Recipients)
	}
}

func saveSnapshot(t *testing.T, st Store, snap Snapshot) {
	t.Helper()
	ctx := context.Background()
	if err := st.SaveCatalog(ctx, snap.Items); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}
	if err := st.SaveHistory(ctx, snap.History); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	if err := st.SaveRecipients(ctx, snap.Recipients); err != nil {
		t.Fatalf("SaveRecipients: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	drivers := []struct {
		name string
		cfg  func(dir string) Config
	}{
		{"file", func(dir string) Config { return Config{Driver: "file", Dir: dir} }},
		{"sqlite", func(dir string) Config { return Config{Driver: "sqlite", Path: filepath.Join(dir, "pw.db")} }},
		{"memory", func(string) Config { return Config{Driver: "memory"} }},
	}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			st, err := Open(d.cfg(t.TempDir()), logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			want := fixture()
			saveSnapshot(t, st, want)
			got, err := st.Load(context.Background())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			assertSnapshotEqual(t, got, want)
			if got.Items["toaster"].Price.IsKnown() {
				t.Fatalf("unavailable marker lost in round trip")
			}
		})
	}
}

func TestFileLoadCreatesMissingDocuments(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Items) != 0 || len(snap.History) != 0 {
		t.Fatalf("Load(empty) = %+v", snap)
	}
	for _, name := range []string{"products.json", "prices.json", "emails.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
}

func TestFileLoadRejectsCorruptDocuments(t *testing.T) {
	cases := []struct {
		name     string
		file     string
		content  string
		wantDoc  Document
		wantText string
	}{
		{"catalog not object", "products.json", `[1,2]`, DocCatalog, "JSON object"},
		{"item not record", "products.json", `{"kettle": 12}`, DocCatalog, "record"},
		{"item without url", "products.json", `{"kettle": {"price": 1}}`, DocCatalog, "no url"},
		{"item empty url", "products.json", `{"kettle": {"url": "  "}}`, DocCatalog, "no url"},
		{"history entry not list", "prices.json", `{"kettle": {"price": 1}}`, DocHistory, "list"},
		{"history bad observation", "prices.json", `{"kettle": [{"price": true}]}`, DocHistory, "kettle"},
		{"broken json", "products.json", `{"kettle": `, DocCatalog, "JSON object"},
		{"recipient not an email", "products.json", `{"tv": {"url": "https://shop/tv", "emails_and_thresholds": {"bob": 0}}}`, DocCatalog, "not an email"},
		{"negative threshold", "products.json", `{"tv": {"url": "https://shop/tv", "emails_and_thresholds": {"bob@example.com": -1}}}`, DocCatalog, "negative"},
		{"blank name", "products.json", `{"  ": {"url": "https://shop/tv"}}`, DocCatalog, "empty name"},
		{"names differ only in case", "products.json", `{"TV": {"url": "https://shop/a"}, "tv": {"url": "https://shop/b"}}`, DocCatalog, "duplicate item name tv"},
		{"shared url", "products.json", `{"kettle": {"url": "https://shop/a"}, "tv": {"url": "https://shop/a"}}`, DocCatalog, "url already used by kettle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, tc.file), []byte(tc.content), 0o600); err != nil {
				t.Fatal(err)
			}
			st, err := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()
			_, err = st.Load(context.Background())
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Load err = %v, want ErrCorrupt", err)
			}
			var de *DocumentError
			if !errors.As(err, &de) || de.Doc != tc.wantDoc {
				t.Fatalf("Load err = %#v, want DocumentError for %s", err, tc.wantDoc)
			}
			if !strings.Contains(err.Error(), tc.wantText) || !strings.Contains(err.Error(), tc.file) {
				t.Fatalf("error %q should mention %q and %q", err, tc.wantText, tc.file)
			}
		})
	}
}

func TestSQLiteLoadRejectsInvalidItem(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pw.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	db := st.(*sqliteStore).db
	if _, err := db.Exec(`INSERT INTO items(name, doc) VALUES('tv', '{"url":"https://shop/tv","emails_and_thresholds":{"bob":0}}')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.Load(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load err = %v, want ErrCorrupt", err)
	}
}

func TestFileLoadLegacyRecipients(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "emails.json"), []byte("a@example.com\n\nb@example.com\n"), 0o600)
	st, _ := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	defer st.Close()
	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Join(snap.Recipients, ",") != "a@example.com,b@example.com" {
		t.Fatalf("recipients = %v", snap.Recipients)
	}
}

func TestFileDedupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	st, _ := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	_ = st.PutDedup(ctx, "old", time.Now().Add(-time.Hour))
	_ = st.Close()

	st, _ = Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	defer st.Close()
	got, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup = %v %v %v, want %v", got, ok, err, until)
	}
	if _, ok, _ := st.GetDedup(ctx, "old"); ok {
		t.Fatalf("expired dedup key survived reopen")
	}
}

func TestGatewayLoadSave(t *testing.T) {
	mem := NewMemory()
	cat, hist, rcp := catalog.New(), catalog.NewHistory(), catalog.NewRecipients()
	g := NewGateway(mem, cat, hist, rcp, logx.Nop())
	ctx := context.Background()

	want := fixture()
	saveSnapshot(t, mem, want)
	if err := g.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if cat.Len() != 2 || hist.Len("kettle") != 2 || len(rcp.List()) != 2 {
		t.Fatalf("loaded %d items, %d kettle observations, %d recipients", cat.Len(), hist.Len("kettle"), len(rcp.List()))
	}

	hist.Append("kettle", catalog.Known(45))
	if err := g.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	snap, _ := mem.Load(ctx)
	if len(snap.History["kettle"]) != 3 {
		t.Fatalf("flushed history len = %d, want 3", len(snap.History["kettle"]))
	}
}

func TestGatewayWriteFailureKeepsMemory(t *testing.T) {
	mem := NewMemory()
	mem.FailWrites = errors.New("disk full")
	cat, hist := catalog.New(), catalog.NewHistory()
	g := NewGateway(mem, cat, hist, catalog.NewRecipients(), logx.Nop())
	hist.Append("kettle", catalog.Known(1))

	err := g.SaveAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("SaveAll err = %v, want disk full", err)
	}
	if hist.Len("kettle") != 1 {
		t.Fatalf("in-memory history changed after failed write")
	}
	if g.WriteErrors() != 3 {
		t.Fatalf("WriteErrors = %d, want 3", g.WriteErrors())
	}
}

func TestGatewayLoadCorruptMemory(t *testing.T) {
	mem := NewMemory()
	mem.SetRaw([]byte(`{"kettle": "https://shop"}`), nil)
	g := NewGateway(mem, catalog.New(), catalog.NewHistory(), catalog.NewRecipients(), logx.Nop())
	if err := g.LoadAll(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("LoadAll err = %v, want ErrCorrupt", err)
	}
}

func TestSQLiteAudit(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pw.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.AppendAudit(ctx, AuditEntry{Action: "add", Item: "kettle", OK: true}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	_ = st.PutDedup(ctx, "k", until)
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup = %v %v %v", got, ok, err)
	}
}
