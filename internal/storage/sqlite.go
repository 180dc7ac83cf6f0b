package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"pricewatch/internal/catalog"
	logx "pricewatch/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	path string

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; snapshot saves run in a transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite")), path: path, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Items:   map[string]catalog.Item{},
		History: map[string][]catalog.Observation{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, doc FROM items`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var name, doc string
		if err := rows.Scan(&name, &doc); err != nil {
			rows.Close()
			return snap, err
		}
		it, err := decodeItem(name, []byte(doc), s.path)
		if err != nil {
			rows.Close()
			return snap, err
		}
		if err := addItem(snap.Items, it, name, s.path); err != nil {
			rows.Close()
			return snap, err
		}
	}
	if err := closeRows(rows); err != nil {
		return snap, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT name, price, observed_at FROM observations ORDER BY name, seq`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var (
			name, at string
			price    sql.NullFloat64
		)
		if err := rows.Scan(&name, &price, &at); err != nil {
			rows.Close()
			return snap, err
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			rows.Close()
			return snap, &DocumentError{Doc: DocHistory, Path: s.path, Key: name, Reason: "bad timestamp " + at}
		}
		obs := catalog.Observation{Price: catalog.Unavailable(), ObservedAt: ts}
		if price.Valid {
			obs.Price = catalog.Known(price.Float64)
		}
		key := catalog.NormalizeName(name)
		snap.History[key] = append(snap.History[key], obs)
	}
	if err := closeRows(rows); err != nil {
		return snap, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT email FROM recipients ORDER BY email`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			rows.Close()
			return snap, err
		}
		snap.Recipients = append(snap.Recipients, email)
	}
	return snap, closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// replace runs fn inside a transaction after wiping table.
func (s *sqliteStore) replace(ctx context.Context, table string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SaveCatalog(ctx context.Context, items map[string]catalog.Item) error {
	return s.replace(ctx, "items", func(tx *sql.Tx) error {
		for name, it := range items {
			doc, err := it.MarshalJSON()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO items(name, doc) VALUES(?, ?)`, name, string(doc)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) SaveHistory(ctx context.Context, history map[string][]catalog.Observation) error {
	names := make([]string, 0, len(history))
	for name := range history {
		names = append(names, name)
	}
	sort.Strings(names)
	return s.replace(ctx, "observations", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations(name, seq, price, observed_at) VALUES(?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, name := range names {
			for i, o := range history[name] {
				var price any
				if v, ok := o.Price.Value(); ok {
					price = v
				}
				if _, err := stmt.ExecContext(ctx, name, i, price, o.ObservedAt.UTC().Format(time.RFC3339Nano)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *sqliteStore) SaveRecipients(ctx context.Context, emails []string) error {
	return s.replace(ctx, "recipients", func(tx *sql.Tx) error {
		for _, e := range emails {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO recipients(email) VALUES(?)`, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, item, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Item), ok, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
