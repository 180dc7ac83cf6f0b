package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pricewatch/internal/catalog"
	logx "pricewatch/pkg/logx"
)

// Gateway binds the in-memory documents to a Store. Saves snapshot the
// in-memory state and write it whole; in-memory state stays authoritative
// when a write fails.
type Gateway struct {
	store      Store
	items      *catalog.Catalog
	history    *catalog.History
	recipients *catalog.Recipients
	log        logx.Logger

	// serializes snapshot+write so an older snapshot never lands after a newer one
	mu sync.Mutex

	writeErrors uint64
}

func NewGateway(store Store, items *catalog.Catalog, history *catalog.History, recipients *catalog.Recipients, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		store:      store,
		items:      items,
		history:    history,
		recipients: recipients,
		log:        log.With(logx.String("comp", "storage")),
	}
}

func (g *Gateway) Store() Store { return g.store }

// LoadAll replaces the in-memory documents with the stored ones. Any
// DocumentError is returned unchanged so callers can treat it as fatal.
func (g *Gateway) LoadAll(ctx context.Context) error {
	snap, err := g.store.Load(ctx)
	if err != nil {
		return err
	}
	g.items.Replace(snap.Items)
	g.history.Replace(snap.History)
	g.recipients.Replace(snap.Recipients)
	g.log.Info("documents loaded",
		logx.Int("items", len(snap.Items)),
		logx.Int("histories", len(snap.History)),
		logx.Int("recipients", len(snap.Recipients)))
	return nil
}

// SaveAll writes every document and joins the errors.
func (g *Gateway) SaveAll(ctx context.Context) error {
	return errors.Join(g.SaveCatalog(ctx), g.SaveHistory(ctx), g.SaveRecipients(ctx))
}

// Flush writes catalog and history, the two documents a check cycle touches.
func (g *Gateway) Flush(ctx context.Context) error {
	return errors.Join(g.SaveCatalog(ctx), g.SaveHistory(ctx))
}

func (g *Gateway) SaveCatalog(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(DocCatalog, g.store.SaveCatalog(ctx, g.items.Snapshot()))
}

func (g *Gateway) SaveHistory(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(DocHistory, g.store.SaveHistory(ctx, g.history.Snapshot()))
}

func (g *Gateway) SaveRecipients(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(DocRecipients, g.store.SaveRecipients(ctx, g.recipients.List()))
}

func (g *Gateway) check(doc Document, err error) error {
	if err == nil {
		return nil
	}
	g.writeErrors++
	g.log.Error("document write failed", logx.String("doc", string(doc)), logx.Err(err))
	return fmt.Errorf("save %s: %w", doc, err)
}

// WriteErrors counts failed document writes since start.
func (g *Gateway) WriteErrors() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeErrors
}

// Audit appends an audit entry; failures are logged only.
func (g *Gateway) Audit(ctx context.Context, e AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := g.store.AppendAudit(ctx, e); err != nil {
		g.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
