package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pricewatch/internal/catalog"
)

// Memory is a process-local Store. Saved documents round-trip through the
// same JSON encoding the file driver uses, so tests see identical semantics.
type Memory struct {
	mu         sync.Mutex
	catalog    []byte
	history    []byte
	recipients []string
	audit      []AuditEntry
	dedup      map[string]time.Time

	// FailWrites makes every Save return the error. Tests use it.
	FailWrites error
}

func NewMemory() *Memory {
	return &Memory{dedup: map[string]time.Time{}}
}

func (m *Memory) Load(ctx context.Context) (Snapshot, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap Snapshot
	var err error
	if snap.Items, err = decodeCatalog(m.catalog, "memory"); err != nil {
		return snap, err
	}
	if snap.History, err = decodeHistory(m.history, "memory"); err != nil {
		return snap, err
	}
	snap.Recipients = append([]string(nil), m.recipients...)
	return snap, nil
}

// SetRaw installs raw documents, as if they had been read from disk.
func (m *Memory) SetRaw(catalogDoc, historyDoc []byte) {
	m.mu.Lock()
	m.catalog, m.history = catalogDoc, historyDoc
	m.mu.Unlock()
}

func (m *Memory) SaveCatalog(ctx context.Context, items map[string]catalog.Item) error {
	return m.save(ctx, &m.catalog, items)
}

func (m *Memory) SaveHistory(ctx context.Context, history map[string][]catalog.Observation) error {
	return m.save(ctx, &m.history, history)
}

func (m *Memory) save(ctx context.Context, dst *[]byte, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	*dst = b
	return nil
}

func (m *Memory) SaveRecipients(ctx context.Context, emails []string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.recipients = append([]string(nil), emails...)
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *Memory) Close() error { return nil }
