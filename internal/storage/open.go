package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"pricewatch/internal/catalog"
	logx "pricewatch/pkg/logx"
)

// Store is the persistence API behind the Gateway.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveCatalog(ctx context.Context, items map[string]catalog.Item) error
	SaveHistory(ctx context.Context, history map[string][]catalog.Observation) error
	SaveRecipients(ctx context.Context, emails []string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
