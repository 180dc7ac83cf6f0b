package storage

import (
	"errors"
	"fmt"
	"time"

	"pricewatch/internal/catalog"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrCorrupt  = errors.New("storage: corrupt document")
)

// Config configures storage.
type Config struct {
	Driver      string
	Dir         string        // file driver
	Path        string        // sqlite driver
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Document names the three logical documents.
type Document string

const (
	DocCatalog    Document = "catalog"
	DocHistory    Document = "history"
	DocRecipients Document = "recipients"
)

// DocumentError reports a structurally invalid persisted document.
type DocumentError struct {
	Doc    Document
	Path   string
	Key    string
	Reason string
}

func (e *DocumentError) Error() string {
	where := string(e.Doc)
	if e.Path != "" {
		where += " (" + e.Path + ")"
	}
	if e.Key != "" {
		return fmt.Sprintf("%s: entry %q: %s", where, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s: %s", where, e.Reason)
}

func (e *DocumentError) Unwrap() error { return ErrCorrupt }

// Snapshot is the full content of the three documents.
type Snapshot struct {
	Items      map[string]catalog.Item
	History    map[string][]catalog.Observation
	Recipients []string
}

// AuditEntry records a user-driven operation.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	Item   string    `json:"item,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}
