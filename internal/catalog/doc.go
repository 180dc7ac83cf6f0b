// Package catalog holds the in-memory model of tracked items.
//
// Catalog maps item names to their records, History keeps the append-only
// price observations per item and Recipients is the directory of addresses
// used in threshold policies. All three are safe for concurrent use. Names
// are case-insensitive: they are trimmed and lowercased on the way in.
package catalog
