// Package storage is the persistence gateway for the catalog, the price
// history and the recipient directory.
//
// Every document is read and written as a whole snapshot. Loading validates
// the shape of each document and fails with ErrCorrupt instead of dropping
// entries it does not understand.
//
// Drivers:
//   - "file":   JSON documents in a directory, written via tmp + rename
//   - "sqlite": one SQLite database (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and dry runs
//
// Besides the documents, stores keep an append-only audit trail of user
// operations and the notifier's dedup marks.
package storage
