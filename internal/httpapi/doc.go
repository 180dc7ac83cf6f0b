// Package httpapi serves a read-only JSON view of the tracked items, their
// history and the process status.
package httpapi
