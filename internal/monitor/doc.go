// Package monitor holds the user-driven operations on tracked items: add,
// edit, remove, refresh, pause/resume and cleanup.
//
// Every operation that changes an item's catalog fields first takes the
// item's task away through the tracker registry, mutates, persists, and
// then starts a fresh task.
package monitor
