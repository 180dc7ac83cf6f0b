// Package maintenance runs the periodic housekeeping jobs: orphan-history
// cleanup, recipient directory rebuild and full snapshot flush.
package maintenance
