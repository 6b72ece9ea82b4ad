// Package storage persists monitor records in SQLite.
//
// The monitors table is the only shared mutable state in the system:
// the scheduler holds transient references (id + parameters) and the
// reconciliation job always re-reads the row before writing.
package storage

import (
	"context"
	"errors"
	"time"
)

// MinIntervalMinutes is the lowest check interval that may ever be persisted.
const MinIntervalMinutes = 5

var (
	ErrNotFound         = errors.New("monitor not found")
	ErrIntervalTooShort = errors.New("interval below minimum")
)

// Monitor is one user's subscription to change notifications for one URL.
//
// ContentHash is the sha256 hex digest of the last normalized page text
// ("" when no baseline exists yet). LastChecked is zero when the monitor
// has never been checked.
type Monitor struct {
	ID              int64
	UserID          int64
	URL             string
	IntervalMinutes int
	LastChecked     time.Time
	ContentHash     string
	Active          bool
}

// Store is the persistence API used by the watch service.
// All operations are atomic at single-row granularity.
type Store interface {
	// UpsertMonitor creates a monitor, or updates the existing row in
	// place when an active monitor for the same (user, URL) pair exists.
	// The returned record carries the assigned id; created reports
	// whether a new row was inserted.
	UpsertMonitor(ctx context.Context, m Monitor) (saved Monitor, created bool, err error)

	GetMonitor(ctx context.Context, id int64) (Monitor, error)

	// DeleteMonitor hard-deletes the row. Deleting a missing id returns
	// ErrNotFound.
	DeleteMonitor(ctx context.Context, id int64) error

	ListMonitorsByUser(ctx context.Context, userID int64) ([]Monitor, error)
	ListActiveMonitors(ctx context.Context) ([]Monitor, error)

	UpdateInterval(ctx context.Context, id int64, minutes int) error

	// UpdateCheckState writes only the fields the reconciliation job
	// owns: content hash and last-checked timestamp.
	UpdateCheckState(ctx context.Context, id int64, hash string, checkedAt time.Time) error

	// CountMonitors returns (total, active).
	CountMonitors(ctx context.Context) (int, int, error)

	Close() error
}
