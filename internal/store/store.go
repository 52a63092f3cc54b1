package store

import (
	"context"
	"time"
)

// EventKind classifies an auth lifecycle event.
type EventKind string

const (
	// KindKeySource records which facility supplied the store's encryption
	// key (the event detail is the source label).
	KindKeySource EventKind = "key_source"

	// KindCacheHit records a token served from the cache with no network I/O.
	KindCacheHit EventKind = "cache_hit"

	// KindTokenRefreshed records a successful silent refresh.
	KindTokenRefreshed EventKind = "token_refreshed"

	// KindRefreshFailed records a refresh attempt that fell through to the
	// device flow.
	KindRefreshFailed EventKind = "refresh_failed"

	// KindFlowStarted records a device flow initiation (detail: flow id).
	KindFlowStarted EventKind = "flow_started"

	// KindFlowCompleted records a device flow that produced a token.
	KindFlowCompleted EventKind = "flow_completed"

	// KindFlowFailed records a terminal device-flow failure.
	KindFlowFailed EventKind = "flow_failed"
)

// Event is one row of the per-profile auth diagnostics log. Events carry
// no secrets; details are human-readable context only.
type Event struct {
	ID        string    `db:"id"`
	Profile   string    `db:"profile"`
	Provider  string    `db:"provider"`
	Kind      EventKind `db:"kind"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// EventFilter controls filtering and pagination for event queries.
type EventFilter struct {
	Provider *string
	Kind     *EventKind
	Since    *time.Time
	Limit    int
	Offset   int
}

// Store defines the persistence interface for auth events.
type Store interface {
	RecordEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, opts EventFilter) ([]Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
