// Package lock implements editorial post locks: one editor at a time per post,
// kept alive by heartbeats and expired after a period of silence.
package lock

import (
	"context"
	"time"

	"github.com/jun/postlock/internal/model"
)

const (
	// DefaultTimeout is how long a lock stays valid after its last heartbeat.
	DefaultTimeout = 5 * time.Minute

	// DefaultReapInterval is how often the in-memory reaper sweeps expired locks.
	DefaultReapInterval = time.Minute

	// ClientHeartbeatInterval is the cadence editors are expected to renew at.
	// The server never enforces it.
	ClientHeartbeatInterval = 30 * time.Second
)

// Outcome is the logical result of a lock operation.
type Outcome int

const (
	// OK means the operation took effect.
	OK Outcome = iota
	// Conflict means another holder owns a valid lock on the resource.
	Conflict
	// NotHeld means the caller does not own a valid lock on the resource.
	NotHeld
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Conflict:
		return "conflict"
	case NotHeld:
		return "not_held"
	default:
		return "unknown"
	}
}

// Result carries the outcome of Acquire, Heartbeat, Release and ForceRelease.
//
// On OK, Lock is the caller's lock (for releases, the removed lock, which may be
// nil for a force release of a free resource). On Conflict, Lock is the other
// holder's lock as stored. On NotHeld, Lock is nil.
type Result struct {
	Outcome Outcome
	Lock    *model.Lock
}

// Status is the answer to a read-only lock query.
type Status struct {
	Locked bool
	Lock   *model.Lock
}

// Locker defines the interface for post lock management.
// Errors are reserved for infrastructure failures; conflicts and ownership
// mismatches are reported through Outcome.
type Locker interface {
	// Acquire takes or refreshes the lock on resourceID for holder.
	Acquire(ctx context.Context, resourceID string, holder model.Holder) (Result, error)

	// Heartbeat renews the lock if holderID owns it.
	Heartbeat(ctx context.Context, resourceID, holderID string) (Result, error)

	// Release removes the lock if holderID owns it.
	Release(ctx context.Context, resourceID, holderID string) (Result, error)

	// Status reports whether resourceID is locked, evicting an expired lock.
	Status(ctx context.Context, resourceID string) (Status, error)

	// ForceRelease removes the lock regardless of holder. Callers must
	// authorize the request beforehand.
	ForceRelease(ctx context.Context, resourceID string) (Result, error)
}

// Eviction reasons reported to Metrics.
const (
	EvictReaper   = "reaper"
	EvictLazy     = "lazy"
	EvictTakeover = "takeover"
)

// Metrics receives lock events. Implementations must be safe for concurrent use.
type Metrics interface {
	IncAcquire(outcome string)
	IncHeartbeat(outcome string)
	IncRelease(kind, outcome string)
	IncEviction(reason string)
	SetHeld(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncAcquire(string)         {}
func (noopMetrics) IncHeartbeat(string)       {}
func (noopMetrics) IncRelease(string, string) {}
func (noopMetrics) IncEviction(string)        {}
func (noopMetrics) SetHeld(int)               {}
