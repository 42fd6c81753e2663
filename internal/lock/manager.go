package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jun/postlock/internal/model"
)

// Manager implements Locker with an in-process registry. A single mutex guards
// the registry, so every operation is linearizable. Locks do not survive a
// restart; editors simply acquire again.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*model.Lock

	timeout      time.Duration
	reapInterval time.Duration
	clock        Clock
	logger       *slog.Logger
	metrics      Metrics
}

// Option configures a Manager or a DynamoStore.
type Option func(*options)

type options struct {
	timeout      time.Duration
	reapInterval time.Duration
	clock        Clock
	logger       *slog.Logger
	metrics      Metrics
}

func newOptions(opts []Option) options {
	o := options{
		timeout:      DefaultTimeout,
		reapInterval: DefaultReapInterval,
		clock:        systemClock{},
		logger:       slog.Default(),
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithReapInterval overrides DefaultReapInterval. Ignored by DynamoStore.
func WithReapInterval(d time.Duration) Option {
	return func(o *options) { o.reapInterval = d }
}

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(mt Metrics) Option {
	return func(o *options) { o.metrics = mt }
}

// NewManager creates an empty Manager. Call Run to start the reaper.
func NewManager(opts ...Option) *Manager {
	o := newOptions(opts)
	return &Manager{
		locks:        make(map[string]*model.Lock),
		timeout:      o.timeout,
		reapInterval: o.reapInterval,
		clock:        o.clock,
		logger:       o.logger.With("component", "lock_manager"),
		metrics:      o.metrics,
	}
}

// Acquire attempts to acquire the lock on resourceID for holder.
// It succeeds if:
// 1. No lock exists for the resource.
// 2. The existing lock has expired.
// 3. The existing lock belongs to the same holder (refresh).
//
// A refresh keeps AcquiredAt and SessionID; any other success starts a new occupancy.
func (m *Manager) Acquire(_ context.Context, resourceID string, holder model.Holder) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	existing := m.lookupLocked(resourceID, now, holder.ID)

	if existing != nil && existing.HolderID != holder.ID {
		m.logger.Info("lock conflict",
			"resource_id", resourceID,
			"requested_by", holder.ID,
			"held_by", existing.HolderID,
			"session_id", existing.SessionID,
		)
		m.metrics.IncAcquire(Conflict.String())
		return Result{Outcome: Conflict, Lock: clone(existing)}, nil
	}

	l := &model.Lock{
		ResourceID:    resourceID,
		HolderID:      holder.ID,
		HolderEmail:   holder.Email,
		HolderName:    holder.Name,
		LastHeartbeat: now,
	}
	if existing != nil {
		l.AcquiredAt = existing.AcquiredAt
		l.SessionID = existing.SessionID
	} else {
		l.AcquiredAt = now
		l.SessionID = uuid.NewString()
		m.logger.Debug("lock acquired", "resource_id", resourceID, "holder_id", holder.ID, "session_id", l.SessionID)
	}
	m.locks[resourceID] = l

	m.metrics.IncAcquire(OK.String())
	m.metrics.SetHeld(len(m.locks))
	return Result{Outcome: OK, Lock: clone(l)}, nil
}

// Heartbeat extends the lock if holderID owns it.
func (m *Manager) Heartbeat(_ context.Context, resourceID, holderID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	l := m.lookupLocked(resourceID, now, holderID)
	if l == nil || l.HolderID != holderID {
		m.metrics.IncHeartbeat(NotHeld.String())
		return Result{Outcome: NotHeld}, nil
	}

	l.LastHeartbeat = now
	m.metrics.IncHeartbeat(OK.String())
	return Result{Outcome: OK, Lock: clone(l)}, nil
}

// Release removes the lock if holderID owns it.
func (m *Manager) Release(_ context.Context, resourceID, holderID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lookupLocked(resourceID, m.clock.Now(), holderID)
	if l == nil || l.HolderID != holderID {
		m.metrics.IncRelease("owner", NotHeld.String())
		return Result{Outcome: NotHeld}, nil
	}

	delete(m.locks, resourceID)
	m.logger.Debug("lock released", "resource_id", resourceID, "holder_id", holderID, "session_id", l.SessionID)
	m.metrics.IncRelease("owner", OK.String())
	m.metrics.SetHeld(len(m.locks))
	return Result{Outcome: OK, Lock: l}, nil
}

// Status reports the current lock on resourceID. An expired lock is evicted
// and reported as absent.
func (m *Manager) Status(_ context.Context, resourceID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lookupLocked(resourceID, m.clock.Now(), "")
	if l == nil {
		return Status{}, nil
	}
	return Status{Locked: true, Lock: clone(l)}, nil
}

// ForceRelease removes the lock on resourceID whoever holds it.
func (m *Manager) ForceRelease(_ context.Context, resourceID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.locks[resourceID]
	delete(m.locks, resourceID)
	if l != nil {
		m.logger.Info("lock force released",
			"resource_id", resourceID,
			"holder_id", l.HolderID,
			"session_id", l.SessionID,
		)
	}
	m.metrics.IncRelease("force", OK.String())
	m.metrics.SetHeld(len(m.locks))
	return Result{Outcome: OK, Lock: l}, nil
}

// Reap evicts every expired lock and returns how many were removed.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for id, l := range m.locks {
		if l.Valid(now, m.timeout) {
			continue
		}
		delete(m.locks, id)
		evicted++
		m.logger.Info("expired lock evicted",
			"resource_id", id,
			"holder_id", l.HolderID,
			"session_id", l.SessionID,
			"idle", now.Sub(l.LastHeartbeat).Round(time.Second).String(),
		)
		m.metrics.IncEviction(EvictReaper)
	}
	if evicted > 0 {
		m.metrics.SetHeld(len(m.locks))
	}
	return evicted
}

// Run sweeps expired locks every reap interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	m.logger.Info("lock reaper started", "interval", m.reapInterval.String(), "timeout", m.timeout.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lock reaper stopped")
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Len returns the number of stored locks, expired ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// lookupLocked returns the valid lock on resourceID, evicting it first if it
// has expired. requester only labels the eviction. m.mu must be held.
func (m *Manager) lookupLocked(resourceID string, now time.Time, requester string) *model.Lock {
	l, ok := m.locks[resourceID]
	if !ok {
		return nil
	}
	if l.Valid(now, m.timeout) {
		return l
	}

	delete(m.locks, resourceID)
	reason := EvictLazy
	if requester != "" && requester != l.HolderID {
		reason = EvictTakeover
	}
	m.logger.Info("expired lock evicted",
		"resource_id", resourceID,
		"holder_id", l.HolderID,
		"session_id", l.SessionID,
		"reason", reason,
	)
	m.metrics.IncEviction(reason)
	m.metrics.SetHeld(len(m.locks))
	return nil
}

func clone(l *model.Lock) *model.Lock {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

var _ Locker = (*Manager)(nil)
