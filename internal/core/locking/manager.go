// Package locking grants time-bounded single-writer edit locks and publishes
// the resulting change notifications on the event bus.
package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/events/bus"
	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/internal/core/observability/metrics"
	"github.com/zeusync/workbench/internal/core/storage"
	"github.com/zeusync/workbench/pkg/concurrent"
)

const (
	eventSource = "locking"
	// sweepWorkers bounds concurrent expiry announcements; each one holds
	// its element's stripe only.
	sweepWorkers = 8
)

// Manager serializes every operation on one entity through a striped mutex,
// so notifications for an entity are published in the order its state changed.
type Manager struct {
	store   storage.Store
	bus     bus.EventBus
	cfg     Config
	logger  log.Log
	metrics *metrics.Metrics
	now     func() time.Time

	stripes []sync.Mutex
}

// NewManager creates a lock manager. metrics may be nil.
func NewManager(cfg Config, store storage.Store, eventBus bus.EventBus, logger log.Log, m *metrics.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Stripes <= 0 {
		cfg.Stripes = def.Stripes
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{
		store:   store,
		bus:     eventBus,
		cfg:     cfg,
		logger:  logger.With(log.String("component", "locking")),
		metrics: m,
		now:     time.Now,
		stripes: make([]sync.Mutex, cfg.Stripes),
	}
}

func (m *Manager) stripe(ref models.EntityRef) *sync.Mutex {
	return &m.stripes[xxhash.Sum64String(ref.Key())%uint64(len(m.stripes))]
}

// Lock grants or refreshes the lock on ref for user. When another user holds
// a live lock the current state is returned with granted=false.
func (m *Manager) Lock(ctx context.Context, ref models.EntityRef, user models.UserRef) (models.LockState, bool, error) {
	if user.PK == "" {
		return models.LockState{}, false, ErrInvalidUser
	}
	mu := m.stripe(ref)
	mu.Lock()
	defer mu.Unlock()

	cur, held, err := m.store.GetLock(ctx, ref)
	if err != nil {
		m.metrics.RecordLockRequest(ref.Model, metrics.ResultError)
		return models.LockState{}, false, err
	}
	if held && !cur.LockedBy.Same(user) {
		m.metrics.RecordLockRequest(ref.Model, metrics.ResultDenied)
		m.logger.Debug("lock denied",
			log.String("ref", ref.Key()),
			log.String("user", user.PK),
			log.String("holder", cur.LockedBy.PK))
		return cur.State(), false, nil
	}

	now := m.now()
	rec := storage.LockRecord{
		Ref:         ref,
		LockedBy:    user,
		LockedAt:    now,
		LockedUntil: now.Add(m.cfg.TTL),
	}
	if held {
		rec.LockedAt = cur.LockedAt
	}
	if err = m.store.PutLock(ctx, rec); err != nil {
		m.metrics.RecordLockRequest(ref.Model, metrics.ResultError)
		return models.LockState{}, false, err
	}
	if held {
		m.metrics.RecordLockRefresh(ref.Model)
	} else {
		m.metrics.RecordLockRequest(ref.Model, metrics.ResultGranted)
	}

	state := rec.State()
	m.logger.Debug("lock granted",
		log.String("ref", ref.Key()),
		log.String("user", user.PK),
		log.Bool("refresh", held),
		log.Time("locked_until", rec.LockedUntil))
	m.publish(models.NewLockChanged(state))
	return state, true, nil
}

// Unlock releases user's lock on ref. Releasing an element nobody holds is a
// no-op; releasing another user's live lock fails with ErrNotOwner.
func (m *Manager) Unlock(ctx context.Context, ref models.EntityRef, user models.UserRef) error {
	mu := m.stripe(ref)
	mu.Lock()
	defer mu.Unlock()

	cur, held, err := m.store.GetLock(ctx, ref)
	if err != nil {
		m.metrics.RecordUnlock(ref.Model, metrics.ResultError)
		return err
	}
	if !held {
		return nil
	}
	if !cur.LockedBy.Same(user) {
		m.metrics.RecordUnlock(ref.Model, metrics.ResultDenied)
		return errors.Wrapf(ErrNotOwner, "%s held by %s", ref, cur.LockedBy)
	}
	if err = m.store.DeleteLock(ctx, ref); err != nil {
		m.metrics.RecordUnlock(ref.Model, metrics.ResultError)
		return err
	}
	m.metrics.RecordUnlock(ref.Model, metrics.ResultGranted)
	m.logger.Debug("lock released", log.String("ref", ref.Key()), log.String("user", user.PK))
	m.publish(models.NewLockChanged(models.Unlocked(ref)))
	return nil
}

// Status returns the current lock state of ref.
func (m *Manager) Status(ctx context.Context, ref models.EntityRef) (models.LockState, error) {
	cur, held, err := m.store.GetLock(ctx, ref)
	if err != nil {
		return models.LockState{}, err
	}
	if !held {
		return models.Unlocked(ref), nil
	}
	return cur.State(), nil
}

// MarkChanged records a save of ref by user and announces ElementChanged.
// Saving while another user holds the lock fails with ErrLocked.
func (m *Manager) MarkChanged(ctx context.Context, ref models.EntityRef, user models.UserRef) error {
	mu := m.stripe(ref)
	mu.Lock()
	defer mu.Unlock()

	cur, held, err := m.store.GetLock(ctx, ref)
	if err != nil {
		return err
	}
	if held && !cur.LockedBy.Same(user) {
		return errors.Wrapf(ErrLocked, "%s held by %s", ref, cur.LockedBy)
	}
	m.publish(models.NewElementChanged(ref))
	return nil
}

// AddRelation attaches one related item to ref and announces RelationsChanged.
func (m *Manager) AddRelation(ctx context.Context, ref models.EntityRef) (int, error) {
	mu := m.stripe(ref)
	mu.Lock()
	defer mu.Unlock()

	count, err := m.store.AddRelation(ctx, ref)
	if err != nil {
		return 0, err
	}
	m.publish(models.NewRelationsChanged(ref))
	return count, nil
}

// RelationCount returns the number of items related to ref.
func (m *Manager) RelationCount(ctx context.Context, ref models.EntityRef) (int, error) {
	return m.store.RelationCount(ctx, ref)
}

// Run sweeps expired locks every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("expire sweep failed", log.Error(err))
			}
		}
	}
}

// Sweep announces every lock that expired since the previous sweep and
// returns how many were announced.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredLocks(ctx, m.now())
	if err != nil {
		return 0, err
	}

	var announced atomic.Int64
	err = concurrent.ForEach(ctx, expired, sweepWorkers, func(ctx context.Context, rec storage.LockRecord) error {
		if m.announceExpired(ctx, rec) {
			announced.Add(1)
		}
		return nil
	})
	m.metrics.RecordExpired(len(expired))
	if n := announced.Load(); n > 0 {
		m.logger.Info("expired locks released", log.Int64("count", n))
	}
	return int(announced.Load()), err
}

func (m *Manager) announceExpired(ctx context.Context, rec storage.LockRecord) bool {
	mu := m.stripe(rec.Ref)
	mu.Lock()
	defer mu.Unlock()

	// a new lock granted after expiry supersedes the lapsed one
	if _, held, err := m.store.GetLock(ctx, rec.Ref); err != nil || held {
		return false
	}
	m.publish(models.NewLockChanged(models.Unlocked(rec.Ref)))
	return true
}

func (m *Manager) publish(n models.ChangeNotification) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(bus.NotificationEvent(n, eventSource)); err != nil {
		m.logger.Warn("notification delivery failed",
			log.String("kind", n.Kind.String()),
			log.String("ref", n.Ref.Key()),
			log.Error(err))
	}
}
