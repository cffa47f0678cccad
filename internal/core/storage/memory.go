package storage

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/zeusync/workbench/internal/core/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps locks in a go-cache instance whose item expiry equals the
// lock's LockedUntil. Evictions of lapsed locks are queued for ExpiredLocks.
type MemoryStore struct {
	locks     *cache.Cache
	relations *cache.Cache
	now       func() time.Time

	mu      sync.Mutex
	expired []LockRecord
	closed  bool
}

// NewMemoryStore creates a store whose janitor runs every cleanupInterval.
// A non-positive interval disables the janitor; ExpiredLocks still evicts.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval < 0 {
		cleanupInterval = 0
	}
	s := &MemoryStore{
		locks:     cache.New(cache.NoExpiration, cleanupInterval),
		relations: cache.New(cache.NoExpiration, 0),
		now:       time.Now,
	}
	s.locks.OnEvicted(s.onEvicted)
	return s
}

func (s *MemoryStore) onEvicted(_ string, value any) {
	rec, ok := value.(LockRecord)
	if !ok || !rec.ExpiredAt(s.now()) {
		// explicit release of a live lock, nothing to announce
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.expired = append(s.expired, rec)
	}
	s.mu.Unlock()
}

func (s *MemoryStore) GetLock(_ context.Context, ref models.EntityRef) (LockRecord, bool, error) {
	v, ok := s.locks.Get(ref.Key())
	if !ok {
		return LockRecord{}, false, nil
	}
	return v.(LockRecord), true, nil
}

func (s *MemoryStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemoryStore) PutLock(_ context.Context, rec LockRecord) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if rec.Ref.IsZero() || rec.LockedBy.PK == "" {
		return ErrInvalidRecord
	}
	ttl := rec.LockedUntil.Sub(s.now())
	if ttl <= 0 {
		// go-cache treats 0 as "default expiration"
		ttl = time.Nanosecond
	}
	s.locks.Set(rec.Ref.Key(), rec, ttl)
	return nil
}

func (s *MemoryStore) DeleteLock(_ context.Context, ref models.EntityRef) error {
	s.locks.Delete(ref.Key())
	return nil
}

func (s *MemoryStore) ExpiredLocks(_ context.Context, now time.Time) ([]LockRecord, error) {
	s.locks.DeleteExpired()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out, keep []LockRecord
	for _, rec := range s.expired {
		if rec.ExpiredAt(now) {
			out = append(out, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	s.expired = keep
	return out, nil
}

func (s *MemoryStore) AddRelation(_ context.Context, ref models.EntityRef) (int, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}
	key := ref.Key()
	// Add fails when the key exists, which is the case we increment
	_ = s.relations.Add(key, 0, cache.NoExpiration)
	return s.relations.IncrementInt(key, 1)
}

func (s *MemoryStore) RelationCount(_ context.Context, ref models.EntityRef) (int, error) {
	v, ok := s.relations.Get(ref.Key())
	if !ok {
		return 0, nil
	}
	return v.(int), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.expired = nil
	s.mu.Unlock()
	s.locks.Flush()
	s.relations.Flush()
	return nil
}
