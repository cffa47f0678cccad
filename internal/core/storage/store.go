package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/models"
)

// LockRecord is a persisted edit lock.
type LockRecord struct {
	Ref         models.EntityRef
	LockedBy    models.UserRef
	LockedAt    time.Time
	LockedUntil time.Time
}

// State converts the record into its wire representation.
func (r LockRecord) State() models.LockState {
	return models.LockedBy(r.Ref, r.LockedBy, r.LockedAt, r.LockedUntil)
}

// ExpiredAt reports whether the lock has lapsed at now.
func (r LockRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.LockedUntil)
}

// Store persists edit locks and per-element relation counters.
//
// GetLock never returns a lock that has expired; expired locks are handed
// out exactly once through ExpiredLocks so the caller can announce them.
type Store interface {
	GetLock(ctx context.Context, ref models.EntityRef) (LockRecord, bool, error)
	PutLock(ctx context.Context, rec LockRecord) error
	DeleteLock(ctx context.Context, ref models.EntityRef) error
	ExpiredLocks(ctx context.Context, now time.Time) ([]LockRecord, error)

	AddRelation(ctx context.Context, ref models.EntityRef) (int, error)
	RelationCount(ctx context.Context, ref models.EntityRef) (int, error)

	Close() error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config selects and tunes the store backend.
type Config struct {
	Driver string `yaml:"driver"`
	// DSN is the sqlite database path.
	DSN string `yaml:"dsn"`
	// CleanupInterval is how often the memory store evicts expired locks.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func DefaultConfig() Config {
	return Config{
		Driver:          DriverMemory,
		DSN:             "workbench.db",
		CleanupInterval: time.Second,
	}
}

// Open builds the store named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(cfg.CleanupInterval), nil
	case DriverSQLite:
		return OpenSQLStore(cfg.DSN)
	default:
		return nil, errors.Wrapf(ErrUnknownDriver, "driver %q", cfg.Driver)
	}
}
