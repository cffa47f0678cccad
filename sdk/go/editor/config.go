package editor

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/log"
)

// LockService acquires and releases edit locks. A denied lock is returned as
// a state held by someone else, not as an error.
type LockService interface {
	Lock(ctx context.Context, ref models.EntityRef) (models.LockState, error)
	Unlock(ctx context.Context, ref models.EntityRef) error
}

// RelationCounter refreshes derived counters after RelationsChanged.
type RelationCounter interface {
	CountRelations(ctx context.Context, ref models.EntityRef) (int, error)
}

// Subscription is the editor's registration on the shared live channel.
type Subscription interface {
	Subscribe(targets ...models.EntityRef) error
	Unsubscribe()
	Events() <-chan models.ChangeNotification
}

// Config holds configuration for one editor
type Config struct {
	Ref  models.EntityRef
	User models.UserRef
	// Editable editors request the lock on open and after edits.
	Editable bool

	Locks        LockService
	Relations    RelationCounter // optional
	Subscription Subscription

	// Debounce is the quiet period after the last edit before the lock is
	// re-requested.
	Debounce       time.Duration
	RequestTimeout time.Duration

	// OnChange receives every new state, in order, on a goroutine of its own.
	OnChange func(State)
	Logger   log.Log
}

// DefaultEditorConfig returns the timing defaults.
func DefaultEditorConfig() Config {
	return Config{
		Editable:       true,
		Debounce:       500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

func (c *Config) normalize() error {
	def := DefaultEditorConfig()
	switch {
	case c.Ref.IsZero():
		return errors.Wrap(ErrInvalidConfig, "element ref is required")
	case c.User.PK == "":
		return errors.Wrap(ErrInvalidConfig, "user primary key is required")
	case c.Locks == nil:
		return errors.Wrap(ErrInvalidConfig, "lock service is required")
	case c.Subscription == nil:
		return errors.Wrap(ErrInvalidConfig, "subscription is required")
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	return nil
}
