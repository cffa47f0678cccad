// Package editor keeps one open element's lock and change state in sync with
// the lock service and the live update channel.
//
// Every input (channel events, debounce firings, lock and counter responses)
// is applied by a single goroutine in arrival order.
package editor

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/pkg/sequence"
)

type lockResult struct {
	state models.LockState
	err   error
}

type countResult struct {
	count int
	err   error
}

// Editor is the lock and notification state of one open element.
type Editor struct {
	cfg    Config
	logger log.Log

	edits    chan struct{}
	requests chan struct{}
	locks    chan lockResult
	counts   chan countResult
	done     chan struct{}
	loopDone chan struct{}

	// changes carries snapshots to OnChange outside the loop, so a callback
	// may call back into the editor, Close included.
	changes    *sequence.Queue[State]
	notifyDone chan struct{}

	mu    sync.RWMutex
	state State

	closeOnce sync.Once
	pending   sync.WaitGroup
}

// Open subscribes the element, starts the editor and, for editable editors,
// requests the lock once.
func Open(cfg Config) (*Editor, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Subscription.Subscribe(cfg.Ref); err != nil {
		return nil, err
	}

	e := &Editor{
		cfg:      cfg,
		logger:   cfg.Logger.With(log.String("component", "editor"), log.String("ref", cfg.Ref.Key())),
		edits:    make(chan struct{}, 1),
		requests: make(chan struct{}, 1),
		locks:    make(chan lockResult),
		counts:   make(chan countResult),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    State{Ref: cfg.Ref, User: cfg.User},

		changes:    sequence.NewQueue[State](),
		notifyDone: make(chan struct{}),
	}
	go e.loop()
	if cfg.OnChange != nil {
		go e.notify()
	} else {
		close(e.notifyDone)
	}

	if cfg.Editable {
		signal(e.requests)
	}
	if cfg.Relations != nil {
		e.refreshRelations()
	}
	return e, nil
}

// State returns a snapshot of the current state.
func (e *Editor) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.clone()
}

// Edit records a form change. The lock is re-requested once edits have been
// quiet for the debounce window, and only if the element is not locked.
// Edits on a read-only editor are ignored.
func (e *Editor) Edit() error {
	if e.isClosed() {
		return ErrEditorClosed
	}
	if e.cfg.Editable {
		signal(e.edits)
	}
	return nil
}

// RequestLock asks for the lock now, regardless of the current state.
func (e *Editor) RequestLock() error {
	if e.isClosed() {
		return ErrEditorClosed
	}
	signal(e.requests)
	return nil
}

func (e *Editor) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Close detaches from the channel and stops the editor without waiting for
// the server. If the current user holds the lock it is released in the
// background; a failed release is left to server-side expiry. It is safe to
// call from OnChange.
func (e *Editor) Close() {
	e.closeOnce.Do(func() {
		e.cfg.Subscription.Unsubscribe()
		close(e.done)
		<-e.loopDone

		e.mu.Lock()
		e.state.Closed = true
		held := e.state.HeldBySelf()
		e.mu.Unlock()

		if held {
			e.releaseLock()
		}
	})
}

// Wait blocks until every background request started by the editor has
// finished and, once closed, until the last OnChange call has returned.
// Calling it from OnChange deadlocks.
func (e *Editor) Wait() {
	e.pending.Wait()
	if e.isClosed() {
		<-e.notifyDone
	}
}

func (e *Editor) notify() {
	defer func() {
		e.changes.Close()
		close(e.notifyDone)
	}()
	for {
		select {
		case <-e.done:
			return
		case <-e.changes.Ready():
			for _, snapshot := range e.changes.Drain() {
				if e.isClosed() {
					return
				}
				e.cfg.OnChange(snapshot)
			}
		}
	}
}

func (e *Editor) loop() {
	defer close(e.loopDone)

	debounce := time.NewTimer(e.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	events := e.cfg.Subscription.Events()
	for {
		select {
		case <-e.done:
			return
		case n, ok := <-events:
			if !ok {
				// detached by the channel; nothing more will arrive
				events = nil
				continue
			}
			e.apply(n)
		case <-e.edits:
			debounce.Reset(e.cfg.Debounce)
		case <-debounce.C:
			e.onDebounce()
		case <-e.requests:
			e.requestLock()
		case r := <-e.locks:
			if r.err != nil {
				e.logger.Warn("lock request failed", log.Error(r.err))
				continue
			}
			e.update(func(s *State) { setLock(s, r.state) })
		case r := <-e.counts:
			if r.err != nil {
				e.logger.Warn("relation count failed", log.Error(r.err))
				continue
			}
			e.update(func(s *State) { s.RelationCount = r.count })
		}
	}
}

// apply reconciles one channel event. Events for other elements and invalid
// events leave the state untouched.
func (e *Editor) apply(n models.ChangeNotification) {
	if n.Ref != e.cfg.Ref {
		e.logger.Debug("dropping event for another element", log.String("event_ref", n.Ref.Key()))
		return
	}
	if err := n.Validate(); err != nil {
		e.logger.Warn("dropping invalid event", log.Error(err))
		return
	}

	switch n.Kind {
	case models.LockChanged:
		e.update(func(s *State) { setLock(s, *n.Lock) })
	case models.ElementChanged:
		e.update(func(s *State) {
			s.ModifiedByOther = s.Lock != nil && s.Lock.HeldByOther(s.User)
		})
	case models.RelationsChanged:
		e.refreshRelations()
	}
}

// setLock replaces the lock wholesale. The modified flag only survives while
// the same other user keeps holding the lock.
func setLock(s *State, next models.LockState) {
	prev := s.LockUser()
	lock := next.Clone()
	s.Lock = &lock

	cur := s.LockUser()
	if !lock.HeldByOther(s.User) || prev == nil || cur == nil || !prev.Same(*cur) {
		s.ModifiedByOther = false
	}
}

func (e *Editor) onDebounce() {
	e.mu.RLock()
	locked := e.state.Lock != nil && e.state.Lock.Locked
	e.mu.RUnlock()
	if !locked {
		e.requestLock()
	}
}

func (e *Editor) update(fn func(*State)) {
	e.mu.Lock()
	fn(&e.state)
	snapshot := e.state.clone()
	e.mu.Unlock()

	if e.cfg.OnChange != nil {
		e.changes.Push(snapshot)
	}
}

func (e *Editor) requestLock() {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		state, err := e.cfg.Locks.Lock(ctx, e.cfg.Ref)
		cancel()

		select {
		case e.locks <- lockResult{state: state, err: err}:
		case <-e.done:
			// granted after close; nobody is left to release it
			if err == nil && state.HeldBy(e.cfg.User) {
				e.releaseLock()
			}
		}
	}()
}

func (e *Editor) releaseLock() {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if err := e.cfg.Locks.Unlock(ctx, e.cfg.Ref); err != nil {
			e.logger.Warn("unlock failed, lock will expire on the server", log.Error(err))
		}
	}()
}

func (e *Editor) refreshRelations() {
	if e.cfg.Relations == nil {
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		count, err := e.cfg.Relations.CountRelations(ctx, e.cfg.Ref)
		cancel()

		select {
		case e.counts <- countResult{count: count, err: err}:
		case <-e.done:
		}
	}()
}
