package client

import (
	"github.com/google/uuid"

	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/pkg/sequence"
)

// Subscriber is one consumer's view of the shared channel. It only receives
// events for the elements it subscribed to, in the order the server sent them.
type Subscriber struct {
	id string
	ch *Channel

	// guarded by ch.mu
	refs   map[string]models.EntityRef
	closed bool

	mailbox *sequence.Queue[models.ChangeNotification]
	events  chan models.ChangeNotification
	done    chan struct{}
}

func newSubscriber(ch *Channel) *Subscriber {
	s := &Subscriber{
		id:      uuid.NewString(),
		ch:      ch,
		refs:    make(map[string]models.EntityRef),
		mailbox: sequence.NewQueue[models.ChangeNotification](),
		events:  make(chan models.ChangeNotification),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Subscriber) ID() string { return s.id }

// Subscribe registers targets. Subscribing to an element twice is the same as
// subscribing once.
func (s *Subscriber) Subscribe(targets ...models.EntityRef) error {
	return s.ch.subscribe(s, targets)
}

// Unsubscribe drops every registration of this subscriber and closes Events.
// It returns without waiting for the server.
func (s *Subscriber) Unsubscribe() {
	s.ch.unsubscribe(s)
}

// Events is closed after Unsubscribe or when the channel closes.
func (s *Subscriber) Events() <-chan models.ChangeNotification {
	return s.events
}

// deliver is called with ch.mu held.
func (s *Subscriber) deliver(n models.ChangeNotification) {
	if n.Lock != nil {
		state := n.Lock.Clone()
		n.Lock = &state
	}
	s.mailbox.Push(n)
}

// closeLocked is called with ch.mu held.
func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.refs = make(map[string]models.EntityRef)
	s.mailbox.Close()
	close(s.done)
}

func (s *Subscriber) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case <-s.mailbox.Ready():
			for _, n := range s.mailbox.Drain() {
				select {
				case <-s.done:
					return
				default:
				}
				select {
				case s.events <- n:
				case <-s.done:
					return
				}
			}
		}
	}
}
