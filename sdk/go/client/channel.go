package client

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/internal/core/protocol"
	"github.com/zeusync/workbench/pkg/sequence"
)

// Channel is the live update connection shared by every editor in the
// process. Element subscriptions are reference counted across subscribers;
// the server only hears about the first subscribe and the last unsubscribe of
// each element.
type Channel struct {
	config Config
	url    string
	dialer *websocket.Dialer
	logger log.Log

	mu          sync.Mutex
	refCounts   map[string]*refCount
	subscribers map[string]*Subscriber

	// outbox holds control frames for the writer of the current connection.
	outbox *sequence.Queue[protocol.ControlMessage]

	connected atomic.Bool
	closed    atomic.Bool
	started   atomic.Bool
	done      chan struct{}
	err       atomic.Value // error

	workerGroup sync.WaitGroup
}

type refCount struct {
	ref   models.EntityRef
	count int
}

// NewChannel creates a channel. Nothing is dialed until Connect.
func NewChannel(config Config, logger log.Log) (*Channel, error) {
	url, err := config.channelURL()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Channel{
		config: config,
		url:    url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.ConnectTimeout,
		},
		logger:      logger.With(log.String("component", "channel")),
		refCounts:   make(map[string]*refCount),
		subscribers: make(map[string]*Subscriber),
		outbox:      sequence.NewQueue[protocol.ControlMessage](),
		done:        make(chan struct{}),
	}, nil
}

// Connect dials the server and starts the background workers. Subscriptions
// made before Connect are sent once the connection is up.
func (c *Channel) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	c.logger.Info("Connecting to server", log.String("url", c.config.BaseURL))
	conn, err := c.dial(ctx)
	if err != nil {
		c.started.Store(false)
		return err
	}
	c.attach()

	c.workerGroup.Add(1)
	go c.run(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		if resp != nil {
			return nil, &UnexpectedStatusError{Op: "connect", StatusCode: resp.StatusCode}
		}
		return nil, errors.Wrap(err, "dial live channel")
	}
	conn.SetReadLimit(c.config.Protocol.MaxMessageSize)
	return conn, nil
}

// attach marks a fresh connection as up and replaces the outbox with a
// subscribe frame for every element that still has subscribers.
func (c *Channel) attach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outbox.Drain()
	for _, rc := range c.refCounts {
		c.outbox.Push(protocol.Subscribe(rc.ref))
	}
	c.connected.Store(true)
}

// run owns the connection lifecycle: it reads until the connection fails and
// then redials.
func (c *Channel) run(conn *websocket.Conn) {
	defer c.workerGroup.Done()

	for {
		c.serve(conn)
		c.connected.Store(false)

		if c.closed.Load() {
			return
		}
		c.logger.Warn("Connection lost, attempting to reconnect")

		conn = c.reconnect()
		if conn == nil {
			return
		}
		c.attach()
		c.logger.Info("Reconnected successfully")
	}
}

func (c *Channel) reconnect() *websocket.Conn {
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return nil
		case <-time.After(c.config.ReconnectInterval):
		}

		c.logger.Info("Reconnection attempt", log.Int("attempt", attempt))
		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			return conn
		}
		c.logger.Error("Reconnection failed", log.Int("attempt", attempt), log.Error(err))
	}
	c.err.Store(ErrReconnectFailed)
	return nil
}

// serve runs the writer for conn and reads frames until conn fails.
func (c *Channel) serve(conn *websocket.Conn) {
	connDone := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		c.writeLoop(conn, connDone)
	}()

	c.readLoop(conn)

	close(connDone)
	_ = conn.Close()
	writer.Wait()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	pongWait := c.config.Protocol.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Failed to receive message", log.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Channel) writeLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(c.config.Protocol.PingInterval)
	defer ticker.Stop()

	writeTimeout := c.config.Protocol.WriteTimeout
	for {
		select {
		case <-connDone:
			return
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			_ = conn.Close()
			return
		case <-c.outbox.Ready():
			for _, msg := range c.outbox.Drain() {
				frame, err := protocol.EncodeControl(msg)
				if err != nil {
					c.logger.Error("Failed to encode control message", log.Error(err))
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err = conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.logger.Debug("control write failed", log.Error(err))
					_ = conn.Close()
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// dispatch routes one event frame to every subscriber registered for its
// element. Undecodable frames are dropped.
func (c *Channel) dispatch(data []byte) {
	n, err := protocol.DecodeEvent(data)
	if err != nil {
		if errors.Is(err, models.ErrUnknownKind) {
			c.logger.Debug("dropping frame of unknown kind", log.Error(err))
		} else {
			c.logger.Warn("dropping malformed frame", log.Error(err))
		}
		return
	}

	key := n.Ref.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscribers {
		if _, ok := sub.refs[key]; ok {
			sub.deliver(n)
		}
	}
}

// NewSubscriber registers a new, empty subscriber on the channel.
func (c *Channel) NewSubscriber() *Subscriber {
	sub := newSubscriber(c)
	c.mu.Lock()
	if !c.closed.Load() {
		c.subscribers[sub.id] = sub
	} else {
		sub.closeLocked()
	}
	c.mu.Unlock()
	return sub
}

func (c *Channel) subscribe(sub *Subscriber, targets []models.EntityRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub.closed {
		return ErrClientClosed
	}
	for _, ref := range targets {
		if ref.IsZero() {
			return errors.Wrapf(models.ErrInvalidRef, "subscribe %q", ref.Key())
		}
	}
	for _, ref := range targets {
		key := ref.Key()
		if _, ok := sub.refs[key]; ok {
			continue
		}
		sub.refs[key] = ref

		rc := c.refCounts[key]
		if rc == nil {
			rc = &refCount{ref: ref}
			c.refCounts[key] = rc
		}
		rc.count++
		if rc.count == 1 {
			c.outbox.Push(protocol.Subscribe(ref))
		}
	}
	return nil
}

func (c *Channel) unsubscribe(sub *Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub.closed {
		return
	}
	for key, ref := range sub.refs {
		rc := c.refCounts[key]
		if rc == nil {
			continue
		}
		rc.count--
		if rc.count <= 0 {
			delete(c.refCounts, key)
			c.outbox.Push(protocol.Unsubscribe(ref))
		}
	}
	delete(c.subscribers, sub.id)
	sub.closeLocked()
}

// RefCount returns how many subscribers currently watch ref.
func (c *Channel) RefCount(ref models.EntityRef) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc := c.refCounts[ref.Key()]; rc != nil {
		return rc.count
	}
	return 0
}

// IsConnected reports whether a connection is currently up.
func (c *Channel) IsConnected() bool {
	return c.connected.Load()
}

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Err returns ErrReconnectFailed once the channel has given up redialing.
func (c *Channel) Err() error {
	if err, ok := c.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close tears the connection down and closes every subscriber.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Closing channel")
	close(c.done)

	c.mu.Lock()
	for id, sub := range c.subscribers {
		sub.closeLocked()
		delete(c.subscribers, id)
	}
	c.refCounts = make(map[string]*refCount)
	c.mu.Unlock()

	c.workerGroup.Wait()
	c.outbox.Close()
	c.connected.Store(false)
	return nil
}
