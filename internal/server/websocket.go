package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zeusync/workbench/internal/core/events/bus"
	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/internal/core/observability/metrics"
	"github.com/zeusync/workbench/internal/core/protocol"
)

// Hub fans change notifications out to the websocket connections subscribed
// to each element. Subscriptions are sharded by the hash of the element key.
type Hub struct {
	cfg        protocol.Config
	maxClients int
	logger     log.Log
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	shards []*shard

	clients     sync.Map // map[string]*client
	clientCount atomic.Int64
	closed      atomic.Bool

	subs []bus.Subscription
	wg   sync.WaitGroup
}

type shard struct {
	mu       sync.RWMutex
	watchers map[string]map[*client]struct{}
}

// client is one live update connection.
type client struct {
	id     string
	user   models.UserRef
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger log.Log

	mu   sync.Mutex
	refs map[string]models.EntityRef
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue reports false when the send buffer is full.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// NewHub creates a hub and subscribes it to every notification kind on eventBus.
func NewHub(cfg Config, proto protocol.Config, eventBus bus.EventBus, logger log.Log, m *metrics.Metrics) (*Hub, error) {
	shards := cfg.Shards
	if shards <= 0 {
		shards = DefaultServerConfig().Shards
	}
	if logger == nil {
		logger = log.NewNop()
	}
	h := &Hub{
		cfg:        proto,
		maxClients: cfg.MaxClients,
		logger:     logger.With(log.String("component", "hub")),
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// authentication is done by the token middleware
			CheckOrigin: func(*http.Request) bool { return true },
		},
		shards: make([]*shard, shards),
	}
	for i := range h.shards {
		h.shards[i] = &shard{watchers: make(map[string]map[*client]struct{})}
	}
	for _, kind := range models.Kinds {
		sub, err := eventBus.Subscribe(string(kind), h.handleEvent)
		if err != nil {
			h.unsubscribeBus()
			return nil, err
		}
		h.subs = append(h.subs, sub)
	}
	return h, nil
}

func (h *Hub) shard(key string) *shard {
	return h.shards[xxhash.Sum64String(key)%uint64(len(h.shards))]
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int64 {
	return h.clientCount.Load()
}

// Watchers returns how many connections are subscribed to ref.
func (h *Hub) Watchers(ref models.EntityRef) int {
	key := ref.Key()
	sh := h.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.watchers[key])
}

// Serve upgrades the request and runs the connection until it closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, user models.UserRef) error {
	if h.closed.Load() {
		return ErrServerClosed
	}
	if h.maxClients > 0 && int(h.clientCount.Load()) >= h.maxClients {
		h.logger.Warn("Maximum clients reached, rejecting connection", log.String("remote_addr", r.RemoteAddr))
		return ErrMaxClientsReached
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		h.logger.Debug("websocket upgrade failed", log.Error(err))
		return nil
	}

	c := &client{
		id:   uuid.NewString(),
		user: user,
		ws:   ws,
		send: make(chan []byte, h.cfg.BufferSize),
		done: make(chan struct{}),
		refs: make(map[string]models.EntityRef),
	}
	c.logger = h.logger.With(log.String("client_id", c.id), log.String("user", user.PK))

	h.clients.Store(c.id, c)
	h.clientCount.Add(1)
	h.metrics.ConnectionOpened()
	c.logger.Info("Client connected",
		log.String("remote_addr", r.RemoteAddr),
		log.Int64("total_clients", h.clientCount.Load()))

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.disconnect(c)

	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Failed to receive message", log.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.handleControlMessage(c, data)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
		h.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", log.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleControlMessage(c *client, data []byte) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		c.logger.Warn("Failed to parse control message", log.Error(err))
		return
	}
	switch msg.Action {
	case protocol.ActionSubscribe:
		h.subscribe(c, msg.Ref())
	case protocol.ActionUnsubscribe:
		h.unsubscribe(c, msg.Ref())
	}
}

// subscribe is a no-op when c already watches ref.
func (h *Hub) subscribe(c *client, ref models.EntityRef) {
	key := ref.Key()
	c.mu.Lock()
	if _, ok := c.refs[key]; ok {
		c.mu.Unlock()
		return
	}
	c.refs[key] = ref
	c.mu.Unlock()

	sh := h.shard(key)
	sh.mu.Lock()
	set := sh.watchers[key]
	if set == nil {
		set = make(map[*client]struct{})
		sh.watchers[key] = set
	}
	set[c] = struct{}{}
	sh.mu.Unlock()

	h.metrics.Subscribed()
	c.logger.Debug("Client subscribed", log.String("ref", key))
}

func (h *Hub) unsubscribe(c *client, ref models.EntityRef) {
	key := ref.Key()
	c.mu.Lock()
	if _, ok := c.refs[key]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.refs, key)
	c.mu.Unlock()

	h.removeWatcher(c, key)
	h.metrics.Unsubscribed()
	c.logger.Debug("Client unsubscribed", log.String("ref", key))
}

func (h *Hub) removeWatcher(c *client, key string) {
	sh := h.shard(key)
	sh.mu.Lock()
	if set := sh.watchers[key]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(sh.watchers, key)
		}
	}
	sh.mu.Unlock()
}

func (h *Hub) disconnect(c *client) {
	c.close()

	c.mu.Lock()
	keys := make([]string, 0, len(c.refs))
	for key := range c.refs {
		keys = append(keys, key)
	}
	c.refs = make(map[string]models.EntityRef)
	c.mu.Unlock()

	for _, key := range keys {
		h.removeWatcher(c, key)
	}

	h.clients.Delete(c.id)
	h.clientCount.Add(-1)
	h.metrics.ConnectionClosed(len(keys))
	c.logger.Info("Client disconnected", log.Int64("total_clients", h.clientCount.Load()))
}

// handleEvent runs inside the publisher's critical section and must not block.
func (h *Hub) handleEvent(ev bus.Event) error {
	n, ok := bus.AsNotification(ev)
	if !ok {
		return nil
	}
	frame, err := protocol.EncodeEvent(n)
	if err != nil {
		return err
	}

	key := n.Ref.Key()
	sh := h.shard(key)
	sh.mu.RLock()
	targets := make([]*client, 0, len(sh.watchers[key]))
	for c := range sh.watchers[key] {
		targets = append(targets, c)
	}
	sh.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			c.logger.Warn("send buffer full, dropping client")
			h.metrics.ConnectionDropped()
			c.close()
		}
	}
	return nil
}

func (h *Hub) unsubscribeBus() {
	for _, sub := range h.subs {
		_ = sub.Cancel()
	}
	h.subs = nil
}

// Close detaches the hub from the bus, closes every connection and waits for
// their goroutines to finish.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.unsubscribeBus()
	h.clients.Range(func(_, value any) bool {
		value.(*client).close()
		return true
	})
	h.wg.Wait()
}
