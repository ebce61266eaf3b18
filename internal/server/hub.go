// Package server coordinates client registration, message broadcast, and
// connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/relay/internal/protocol"
)

// Hub owns the Registry and sequences every membership change and broadcast
// through a single event loop. Sessions talk to it through Register,
// Unregister and Chat.
type Hub struct {
	registry *Registry
	engine   *Engine
	clock    *protocol.Clock
	logger   *slog.Logger
	metrics  *Metrics
	cfg      Config

	register   chan *registration
	unregister chan *registration
	broadcast  chan broadcastRequest

	serveMu   sync.Mutex
	stopping  bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

type registration struct {
	conn Connection
	err  error
	done chan struct{}
}

// broadcastRequest is stamped by the event loop so timestamps follow
// delivery order.
type broadcastRequest struct {
	build func(ts time.Time) protocol.Envelope
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics sets the metrics the hub records into.
func WithMetrics(metrics *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = metrics
	}
}

// WithClock sets the timestamp source.
func WithClock(clock *protocol.Clock) HubOption {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHub creates a Hub. The returned Hub handles nothing until Run is called.
func NewHub(cfg Config, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   NewRegistry(),
		clock:      protocol.NewClock(),
		logger:     slog.Default(),
		cfg:        sanitizeConfig(cfg),
		register:   make(chan *registration),
		unregister: make(chan *registration),
		broadcast:  make(chan broadcastRequest),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.engine = NewEngine(h.registry, h.logger, h.metrics)
	return h
}

// Registry exposes the hub membership for read-only use.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	return h.registry.Len()
}

// Uptime returns how long ago the hub was created.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startedAt)
}

// Now returns a timestamp from the hub clock.
func (h *Hub) Now() time.Time {
	return h.clock.Now()
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and message broadcasting. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case reg := <-h.register:
			h.handleRegister(reg)

		case reg := <-h.unregister:
			h.handleUnregister(reg)

		case req := <-h.broadcast:
			h.handleBroadcast(req)
		}
	}
}

// Serve runs a Session for conn on its own goroutine. Once shutdown has
// begun the connection is closed instead.
func (h *Hub) Serve(conn Connection) {
	h.serveMu.Lock()
	if h.stopping {
		h.serveMu.Unlock()
		_ = conn.Close()
		return
	}
	h.wg.Add(1)
	h.serveMu.Unlock()

	go func() {
		defer h.wg.Done()
		NewSession(h, conn).Run()
	}()
}

// Register adds conn to the registry, sends it a private welcome and
// announces it to everyone else. It returns once the loop has done so.
func (h *Hub) Register(conn Connection) error {
	return h.submit(h.register, conn)
}

// Unregister removes conn from the registry and announces the departure to
// the remaining members. It returns once the loop has done so, or at once
// if the hub has stopped.
func (h *Hub) Unregister(conn Connection) {
	_ = h.submit(h.unregister, conn)
}

// Chat broadcasts a chat message to every member, sender included.
func (h *Hub) Chat(req protocol.ChatRequest) error {
	return h.enqueue(broadcastRequest{
		build: func(ts time.Time) protocol.Envelope {
			return protocol.NewChat(req.Sender, req.Content, ts)
		},
	})
}

func (h *Hub) submit(ch chan *registration, conn Connection) error {
	reg := &registration{conn: conn, done: make(chan struct{})}
	select {
	case ch <- reg:
	case <-h.ctx.Done():
		return ErrHubStopped
	}

	select {
	case <-reg.done:
		return reg.err
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) enqueue(req broadcastRequest) error {
	select {
	case h.broadcast <- req:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

func (h *Hub) handleRegister(reg *registration) {
	defer close(reg.done)

	conn := reg.conn
	if conn == nil {
		h.logger.Warn("received nil client registration; skipping")
		reg.err = fmt.Errorf("register: nil connection")
		return
	}

	if !h.registry.Add(conn) {
		reg.err = ErrAlreadyRegistered
		return
	}
	count := h.registry.Len()
	h.metrics.setActive(count)
	h.metrics.sessionStarted()
	h.logger.Info("client registered", "conn_id", conn.ID(), "remote", conn.RemoteAddr(), "clients", count)

	h.sendPrivate(conn, protocol.NewSystem(welcomeText, count, h.clock.Now()))
	h.deliver(protocol.NewSystem(fmt.Sprintf(joinTextFormat, count), count, h.clock.Now()), conn)
}

func (h *Hub) handleUnregister(reg *registration) {
	defer close(reg.done)

	conn := reg.conn
	if conn == nil {
		return
	}

	h.registry.Remove(conn)
	count := h.registry.Len()
	h.metrics.setActive(count)
	h.logger.Info("client unregistered", "conn_id", conn.ID(), "remote", conn.RemoteAddr(), "clients", count)

	h.deliver(protocol.NewSystem(fmt.Sprintf(leaveTextFormat, count), count, h.clock.Now()), nil)
}

func (h *Hub) handleBroadcast(req broadcastRequest) {
	h.deliver(req.build(h.clock.Now()), nil)
}

func (h *Hub) deliver(env protocol.Envelope, exclude Connection) {
	if _, err := h.engine.Broadcast(h.ctx, env, exclude); err != nil {
		h.logger.Error("broadcast failed", "type", env.Kind, "error", err)
	}
}

// sendPrivate delivers env to conn alone.
func (h *Hub) sendPrivate(conn Connection, env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		h.logger.Error("encoding private message failed", "type", env.Kind, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Warn("private message not delivered", "conn_id", conn.ID(), "type", env.Kind, "error", err)
	}
}

// shutdownClients notifies and closes all active client connections.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	conns := h.registry.Snapshot()
	if frame, err := protocol.Encode(protocol.NewSystem(shutdownText, len(conns), h.clock.Now())); err == nil {
		for _, conn := range conns {
			_ = conn.Send(frame)
		}
	}

	for _, conn := range conns {
		h.registry.Remove(conn)
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing client connection", "conn_id", conn.ID(), "remote", conn.RemoteAddr(), "error", err)
		}
	}
	h.metrics.setActive(h.registry.Len())

	h.logger.Info("closed client connections", "count", len(conns))
}

// Shutdown initiates graceful shutdown of the hub and waits for all sessions
// to complete. It returns after all client connections are closed and
// sessions have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.serveMu.Lock()
	h.stopping = true
	h.serveMu.Unlock()
	h.cancel()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		h.logger.Warn("hub event loop did not stop before the timeout")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed successfully")
		return nil
	case <-deadline:
		h.logger.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
