// Package server manages individual WebSocket connections, handling the
// outbound queue, the write pump and keepalive for each of them.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds how long a closing connection may spend flushing
// queued frames before its socket is torn down.
const closeGracePeriod = time.Second

// ConnOptions tune a WSConn.
type ConnOptions struct {
	SendQueueSize  int
	MaxMessageSize int64
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
}

// ConnOptionsFromConfig derives connection options from cfg.
func ConnOptionsFromConfig(cfg Config) ConnOptions {
	cfg = sanitizeConfig(cfg)
	return ConnOptions{
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: cfg.MaxMessageSize,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod(),
		WriteWait:      cfg.WriteWait,
	}
}

func (o ConnOptions) withDefaults() ConnOptions {
	d := ConnOptionsFromConfig(Config{})
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	return o
}

// WSConn is a Connection backed by a gorilla WebSocket. Outbound frames go
// through a bounded queue drained by a single write pump, which also pings
// the peer; a missing pong makes Receive fail once PongWait elapses.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	addr   string
	send   chan []byte
	done   chan struct{}
	opts   ConnOptions
	logger *slog.Logger

	closeOnce   sync.Once
	releaseOnce sync.Once
}

// NewConn wraps ws and starts its write pump.
func NewConn(ws *websocket.Conn, addr string, opts ConnOptions, logger *slog.Logger) *WSConn {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	id := uuid.NewString()
	c := &WSConn{
		id:     id,
		ws:     ws,
		addr:   addr,
		send:   make(chan []byte, opts.SendQueueSize),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger.With("conn_id", id, "remote", addr),
	}

	c.setupReadConnection()
	go c.writePump()
	return c
}

// ID returns the connection's unique identifier.
func (c *WSConn) ID() string { return c.id }

// RemoteAddr returns the peer address the connection was accepted from.
func (c *WSConn) RemoteAddr() string { return c.addr }

// Send queues frame for delivery without blocking.
func (c *WSConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Receive blocks until the next inbound frame arrives.
func (c *WSConn) Receive() ([]byte, error) {
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Close stops the connection. Frames already queued are flushed for at most
// closeGracePeriod, after which the socket is closed regardless, so a
// pending Receive returns promptly. Close never waits for the flush.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		time.AfterFunc(closeGracePeriod, c.release)
	})
	return nil
}

// Done is closed once Close has been called.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// setupReadConnection configures read limits, deadlines and the pong handler
func (c *WSConn) setupReadConnection() {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if !c.writeTextMessage(frame) {
				c.abort()
				return
			}
		case <-ticker.C:
			if !c.handlePing() {
				c.abort()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then a close frame, then releases
// the socket.
func (c *WSConn) flush() {
	defer c.release()

	if err := c.ws.SetWriteDeadline(time.Now().Add(closeGracePeriod)); err != nil {
		return
	}
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			c.writeCloseMessage()
			return
		}
	}
}

// abort tears the connection down after a failed write.
func (c *WSConn) abort() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.release()
}

// release closes the socket, unblocking any pending read.
func (c *WSConn) release() {
	c.releaseOnce.Do(func() {
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection", "error", err)
		}
	})
}

// writeCloseMessage sends a close message to the client
func (c *WSConn) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", "error", err)
	}
}

// writeTextMessage writes one frame with a write deadline
func (c *WSConn) writeTextMessage(frame []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *WSConn) handlePing() bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing ping message", "error", err)
		}
		return false
	}
	return true
}
