// Package client connects to a relay hub and delivers its events to a single
// consumer through a Looper.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/protocol"
)

// ErrInvalidURL is returned by Connect and ParseURL for a URL that does not
// name a ws or wss endpoint.
var ErrInvalidURL = errors.New("invalid server URL")

const (
	clientClosedReason   = "Client closed connection"
	serverClosedPrefix   = "Server closed connection: "
	notConnectedText     = "Not connected to server"
	invalidURLTextPrefix = "Invalid server URL: "

	outboundQueueSize = 64
	writeWait         = 10 * time.Second
	closeWait         = time.Second
)

// ParseURL validates a hub address such as ws://localhost:8080/ws.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Bridge holds at most one connection to a hub. Its network reads and
// writes run on their own goroutines and every event is posted to the
// looper, so the Listener never sees two callbacks at once.
type Bridge struct {
	looper   *Looper
	listener Listener
	dialer   *websocket.Dialer
	header   http.Header
	logger   *slog.Logger

	mu   sync.Mutex
	link *link
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) BridgeOption {
	return func(b *Bridge) {
		if d != nil {
			b.dialer = d
		}
	}
}

// WithHeader sets the headers sent with the opening handshake, for example
// an Origin accepted by the hub.
func WithHeader(h http.Header) BridgeOption {
	return func(b *Bridge) {
		b.header = h.Clone()
	}
}

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBridge creates a disconnected bridge delivering to listener on looper.
func NewBridge(looper *Looper, listener Listener, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		looper:   looper,
		listener: listener,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// link is one connection attempt and, once dialed, its socket.
type link struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ws        *websocket.Conn
	out       chan []byte
	closing   atomic.Bool
	connected atomic.Bool
}

// Connect starts connecting to rawURL and returns at once. An invalid URL
// is reported through OnError and returned; nothing is retried. Calling
// Connect while a connection exists is a no-op.
func (b *Bridge) Connect(rawURL string) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		b.logger.Error("invalid server URL", "url", rawURL, "error", err)
		text := invalidURLTextPrefix + strings.TrimPrefix(err.Error(), ErrInvalidURL.Error()+": ")
		b.post(func() { b.listener.OnError(text) })
		return err
	}

	b.mu.Lock()
	if b.link != nil {
		b.mu.Unlock()
		b.logger.Warn("already connected")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		url:    u.String(),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, outboundQueueSize),
	}
	b.link = l
	b.mu.Unlock()

	b.logger.Info("connecting", "url", l.url)
	go b.run(l)
	return nil
}

// Send queues a chat message. When not connected an OnError is posted
// instead; transport failures are only logged.
func (b *Bridge) Send(content, sender string) {
	l := b.current()
	if l == nil || !l.connected.Load() {
		b.logger.Warn("cannot send message: not connected")
		b.post(func() { b.listener.OnError(notConnectedText) })
		return
	}

	frame, err := protocol.EncodeChat(content, sender)
	if err != nil {
		b.logger.Error("encoding message failed", "error", err)
		return
	}

	select {
	case l.out <- frame:
	case <-l.ctx.Done():
	default:
		b.logger.Warn("outbound queue full; message dropped")
	}
}

// Disconnect closes the current connection without waiting for queued
// sends. It is safe to call at any time, any number of times.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	l := b.link
	b.link = nil
	b.mu.Unlock()

	if l == nil {
		return
	}
	l.closing.Store(true)
	l.connected.Store(false)
	l.cancel()
	go l.shutdown()
	b.logger.Info("disconnected")
}

// IsConnected reports whether the handshake has completed and the
// connection has not ended.
func (b *Bridge) IsConnected() bool {
	l := b.current()
	return l != nil && l.connected.Load()
}

func (b *Bridge) current() *link {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link
}

// detach forgets l unless a newer connection has replaced it.
func (b *Bridge) detach(l *link) {
	b.mu.Lock()
	if b.link == l {
		b.link = nil
	}
	b.mu.Unlock()
	l.connected.Store(false)
	l.cancel()
}

func (b *Bridge) post(fn func()) {
	if !b.looper.Post(fn) {
		b.logger.Debug("looper stopped; event dropped")
	}
}

// run dials, then reads until the connection ends. It is the only
// goroutine that reports connection lifecycle events.
func (b *Bridge) run(l *link) {
	ws, resp, err := b.dialer.DialContext(l.ctx, l.url, b.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		b.detach(l)
		if l.closing.Load() {
			b.post(func() { b.listener.OnDisconnected(clientClosedReason) })
			return
		}
		b.logger.Error("connection failed", "url", l.url, "error", err)
		text := err.Error()
		b.post(func() { b.listener.OnError(text) })
		return
	}

	if !l.attach(ws) {
		_ = ws.Close()
		b.detach(l)
		b.post(func() { b.listener.OnDisconnected(clientClosedReason) })
		return
	}

	l.connected.Store(true)
	b.logger.Info("websocket opened", "url", l.url)
	b.post(b.listener.OnConnected)

	go b.writePump(l, ws)
	reason := b.readLoop(l, ws)

	b.detach(l)
	_ = ws.Close()
	b.logger.Info("websocket closed", "reason", reason)
	b.post(func() { b.listener.OnDisconnected(reason) })
}

func (b *Bridge) readLoop(l *link, ws *websocket.Conn) string {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return closeReason(l, err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			b.logger.Warn("undecodable message", "error", err)
			text := err.Error()
			b.post(func() { b.listener.OnError(text) })
			continue
		}
		b.post(func() { b.listener.OnMessage(env) })
	}
}

func (b *Bridge) writePump(l *link, ws *websocket.Conn) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case frame := <-l.out:
			err := ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err == nil {
				err = ws.WriteMessage(websocket.TextMessage, frame)
			}
			if err != nil {
				b.logger.Warn("error sending message", "error", err)
			}
		}
	}
}

func closeReason(l *link, err error) string {
	if l.closing.Load() {
		return clientClosedReason
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return serverClosedPrefix + ce.Text
	}
	return err.Error()
}

// attach records the dialed socket. It fails if Disconnect won the race.
func (l *link) attach(ws *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing.Load() {
		return false
	}
	l.ws = ws
	return true
}

// shutdown sends a close frame and releases the socket.
func (l *link) shutdown() {
	l.mu.Lock()
	ws := l.ws
	l.mu.Unlock()
	if ws == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	_ = ws.Close()
}
