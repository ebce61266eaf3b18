package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/protocol"
)

// State is a step in a session's lifecycle.
type State int32

// Session states, in lifecycle order.
const (
	StateAccepted State = iota
	StateRegistered
	StateReceiving
	StateErrorRecoverable
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateRegistered:
		return "registered"
	case StateReceiving:
		return "receiving"
	case StateErrorRecoverable:
		return "error-recoverable"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session binds one Connection to the hub for as long as the connection
// lives. Registration and unregistration happen exactly once each.
type Session struct {
	hub     *Hub
	conn    Connection
	limiter *tokenBucket
	logger  *slog.Logger

	state         atomic.Int32
	terminateOnce sync.Once
}

// NewSession creates a session for conn in the ACCEPTED state.
func NewSession(h *Hub, conn Connection) *Session {
	return &Session{
		hub:     h,
		conn:    conn,
		limiter: newTokenBucket(h.cfg.RateLimit, time.Now),
		logger:  h.logger.With("conn_id", conn.ID(), "remote", conn.RemoteAddr()),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run registers the connection, then reads frames until the transport fails
// or a rejection cannot be reported. On return the connection has been
// unregistered and then closed.
func (s *Session) Run() {
	if err := s.hub.Register(s.conn); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			s.logger.Warn("connection already has a session; ignoring")
			return
		}
		s.logger.Info("registration refused", "error", err)
		s.setState(StateTerminated)
		s.closeConn()
		return
	}
	s.setState(StateRegistered)
	defer s.terminate()

	s.setState(StateReceiving)
	for {
		frame, err := s.conn.Receive()
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.hub.metrics.frameReceived()
		if !s.handleFrame(frame) {
			return
		}
	}
}

// handleFrame classifies one inbound frame. Rejected frames are answered
// privately and never reach other clients. It reports false when the
// session must end.
func (s *Session) handleFrame(frame []byte) bool {
	if ok, retryAfter := s.limiter.take(); !ok {
		s.logger.Warn("rate limit exceeded; discarding message",
			"burst", s.hub.cfg.RateLimit.Burst, "retry_after", retryAfter)
		return s.reject("rate_limited", rateLimitedText)
	}

	req, err := protocol.DecodeChat(frame)
	if err != nil {
		s.logger.Info("invalid message", "error", err)
		return s.reject("malformed", invalidFrameText)
	}

	s.logger.Debug("received message", "sender", req.Sender, "bytes", len(frame))
	if err := s.hub.Chat(req); err != nil {
		s.logger.Info("message dropped", "error", err)
	}
	return true
}

// reject answers the sender with a private error. If the reply cannot be
// queued the session ends, leaving teardown to terminate.
func (s *Session) reject(reason, text string) bool {
	s.setState(StateErrorRecoverable)
	s.hub.metrics.frameRejected(reason)

	frame, err := protocol.Encode(protocol.NewError(text, s.hub.Now()))
	if err == nil {
		err = s.conn.Send(frame)
	}
	if err != nil {
		s.logger.Warn("error reply not delivered; ending session", "error", err)
		return false
	}
	s.setState(StateReceiving)
	return true
}

// handleReadError logs the reason a read ended.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Info("message exceeded maximum size", "limit", s.hub.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Info("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.logger.Warn("unexpected websocket error", "error", err)
	default:
		s.logger.Warn("websocket read error", "error", err)
	}
}

// terminate unregisters the connection, which broadcasts the departure, and
// then releases it.
func (s *Session) terminate() {
	s.terminateOnce.Do(func() {
		s.setState(StateTerminated)
		s.hub.Unregister(s.conn)
		s.closeConn()
	})
}

func (s *Session) closeConn() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing connection", "error", err)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
