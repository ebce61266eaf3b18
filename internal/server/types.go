// Package server defines shared error values and utility helpers that are
// reused across connection, session and hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrConnectionClosed is returned by Send once a connection is closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned by Send when the outbound queue is at
	// capacity. The hub treats it as a slow consumer and disconnects it.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrHubStopped is returned when the hub no longer accepts requests.
	ErrHubStopped = errors.New("hub stopped")
	// ErrAlreadyRegistered is returned when a connection is registered twice.
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// Texts the server sends to clients.
const (
	healthText       = "Relay server is running!"
	welcomeText      = "Connected to server"
	joinTextFormat   = "New client joined. Total: %d"
	leaveTextFormat  = "Client left. Total: %d"
	shutdownText     = "Server shutting down"
	invalidFrameText = "Invalid message format"
	rateLimitedText  = "Rate limit exceeded"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
