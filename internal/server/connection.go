//go:generate go run go.uber.org/mock/mockgen -source=connection.go -destination=../mocks/mock_connection.go -package=mocks

package server

// Connection is one live duplex channel to a client. The hub observes and
// removes connections but never owns the underlying transport.
//
// Send must not block: it either queues the frame for delivery or fails.
// Receive is called from a single goroutine and returns the next inbound
// frame; it fails once the connection is closed. Close is idempotent and
// unblocks a pending Receive promptly.
type Connection interface {
	ID() string
	RemoteAddr() string
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}
