package server

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/protocol"
)

var fakeConnSeq atomic.Int64

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory Connection. Frames pushed with deliver are
// returned by Receive; sent frames are recorded.
type fakeConn struct {
	id    string
	inbox chan []byte

	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
	// onClose, when set before use, runs on the first Close only.
	onClose func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:     fmt.Sprintf("fake-%d", fakeConnSeq.Add(1)),
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "10.0.0.1:" + c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case frame := <-c.inbox:
		return frame, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeCalls.Add(1)
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) deliver(frame string) {
	c.inbox <- []byte(frame)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(c.sent))
	for _, frame := range c.sent {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// waitEnvelopes waits until c has received at least n envelopes.
func (c *fakeConn) waitEnvelopes(t *testing.T, n int) []protocol.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.sent) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d envelopes on %s", n, c.id)
	return c.envelopes(t)
}
