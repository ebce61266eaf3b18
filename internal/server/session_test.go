package server

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/protocol"
)

func serveFake(t *testing.T, hub *Hub) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	hub.Serve(conn)
	conn.waitEnvelopes(t, 1)
	require.Eventually(t, func() bool { return hub.Registry().Contains(conn) },
		time.Second, 5*time.Millisecond)
	return conn
}

func lastEnvelope(t *testing.T, conn *fakeConn, n int) protocol.Envelope {
	t.Helper()
	got := conn.waitEnvelopes(t, n)
	return got[n-1]
}

func TestSessionMalformedFrameIsPrivateAndRecoverable(t *testing.T) {
	req := require.New(t)
	hub := startHub(t, *NewConfig())
	a := serveFake(t, hub)
	b := serveFake(t, hub)
	aCount := len(a.waitEnvelopes(t, 2))
	bCount := len(b.envelopes(t))

	// When A sends garbage and a chat missing its content
	a.deliver("{not json")
	a.deliver(`{"sender":"A"}`)

	// Then only A hears about it
	first := lastEnvelope(t, a, aCount+1)
	req.Equal(protocol.KindError, first.Kind)
	req.Equal("Invalid message format", first.Text)
	second := lastEnvelope(t, a, aCount+2)
	req.Equal(protocol.KindError, second.Kind)

	// And the session keeps going
	a.deliver(`{"content":"still here","sender":"A"}`)
	echo := lastEnvelope(t, b, bCount+1)
	req.Equal(protocol.KindChat, echo.Kind)
	req.Equal("still here", echo.Content)
	req.Len(b.envelopes(t), bCount+1, "B never saw the malformed frames")
	req.False(a.isClosed())
}

func TestSessionChatEchoesToSender(t *testing.T) {
	req := require.New(t)
	hub := startHub(t, *NewConfig())
	a := serveFake(t, hub)
	n := len(a.envelopes(t))

	a.deliver(`{"content":"hi"}`)

	echo := lastEnvelope(t, a, n+1)
	req.Equal(protocol.KindChat, echo.Kind)
	req.Equal(protocol.DefaultSender, echo.Sender)
	req.Equal("hi", echo.Content)
}

func TestSessionRateLimit(t *testing.T) {
	req := require.New(t)
	cfg := *NewConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	hub := startHub(t, cfg)
	a := serveFake(t, hub)
	n := len(a.envelopes(t))

	a.deliver(`{"content":"one","sender":"A"}`)
	a.deliver(`{"content":"two","sender":"A"}`)

	req.Equal(protocol.KindChat, lastEnvelope(t, a, n+1).Kind)
	limited := lastEnvelope(t, a, n+2)
	req.Equal(protocol.KindError, limited.Kind)
	req.Equal("Rate limit exceeded", limited.Text)
}

// TestSessionTerminationUnregistersOnce closes the transport and expects a
// single departure notice, however often termination is triggered.
func TestSessionTerminationUnregistersOnce(t *testing.T) {
	req := require.New(t)
	hub := startHub(t, *NewConfig())
	b := serveFake(t, hub)

	a := newFakeConn()
	session := NewSession(hub, a)
	done := make(chan struct{})
	go func() {
		session.Run()
		close(done)
	}()
	a.waitEnvelopes(t, 1)
	bCount := len(b.waitEnvelopes(t, 2))

	a.Close()
	<-done
	session.terminate()
	session.terminate()

	departure := lastEnvelope(t, b, bCount+1)
	req.Equal("Client left. Total: 1", departure.Text)
	req.Equal(1, hub.ClientCount())
	req.False(hub.Registry().Contains(a))

	time.Sleep(50 * time.Millisecond)
	req.Len(b.envelopes(t), bCount+1)
}

func TestSessionStates(t *testing.T) {
	req := require.New(t)
	hub := startHub(t, *NewConfig())
	conn := newFakeConn()
	session := NewSession(hub, conn)
	req.Equal(StateAccepted, session.State())

	done := make(chan struct{})
	go func() {
		session.Run()
		close(done)
	}()

	req.Eventually(func() bool { return session.State() == StateReceiving }, time.Second, 5*time.Millisecond)
	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("session did not stop")
	}
	req.Equal(StateTerminated, session.State())
	req.Equal("terminated", session.State().String())
}

// TestSessionErrorReplyFailureUnregistersBeforeClose ends a session whose
// error reply cannot be queued and expects the connection to leave the
// registry before its transport is closed.
func TestSessionErrorReplyFailureUnregistersBeforeClose(t *testing.T) {
	req := require.New(t)
	hub := startHub(t, *NewConfig())
	b := serveFake(t, hub)

	a := newFakeConn()
	var memberAtClose atomic.Bool
	a.onClose = func() { memberAtClose.Store(hub.Registry().Contains(a)) }
	hub.Serve(a)
	a.waitEnvelopes(t, 1)
	req.Eventually(func() bool { return hub.Registry().Contains(a) }, time.Second, 5*time.Millisecond)
	bCount := len(b.waitEnvelopes(t, 2))

	// When A's queue is full and it sends garbage
	a.failSends(ErrSendQueueFull)
	a.deliver("garbage")

	// Then the session ends with removal ahead of the close
	req.Eventually(a.isClosed, time.Second, 5*time.Millisecond)
	req.False(memberAtClose.Load(), "connection still registered when closed")
	req.Eventually(func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	departure := lastEnvelope(t, b, bCount+1)
	req.Equal("Client left. Total: 1", departure.Text)
	req.Len(b.envelopes(t), bCount+1, "B never saw the garbage")
}

func TestSessionDuplicateConnectionIsIgnored(t *testing.T) {
	hub := startHub(t, *NewConfig())
	a := serveFake(t, hub)

	// A second session on the same connection leaves the first alone.
	NewSession(hub, a).Run()

	assert.False(t, a.isClosed())
	assert.True(t, hub.Registry().Contains(a))
}

func TestSessionRegistrationRefusedAfterShutdown(t *testing.T) {
	hub := NewHub(*NewConfig(), WithLogger(discardLogger()))
	go hub.Run()
	require.NoError(t, hub.Shutdown(time.Second))

	conn := newFakeConn()
	session := NewSession(hub, conn)
	session.Run()

	assert.True(t, conn.isClosed())
	assert.Equal(t, StateTerminated, session.State())
}

func TestStateStringUnknown(t *testing.T) {
	assert.Equal(t, "unknown", State(42).String())
}
