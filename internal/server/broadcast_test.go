package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/relay/internal/mocks"
	"github.com/Tyrowin/relay/internal/protocol"
)

func newMockConn(ctrl *gomock.Controller, id string) *mocks.MockConnection {
	conn := mocks.NewMockConnection(ctrl)
	conn.EXPECT().ID().Return(id).AnyTimes()
	conn.EXPECT().RemoteAddr().Return("192.0.2.1:" + id).AnyTimes()
	return conn
}

func TestBroadcastEncodesOnceAndSkipsExcluded(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	registry := NewRegistry()
	engine := NewEngine(registry, discardLogger(), nil)

	frames := make(chan []byte, 2)
	capture := func(frame []byte) error {
		frames <- frame
		return nil
	}

	// Given three members, one of them excluded
	a, b, excluded := newMockConn(ctrl, "a"), newMockConn(ctrl, "b"), newMockConn(ctrl, "c")
	a.EXPECT().Send(gomock.Any()).DoAndReturn(capture).Times(1)
	b.EXPECT().Send(gomock.Any()).DoAndReturn(capture).Times(1)
	registry.Add(a)
	registry.Add(b)
	registry.Add(excluded)

	env := protocol.NewSystem("New client joined. Total: 3", 3, time.Now())

	// When broadcasting
	report, err := engine.Broadcast(context.Background(), env, excluded)

	// Then both others get the very same buffer
	req.NoError(err)
	req.Equal(2, report.Targets)
	req.Equal(2, report.Delivered)
	req.Empty(report.Failed)

	first, second := <-frames, <-frames
	req.Same(&first[0], &second[0])

	decoded, err := protocol.Decode(first)
	req.NoError(err)
	req.Equal(env.Text, decoded.Text)
}

func TestBroadcastEvictsFailedConnection(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	registry := NewRegistry()
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	engine := NewEngine(registry, discardLogger(), metrics)

	healthy1, healthy2, slow := newMockConn(ctrl, "h1"), newMockConn(ctrl, "h2"), newMockConn(ctrl, "slow")
	healthy1.EXPECT().Send(gomock.Any()).Return(nil).Times(1)
	healthy2.EXPECT().Send(gomock.Any()).Return(nil).Times(1)

	closed := make(chan struct{})
	// Given a member whose queue is full
	slow.EXPECT().Send(gomock.Any()).Return(ErrSendQueueFull).Times(1)
	slow.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	}).Times(1)

	registry.Add(healthy1)
	registry.Add(healthy2)
	registry.Add(slow)

	// When a chat is broadcast with no exclusion
	report, err := engine.Broadcast(context.Background(),
		protocol.NewChat("A", "hi", time.Now()), nil)

	// Then the others still receive it and the slow one is gone
	req.NoError(err)
	req.Equal(3, report.Targets)
	req.Equal(2, report.Delivered)
	req.Len(report.Failed, 1)
	req.Equal("slow", report.Failed[0].ID())
	req.False(registry.Contains(slow))
	req.Equal(2, registry.Len())

	select {
	case <-closed:
	case <-time.After(time.Second):
		req.Fail("evicted connection was not closed")
	}

	req.Equal(float64(1), testutil.ToFloat64(metrics.deliveryFailures.WithLabelValues("queue_full")))
	req.Equal(float64(2), testutil.ToFloat64(metrics.deliveriesTotal))
	req.Equal(float64(1), testutil.ToFloat64(metrics.broadcastsTotal.WithLabelValues("chat")))
}

func TestBroadcastAlreadyRemovedIsNotClosedTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := NewRegistry()
	engine := NewEngine(registry, discardLogger(), nil)

	gone := newMockConn(ctrl, "gone")
	registry.Add(gone)

	// The session removes the connection while the send is in flight.
	gone.EXPECT().Send(gomock.Any()).DoAndReturn(func([]byte) error {
		registry.Remove(gone)
		return ErrConnectionClosed
	}).Times(1)
	gone.EXPECT().Close().Times(0)

	report, err := engine.Broadcast(context.Background(), protocol.NewChat("A", "hi", time.Now()), nil)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
}

func TestBroadcastEncodeFailureSendsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := NewRegistry()
	engine := NewEngine(registry, discardLogger(), nil)

	conn := newMockConn(ctrl, "a")
	conn.EXPECT().Send(gomock.Any()).Times(0)
	registry.Add(conn)

	_, err := engine.Broadcast(context.Background(), protocol.Envelope{Kind: "bogus"}, nil)
	require.Error(t, err)
}

func TestBroadcastEmptyRegistry(t *testing.T) {
	engine := NewEngine(NewRegistry(), nil, nil)

	report, err := engine.Broadcast(context.Background(), protocol.NewChat("A", "hi", time.Now()), nil)
	require.NoError(t, err)
	require.Zero(t, report.Targets)
}
