package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/testhelpers"
)

func TestLooperRunsCallbacksInOrderWithoutOverlap(t *testing.T) {
	req := require.New(t)
	looper := NewLooper(testhelpers.DiscardLogger())
	looper.Start()
	defer looper.Quit()

	const producers, perProducer = 8, 200
	var active atomic.Int32
	var overlapped atomic.Bool
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	outOfOrder := false
	var executed atomic.Int32

	// Given several goroutines posting concurrently
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := 0; seq < perProducer; seq++ {
				assert.True(t, looper.Post(func() {
					if active.Add(1) > 1 {
						overlapped.Store(true)
					}
					if seq != last[p]+1 {
						outOfOrder = true
					}
					last[p] = seq
					executed.Add(1)
					active.Add(-1)
				}))
			}
		}()
	}
	wg.Wait()

	// Then every callback runs, one at a time, in each producer's order
	req.Eventually(func() bool {
		return executed.Load() == producers*perProducer
	}, 3*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	looper.Post(func() { close(done) })
	<-done
	req.False(overlapped.Load())
	req.False(outOfOrder)
}

func TestLooperQuitDrainsPendingCallbacks(t *testing.T) {
	req := require.New(t)
	looper := NewLooper(testhelpers.DiscardLogger())

	// Given callbacks posted before the looper runs
	var ran []int
	for i := 0; i < 3; i++ {
		req.True(looper.Post(func() { ran = append(ran, i) }))
	}
	req.Equal(3, looper.Pending())

	// When it is asked to quit
	looper.Quit()
	req.False(looper.Post(func() { ran = append(ran, 99) }))

	// Then Run still delivers what was queued and returns
	req.NoError(looper.Run(context.Background()))
	req.Equal([]int{0, 1, 2}, ran)
	req.Zero(looper.Pending())

	select {
	case <-looper.Done():
	default:
		req.Fail("Done not closed after Run returned")
	}
}

func TestLooperRunTwice(t *testing.T) {
	looper := NewLooper(testhelpers.DiscardLogger())
	looper.Start()
	defer looper.Quit()

	require.Eventually(t, func() bool {
		return looper.running.Load()
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, looper.Run(context.Background()), ErrLooperRunning)
}

func TestLooperStopsOnContextCancel(t *testing.T) {
	looper := NewLooper(testhelpers.DiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- looper.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Nothing posted afterwards is kept, since nothing would run it
	assert.False(t, looper.Post(func() {}))
	assert.Zero(t, looper.Pending())
}

func TestLooperRefusesPostsAfterCancel(t *testing.T) {
	req := require.New(t)
	looper := NewLooper(testhelpers.DiscardLogger())

	// Given a callback queued before a run whose context is already cancelled
	ran := 0
	req.True(looper.Post(func() { ran++ }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When Run starts
	err := looper.Run(ctx)

	// Then what was queued ran once and later posts are refused, not queued
	req.ErrorIs(err, context.Canceled)
	req.Equal(1, ran)
	for i := 0; i < 10; i++ {
		req.False(looper.Post(func() { ran++ }))
	}
	req.Zero(looper.Pending())
	req.Equal(1, ran)
}

func TestLooperSurvivesPanickingCallback(t *testing.T) {
	looper := NewLooper(testhelpers.DiscardLogger())
	looper.Start()
	defer looper.Quit()

	done := make(chan struct{})
	looper.Post(func() { panic("boom") })
	looper.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback after panic never ran")
	}
}

func TestLooperPostNil(t *testing.T) {
	looper := NewLooper(nil)
	assert.False(t, looper.Post(nil))
	assert.Zero(t, looper.Pending())
}
