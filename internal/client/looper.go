package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrLooperRunning is returned by Run when the looper is already running.
var ErrLooperRunning = errors.New("looper already running")

// Looper is a single delivery context: callbacks posted from any goroutine
// run one at a time, in FIFO order, on the goroutine that calls Run. The
// queue is unbounded.
type Looper struct {
	mu       sync.Mutex
	queue    []func()
	quitting bool

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	logger   *slog.Logger
}

// NewLooper returns an idle looper. logger may be nil.
func NewLooper(logger *slog.Logger) *Looper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Looper{
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post queues fn. It never blocks and is safe to call while the looper is
// draining. It reports false once Quit has been called.
func (l *Looper) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.quitting {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued callbacks.
func (l *Looper) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run executes posted callbacks on the calling goroutine until Quit is
// called, after which the remaining queue is drained and Run returns nil.
// If ctx is cancelled first, Run discards the queue, refuses further posts
// and returns ctx.Err().
func (l *Looper) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLooperRunning
	}
	defer close(l.done)

	for {
		l.drain()

		select {
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		case <-l.quit:
			l.drain()
			return nil
		case <-l.wake:
		}
	}
}

// Start runs the looper on a new goroutine.
func (l *Looper) Start() {
	go func() {
		if err := l.Run(context.Background()); err != nil {
			l.logger.Warn("looper stopped", "error", err)
		}
	}()
}

// Quit stops accepting callbacks. Callbacks already posted still run.
func (l *Looper) Quit() {
	l.quitOnce.Do(func() {
		l.mu.Lock()
		l.quitting = true
		l.mu.Unlock()
		close(l.quit)
	})
}

// abandon stops accepting callbacks and drops those that will never run.
func (l *Looper) abandon() {
	l.mu.Lock()
	l.quitting = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Warn("looper cancelled; callbacks dropped", "count", dropped)
	}
}

// Done is closed when Run returns.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

func (l *Looper) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
	}
}

func (l *Looper) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("looper callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
