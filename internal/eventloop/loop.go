// Package eventloop provides the single cooperative execution context on
// which all license and session state is mutated. Work submitted from any
// goroutine runs serially, in submission order, on the loop goroutine.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"cutclip/internal/infrastructure"
)

// ErrClosed is returned when work is submitted after the loop stopped.
var ErrClosed = errors.New("event loop closed")

// Loop is a FIFO executor backed by one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	running bool
	logger  *slog.Logger
}

// New creates a loop. Call Run to start processing.
func New(logger *slog.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: infrastructure.WithComponent(logger, "eventloop"),
	}
}

// Post enqueues fn without waiting. It reports false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
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

// Do runs fn on the loop and waits for it to finish. Calling Do from the
// loop goroutine itself deadlocks; use Post there.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have drained fn before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes work until ctx is cancelled. Work still queued at that point
// is dropped. Run must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.closed {
		l.mu.Unlock()
		return errors.New("event loop already started")
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.closed = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
		if dropped > 0 {
			l.logger.Debug("event loop stopped with pending work", slog.Int("dropped", dropped))
		}
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return nil
			}
			l.run(fn)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("panic in event loop task", slog.Any("panic", rec))
		}
	}()
	fn()
}
