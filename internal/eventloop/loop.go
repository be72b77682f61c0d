// Package eventloop runs posted steps one at a time on a single goroutine.
package eventloop

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Do when the loop is no longer accepting work.
var ErrStopped = errors.New("eventloop: stopped")

const defaultQueueSize = 256

// Scheduler accepts steps for serialized execution. Post reports false when
// the step was not accepted.
type Scheduler interface {
	Post(step func()) bool
}

// Loop executes posted steps in FIFO order on the goroutine that calls Run.
type Loop struct {
	mu      sync.Mutex
	queue   chan func()
	stopped bool
	done    chan struct{}
	logger  *zap.Logger
}

// New constructs a Loop with the given queue capacity.
func New(queueSize int, logger *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run drains the queue until ctx is cancelled. Steps still queued at
// cancellation are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			return
		case step := <-l.queue:
			l.execute(step)
		}
	}
}

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues step. It blocks while the queue is full and returns false
// once the loop has stopped.
func (l *Loop) Post(step func()) bool {
	if step == nil {
		return false
	}
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case l.queue <- step:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and waits for it to complete on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (l *Loop) execute(step func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("event loop step panicked", zap.Any("panic", recovered))
		}
	}()
	step()
}

// Inline runs every step immediately on the caller's goroutine.
type Inline struct{}

// Post implements Scheduler.
func (Inline) Post(step func()) bool {
	if step == nil {
		return false
	}
	step()
	return true
}
