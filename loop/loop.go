package loop

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/tether/tmr"
)

var _ tmr.Scheduler = &Loop{}

// Loop executes posted functions one by one on a single goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	notify  chan struct{}
	stopped bool
}

// New creates loop.
func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
	}
}

// Post enqueues f. Once the loop has stopped, f runs on the caller's goroutine.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		f()
		return
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// AfterFunc posts f after d elapses.
func (l *Loop) AfterFunc(d time.Duration, f func()) tmr.Handle {
	return time.AfterFunc(d, func() {
		l.Post(f)
	})
}

// Run runs the loop until context is canceled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()

	for {
		for _, f := range l.take() {
			f()
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-l.notify:
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queue
	l.queue = nil
	return q
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	q := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, f := range q {
		f()
	}
}
