// Package dispatch provides delivery contexts for change notifications.
// A producer on any goroutine hands a callback to a Sink; the Sink decides
// where it runs. Inline runs it on the caller, Loop marshals it onto one
// dedicated goroutine (the equivalent of a UI thread).
package dispatch

import (
	"sync"

	"go.uber.org/zap"
)

// Sink accepts zero-argument callbacks and runs them on its execution
// context. Post must not block the caller indefinitely.
type Sink interface {
	Post(fn func())
}

type inline struct{}

func (inline) Post(fn func()) {
	if fn != nil {
		fn()
	}
}

// Inline runs callbacks synchronously on the posting goroutine.
var Inline Sink = inline{}

// OrInline returns s, or Inline when s is nil.
func OrInline(s Sink) Sink {
	if s == nil {
		return Inline
	}
	return s
}

// Loop runs posted callbacks in order on a single goroutine. The queue is
// unbounded so Post never waits on a slow consumer.
type Loop struct {
	log *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts the delivery goroutine. Callers must Close the loop.
func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn. Callbacks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Debug("dispatch loop closed; callback dropped")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Sync blocks until every callback posted before it has run. It returns
// immediately on a closed loop.
func (l *Loop) Sync() {
	ch := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, func() { close(ch) })
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	select {
	case <-ch:
	case <-l.done:
	}
}

// Close stops accepting callbacks, runs what is already queued, and waits
// for the delivery goroutine to exit. Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			for _, fn := range batch {
				l.invoke(fn)
			}
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatch callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
