// Package eventloop runs the work of one room session on a single logical
// thread. Blocking calls run elsewhere and post their results back; timers and
// subscriptions are tracked so that Close leaves nothing behind.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ErrClosed is returned when work is posted to a closed loop.
var ErrClosed = errors.New("event loop closed")

// Loop is a FIFO task queue drained by one goroutine.
type Loop struct {
	name  string
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []func()
	closed bool
	timers map[*Timer]struct{}
	subs   map[uint64]context.CancelFunc
	nextID uint64

	wake chan struct{}
	done chan struct{}
}

// New starts a loop. The name is only used for logging.
func New(name string, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		name:   name,
		clock:  clk,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*Timer]struct{}),
		subs:   make(map[uint64]context.CancelFunc),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Clock returns the clock timers are scheduled on.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Context is cancelled when the loop closes.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post queues fn. It reports false if the loop is closed.
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

// Do queues fn and waits until it ran. It must not be called from the loop.
func (l *Loop) Do(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("[loop %s] task panicked: %v", l.name, r)
		}
	}()
	fn()
}

// Timer is a tracked one-shot timer whose callback runs on the loop.
type Timer struct {
	loop *Loop
	t    *clock.Timer
}

// Stop cancels the timer. It is safe to call more than once.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.loop.mu.Lock()
	delete(t.loop.timers, t)
	t.loop.mu.Unlock()
	t.t.Stop()
}

// AfterFunc runs fn on the loop after d. It returns nil on a closed loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	t := &Timer{loop: l}
	t.t = l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		_, live := l.timers[t]
		delete(l.timers, t)
		l.mu.Unlock()
		if live {
			l.Post(fn)
		}
	})
	l.timers[t] = struct{}{}
	return t
}

// Subscribe derives a context for a live subscription. The subscription ends
// when release is called or the loop closes, whichever comes first.
func (l *Loop) Subscribe() (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(l.ctx)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return ctx, func() {}
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = cancel
	l.mu.Unlock()

	return ctx, func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		cancel()
	}
}

// PendingTimers returns the number of timers that have not fired or been
// stopped.
func (l *Loop) PendingTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// ActiveSubscriptions returns the number of live subscriptions.
func (l *Loop) ActiveSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops every timer, ends every subscription and drops queued tasks.
// It may be called from inside a task.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	timers := l.timers
	subs := l.subs
	l.timers = make(map[*Timer]struct{})
	l.subs = make(map[uint64]context.CancelFunc)
	l.queue = nil
	l.mu.Unlock()

	for t := range timers {
		t.t.Stop()
	}
	for _, cancel := range subs {
		cancel()
	}
	l.cancel()
	jww.DEBUG.Printf("[loop %s] closed: stopped %d timers, %d subscriptions",
		l.name, len(timers), len(subs))
}

// Async runs work off the loop and delivers its result to done on the loop.
// done is dropped if the loop closed in the meantime.
func Async[T any](l *Loop, work func(ctx context.Context) (T, error), done func(T, error)) {
	ctx := l.ctx
	go func() {
		v, err := work(ctx)
		l.Post(func() { done(v, err) })
	}()
}
