// Package loop implements the single-threaded event loop of a node.
//
// Every mutation of cluster, pipeline and syncer state happens inside a task
// executed by Run. Other goroutines (stream readers, dialers, the maintenance
// worker, timers) never touch that state directly: they Post a task instead.
// Timers are driven by a clock.Clock so tests can advance time with a mock.
package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRep/lib/util"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("loop")

// ErrStopped is returned by Run after Stop was called
var ErrStopped = errors.New("event loop stopped")

// Task is a unit of work executed on the loop goroutine
type Task func()

// Loop serializes tasks posted from any goroutine onto one goroutine
type Loop struct {
	inbox   *util.MPSC[Task]
	clock   clock.Clock
	running atomic.Bool
	done    chan struct{}
}

// New creates a loop using clk for timers, nil means the wall clock
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		inbox: util.NewMPSC[Task](),
		clock: clk,
		done:  make(chan struct{}),
	}
}

// Clock returns the clock driving the loop timers
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post schedules fn on the loop. It never blocks and returns false once the loop
// is stopped.
func (l *Loop) Post(fn func()) bool {
	t := Task(fn)
	return l.inbox.Push(&t)
}

// AfterFunc runs fn on the loop once d has elapsed. Stopping the returned timer
// before it fires cancels fn.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *clock.Timer {
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}

// Every runs fn on the loop every d until the returned stop function is called
// or the loop ends.
func (l *Loop) Every(d time.Duration, fn func()) (stop func()) {
	ticker := l.clock.Ticker(d)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if !l.Post(fn) {
					ticker.Stop()
					return
				}
			case <-quit:
				ticker.Stop()
				return
			case <-l.done:
				ticker.Stop()
				return
			}
		}
	}()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(quit)
		}
	}
}

// Run executes tasks until ctx is cancelled or Stop is called. Tasks still
// queued when the loop stops are executed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.inbox.Close()
			l.drain()
			return ctx.Err()
		case t, ok := <-l.inbox.Recv():
			if !ok {
				return ErrStopped
			}
			l.exec(*t)
		}
	}
}

// Stop rejects further tasks, Run returns after the queued ones ran
func (l *Loop) Stop() {
	l.inbox.Close()
}

// Done is closed when Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Sync posts fn and waits until it ran. It must not be called from the loop
// goroutine itself.
func (l *Loop) Sync(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loop) drain() {
	for t := range l.inbox.Recv() {
		l.exec(*t)
	}
}

// exec runs one task, a panicking task is logged and does not take the loop down
func (l *Loop) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("CRITICAL: task panicked: %v", r)
		}
	}()
	t()
}
