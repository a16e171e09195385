// Package reactor implements the single-threaded, cooperative event loop
// every Context and Port is bound to (spec.md §5, §9 "cross-thread async
// with implicit main-context capture" redesign note).
//
// Rather than modeling an implicit "current" main context the way the
// original GLib-based source did, every Reactor is an explicit handle
// created once and passed to whatever it owns. Context.Connect and
// Context.Disconnect post their state transitions through PostWait, and
// Port.GetSocketPair hands its socket reads to AttachReader, whose
// callbacks run on the goroutine started by New, matching the teacher's
// channel-drained sendLoop in transport/api.go. Other field updates
// (Port peer lists, the socket a Port holds, Context handles cleared on
// Disconnect) happen on the caller's goroutine under the owner's mutex.
package reactor

import (
	"sync"

	"github.com/pinos-project/pinosclient/internal/nlog"
)

// Reactor is a FIFO task queue drained by one dedicated goroutine.
type Reactor struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
}

// New starts a Reactor's run loop and returns a handle to it. Callers
// must call Stop when done to release the goroutine.
func New() *Reactor {
	r := &Reactor{
		tasks:  make(chan func(), 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reactor) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.closed:
			// Drain whatever is already queued so posted cleanup (e.g.
			// disconnect completions) still runs before the loop exits.
			for {
				select {
				case fn := <-r.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the reactor goroutine, in FIFO order
// relative to every other Post call. Safe to call from any goroutine.
func (r *Reactor) Post(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.closed:
		nlog.Warningln("reactor: post after Stop, dropping task")
	}
}

// PostWait enqueues fn and blocks until it has run. Useful in tests that
// need a deterministic synchronization point with the reactor goroutine.
func (r *Reactor) PostWait(fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// Stop signals the run loop to drain and exit. It does not block; use
// Wait to block until the goroutine has actually exited.
func (r *Reactor) Stop() {
	r.once.Do(func() { close(r.closed) })
}

// Wait blocks until the run loop goroutine has exited.
func (r *Reactor) Wait() { <-r.done }
