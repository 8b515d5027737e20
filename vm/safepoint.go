package vm

// Safepoint coordination for GC pauses, preemption, and cancellation
// (spec §4.4 "Asynchronous preemption", §4.5 "Stop-the-world"). Each
// worker carries one set of atomic request flags, checked at back
// edges, calls, returns and blocking ops; grounded on the teacher's
// nonBlockingChan/atomic-flag style in devices.go (systemTimer's
// shutdown flag), generalized from one flag to the four independent
// reasons a worker must leave the hot loop.

import "sync/atomic"

// StopReason names why a worker left (or must leave) its dispatch
// loop at the next safepoint.
type StopReason int32

const (
	StopNone StopReason = iota
	StopGC
	StopPreempted
	StopCancelled
	StopShutdown
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopGC:
		return "gc"
	case StopPreempted:
		return "preempted"
	case StopCancelled:
		return "cancelled"
	case StopShutdown:
		return "shutdown"
	default:
		return "?unknown?"
	}
}

// safepointFlags is one worker's request state. A flag is set by any
// goroutine (the reactor, the GC coordinator, a cancelling task) and
// cleared only by the owning worker once it has acted on it.
type safepointFlags struct {
	gcRequest       atomic.Bool
	preemptRequest  atomic.Bool
	stopRequest     atomic.Bool
	cancelRequested atomic.Bool
}

// Check returns the highest-priority pending reason, or StopNone if
// the worker may keep running. GC and shutdown outrank preemption and
// cancellation: a collection must not be starved by a busy task, and
// a shutting-down runtime must not wait out a live task's preemption
// budget.
func (f *safepointFlags) Check() StopReason {
	switch {
	case f.stopRequest.Load():
		return StopShutdown
	case f.gcRequest.Load():
		return StopGC
	case f.cancelRequested.Load():
		return StopCancelled
	case f.preemptRequest.Load():
		return StopPreempted
	default:
		return StopNone
	}
}

// SafepointCoordinator fans requests out to every registered worker's
// flags, used by the GC (heap.go's Collect caller) and by
// Runtime.Shutdown. Acknowledgement that every worker has actually
// left its dispatch loop is the caller's job (runtime.go's collect
// polls Worker.busy), not this type's: a worker with no task to run at
// all never touches these flags and needs no acknowledgement step.
type SafepointCoordinator struct {
	workers []*safepointFlags
}

// NewSafepointCoordinator builds a coordinator for n workers.
func NewSafepointCoordinator(n int) *SafepointCoordinator {
	c := &SafepointCoordinator{workers: make([]*safepointFlags, n)}
	for i := range c.workers {
		c.workers[i] = &safepointFlags{}
	}
	return c
}

// Flags returns the flag set a given worker index should poll at its
// own safepoints.
func (c *SafepointCoordinator) Flags(worker int) *safepointFlags {
	return c.workers[worker]
}

// RequestGC sets the GC flag on every worker. The caller (runtime.go's
// collect) is responsible for waiting until every worker has gone
// non-busy before calling Heap.Collect.
func (c *SafepointCoordinator) RequestGC() {
	for _, f := range c.workers {
		f.gcRequest.Store(true)
	}
}

// ClearGC clears the GC flag on every worker once a collection has
// finished and workers may resume.
func (c *SafepointCoordinator) ClearGC() {
	for _, f := range c.workers {
		f.gcRequest.Store(false)
	}
}

// RequestShutdown sets the stop flag on every worker, which outranks
// every other reason and is never cleared.
func (c *SafepointCoordinator) RequestShutdown() {
	for _, f := range c.workers {
		f.stopRequest.Store(true)
	}
}

// RequestPreempt sets the preempt flag for a single worker, used by
// the reactor's deadline scan (reactor.go) when a task has run past
// PreemptThresholdMs without yielding.
func (c *SafepointCoordinator) RequestPreempt(worker int) {
	c.workers[worker].preemptRequest.Store(true)
}

// ClearPreempt clears a worker's preempt flag once it has yielded.
func (c *SafepointCoordinator) ClearPreempt(worker int) {
	c.workers[worker].preemptRequest.Store(false)
}

// RequestCancel marks a worker's current task for cancellation at its
// next safepoint.
func (c *SafepointCoordinator) RequestCancel(worker int) {
	c.workers[worker].cancelRequested.Store(true)
}

// ClearCancel clears a worker's cancel flag once the cancellation has
// been observed and handled.
func (c *SafepointCoordinator) ClearCancel(worker int) {
	c.workers[worker].cancelRequested.Store(false)
}
