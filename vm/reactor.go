package vm

// Single-thread Reactor (spec §4.4): a min-heap of sleep timers, a
// preemption-deadline scan, and retry routing for blocked
// mutex/channel/await/IO waiters. Grounded on the original Rust
// source's `raya-engine/src/vm/scheduler/reactor.rs` "Unified Reactor
// Architecture" (one control loop routing completions back into the
// scheduler), translated from crossbeam::channel to Go channels, and
// on the teacher's systemTimer device in devices.go, which already
// used a time.Timer plus a done channel for one-shot deadlines.

import (
	"container/heap"
	"sync"
	"time"
)

// timerEntry is one pending sleep, ordered by deadline.
type timerEntry struct {
	deadline time.Time
	task     *Task
	worker   int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// deadlineEntry tracks a running task's preemption deadline (spec
// §4.4: PreemptThresholdMs after which an asynchronous preempt
// request is raised).
type deadlineEntry struct {
	worker   int
	deadline time.Time
}

// Reactor is the single control thread that owns timers, preemption
// deadlines, and retry-routing for blocked waiters. Exactly one
// Reactor exists per Runtime; it runs its own goroutine started by
// Runtime.Run.
type Reactor struct {
	mu sync.Mutex

	timers   timerHeap
	deadline map[int]deadlineEntry // worker id -> current task's deadline

	lockWaiters    []*lockWait
	chanWaiters    []*chanWait
	awaitWaiters   []*awaitWait
	ioWaiters      []*Task

	sched              *Scheduler
	coord              *SafepointCoordinator
	preemptThreshold   time.Duration

	wake   chan struct{}
	stop   chan struct{}
	stopped bool
}

type lockWait struct {
	task  *Task
	mutex *Mutex
}

type chanWait struct {
	task *Task
	ch   *Channel
}

type awaitWait struct {
	task   *Task
	target TaskId
}

// NewReactor builds a Reactor; preemptThresholdMs comes from VmOptions.
func NewReactor(sched *Scheduler, coord *SafepointCoordinator, preemptThresholdMs int) *Reactor {
	return &Reactor{
		deadline:         make(map[int]deadlineEntry),
		sched:            sched,
		coord:            coord,
		preemptThreshold: time.Duration(preemptThresholdMs) * time.Millisecond,
		wake:             make(chan struct{}, 1),
		stop:             make(chan struct{}),
	}
}

func (r *Reactor) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// WatchTimer registers a sleeping task; Task.WakeAt must already be
// set by the interpreter before blocking it.
func (r *Reactor) WatchTimer(t *Task) {
	r.mu.Lock()
	heap.Push(&r.timers, &timerEntry{deadline: t.WakeAt, task: t})
	r.mu.Unlock()
	r.nudge()
}

// WatchMutex registers a task blocked waiting to acquire mutex.
func (r *Reactor) WatchMutex(t *Task, m *Mutex) {
	r.mu.Lock()
	r.lockWaiters = append(r.lockWaiters, &lockWait{task: t, mutex: m})
	r.mu.Unlock()
	r.nudge()
}

// WatchChannel registers a task blocked on a channel send or recv, as
// a fallback net: the common case is woken directly by chanSend/
// chanRecv's matching partner (interp_ops.go's wakeTask), this poll
// only matters if that direct wake raced with the target task not yet
// being registered with the scheduler.
func (r *Reactor) WatchChannel(t *Task, ch *Channel) {
	r.mu.Lock()
	r.chanWaiters = append(r.chanWaiters, &chanWait{task: t, ch: ch})
	r.mu.Unlock()
	r.nudge()
}

// WatchAwait registers a task blocked awaiting another task's result.
func (r *Reactor) WatchAwait(t *Task) {
	r.mu.Lock()
	r.awaitWaiters = append(r.awaitWaiters, &awaitWait{task: t, target: t.AwaitingID})
	r.mu.Unlock()
	r.nudge()
}

// WatchIo registers a task suspended on a native I/O call. Actual
// completion delivery comes from NotifyIoCompletion, called by
// whatever blocking-work pool the native handler dispatched onto.
func (r *Reactor) WatchIo(t *Task) {
	r.mu.Lock()
	r.ioWaiters = append(r.ioWaiters, t)
	r.mu.Unlock()
}

// NotifyIoCompletion delivers a finished I/O result and requeues the
// waiting task.
func (r *Reactor) NotifyIoCompletion(c IoCompletion) {
	r.mu.Lock()
	for i, t := range r.ioWaiters {
		if t.ID == c.Task {
			r.ioWaiters = append(r.ioWaiters[:i], r.ioWaiters[i+1:]...)
			r.mu.Unlock()
			t.Result = c.Result
			t.Err = c.Err
			r.sched.Requeue(-1, t)
			return
		}
	}
	r.mu.Unlock()
}

// NotifyCompletion is called by a worker when task finishes, so the
// reactor can wake anything awaiting it.
func (r *Reactor) NotifyCompletion(task *Task) {
	r.mu.Lock()
	var ready []*awaitWait
	rest := r.awaitWaiters[:0]
	for _, w := range r.awaitWaiters {
		if w.target == task.ID {
			ready = append(ready, w)
		} else {
			rest = append(rest, w)
		}
	}
	r.awaitWaiters = rest
	r.mu.Unlock()

	for _, w := range ready {
		w.task.Result = task.Result
		w.task.Err = task.Err
		r.sched.Requeue(-1, w.task)
	}
}

// TrackDeadline records when worker's current task must be preempted
// if it doesn't yield first (spec §4.4).
func (r *Reactor) TrackDeadline(worker int) {
	r.mu.Lock()
	r.deadline[worker] = deadlineEntry{worker: worker, deadline: time.Now().Add(r.preemptThreshold)}
	r.mu.Unlock()
}

// ClearDeadline drops worker's tracked deadline once it yields or
// blocks on its own.
func (r *Reactor) ClearDeadline(worker int) {
	r.mu.Lock()
	delete(r.deadline, worker)
	r.mu.Unlock()
}

// Run is the reactor's single control loop: wait for the next timer
// deadline or a nudge, then retry every pending waiter class and scan
// for overdue preemption deadlines. Intended to run in its own
// goroutine for the lifetime of the Runtime.
func (r *Reactor) Run() {
	for {
		wait := r.nextWait()
		select {
		case <-r.stop:
			return
		case <-r.wake:
		case <-time.After(wait):
		}
		r.tick()
	}
}

// Stop halts the reactor's control loop.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
	r.mu.Unlock()
}

func (r *Reactor) nextWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	const maxWait = 50 * time.Millisecond
	if len(r.timers) == 0 {
		return maxWait
	}
	d := time.Until(r.timers[0].deadline)
	if d < 0 {
		return 0
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

func (r *Reactor) tick() {
	now := time.Now()

	r.mu.Lock()
	var fired []*timerEntry
	for len(r.timers) > 0 && !r.timers[0].deadline.After(now) {
		fired = append(fired, heap.Pop(&r.timers).(*timerEntry))
	}
	r.mu.Unlock()
	for _, e := range fired {
		r.sched.Requeue(e.worker, e.task)
	}

	r.retryLocks()
	r.retryChannels()
	r.scanPreemptDeadlines(now)
}

func (r *Reactor) retryLocks() {
	r.mu.Lock()
	pending := r.lockWaiters
	r.lockWaiters = nil
	r.mu.Unlock()

	var stillBlocked []*lockWait
	for _, w := range pending {
		if owner, held := w.mutex.Owner(); held && owner == w.task.ID {
			r.sched.Requeue(-1, w.task)
		} else {
			stillBlocked = append(stillBlocked, w)
		}
	}
	r.mu.Lock()
	r.lockWaiters = append(r.lockWaiters, stillBlocked...)
	r.mu.Unlock()
}

// retryChannels requeues any parked channel waiter whose matching
// partner already resolved it (Channel.Claim) but whose direct wakeTask
// call didn't land, e.g. because the reactor hadn't registered it yet.
// It never calls TrySend/TryRecv itself: that would be a second,
// unrelated attempt at the operation, not a check of the outcome of
// the one already recorded in the waiter queue.
func (r *Reactor) retryChannels() {
	r.mu.Lock()
	pending := r.chanWaiters
	r.chanWaiters = nil
	r.mu.Unlock()

	var stillBlocked []*chanWait
	for _, w := range pending {
		if w.ch.Resolved(w.task.ID) {
			r.sched.Requeue(-1, w.task)
			continue
		}
		stillBlocked = append(stillBlocked, w)
	}
	r.mu.Lock()
	r.chanWaiters = append(r.chanWaiters, stillBlocked...)
	r.mu.Unlock()
}

func (r *Reactor) scanPreemptDeadlines(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for worker, d := range r.deadline {
		if !now.Before(d.deadline) {
			r.coord.RequestPreempt(worker)
		}
	}
}
