package vm

// M:N scheduler (spec §4.3): a global FIFO queue feeding per-worker
// bounded deques, with work-stealing from the opposite end of a
// victim's deque. Grounded on two pack sources: the shape of a
// deque-per-worker pool comes from the original Rust source's
// `raya-core/src/scheduler/mod.rs` WorkerDeque, and the
// condvar-parked run loop comes from the barn example repo's
// server/scheduler.go (Scheduler with a mutex-guarded queue and a
// ticker-driven run loop) generalized from timer-only tasks to
// arbitrary green threads. golang.org/x/sync/errgroup joins the
// worker goroutines at shutdown the way it is used for the worker
// pool in the noisefs example's pkg/common/workers pool.Wait.

import (
	"container/list"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SchedulerLimits bounds scheduler-managed resources (spec §6.3).
type SchedulerLimits struct {
	MaxTasks int
}

// SchedulerStats is a live snapshot for diagnostics.
type SchedulerStats struct {
	Spawned   uint64
	Completed uint64
	Failed    uint64
	Stolen    uint64
}

// deque is a bounded double-ended queue of ready tasks. Owner workers
// push/pop their own end (LIFO, cheap, cache-friendly); thieves pop
// the opposite end (FIFO relative to the owner, spec §4.3 "steal from
// the opposite end").
type deque struct {
	mu   sync.Mutex
	buf  *list.List
	cap  int
}

func newDeque(capacity int) *deque {
	return &deque{buf: list.New(), cap: capacity}
}

func (d *deque) pushOwn(t *Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf.Len() >= d.cap {
		return false
	}
	d.buf.PushBack(t)
	return true
}

func (d *deque) popOwn() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.buf.Back()
	if e == nil {
		return nil
	}
	d.buf.Remove(e)
	return e.Value.(*Task)
}

// stealHalf removes up to half of the deque's contents (minimum one)
// from the front, returning them in steal order.
func (d *deque) stealHalf() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.buf.Len()
	if n == 0 {
		return nil
	}
	take := n / 2
	if take == 0 {
		take = 1
	}
	out := make([]*Task, 0, take)
	for i := 0; i < take; i++ {
		e := d.buf.Front()
		if e == nil {
			break
		}
		d.buf.Remove(e)
		out = append(out, e.Value.(*Task))
	}
	return out
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Len()
}

// Scheduler owns the global queue, the per-worker deques, and the
// index of live tasks by id, and drives workers started by
// Runtime.Run.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	global   *list.List
	deques   []*deque
	limits   SchedulerLimits
	stats    SchedulerStats
	shutdown bool

	byID map[TaskId]*Task
}

const defaultDequeCapacity = 256

// NewScheduler builds a Scheduler with numWorkers per-worker deques.
func NewScheduler(numWorkers int, limits SchedulerLimits) *Scheduler {
	s := &Scheduler{
		global: list.New(),
		deques: make([]*deque, numWorkers),
		limits: limits,
		byID:   make(map[TaskId]*Task),
	}
	s.cond = sync.NewCond(&s.mu)
	for i := range s.deques {
		s.deques[i] = newDeque(defaultDequeCapacity)
	}
	return s
}

// Spawn enqueues a new ready task onto the global queue and wakes a
// parked worker.
func (s *Scheduler) Spawn(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits.MaxTasks > 0 && len(s.byID) >= s.limits.MaxTasks {
		return ResourceLimit(LimitTasks)
	}
	s.byID[t.ID] = t
	s.global.PushBack(t)
	s.stats.Spawned++
	s.cond.Signal()
	return nil
}

// Requeue places an already-created task (e.g. one just unblocked)
// back onto worker's own deque, falling back to the global queue if
// the local deque is full.
func (s *Scheduler) Requeue(worker int, t *Task) {
	t.State = TaskReady
	if worker >= 0 && worker < len(s.deques) && s.deques[worker].pushOwn(t) {
		s.mu.Lock()
		s.cond.Signal()
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.global.PushBack(t)
	s.cond.Signal()
	s.mu.Unlock()
}

// NextFor returns the next task worker should run: its own deque
// first, then the global queue, then stealing from another worker's
// deque. Blocks on the scheduler's condvar if nothing is available
// and the scheduler is not shutting down.
func (s *Scheduler) NextFor(worker int) *Task {
	if t := s.deques[worker].popOwn(); t != nil {
		return t
	}

	s.mu.Lock()
	if e := s.global.Front(); e != nil {
		s.global.Remove(e)
		s.mu.Unlock()
		return e.Value.(*Task)
	}
	s.mu.Unlock()

	if t := s.steal(worker); t != nil {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.global.Len() == 0 && !s.shutdown {
		allEmpty := true
		for i, d := range s.deques {
			if i != worker && d.len() > 0 {
				allEmpty = false
				break
			}
		}
		if !allEmpty {
			s.mu.Unlock()
			if t := s.steal(worker); t != nil {
				s.mu.Lock()
				return t
			}
			s.mu.Lock()
			continue
		}
		s.cond.Wait()
	}
	if s.shutdown && s.global.Len() == 0 {
		return nil
	}
	if e := s.global.Front(); e != nil {
		s.global.Remove(e)
		return e.Value.(*Task)
	}
	return nil
}

func (s *Scheduler) steal(worker int) *Task {
	for i, d := range s.deques {
		if i == worker {
			continue
		}
		stolen := d.stealHalf()
		if len(stolen) == 0 {
			continue
		}
		s.mu.Lock()
		s.stats.Stolen += uint64(len(stolen))
		s.mu.Unlock()
		// Keep the first for this worker, return the rest to its own
		// deque so the batch isn't dropped.
		first := stolen[0]
		for _, t := range stolen[1:] {
			s.deques[worker].pushOwn(t)
		}
		return first
	}
	return nil
}

// MarkDone removes a completed/failed/cancelled task from the live
// index.
func (s *Scheduler) MarkDone(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, t.ID)
	switch t.State {
	case TaskCompleted:
		s.stats.Completed++
	case TaskFailed, TaskCancelled:
		s.stats.Failed++
	}
}

// Lookup finds a live task by id, used by Interp.wakeTask.
func (s *Scheduler) Lookup(id TaskId) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	return t, ok
}

// Shutdown wakes every parked worker so they observe the stop flag
// and exit NextFor.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats returns a point-in-time snapshot.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Roots implements RootProvider by walking every live task's stack.
// Blocked and ready tasks still hold live references (their last
// executed frame's registers), so every task in byID — not just the
// one currently "running" on some worker — contributes roots.
func (s *Scheduler) Roots(dst []Value) []Value {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.byID))
	for _, t := range s.byID {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		dst = t.Stack.Trace(dst)
	}
	return dst
}

// runGroup is the errgroup every worker goroutine joins, so
// Runtime.Shutdown can wait for a clean exit the way the original
// source's Vm::shutdown joins its worker pool.
type runGroup struct {
	g *errgroup.Group
}

func newRunGroup() *runGroup {
	g := new(errgroup.Group)
	return &runGroup{g: g}
}

func (r *runGroup) Go(fn func() error) { r.g.Go(fn) }
func (r *runGroup) Wait() error        { return r.g.Wait() }
