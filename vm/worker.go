package vm

// Per-worker dispatch loop (spec §4.3 "Worker"). Each worker repeats:
// pop from its own deque, else the global queue, else steal, else
// park; run the popped task's Interp.Run until it yields/blocks/ends;
// route the result back to the scheduler or the reactor. Shaped after
// the teacher's single execInstructions loop in vm.go, one per OS
// thread instead of one per process.

import "sync/atomic"

// Worker drives one OS thread's worth of task execution.
type Worker struct {
	id        int
	sched     *Scheduler
	reactor   *Reactor
	interp    *Interp
	safepoint *SafepointCoordinator
	log       wlog
	busy      atomic.Bool
}

// Busy reports whether this worker is currently inside Interp.Run for
// some task. Runtime.collect polls this across every worker before
// sweeping: a worker that isn't busy holds no live register state the
// root scan needs to catch mid-mutation, whether because it yielded at
// a safepoint or because it never had a task to run in the first
// place.
func (w *Worker) Busy() bool { return w.busy.Load() }

// wlog is the minimal logging surface Worker needs, satisfied by
// *rlog.Logger; declared as an interface here so tests can stub it
// without importing the internal rlog package directly.
type wlog interface {
	Debug(msg string, kv ...any)
	Warn(msg string, kv ...any)
}

// NewWorker builds a worker with the given index into the scheduler's
// per-worker deque table.
func NewWorker(id int, sched *Scheduler, reactor *Reactor, interp *Interp, sp *SafepointCoordinator, log wlog) *Worker {
	return &Worker{id: id, sched: sched, reactor: reactor, interp: interp, safepoint: sp, log: log}
}

// Run is the worker's main loop; it returns when the scheduler shuts
// down. Intended to be launched as a goroutine joined via errgroup
// (runtime.go).
func (w *Worker) Run() error {
	flags := w.safepoint.Flags(w.id)

	for {
		if flags.stopRequest.Load() {
			return nil
		}
		if flags.gcRequest.Load() {
			// Don't pick up a new task while a collection is in
			// progress: Runtime.collect is waiting for every worker to
			// go (and stay) non-busy before it scans roots.
			continue
		}

		task := w.sched.NextFor(w.id)
		if task == nil {
			return nil // scheduler shut down with nothing left to run
		}

		task.State = TaskRunning
		w.reactor.TrackDeadline(w.id)
		w.busy.Store(true)
		outcome, info := w.interp.Run(task, flags)
		w.busy.Store(false)
		w.reactor.ClearDeadline(w.id)

		switch outcome {
		case StepCompleted:
			w.sched.MarkDone(task)
			w.wakeAwaiters(task)
		case StepFailed:
			task.State = TaskFailed
			w.sched.MarkDone(task)
			w.wakeAwaiters(task)
		case StepYielded:
			w.sched.Requeue(w.id, task)
		case StepCancelled:
			task.State = TaskCancelled
			w.sched.MarkDone(task)
			w.wakeAwaiters(task)
		case StepBlocked:
			task.State = TaskBlocked
			w.handleBlocked(task, info)
		}
	}
}

func (w *Worker) handleBlocked(task *Task, info blockInfo) {
	switch info.reason {
	case SuspendLockWait:
		// Woken by sync_mutex.go's Unlock granting the lock to this
		// task; the reactor polls mutex grant order (reactor.go).
		w.reactor.WatchMutex(task, info.mutex)
	case SuspendChannelSend, SuspendChannelRecv:
		w.reactor.WatchChannel(task, info.ch)
	case SuspendIo:
		w.reactor.WatchIo(task)
	case SuspendAwaitTask:
		w.reactor.WatchAwait(task)
	case SuspendSleepUntil:
		w.reactor.WatchTimer(task)
	default:
		w.reactor.WatchIo(task)
	}
}

func (w *Worker) wakeAwaiters(task *Task) {
	w.reactor.NotifyCompletion(task)
}
