package vm

// Green-thread task state (spec §3.2 "Task", §4.3 "Scheduler"). Tasks
// are themselves heap objects (they can be awaited, stored in
// fields/arrays), grounded on the original Rust source's
// `raya-core/src/scheduler/mod.rs` TaskId/TaskState/TaskHandle split;
// identifiers use google/uuid the way the teacher has no notion of
// identity at all (its VM is single-program) and the rest of the pack
// (go-probeum) uses uuid for node/peer identity.

import (
	"time"

	"github.com/google/uuid"
)

// TaskId uniquely identifies a task for its whole lifetime.
type TaskId uuid.UUID

func newTaskId() TaskId { return TaskId(uuid.New()) }

func (id TaskId) String() string { return uuid.UUID(id).String() }

// TaskState is a task's coarse scheduling state.
type TaskState int32

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskBlocked
	TaskCompleted
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "?unknown?"
	}
}

// SuspendReason records why a Blocked task isn't runnable, so the
// reactor knows what would wake it (spec §4.4 "Reactor").
type SuspendReason int32

const (
	SuspendNone SuspendReason = iota
	SuspendSleepUntil
	SuspendAwaitTask
	SuspendLockWait
	SuspendChannelSend
	SuspendChannelRecv
	SuspendIo
	SuspendPreempted
)

// Task is one green thread: its call-frame stack, scheduling state,
// and the reason it's blocked, if it is. Task is a HeapObject so it
// can be referenced from Raya-level Values (awaited, stored); its
// Trace reports the live stack slots and Result, and Roots()
// (scheduler.go) also walks the stack of every live task directly.
type Task struct {
	ObjectHeader

	ID    TaskId
	State TaskState

	Frames []CallFrame
	Stack  *Stack

	Suspend     SuspendReason
	WakeAt      time.Time // valid when Suspend == SuspendSleepUntil
	AwaitingID  TaskId    // valid when Suspend == SuspendAwaitTask
	PendingChan *Channel  // non-nil while Suspend is SuspendChannelSend/Recv: the channel to Claim from on retry

	// preemptStreak counts consecutive StopPreempted safepoint hits
	// this task has absorbed without reaching a real yield, block, or
	// completion. Interp.Run resets it to 0 on any other outcome and
	// forcibly fails the task once it passes MaxPreemptionsPerYield —
	// the infinite-loop guard (spec §6.3).
	preemptStreak int

	Result    Value
	Err       error
	Cancelled bool

	// Handlers is the task's exception-handler stack across all of its
	// frames (interp.go): each entry records the frame depth that
	// pushed it and names a protected region's catch target, finally
	// target, or both.
	Handlers []handlerEntry

	// FinallyResume is a stack of pending "what to do once the
	// currently running finally body reaches OpEndFinally" records.
	// Pushed by unwind() and OpPopHandler whenever a handler's finally
	// target is entered, popped by OpEndFinally (interp.go): nested
	// protected regions (a finally that itself throws into an outer
	// finally) push a second entry on top without disturbing the first.
	FinallyResume []finallyResume
}

// handlerEntry is one pushed OpPushHandler scope. CatchTarget/
// FinallyTarget are -1 when the scope has no catch clause / no finally
// clause respectively; a pure "try/finally" has CatchTarget == -1, a
// plain "try/catch" has FinallyTarget == -1.
//
// A jump to CatchTarget is always preceded by storing the caught value
// in the protecting frame's last register (frame.Base +
// frame.Func.RegisterCount - 1) — the reserved exception slot every
// catch body reads from. OpPushHandler carries no destination operand
// of its own; the compiler reserves this slot by sizing the function's
// RegisterCount one larger than its allocator otherwise would.
type handlerEntry struct {
	CatchTarget   int
	FinallyTarget int
	FrameDepth    int
}

// finallyResume records, for one in-flight finally body, what must
// happen once it reaches OpEndFinally: resume normal control flow
// (hasExc == false) or re-propagate the exception that drove it
// (hasExc == true), optionally straight into this same handler's own
// catch clause if it has one.
type finallyResume struct {
	hasExc      bool
	exc         Value
	resumeIP    int // valid when !hasExc
	catchTarget int // valid when hasExc; -1 means keep propagating
}

func (t *Task) Trace() []Value {
	out := t.Stack.Trace(nil)
	out = append(out, t.Result)
	return out
}

// NewTask allocates a fresh Task ready to run fn starting with args
// loaded into its first registers.
func NewTask(fn *Function, args []Value, pool *StackPool) *Task {
	stk := pool.Get(fn.RegisterCount)
	stk.Reserve(0, fn.RegisterCount)
	for i, a := range args {
		if i >= fn.RegisterCount {
			break
		}
		stk.Set(i, a)
	}
	return &Task{
		ObjectHeader: ObjectHeader{typeID: TypeTask},
		ID:           newTaskId(),
		State:        TaskReady,
		Frames:       []CallFrame{{Func: fn, Base: 0, RetSlot: -1, StackFn: fn.StackMode}},
		Stack:        stk,
	}
}

// TaskHandle is an id-only reference to a task, decoupled from the
// *Task pointer. No code in this package builds one: OpSpawn and
// OpAwait pass the task's own heap pointer instead.
type TaskHandle struct {
	ID TaskId
}
