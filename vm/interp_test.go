package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSumFunction compiles, by hand, the equivalent of:
//
//	fn sum(n) { if n <= 0 { return 0 } return n + sum(n - 1) }
//
// exercising OpCall/OpReturn frame management and the extra-arg
// constant-index convention documented in bytecode.go.
func buildSumFunction() *Function {
	fn := &Function{
		Name:          "sum",
		Arity:         1,
		RegisterCount: 7,
	}
	fn.Consts = []Constant{
		{Kind: ConstFunctionRef, Ref: 0}, // self-reference: fn is Functions[0] in newTestInterp
	}
	fn.Code = []Instruction{
		NewInstructionABC(OpLoadInt, 1, 0, 0),      // 0: r1 = 0
		NewInstructionABC(OpLe, 2, 0, 1),           // 1: r2 = (r0 <= r1)
		NewInstructionABx(OpJumpIfNot, 2, 2),       // 2: if !r2 jump +2 -> index 5
		NewInstructionABC(OpLoadInt, 3, 0, 0),      // 3: r3 = 0
		NewInstructionABC(OpReturn, 3, 0, 1),       // 4: return r3
		NewInstructionABx(OpLoadInt, 4, 1),         // 5: r4 = 1
		NewInstructionABC(OpSub, 5, 0, 4),          // 6: r5 = r0 - r4
		NewInstructionABC(OpCall, 6, 5, 1),         // 7: r6 = call sum(r5)
		Instruction(0),                              // 8: extra-arg word: const index 0
		NewInstructionABC(OpAdd, 3, 0, 6),          // 9: r3 = r0 + r6
		NewInstructionABC(OpReturn, 3, 0, 1),       // 10: return r3
	}
	return fn
}

func newTestInterp(fn *Function) *Interp {
	return &Interp{
		Heap:      NewHeap(1 << 20),
		Classes:   NewClassRegistry(),
		Natives:   NewNativeFunctionRegistry(),
		Methods:   NewMethodCache(64),
		Mutexes:   NewMutexRegistry(),
		Channels:  NewChannelRegistry(),
		StackPool: NewStackPool(),
		Functions: []*Function{fn},
	}
}

func TestInterpRecursiveSum(t *testing.T) {
	fn := buildSumFunction()
	in := newTestInterp(fn)
	pool := NewStackPool()

	task := NewTask(fn, []Value{Int32(5)}, pool)
	flags := &safepointFlags{}

	outcome, _ := in.Run(task, flags)
	require.Equal(t, StepCompleted, outcome)
	require.Equal(t, KindInt32, task.Result.Kind())
	require.EqualValues(t, 15, task.Result.AsInt32()) // 5+4+3+2+1
}

func TestInterpDivisionByZero(t *testing.T) {
	fn := &Function{
		Name:          "divzero",
		RegisterCount: 3,
	}
	fn.Code = []Instruction{
		NewInstructionABC(OpLoadInt, 0, 1, 0),
		NewInstructionABC(OpLoadInt, 1, 0, 0),
		NewInstructionABC(OpDiv, 2, 0, 1),
		NewInstructionABC(OpReturn, 2, 0, 1),
	}
	in := newTestInterp(fn)
	pool := NewStackPool()
	task := NewTask(fn, nil, pool)
	flags := &safepointFlags{}

	outcome, _ := in.Run(task, flags)
	require.Equal(t, StepFailed, outcome)
	require.ErrorIs(t, task.Err, ErrDivisionByZero)
}

// TestInterpSpawnAndAwait exercises OpSpawn/OpAwait end to end: a
// parent spawns a child task, blocks on OpAwait before the child has
// run, gets unblocked once the child is driven to completion, and
// retries the same instruction to pick up the child's result.
func TestInterpSpawnAndAwait(t *testing.T) {
	child := &Function{
		Name:          "answer",
		RegisterCount: 1,
		Code: []Instruction{
			NewInstructionABx(OpLoadInt, 0, 42),
			NewInstructionABC(OpReturn, 0, 0, 1),
		},
	}
	parent := &Function{
		Name:          "main",
		RegisterCount: 3,
		Consts:        []Constant{{Kind: ConstFunctionRef, Ref: 1}}, // patched to child's global index below
		Code: []Instruction{
			NewInstructionABC(OpSpawn, 0, 0, 0), // r0 = spawn answer()
			Instruction(0),                       // extra-arg word: const index 0
			NewInstructionABC(OpAwait, 1, 0, 0),  // r1 = await r0
			NewInstructionABC(OpReturn, 1, 0, 1),
		},
	}

	sched := NewScheduler(1, SchedulerLimits{})
	in := &Interp{
		Heap:      NewHeap(1 << 20),
		Classes:   NewClassRegistry(),
		Natives:   NewNativeFunctionRegistry(),
		Methods:   NewMethodCache(64),
		Mutexes:   NewMutexRegistry(),
		Channels:  NewChannelRegistry(),
		StackPool: NewStackPool(),
		Functions: []*Function{parent, child},
		Scheduler: sched,
	}
	parent.Consts[0].Ref = 1 // global index of child in in.Functions

	pool := NewStackPool()
	mainTask := NewTask(parent, nil, pool)
	flags := &safepointFlags{}

	outcome, info := in.Run(mainTask, flags)
	require.Equal(t, StepBlocked, outcome)
	require.Equal(t, SuspendAwaitTask, info.reason)

	childTask := sched.NextFor(0)
	require.NotNil(t, childTask)
	childOutcome, _ := in.Run(childTask, flags)
	require.Equal(t, StepCompleted, childOutcome)
	require.EqualValues(t, 42, childTask.Result.AsInt32())

	outcome, _ = in.Run(mainTask, flags)
	require.Equal(t, StepCompleted, outcome)
	require.EqualValues(t, 42, mainTask.Result.AsInt32())
}

// TestInterpChannelRendezvousDirectHandoff exercises a capacity-0
// channel across two tasks: the sender blocks first (no receiver
// yet), then the receiver's recv matches it directly and must both
// deliver the value to itself immediately and wake the parked sender
// so the sender's own retry observes success rather than re-blocking.
func TestInterpChannelRendezvousDirectHandoff(t *testing.T) {
	senderFn := &Function{
		Name:          "sender",
		RegisterCount: 2,
		Code: []Instruction{
			NewInstructionABx(OpLoadInt, 1, 7),     // r1 = 7
			NewInstructionABC(OpChanSend, 0, 1, 0), // send r1 on channel r0
			NewInstructionABC(OpReturn, 0, 0, 0),   // return void
		},
	}
	receiverFn := &Function{
		Name:          "receiver",
		RegisterCount: 2,
		Code: []Instruction{
			NewInstructionABC(OpChanRecv, 1, 0, 0), // r1 = recv from channel r0
			NewInstructionABC(OpReturn, 1, 0, 1),   // return r1
		},
	}

	sched := NewScheduler(1, SchedulerLimits{})
	heap := NewHeap(1 << 20)
	in := &Interp{
		Heap:      heap,
		Classes:   NewClassRegistry(),
		Natives:   NewNativeFunctionRegistry(),
		Methods:   NewMethodCache(64),
		Mutexes:   NewMutexRegistry(),
		Channels:  NewChannelRegistry(),
		StackPool: NewStackPool(),
		Functions: []*Function{senderFn, receiverFn},
		Scheduler: sched,
	}

	chHandle := heap.Allocate(&ChannelObject{ObjectHeader: ObjectHeader{typeID: TypeChannel}, Ch: NewChannel(0)})
	pool := NewStackPool()
	flags := &safepointFlags{}

	senderTask := NewTask(senderFn, []Value{chHandle}, pool)
	require.NoError(t, sched.Spawn(senderTask))
	senderTask = sched.NextFor(0)

	outcome, _ := in.Run(senderTask, flags)
	require.Equal(t, StepBlocked, outcome, "no receiver is waiting yet")

	receiverTask := NewTask(receiverFn, []Value{chHandle}, pool)
	require.NoError(t, sched.Spawn(receiverTask))
	receiverTask = sched.NextFor(0)

	outcome, _ = in.Run(receiverTask, flags)
	require.Equal(t, StepCompleted, outcome, "recv must match the parked sender directly, not block")
	require.EqualValues(t, 7, receiverTask.Result.AsInt32())

	woken := sched.NextFor(0)
	require.NotNil(t, woken, "the matched sender must have been requeued by the recv side")
	require.Equal(t, senderTask.ID, woken.ID)

	outcome, _ = in.Run(woken, flags)
	require.Equal(t, StepCompleted, outcome, "the sender's retry must observe its already-resolved send, not re-block")
}

// TestInterpFinallyRunsExactlyOnceThenPropagates builds three
// functions by hand: h always throws a string; g wraps its call to h
// in a finally-only handler that increments a counter held in an
// array; f wraps its call to g in a catch-only handler that returns
// the exception value. Confirms the finally body runs exactly once
// and the exception still reaches f's catch after it does.
func TestInterpFinallyRunsExactlyOnceThenPropagates(t *testing.T) {
	h := &Function{
		Name:          "h",
		RegisterCount: 1,
		Consts:        []Constant{{Kind: ConstString, Str: "boom"}},
		Code: []Instruction{
			NewInstructionABx(OpLoadConst, 0, 0), // 0: r0 = "boom"
			NewInstructionABC(OpThrow, 0, 0, 0),  // 1: throw r0
		},
	}

	g := &Function{
		Name:          "g",
		Arity:         1,
		RegisterCount: 6, // r0=arr param, r1=call result, r2=idx, r3=elem, r4=one, r5=sum
		Consts:        []Constant{{Kind: ConstFunctionRef, Ref: 0}}, // patched to h's global index below
		Code: []Instruction{
			NewInstructionABx(OpPushHandler, 1, 0), // 0: hasFinally only
			Instruction(4),                          // 1: finally displacement -> target index 6
			NewInstructionABC(OpCall, 1, 0, 0),      // 2: r1 = call h()
			Instruction(0),                          // 3: extra-arg word: const index 0 (h)
			NewInstructionABC(OpPopHandler, 0, 0, 0),// 4: normal exit (never reached; h always throws)
			NewInstructionABC(OpReturn, 1, 0, 1),    // 5: return r1 (never reached)
			NewInstructionABx(OpLoadInt, 2, 0),      // 6: r2 = 0 (index)
			NewInstructionABC(OpGetIndex, 3, 0, 2),  // 7: r3 = arr(r0)[r2]
			NewInstructionABx(OpLoadInt, 4, 1),      // 8: r4 = 1
			NewInstructionABC(OpAdd, 5, 3, 4),       // 9: r5 = r3 + r4
			NewInstructionABC(OpSetIndex, 0, 2, 5),  // 10: arr(r0)[r2] = r5
			NewInstructionABC(OpEndFinally, 0, 0, 0),// 11
		},
	}

	f := &Function{
		Name:          "f",
		Arity:         1,
		RegisterCount: 3, // r0=arr param, r1=call result, r2=reserved exception slot
		Consts:        []Constant{{Kind: ConstFunctionRef, Ref: 0}}, // patched to g's global index below
		Code: []Instruction{
			NewInstructionABx(OpPushHandler, 2, 4), // 0: hasCatch only, catch at index 5
			NewInstructionABC(OpCall, 1, 0, 1),      // 1: r1 = call g(r0)
			Instruction(0),                          // 2: extra-arg word: const index 0 (g)
			NewInstructionABC(OpPopHandler, 0, 0, 0),// 3: normal exit (never reached; g always propagates)
			NewInstructionABC(OpReturn, 1, 0, 1),    // 4: return r1 (never reached)
			NewInstructionABC(OpReturn, 2, 0, 1),    // 5: catch body: return r2 (the caught exception)
		},
	}

	in := &Interp{
		Heap:      NewHeap(1 << 20),
		Classes:   NewClassRegistry(),
		Natives:   NewNativeFunctionRegistry(),
		Methods:   NewMethodCache(64),
		Mutexes:   NewMutexRegistry(),
		Channels:  NewChannelRegistry(),
		StackPool: NewStackPool(),
		Functions: []*Function{f, g, h},
	}
	f.Consts[0].Ref = 1 // g's global index
	g.Consts[0].Ref = 2 // h's global index

	counter := in.Heap.Allocate(&Array{ObjectHeader: ObjectHeader{typeID: TypeArray}, Elems: []Value{Int32(0)}})

	pool := NewStackPool()
	task := NewTask(f, []Value{counter}, pool)
	flags := &safepointFlags{}

	outcome, _ := in.Run(task, flags)
	require.Equal(t, StepCompleted, outcome)

	require.Equal(t, KindPtr, task.Result.Kind())
	s, ok := in.Heap.Get(task.Result.AsPtr()).(*String)
	require.True(t, ok)
	require.Equal(t, "boom", string(s.Bytes))

	arr, ok := in.Heap.Get(counter.AsPtr()).(*Array)
	require.True(t, ok)
	require.EqualValues(t, 1, arr.Elems[0].AsInt32(), "finally must run exactly once")
}

func TestInterpPreemptionYieldsAtSafepoint(t *testing.T) {
	fn := &Function{
		Name:          "loop",
		RegisterCount: 2,
	}
	fn.Code = []Instruction{
		NewInstructionABC(OpLoadInt, 0, 1, 0),
		NewInstructionABx(OpJump, 0, 0xFFFF), // -1: infinite back-edge to itself
	}
	in := newTestInterp(fn)
	pool := NewStackPool()
	task := NewTask(fn, nil, pool)
	flags := &safepointFlags{}
	flags.preemptRequest.Store(true)

	outcome, _ := in.Run(task, flags)
	require.Equal(t, StepYielded, outcome)
	require.False(t, flags.preemptRequest.Load(), "the flag must be cleared once observed")
}
