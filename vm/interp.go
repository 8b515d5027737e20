package vm

// Register-mode interpreter (spec §4.2 "Interpreter", the ~22%-share
// core component). Dispatch is a plain switch over Opcode, the same
// shape as the teacher's execInstructions loop in vm.go, generalized
// from a flat uint32 stack machine to per-frame register windows with
// calls, closures, objects, and cooperative concurrency ops. Safepoint
// checks happen on back-edges (OpJump with a negative displacement),
// calls, returns, and every blocking op, per spec §4.4.

import "fmt"

// StepOutcome reports why Run returned control to the worker loop.
type StepOutcome int

const (
	StepCompleted StepOutcome = iota
	StepFailed
	StepBlocked
	StepYielded
	StepCancelled
)

// Interp holds the shared, read-mostly runtime state every worker's
// dispatch loop consults: the heap, class/native registries, and the
// method inline cache. Per-task mutable state lives entirely on the
// Task itself so many workers can run Interp.Run concurrently for
// different tasks.
type Interp struct {
	Heap      *Heap
	Classes   *ClassRegistry
	Natives   *NativeFunctionRegistry
	Methods   *MethodCache
	Mutexes   *MutexRegistry
	Channels  *ChannelRegistry
	StackPool *StackPool
	Functions    []*Function // global function table, indexed by FunctionID
	Scheduler    *Scheduler  // nil is fine for tests that never execute OpSpawn
	Capabilities CapabilitySet

	// MaxStackDepth bounds task.Frames (spec §6.3's max_stack_depth); 0
	// means use the package default (see call() in interp_ops.go).
	MaxStackDepth int
	// MaxPreemptionsPerYield bounds how many consecutive StopPreempted
	// safepoint hits a task may absorb without ever reaching a real
	// yield/block/completion; 0 means use the package default.
	MaxPreemptionsPerYield int
}

// defaultMaxStackDepth/defaultMaxPreemptionsPerYield mirror
// DefaultVmOptions' values (config.go), used whenever an Interp is
// built with its limit fields left at zero (tests, mainly).
const (
	defaultMaxStackDepth          = 4096
	defaultMaxPreemptionsPerYield = 1000
)

func (in *Interp) maxStackDepth() int {
	if in.MaxStackDepth > 0 {
		return in.MaxStackDepth
	}
	return defaultMaxStackDepth
}

func (in *Interp) maxPreemptionsPerYield() int {
	if in.MaxPreemptionsPerYield > 0 {
		return in.MaxPreemptionsPerYield
	}
	return defaultMaxPreemptionsPerYield
}

// blockInfo is filled in by Run when it returns StepBlocked, telling
// the scheduler what the task is waiting on.
type blockInfo struct {
	reason SuspendReason
	mutex  *Mutex
	ch     *Channel
}

// Run executes task's current function starting at its saved IP,
// until it blocks, yields (preempted or explicit), completes, fails,
// or is cancelled. flags is this worker's safepoint flag set.
func (in *Interp) Run(task *Task, flags *safepointFlags) (StepOutcome, blockInfo) {
	for {
		frame := &task.Frames[len(task.Frames)-1]
		fn := frame.Func

		if frame.StackFn {
			outcome, info, err := in.stepStack(task, frame, flags)
			if err != nil {
				return in.fail(task, err)
			}
			if outcome != StepCompleted {
				return outcome, info
			}
			if len(task.Frames) == 0 {
				return StepCompleted, blockInfo{}
			}
			continue
		}

		if int(frame.IP) >= len(fn.Code) {
			return in.fail(task, ErrProgramFinished)
		}

		instr := fn.Code[frame.IP]
		op := instr.Op()

		switch reason := flags.Check(); reason {
		case StopGC, StopShutdown:
			return StepYielded, blockInfo{}
		case StopCancelled:
			flags.cancelRequested.Store(false)
			return in.fail(task, ErrCancelled)
		case StopPreempted:
			flags.preemptRequest.Store(false)
			task.preemptStreak++
			if task.preemptStreak > in.maxPreemptionsPerYield() {
				return in.fail(task, ErrPreemptionBudgetExceeded)
			}
			return StepYielded, blockInfo{}
		}
		task.preemptStreak = 0

		switch op {
		case OpLoadConst:
			c := fn.constAt(instr.Bx())
			task.Stack.Set(frame.Base+int(instr.A()), constToValue(in, c))
		case OpLoadNull:
			task.Stack.Set(frame.Base+int(instr.A()), Null())
		case OpLoadBool:
			task.Stack.Set(frame.Base+int(instr.A()), Bool(instr.B() != 0))
		case OpLoadInt:
			task.Stack.Set(frame.Base+int(instr.A()), Int32(int32(instr.SBx())))
		case OpMove:
			task.Stack.Set(frame.Base+int(instr.A()), task.Stack.Get(frame.Base+int(instr.B())))

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			if err := in.arith(task, frame, instr, op); err != nil {
				return in.fail(task, err)
			}
		case OpNeg:
			v := task.Stack.Get(frame.Base + int(instr.B()))
			task.Stack.Set(frame.Base+int(instr.A()), negate(v))

		case OpEq, OpLt, OpLe:
			a := task.Stack.Get(frame.Base + int(instr.B()))
			b := task.Stack.Get(frame.Base + int(instr.C()))
			task.Stack.Set(frame.Base+int(instr.A()), Bool(compareValues(op, a, b)))
		case OpNot:
			v := task.Stack.Get(frame.Base + int(instr.B()))
			task.Stack.Set(frame.Base+int(instr.A()), Bool(!v.AsBool()))
		case OpAnd:
			a := task.Stack.Get(frame.Base + int(instr.B()))
			b := task.Stack.Get(frame.Base + int(instr.C()))
			task.Stack.Set(frame.Base+int(instr.A()), Bool(a.AsBool() && b.AsBool()))
		case OpOr:
			a := task.Stack.Get(frame.Base + int(instr.B()))
			b := task.Stack.Get(frame.Base + int(instr.C()))
			task.Stack.Set(frame.Base+int(instr.A()), Bool(a.AsBool() || b.AsBool()))

		case OpJump:
			disp := instr.SBx()
			frame.IP = uint32(int32(frame.IP) + 1 + disp)
			continue
		case OpJumpIf:
			v := task.Stack.Get(frame.Base + int(instr.A()))
			if v.AsBool() {
				frame.IP = uint32(int32(frame.IP) + 1 + instr.SBx())
				continue
			}
		case OpJumpIfNot:
			v := task.Stack.Get(frame.Base + int(instr.A()))
			if !v.AsBool() {
				frame.IP = uint32(int32(frame.IP) + 1 + instr.SBx())
				continue
			}

		case OpCall:
			if err := in.call(task, frame, instr); err != nil {
				return in.fail(task, err)
			}
			continue
		case OpCallMethod:
			if err := in.callMethod(task, frame, instr); err != nil {
				return in.fail(task, err)
			}
			continue
		case OpReturn:
			done := in.ret(task, frame, instr)
			if done {
				return StepCompleted, blockInfo{}
			}
			continue
		case OpClosure:
			// makeClosure already advances past its extra-arg word.
			if err := in.makeClosure(task, frame, instr); err != nil {
				return in.fail(task, err)
			}
			continue

		case OpSpawn:
			// spawn already advances past its extra-arg word.
			if err := in.spawn(task, frame, instr); err != nil {
				return in.fail(task, err)
			}
			continue
		case OpAwait:
			// await already advances frame.IP itself on every path
			// (past the instruction on completion, or to an unwind()
			// handler target on a propagated failure/cancellation).
			outcome, info := in.await(task, frame, instr)
			if outcome != StepCompleted {
				return outcome, info
			}
			continue

		case OpNewObject:
			// newObject already advances past its extra-arg word.
			if err := in.newObject(task, frame, instr); err != nil {
				return in.fail(task, err)
			}
			continue
		case OpNewArray:
			n := int(task.Stack.Get(frame.Base + int(instr.B())).AsInt32())
			arr := &Array{ObjectHeader: ObjectHeader{typeID: TypeArray}, Elems: make([]Value, n)}
			task.Stack.Set(frame.Base+int(instr.A()), in.Heap.Allocate(arr))
		case OpGetField:
			obj, err := in.asObject(task, frame, instr.B())
			if err != nil {
				return in.fail(task, err)
			}
			task.Stack.Set(frame.Base+int(instr.A()), obj.Fields[instr.C()])
		case OpSetField:
			obj, err := in.asObject(task, frame, instr.A())
			if err != nil {
				return in.fail(task, err)
			}
			obj.Fields[instr.B()] = task.Stack.Get(frame.Base + int(instr.C()))
		case OpGetIndex:
			arr, err := in.asArray(task, frame, instr.B())
			if err != nil {
				return in.fail(task, err)
			}
			idx := task.Stack.Get(frame.Base + int(instr.C())).AsInt32()
			if idx < 0 || int(idx) >= len(arr.Elems) {
				return in.fail(task, RuntimeError("array index out of range"))
			}
			task.Stack.Set(frame.Base+int(instr.A()), arr.Elems[idx])
		case OpSetIndex:
			arr, err := in.asArray(task, frame, instr.A())
			if err != nil {
				return in.fail(task, err)
			}
			idx := task.Stack.Get(frame.Base + int(instr.B())).AsInt32()
			if idx < 0 || int(idx) >= len(arr.Elems) {
				return in.fail(task, RuntimeError("array index out of range"))
			}
			arr.Elems[idx] = task.Stack.Get(frame.Base + int(instr.C()))

		case OpMutexLock:
			outcome, info := in.mutexLock(task, frame, instr)
			if outcome != StepCompleted {
				return outcome, info
			}
		case OpMutexUnlock:
			if err := in.mutexUnlock(task, frame, instr); err != nil {
				return in.fail(task, err)
			}
		case OpChanSend:
			outcome, info := in.chanSend(task, frame, instr)
			if outcome != StepCompleted {
				return outcome, info
			}
		case OpChanRecv:
			outcome, info := in.chanRecv(task, frame, instr)
			if outcome != StepCompleted {
				return outcome, info
			}
		case OpYield:
			frame.IP++
			return StepYielded, blockInfo{}

		case OpThrow:
			v := task.Stack.Get(frame.Base + int(instr.A()))
			if !in.unwind(task, v) {
				task.Err = RuntimeError(fmt.Sprintf("unhandled exception: %v", v.Kind()))
				return StepFailed, blockInfo{}
			}
			continue
		case OpPushHandler:
			hasFinally := instr.A()&1 != 0
			hasCatch := instr.A()&2 != 0
			wordsConsumed := uint32(1)
			finallyTarget := -1
			if hasFinally {
				wordsConsumed = 2
				finallyTarget = int(frame.IP) + 2 + int(int32(fn.Code[frame.IP+1]))
			}
			catchTarget := -1
			if hasCatch {
				catchTarget = int(frame.IP) + int(wordsConsumed) + int(instr.SBx())
			}
			task.Handlers = append(task.Handlers, handlerEntry{
				CatchTarget:   catchTarget,
				FinallyTarget: finallyTarget,
				FrameDepth:    len(task.Frames),
			})
			frame.IP += wordsConsumed
			continue
		case OpPopHandler:
			// Normal (non-exceptional) exit from a protected region: if
			// it has a finally, that finally must still run exactly
			// once before falling through past the region.
			if len(task.Handlers) > 0 {
				h := task.Handlers[len(task.Handlers)-1]
				task.Handlers = task.Handlers[:len(task.Handlers)-1]
				if h.FinallyTarget >= 0 {
					task.FinallyResume = append(task.FinallyResume, finallyResume{resumeIP: int(frame.IP) + 1})
					frame.IP = uint32(h.FinallyTarget)
					continue
				}
			}
		case OpEndFinally:
			outcome, info := in.endFinally(task, frame)
			if outcome != StepCompleted {
				return outcome, info
			}
			continue

		case OpCallNative:
			// callNative already advances frame.IP itself (either past
			// the extra-arg word on success, or to an unwind() handler
			// target on a caught exception); the bottom-of-loop
			// increment below must not also apply.
			outcome, info, err := in.callNative(task, frame, instr)
			if err != nil {
				return in.fail(task, err)
			}
			if outcome != StepCompleted {
				return outcome, info
			}
			continue

		default:
			return in.fail(task, InvalidOpcode(uint8(op)))
		}

		frame.IP++
	}
}

func (in *Interp) fail(task *Task, err error) (StepOutcome, blockInfo) {
	task.Err = err
	task.State = TaskFailed
	return StepFailed, blockInfo{}
}

func (fn *Function) constAt(idx uint16) *Constant {
	if int(idx) >= len(fn.Consts) {
		return nil
	}
	return &fn.Consts[idx]
}

func constToValue(in *Interp, c *Constant) Value {
	if c == nil {
		return Null()
	}
	switch c.Kind {
	case ConstInt32:
		return Int32(c.I32)
	case ConstFloat64:
		return Float64(c.F64)
	case ConstString:
		return in.Heap.InternString([]byte(c.Str))
	default:
		return Null()
	}
}
