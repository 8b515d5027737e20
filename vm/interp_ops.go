package vm

// Opcode handler bodies split out of interp.go's dispatch switch to
// keep the hot loop readable, the way the teacher splits
// execInstructions (vm.go) from the instruction table (bytecode.go).

import "fmt"

func (in *Interp) arith(task *Task, frame *CallFrame, instr Instruction, op Opcode) error {
	a := task.Stack.Get(frame.Base + int(instr.B()))
	b := task.Stack.Get(frame.Base + int(instr.C()))
	dst := frame.Base + int(instr.A())

	if a.Kind() == KindInt32 && b.Kind() == KindInt32 {
		x, y := a.AsInt32(), b.AsInt32()
		switch op {
		case OpAdd:
			task.Stack.Set(dst, Int32(x+y))
		case OpSub:
			task.Stack.Set(dst, Int32(x-y))
		case OpMul:
			task.Stack.Set(dst, Int32(x*y))
		case OpDiv:
			if y == 0 {
				return ErrDivisionByZero
			}
			task.Stack.Set(dst, Int32(x/y))
		case OpMod:
			if y == 0 {
				return ErrDivisionByZero
			}
			task.Stack.Set(dst, Int32(x%y))
		}
		return nil
	}

	if a.Kind() == KindFloat64 || b.Kind() == KindFloat64 {
		x, y := toFloat(a), toFloat(b)
		switch op {
		case OpAdd:
			task.Stack.Set(dst, Float64(x+y))
		case OpSub:
			task.Stack.Set(dst, Float64(x-y))
		case OpMul:
			task.Stack.Set(dst, Float64(x*y))
		case OpDiv:
			task.Stack.Set(dst, Float64(x/y))
		case OpMod:
			return TypeError("mod not defined for float64")
		}
		return nil
	}

	return TypeError(fmt.Sprintf("arithmetic on %s and %s", a.Kind(), b.Kind()))
}

func toFloat(v Value) float64 {
	switch v.Kind() {
	case KindFloat64:
		return v.AsFloat64()
	case KindInt32:
		return float64(v.AsInt32())
	default:
		return 0
	}
}

func negate(v Value) Value {
	switch v.Kind() {
	case KindInt32:
		return Int32(-v.AsInt32())
	case KindFloat64:
		return Float64(-v.AsFloat64())
	default:
		return v
	}
}

func compareValues(op Opcode, a, b Value) bool {
	if op == OpEq {
		if a.Kind() != b.Kind() {
			return false
		}
		if a.Kind() == KindPtr {
			return IdentityEqual(a, b)
		}
		return IdentityEqual(a, b) || (a.Kind() == KindFloat64 && toFloat(a) == toFloat(b))
	}
	x, y := toFloat(a), toFloat(b)
	switch op {
	case OpLt:
		return x < y
	case OpLe:
		return x <= y
	default:
		return false
	}
}

// extraArg reads the constant-index word that follows a two-word
// instruction (OpCall/OpClosure/OpSpawn/OpNewObject/OpCallNative).
func extraArg(fn *Function, ip uint32) *Constant {
	return fn.constAt(uint16(fn.Code[ip+1]))
}

func argRange(task *Task, frame *CallFrame, instr Instruction) []Value {
	base := frame.Base + int(instr.B())
	n := int(instr.C())
	args := make([]Value, n)
	for i := 0; i < n; i++ {
		args[i] = task.Stack.Get(base + i)
	}
	return args
}

func (in *Interp) call(task *Task, frame *CallFrame, instr Instruction) error {
	c := extraArg(frame.Func, frame.IP)
	if c == nil || c.Kind != ConstFunctionRef || int(c.Ref) >= len(in.Functions) {
		return RuntimeError("call target not found")
	}
	target := in.Functions[c.Ref]
	args := argRange(task, frame, instr)

	newBase := task.Stack.top
	if err := task.Stack.Reserve(newBase, target.RegisterCount); err != nil {
		return err
	}
	for i, a := range args {
		if i >= target.RegisterCount {
			break
		}
		task.Stack.Set(newBase+i, a)
	}

	frame.IP += 2 // skip call instr + extra-arg word, lands after return
	task.Frames = append(task.Frames, CallFrame{
		Func:    target,
		Base:    newBase,
		RetSlot: frame.Base + int(instr.A()),
		StackFn: target.StackMode,
	})
	if len(task.Frames) > in.maxStackDepth() {
		return ErrStackDepthExceeded
	}
	return nil
}

func (in *Interp) callMethod(task *Task, frame *CallFrame, instr Instruction) error {
	recv := task.Stack.Get(frame.Base + int(instr.B()))
	if recv.Kind() != KindPtr {
		return TypeError("method call on non-object receiver")
	}
	obj, ok := in.Heap.Get(recv.AsPtr()).(*Object)
	if !ok {
		return TypeError("method call on non-object receiver")
	}
	fnID, ok := in.Methods.Resolve(obj.Class, MethodID(instr.C()))
	if !ok {
		return RuntimeError(fmt.Sprintf("no method slot %d on class %s", instr.C(), obj.Class.Name))
	}
	target := in.Functions[fnID]

	newBase := task.Stack.top
	if err := task.Stack.Reserve(newBase, target.RegisterCount); err != nil {
		return err
	}
	task.Stack.Set(newBase, recv)

	frame.IP++
	task.Frames = append(task.Frames, CallFrame{
		Func:    target,
		Base:    newBase,
		RetSlot: frame.Base + int(instr.A()),
		StackFn: target.StackMode,
	})
	if len(task.Frames) > in.maxStackDepth() {
		return ErrStackDepthExceeded
	}
	return nil
}

// ret pops the current frame, placing its return value in the caller
// register named by the popped frame's RetSlot. Returns true if this
// was the task's last frame (the task has finished running).
func (in *Interp) ret(task *Task, frame *CallFrame, instr Instruction) bool {
	var result Value
	if instr.C() != 0 {
		result = task.Stack.Get(frame.Base + int(instr.A()))
	} else {
		result = Null()
	}

	retSlot := frame.RetSlot
	task.Stack.top = frame.Base
	task.Frames = task.Frames[:len(task.Frames)-1]

	if len(task.Frames) == 0 {
		task.Result = result
		task.State = TaskCompleted
		return true
	}

	if retSlot >= 0 {
		task.Stack.Set(retSlot, result)
	}
	// The caller's IP already points past the call (and its extra-arg
	// word, for OpCall) because call()/callMethod() advanced it before
	// pushing this frame; do not advance it again here.
	return false
}

func (in *Interp) makeClosure(task *Task, frame *CallFrame, instr Instruction) error {
	c := extraArg(frame.Func, frame.IP)
	if c == nil || c.Kind != ConstFunctionRef {
		return RuntimeError("closure target not found")
	}
	captures := argRange(task, frame, instr)
	cl := &Closure{
		ObjectHeader: ObjectHeader{typeID: TypeClosure},
		FuncID:       FunctionID(c.Ref),
		Captures:     captures,
	}
	task.Stack.Set(frame.Base+int(instr.A()), in.Heap.Allocate(cl))
	frame.IP += 2
	return nil
}

func (in *Interp) newObject(task *Task, frame *CallFrame, instr Instruction) error {
	c := extraArg(frame.Func, frame.IP)
	if c == nil || c.Kind != ConstClassRef {
		return RuntimeError("class reference not found")
	}
	class := in.Classes.ByIndex(int(c.Ref))
	if class == nil {
		return RuntimeError("unknown class index")
	}
	obj := &Object{
		ObjectHeader: ObjectHeader{typeID: TypeObject},
		Class:        class,
		Fields:       make([]Value, class.NumFields()),
	}
	task.Stack.Set(frame.Base+int(instr.A()), in.Heap.Allocate(obj))
	frame.IP += 2
	return nil
}

func (in *Interp) asObject(task *Task, frame *CallFrame, reg uint8) (*Object, error) {
	v := task.Stack.Get(frame.Base + int(reg))
	if v.Kind() != KindPtr {
		return nil, TypeError("field access on non-object")
	}
	obj, ok := in.Heap.Get(v.AsPtr()).(*Object)
	if !ok {
		return nil, TypeError("field access on non-object")
	}
	return obj, nil
}

func (in *Interp) asArray(task *Task, frame *CallFrame, reg uint8) (*Array, error) {
	v := task.Stack.Get(frame.Base + int(reg))
	if v.Kind() != KindPtr {
		return nil, TypeError("index access on non-array")
	}
	arr, ok := in.Heap.Get(v.AsPtr()).(*Array)
	if !ok {
		return nil, TypeError("index access on non-array")
	}
	return arr, nil
}

// spawn creates a new Task running target with the given args, hands
// it to the scheduler, and leaves a handle to it (the Task's own heap
// pointer doubles as its TaskHandle) in register A. The spawning task
// keeps running; spawn never blocks it.
func (in *Interp) spawn(task *Task, frame *CallFrame, instr Instruction) error {
	c := extraArg(frame.Func, frame.IP)
	if c == nil || c.Kind != ConstFunctionRef || int(c.Ref) >= len(in.Functions) {
		return RuntimeError("spawn target not found")
	}
	target := in.Functions[c.Ref]
	args := argRange(task, frame, instr)

	child := NewTask(target, args, in.StackPool)
	if in.Scheduler != nil {
		if err := in.Scheduler.Spawn(child); err != nil {
			return err
		}
	}

	handle := in.Heap.Allocate(child)
	task.Stack.Set(frame.Base+int(instr.A()), handle)
	frame.IP += 2
	return nil
}

// await suspends task until the task referenced by register B has
// finished, then stores its result (or re-raises its error) in
// register A. Like chanRecv/mutexLock, it is level-triggered: on
// resume the instruction is simply re-executed, and this time the
// target's State will already be terminal.
func (in *Interp) await(task *Task, frame *CallFrame, instr Instruction) (StepOutcome, blockInfo) {
	target, err := in.asTask(task, frame, instr.B())
	if err != nil {
		return in.fail(task, err)
	}

	switch target.State {
	case TaskCompleted:
		task.Stack.Set(frame.Base+int(instr.A()), target.Result)
		frame.IP++
		return StepCompleted, blockInfo{}
	case TaskFailed:
		if !in.unwind(task, in.errValue(target.Err)) {
			return in.fail(task, target.Err)
		}
		return StepCompleted, blockInfo{}
	case TaskCancelled:
		if !in.unwind(task, in.errValue(ErrCancelled)) {
			return in.fail(task, ErrCancelled)
		}
		return StepCompleted, blockInfo{}
	}

	task.AwaitingID = target.ID
	task.Suspend = SuspendAwaitTask
	return StepBlocked, blockInfo{reason: SuspendAwaitTask}
}

// errValue boxes err as a thrown value for unwind. The VM's exception
// values carry no structured payload yet (spec's catchable exceptions
// are plain Values); a failed task's error surfaces to an awaiter as
// an interned string.
func (in *Interp) errValue(err error) Value {
	if err == nil {
		return Null()
	}
	return in.Heap.InternString([]byte(err.Error()))
}

func (in *Interp) asTask(task *Task, frame *CallFrame, reg uint8) (*Task, error) {
	v := task.Stack.Get(frame.Base + int(reg))
	if v.Kind() != KindPtr {
		return nil, TypeError("await on non-task handle")
	}
	t, ok := in.Heap.Get(v.AsPtr()).(*Task)
	if !ok {
		return nil, TypeError("await on non-task handle")
	}
	return t, nil
}

func (in *Interp) asMutex(task *Task, frame *CallFrame, reg uint8) (*Mutex, error) {
	v := task.Stack.Get(frame.Base + int(reg))
	if v.Kind() != KindPtr {
		return nil, TypeError("lock on non-mutex")
	}
	mo, ok := in.Heap.Get(v.AsPtr()).(*MutexObject)
	if !ok {
		return nil, TypeError("lock on non-mutex")
	}
	return mo.Mx, nil
}

func (in *Interp) asChannel(task *Task, frame *CallFrame, reg uint8) (*Channel, error) {
	v := task.Stack.Get(frame.Base + int(reg))
	if v.Kind() != KindPtr {
		return nil, TypeError("channel op on non-channel")
	}
	co, ok := in.Heap.Get(v.AsPtr()).(*ChannelObject)
	if !ok {
		return nil, TypeError("channel op on non-channel")
	}
	return co.Ch, nil
}

// mutexLock and its siblings below are single-word instructions: on
// success they leave frame.IP untouched and let interp.go's
// bottom-of-loop increment advance past them; on a block they also
// leave IP untouched, so the same instruction re-executes (and
// re-tries TryLock/TrySend/TryRecv) once the task is resumed.
func (in *Interp) mutexLock(task *Task, frame *CallFrame, instr Instruction) (StepOutcome, blockInfo) {
	mx, err := in.asMutex(task, frame, instr.A())
	if err != nil {
		return in.fail(task, err)
	}
	if mx.TryLock(task.ID) {
		return StepCompleted, blockInfo{}
	}
	mx.Enqueue(task.ID)
	task.Suspend = SuspendLockWait
	return StepBlocked, blockInfo{reason: SuspendLockWait, mutex: mx}
}

func (in *Interp) mutexUnlock(task *Task, frame *CallFrame, instr Instruction) error {
	mx, err := in.asMutex(task, frame, instr.A())
	if err != nil {
		return err
	}
	if _, _, err := mx.Unlock(task.ID); err != nil {
		return err
	}
	return nil
}

// wakeTask requeues id directly, used when a channel op matches a
// parked partner task without going through the reactor's poll.
func (in *Interp) wakeTask(id TaskId) {
	if in.Scheduler == nil {
		return
	}
	if t, ok := in.Scheduler.Lookup(id); ok {
		in.Scheduler.Requeue(-1, t)
	}
}

func (in *Interp) chanSend(task *Task, frame *CallFrame, instr Instruction) (StepOutcome, blockInfo) {
	ch, err := in.asChannel(task, frame, instr.A())
	if err != nil {
		return in.fail(task, err)
	}

	if task.PendingChan != nil {
		if _, done := task.PendingChan.Claim(task.ID); done {
			task.PendingChan = nil
			task.Suspend = SuspendNone
			return StepCompleted, blockInfo{}
		}
		return StepBlocked, blockInfo{reason: SuspendChannelSend, ch: ch}
	}

	val := task.Stack.Get(frame.Base + int(instr.B()))
	ok, woken, hasWoken, err := ch.TrySend(val)
	if err != nil {
		return in.fail(task, err)
	}
	if hasWoken {
		in.wakeTask(woken)
	}
	if ok {
		return StepCompleted, blockInfo{}
	}

	ch.EnqueueSender(task.ID, val)
	task.PendingChan = ch
	task.Suspend = SuspendChannelSend
	return StepBlocked, blockInfo{reason: SuspendChannelSend, ch: ch}
}

func (in *Interp) chanRecv(task *Task, frame *CallFrame, instr Instruction) (StepOutcome, blockInfo) {
	ch, err := in.asChannel(task, frame, instr.B())
	if err != nil {
		return in.fail(task, err)
	}

	if task.PendingChan != nil {
		if v, done := task.PendingChan.Claim(task.ID); done {
			task.Stack.Set(frame.Base+int(instr.A()), v)
			task.PendingChan = nil
			task.Suspend = SuspendNone
			return StepCompleted, blockInfo{}
		}
		return StepBlocked, blockInfo{reason: SuspendChannelRecv, ch: ch}
	}

	v, ok, woken, hasWoken, closedEmpty := ch.TryRecv()
	if hasWoken {
		in.wakeTask(woken)
	}
	if ok {
		task.Stack.Set(frame.Base+int(instr.A()), v)
		return StepCompleted, blockInfo{}
	}
	if closedEmpty {
		task.Stack.Set(frame.Base+int(instr.A()), Null())
		return StepCompleted, blockInfo{}
	}

	ch.EnqueueReceiver(task.ID)
	task.PendingChan = ch
	task.Suspend = SuspendChannelRecv
	return StepBlocked, blockInfo{reason: SuspendChannelRecv, ch: ch}
}

// unwind searches the task's handler stack for a scope that protects
// v's propagation, truncating Frames/Stack down to that point. A scope
// with a finally must run it exactly once before v either reaches a
// catch or keeps propagating (endFinally below resumes the search via
// a pending finallyResume record); a scope with only a catch jumps
// straight there. Returns false if no handler remains, meaning v
// should fail the task.
func (in *Interp) unwind(task *Task, v Value) bool {
	for len(task.Handlers) > 0 {
		h := task.Handlers[len(task.Handlers)-1]
		task.Handlers = task.Handlers[:len(task.Handlers)-1]

		if h.FrameDepth > len(task.Frames) {
			continue
		}
		task.Frames = task.Frames[:h.FrameDepth]
		frame := &task.Frames[len(task.Frames)-1]
		task.Stack.top = frame.Base + frame.Func.RegisterCount

		if h.FinallyTarget >= 0 {
			task.FinallyResume = append(task.FinallyResume, finallyResume{
				hasExc:      true,
				exc:         v,
				catchTarget: h.CatchTarget,
			})
			frame.IP = uint32(h.FinallyTarget)
			return true
		}
		if h.CatchTarget >= 0 {
			task.Stack.Set(frame.Base+frame.Func.RegisterCount-1, v)
			frame.IP = uint32(h.CatchTarget)
			return true
		}
	}
	return false
}

// endFinally runs when a finally body reaches its OpEndFinally: it
// pops the record unwind()/OpPopHandler left describing what should
// happen next, and either resumes normal flow, transfers to this
// scope's own catch, or keeps propagating the exception that drove it
// into an outer handler.
func (in *Interp) endFinally(task *Task, frame *CallFrame) (StepOutcome, blockInfo) {
	if len(task.FinallyResume) == 0 {
		return in.fail(task, RuntimeError("endfinally with no pending finally"))
	}
	r := task.FinallyResume[len(task.FinallyResume)-1]
	task.FinallyResume = task.FinallyResume[:len(task.FinallyResume)-1]

	if !r.hasExc {
		frame.IP = uint32(r.resumeIP)
		return StepCompleted, blockInfo{}
	}
	if r.catchTarget >= 0 {
		task.Stack.Set(frame.Base+frame.Func.RegisterCount-1, r.exc)
		frame.IP = uint32(r.catchTarget)
		return StepCompleted, blockInfo{}
	}
	if !in.unwind(task, r.exc) {
		task.Err = RuntimeError(fmt.Sprintf("unhandled exception: %v", r.exc.Kind()))
		return StepFailed, blockInfo{}
	}
	return StepCompleted, blockInfo{}
}

func (in *Interp) callNative(task *Task, frame *CallFrame, instr Instruction) (StepOutcome, blockInfo, error) {
	c := extraArg(frame.Func, frame.IP)
	if c == nil {
		return StepFailed, blockInfo{}, RuntimeError("native function reference not found")
	}
	args := argRange(task, frame, instr)
	fnDesc, ok := in.Natives.Lookup(c.Ref)
	if !ok {
		return StepFailed, blockInfo{}, RuntimeError(fmt.Sprintf("unknown native function %d", c.Ref))
	}
	for _, need := range fnDesc.Required {
		if !in.Capabilities.Has(need) {
			return StepFailed, blockInfo{}, CapabilityDenied(fnDesc.Name, need)
		}
	}

	result := fnDesc.Handler(&NativeContext{Heap: in.Heap, TaskID: task.ID, Caps: fnDesc.Required}, args)
	switch result.Kind {
	case NativeValue:
		task.Stack.Set(frame.Base+int(instr.A()), result.Value)
		frame.IP += 2
		return StepCompleted, blockInfo{}, nil
	case NativeException:
		if !in.unwind(task, result.Value) {
			return StepFailed, blockInfo{}, RuntimeError("unhandled native exception")
		}
		return StepCompleted, blockInfo{}, nil
	case NativeSuspend:
		frame.IP += 2
		task.Suspend = SuspendIo
		return StepBlocked, blockInfo{reason: SuspendIo}, nil
	default:
		return StepFailed, blockInfo{}, RuntimeError("native call unhandled")
	}
}
