package vm

// Legacy stack-mode subset (spec §9 Open Questions: kept as an
// optional, function-local execution mode rather than removed).
// Grounded directly on the teacher's original execution model: vm.go
// held one implicit operand stack and every instruction pushed/popped
// it (push/pop/dup/swap plus arithmetic consuming two and producing
// one). Functions compiled this way are marked Function.StackMode at
// load and never mix with register-relative addressing; interp.go
// detects the mode per frame and delegates here one instruction at a
// time.

func (in *Interp) push(task *Task, frame *CallFrame, v Value) error {
	idx := frame.Base + frame.SP
	if err := task.Stack.Reserve(frame.Base, frame.SP+1); err != nil {
		return err
	}
	task.Stack.Set(idx, v)
	frame.SP++
	return nil
}

func (in *Interp) pop(task *Task, frame *CallFrame) (Value, error) {
	if frame.SP == 0 {
		return Value(0), ErrStackUnderflow
	}
	frame.SP--
	return task.Stack.Get(frame.Base + frame.SP), nil
}

// stepStack executes exactly one instruction of a stack-mode
// function. It mirrors interp.go's Run in structure (safepoint check,
// decode, execute) but is only ever reached with frame.StackFn true.
func (in *Interp) stepStack(task *Task, frame *CallFrame, flags *safepointFlags) (StepOutcome, blockInfo, error) {
	fn := frame.Func
	if int(frame.IP) >= len(fn.Code) {
		task.Result = Null()
		task.State = TaskCompleted
		task.Frames = task.Frames[:len(task.Frames)-1]
		return StepCompleted, blockInfo{}, nil
	}

	instr := fn.Code[frame.IP]
	op := instr.Op()

	switch reason := flags.Check(); reason {
	case StopGC, StopShutdown:
		return StepYielded, blockInfo{}, nil
	case StopCancelled:
		flags.cancelRequested.Store(false)
		outcome, info := in.fail(task, ErrCancelled)
		return outcome, info, nil
	case StopPreempted:
		flags.preemptRequest.Store(false)
		task.preemptStreak++
		if task.preemptStreak > in.maxPreemptionsPerYield() {
			outcome, info := in.fail(task, ErrPreemptionBudgetExceeded)
			return outcome, info, nil
		}
		return StepYielded, blockInfo{}, nil
	}
	task.preemptStreak = 0

	switch op {
	case OpPush:
		c := fn.constAt(instr.Bx())
		if err := in.push(task, frame, constToValue(in, c)); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpPop:
		if _, err := in.pop(task, frame); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpDup:
		if frame.SP == 0 {
			return StepFailed, blockInfo{}, ErrStackUnderflow
		}
		v := task.Stack.Get(frame.Base + frame.SP - 1)
		if err := in.push(task, frame, v); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpSwap:
		if frame.SP < 2 {
			return StepFailed, blockInfo{}, ErrStackUnderflow
		}
		i, j := frame.Base+frame.SP-1, frame.Base+frame.SP-2
		a, b := task.Stack.Get(i), task.Stack.Get(j)
		task.Stack.Set(i, b)
		task.Stack.Set(j, a)

	case OpLoadConst:
		c := fn.constAt(instr.Bx())
		if err := in.push(task, frame, constToValue(in, c)); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpLoadNull:
		if err := in.push(task, frame, Null()); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpLoadBool:
		if err := in.push(task, frame, Bool(instr.B() != 0)); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpLoadInt:
		if err := in.push(task, frame, Int32(int32(instr.SBx()))); err != nil {
			return StepFailed, blockInfo{}, err
		}

	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		b, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		a, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		v, err := stackArith(op, a, b)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		if err := in.push(task, frame, v); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpNeg:
		a, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		if err := in.push(task, frame, negate(a)); err != nil {
			return StepFailed, blockInfo{}, err
		}

	case OpEq, OpLt, OpLe:
		b, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		a, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		if err := in.push(task, frame, Bool(compareValues(op, a, b))); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpNot:
		a, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		if err := in.push(task, frame, Bool(!a.AsBool())); err != nil {
			return StepFailed, blockInfo{}, err
		}
	case OpAnd, OpOr:
		b, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		a, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		var r bool
		if op == OpAnd {
			r = a.AsBool() && b.AsBool()
		} else {
			r = a.AsBool() || b.AsBool()
		}
		if err := in.push(task, frame, Bool(r)); err != nil {
			return StepFailed, blockInfo{}, err
		}

	case OpJump:
		frame.IP = uint32(int32(frame.IP) + 1 + instr.SBx())
		return StepCompleted, blockInfo{}, nil
	case OpJumpIf:
		v, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		if v.AsBool() {
			frame.IP = uint32(int32(frame.IP) + 1 + instr.SBx())
			return StepCompleted, blockInfo{}, nil
		}
	case OpJumpIfNot:
		v, err := in.pop(task, frame)
		if err != nil {
			return StepFailed, blockInfo{}, err
		}
		if !v.AsBool() {
			frame.IP = uint32(int32(frame.IP) + 1 + instr.SBx())
			return StepCompleted, blockInfo{}, nil
		}

	case OpReturn:
		result := Null()
		if frame.SP > 0 {
			result, _ = in.pop(task, frame)
		}
		retSlot := frame.RetSlot
		task.Stack.top = frame.Base
		task.Frames = task.Frames[:len(task.Frames)-1]
		if len(task.Frames) == 0 {
			task.Result = result
			task.State = TaskCompleted
			return StepCompleted, blockInfo{}, nil
		}
		caller := &task.Frames[len(task.Frames)-1]
		// caller.IP already points past the call (register-mode OpCall
		// is the only way to reach a stack-mode callee, and it advances
		// the caller's IP before pushing this frame); don't advance it
		// again here.
		if caller.StackFn {
			if err := in.push(task, caller, result); err != nil {
				return StepFailed, blockInfo{}, err
			}
		} else if retSlot >= 0 {
			task.Stack.Set(retSlot, result)
		}
		return StepCompleted, blockInfo{}, nil

	case OpCallNative:
		c := extraArg(fn, frame.IP)
		if c == nil {
			return StepFailed, blockInfo{}, RuntimeError("native function reference not found")
		}
		desc, ok := in.Natives.Lookup(c.Ref)
		if !ok {
			return StepFailed, blockInfo{}, RuntimeError("unknown native function")
		}
		for _, need := range desc.Required {
			if !in.Capabilities.Has(need) {
				return StepFailed, blockInfo{}, CapabilityDenied(desc.Name, need)
			}
		}
		n := int(instr.A())
		args := make([]Value, n)
		for i := n - 1; i >= 0; i-- {
			v, err := in.pop(task, frame)
			if err != nil {
				return StepFailed, blockInfo{}, err
			}
			args[i] = v
		}
		result := desc.Handler(&NativeContext{Heap: in.Heap, TaskID: task.ID, Caps: desc.Required}, args)
		switch result.Kind {
		case NativeValue:
			if err := in.push(task, frame, result.Value); err != nil {
				return StepFailed, blockInfo{}, err
			}
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
		frame.IP++ // extra-arg word
	default:
		return StepFailed, blockInfo{}, InvalidOpcode(uint8(op))
	}

	frame.IP++
	return StepCompleted, blockInfo{}, nil
}

func stackArith(op Opcode, a, b Value) (Value, error) {
	if a.Kind() == KindInt32 && b.Kind() == KindInt32 {
		x, y := a.AsInt32(), b.AsInt32()
		switch op {
		case OpAdd:
			return Int32(x + y), nil
		case OpSub:
			return Int32(x - y), nil
		case OpMul:
			return Int32(x * y), nil
		case OpDiv:
			if y == 0 {
				return Value(0), ErrDivisionByZero
			}
			return Int32(x / y), nil
		case OpMod:
			if y == 0 {
				return Value(0), ErrDivisionByZero
			}
			return Int32(x % y), nil
		}
	}
	x, y := toFloat(a), toFloat(b)
	switch op {
	case OpAdd:
		return Float64(x + y), nil
	case OpSub:
		return Float64(x - y), nil
	case OpMul:
		return Float64(x * y), nil
	case OpDiv:
		return Float64(x / y), nil
	default:
		return Value(0), TypeError("mod not defined for float64")
	}
}
