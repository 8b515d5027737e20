package vm

// Bytecode module wire format and verifier (spec §4.2 "Module format",
// §7 "Verification is a distinct pass from decode"). Shape follows the
// teacher's CompileSourceFromBuffer pipeline in compile.go: a flat
// assembled form plus a label/constant resolution pass, generalized
// into a structured Module the loader reads once before any
// instruction executes.

import "fmt"

// ConstKind tags a ConstantPool entry's payload type.
type ConstKind uint8

const (
	ConstInt32 ConstKind = iota
	ConstFloat64
	ConstString
	ConstFunctionRef
	ConstClassRef
)

// Constant is one entry in a Module's constant pool.
type Constant struct {
	Kind ConstKind
	I32  int32
	F64  float64
	Str  string
	Ref  uint32 // FunctionID or class index, depending on Kind
}

// Function is one compiled function body. Consts points at the owning
// Module's constant pool; it is wired up by the loader (Runtime.Load in
// runtime.go) once per loaded module, not per call.
type Function struct {
	Name          string
	Arity         int
	RegisterCount int
	Code          []Instruction
	StackMode     bool // true selects the legacy interp_stack.go path
	Consts        []Constant
}

// ClassDef declares one class's shape before linking (class.go
// resolves ClassDef + Super into a live *Class).
type ClassDef struct {
	Name        string
	FieldNames  []string
	MethodNames []string
	Methods     []FunctionID
	SuperIndex  int // -1 for no superclass
}

// Metadata carries module-level provenance, unchecked by the
// verifier, surfaced only for diagnostics (spec §4.2).
type Metadata struct {
	SourceName string
	Version    uint32
}

// Module is a fully decoded, not-yet-verified bytecode unit.
type Module struct {
	Constants []Constant
	Functions []Function
	Classes   []ClassDef
	EntryFunc FunctionID
	Meta      Metadata
}

// VerifyError reports a single structural fault found by VerifyModule.
type VerifyError struct {
	Func string
	IP   int
	Msg  string
}

func (e *VerifyError) Error() string {
	if e.Func == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s@%d: %s", e.Func, e.IP, e.Msg)
}

// VerifyModule checks structural well-formedness independently of
// execution (spec §7): every constant reference in range, every jump
// target in range, every class's superclass index in range, and every
// opcode a known one. It does not check register operands against
// RegisterCount — Raya functions are unchecked on register use the
// way the teacher's VM trusts the compiler's register allocation.
func VerifyModule(m *Module) error {
	for ci := range m.Classes {
		c := &m.Classes[ci]
		if c.SuperIndex < -1 || c.SuperIndex >= len(m.Classes) {
			return &VerifyError{Msg: fmt.Sprintf("class %q: super index %d out of range", c.Name, c.SuperIndex)}
		}
		if c.SuperIndex >= ci {
			return &VerifyError{Msg: fmt.Sprintf("class %q: super index %d must precede it", c.Name, c.SuperIndex)}
		}
		for _, fn := range c.Methods {
			if int(fn) >= len(m.Functions) {
				return &VerifyError{Msg: fmt.Sprintf("class %q: method func %d out of range", c.Name, fn)}
			}
		}
	}

	if int(m.EntryFunc) >= len(m.Functions) {
		return &VerifyError{Msg: fmt.Sprintf("entry function %d out of range", m.EntryFunc)}
	}

	for fi := range m.Functions {
		fn := &m.Functions[fi]
		if err := verifyFunction(m, fn); err != nil {
			return err
		}
	}
	return nil
}

func verifyFunction(m *Module, fn *Function) error {
	n := len(fn.Code)
	for ip := 0; ip < n; ip++ {
		instr := fn.Code[ip]
		op := instr.Op()
		if !op.valid() {
			return &VerifyError{Func: fn.Name, IP: ip, Msg: fmt.Sprintf("unknown opcode 0x%02x", uint8(op))}
		}
		if fn.StackMode {
			switch op {
			case OpPush, OpPop, OpDup, OpSwap, OpJump, OpJumpIf, OpJumpIfNot, OpReturn, OpCallNative, OpLoadConst, OpLoadInt, OpLoadBool, OpLoadNull, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg, OpEq, OpLt, OpLe, OpNot, OpAnd, OpOr:
				// legacy subset: allowed.
			default:
				return &VerifyError{Func: fn.Name, IP: ip, Msg: fmt.Sprintf("opcode %s not valid in stack mode", op)}
			}
		}

		switch op {
		case OpLoadConst:
			if int(instr.Bx()) >= len(m.Constants) {
				return &VerifyError{Func: fn.Name, IP: ip, Msg: "constant index out of range"}
			}
		case OpJump, OpJumpIf, OpJumpIfNot:
			target := ip + 1 + int(instr.SBx())
			if target < 0 || target > n {
				return &VerifyError{Func: fn.Name, IP: ip, Msg: "jump target out of range"}
			}
		case OpCall, OpClosure, OpSpawn, OpNewObject, OpCallNative:
			if ip+1 >= n {
				return &VerifyError{Func: fn.Name, IP: ip, Msg: "missing extra-arg word"}
			}
			extra := int(fn.Code[ip+1])
			if extra >= len(m.Constants) {
				return &VerifyError{Func: fn.Name, IP: ip, Msg: "extra-arg constant index out of range"}
			}
			ip++ // skip the consumed extra-arg word
		case OpPushHandler:
			hasFinally := instr.A()&1 != 0
			hasCatch := instr.A()&2 != 0
			wordsConsumed := 1
			if hasFinally {
				if ip+1 >= n {
					return &VerifyError{Func: fn.Name, IP: ip, Msg: "missing finally-target extra word"}
				}
				wordsConsumed = 2
				finallyTarget := ip + 2 + int(int32(fn.Code[ip+1]))
				if finallyTarget < 0 || finallyTarget > n {
					return &VerifyError{Func: fn.Name, IP: ip, Msg: "finally target out of range"}
				}
			}
			if hasCatch {
				catchTarget := ip + wordsConsumed + int(instr.SBx())
				if catchTarget < 0 || catchTarget > n {
					return &VerifyError{Func: fn.Name, IP: ip, Msg: "catch target out of range"}
				}
			}
			ip += wordsConsumed - 1 // skip the consumed extra word, if any
		}
	}
	return nil
}
