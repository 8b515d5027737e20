package vm

// Register-based instruction set (spec §4.2). Instructions are 32-bit
// words; decoding follows the teacher's packed-Instruction approach in
// compile.go ({code uint16, register uint16, arg uint32} widened here
// to one word) and the opcode-table construction style of
// bytecode.go's strToInstrMap/instrToStrMap, generalized to a
// register machine the way sentra's internal/vm register bytecode
// (one of the other example files, iABC/iABx format) lays out opcode
// + three operand fields in a single word.
//
//	bits [31:24] opcode
//	bits [23:16] operand A (register or sub-field)
//	bits [15:8]  operand B
//	bits [7:0]   operand C
//
// Instructions needing a wider immediate (constant index, jump
// offset) use the Bx form: opcode + A + a 16-bit Bx packed from B:C.

// Opcode is one instruction's operation.
type Opcode uint8

const (
	// Constants & moves
	OpLoadConst Opcode = iota // A = K[Bx]
	OpLoadNull
	OpLoadBool // A = bool(B)
	OpLoadInt  // A = sext(Bx) as Int32
	OpMove     // A = B

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// Comparison & logic
	OpEq
	OpLt
	OpLe
	OpNot
	OpAnd
	OpOr

	// Control flow
	OpJump   // IP += sext(Bx)
	OpJumpIf // if truthy(A): IP += sext(Bx)
	OpJumpIfNot

	// Calls. OpCall/OpClosure/OpSpawn/OpCallNative (and OpNewObject
	// below) each consume one extra raw instruction word immediately
	// following them, holding the wide constant/function index (the
	// "extra arg" convention Lua's iABx-with-overflow instructions use);
	// A is the destination register and B/C give the contiguous argument
	// register range [B, B+C). OpCallMethod is a single word: B is the
	// receiver register and C the vtable slot.
	OpCall       // A = call Func K[next word] with args B..B+C
	OpCallMethod // A = call virtual method C on receiver B
	OpReturn     // return A (or void if C == 0)
	OpClosure    // A = make closure over Func K[next word] capturing B..B+C

	// Object / array ops
	OpNewObject // A = new instance of Class K[next word]
	OpNewArray  // A = new array of length B
	OpGetField
	OpSetField
	OpGetIndex
	OpSetIndex

	// Concurrency
	OpSpawn     // A = spawn task running Func K[next word] with args B..B+C
	OpAwait     // A = result of awaiting task in B
	OpMutexLock
	OpMutexUnlock
	OpChanSend
	OpChanRecv
	OpYield

	// Exceptions. OpPushHandler's A is a 2-bit flag field: bit 0 is
	// "has finally", bit 1 is "has catch". Bx is the catch target's
	// displacement (meaningful only when bit 1 is set), computed
	// relative to the instruction immediately following this one (or,
	// when bit 0 is also set, following the extra raw word below). When
	// bit 0 is set, one extra raw instruction word follows holding the
	// finally target's displacement as a plain int32, same convention.
	OpThrow
	OpPushHandler
	OpPopHandler
	OpEndFinally // resume normal flow or re-raise once a finally body finishes, per Task.FinallyResume

	// Native
	OpCallNative // A = call native function id K[next word] with args B..B+C

	// Legacy stack-mode subset (interp_stack.go), present only in
	// modules whose Function.StackMode is true.
	OpPush
	OpPop
	OpDup
	OpSwap

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	OpLoadConst: "loadconst", OpLoadNull: "loadnull", OpLoadBool: "loadbool",
	OpLoadInt: "loadint", OpMove: "move",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod", OpNeg: "neg",
	OpEq: "eq", OpLt: "lt", OpLe: "le", OpNot: "not", OpAnd: "and", OpOr: "or",
	OpJump: "jump", OpJumpIf: "jumpif", OpJumpIfNot: "jumpifnot",
	OpCall: "call", OpCallMethod: "callmethod", OpReturn: "return", OpClosure: "closure",
	OpNewObject: "newobject", OpNewArray: "newarray",
	OpGetField: "getfield", OpSetField: "setfield",
	OpGetIndex: "getindex", OpSetIndex: "setindex",
	OpSpawn: "spawn", OpAwait: "await",
	OpMutexLock: "mutexlock", OpMutexUnlock: "mutexunlock",
	OpChanSend: "chansend", OpChanRecv: "chanrecv", OpYield: "yield",
	OpThrow: "throw", OpPushHandler: "pushhandler", OpPopHandler: "pophandler", OpEndFinally: "endfinally",
	OpCallNative: "callnative",
	OpPush: "push", OpPop: "pop", OpDup: "dup", OpSwap: "swap",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return "?unknown?"
}

func (op Opcode) valid() bool { return op < opcodeCount }

// Instruction is one packed 32-bit instruction word.
type Instruction uint32

// NewInstructionABC packs an opcode with three byte operands.
func NewInstructionABC(op Opcode, a, b, c uint8) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(b)<<8 | uint32(c))
}

// NewInstructionABx packs an opcode, a byte operand, and a wide
// 16-bit operand (constant index, jump displacement).
func NewInstructionABx(op Opcode, a uint8, bx uint16) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(bx))
}

func (i Instruction) Op() Opcode { return Opcode(i >> 24) }
func (i Instruction) A() uint8   { return uint8(i >> 16) }
func (i Instruction) B() uint8   { return uint8(i >> 8) }
func (i Instruction) C() uint8   { return uint8(i) }
func (i Instruction) Bx() uint16 { return uint16(i) }

// SBx returns Bx reinterpreted as a signed displacement, for jumps.
func (i Instruction) SBx() int32 { return int32(int16(i.Bx())) }
