package vm

// Heap object payloads (spec §3.2, §4.1). Each type embeds
// ObjectHeader and implements Trace, the precise-GC contract from
// header.go. Shapes follow spec §3.2's enumeration directly; field
// naming follows the teacher's Instruction/HardwareDevice structs
// (plain exported fields, no accessor boilerplate where the type is
// only touched from within package vm).

// String is an immutable byte sequence. Short/duplicate strings are
// interned by the Heap (heap.go) via fastcache rather than here.
type String struct {
	ObjectHeader
	Bytes []byte
}

func (s *String) Trace() []Value { return nil }

// Array is a growable, homogeneous-in-nothing Value slice.
type Array struct {
	ObjectHeader
	Elems []Value
}

func (a *Array) Trace() []Value { return a.Elems }

// Object is an instance of a Class: a flat slice of field Values
// indexed the way the Class's field layout says (spec §4.1 "Object
// layout").
type Object struct {
	ObjectHeader
	Class  *Class
	Fields []Value
}

func (o *Object) Trace() []Value {
	// The Class pointer itself is not traced as a Value: classes are
	// held live by the ClassRegistry for the program's whole lifetime,
	// not by instance graphs.
	return o.Fields
}

// Closure pairs a function with its captured upvalues (spec §4.2
// "Calls & closures").
type Closure struct {
	ObjectHeader
	FuncID    FunctionID
	Captures  []Value
}

func (c *Closure) Trace() []Value { return c.Captures }

// ChannelObject is the heap handle wrapping a Channel's waiter/buffer
// state (sync_channel.go), boxed as a Value so it can be stored in
// registers, fields and arrays like any other reference type.
type ChannelObject struct {
	ObjectHeader
	Ch *Channel
}

func (c *ChannelObject) Trace() []Value { return nil }

// MutexObject is the heap handle wrapping a Mutex (sync_mutex.go).
type MutexObject struct {
	ObjectHeader
	Mx *Mutex
}

func (m *MutexObject) Trace() []Value { return nil }

// Buffer is an uninterpreted byte payload used by native I/O handlers
// (spec §6.2 "Native ABI"). Unlike String it is mutable.
type Buffer struct {
	ObjectHeader
	Bytes []byte
}

func (b *Buffer) Trace() []Value { return nil }
