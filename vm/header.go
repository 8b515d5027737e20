package vm

// Object header and the type registry's pointer-map contract (spec
// §3.2). The teacher's register/stack/memory model has no heap of its
// own (its "memory" is a flat byte array); this is new code grounded
// directly in spec §3.2 and §4.1, and in the original Rust source's
// `raya-core/src/gc/header.rs` doc comment describing a 16-byte,
// 8-byte-aligned header.
//
// Go objects are already precisely typed and garbage-collected by the
// host runtime, so there is no raw byte offset to compute a
// PointerMap against. We keep the spec's *contract* — "the type
// registry returns, for a given object, the set of Value-bearing
// slots so the GC can trace precisely, never conservatively" — but
// express it as a `Trace` method per heap object instead of a
// byte-offset table. This is the idiomatic-Go rendition of the same
// invariant: no heap object is ever scanned conservatively, and every
// type_id has a registered, total Trace function.

// TypeID identifies a heap object's shape to the TypeRegistry.
type TypeID uint32

const (
	TypeString TypeID = iota + 1
	TypeArray
	TypeObject
	TypeClass
	TypeClosure
	TypeChannel
	TypeMutex
	TypeTask
	TypeBuffer
)

func (t TypeID) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeArray:
		return "Array"
	case TypeObject:
		return "Object"
	case TypeClass:
		return "Class"
	case TypeClosure:
		return "Closure"
	case TypeChannel:
		return "Channel"
	case TypeMutex:
		return "Mutex"
	case TypeTask:
		return "Task"
	case TypeBuffer:
		return "Buffer"
	default:
		return "?unknown?"
	}
}

// ObjectHeader precedes every heap object's payload (spec §3.2):
// marked, type_id, size, and an age counter used only for debug
// statistics (the GC here is not generational).
type ObjectHeader struct {
	marked bool
	typeID TypeID
	size   uint32
	age    uint8
}

// HeapObject is satisfied by every allocatable payload type (String,
// Array, Object, Class, Closure, ChannelObject, MutexObject, Task,
// Buffer).
type HeapObject interface {
	header() *ObjectHeader
	// Trace returns the Values this object directly references,
	// which the GC recurses into. This is the object's PointerMap,
	// expressed functionally rather than as byte offsets.
	Trace() []Value
}

func (h *ObjectHeader) header() *ObjectHeader { return h }

// TypeID reports the object's registered type.
func (h *ObjectHeader) TypeID() TypeID { return h.typeID }
