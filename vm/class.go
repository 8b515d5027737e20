package vm

// Class/VTable construction and polymorphic dispatch (spec §4.1
// "Classes & dispatch", §9 Open Questions). Inheritance resolution
// mirrors the teacher's table-building style in bytecode.go
// (strToInstrMap/instrToStrMap built once at init from a flat
// description) generalized to per-program class linking; the inline
// method cache is new code grounded on spec §4.1's "dispatch should
// not re-walk the vtable chain on the hot path" note, backed by
// hashicorp/golang-lru the way go-probeum backs its trie/block caches.

import (
	lru "github.com/hashicorp/golang-lru"
)

// MethodID indexes a slot in a Class's VTable.
type MethodID uint32

// Class describes a Raya class: its field layout and its resolved
// method vtable. Fields and vtable slots inherited from Super are
// placed at the same indices as in Super (vtable prefix inheritance),
// so a subclass's vtable is always at least as long as its parent's
// and overriding a method only ever replaces a slot in place.
type Class struct {
	ObjectHeader
	Name        string
	FieldNames  []string
	VTable      []FunctionID
	methodNames []string
	Super       *Class
}

func (c *Class) Trace() []Value { return nil }

// NumFields reports the instance field count, including inherited
// fields.
func (c *Class) NumFields() int { return len(c.FieldNames) }

// LinkClass builds a Class by applying methods (declared-in-this-class
// method name -> FunctionID) on top of super's vtable: inherited slots
// keep super's FunctionID unless overridden, and newly declared
// methods not present in super are appended.
//
// names/methods are parallel slices in declaration order; fieldNames
// likewise. This is called once per class at module load time
// (Runtime.Load in runtime.go), never on the interpreter hot path.
func LinkClass(name string, fieldNames []string, methodNames []string, methods []FunctionID, super *Class) *Class {
	c := &Class{
		ObjectHeader: ObjectHeader{typeID: TypeClass},
		Name:         name,
		Super:        super,
	}

	if super != nil {
		c.FieldNames = append(append([]string(nil), super.FieldNames...), fieldNames...)
		c.VTable = append([]FunctionID(nil), super.VTable...)
	} else {
		c.FieldNames = append([]string(nil), fieldNames...)
	}

	slot := make(map[string]int, len(c.VTable))
	if super != nil {
		for i, n := range superMethodNames(super) {
			slot[n] = i
		}
	}

	for i, mname := range methodNames {
		if idx, ok := slot[mname]; ok {
			c.VTable[idx] = methods[i]
			continue
		}
		slot[mname] = len(c.VTable)
		c.VTable = append(c.VTable, methods[i])
	}

	c.methodNames = make([]string, len(c.VTable))
	if super != nil {
		copy(c.methodNames, superMethodNames(super))
	}
	for i, mname := range methodNames {
		c.methodNames[slot[mname]] = mname
	}

	return c
}

// superMethodNames returns super's per-slot method names, used only by
// LinkClass to find which inherited slot a same-named override lands
// on. LinkClass records these names on every class it builds; for a
// Class built without them it returns one empty name per vtable slot,
// so no declared method matches an inherited slot.
func superMethodNames(super *Class) []string {
	if super.methodNames != nil {
		return super.methodNames
	}
	return make([]string, len(super.VTable))
}

// dispatchKey identifies one (class, method) resolution for the
// inline cache.
type dispatchKey struct {
	class  *Class
	method MethodID
}

// MethodCache is an inline cache mapping (class, method slot) to the
// resolved FunctionID, avoiding repeated vtable indexing on
// monomorphic call sites (spec §4.1). Bounded LRU: cache pressure from
// megamorphic call sites degrades to eviction rather than unbounded
// growth.
type MethodCache struct {
	cache *lru.Cache
}

// NewMethodCache builds a method cache holding up to size resolved
// call-site entries.
func NewMethodCache(size int) *MethodCache {
	c, err := lru.New(size)
	if err != nil {
		// Only returns an error for size <= 0.
		c, _ = lru.New(256)
	}
	return &MethodCache{cache: c}
}

// Resolve returns the FunctionID bound to method on class, consulting
// (and populating) the inline cache.
func (mc *MethodCache) Resolve(class *Class, method MethodID) (FunctionID, bool) {
	key := dispatchKey{class: class, method: method}
	if v, ok := mc.cache.Get(key); ok {
		return v.(FunctionID), true
	}
	if int(method) >= len(class.VTable) {
		return 0, false
	}
	fn := class.VTable[method]
	mc.cache.Add(key, fn)
	return fn, true
}
