package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoots struct{ roots []Value }

func (f fakeRoots) Roots(dst []Value) []Value { return append(dst, f.roots...) }

func TestHeapAllocateAndGet(t *testing.T) {
	h := NewHeap(1 << 20)
	v := h.Allocate(&String{ObjectHeader: ObjectHeader{typeID: TypeString}, Bytes: []byte("hi")})
	require.Equal(t, KindPtr, v.Kind())

	obj := h.Get(v.AsPtr())
	require.NotNil(t, obj)
	s, ok := obj.(*String)
	require.True(t, ok)
	assert.Equal(t, "hi", string(s.Bytes))
}

func TestHeapCollectSweepsUnreachable(t *testing.T) {
	h := NewHeap(1 << 20)

	kept := h.Allocate(&Array{ObjectHeader: ObjectHeader{typeID: TypeArray}, Elems: []Value{Int32(1)}})
	_ = h.Allocate(&Array{ObjectHeader: ObjectHeader{typeID: TypeArray}, Elems: []Value{Int32(2)}})

	stats := h.Collect(fakeRoots{roots: []Value{kept}})
	assert.EqualValues(t, 1, stats.Collections)
	assert.Greater(t, stats.LastFreed, uint64(0))

	assert.NotNil(t, h.Get(kept.AsPtr()))
}

func TestHeapCollectTracesReachableGraph(t *testing.T) {
	h := NewHeap(1 << 20)

	inner := h.Allocate(&String{ObjectHeader: ObjectHeader{typeID: TypeString}, Bytes: []byte("x")})
	outer := h.Allocate(&Array{ObjectHeader: ObjectHeader{typeID: TypeArray}, Elems: []Value{inner}})

	h.Collect(fakeRoots{roots: []Value{outer}})

	assert.NotNil(t, h.Get(outer.AsPtr()), "root itself survives")
	assert.NotNil(t, h.Get(inner.AsPtr()), "object reachable only via the root's Trace() survives")
}

func TestHeapInternStringDeduplicates(t *testing.T) {
	h := NewHeap(1 << 20)
	a := h.InternString([]byte("shared"))
	b := h.InternString([]byte("shared"))
	assert.Equal(t, a.AsPtr(), b.AsPtr(), "identical content should share one allocation")
}

func TestHeapNeedsCollection(t *testing.T) {
	h := NewHeap(64)
	assert.False(t, h.NeedsCollection())
	h.Allocate(&Array{ObjectHeader: ObjectHeader{typeID: TypeArray}, Elems: make([]Value, 16)})
	assert.True(t, h.NeedsCollection())
}
