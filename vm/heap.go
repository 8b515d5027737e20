package vm

// Heap allocator and stop-the-world precise mark-sweep GC (spec §4.1,
// §4.5). Allocation bookkeeping (threshold doubling, bytes-live
// accounting) mirrors the teacher's memoryManagement device in
// devices.go, which tracked a used/total byte counter behind a mutex;
// here the counters gate collection instead of refusing writes.
// String interning uses VictoriaMetrics/fastcache the way go-probeum
// uses it to cache trie nodes — a fixed-size byte-keyed cache in front
// of heap allocation.

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
)

// GcStats summarizes the most recent collection (spec §4.1 "GC
// trigger points").
type GcStats struct {
	Collections  uint64
	LastLive     uint64
	LastFreed    uint64
	BytesAllocated uint64
}

// HeapStats is a live snapshot of allocator state, used by the debug
// CLI's stats table.
type HeapStats struct {
	Live      int
	Capacity  int
	Threshold uint64
	Used      uint64
	GcStats
}

// RootProvider supplies the GC with every Value currently reachable
// from mutator state outside the heap. The Scheduler implements it
// (scheduler.go) by walking the register stack of every live task;
// the class and module registries contribute no roots.
type RootProvider interface {
	// Roots appends every live Value into dst and returns the result,
	// the same append-and-return shape Stack.Trace uses.
	Roots(dst []Value) []Value
}

// Heap owns every allocated object, indexed by address. Address 0 is
// never issued, so the zero Value of a Ptr-kind slot reliably decodes
// to an invalid reference instead of a valid live object.
type Heap struct {
	mu      sync.Mutex
	objects []HeapObject // objects[addr-1] is the object at that address
	free    []uint64     // recycled addresses, LIFO
	used    uint64       // bytes attributed to live objects
	threshold uint64

	strings *fastcache.Cache // interned String payloads, keyed by content

	stats GcStats
}

// NewHeap builds a Heap with the given initial GC threshold (spec
// §6.3 InitialGCThresholdBytes) and a 4 MiB string-interning cache.
func NewHeap(initialThreshold uint64) *Heap {
	if initialThreshold == 0 {
		initialThreshold = 1 << 20
	}
	return &Heap{
		threshold: initialThreshold,
		strings:   fastcache.New(4 << 20),
	}
}

func sizeOf(obj HeapObject) uint64 {
	switch o := obj.(type) {
	case *String:
		return uint64(24 + len(o.Bytes))
	case *Array:
		return uint64(24 + 8*len(o.Elems))
	case *Object:
		return uint64(24 + 8*len(o.Fields))
	case *Closure:
		return uint64(24 + 8*len(o.Captures))
	case *Buffer:
		return uint64(24 + len(o.Bytes))
	case *Task:
		return uint64(64 + 8*o.Stack.Cap())
	default:
		return 32
	}
}

// Allocate stores obj on the heap and returns a boxed pointer Value
// addressing it. The caller must hold no expectation of a stable Go
// pointer across a moving collector: this GC is mark-sweep, not
// compacting, so the address (and the *Object etc. behind it) never
// moves once allocated.
func (h *Heap) Allocate(obj HeapObject) Value {
	h.mu.Lock()
	defer h.mu.Unlock()

	var addr uint64
	if n := len(h.free); n > 0 {
		addr = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[addr-1] = obj
	} else {
		h.objects = append(h.objects, obj)
		addr = uint64(len(h.objects))
	}

	sz := sizeOf(obj)
	hdr := obj.header()
	hdr.size = uint32(sz)
	h.used += sz
	h.stats.BytesAllocated += sz

	return Ptr(addr)
}

// NeedsCollection reports whether live bytes have crossed the current
// threshold (spec §4.1 trigger point). The interpreter does not check
// it when allocating; Runtime.gcLoop (runtime.go) polls it every 2 ms.
func (h *Heap) NeedsCollection() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used >= h.threshold
}

// Get dereferences a Ptr Value. Returns nil if addr is out of range or
// was freed (a use-after-free the verifier/interpreter should never
// produce, but Get stays total rather than panicking).
func (h *Heap) Get(addr uint64) HeapObject {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr == 0 || addr > uint64(len(h.objects)) {
		return nil
	}
	return h.objects[addr-1]
}

// InternString returns a String object for b, reusing a prior
// allocation for identical byte content when one is cached. Strings
// are immutable, so sharing is always safe.
func (h *Heap) InternString(b []byte) Value {
	if cached := h.strings.Get(nil, b); cached != nil {
		addr := bitsToAddr(cached)
		if obj := h.Get(addr); obj != nil {
			if s, ok := obj.(*String); ok && string(s.Bytes) == string(b) {
				return Ptr(addr)
			}
		}
	}

	v := h.Allocate(&String{ObjectHeader: ObjectHeader{typeID: TypeString}, Bytes: append([]byte(nil), b...)})
	h.strings.Set(b, addrToBits(v.AsPtr()))
	return v
}

func addrToBits(addr uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(addr >> (8 * i))
	}
	return out
}

func bitsToAddr(b []byte) uint64 {
	var addr uint64
	for i := 0; i < 8 && i < len(b); i++ {
		addr |= uint64(b[i]) << (8 * i)
	}
	return addr
}

// Collect runs one stop-the-world mark-sweep cycle. The caller
// (Runtime.collect in runtime.go, once every worker has left
// Interp.Run) guarantees no mutator is concurrently allocating or
// mutating the object graph.
func (h *Heap) Collect(roots RootProvider) GcStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, obj := range h.objects {
		if obj != nil {
			obj.header().marked = false
		}
	}

	var gray []Value
	gray = roots.Roots(gray)

	for len(gray) > 0 {
		v := gray[len(gray)-1]
		gray = gray[:len(gray)-1]
		if v.Kind() != KindPtr {
			continue
		}
		addr := v.AsPtr()
		if addr == 0 || addr > uint64(len(h.objects)) {
			continue
		}
		obj := h.objects[addr-1]
		if obj == nil {
			continue
		}
		hdr := obj.header()
		if hdr.marked {
			continue
		}
		hdr.marked = true
		gray = append(gray, obj.Trace()...)
	}

	var freed uint64
	live := 0
	for i, obj := range h.objects {
		if obj == nil {
			continue
		}
		if !obj.header().marked {
			freed += uint64(obj.header().size)
			h.objects[i] = nil
			h.free = append(h.free, uint64(i+1))
			continue
		}
		live++
	}

	h.used -= freed
	h.stats.Collections++
	h.stats.LastFreed = freed
	h.stats.LastLive = h.used

	if h.used*2 > h.threshold {
		h.threshold = h.used * 2
	}
	if h.threshold == 0 {
		h.threshold = 1 << 20
	}

	return h.stats
}

// Stats returns a point-in-time snapshot for diagnostics.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeapStats{
		Live:      len(h.objects) - len(h.free),
		Capacity:  len(h.objects),
		Threshold: h.threshold,
		Used:      h.used,
		GcStats:   h.stats,
	}
}
