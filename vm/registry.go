package vm

// Registries tying a loaded module's classes/channels together, plus
// the inner-VM context hook (spec §9 Open Questions, supplemented
// from the original Rust source's ContextRegistry/VmContext split in
// `raya-engine/src/vm/mod.rs`). The inner-VM hook here is deliberately
// partial: it lets one Runtime host named child VmContexts and lists
// them, but does not implement cross-context Value marshalling, which
// the original source also leaves to a later milestone
// (`tests/inner_vm_integration.rs`).

import "sync"

// ClassRegistry holds every linked Class for a loaded module, indexed
// the way ClassDef.SuperIndex and ConstClassRef.Ref address them: by
// position in load order.
type ClassRegistry struct {
	mu      sync.RWMutex
	classes []*Class
	byName  map[string]*Class
}

// NewClassRegistry builds an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{byName: make(map[string]*Class)}
}

// Add appends a newly linked class and returns its index.
func (r *ClassRegistry) Add(c *Class) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = append(r.classes, c)
	r.byName[c.Name] = c
	return len(r.classes) - 1
}

// ByIndex looks up a class by its load-order index.
func (r *ClassRegistry) ByIndex(i int) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.classes) {
		return nil
	}
	return r.classes[i]
}

// ByName looks up a class by name, used by debug tooling.
func (r *ClassRegistry) ByName(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// ChannelRegistry tracks live channels for debug inspection and for
// the reactor to route close-notifications, mirroring MutexRegistry's
// shape in sync_mutex.go.
type ChannelRegistry struct {
	mu   sync.Mutex
	next uint64
	byID map[uint64]*Channel
}

// NewChannelRegistry builds an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{byID: make(map[uint64]*Channel)}
}

// Register records ch and returns an opaque, process-local id for it.
func (r *ChannelRegistry) Register(ch *Channel) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.byID[r.next] = ch
	return r.next
}

// Lookup finds a previously registered channel.
func (r *ChannelRegistry) Lookup(id uint64) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byID[id]
	return ch, ok
}

// Forget drops a channel once its ChannelObject has been collected.
func (r *ChannelRegistry) Forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// VmContextId identifies one inner VM hosted by a parent Runtime.
type VmContextId uint64

// VmContext is a named handle to an inner VM. Only identity and
// capability scoping are modeled; spawning and running an inner VM,
// and marshalling Values across the boundary, are out of scope here
// (spec Non-goals; see SPEC_FULL.md's inner-VM section) the same way
// the original source's inner_vm_integration test exercises only the
// registry/capability plumbing and not a working nested interpreter.
type VmContext struct {
	ID           VmContextId
	Name         string
	Capabilities CapabilitySet
}

// ContextRegistry tracks every VmContext a Runtime has created.
type ContextRegistry struct {
	mu      sync.Mutex
	next    VmContextId
	byID    map[VmContextId]*VmContext
}

// NewContextRegistry builds an empty registry.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{byID: make(map[VmContextId]*VmContext)}
}

// Create registers a new named inner-VM context and returns it.
func (r *ContextRegistry) Create(name string, caps CapabilitySet) *VmContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	ctx := &VmContext{ID: r.next, Name: name, Capabilities: caps}
	r.byID[ctx.ID] = ctx
	return ctx
}

// Lookup finds a previously created context.
func (r *ContextRegistry) Lookup(id VmContextId) (*VmContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.byID[id]
	return ctx, ok
}

// Close removes a context, e.g. once its owning task completes.
func (r *ContextRegistry) Close(id VmContextId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// SharedVmState is the set of registries every worker's Interp shares
// read access to, gathered in one place the way the original source's
// SharedVmState struct does for its interpreter module.
type SharedVmState struct {
	Classes  *ClassRegistry
	Mutexes  *MutexRegistry
	Channels *ChannelRegistry
	Contexts *ContextRegistry
	Natives  *NativeFunctionRegistry
}

// NewSharedVmState builds an empty set of registries.
func NewSharedVmState() *SharedVmState {
	return &SharedVmState{
		Classes:  NewClassRegistry(),
		Mutexes:  NewMutexRegistry(),
		Channels: NewChannelRegistry(),
		Contexts: NewContextRegistry(),
		Natives:  NewNativeFunctionRegistry(),
	}
}
