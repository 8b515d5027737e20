package vm

// Runtime wires the heap, scheduler, reactor, and workers into one
// running instance (spec §2 "System overview"). Shaped after the
// teacher's NewVirtualMachine/RunProgram split in vm.go/run.go: one
// constructor that builds every subsystem from VmOptions, one entry
// point that loads a module and drives it to completion.

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"raya/vm/internal/rlog"
)

// Runtime is one running Raya VM instance.
type Runtime struct {
	opts      VmOptions
	heap      *Heap
	shared    *SharedVmState
	sched     *Scheduler
	reactor   *Reactor
	coord     *SafepointCoordinator
	stackPool *StackPool
	methods   *MethodCache
	functions []*Function
	log       *rlog.Logger

	workers []*Worker
	group   *runGroup
}

// NewRuntime builds a Runtime from opts. It does not start any
// goroutines; call Load to load a module, then Run to begin executing.
func NewRuntime(opts VmOptions) (*Runtime, error) {
	threads := opts.resolvedThreads()
	if threads < 1 {
		threads = 1
	}

	log := rlog.Default()
	if opts.LogLevel != "" {
		log = rlog.New(os.Stderr, rlog.ParseLevel(opts.LogLevel), "")
	}

	rt := &Runtime{
		opts:      opts,
		heap:      NewHeap(opts.InitialGCThresholdBytes),
		shared:    NewSharedVmState(),
		coord:     NewSafepointCoordinator(threads),
		stackPool: NewStackPool(),
		methods:   NewMethodCache(1024),
		log:       log.With("runtime"),
	}
	rt.sched = NewScheduler(threads, SchedulerLimits{MaxTasks: opts.Limits.MaxTasks})
	rt.reactor = NewReactor(rt.sched, rt.coord, opts.PreemptThresholdMs)
	return rt, nil
}

// Load verifies and links a decoded Module into this runtime's global
// function and class tables. Functions/classes from previously loaded
// modules remain addressable, so a program may load several modules
// before running (spec §4.2's module linking, generalized from "one
// module" to "a small program's worth of modules").
func (rt *Runtime) Load(m *Module) error {
	if err := VerifyModule(m); err != nil {
		return fmt.Errorf("verify module: %w", err)
	}

	base := FunctionID(len(rt.functions))
	for i := range m.Functions {
		fn := &m.Functions[i]
		fn.Consts = m.Constants
		rt.functions = append(rt.functions, fn)
	}

	classByIndex := make([]*Class, len(m.Classes))
	classBase := -1
	for i, def := range m.Classes {
		var super *Class
		if def.SuperIndex >= 0 {
			super = classByIndex[def.SuperIndex]
		}
		methods := make([]FunctionID, len(def.Methods))
		for j, fid := range def.Methods {
			methods[j] = base + fid
		}
		c := LinkClass(def.Name, def.FieldNames, def.MethodNames, methods, super)
		classByIndex[i] = c
		idx := rt.shared.Classes.Add(c)
		if classBase < 0 {
			classBase = idx - i
		}
	}

	// Rewrite this module's function-ref/class-ref constants to the
	// runtime's global indices, since they were verified against
	// module-local indices.
	for i := range m.Constants {
		c := &m.Constants[i]
		switch c.Kind {
		case ConstFunctionRef:
			c.Ref = uint32(base) + c.Ref
		case ConstClassRef:
			// Add() above appended this module's classes to the shared
			// registry in order, starting at global index classBase.
			if classBase >= 0 {
				c.Ref = uint32(classBase) + c.Ref
			}
		}
	}

	return nil
}

func (rt *Runtime) interp() *Interp {
	return &Interp{
		Heap:      rt.heap,
		Classes:   rt.shared.Classes,
		Natives:   rt.shared.Natives,
		Methods:   rt.methods,
		Mutexes:   rt.shared.Mutexes,
		Channels:  rt.shared.Channels,
		StackPool:    rt.stackPool,
		Functions:    rt.functions,
		Scheduler:    rt.sched,
		Capabilities: rt.opts.Capabilities,

		MaxStackDepth:          rt.opts.Limits.MaxStackDepth,
		MaxPreemptionsPerYield: rt.opts.Limits.MaxPreemptionsPerYield,
	}
}

// Run starts every worker plus the reactor, spawns a root task
// invoking entry with args, and blocks until that root task finishes.
// Other tasks spawned transitively keep running on their own workers
// independent of the root task's lifetime; Run only waits for the
// root.
func (rt *Runtime) Run(entry FunctionID, args []Value) (Value, error) {
	if int(entry) >= len(rt.functions) {
		return Null(), fmt.Errorf("entry function %d out of range", entry)
	}

	threads := rt.opts.resolvedThreads()
	rt.group = newRunGroup()
	rt.workers = make([]*Worker, threads)
	for i := 0; i < threads; i++ {
		w := NewWorker(i, rt.sched, rt.reactor, rt.interp(), rt.coord, rt.log)
		rt.workers[i] = w
		rt.group.Go(w.Run)
	}
	go rt.reactor.Run()
	go rt.gcLoop()

	root := NewTask(rt.functions[entry], args, rt.stackPool)
	if err := rt.sched.Spawn(root); err != nil {
		return Null(), err
	}

	// The root task object is shared by reference with the worker
	// that runs it, so polling its State here is safe: State is only
	// ever written by whichever worker currently owns the task.
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		switch root.State {
		case TaskCompleted:
			return root.Result, nil
		case TaskFailed:
			return Null(), root.Err
		case TaskCancelled:
			return Null(), ErrCancelled
		}
	}
	return Null(), nil
}

// Shutdown requests every worker stop at its next safepoint, stops
// the reactor, and waits for all worker goroutines to return.
func (rt *Runtime) Shutdown() error {
	rt.coord.RequestShutdown()
	rt.sched.Shutdown()
	rt.reactor.Stop()
	if rt.group == nil {
		return nil
	}
	return rt.group.Wait()
}

// HeapStats exposes live allocator state for the debug CLI.
func (rt *Runtime) HeapStats() HeapStats { return rt.heap.Stats() }

// SchedulerStats exposes live scheduler state for the debug CLI.
func (rt *Runtime) SchedulerStats() SchedulerStats { return rt.sched.Stats() }

// collect runs one stop-the-world GC cycle: request every worker to
// the next safepoint, poll until every one has actually left
// Interp.Run (not merely been asked to), sweep, then resume. This
// polling handshake (rather than a WaitGroup) mirrors the teacher's
// style of coordinating independent goroutines through shared atomics
// in devices.go. Polling busy rather than blocking on a channel or
// cond var keeps a worker that's idle (no task at all) from ever
// needing to participate in the handshake at all.
func (rt *Runtime) collect() {
	rt.coord.RequestGC()
	defer rt.coord.ClearGC()
	for _, w := range rt.workers {
		for w.Busy() {
			runtime.Gosched()
		}
	}
	rt.heap.Collect(rt.sched)
}

// gcLoop polls allocation pressure rather than triggering inline on
// every Allocate call, so hot allocation paths never pay a mutex
// round-trip to the scheduler on the common case. The poll interval
// bounds how far live bytes can overshoot the threshold before a
// collection is requested.
func (rt *Runtime) gcLoop() {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if rt.coord == nil {
			return
		}
		if rt.heap.NeedsCollection() {
			rt.collect()
		}
	}
}
