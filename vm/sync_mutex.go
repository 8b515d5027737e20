package vm

// Task-level mutex (spec §4.6 "Sync primitives"): FIFO waiter queue,
// no barging, ownership tracked by TaskId rather than OS thread.
// Grounded on the original Rust source's `raya-core/src/sync/mod.rs`
// guard/mutex/mutex_id split (MutexGuard/OwnedMutexGuard/BlockReason/
// Mutex/MutexError/MutexId/MutexRegistry), translated to cooperative
// scheduling: blocking here means "suspend the task and let the
// scheduler run something else", not "block an OS thread", so the
// mutex itself holds a waiter list the scheduler drains rather than a
// sync.Mutex/condvar pair.

import (
	"sync"

	"github.com/google/uuid"
)

// MutexId uniquely identifies a Mutex instance.
type MutexId uuid.UUID

func newMutexID() MutexId { return MutexId(uuid.New()) }

func (id MutexId) String() string { return uuid.UUID(id).String() }

// Mutex is a cooperative, FIFO-fair lock over task execution. Unlike
// sync.Mutex, Lock does not block the calling goroutine: it reports
// whether the lock was acquired immediately, and the caller (the
// interpreter's OpMutexLock handler) suspends the task and enqueues
// it as a waiter when it was not.
type Mutex struct {
	id MutexId

	mu      sync.Mutex
	owner   TaskId
	held    bool
	waiters []TaskId
}

// NewMutex builds an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{id: newMutexID()}
}

// ID returns the mutex's identity.
func (m *Mutex) ID() MutexId { return m.id }

// TryLock attempts to acquire the lock for task immediately. It
// succeeds if the lock is free, or if task is already the owner of
// record: Unlock hands the lock directly to the next FIFO waiter
// without ever passing through an unheld state, so that waiter's retry
// of TryLock must recognize the grant rather than see "held" and
// re-enqueue itself behind its own hand-off. This is not reentrancy —
// a task that already holds the lock and calls lock again still gets
// this same true, which is indistinguishable from a grant, but Raya
// mutexes are not reentrant (spec §4.6) and no caller relies on taking
// the same lock twice.
func (m *Mutex) TryLock(task TaskId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held && m.owner == task {
		return true
	}
	if m.held {
		return false
	}
	m.held = true
	m.owner = task
	return true
}

// Enqueue adds task to the FIFO waiter list. Called by OpMutexLock's
// handler after a failed TryLock, before suspending the task.
func (m *Mutex) Enqueue(task TaskId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters = append(m.waiters, task)
}

// Unlock releases the lock held by task and returns the next waiter to
// grant it to, in FIFO order, or false if no one is waiting (lock goes
// free). Returns an error if task is not the current owner — Raya
// mutexes reject foreign unlocks rather than silently succeeding.
func (m *Mutex) Unlock(task TaskId) (next TaskId, granted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held || m.owner != task {
		return TaskId{}, false, ErrNotOwner
	}

	if len(m.waiters) == 0 {
		m.held = false
		m.owner = TaskId{}
		return TaskId{}, false, nil
	}

	next = m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next
	return next, true, nil
}

// CancelWaiter removes task from the waiter list (a cancelled or
// timed-out lock attempt), reporting whether it was actually waiting.
func (m *Mutex) CancelWaiter(task TaskId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == task {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Owner reports the current holder and whether the lock is held.
func (m *Mutex) Owner() (TaskId, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.held
}

// WaiterOrder returns a snapshot of the current waiter queue in grant
// order.
func (m *Mutex) WaiterOrder() []TaskId {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskId(nil), m.waiters...)
}

// MutexRegistry owns every live Mutex by ID, mirroring the original
// source's MutexRegistry: the heap holds a MutexObject wrapper per
// Value, but cross-task lookups (debug tooling, serialization) go
// through here.
type MutexRegistry struct {
	mu    sync.Mutex
	byID  map[MutexId]*Mutex
}

// NewMutexRegistry builds an empty registry.
func NewMutexRegistry() *MutexRegistry {
	return &MutexRegistry{byID: make(map[MutexId]*Mutex)}
}

// Register records m under its ID.
func (r *MutexRegistry) Register(m *Mutex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.id] = m
}

// Lookup finds a previously registered mutex by ID.
func (r *MutexRegistry) Lookup(id MutexId) (*Mutex, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	return m, ok
}

// Forget drops a mutex from the registry. Nothing in this package
// calls it: neither heap.go's Collect nor registry.go removes a
// mutex when its MutexObject is collected.
func (r *MutexRegistry) Forget(id MutexId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}
