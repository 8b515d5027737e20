package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(id int) *Task {
	fn := &Function{Name: "noop", RegisterCount: 1, Code: []Instruction{
		NewInstructionABC(OpReturn, 0, 0, 0),
	}}
	pool := NewStackPool()
	return NewTask(fn, nil, pool)
}

func TestSchedulerSpawnAndNextFor(t *testing.T) {
	s := NewScheduler(2, SchedulerLimits{})
	task := newTestTask(1)
	require.NoError(t, s.Spawn(task))

	got := s.NextFor(0)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
}

func TestSchedulerRequeueUsesOwnDeque(t *testing.T) {
	s := NewScheduler(2, SchedulerLimits{})
	task := newTestTask(1)
	s.Requeue(0, task)

	got := s.NextFor(0)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
}

func TestSchedulerStealing(t *testing.T) {
	s := NewScheduler(2, SchedulerLimits{})
	for i := 0; i < 4; i++ {
		s.Requeue(0, newTestTask(i))
	}

	// worker 1 has nothing local and nothing global, so NextFor must
	// steal from worker 0's deque.
	got := s.NextFor(1)
	require.NotNil(t, got)
	assert.Greater(t, s.Stats().Stolen, uint64(0))
}

func TestSchedulerMaxTasksLimit(t *testing.T) {
	s := NewScheduler(1, SchedulerLimits{MaxTasks: 1})
	require.NoError(t, s.Spawn(newTestTask(1)))
	err := s.Spawn(newTestTask(2))
	require.Error(t, err)
	assert.True(t, IsResourceLimit(err))
}

func TestSchedulerMarkDoneUpdatesStats(t *testing.T) {
	s := NewScheduler(1, SchedulerLimits{})
	task := newTestTask(1)
	require.NoError(t, s.Spawn(task))
	task.State = TaskCompleted
	s.MarkDone(task)
	assert.EqualValues(t, 1, s.Stats().Completed)

	_, ok := s.Lookup(task.ID)
	assert.False(t, ok, "completed tasks should be removed from the live index")
}
