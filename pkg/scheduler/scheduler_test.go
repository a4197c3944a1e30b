package scheduler

import (
	"testing"

	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, nodeCount int, shared types.SharedPolicy) *state.Store {
	t.Helper()
	s := state.New(nil)
	for i := 0; i < nodeCount; i++ {
		s.RegisterNode(&types.Node{
			Name:       "n" + string(rune('0'+i)),
			BaseState:  types.NodeIdle,
			CPUsConfig: 4,
		})
	}
	nb := types.NewBitmap(nodeCount)
	for i := 0; i < nodeCount; i++ {
		nb.Set(i)
	}
	s.AddPartition(&types.Partition{
		Name:       "default",
		NodeBitmap: nb,
		MinNodes:   1,
		Up:         true,
		Shared:     shared,
		Default:    true,
	})
	s.ResyncBitmaps()
	return s
}

// pendingJob builds a pending job; FIFO order in these tests comes from
// insertion order into the store's job table, not from SubmitTime.
func pendingJob(id, reqMinNode int) *types.Job {
	return &types.Job{
		ID:         id,
		State:      types.JobPending,
		Partition:  0,
		ReqMinNode: reqMinNode,
	}
}

func TestScheduleStartsJobOnIdleNodes(t *testing.T) {
	s := newTestStore(t, 2, types.SharedNo)
	j := pendingJob(1, 1)
	s.AddJob(j)

	lm := lock.New()
	sch := New(lm, s)

	started := sch.Schedule()
	require.True(t, started)
	assert.Equal(t, types.JobRunning, j.State)
	assert.Equal(t, 1, j.NodeCount)
	require.NotNil(t, j.NodeBitmap)
	assert.Equal(t, 1, j.NodeBitmap.Count())
}

func TestScheduleFIFONoBackfill(t *testing.T) {
	s := newTestStore(t, 1, types.SharedNo)
	blocked := pendingJob(1, 2) // needs 2 nodes, only 1 exists
	runnable := pendingJob(2, 1)
	s.AddJob(blocked)
	s.AddJob(runnable)

	lm := lock.New()
	sch := New(lm, s)

	started := sch.Schedule()
	assert.False(t, started, "later job must not jump ahead of a blocked earlier job")
	assert.Equal(t, types.JobPending, blocked.State)
	assert.Equal(t, types.JobPending, runnable.State)
}

func TestScheduleSkipsHeldJobs(t *testing.T) {
	s := newTestStore(t, 1, types.SharedNo)
	j := pendingJob(1, 1)
	j.SetFlag(types.JobFlagHeld)
	s.AddJob(j)

	lm := lock.New()
	sch := New(lm, s)

	started := sch.Schedule()
	assert.False(t, started)
	assert.Equal(t, types.JobPending, j.State)
}

func TestScheduleRespectsPartitionDown(t *testing.T) {
	s := newTestStore(t, 1, types.SharedNo)
	s.Partitions()[0].Up = false
	j := pendingJob(1, 1)
	s.AddJob(j)

	lm := lock.New()
	sch := New(lm, s)

	started := sch.Schedule()
	assert.False(t, started)
}

func TestScheduleSharedPartitionAllowsColocation(t *testing.T) {
	s := newTestStore(t, 1, types.SharedForce)
	first := pendingJob(1, 1)
	first.Shared = types.SharedYes
	s.AddJob(first)

	lm := lock.New()
	sch := New(lm, s)
	require.True(t, sch.Schedule())

	second := pendingJob(2, 1)
	second.Shared = types.SharedYes
	s.AddJob(second)

	started := sch.Schedule()
	assert.True(t, started, "force-shared partition should colocate a second job on the same node")
}
