// Package scheduler implements the pluggable node-selection backend.
// A struct holding a handle to shared state runs a Schedule pass on a
// fixed tick, performing FIFO job-to-node allocation over the four-entity
// lock manager and state.Store.
package scheduler

import (
	"time"

	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
)

// Interval is the default tick the background loop uses to invoke Schedule
// when nothing else has already triggered a pass.
const Interval = 5 * time.Second

// Scheduler is the FIFO scheduling backend. It holds no allocation state of
// its own; every decision is read back out of the Store under the
// caller's lock vector.
type Scheduler struct {
	lm *lock.Manager
	s  *state.Store
}

// New returns a FIFO scheduler bound to lm and s. Neither is copied; both
// must outlive the scheduler.
func New(lm *lock.Manager, s *state.Store) *Scheduler {
	return &Scheduler{lm: lm, s: s}
}

// Schedule runs one FIFO scheduling pass: walks pending jobs in submit
// order and starts every one whose request can be satisfied immediately,
// strictly in order. It returns
// true if at least one job was started, which the background loop uses to
// force its next checkpoint immediately.
func (sch *Scheduler) Schedule() bool {
	v := lock.Vector{
		lock.Jobs:       lock.Write,
		lock.Nodes:      lock.Write,
		lock.Partitions: lock.Read,
		lock.Config:     lock.Read,
	}
	sch.lm.Lock(v)
	defer sch.lm.Unlock(v)

	started := false
	logger := log.WithComponent("scheduler")
	for _, j := range sch.s.Jobs() {
		if j == nil || j.State != types.JobPending || j.HasFlag(types.JobFlagHeld) {
			continue
		}
		if ok := sch.tryStart(j); ok {
			started = true
			logger.Info().Int("job_id", j.ID).Msg("job started")
			continue
		}
		// FIFO, no backfill: stop at the first job that cannot run yet.
		break
	}
	return started
}

// tryStart attempts to satisfy j's request against currently idle, shared
// nodes within its partition. On success it marks the nodes allocated,
// stamps StartTime, and transitions the job to running.
func (sch *Scheduler) tryStart(j *types.Job) bool {
	part := sch.partitionFor(j)
	if part == nil || !part.Up {
		return false
	}

	candidates := sch.candidateBitmap(part, j)
	need := j.ReqMinNode
	if need < 1 {
		need = 1
	}
	if candidates.Count() < need {
		return false
	}

	chosen := sch.selectNodes(candidates, need)
	if len(chosen) < need {
		return false
	}

	nb := types.NewBitmap(len(sch.s.Nodes()))
	for _, idx := range chosen {
		nb.Set(idx)
	}
	j.NodeBitmap = nb
	j.NodeCount = len(chosen)
	j.State = types.JobRunning
	j.StartTime = time.Now()
	j.LastActive = j.StartTime
	j.LastUpdate = j.StartTime

	for _, idx := range chosen {
		n := sch.s.Nodes()[idx]
		n.RunJobCnt++
		if j.Shared == types.SharedNo {
			n.NoShareCnt++
		}
		n.BaseState = types.NodeAllocated
		n.LastUpdate = j.StartTime
	}
	sch.s.ResyncBitmaps()
	return true
}

// WouldRun performs the read-only scheduling test behind the job-will-run
// RPC: would j be startable right now, without mutating any
// node or job state. Callers must hold at least Jobs=Read, Nodes=Read,
// Partitions=Read.
func (sch *Scheduler) WouldRun(j *types.Job) bool {
	part := sch.partitionFor(j)
	if part == nil || !part.Up {
		return false
	}
	need := j.ReqMinNode
	if need < 1 {
		need = 1
	}
	return sch.candidateBitmap(part, j).Count() >= need
}

// partitionFor resolves the job's target partition, falling back to the
// default when the job didn't name one.
func (sch *Scheduler) partitionFor(j *types.Job) *types.Partition {
	parts := sch.s.Partitions()
	if j.Partition >= 0 && j.Partition < len(parts) {
		return parts[j.Partition]
	}
	for _, p := range parts {
		if p != nil && p.Default {
			return p
		}
	}
	return nil
}

// candidateBitmap intersects the partition's node membership with the
// nodes currently eligible to take this job: idle nodes always qualify;
// shared nodes also qualify when both the job and the node's partition
// policy allow sharing.
func (sch *Scheduler) candidateBitmap(part *types.Partition, j *types.Job) *types.Bitmap {
	// Intersect with AvailBitmap so drained/draining/down/no-respond nodes
	// never receive new work even while their base state is still idle.
	eligible := sch.s.IdleBitmap.And(part.NodeBitmap).And(sch.s.AvailBitmap)
	if part.Shared == types.SharedYes || part.Shared == types.SharedForce {
		if j.Shared == types.SharedYes || j.Shared == types.SharedForce || part.Shared == types.SharedForce {
			shareable := sch.s.AvailBitmap.And(part.NodeBitmap).And(sch.s.ShareBitmap)
			eligible.Or(shareable)
		}
	}
	return eligible
}

// selectNodes picks up to need indices from candidates, in ascending index
// order: a simple deterministic pick, since every candidate is equally
// idle by construction of candidateBitmap.
func (sch *Scheduler) selectNodes(candidates *types.Bitmap, need int) []int {
	chosen := make([]int, 0, need)
	candidates.ForEach(func(i int) {
		if len(chosen) < need {
			chosen = append(chosen, i)
		}
	})
	return chosen
}
