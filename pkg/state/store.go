// Package state holds the controller's in-memory tables for configuration,
// nodes, partitions and jobs, plus the derived idle/avail/share
// bitmap caches. All mutation happens under the caller's lock.Manager
// vector; the store itself does no locking of its own. It is the single
// value the lock manager gatekeeps, passed by reference to every handler
// rather than closed over as module-level state.
package state

import (
	"fmt"
	"time"

	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/cuemby/ctld/pkg/events"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/types"
)

// Store is the process-wide set of tables. Exactly one instance exists per
// controller process; it is passed by reference to every handler and
// background task, never copied.
type Store struct {
	Config *types.Config

	nodes      []*types.Node
	nodeByName map[string]int

	crs []*types.ConfigRecord

	partitions      []*types.Partition
	partitionByName map[string]int

	jobs      []*types.Job
	jobByID   map[int]int
	nextJobID int

	IdleBitmap  *types.Bitmap
	AvailBitmap *types.Bitmap
	ShareBitmap *types.Bitmap

	Events *events.Broker
}

// New returns an empty store. Callers populate it via config.Reconcile
// before taking any RPC traffic.
func New(broker *events.Broker) *Store {
	return &Store{
		nodeByName:      make(map[string]int),
		partitionByName: make(map[string]int),
		jobByID:         make(map[int]int),
		IdleBitmap:      types.NewBitmap(0),
		AvailBitmap:     types.NewBitmap(0),
		ShareBitmap:     types.NewBitmap(0),
		Events:          broker,
		nextJobID:       1,
	}
}

// --- node table ---

// Nodes returns the live node table. Callers must hold at least a Nodes
// read lock for the duration of use.
func (s *Store) Nodes() []*types.Node { return s.nodes }

// LookupNode resolves a node by name in O(1) via the name->index hash.
func (s *Store) LookupNode(name string) *types.Node {
	if i, ok := s.nodeByName[name]; ok {
		return s.nodes[i]
	}
	return nil
}

// RegisterNode appends a brand new node created by config reconciliation.
// It is distinct from UpdateNode: registration assigns the node's Index
// and wires the name hash, whereas update only mutates an existing record
// in place. Registration happens only during config reconciliation;
// updates happen whenever a worker daemon reports in.
func (s *Store) RegisterNode(n *types.Node) {
	n.Index = len(s.nodes)
	s.nodes = append(s.nodes, n)
	s.nodeByName[n.Name] = n.Index
}

// UpdateNode replaces reported attributes on an existing node record
// in-place (cpus, memory, last-response) without touching its Index,
// bitmap membership, or partition back-references.
func (s *Store) UpdateNode(name string, fn func(n *types.Node)) *ctlerrors.Error {
	n := s.LookupNode(name)
	if n == nil {
		return ctlerrors.New(ctlerrors.InvalidNodeName, name)
	}
	fn(n)
	n.LastUpdate = time.Now()
	return nil
}

var nodeTransitions = map[types.NodeBaseState][]types.NodeBaseState{
	types.NodeDown:    nil, // any -> down always allowed
	types.NodeUnknown:  {types.NodeAllocated, types.NodeDown, types.NodeFuture},
	types.NodeIdle:     {types.NodeAllocated, types.NodeDown, types.NodeFuture},
	types.NodeAllocated: {types.NodeCompleting, types.NodeDown, types.NodeFuture},
	types.NodeCompleting: {types.NodeAllocated, types.NodeDown, types.NodeFuture},
}

// SetNodeState enforces the restricted base-state transition table.
// "down" is reachable from any state; idle is only reachable from
// down/drained (draining is handled as a flag, not a base-state
// transition). Setting a node down kills its running jobs; callers must
// hold Jobs=Write, Nodes=Write for that side effect.
func (s *Store) SetNodeState(name string, to types.NodeBaseState, reason string) *ctlerrors.Error {
	n := s.LookupNode(name)
	if n == nil {
		return ctlerrors.New(ctlerrors.InvalidNodeName, name)
	}

	// "drain"/"draining"/"drained" are the drain flag, not a base-state
	// transition: new work stops, current work keeps running.
	switch string(to) {
	case "drain", "draining", "drained":
		n.SetFlag(types.NodeFlagDrain)
		n.Reason = reason
		n.ReasonAt = time.Now()
		n.LastUpdate = time.Now()
		s.ResyncBitmaps()
		if s.Events != nil {
			s.Events.Publish(&events.Event{Type: events.EventNodeDrained, Message: name})
		}
		return nil
	case "resume":
		n.ClearFlag(types.NodeFlagDrain)
		n.Reason = ""
		n.LastUpdate = time.Now()
		s.ResyncBitmaps()
		return nil
	}

	from := n.BaseState

	allowed := to == types.NodeDown || from == to
	if !allowed {
		for _, t := range nodeTransitions[from] {
			if t == to {
				allowed = true
				break
			}
		}
		// down/drained -> idle is explicitly allowed even though it is not
		// listed as an outgoing transition of NodeDown above.
		if !allowed && to == types.NodeIdle && (from == types.NodeDown || n.Drained()) {
			allowed = true
		}
	}
	if !allowed {
		return ctlerrors.Newf(ctlerrors.InvalidNodeStateChange, "%s: %s -> %s", name, from, to)
	}

	n.BaseState = to
	n.Reason = reason
	n.ReasonAt = time.Now()
	n.LastUpdate = time.Now()

	if to == types.NodeIdle {
		// A return to service clears the drain flag along with the reason
		// string.
		n.ClearFlag(types.NodeFlagDrain)
	}
	if to == types.NodeDown {
		s.killJobsOnNode(n)
	}

	s.ResyncBitmaps()
	if s.Events != nil {
		s.Events.Publish(&events.Event{Type: events.EventNodeStateChanged, Message: fmt.Sprintf("%s %s->%s", name, from, to)})
	}
	return nil
}

// killJobsOnNode moves every running/completing job touching n into
// node-fail|completing; no job is silently lost when its node goes down.
func (s *Store) killJobsOnNode(n *types.Node) {
	for _, j := range s.jobs {
		if j == nil || j.NodeBitmap == nil || !j.NodeBitmap.IsSet(n.Index) {
			continue
		}
		if j.State == types.JobRunning || j.HasFlag(types.JobFlagCompleting) {
			j.State = types.JobNodeFail
			j.SetFlag(types.JobFlagCompleting)
			j.LastUpdate = time.Now()
			jobLog := log.WithJob(j.ID)
			jobLog.Warn().Str("node", n.Name).Msg("node failure moved job to node_fail|completing")
		}
	}
}

// --- configuration records ---

func (s *Store) ConfigRecords() []*types.ConfigRecord { return s.crs }

func (s *Store) AddConfigRecord(cr *types.ConfigRecord) {
	cr.ID = len(s.crs)
	s.crs = append(s.crs, cr)
}

// --- partition table ---

func (s *Store) Partitions() []*types.Partition { return s.partitions }

func (s *Store) LookupPartition(name string) *types.Partition {
	if i, ok := s.partitionByName[name]; ok {
		return s.partitions[i]
	}
	return nil
}

func (s *Store) AddPartition(p *types.Partition) {
	p.Index = len(s.partitions)
	s.partitions = append(s.partitions, p)
	s.partitionByName[p.Name] = p.Index
}

// --- job table ---

func (s *Store) Jobs() []*types.Job { return s.jobs }

// LookupJob resolves a job by id in O(1) via the job-id hash.
func (s *Store) LookupJob(id int) *types.Job {
	if i, ok := s.jobByID[id]; ok {
		return s.jobs[i]
	}
	return nil
}

// NextJobID mints the next monotone job id, wrapping at Config.MaxJobID.
func (s *Store) NextJobID() int {
	id := s.nextJobID
	s.nextJobID++
	if s.Config != nil && s.Config.MaxJobID > 0 && s.nextJobID > s.Config.MaxJobID {
		s.nextJobID = 1
	}
	return id
}

// AddJob inserts a freshly-submitted job. The caller is responsible for
// having minted its ID via NextJobID.
func (s *Store) AddJob(j *types.Job) {
	s.jobByID[j.ID] = len(s.jobs)
	s.jobs = append(s.jobs, j)
}

// RemoveJob purges a job whose age since completion exceeds the
// configured purge interval. Swap-removes from the slice and fixes up the
// index of the job that was moved into the vacated slot.
func (s *Store) RemoveJob(id int) {
	i, ok := s.jobByID[id]
	if !ok {
		return
	}
	last := len(s.jobs) - 1
	s.jobs[i] = s.jobs[last]
	s.jobs[last] = nil
	s.jobs = s.jobs[:last]
	delete(s.jobByID, id)
	if i < len(s.jobs) {
		s.jobByID[s.jobs[i].ID] = i
	}
}

// --- bitmap resync ---

// ResyncBitmaps rebuilds IdleBitmap, AvailBitmap and ShareBitmap from
// scratch by scanning every node; the caches are a pure function of node
// states and job assignments. It must run inside the same write lock as
// any mutation that could affect them.
func (s *Store) ResyncBitmaps() {
	n := len(s.nodes)
	s.IdleBitmap = types.NewBitmap(n)
	s.AvailBitmap = types.NewBitmap(n)
	s.ShareBitmap = types.NewBitmap(n)

	for _, node := range s.nodes {
		if node == nil {
			continue
		}
		if node.BaseState == types.NodeIdle && node.RunJobCnt+node.CompJobCnt == 0 {
			s.IdleBitmap.Set(node.Index)
		}
		if node.BaseState != types.NodeDown && !node.Draining() && !node.Drained() && !node.HasFlag(types.NodeFlagNoRespond) {
			s.AvailBitmap.Set(node.Index)
		}
		if node.RunJobCnt == 0 || node.NoShareCnt == 0 {
			s.ShareBitmap.Set(node.Index)
		}
	}
}

// CheckInvariants cross-checks the bitmap caches and per-node job
// counters against the job table. Intended for tests and for a debug RPC,
// not for the hot path.
func (s *Store) CheckInvariants() error {
	for _, n := range s.nodes {
		if n == nil {
			continue
		}
		wantIdle := n.BaseState == types.NodeIdle && n.RunJobCnt+n.CompJobCnt == 0
		if s.IdleBitmap.IsSet(n.Index) != wantIdle {
			return fmt.Errorf("idle bitmap mismatch for node %s", n.Name)
		}
	}
	runByNode := make(map[int]int)
	for _, j := range s.jobs {
		if j == nil || j.State != types.JobRunning || j.NodeBitmap == nil {
			continue
		}
		j.NodeBitmap.ForEach(func(i int) { runByNode[i]++ })
	}
	for _, n := range s.nodes {
		if n == nil {
			continue
		}
		if runByNode[n.Index] != 0 && n.RunJobCnt < runByNode[n.Index] {
			return fmt.Errorf("node %s run_job_cnt understates assigned running jobs", n.Name)
		}
	}
	return nil
}
