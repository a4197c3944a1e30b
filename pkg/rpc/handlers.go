package rpc

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cuemby/ctld/pkg/auth"
	"github.com/cuemby/ctld/pkg/config"
	"github.com/cuemby/ctld/pkg/crypto"
	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/cuemby/ctld/pkg/events"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
	"github.com/cuemby/ctld/pkg/wire"
)

// dispatchTable is the static opcode-to-handler mapping.
// Never renumber wire.Opcode values; add new entries instead.
var dispatchTable = map[wire.Opcode]handlerFunc{
	wire.OpPing:                  handlePing,
	wire.OpBuildInfo:             handleBuildInfo,
	wire.OpJobInfo:               handleJobInfo,
	wire.OpJobInfoSingle:         handleJobInfoSingle,
	wire.OpNodeInfo:              handleNodeInfo,
	wire.OpPartitionInfo:         handlePartitionInfo,
	wire.OpSubmitBatchJob:        handleSubmitBatchJob,
	wire.OpAllocateResources:     handleAllocateResources,
	wire.OpJobWillRun:            handleJobWillRun,
	wire.OpCancelJobStep:         handleCancelJobStep,
	wire.OpCompleteJobAllocation: handleCompleteJobAllocation,
	wire.OpCompleteBatchScript:   handleCompleteBatchScript,
	wire.OpJobStepCreate:         handleJobStepCreate,
	wire.OpEpilogComplete:        handleEpilogComplete,
	wire.OpStepComplete:          handleStepComplete,
	wire.OpUpdateJob:             handleUpdateJob,
	wire.OpUpdateNode:            handleUpdateNode,
	wire.OpUpdatePartition:       handleUpdatePartition,
	wire.OpReconfigure:           handleReconfigure,
	wire.OpShutdown:              handleShutdown,
	wire.OpControl:               handleControl,
	wire.OpTakeover:              handleTakeover,
	wire.OpControlStatus:         handleControlStatus,
	wire.OpConfig:                handleConfig,
}

func reply(code ctlerrors.Code, msg string) []byte {
	b := buf()
	_ = writeReplyHeader(b, code, msg)
	return b.Bytes()
}

// handlePing takes no lock and replies success.
func handlePing(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	return reply(ctlerrors.Success, "")
}

func handleBuildInfo(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	v := lock.Vector{lock.Config: lock.Read, lock.Partitions: lock.Read}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	if d.s.Config == nil {
		_ = writeInt32(b, 0)
		_ = wire.WriteString(b, "")
		_ = wire.WriteString(b, "")
		_ = wire.WriteStringList(b, nil)
		return b.Bytes()
	}
	_ = writeInt32(b, int32(d.s.Config.ListenPort))
	_ = wire.WriteString(b, d.s.Config.SchedType)
	_ = wire.WriteString(b, d.s.Config.DefaultPartition)
	var names []string
	for _, p := range d.s.Partitions() {
		if p != nil {
			names = append(names, p.Name)
		}
	}
	_ = wire.WriteStringList(b, names)
	return b.Bytes()
}

func toJobSummary(j *types.Job, partName string) jobSummary {
	return jobSummary{
		ID:         int32(j.ID),
		UID:        int32(j.UID),
		State:      string(j.State),
		Partition:  partName,
		NodeCount:  int32(j.NodeCount),
		ReqCPUs:    int32(j.ReqCPUs),
		TimeLimitS: int32(j.TimeLimit / time.Second),
		SubmitUnix: j.SubmitTime.Unix(),
		StartUnix:  j.StartTime.Unix(),
	}
}

func partitionName(d *Dispatcher, idx int) string {
	parts := d.s.Partitions()
	if idx >= 0 && idx < len(parts) && parts[idx] != nil {
		return parts[idx].Name
	}
	return ""
}

// handleJobInfo serialises the whole job table, honouring private_data.
func handleJobInfo(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	v := lock.Vector{lock.Config: lock.Read, lock.Jobs: lock.Read, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	var summaries []jobSummary
	for _, j := range d.s.Jobs() {
		if j == nil {
			continue
		}
		if d.s.Config != nil && !d.s.Config.JobVisible(j, ident.UID) {
			continue
		}
		summaries = append(summaries, toJobSummary(j, partitionName(d, j.Partition)))
	}

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	_ = writeJobSummaries(b, summaries)
	return b.Bytes()
}

func handleJobInfoSingle(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	id, err := readInt32(bytes.NewReader(body))
	if err != nil {
		return reply(ctlerrors.InvalidJobID, "malformed request")
	}

	v := lock.Vector{lock.Config: lock.Read, lock.Jobs: lock.Read, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	j := d.s.LookupJob(int(id))
	if j == nil {
		return reply(ctlerrors.InvalidJobID, "no such job")
	}
	if d.s.Config != nil && !d.s.Config.JobVisible(j, ident.UID) {
		return reply(ctlerrors.AccessDenied, "")
	}

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	_ = writeJobSummary(b, toJobSummary(j, partitionName(d, j.Partition)))
	return b.Bytes()
}

func handleNodeInfo(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	v := lock.Vector{lock.Config: lock.Read, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	if d.s.Config != nil && !d.s.Config.NodeVisible(ident.UID) {
		return reply(ctlerrors.AccessDenied, "")
	}

	var summaries []nodeSummary
	for _, n := range d.s.Nodes() {
		if n == nil {
			continue
		}
		summaries = append(summaries, nodeSummary{
			Name:       n.Name,
			CommName:   n.CommName,
			BaseState:  string(n.BaseState),
			CPUsConfig: int32(n.CPUsConfig),
			CPUsReport: int32(n.CPUsReport),
			Flags:      int32(n.Flags),
			RunJobCnt:  int32(n.RunJobCnt),
		})
	}

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	_ = writeNodeSummaries(b, summaries)
	return b.Bytes()
}

func handlePartitionInfo(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	v := lock.Vector{lock.Config: lock.Read, lock.Partitions: lock.Read}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	var summaries []partitionSummary
	for _, p := range d.s.Partitions() {
		if p == nil {
			continue
		}
		summaries = append(summaries, partitionSummary{
			Name:       p.Name,
			Up:         p.Up,
			Default:    p.Default,
			TotalNodes: int32(p.TotalNodes()),
			TotalCPUs:  int32(p.TotalCPUs(d.s.Nodes(), d.s.Config != nil && d.s.Config.FastSchedule)),
		})
	}

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	_ = writePartitionSummaries(b, summaries)
	return b.Bytes()
}

// submitRequest is the shared body shape of submit-batch-job and
// allocate-resources.
type submitRequest struct {
	Partition  string
	ReqCPUs    int32
	ReqMinNode int32
	ReqMinMem  int64
	TimeLimitS int32
	Shared     string
	Command    string
	// Immediate requests that the job be rejected outright, rather than
	// queued pending, if it cannot be satisfied right now.
	Immediate bool
}

func readSubmitRequest(body []byte) (submitRequest, error) {
	r := bytes.NewReader(body)
	var req submitRequest
	var err error
	if req.Partition, err = wire.ReadString(r); err != nil {
		return req, err
	}
	if req.ReqCPUs, err = readInt32(r); err != nil {
		return req, err
	}
	if req.ReqMinNode, err = readInt32(r); err != nil {
		return req, err
	}
	if req.ReqMinMem, err = readInt64(r); err != nil {
		return req, err
	}
	if req.TimeLimitS, err = readInt32(r); err != nil {
		return req, err
	}
	if req.Shared, err = wire.ReadString(r); err != nil {
		return req, err
	}
	if req.Command, err = wire.ReadString(r); err != nil {
		return req, err
	}
	req.Immediate, err = readBool(r)
	return req, err
}

// buildJob resolves req.Partition against the store (defaulting to
// Config.DefaultPartition) and constructs a pending job, or returns a
// ctlerrors code describing why it could not.
func buildJob(d *Dispatcher, req submitRequest, uid int) (*types.Job, *ctlerrors.Error) {
	partName := req.Partition
	if partName == "" && d.s.Config != nil {
		partName = d.s.Config.DefaultPartition
	}
	part := d.s.LookupPartition(partName)
	if part == nil {
		return nil, ctlerrors.New(ctlerrors.InvalidPartitionName, partName)
	}
	// A down partition still accepts submissions; it only
	// blocks scheduling, which the scheduler's own part.Up guard enforces.

	// The job id is minted by the caller at insertion time, so a rejected
	// immediate request or a will-run probe never consumes an id.
	now := time.Now()
	j := &types.Job{
		UID:        uid,
		State:      types.JobPending,
		Partition:  part.Index,
		ReqCPUs:    int(req.ReqCPUs),
		ReqMinNode: int(req.ReqMinNode),
		ReqMinMem:  req.ReqMinMem,
		TimeLimit:  time.Duration(req.TimeLimitS) * time.Second,
		Shared:     types.SharedPolicy(req.Shared),
		Batch:      true,
		Details:    types.JobDetails{Command: req.Command},
		SubmitTime: now,
		LastUpdate: now,
	}
	return j, nil
}

func handleSubmitBatchJob(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	req, err := readSubmitRequest(body)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Jobs: lock.Write, lock.Nodes: lock.Read, lock.Partitions: lock.Read}
	d.lm.Lock(v)
	j, cerr := buildJob(d, req, ident.UID)
	if cerr == nil && req.Immediate && d.sched != nil && !d.sched.WouldRun(j) {
		cerr = ctlerrors.New(ctlerrors.NodesUnavailable, "")
	}
	if cerr == nil {
		j.ID = d.s.NextJobID()
		d.s.AddJob(j)
	}
	d.lm.Unlock(v)

	if cerr != nil {
		return reply(cerr.Code, cerr.Msg)
	}
	if d.s.Events != nil {
		d.s.Events.Publish(&events.Event{Type: events.EventJobSubmitted})
	}

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	_ = writeInt32(b, int32(j.ID))
	return b.Bytes()
}

// handleAllocateResources builds the job under its own lock vector, then
// releases and asks the scheduler for an immediate pass. Running
// Schedule() after releasing the vector, rather than inline, avoids
// re-entering the lock manager (which does not support upgrading or
// recursive acquisition).
func handleAllocateResources(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	reply := handleSubmitBatchJob(d, body, ident)
	if d.sched != nil {
		d.sched.Schedule()
	}
	return reply
}

func handleJobWillRun(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	req, err := readSubmitRequest(body)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Jobs: lock.Write, lock.Nodes: lock.Read, lock.Partitions: lock.Read}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	j, cerr := buildJob(d, req, ident.UID)
	if cerr != nil {
		return reply(cerr.Code, cerr.Msg)
	}
	if d.sched == nil || !d.sched.WouldRun(j) {
		return reply(ctlerrors.RequestedNodesBusy, "would not run now")
	}
	return reply(ctlerrors.Success, "")
}

type jobStepRequest struct {
	JobID  int32
	StepID int32
}

func readJobStepRequest(body []byte) (jobStepRequest, error) {
	r := bytes.NewReader(body)
	var req jobStepRequest
	var err error
	if req.JobID, err = readInt32(r); err != nil {
		return req, err
	}
	req.StepID, err = readInt32(r)
	return req, err
}

func handleCancelJobStep(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	req, err := readJobStepRequest(body)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Config: lock.Read, lock.Jobs: lock.Write, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	j := d.s.LookupJob(int(req.JobID))
	if j == nil {
		return reply(ctlerrors.InvalidJobID, "no such job")
	}
	if j.UID != ident.UID && ident.UID != 0 {
		return reply(ctlerrors.AccessDenied, "")
	}

	if req.StepID < 0 {
		return cancelWholeJob(d, j)
	}
	for i, st := range j.Steps {
		if st.StepID == int(req.StepID) {
			j.Steps = append(j.Steps[:i], j.Steps[i+1:]...)
			j.LastUpdate = time.Now()
			return reply(ctlerrors.Success, "")
		}
	}
	return reply(ctlerrors.InvalidJobID, "no such step")
}

func cancelWholeJob(d *Dispatcher, j *types.Job) []byte {
	if j.State == types.JobComplete || j.State == types.JobCancelled || j.State == types.JobFailed {
		return reply(ctlerrors.AlreadyDone, "")
	}
	releaseJobNodes(d, j)
	j.State = types.JobCancelled
	j.EndTime = time.Now()
	j.LastUpdate = j.EndTime
	d.s.ResyncBitmaps()
	if d.s.Events != nil {
		d.s.Events.Publish(&events.Event{Type: events.EventJobCancelled})
	}
	return reply(ctlerrors.Success, "")
}

// releaseJobNodes decrements run/no-share counters on every node the job's
// bitmap touches and drops allocated nodes back toward idle, mirroring the
// inverse of scheduler.tryStart's bookkeeping.
func releaseJobNodes(d *Dispatcher, j *types.Job) {
	if j.NodeBitmap == nil {
		return
	}
	nodes := d.s.Nodes()
	j.NodeBitmap.ForEach(func(i int) {
		if i >= len(nodes) || nodes[i] == nil {
			return
		}
		n := nodes[i]
		if n.RunJobCnt > 0 {
			n.RunJobCnt--
		}
		if j.Shared == types.SharedNo && n.NoShareCnt > 0 {
			n.NoShareCnt--
		}
		if n.RunJobCnt == 0 && n.BaseState == types.NodeAllocated {
			n.BaseState = types.NodeIdle
		}
		n.LastUpdate = time.Now()
	})
}

type completeRequest struct {
	JobID    int32
	ExitCode int32
	Requeue  bool
}

func readCompleteRequest(body []byte) (completeRequest, error) {
	r := bytes.NewReader(body)
	var req completeRequest
	var err error
	if req.JobID, err = readInt32(r); err != nil {
		return req, err
	}
	if req.ExitCode, err = readInt32(r); err != nil {
		return req, err
	}
	req.Requeue, err = readBool(r)
	return req, err
}

func handleCompleteJobAllocation(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	req, err := readCompleteRequest(body)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Jobs: lock.Write, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	j := d.s.LookupJob(int(req.JobID))
	if j == nil {
		return reply(ctlerrors.InvalidJobID, "no such job")
	}
	releaseJobNodes(d, j)
	j.State = types.JobComplete
	j.EndTime = time.Now()
	j.LastUpdate = j.EndTime
	d.s.ResyncBitmaps()
	if d.s.Events != nil {
		d.s.Events.Publish(&events.Event{Type: events.EventJobCompleted})
	}
	return reply(ctlerrors.Success, "")
}

// handleCompleteBatchScript behaves like complete-job-allocation on a clean
// exit; a non-zero exit drains every node the job touched and, if the
// caller asked for it, requeues the job back to pending instead of marking
// it failed.
func handleCompleteBatchScript(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	req, err := readCompleteRequest(body)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Jobs: lock.Write, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	j := d.s.LookupJob(int(req.JobID))
	if j == nil {
		return reply(ctlerrors.InvalidJobID, "no such job")
	}

	logger := log.WithJob(j.ID)
	if req.ExitCode == 0 {
		releaseJobNodes(d, j)
		j.State = types.JobComplete
	} else {
		nodes := d.s.Nodes()
		if j.NodeBitmap != nil {
			j.NodeBitmap.ForEach(func(i int) {
				if i < len(nodes) && nodes[i] != nil {
					nodes[i].SetFlag(types.NodeFlagDrain)
				}
			})
		}
		releaseJobNodes(d, j)
		if req.Requeue {
			j.State = types.JobPending
			j.NodeBitmap = nil
			j.NodeCount = 0
			logger.Info().Msg("batch script failed, job requeued")
		} else {
			j.State = types.JobFailed
			if d.s.Events != nil {
				d.s.Events.Publish(&events.Event{Type: events.EventJobFailed})
			}
		}
	}
	j.EndTime = time.Now()
	j.LastUpdate = j.EndTime
	d.s.ResyncBitmaps()
	return reply(ctlerrors.Success, "")
}

func handleJobStepCreate(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	req, err := readJobStepRequest(body)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Jobs: lock.Write, lock.Nodes: lock.Read}
	d.lm.Lock(v)
	j := d.s.LookupJob(int(req.JobID))
	if j == nil {
		d.lm.Unlock(v)
		return reply(ctlerrors.InvalidJobID, "no such job")
	}
	if j.State != types.JobRunning {
		d.lm.Unlock(v)
		return reply(ctlerrors.InvalidJobState, "job not running")
	}

	stepID := len(j.Steps)
	nodeList := namesForBitmap(d, j.NodeBitmap)
	step := &types.JobStep{JobID: j.ID, StepID: stepID, NodeBitmap: j.NodeBitmap, StartTime: time.Now()}
	j.Steps = append(j.Steps, step)
	j.LastUpdate = step.StartTime
	d.lm.Unlock(v)

	cred := crypto.NewStepCredential(j.ID, stepID, ident.UID, j.ReqMinMem, nodeList, nil)
	if d.cryptoBackend != nil {
		if err := d.cryptoBackend.Sign(cred); err != nil {
			return reply(ctlerrors.Internal, "credential signing failed")
		}
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return reply(ctlerrors.Internal, "credential encoding failed")
	}

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	_ = writeInt32(b, int32(stepID))
	_ = wire.WriteString(b, string(payload))
	return b.Bytes()
}

func namesForBitmap(d *Dispatcher, bm *types.Bitmap) []string {
	if bm == nil {
		return nil
	}
	var names []string
	nodes := d.s.Nodes()
	bm.ForEach(func(i int) {
		if i < len(nodes) && nodes[i] != nil {
			names = append(names, nodes[i].Name)
		}
	})
	return names
}

// handleEpilogComplete clears the completing signal for one node touched by
// a job; once every node the job
// touched has reported, the job's own Completing flag is cleared too.
func handleEpilogComplete(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	r := bytes.NewReader(body)
	nodeName, err := wire.ReadString(r)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}
	jobID, err := readInt32(r)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Config: lock.Read, lock.Jobs: lock.Write, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	n := d.s.LookupNode(nodeName)
	if n == nil {
		return reply(ctlerrors.InvalidNodeName, nodeName)
	}
	if n.CompJobCnt > 0 {
		n.CompJobCnt--
	}
	n.LastUpdate = time.Now()

	j := d.s.LookupJob(int(jobID))
	if j != nil && j.HasFlag(types.JobFlagCompleting) {
		if n.CompJobCnt == 0 {
			j.ClearFlag(types.JobFlagCompleting)
			j.LastUpdate = time.Now()
		}
	}
	return reply(ctlerrors.Success, "")
}

func handleStepComplete(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	req, err := readJobStepRequest(body)
	if err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Jobs: lock.Write, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	j := d.s.LookupJob(int(req.JobID))
	if j == nil {
		return reply(ctlerrors.InvalidJobID, "no such job")
	}
	for i, st := range j.Steps {
		if st.StepID == int(req.StepID) {
			j.Steps = append(j.Steps[:i], j.Steps[i+1:]...)
			j.LastUpdate = time.Now()
			return reply(ctlerrors.Success, "")
		}
	}
	return reply(ctlerrors.InvalidJobID, "no such step")
}

type updateJobRequest struct {
	JobID    int32
	NewState string
	Hold     bool
}

func handleUpdateJob(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	r := bytes.NewReader(body)
	var req updateJobRequest
	var err error
	if req.JobID, err = readInt32(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}
	if req.NewState, err = wire.ReadString(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}
	if req.Hold, err = readBool(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Jobs: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	j := d.s.LookupJob(int(req.JobID))
	if j == nil {
		return reply(ctlerrors.InvalidJobID, "no such job")
	}
	if ident.UID != 0 && ident.UID != j.UID {
		return reply(ctlerrors.AccessDenied, "")
	}
	if req.NewState != "" {
		if cerr := applyJobStateChange(j, types.JobState(req.NewState)); cerr != nil {
			return reply(cerr.Code, cerr.Msg)
		}
	}
	if req.Hold {
		j.SetFlag(types.JobFlagHeld)
		j.Priority = 0
	} else {
		j.ClearFlag(types.JobFlagHeld)
	}
	j.LastUpdate = time.Now()
	return reply(ctlerrors.Success, "")
}

// applyJobStateChange enforces the admin-initiated transitions: pending
// -> cancelled, running -> suspended and back (tracking the suspend
// counter). Running jobs are cancelled through cancel-job-step,
// which also releases their nodes; this path never touches the node table.
func applyJobStateChange(j *types.Job, to types.JobState) *ctlerrors.Error {
	switch to {
	case types.JobCancelled:
		if j.State != types.JobPending {
			return ctlerrors.Newf(ctlerrors.InvalidJobState, "job %d is %s, not pending", j.ID, j.State)
		}
		j.State = types.JobCancelled
		j.EndTime = time.Now()
	case types.JobSuspended:
		if j.State != types.JobRunning {
			return ctlerrors.Newf(ctlerrors.InvalidJobState, "job %d is %s, not running", j.ID, j.State)
		}
		j.State = types.JobSuspended
		j.SuspendCnt++
	case types.JobRunning:
		if j.State != types.JobSuspended {
			return ctlerrors.Newf(ctlerrors.InvalidJobState, "job %d is %s, not suspended", j.ID, j.State)
		}
		j.State = types.JobRunning
		if j.SuspendCnt > 0 {
			j.SuspendCnt--
		}
	default:
		return ctlerrors.Newf(ctlerrors.InvalidJobState, "unsupported state change to %s", to)
	}
	return nil
}

type updateNodeRequest struct {
	Name     string
	NewState string
	Reason   string
}

func handleUpdateNode(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	if ident.UID != 0 {
		return reply(ctlerrors.AccessDenied, "")
	}
	r := bytes.NewReader(body)
	var req updateNodeRequest
	var err error
	if req.Name, err = wire.ReadString(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}
	if req.NewState, err = wire.ReadString(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}
	if req.Reason, err = wire.ReadString(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	// Jobs=Write is required alongside Nodes=Write: a node->down
	// transition kills the jobs touching it (state.Store.SetNodeState), so
	// both entities must be held together.
	v := lock.Vector{lock.Config: lock.Read, lock.Jobs: lock.Write, lock.Nodes: lock.Write}
	d.lm.Lock(v)
	cerr := d.s.SetNodeState(req.Name, types.NodeBaseState(req.NewState), req.Reason)
	d.lm.Unlock(v)

	if cerr != nil {
		return reply(cerr.Code, cerr.Msg)
	}
	return reply(ctlerrors.Success, "")
}

type updatePartitionRequest struct {
	Name string
	Up   bool
}

func handleUpdatePartition(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	if ident.UID != 0 {
		return reply(ctlerrors.AccessDenied, "")
	}
	r := bytes.NewReader(body)
	var req updatePartitionRequest
	var err error
	if req.Name, err = wire.ReadString(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}
	if req.Up, err = readBool(r); err != nil {
		return reply(ctlerrors.Internal, "malformed request")
	}

	v := lock.Vector{lock.Partitions: lock.Write}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	p := d.s.LookupPartition(req.Name)
	if p == nil {
		return reply(ctlerrors.InvalidPartitionName, req.Name)
	}
	p.Up = req.Up
	p.LastUpdate = time.Now()
	return reply(ctlerrors.Success, "")
}

// handleReconfigure re-reads ctld.conf from disk and re-runs the config
// reconcile cold, under a full four-entity write lock.
func handleReconfigure(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	if ident.UID != 0 {
		return reply(ctlerrors.AccessDenied, "")
	}
	raw, err := config.Parse(d.confPath)
	if err != nil {
		return reply(ctlerrors.Internal, err.Error())
	}
	if err := config.Reconcile(d.lm, d.s, raw, state.RecoveryCold, d.queue); err != nil {
		return reply(ctlerrors.Internal, err.Error())
	}
	if d.s.Events != nil {
		d.s.Events.Publish(&events.Event{Type: events.EventReconfigured})
	}
	return reply(ctlerrors.Success, "")
}

// handleShutdown sets shutdown_time and lets the signal/background tasks
// do the rest: the background loop's shutdown path drains in-flight RPC
// workers and saves state. No shutdown RPC is fanned out to worker
// daemons, by this handler or by the background loop.
func handleShutdown(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	if ident.UID != 0 {
		return reply(ctlerrors.AccessDenied, "")
	}
	if d.Shutdown != nil {
		d.Shutdown.Request()
	}
	return reply(ctlerrors.Success, "")
}

// handleControl implements the primary's side of "control": the primary
// is being told to step down in favour of a higher
// priority standby once it returns, rather than being killed outright.
func handleControl(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	if ident.UID != 0 {
		return reply(ctlerrors.AccessDenied, "")
	}
	d.ResumeBackup.Store(true)
	if d.Shutdown != nil {
		d.Shutdown.Request()
	}
	return reply(ctlerrors.Success, "")
}

// handleTakeover implements the primary's side of "takeover": unlike
// control, the primary does not expect to resume.
func handleTakeover(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	if d.Shutdown != nil {
		d.Shutdown.Request()
	}
	return reply(ctlerrors.Success, "")
}

// handleControlStatus answers the standby-initiated liveness ping with
// this process's own control_time/backup_inx, letting the caller judge
// whether the primary is still alive and which priority it is.
// A non-zero ControlTime means "I am already primary";
// a standby answering this whitelist entry must report 0 so a lower-
// priority peer can tell it is live but not (yet) in control.
func handleControlStatus(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	var controlTime uint64
	if !d.StandbyMode.Load() {
		controlTime = uint64(time.Now().Unix())
	}

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	_ = wire.WriteControlStatusBody(b, wire.ControlStatusBody{
		ControlTime: controlTime,
		BackupInx:   uint16(d.ServerIdx),
	})
	return b.Bytes()
}

// handleConfig returns the scalar configuration for clients and tooling.
// A standby does not own an authoritative copy, so instead of serving
// possibly-stale values it redirects the caller to the controller in
// charge with in-standby-use-backup.
func handleConfig(d *Dispatcher, body []byte, ident auth.Identity) []byte {
	if d.StandbyMode.Load() {
		return reply(ctlerrors.InStandbyUseBackup, "not in control, ask the acting primary")
	}

	v := lock.Vector{lock.Config: lock.Read}
	d.lm.Lock(v)
	defer d.lm.Unlock(v)

	b := buf()
	_ = writeReplyHeader(b, ctlerrors.Success, "")
	c := d.s.Config
	if c == nil {
		_ = wire.WriteStringList(b, nil)
		_ = writeInt32(b, 0)
		_ = wire.WriteString(b, "")
		_ = wire.WriteString(b, "")
		_ = wire.WriteString(b, "")
		_ = writeInt32(b, 0)
		_ = writeInt32(b, 0)
		_ = writeBool(b, false)
		return b.Bytes()
	}
	_ = wire.WriteStringList(b, c.ControlHosts)
	_ = writeInt32(b, int32(c.ListenPort))
	_ = wire.WriteString(b, c.StateSaveDir)
	_ = wire.WriteString(b, c.AuthType)
	_ = wire.WriteString(b, c.SchedType)
	_ = writeInt32(b, int32(c.ControllerTimeout/time.Second))
	_ = writeInt32(b, int32(c.SlurmdTimeout/time.Second))
	_ = writeBool(b, c.FastSchedule)
	return b.Bytes()
}
