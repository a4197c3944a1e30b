package rpc

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ctld/pkg/agent"
	"github.com/cuemby/ctld/pkg/auth"
	"github.com/cuemby/ctld/pkg/crypto"
	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/cuemby/ctld/pkg/events"
	"github.com/cuemby/ctld/pkg/lifecycle"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/scheduler"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
	"github.com/cuemby/ctld/pkg/wire"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	lm := lock.New()
	s := state.New(events.NewBroker())
	s.Config = &types.Config{
		ControlHosts:     []string{"ctld0"},
		DefaultPartition: "p1",
		MaxJobID:         1000,
	}

	n := &types.Node{Name: "n1", CommName: "n1", BaseState: types.NodeIdle, CPUsConfig: 4}
	s.RegisterNode(n)

	p := &types.Partition{Name: "p1", Default: true, Up: true, Shared: types.SharedNo}
	p.NodeBitmap = types.NewBitmap(1)
	p.NodeBitmap.Set(0)
	s.AddPartition(p)
	n.Partitions = append(n.Partitions, p.Index)
	s.ResyncBitmaps()

	sched := scheduler.New(lm, s)
	queue := agent.New(func(target string, rpc agent.RPC) error { return nil })
	authBackend, err := auth.Load("auth/none", nil)
	require.NoError(t, err)
	cryptoBackend, err := crypto.New("")
	require.NoError(t, err)

	d := New(lm, s, sched, queue, authBackend, cryptoBackend, &lifecycle.ShutdownFlag{}, "", "127.0.0.1:0", 0)
	return d
}

func call(t *testing.T, d *Dispatcher, opcode wire.Opcode, body []byte) (ctlerrors.Code, string, []byte) {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		d.handleConn(server)
		close(done)
	}()

	require.NoError(t, wire.WriteMessage(client, opcode, wire.FlagNone, nil, body))

	h, respBody, err := wire.ReadMessage(client)
	require.NoError(t, err)
	assert.Equal(t, opcode, h.MsgType)

	r := bytes.NewReader(respBody)
	code, msg, err := readReplyHeader(r)
	require.NoError(t, err)

	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)

	<-done
	return code, msg, rest
}

func TestHandlePingSucceeds(t *testing.T) {
	d := newTestDispatcher(t)
	code, _, _ := call(t, d, wire.OpPing, nil)
	assert.Equal(t, ctlerrors.Success, code)
}

func TestHandleSubmitBatchJobAssignsID(t *testing.T) {
	d := newTestDispatcher(t)

	b := buf()
	require.NoError(t, wire.WriteString(b, "p1"))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt64(b, 0))
	require.NoError(t, writeInt32(b, 60))
	require.NoError(t, wire.WriteString(b, "no"))
	require.NoError(t, wire.WriteString(b, "#!/bin/sh\nsleep 0\n"))
	require.NoError(t, writeBool(b, false))

	code, _, rest := call(t, d, wire.OpSubmitBatchJob, b.Bytes())
	require.Equal(t, ctlerrors.Success, code)

	jobID, err := readInt32(bytes.NewReader(rest))
	require.NoError(t, err)
	assert.Equal(t, int32(1), jobID)

	j := d.s.LookupJob(1)
	require.NotNil(t, j)
	assert.Equal(t, types.JobPending, j.State)
	assert.Equal(t, "p1", d.s.Partitions()[j.Partition].Name)
}

func TestHandleSubmitBatchJobRejectsUnknownPartition(t *testing.T) {
	d := newTestDispatcher(t)

	b := buf()
	require.NoError(t, wire.WriteString(b, "does-not-exist"))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt64(b, 0))
	require.NoError(t, writeInt32(b, 60))
	require.NoError(t, wire.WriteString(b, "no"))
	require.NoError(t, wire.WriteString(b, "true"))
	require.NoError(t, writeBool(b, false))

	code, _, _ := call(t, d, wire.OpSubmitBatchJob, b.Bytes())
	assert.Equal(t, ctlerrors.InvalidPartitionName, code)
}

// TestHandleSubmitBatchJobAllowsDownPartition: a down
// partition still accepts a submission into pending; only scheduling, not
// submission, is blocked.
func TestHandleSubmitBatchJobAllowsDownPartition(t *testing.T) {
	d := newTestDispatcher(t)
	d.s.Partitions()[0].Up = false

	b := buf()
	require.NoError(t, wire.WriteString(b, "p1"))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt64(b, 0))
	require.NoError(t, writeInt32(b, 60))
	require.NoError(t, wire.WriteString(b, "no"))
	require.NoError(t, wire.WriteString(b, "true"))
	require.NoError(t, writeBool(b, false))

	code, _, _ := call(t, d, wire.OpSubmitBatchJob, b.Bytes())
	require.Equal(t, ctlerrors.Success, code)

	j := d.s.LookupJob(1)
	require.NotNil(t, j)
	assert.Equal(t, types.JobPending, j.State)
}

// TestHandleSubmitBatchJobImmediateRejectsWhenUnavailable: immediate=true
// for two nodes when the partition has only one available returns
// nodes-unavailable and creates no job record.
func TestHandleSubmitBatchJobImmediateRejectsWhenUnavailable(t *testing.T) {
	d := newTestDispatcher(t)

	b := buf()
	require.NoError(t, wire.WriteString(b, "p1"))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, 2))
	require.NoError(t, writeInt64(b, 0))
	require.NoError(t, writeInt32(b, 60))
	require.NoError(t, wire.WriteString(b, "no"))
	require.NoError(t, wire.WriteString(b, "true"))
	require.NoError(t, writeBool(b, true))

	code, _, _ := call(t, d, wire.OpSubmitBatchJob, b.Bytes())
	assert.Equal(t, ctlerrors.NodesUnavailable, code)
	assert.Nil(t, d.s.LookupJob(1))
}

func TestHandleAllocateResourcesSchedulesImmediately(t *testing.T) {
	d := newTestDispatcher(t)

	b := buf()
	require.NoError(t, wire.WriteString(b, "p1"))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt64(b, 0))
	require.NoError(t, writeInt32(b, 60))
	require.NoError(t, wire.WriteString(b, "no"))
	require.NoError(t, wire.WriteString(b, "true"))
	require.NoError(t, writeBool(b, false))

	code, _, _ := call(t, d, wire.OpAllocateResources, b.Bytes())
	require.Equal(t, ctlerrors.Success, code)

	j := d.s.LookupJob(1)
	require.NotNil(t, j)
	assert.Equal(t, types.JobRunning, j.State)
}

func TestHandleJobInfoHidesOtherUsersJobsUnderPrivateData(t *testing.T) {
	d := newTestDispatcher(t)
	d.s.Config.PrivateData = types.PrivateDataJobs

	now := time.Now()
	d.s.AddJob(&types.Job{ID: d.s.NextJobID(), UID: 42, State: types.JobPending, Partition: -1, SubmitTime: now})

	// auth/none resolves every caller to uid 0, which may see every job,
	// so the handler is called directly with a non-root identity.
	r := bytes.NewReader(handleJobInfo(d, nil, auth.Identity{UID: 1000}))
	code, _, err := readReplyHeader(r)
	require.NoError(t, err)
	require.Equal(t, ctlerrors.Success, code)

	jobs, err := readJobSummaries(r)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestHandleNodeInfoReturnsRegisteredNode(t *testing.T) {
	d := newTestDispatcher(t)

	code, _, rest := call(t, d, wire.OpNodeInfo, nil)
	require.Equal(t, ctlerrors.Success, code)

	nodes, err := readNodeSummaries(bytes.NewReader(rest))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].Name)
}

func TestHandleUpdateNodeTransitionsBaseState(t *testing.T) {
	d := newTestDispatcher(t)

	b := buf()
	require.NoError(t, wire.WriteString(b, "n1"))
	require.NoError(t, wire.WriteString(b, string(types.NodeDown)))
	require.NoError(t, wire.WriteString(b, "maintenance"))

	// auth/none always resolves to uid 0, so the handler's root-only gate
	// passes and this exercises the state-transition path.
	code, _, _ := call(t, d, wire.OpUpdateNode, b.Bytes())
	assert.Equal(t, ctlerrors.Success, code)

	n := d.s.LookupNode("n1")
	require.NotNil(t, n)
	assert.Equal(t, types.NodeDown, n.BaseState)
}

func TestHandleShutdownRequestsShutdown(t *testing.T) {
	d := newTestDispatcher(t)
	code, _, _ := call(t, d, wire.OpShutdown, nil)
	assert.Equal(t, ctlerrors.Success, code)
	assert.True(t, d.Shutdown.Requested())
}

func TestHandleControlStatusReportsServerIdx(t *testing.T) {
	d := newTestDispatcher(t)
	d.ServerIdx = 1

	code, _, rest := call(t, d, wire.OpControlStatus, nil)
	require.Equal(t, ctlerrors.Success, code)

	status, err := wire.ReadControlStatusBody(bytes.NewReader(rest))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), status.BackupInx)
	assert.NotZero(t, status.ControlTime)
}

// TestHandleControlStatusStandbyReportsZeroControlTime: a non-zero
// control_time means the peer is already primary, so a
// standby answering the whitelist must report 0.
func TestHandleControlStatusStandbyReportsZeroControlTime(t *testing.T) {
	d := newTestDispatcher(t)
	d.StandbyMode.Store(true)

	code, _, rest := call(t, d, wire.OpControlStatus, nil)
	require.Equal(t, ctlerrors.Success, code)

	status, err := wire.ReadControlStatusBody(bytes.NewReader(rest))
	require.NoError(t, err)
	assert.Zero(t, status.ControlTime)
}

func TestUnknownOpcodeReturnsInternal(t *testing.T) {
	d := newTestDispatcher(t)
	code, _, _ := call(t, d, wire.Opcode(9999), nil)
	assert.Equal(t, ctlerrors.Internal, code)
}

func TestFlagNoResponseSuppressesReply(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		d.handleConn(server)
		close(done)
	}()

	require.NoError(t, wire.WriteMessage(client, wire.OpShutdown, wire.FlagNoResponse, nil, nil))
	<-done

	assert.True(t, d.Shutdown.Requested())
}

func newTwoNodeDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	lm := lock.New()
	s := state.New(events.NewBroker())
	s.Config = &types.Config{
		ControlHosts:     []string{"ctld0"},
		DefaultPartition: "p1",
		MaxJobID:         1000,
	}
	for _, name := range []string{"n1", "n2"} {
		s.RegisterNode(&types.Node{Name: name, CommName: name, BaseState: types.NodeIdle, CPUsConfig: 4})
	}
	p := &types.Partition{Name: "p1", Default: true, Up: true, Shared: types.SharedNo}
	p.NodeBitmap = types.NewBitmap(2)
	p.NodeBitmap.Set(0)
	p.NodeBitmap.Set(1)
	s.AddPartition(p)
	s.ResyncBitmaps()

	sched := scheduler.New(lm, s)
	queue := agent.New(func(target string, rpc agent.RPC) error { return nil })
	authBackend, err := auth.Load("auth/none", nil)
	require.NoError(t, err)
	cryptoBackend, err := crypto.New("")
	require.NoError(t, err)

	return New(lm, s, sched, queue, authBackend, cryptoBackend, &lifecycle.ShutdownFlag{}, "", "127.0.0.1:0", 0)
}

func submitBody(t *testing.T, partition string, minNodes int32, immediate bool) []byte {
	t.Helper()
	b := buf()
	require.NoError(t, wire.WriteString(b, partition))
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, minNodes))
	require.NoError(t, writeInt64(b, 0))
	require.NoError(t, writeInt32(b, 60))
	require.NoError(t, wire.WriteString(b, "no"))
	require.NoError(t, wire.WriteString(b, "#!/bin/sh\nsleep 0\n"))
	require.NoError(t, writeBool(b, immediate))
	return b.Bytes()
}

// TestDrainBlocksNewAllocation: drain n1, an
// immediate two-node submit fails with nodes-unavailable, a one-node
// allocation lands on n2.
func TestDrainBlocksNewAllocation(t *testing.T) {
	d := newTwoNodeDispatcher(t)

	b := buf()
	require.NoError(t, wire.WriteString(b, "n1"))
	require.NoError(t, wire.WriteString(b, "drained"))
	require.NoError(t, wire.WriteString(b, "maintenance"))
	code, _, _ := call(t, d, wire.OpUpdateNode, b.Bytes())
	require.Equal(t, ctlerrors.Success, code)

	code, _, _ = call(t, d, wire.OpSubmitBatchJob, submitBody(t, "p1", 2, true))
	assert.Equal(t, ctlerrors.NodesUnavailable, code)
	assert.Nil(t, d.s.LookupJob(1))

	code, _, _ = call(t, d, wire.OpAllocateResources, submitBody(t, "p1", 1, false))
	require.Equal(t, ctlerrors.Success, code)

	j := d.s.LookupJob(1)
	require.NotNil(t, j)
	require.Equal(t, types.JobRunning, j.State)
	n2 := d.s.LookupNode("n2")
	assert.True(t, j.NodeBitmap.IsSet(n2.Index), "allocation must avoid the drained node")
	n1 := d.s.LookupNode("n1")
	assert.False(t, j.NodeBitmap.IsSet(n1.Index))
}

// TestSubmitCompleteLeavesClusterIdle: submit, schedule,
// complete-batch-script, and verify the node and bitmaps return to idle.
func TestSubmitCompleteLeavesClusterIdle(t *testing.T) {
	d := newTwoNodeDispatcher(t)

	code, _, _ := call(t, d, wire.OpAllocateResources, submitBody(t, "p1", 1, false))
	require.Equal(t, ctlerrors.Success, code)

	j := d.s.LookupJob(1)
	require.NotNil(t, j)
	require.Equal(t, types.JobRunning, j.State)

	b := buf()
	require.NoError(t, writeInt32(b, 1)) // job id
	require.NoError(t, writeInt32(b, 0)) // exit code
	require.NoError(t, writeBool(b, false))
	code, _, _ = call(t, d, wire.OpCompleteBatchScript, b.Bytes())
	require.Equal(t, ctlerrors.Success, code)

	assert.Equal(t, types.JobComplete, j.State)
	for _, n := range d.s.Nodes() {
		assert.Equal(t, types.NodeIdle, n.BaseState)
		assert.Equal(t, 0, n.RunJobCnt)
		assert.True(t, d.s.IdleBitmap.IsSet(n.Index))
	}
}

// Cancellation is idempotent: cancelling an already-terminal job reports
// already-done rather than an error the client must special-case.
func TestCancelPendingJobLeavesNodesUntouched(t *testing.T) {
	d := newTwoNodeDispatcher(t)
	d.s.Partitions()[0].Up = false

	code, _, _ := call(t, d, wire.OpSubmitBatchJob, submitBody(t, "p1", 1, false))
	require.Equal(t, ctlerrors.Success, code)

	b := buf()
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, -1)) // whole job
	code, _, _ = call(t, d, wire.OpCancelJobStep, b.Bytes())
	require.Equal(t, ctlerrors.Success, code)

	j := d.s.LookupJob(1)
	require.NotNil(t, j)
	assert.Equal(t, types.JobCancelled, j.State)
	for _, n := range d.s.Nodes() {
		assert.Equal(t, 0, n.RunJobCnt)
	}

	code, _, _ = call(t, d, wire.OpCancelJobStep, b.Bytes())
	assert.Equal(t, ctlerrors.AlreadyDone, code)
}

func TestJobStepCreateMintsSignedCredential(t *testing.T) {
	d := newTwoNodeDispatcher(t)

	code, _, _ := call(t, d, wire.OpAllocateResources, submitBody(t, "p1", 1, false))
	require.Equal(t, ctlerrors.Success, code)

	b := buf()
	require.NoError(t, writeInt32(b, 1))
	require.NoError(t, writeInt32(b, 0))
	code, _, rest := call(t, d, wire.OpJobStepCreate, b.Bytes())
	require.Equal(t, ctlerrors.Success, code)

	r := bytes.NewReader(rest)
	stepID, err := readInt32(r)
	require.NoError(t, err)
	assert.Equal(t, int32(0), stepID)

	payload, err := wire.ReadString(r)
	require.NoError(t, err)

	var cred crypto.StepCredential
	require.NoError(t, json.Unmarshal([]byte(payload), &cred))
	assert.Equal(t, 1, cred.JobID)
	assert.NotEmpty(t, cred.Signature)
	assert.NoError(t, d.cryptoBackend.Verify(&cred))
}

func updateJobBody(t *testing.T, jobID int32, newState string, hold bool) []byte {
	t.Helper()
	b := buf()
	require.NoError(t, writeInt32(b, jobID))
	require.NoError(t, wire.WriteString(b, newState))
	require.NoError(t, writeBool(b, hold))
	return b.Bytes()
}

func TestUpdateJobSuspendResumeTracksCounter(t *testing.T) {
	d := newTwoNodeDispatcher(t)

	code, _, _ := call(t, d, wire.OpAllocateResources, submitBody(t, "p1", 1, false))
	require.Equal(t, ctlerrors.Success, code)
	j := d.s.LookupJob(1)
	require.Equal(t, types.JobRunning, j.State)

	code, _, _ = call(t, d, wire.OpUpdateJob, updateJobBody(t, 1, string(types.JobSuspended), false))
	require.Equal(t, ctlerrors.Success, code)
	assert.Equal(t, types.JobSuspended, j.State)
	assert.Equal(t, 1, j.SuspendCnt)

	code, _, _ = call(t, d, wire.OpUpdateJob, updateJobBody(t, 1, string(types.JobRunning), false))
	require.Equal(t, ctlerrors.Success, code)
	assert.Equal(t, types.JobRunning, j.State)
	assert.Equal(t, 0, j.SuspendCnt)
}

func TestUpdateJobRejectsSuspendingPendingJob(t *testing.T) {
	d := newTwoNodeDispatcher(t)
	d.s.Partitions()[0].Up = false

	code, _, _ := call(t, d, wire.OpSubmitBatchJob, submitBody(t, "p1", 1, false))
	require.Equal(t, ctlerrors.Success, code)

	code, _, _ = call(t, d, wire.OpUpdateJob, updateJobBody(t, 1, string(types.JobSuspended), false))
	assert.Equal(t, ctlerrors.InvalidJobState, code)
}

func TestUpdateJobHoldZeroesPriority(t *testing.T) {
	d := newTwoNodeDispatcher(t)
	d.s.Partitions()[0].Up = false

	code, _, _ := call(t, d, wire.OpSubmitBatchJob, submitBody(t, "p1", 1, false))
	require.Equal(t, ctlerrors.Success, code)
	j := d.s.LookupJob(1)
	j.Priority = 100

	code, _, _ = call(t, d, wire.OpUpdateJob, updateJobBody(t, 1, "", true))
	require.Equal(t, ctlerrors.Success, code)
	assert.True(t, j.HasFlag(types.JobFlagHeld))
	assert.Zero(t, j.Priority)
}

func TestHandleConfigReturnsScalars(t *testing.T) {
	d := newTestDispatcher(t)
	d.s.Config.ControlHosts = []string{"c0", "c1"}
	d.s.Config.ListenPort = 6817

	code, _, rest := call(t, d, wire.OpConfig, nil)
	require.Equal(t, ctlerrors.Success, code)

	r := bytes.NewReader(rest)
	hosts, err := wire.ReadStringList(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1"}, hosts)

	port, err := readInt32(r)
	require.NoError(t, err)
	assert.Equal(t, int32(6817), port)
}

// A standby does not serve configuration: it redirects the caller to the
// acting primary instead of answering with possibly-stale values.
func TestStandbyConfigRedirectsToBackup(t *testing.T) {
	d := newTestDispatcher(t)
	d.StandbyMode.Store(true)

	code, _, _ := call(t, d, wire.OpConfig, nil)
	assert.Equal(t, ctlerrors.InStandbyUseBackup, code)
}

// A standby never runs a reconfigure on behalf of a remote caller; the
// opcode is outside its whitelist and mutating state is the primary's
// privilege.
func TestStandbyRejectsReconfigure(t *testing.T) {
	d := newTestDispatcher(t)
	d.StandbyMode.Store(true)

	code, _, _ := call(t, d, wire.OpReconfigure, nil)
	assert.Equal(t, ctlerrors.InStandbyMode, code)
}
