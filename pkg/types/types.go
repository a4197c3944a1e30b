// Package types holds the core data model shared by every component of the
// controller: configuration, nodes, partitions, jobs and job steps.
package types

import "time"

// NodeBaseState is the primary state of a compute node. Transitions between
// these are restricted; see state.Store.SetNodeState.
type NodeBaseState string

const (
	NodeUnknown    NodeBaseState = "unknown"
	NodeIdle       NodeBaseState = "idle"
	NodeAllocated  NodeBaseState = "allocated"
	NodeCompleting NodeBaseState = "completing"
	NodeDown       NodeBaseState = "down"
	NodeFuture     NodeBaseState = "future"
)

// NodeFlag is one of the orthogonal flags a node can carry alongside its
// base state.
type NodeFlag uint8

const (
	NodeFlagNoRespond NodeFlag = 1 << iota
	NodeFlagDrain
	NodeFlagFail
	NodeFlagPowerSave
	NodeFlagMaintenance
)

func (n *Node) HasFlag(f NodeFlag) bool { return n.Flags&f != 0 }
func (n *Node) SetFlag(f NodeFlag)      { n.Flags |= f }
func (n *Node) ClearFlag(f NodeFlag)    { n.Flags &^= f }

// Draining is true when the node is marked drain but still carries work.
func (n *Node) Draining() bool {
	return n.HasFlag(NodeFlagDrain) && (n.RunJobCnt+n.CompJobCnt) > 0
}

// Drained is true when the node is marked drain and carries no work.
func (n *Node) Drained() bool {
	return n.HasFlag(NodeFlagDrain) && (n.RunJobCnt+n.CompJobCnt) == 0
}

// ConfigRecord groups nodes that share an identical hardware spec.
type ConfigRecord struct {
	ID       int
	CPUs     int
	Memory   int64
	TmpDisk  int64
	Weight   int
	Features string
	// NodeBitmap indexes into the owning Store's node table.
	NodeBitmap *Bitmap
}

// Node is one compute host.
type Node struct {
	Name        string
	CommName    string
	Port        int
	BaseState   NodeBaseState
	Flags       NodeFlag
	CPUsConfig  int // configured at init time from the node line
	CPUsReport  int // last self-reported value from the worker daemon
	Memory      int64
	TmpDisk     int64
	Weight      int
	Features    string
	RunJobCnt   int
	CompJobCnt  int
	NoShareCnt  int
	LastResp    time.Time
	Reason      string
	ReasonAt    time.Time
	ConfigIndex int   // index into Store's CR table
	Partitions  []int // indices into Store's partition table
	LastUpdate  time.Time

	// Index is this node's position in the Store's contiguous node
	// array; it is also the bit position used by every Bitmap.
	Index int
}

// CPUs centralises the fast_schedule decision:
// when fastSchedule is true, scheduling math uses the configured CPU count,
// otherwise the node's last self-reported count.
func (n *Node) CPUs(fastSchedule bool) int {
	if fastSchedule || n.CPUsReport == 0 {
		return n.CPUsConfig
	}
	return n.CPUsReport
}

// SharedPolicy controls whether a partition allows multiple jobs per node.
type SharedPolicy string

const (
	SharedNo    SharedPolicy = "no"
	SharedYes   SharedPolicy = "yes"
	SharedForce SharedPolicy = "force"
)

// Partition is a named scheduling queue.
type Partition struct {
	Name        string
	NodeList    string // original, unexpanded node-list expression
	NodeBitmap  *Bitmap
	MinNodes    int
	MaxNodes    int // 0 means unbounded
	MaxTime     time.Duration
	RootOnly    bool
	Hidden      bool
	Shared      SharedPolicy
	Up          bool
	AllowGroups []string
	Default     bool
	LastUpdate  time.Time

	Index int
}

// TotalCPUs sums CPUs() over every node in the partition's bitmap.
func (p *Partition) TotalCPUs(nodes []*Node, fastSchedule bool) int {
	total := 0
	p.NodeBitmap.ForEach(func(i int) {
		if i < len(nodes) && nodes[i] != nil {
			total += nodes[i].CPUs(fastSchedule)
		}
	})
	return total
}

// TotalNodes returns the cardinality of the partition's node bitmap.
func (p *Partition) TotalNodes() int { return p.NodeBitmap.Count() }

// JobState is the primary lifecycle state of a job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSuspended JobState = "suspended"
	JobComplete  JobState = "complete"
	JobCancelled JobState = "cancelled"
	JobFailed    JobState = "failed"
	JobTimeout   JobState = "timeout"
	JobNodeFail  JobState = "node_fail"
)

// JobFlag is an overlay flag independent of the primary state.
type JobFlag uint8

const (
	JobFlagCompleting JobFlag = 1 << iota
	JobFlagConfiguring
	JobFlagHeld
)

func (j *Job) HasFlag(f JobFlag) bool { return j.Flags&f != 0 }
func (j *Job) SetFlag(f JobFlag)      { j.Flags |= f }
func (j *Job) ClearFlag(f JobFlag)    { j.Flags &^= f }

// BatchScriptStepID is the reserved step id for a job's own batch script.
const BatchScriptStepID = -2

// JobDetails carries the submission-time attributes that don't change
// shape across a job's lifetime.
type JobDetails struct {
	Command    string
	Argv       []string
	EnvSize    int
	StdOut     string
	StdErr     string
	StdIn      string
	WorkDir    string
	DependsOn  []int
}

// Job is a user's allocation request.
type Job struct {
	ID         int
	UID        int
	GID        int
	State      JobState
	Flags      JobFlag
	Partition  int // index into Store's partition table, -1 if unset
	NodeBitmap *Bitmap
	NodeCount  int

	ReqCPUs    int
	ReqMinMem  int64
	ReqMinNode int
	ReqMinCPUs int

	TimeLimit time.Duration
	Priority  int64

	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	LastActive time.Time

	Shared       SharedPolicy
	Batch        bool
	Details      JobDetails
	RestartCnt   int
	SuspendCnt   int
	ReasonCode   string

	Steps []*JobStep

	LastUpdate time.Time
}

// StepLayout records how many tasks run on each node of a step, indexed in
// the same order as the step's NodeBitmap iteration.
type StepLayout struct {
	TasksPerNode []int
}

// JobStep is a sub-allocation within a running job.
type JobStep struct {
	JobID      int
	StepID     int
	NodeBitmap *Bitmap
	CPUCount   int
	Memory     int64
	Layout     StepLayout
	Switch     string
	Ports      []int
	// CoreBitmap[i] is the set of cores claimed on the i'th node of
	// NodeBitmap (indexed 0..n-1 over the step's own nodes, not the
	// cluster-wide node index space).
	CoreBitmap map[int]*Bitmap

	StartTime time.Time
}

// Config is the single, atomically-replaced configuration record.
type Config struct {
	ControlHosts     []string // position 0 is primary
	ListenPort       int
	StateSaveDir     string
	AuthType         string
	SchedType        string
	SelectType       string
	SwitchType       string
	CheckpointType   string
	AccountingStore  string
	HeartbeatInterval time.Duration
	ControllerTimeout time.Duration
	SlurmdTimeout     time.Duration
	BatchStartTimeout time.Duration
	JobPurgeAge       time.Duration
	MsgTimeout        time.Duration
	TreeWidth         int
	DebugLevel        int
	WorkerUser        string
	CryptoKeyPath     string
	FastSchedule      bool
	MaxJobID          int
	DefaultPartition  string
	PrivateData       PrivateData

	// raw lines, preserved for reconfigure diagnostics and DumpYAML
	NodeLines      []string
	PartitionLines []string
}

// PrivateData is the bitmask controlling which tables are restricted to
// owner-only visibility on info RPCs.
type PrivateData uint32

const (
	PrivateDataJobs PrivateData = 1 << iota
	PrivateDataNodes
	PrivateDataPartitions
	PrivateDataReservations
	PrivateDataAccounts
)

func (c *Config) privateDataSet(flag PrivateData) bool { return c.PrivateData&flag != 0 }

// JobVisible reports whether uid may see job j under the configured
// private_data policy; uid 0 (root) always sees everything.
func (c *Config) JobVisible(j *Job, uid int) bool {
	if uid == 0 || !c.privateDataSet(PrivateDataJobs) {
		return true
	}
	return j.UID == uid
}

// NodeVisible mirrors JobVisible for the node table; nodes carry no owner,
// so private_data=nodes simply hides the table from non-root callers.
func (c *Config) NodeVisible(uid int) bool {
	if uid == 0 || !c.privateDataSet(PrivateDataNodes) {
		return true
	}
	return false
}

// BackupIndex returns this host's position in ControlHosts, or -1 if the
// host is not a control host. Lower is higher priority (0 is primary).
func (c *Config) BackupIndex(host string) int {
	for i, h := range c.ControlHosts {
		if h == host {
			return i
		}
	}
	return -1
}
