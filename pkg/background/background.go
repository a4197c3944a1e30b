// Package background implements the background loop: a single periodic
// task that wakes every second and, once per activity's own interval,
// drives heartbeats,
// time-limit enforcement, checkpointing, completion reaping, and the
// primary-liveness reassertion. It holds no lock while sleeping and
// acquires only the vector each activity needs.
package background

import (
	"time"

	"github.com/cuemby/ctld/pkg/agent"
	"github.com/cuemby/ctld/pkg/lifecycle"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/metrics"
	"github.com/cuemby/ctld/pkg/scheduler"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
)

// Activity intervals kept as implementation constants rather than
// tunables on types.Config.
const (
	tickInterval         = 1 * time.Second
	noResponseInterval   = 60 * time.Second
	noResponseLowDebug   = 300 * time.Second
	timeLimitInterval    = 30 * time.Second
	healthCheckInterval  = 300 * time.Second
	groupRefreshInterval = 600 * time.Second
	purgeCheckInterval   = 300 * time.Second
	triggerInterval      = 15 * time.Second
	checkpointInterval   = 300 * time.Second
	accountingInterval   = 60 * time.Second
)

// WorkerCounter reports how many RPC worker tasks are currently in
// flight, so the shutdown path can wait for the dispatcher to drain
// without this package importing pkg/rpc.
type WorkerCounter interface {
	Active() int
}

// Loop is the background task. One instance runs per active (primary)
// controller process; a standby runs pkg/failover instead.
type Loop struct {
	lm     *lock.Manager
	s      *state.Store
	sched  *scheduler.Scheduler
	queue  *agent.Queue
	flag   *lifecycle.ShutdownFlag
	active WorkerCounter

	stateSaveDir   string
	serverIdx      int
	controlTimeout time.Duration

	last map[string]time.Time
	done chan struct{}
}

// New builds a background loop bound to the controller's shared state.
// active may be nil (tests that never exercise the shutdown drain).
func New(lm *lock.Manager, s *state.Store, sched *scheduler.Scheduler, queue *agent.Queue, flag *lifecycle.ShutdownFlag, active WorkerCounter, stateSaveDir string, serverIdx int, controlTimeout time.Duration) *Loop {
	return &Loop{
		lm: lm, s: s, sched: sched, queue: queue, flag: flag, active: active,
		stateSaveDir: stateSaveDir, serverIdx: serverIdx, controlTimeout: controlTimeout,
		last: make(map[string]time.Time),
		done: make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine until shutdown.
func (l *Loop) Start() {
	go l.run()
}

// Done is closed once the loop has drained workers, saved state, and
// exited following a shutdown request.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	bgLog := log.WithComponent("background")
	bgLog.Info().Msg("background loop started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for range ticker.C {
		if l.flag != nil && l.flag.Requested() {
			l.shutdown()
			return
		}
		l.tick()
	}
}

// due reports whether name's activity is due to run again, stamping the
// last-run time as a side effect so callers don't need a separate commit
// step.
func (l *Loop) due(name string, interval time.Duration) bool {
	now := time.Now()
	if now.Sub(l.last[name]) < interval {
		return false
	}
	l.last[name] = now
	return true
}

func (l *Loop) tick() {
	noRespInterval := noResponseInterval
	if l.configDebugLow() {
		noRespInterval = noResponseLowDebug
	}
	if l.due("no_response", noRespInterval) {
		l.timed("no_response", l.logNoResponse)
	}
	if l.due("time_limit", timeLimitInterval) {
		l.timed("time_limit", l.checkTimeLimits)
	}
	if l.due("health_check", healthCheckInterval) {
		l.timed("health_check", l.healthCheckFanout)
	}
	if l.due("node_ping", l.nodePingInterval()) {
		l.timed("node_ping", l.pingNodes)
	}
	// Agent retry pump: drained every iteration, not on its own interval.
	if l.queue != nil {
		l.queue.Drain()
	}
	if l.due("group_refresh", groupRefreshInterval) {
		l.timed("group_refresh", l.refreshGroups)
	}
	if l.due("old_job_purge", purgeCheckInterval) {
		l.timed("old_job_purge", l.purgeOldJobs)
	}
	forceCheckpoint := false
	if l.due("schedule", scheduler.Interval) && l.sched != nil {
		timer := metrics.NewTimer()
		if l.sched.Schedule() {
			forceCheckpoint = true
			metrics.JobsStarted.Inc()
		}
		timer.ObserveDuration(metrics.SchedulerCycleDuration)
	}
	if l.due("trigger", triggerInterval) {
		l.timed("trigger", l.fireTriggers)
	}
	if forceCheckpoint || l.due("checkpoint", checkpointInterval) {
		l.timed("checkpoint", l.checkpoint)
	}
	if l.due("accounting", accountingInterval) {
		l.timed("accounting", l.accountingHeartbeat)
	}
	if l.due("primary_reassert", l.primaryReassertInterval()) {
		l.timed("primary_reassert", l.reassertPrimary)
	}
}

func (l *Loop) timed(activity string, fn func()) {
	timer := metrics.NewTimer()
	fn()
	timer.ObserveDurationVec(metrics.BackgroundCycleDuration, activity)
}

func (l *Loop) configDebugLow() bool {
	v := lock.Vector{lock.Config: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)
	return l.s.Config != nil && l.s.Config.DebugLevel <= 1
}

func (l *Loop) nodePingInterval() time.Duration {
	v := lock.Vector{lock.Config: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)
	if l.s.Config == nil || l.s.Config.SlurmdTimeout == 0 {
		return 100 * time.Second
	}
	third := l.s.Config.SlurmdTimeout / 3
	if third < time.Second {
		return 100 * time.Second
	}
	return third
}

func (l *Loop) primaryReassertInterval() time.Duration {
	v := lock.Vector{lock.Config: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)
	if l.s.Config == nil || l.s.Config.ControllerTimeout == 0 {
		return 120 * time.Second
	}
	return l.s.Config.ControllerTimeout
}

// logNoResponse flags nodes that have missed pings.
func (l *Loop) logNoResponse() {
	v := lock.Vector{lock.Nodes: lock.Write, lock.Config: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)

	timeout := 300 * time.Second
	if l.s.Config != nil && l.s.Config.SlurmdTimeout > 0 {
		timeout = l.s.Config.SlurmdTimeout
	}
	for _, n := range l.s.Nodes() {
		if n == nil || n.LastResp.IsZero() {
			continue
		}
		if time.Since(n.LastResp) > timeout && !n.HasFlag(types.NodeFlagNoRespond) {
			n.SetFlag(types.NodeFlagNoRespond)
			nodeLog := log.WithNode(n.Name)
			nodeLog.Warn().Dur("since_last_response", time.Since(n.LastResp)).Msg("node not responding")
		}
	}
	l.s.ResyncBitmaps()
}

// checkTimeLimits enforces each running job's TimeLimit: an overrun job is
// marked timed-out and completing, and its nodes' counters move to
// completing. Job steps are not checkpointed here.
func (l *Loop) checkTimeLimits() {
	v := lock.Vector{lock.Config: lock.Read, lock.Jobs: lock.Write, lock.Nodes: lock.Write, lock.Partitions: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)

	logger := log.WithComponent("background")
	now := time.Now()
	for _, j := range l.s.Jobs() {
		if j == nil || j.State != types.JobRunning || j.TimeLimit <= 0 {
			continue
		}
		if now.Sub(j.StartTime) <= j.TimeLimit {
			continue
		}
		logger.Info().Int("job_id", j.ID).Msg("job exceeded time limit")
		j.State = types.JobTimeout
		j.SetFlag(types.JobFlagCompleting)
		j.EndTime = now
		j.LastUpdate = now
		if j.NodeBitmap != nil {
			j.NodeBitmap.ForEach(func(i int) {
				nodes := l.s.Nodes()
				if i < len(nodes) && nodes[i] != nil {
					if nodes[i].RunJobCnt > 0 {
						nodes[i].RunJobCnt--
					}
					nodes[i].CompJobCnt++
					if nodes[i].RunJobCnt == 0 && nodes[i].BaseState == types.NodeAllocated {
						nodes[i].BaseState = types.NodeCompleting
					}
				}
			})
		}
	}
	l.s.ResyncBitmaps()
}

// healthCheckFanout enqueues a health-check RPC to every node that is not
// down. Entries already queued for a node are not checked for, so a node
// may have more than one health check queued.
func (l *Loop) healthCheckFanout() {
	v := lock.Vector{lock.Nodes: lock.Write}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)
	if l.queue == nil {
		return
	}
	for _, n := range l.s.Nodes() {
		if n == nil || n.BaseState == types.NodeDown {
			continue
		}
		l.queue.Enqueue(n.CommName, agent.RPC{Opcode: 1})
	}
}

// pingNodes enqueues a liveness ping to every node.
func (l *Loop) pingNodes() {
	v := lock.Vector{lock.Nodes: lock.Write}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)
	if l.queue == nil {
		return
	}
	for _, n := range l.s.Nodes() {
		if n == nil {
			continue
		}
		l.queue.Enqueue(n.CommName, agent.RPC{Opcode: 1})
	}
}

// refreshGroups re-reads each partition's AllowGroups membership. Group
// resolution itself is an external collaborator, so this pass only stamps
// the refresh time; a real deployment wires an actual group lookup here.
func (l *Loop) refreshGroups() {
	v := lock.Vector{lock.Partitions: lock.Write}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)
	for _, p := range l.s.Partitions() {
		if p != nil {
			p.LastUpdate = time.Now()
		}
	}
}

// purgeOldJobs removes completed/cancelled/failed jobs older than the
// configured purge age.
func (l *Loop) purgeOldJobs() {
	v := lock.Vector{lock.Jobs: lock.Write, lock.Config: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)

	if l.s.Config == nil || l.s.Config.JobPurgeAge <= 0 {
		return
	}
	logger := log.WithComponent("background")
	now := time.Now()
	var toRemove []int
	for _, j := range l.s.Jobs() {
		if j == nil || !isTerminal(j.State) {
			continue
		}
		if now.Sub(j.EndTime) > l.s.Config.JobPurgeAge {
			toRemove = append(toRemove, j.ID)
		}
	}
	for _, id := range toRemove {
		l.s.RemoveJob(id)
		logger.Debug().Int("job_id", id).Msg("purged aged-out job")
	}
}

func isTerminal(s types.JobState) bool {
	switch s {
	case types.JobComplete, types.JobCancelled, types.JobFailed, types.JobTimeout, types.JobNodeFail:
		return true
	default:
		return false
	}
}

// fireTriggers delivers every event queued since the last pass to its
// registered subscriptions. Publishers only enqueue; this activity is
// the sole dispatch point, so a trigger storm can never stall a handler
// that holds entity write locks.
func (l *Loop) fireTriggers() {
	v := lock.Vector{lock.Jobs: lock.Read, lock.Nodes: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)

	if l.s.Events == nil {
		return
	}
	if n := l.s.Events.Fire(); n > 0 {
		eventsLog := log.WithComponent("background")
		eventsLog.Debug().Int("events", n).Msg("triggers fired")
	}
}

// checkpoint performs a full state save. Forced immediately whenever
// Schedule() started something, so a fresh allocation is never lost to a
// crash inside the checkpoint window.
func (l *Loop) checkpoint() {
	v := lock.Vector{lock.Nodes: lock.Read, lock.Partitions: lock.Read, lock.Jobs: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)

	logger := log.WithComponent("background")
	if l.stateSaveDir == "" {
		return
	}
	timer := metrics.NewTimer()
	if err := l.s.SaveAll(l.stateSaveDir); err != nil {
		logger.Error().Err(err).Msg("checkpoint save failed")
		return
	}
	timer.ObserveDuration(metrics.StateSaveDuration)
}

// accountingHeartbeat is the cluster-accounting heartbeat activity; the
// accounting-storage backend is an external collaborator, so this only
// holds the read vector the real push would need.
func (l *Loop) accountingHeartbeat() {
	v := lock.Vector{lock.Nodes: lock.Read}
	l.lm.Lock(v)
	defer l.lm.Unlock(v)
}

// reassertPrimary rewrites the heartbeat file, the mechanism the standby
// (pkg/failover) watches for liveness.
func (l *Loop) reassertPrimary() {
	if l.stateSaveDir == "" {
		return
	}
	logger := log.WithComponent("background")
	if err := state.WriteHeartbeat(l.stateSaveDir, l.serverIdx); err != nil {
		logger.Error().Err(err).Msg("failed to write heartbeat")
	}
}

// shutdown drains in-flight workers for up to controlTimeout, verifies no
// locks are held, saves state, and exits the loop.
func (l *Loop) shutdown() {
	logger := log.WithComponent("background")
	logger.Info().Msg("shutdown requested, draining workers")

	deadline := time.Now().Add(l.controlTimeout)
	for l.active != nil && l.active.Active() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if !l.lm.AllClear() {
		logger.Error().Msg("cannot save state, locks held")
		return
	}

	v := lock.Vector{lock.Nodes: lock.Read, lock.Partitions: lock.Read, lock.Jobs: lock.Read}
	l.lm.Lock(v)
	err := l.s.SaveAll(l.stateSaveDir)
	l.lm.Unlock(v)
	if err != nil {
		logger.Error().Err(err).Msg("final state save failed")
		return
	}
	logger.Info().Msg("shutdown complete")
}
