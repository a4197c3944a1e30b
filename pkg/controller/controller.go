// Package controller wires every subsystem into a single running process:
// one instance owns the lock manager, state store, pluggable backends,
// scheduler, background loop, RPC dispatcher and failover controller, and
// answers the signal thread's Reconfigure/NotifyReconfigured hooks. One
// top-level struct constructs every subsystem from a parsed config and
// exposes Run/Shutdown, covering both the primary and the standby role.
package controller

import (
	"fmt"
	"time"

	"github.com/cuemby/ctld/pkg/agent"
	"github.com/cuemby/ctld/pkg/auth"
	"github.com/cuemby/ctld/pkg/background"
	"github.com/cuemby/ctld/pkg/config"
	"github.com/cuemby/ctld/pkg/crypto"
	"github.com/cuemby/ctld/pkg/events"
	"github.com/cuemby/ctld/pkg/failover"
	"github.com/cuemby/ctld/pkg/lifecycle"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/metrics"
	"github.com/cuemby/ctld/pkg/rpc"
	"github.com/cuemby/ctld/pkg/scheduler"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
)

// Options gathers the CLI-level choices that shape how a Controller
// starts: which config file to read, which recovery level to apply, and
// this process's own position in the control-host list.
type Options struct {
	ConfPath    string
	Recovery    state.RecoveryLevel
	SelfIdx     int
	TakeoverNow bool
}

// Controller owns every subsystem for one ctld process, primary or standby.
type Controller struct {
	opts Options

	lm  *lock.Manager
	s   *state.Store
	hub *events.Broker

	authBackend   auth.Backend
	cryptoBackend crypto.Backend

	sched     *scheduler.Scheduler
	queue     *agent.Queue
	bg        *background.Loop
	disp      *rpc.Dispatcher
	standby   *failover.Controller
	lifeCyc   *lifecycle.Lifecycle
	collector *metrics.Collector
	promoted  chan struct{}
}

// New parses confPath, reconciles initial state at the requested recovery
// level, and constructs every subsystem. It does not start anything; call
// Run for that.
func New(opts Options) (*Controller, error) {
	raw, err := config.Parse(opts.ConfPath)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}

	hub := events.NewBroker()
	c := &Controller{
		opts: opts,
		lm:   lock.New(),
		s:    state.New(hub),
		hub:  hub,
	}
	c.queue = agent.New(c.sendAgentRPC)
	c.queue.OnExhausted = c.drainUnreachableNode

	if err := config.Reconcile(c.lm, c.s, raw, opts.Recovery, c.queue); err != nil {
		return nil, fmt.Errorf("controller: initial reconcile: %w", err)
	}

	if c.authBackend, err = auth.Load(c.s.Config.AuthType, nil); err != nil {
		return nil, fmt.Errorf("controller: auth backend: %w", err)
	}
	if c.cryptoBackend, err = crypto.New(c.s.Config.CryptoKeyPath); err != nil {
		return nil, fmt.Errorf("controller: crypto backend: %w", err)
	}

	c.sched = scheduler.New(c.lm, c.s)

	c.lifeCyc = lifecycle.New(lifecycle.Hooks{
		Reconfigure:        c.reconfigure,
		NotifyReconfigured: c.notifyReconfigured,
	})

	c.disp = rpc.New(c.lm, c.s, c.sched, c.queue, c.authBackend, c.cryptoBackend,
		c.lifeCyc.Shutdown, opts.ConfPath,
		fmt.Sprintf(":%d", c.s.Config.ListenPort), opts.SelfIdx)

	c.bg = background.New(c.lm, c.s, c.sched, c.queue, c.lifeCyc.Shutdown, c.disp,
		c.s.Config.StateSaveDir, opts.SelfIdx, c.s.Config.ControllerTimeout)

	c.standby = failover.New(c.lm, c.s, opts.ConfPath, c.s.Config.StateSaveDir,
		opts.SelfIdx, c.s.Config.ControllerTimeout, c.s.Config.MsgTimeout, opts.TakeoverNow, c.queue)

	c.collector = metrics.NewCollector(c.lm, c.s, c.queue)

	metrics.RegisterComponent("lock", true, "")
	metrics.RegisterComponent("state", true, "")
	metrics.RegisterComponent("rpc", true, "")
	metrics.RegisterComponent("scheduler", true, "")

	return c, nil
}

// drainUnreachableNode is the agent queue's OnExhausted hook: an outbound
// RPC that failed more than MaxRetries times drains its target node with a reason
// string so the scheduler stops handing it work.
func (c *Controller) drainUnreachableNode(target string, _ agent.RPC) {
	metrics.AgentRetriesExhausted.Inc()

	v := lock.Vector{lock.Config: lock.Read, lock.Jobs: lock.Write, lock.Nodes: lock.Write}
	c.lm.Lock(v)
	defer c.lm.Unlock(v)

	n := c.s.LookupNode(target)
	if n == nil {
		return
	}
	n.SetFlag(types.NodeFlagDrain)
	n.SetFlag(types.NodeFlagNoRespond)
	n.Reason = "communication failure: retries exhausted"
	n.ReasonAt = time.Now()
	n.LastUpdate = n.ReasonAt
	c.s.ResyncBitmaps()
	drainLog := log.WithComponent("controller")
	drainLog.Warn().Str("node", target).Msg("agent retries exhausted, node drained")
}

// sendAgentRPC is the agent queue's Sender: it dials the named worker
// daemon and delivers one framed message. The worker-daemon side of the
// protocol lives in the worker, not here; this only satisfies pkg/agent's
// Sender shape so the retry queue is exercised end to end.
func (c *Controller) sendAgentRPC(target string, r agent.RPC) error {
	return fmt.Errorf("controller: worker daemon transport not implemented: %s", target)
}

// Run starts every subsystem appropriate to this process's current role
// (primary if SelfIdx==0 and control-host ordering names it so, standby
// otherwise) and blocks until the lifecycle's shutdown flag is observed.
func (c *Controller) Run() error {
	c.lifeCyc.Start()
	defer c.lifeCyc.Stop()
	c.collector.Start()
	defer c.collector.Stop()

	if c.opts.SelfIdx == 0 {
		c.startPrimary()
	} else {
		c.startStandby()
	}

	c.waitShutdown()
	if c.standby != nil && c.opts.SelfIdx != 0 {
		c.standby.Stop()
	}
	c.WaitDone(c.s.Config.ControllerTimeout + time.Second)
	return nil
}

// waitShutdown blocks until the signal thread records shutdown_time.
func (c *Controller) waitShutdown() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if c.lifeCyc.Shutdown.Requested() {
			return
		}
	}
}

func (c *Controller) startPrimary() {
	metrics.FailoverIsPrimary.Set(1)
	if err := state.WriteHeartbeat(c.s.Config.StateSaveDir, c.opts.SelfIdx); err != nil {
		log.WithComponent("controller").Error().Err(err).Msg("initial heartbeat write failed")
	}
	if err := c.disp.Start(); err != nil {
		log.WithComponent("controller").Fatal().Err(err).Msg("rpc listener failed to start")
		return
	}
	c.bg.Start()
}

func (c *Controller) startStandby() {
	metrics.FailoverIsPrimary.Set(0)
	c.disp.StandbyMode.Store(true)
	if err := c.disp.Start(); err != nil {
		log.WithComponent("controller").Fatal().Err(err).Msg("rpc listener failed to start")
		return
	}
	c.standby.Start()
	go func() {
		<-c.standby.Promoted
		c.disp.StandbyMode.Store(false)
		c.bg.Start()
	}()
}

// reconfigure is the lifecycle.Hooks.Reconfigure implementation: re-reads
// ctld.conf and rebuilds node/partition tables under a full write lock.
func (c *Controller) reconfigure(level state.RecoveryLevel) error {
	raw, err := config.Parse(c.opts.ConfPath)
	if err != nil {
		return err
	}
	return config.Reconcile(c.lm, c.s, raw, level, c.queue)
}

// notifyReconfigured runs after a successful reconfigure: refreshes the
// crypto signing key and reconfigures the auth backend in place. If a
// backend's configured name changed, the change is logged as rejected and
// the running backend is kept. It then broadcasts a reconfigure trigger.
func (c *Controller) notifyReconfigured() {
	logger := log.WithComponent("controller")

	if b, cerr := auth.Switch(c.authBackend, c.s.Config.AuthType, nil); cerr != nil {
		logger.Warn().Err(cerr).Msg("auth backend change rejected")
	} else {
		c.authBackend = b
	}

	if b, cerr := crypto.Switch(c.cryptoBackend, "crypto/hmac", c.s.Config.CryptoKeyPath); cerr != nil {
		logger.Warn().Err(cerr).Msg("crypto backend change rejected")
	} else {
		c.cryptoBackend = b
	}

	if c.hub != nil {
		// The reconfigure trigger fires immediately rather than waiting
		// for the background loop's next trigger pass.
		c.hub.Publish(&events.Event{Type: events.EventReconfigured})
		c.hub.Fire()
	}
}

// DumpDebugConfig writes the effective, reconciled configuration and
// node/partition tables to path as YAML.
func (c *Controller) DumpDebugConfig(path string) error {
	return config.DumpYAML(c.s, path)
}

// Shutdown requests an orderly shutdown, equivalent to sending SIGTERM.
func (c *Controller) Shutdown() {
	c.lifeCyc.Shutdown.Request()
}

// WaitDone blocks until the background loop has drained and checkpointed,
// or the given duration elapses.
func (c *Controller) WaitDone(timeout time.Duration) bool {
	select {
	case <-c.bg.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}
