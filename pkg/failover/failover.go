// Package failover implements the standby-side liveness loop that pings
// higher-priority control hosts, falls back to the shared heartbeat file
// when the network is partitioned, and promotes itself to primary. The
// loop is a ticker-driven goroutine that dials peers and tracks the last
// successful contact, layered on the control-host ordering this
// controller uses instead of Raft.
package failover

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ctld/pkg/agent"
	"github.com/cuemby/ctld/pkg/config"
	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/metrics"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/wire"
)

// PingInterval is the standby loop tick.
const PingInterval = time.Second

// Dialer is the subset of net.Dialer the controller needs, narrowed so
// tests can substitute an in-memory transport.
type Dialer func(network, addr string) (net.Conn, error)

// Controller runs the standby liveness loop against the other entries in
// Config.ControlHosts. It owns no RPC listener itself; pkg/controller
// runs the dispatcher in standby mode meanwhile and, once Promoted is
// closed, clears the Dispatcher's StandbyMode flag and starts the
// background loop.
type Controller struct {
	lm       *lock.Manager
	s        *state.Store
	confPath string
	stateDir string
	queue    *agent.Queue

	selfIdx int

	slurmctldTimeout time.Duration
	msgTimeout       time.Duration
	takeoverNow      bool

	dial Dialer

	lastPing time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}

	// Promoted is closed exactly once, the moment this instance decides to
	// take over. pkg/controller waits on it to leave standby mode and
	// start the background loop.
	Promoted chan struct{}

	promotedOnce atomic.Bool
}

// New builds a standby controller for selfIdx's position in
// s.Config.ControlHosts. takeoverNow skips the heartbeat dwell.
func New(lm *lock.Manager, s *state.Store, confPath, stateDir string, selfIdx int, slurmctldTimeout, msgTimeout time.Duration, takeoverNow bool, queue *agent.Queue) *Controller {
	return &Controller{
		lm:               lm,
		s:                s,
		confPath:         confPath,
		stateDir:         stateDir,
		queue:            queue,
		selfIdx:          selfIdx,
		slurmctldTimeout: slurmctldTimeout,
		msgTimeout:       msgTimeout,
		takeoverNow:      takeoverNow,
		dial:             net.Dial,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		Promoted:         make(chan struct{}),
	}
}

// Start begins the standby loop in its own goroutine.
func (c *Controller) Start() {
	go c.run()
}

// Stop ends the standby loop. Safe to call even if promotion already ended
// the loop on its own.
func (c *Controller) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.tick(time.Now()) {
				return
			}
		}
	}
}

// tick runs one liveness check and returns true once this instance has
// promoted itself.
func (c *Controller) tick(now time.Time) bool {
	logger := log.WithComponent("failover")

	if !c.takeoverNow && now.Sub(c.lastPing) < c.slurmctldTimeout/3 {
		return false
	}
	c.lastPing = now

	hosts := c.controlHosts()
	higher := hosts
	if c.selfIdx < len(hosts) {
		higher = hosts[:c.selfIdx]
	}
	results := c.pingAll(higher)

	anyAliveAhead := false
	for idx, res := range results {
		if res.err != nil {
			continue
		}
		anyAliveAhead = true
		if res.status.ControlTime != 0 {
			logger.Debug().Int("peer", idx).Msg("higher priority peer claims primary, standing by")
			return false
		}
	}
	if anyAliveAhead && !c.takeoverNow {
		// A higher-priority peer answered but isn't primary yet (e.g. it is
		// itself still in standby); give it the chance to claim the role
		// before we do.
		return false
	}

	if !c.takeoverNow {
		if hb, err := state.ReadHeartbeat(c.stateDir); err == nil {
			if time.Since(hb.Timestamp) < c.slurmctldTimeout && hb.ServerIdx < c.selfIdx {
				logger.Debug().Int("heartbeat_server", hb.ServerIdx).Msg("heartbeat still advancing from higher priority server")
				return false
			}
		}
	}

	c.takeover()
	return true
}

func (c *Controller) controlHosts() []string {
	if c.s.Config == nil {
		return nil
	}
	return c.s.Config.ControlHosts
}

func (c *Controller) peerAddr(host string) string {
	if c.s.Config != nil && c.s.Config.ListenPort != 0 {
		return fmt.Sprintf("%s:%d", host, c.s.Config.ListenPort)
	}
	return host
}

func (c *Controller) pingPeer(host string) (wire.ControlStatusBody, error) {
	return c.roundTrip(c.peerAddr(host), wire.OpControlStatus, nil, c.msgTimeout)
}

type pingResult struct {
	status wire.ControlStatusBody
	err    error
}

// pingAll pings every host concurrently, one goroutine per host, and
// returns results indexed the same as hosts.
func (c *Controller) pingAll(hosts []string) []pingResult {
	results := make([]pingResult, len(hosts))
	var wg sync.WaitGroup
	for idx, host := range hosts {
		wg.Add(1)
		go func(idx int, host string) {
			defer wg.Done()
			status, err := c.pingPeer(host)
			results[idx] = pingResult{status: status, err: err}
		}(idx, host)
	}
	wg.Wait()
	return results
}

// roundTrip dials addr, sends one framed message and decodes the reply as a
// ControlStatusBody, the only payload shape this package's callers read.
func (c *Controller) roundTrip(addr string, opcode wire.Opcode, body []byte, timeout time.Duration) (wire.ControlStatusBody, error) {
	conn, err := c.dial("tcp", addr)
	if err != nil {
		return wire.ControlStatusBody{}, err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := wire.WriteMessage(conn, opcode, wire.FlagNone, nil, body); err != nil {
		return wire.ControlStatusBody{}, err
	}
	_, respBody, err := wire.ReadMessage(conn)
	if err != nil {
		return wire.ControlStatusBody{}, err
	}
	return decodeControlStatusReply(respBody)
}

func decodeControlStatusReply(body []byte) (wire.ControlStatusBody, error) {
	r := bytes.NewReader(body)
	var code uint16
	if err := binary.Read(r, binary.LittleEndian, &code); err != nil {
		return wire.ControlStatusBody{}, err
	}
	if _, err := wire.ReadString(r); err != nil {
		return wire.ControlStatusBody{}, err
	}
	if ctlerrors.Code(code) != ctlerrors.Success {
		return wire.ControlStatusBody{}, fmt.Errorf("failover: peer returned %s", ctlerrors.Code(code))
	}
	return wire.ReadControlStatusBody(r)
}

// takeover notifies every other control host, then promotes via a full
// config reconcile at maximum recovery.
func (c *Controller) takeover() {
	logger := log.WithComponent("failover")
	c.notifyPeers()

	raw, err := config.Parse(c.confPath)
	if err != nil {
		logger.Error().Err(err).Msg("read config on takeover failed")
	} else if err := config.Reconcile(c.lm, c.s, raw, state.RecoveryFull, c.queue); err != nil {
		logger.Error().Err(err).Msg("reconfigure on takeover failed")
	}

	metrics.FailoverPromotions.Inc()
	metrics.FailoverIsPrimary.Set(1)
	logger.Warn().Int("server_idx", c.selfIdx).Msg("promoted to primary")

	if c.promotedOnce.CompareAndSwap(false, true) {
		close(c.Promoted)
	}
}

// notifyPeers sends a blocking control/shutdown RPC to every other
// control host, primary first, each bounded by msg_timeout/2: the primary
// gets "control" (asked to step down gracefully and expect to
// resume as a demoted backup later), every other standby gets "shutdown"
// (it simply stops contending). A peer that doesn't answer is assumed
// already gone.
func (c *Controller) notifyPeers() {
	logger := log.WithComponent("failover")
	hosts := c.controlHosts()
	half := c.msgTimeout / 2

	for idx, host := range hosts {
		if idx == c.selfIdx {
			continue
		}
		opcode := wire.OpShutdown
		if idx == 0 {
			opcode = wire.OpControl
		}
		if _, err := c.roundTrip(c.peerAddr(host), opcode, nil, half); err != nil {
			logger.Debug().Str("host", host).Err(err).Msg("peer notification failed, assuming already down")
		}
	}
}
