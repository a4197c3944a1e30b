// Package rpc implements the RPC dispatcher: the listening endpoint, a bounded
// per-connection worker pool and opcode dispatch table. One listener
// goroutine accepts, each connection gets its own worker, and
// standby-mode guard clauses run before any mutating handler. Framing is
// the pkg/wire protocol directly over a net.Listener; the wire format is
// not protobuf.
package rpc

import (
	"net"
	"sync/atomic"

	"github.com/cuemby/ctld/pkg/agent"
	"github.com/cuemby/ctld/pkg/auth"
	"github.com/cuemby/ctld/pkg/crypto"
	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/cuemby/ctld/pkg/lifecycle"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/metrics"
	"github.com/cuemby/ctld/pkg/scheduler"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/wire"
)

// MaxServerThreads bounds the in-flight worker count.
const MaxServerThreads = 256

type handlerFunc func(d *Dispatcher, body []byte, ident auth.Identity) []byte

// Dispatcher owns the listening socket and the opcode handler table. One
// instance runs per controller process; a standby runs the same
// dispatcher with StandbyMode set, restricted to this package's standby
// whitelist.
type Dispatcher struct {
	lm    *lock.Manager
	s     *state.Store
	sched *scheduler.Scheduler
	queue *agent.Queue

	authBackend   auth.Backend
	cryptoBackend crypto.Backend
	confPath      string

	Shutdown     *lifecycle.ShutdownFlag
	ResumeBackup atomic.Bool

	// StandbyMode restricts dispatch to the standby whitelist: ping,
	// control-status, shutdown, takeover, config. Set by pkg/controller
	// when it starts as a standby and cleared on promotion.
	StandbyMode atomic.Bool

	ServerIdx int

	listenAddr string
	maxWorkers int
	sem        chan struct{}
	active     atomic.Int64

	listener net.Listener
	stopCh   chan struct{}
}

// New builds a dispatcher bound to the controller's shared subsystems.
func New(lm *lock.Manager, s *state.Store, sched *scheduler.Scheduler, queue *agent.Queue, authBackend auth.Backend, cryptoBackend crypto.Backend, shutdown *lifecycle.ShutdownFlag, confPath, listenAddr string, serverIdx int) *Dispatcher {
	return &Dispatcher{
		lm:            lm,
		s:             s,
		sched:         sched,
		queue:         queue,
		authBackend:   authBackend,
		cryptoBackend: cryptoBackend,
		confPath:      confPath,
		Shutdown:      shutdown,
		ServerIdx:     serverIdx,
		listenAddr:    listenAddr,
		maxWorkers:    MaxServerThreads,
		sem:           make(chan struct{}, MaxServerThreads),
		stopCh:        make(chan struct{}),
	}
}

// Active reports the number of in-flight worker tasks, satisfying
// background.WorkerCounter for the shutdown drain.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Start binds the listening socket and begins the accept loop in its own
// goroutine.
func (d *Dispatcher) Start() error {
	lis, err := net.Listen("tcp", d.listenAddr)
	if err != nil {
		return err
	}
	d.listener = lis
	go d.acceptLoop()
	rpcLog := log.WithComponent("rpc")
	rpcLog.Info().Str("addr", d.listenAddr).Msg("rpc dispatcher listening")
	return nil
}

// Stop closes the listening socket, ending the accept loop. In-flight
// workers are left to finish; the background loop's shutdown path is what
// waits for Active() to reach zero.
func (d *Dispatcher) Stop() error {
	close(d.stopCh)
	if d.listener != nil {
		return d.listener.Close()
	}
	return nil
}

// acceptLoop reserves a worker slot before accepting, and stops spawning
// new work once shutdown has been requested.
func (d *Dispatcher) acceptLoop() {
	logger := log.WithComponent("rpc")
	for {
		if d.Shutdown != nil && d.Shutdown.Requested() {
			return
		}
		select {
		case d.sem <- struct{}{}:
		case <-d.stopCh:
			return
		}

		conn, err := d.listener.Accept()
		if err != nil {
			<-d.sem
			select {
			case <-d.stopCh:
				return
			default:
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}

		d.active.Add(1)
		go func() {
			defer func() {
				d.active.Add(-1)
				<-d.sem
			}()
			d.handleConn(conn)
		}()
	}
}

// handleConn drives one connection: receive one framed message,
// authenticate, dispatch, reply, close.
func (d *Dispatcher) handleConn(conn net.Conn) {
	defer conn.Close()

	h, body, err := wire.ReadMessage(conn)
	if err != nil {
		if h.MsgType != 0 && h.Version != wire.ProtocolVersion && h.Flags&wire.FlagNoResponse == 0 {
			b := buf()
			_ = writeReplyHeader(b, ctlerrors.ProtocolVersionMismatch, err.Error())
			_ = wire.WriteMessage(conn, h.MsgType, wire.FlagNone, nil, b.Bytes())
		}
		return
	}

	timer := metrics.NewTimer()
	opcodeLabel := opcodeName(h.MsgType)
	logger := log.WithOpcode(opcodeLabel)

	ident, authErr := d.authBackend.Verify(h.AuthCred)
	var reply []byte
	if authErr != nil {
		b := buf()
		_ = writeReplyHeader(b, ctlerrors.AccessDenied, authErr.Error())
		reply = b.Bytes()
		metrics.RPCRequestsTotal.WithLabelValues(opcodeLabel, "access-denied").Inc()
	} else if d.StandbyMode.Load() && !standbyWhitelist[h.MsgType] {
		b := buf()
		_ = writeReplyHeader(b, ctlerrors.InStandbyMode, "in standby mode")
		reply = b.Bytes()
		metrics.RPCRequestsTotal.WithLabelValues(opcodeLabel, "in-standby-mode").Inc()
	} else if fn, ok := dispatchTable[h.MsgType]; ok {
		reply = fn(d, body, ident)
		metrics.RPCRequestsTotal.WithLabelValues(opcodeLabel, "ok").Inc()
	} else {
		b := buf()
		_ = writeReplyHeader(b, ctlerrors.Internal, "unknown opcode")
		reply = b.Bytes()
		metrics.RPCRequestsTotal.WithLabelValues(opcodeLabel, "unknown-opcode").Inc()
		logger.Warn().Uint16("opcode", uint16(h.MsgType)).Msg("unknown opcode")
	}
	timer.ObserveDurationVec(metrics.RPCRequestDuration, opcodeLabel)

	if h.Flags&wire.FlagNoResponse != 0 {
		return
	}
	if err := wire.WriteMessage(conn, h.MsgType, wire.FlagNone, nil, reply); err != nil {
		logger.Debug().Err(err).Msg("failed to write reply")
	}
}

// standbyWhitelist is the small set of opcodes a standby instance
// answers; everything else is rejected with in-standby-mode. The config
// opcode is dispatched so its handler can redirect the caller to the
// controller actually in charge.
var standbyWhitelist = map[wire.Opcode]bool{
	wire.OpPing:          true,
	wire.OpControlStatus: true,
	wire.OpShutdown:      true,
	wire.OpTakeover:      true,
	wire.OpConfig:        true,
}

func opcodeName(op wire.Opcode) string {
	switch op {
	case wire.OpPing:
		return "ping"
	case wire.OpBuildInfo:
		return "build-info"
	case wire.OpJobInfo:
		return "job-info"
	case wire.OpJobInfoSingle:
		return "job-info-single"
	case wire.OpNodeInfo:
		return "node-info"
	case wire.OpPartitionInfo:
		return "partition-info"
	case wire.OpSubmitBatchJob:
		return "submit-batch-job"
	case wire.OpAllocateResources:
		return "allocate-resources"
	case wire.OpJobWillRun:
		return "job-will-run"
	case wire.OpCancelJobStep:
		return "cancel-job-step"
	case wire.OpCompleteJobAllocation:
		return "complete-job-allocation"
	case wire.OpCompleteBatchScript:
		return "complete-batch-script"
	case wire.OpJobStepCreate:
		return "job-step-create"
	case wire.OpEpilogComplete:
		return "epilog-complete"
	case wire.OpStepComplete:
		return "step-complete"
	case wire.OpUpdateJob:
		return "update-job"
	case wire.OpUpdateNode:
		return "update-node"
	case wire.OpUpdatePartition:
		return "update-partition"
	case wire.OpReconfigure:
		return "reconfigure"
	case wire.OpShutdown:
		return "shutdown"
	case wire.OpControl:
		return "control"
	case wire.OpTakeover:
		return "takeover"
	case wire.OpControlStatus:
		return "control-status"
	case wire.OpConfig:
		return "config"
	default:
		return "unknown"
	}
}
