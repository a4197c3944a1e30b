package failover

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/cuemby/ctld/pkg/events"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
	"github.com/cuemby/ctld/pkg/wire"
)

func newTestController(t *testing.T, selfIdx int, hosts []string, takeoverNow bool) *Controller {
	t.Helper()
	return newTestControllerWithTimeout(t, selfIdx, hosts, takeoverNow, time.Second)
}

func newTestControllerWithTimeout(t *testing.T, selfIdx int, hosts []string, takeoverNow bool, slurmctldTimeout time.Duration) *Controller {
	t.Helper()
	lm := lock.New()
	s := state.New(events.NewBroker())
	s.Config = &types.Config{ControlHosts: hosts, ListenPort: 0}
	return New(lm, s, "/nonexistent/ctld.conf", t.TempDir(), selfIdx, slurmctldTimeout, 100*time.Millisecond, takeoverNow, nil)
}

// fakeControlStatusServer answers every connection with a fixed
// control_time/backup_inx, mimicking a peer's control-status handler
// without depending on pkg/rpc.
func fakeControlStatusServer(t *testing.T, controlTime uint64, backupInx uint16) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, _, err := wire.ReadMessage(conn); err != nil {
					return
				}
				b := &bytes.Buffer{}
				_ = binary.Write(b, binary.LittleEndian, uint16(ctlerrors.Success))
				_ = wire.WriteString(b, "")
				_ = wire.WriteControlStatusBody(b, wire.ControlStatusBody{ControlTime: controlTime, BackupInx: backupInx})
				_ = wire.WriteMessage(conn, wire.OpControlStatus, wire.FlagNone, nil, b.Bytes())
			}()
		}
	}()
	return lis.Addr().String()
}

func TestTickSkipsBeforeIntervalElapses(t *testing.T) {
	c := newTestController(t, 1, nil, false)
	c.lastPing = time.Now()
	promoted := c.tick(time.Now().Add(10 * time.Millisecond))
	assert.False(t, promoted)
}

func TestTickPromotesWhenNoHigherPriorityPeerConfigured(t *testing.T) {
	c := newTestController(t, 0, nil, true)
	promoted := c.tick(time.Now())
	assert.True(t, promoted)
	select {
	case <-c.Promoted:
	default:
		t.Fatal("Promoted channel was not closed")
	}
}

func TestTickYieldsWhenHigherPriorityPeerClaimsPrimary(t *testing.T) {
	addr := fakeControlStatusServer(t, uint64(time.Now().Unix()), 0)
	c := newTestController(t, 1, []string{addr}, true)
	promoted := c.tick(time.Now())
	assert.False(t, promoted)
}

func TestTickPromotesWhenHigherPriorityPeerUnreachable(t *testing.T) {
	c := newTestController(t, 1, []string{"127.0.0.1:1"}, true)
	promoted := c.tick(time.Now())
	assert.True(t, promoted)
}

func TestTickWaitsOnFreshHeartbeatFromHigherPriorityServer(t *testing.T) {
	c := newTestController(t, 1, []string{"127.0.0.1:1"}, false)
	require.NoError(t, state.WriteHeartbeat(c.stateDir, 0))

	promoted := c.tick(time.Now())
	assert.False(t, promoted)
}

func TestTickPromotesWhenHeartbeatStale(t *testing.T) {
	c := newTestControllerWithTimeout(t, 1, []string{"127.0.0.1:1"}, false, 30*time.Millisecond)
	require.NoError(t, state.WriteHeartbeat(c.stateDir, 0))
	time.Sleep(60 * time.Millisecond)

	promoted := c.tick(time.Now())
	assert.True(t, promoted)
}

func TestPromotedClosesOnlyOnce(t *testing.T) {
	c := newTestController(t, 0, nil, true)
	c.takeover()
	c.takeover()
	select {
	case <-c.Promoted:
	default:
		t.Fatal("Promoted channel was not closed")
	}
}
