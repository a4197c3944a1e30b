package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ctld/pkg/agent"
	"github.com/cuemby/ctld/pkg/hostlist"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
)

// deallocOpcode is the fan-out opcode used to re-drive a completing job's
// deallocation RPC on reconfigure; worker-daemon wire
// handling itself is out of scope, so this is a placeholder value, like
// the opcode (1) pkg/background uses for its own node fan-out.
const deallocOpcode = 2

// parseFields splits a "Key=Value Key2=Value2" line into a lookup map.
// The leading "NodeName="/"PartitionName=" tag is kept as an ordinary
// field; callers read the entity name from it.
func parseFields(line string) map[string]string {
	fields := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		fields[k] = v
	}
	return fields
}

func parseNodeLine(line string) (namesExpr string, fields map[string]string) {
	fields = parseFields(line)
	namesExpr = fields["NodeName"]
	return
}

func parsePartitionLine(line string) (name string, fields map[string]string) {
	fields = parseFields(line)
	name = fields["PartitionName"]
	return
}

// Reconcile performs reconfigure(recovery_level) under a
// full four-entity write lock. It rebuilds node/partition/CR
// tables from raw and merges persisted state from the configured
// state-save directory without losing jobs already tracked in memory.
// queue may be nil (e.g. the very first cold-boot reconcile, before the
// agent subsystem exists), in which case step 8's dealloc fan-out is
// simply skipped rather than attempted against a missing queue.
func Reconcile(lm *lock.Manager, s *state.Store, raw *Raw, level state.RecoveryLevel, queue *agent.Queue) error {
	v := lock.NewVector(
		struct {
			Entity lock.Entity
			Mode   lock.Mode
		}{lock.Config, lock.Write},
		struct {
			Entity lock.Entity
			Mode   lock.Mode
		}{lock.Jobs, lock.Write},
		struct {
			Entity lock.Entity
			Mode   lock.Mode
		}{lock.Nodes, lock.Write},
		struct {
			Entity lock.Entity
			Mode   lock.Mode
		}{lock.Partitions, lock.Write},
	)
	lm.Lock(v)
	defer lm.Unlock(v)

	return reconcileLocked(s, raw, level, queue)
}

func reconcileLocked(s *state.Store, raw *Raw, level state.RecoveryLevel, queue *agent.Queue) error {
	logger := log.WithComponent("config")

	cfg, err := raw.BuildConfig()
	if err != nil {
		return err
	}

	// Step 1: snapshot the existing node table by name so state can be
	// seeded across the rebuild.
	snapshot := make(map[string]*types.Node, len(s.Nodes()))
	for _, n := range s.Nodes() {
		if n != nil {
			snapshot[n.Name] = n
		}
	}

	newStore := state.New(s.Events)
	newStore.Config = cfg

	// Step 3: one ConfigRecord + node set per NodeName line.
	for _, line := range raw.NodeLines {
		namesExpr, fields := parseNodeLine(line)
		if namesExpr == "" {
			continue
		}
		names, err := hostlist.ExpandList(namesExpr)
		if err != nil {
			return fmt.Errorf("config: node line %q: %w", line, err)
		}

		cr := &types.ConfigRecord{
			CPUs:     atoiOr(fields["CPUs"], 1),
			Memory:   atoi64Or(fields["Memory"], 1024),
			TmpDisk:  atoi64Or(fields["TmpDisk"], 0),
			Weight:   atoiOr(fields["Weight"], 1),
			Features: fields["Feature"],
		}
		cr.NodeBitmap = types.NewBitmap(len(names))
		newStore.AddConfigRecord(cr)

		for _, name := range names {
			n := &types.Node{
				Name:       name,
				CommName:   name,
				Port:       cfg.ListenPort + 1,
				BaseState:  types.NodeUnknown,
				CPUsConfig: cr.CPUs,
				Memory:     cr.Memory,
				TmpDisk:    cr.TmpDisk,
				Weight:     cr.Weight,
				Features:   cr.Features,
				LastUpdate: time.Now(),
			}
			if prev, ok := snapshot[name]; ok {
				n.BaseState = prev.BaseState
				n.Flags = prev.Flags
				n.Reason = prev.Reason
				n.ReasonAt = prev.ReasonAt
				n.RunJobCnt = prev.RunJobCnt
				n.CompJobCnt = prev.CompJobCnt
			}
			newStore.RegisterNode(n)
			n.ConfigIndex = cr.ID
			cr.NodeBitmap.Set(n.Index)
		}
	}

	// Step 4: one Partition per PartitionName line.
	for _, line := range raw.PartitionLines {
		name, fields := parsePartitionLine(line)
		if name == "" {
			continue
		}
		names, err := hostlist.ExpandList(fields["Nodes"])
		if err != nil {
			return fmt.Errorf("config: partition line %q: %w", line, err)
		}

		p := &types.Partition{
			Name:        name,
			NodeList:    fields["Nodes"],
			RootOnly:    fields["RootOnly"] == "YES",
			Hidden:      fields["Hidden"] == "YES",
			Shared:      types.SharedPolicy(strings.ToLower(strOrDefault(fields["Shared"], "no"))),
			Up:          fields["State"] != "DOWN",
			Default:     fields["Default"] == "YES",
			MinNodes:    atoiOr(fields["MinNodes"], 1),
			MaxNodes:    atoiOr(fields["MaxNodes"], 0),
			MaxTime:     parseMaxTime(fields["MaxTime"]),
			LastUpdate:  time.Now(),
		}
		p.NodeBitmap = types.NewBitmap(len(newStore.Nodes()))
		newStore.AddPartition(p)

		for _, name := range names {
			n := newStore.LookupNode(name)
			if n == nil {
				return fmt.Errorf("config: partition %s references undefined node %s", p.Name, name)
			}
			p.NodeBitmap.Set(n.Index)
			n.Partitions = append(n.Partitions, p.Index)
		}
	}

	// Step 9: reject startup without a default partition or with zero nodes.
	if len(newStore.Nodes()) == 0 {
		return fmt.Errorf("config: no nodes configured")
	}
	haveDefault := cfg.DefaultPartition != ""
	for _, p := range newStore.Partitions() {
		if p.Default {
			haveDefault = true
			cfg.DefaultPartition = p.Name
		}
	}
	if !haveDefault {
		return fmt.Errorf("config: no default partition defined")
	}

	// Step 5: load persisted state at the requested recovery level.
	if cfg.StateSaveDir != "" {
		if err := newStore.LoadAll(cfg.StateSaveDir, level); err != nil {
			return fmt.Errorf("config: load saved state: %w", err)
		}
	}

	// Carry over in-memory jobs the old store already held (e.g. across a
	// SIGHUP reconfigure where nothing was saved to disk yet) so a running
	// job is never silently dropped.
	seen := make(map[int]bool)
	for _, j := range newStore.Jobs() {
		if j != nil {
			seen[j.ID] = true
		}
	}
	for _, j := range s.Jobs() {
		if j == nil || seen[j.ID] {
			continue
		}
		newStore.AddJob(j)
	}

	// Step 7: re-synchronise jobs against nodes. Per-node job counters are
	// recomputed from scratch here: the values carried over from the
	// snapshot or the saved-state file are discarded for every node and
	// recounted from the surviving jobs, so they cannot drift.
	for _, n := range newStore.Nodes() {
		if n != nil {
			n.RunJobCnt = 0
			n.CompJobCnt = 0
		}
	}
	for _, j := range newStore.Jobs() {
		if j == nil || j.NodeBitmap == nil {
			continue
		}
		if j.State != types.JobRunning && !j.HasFlag(types.JobFlagCompleting) {
			continue
		}
		nodeDown := false
		j.NodeBitmap.ForEach(func(i int) {
			if i < len(newStore.Nodes()) && newStore.Nodes()[i] != nil && newStore.Nodes()[i].BaseState == types.NodeDown {
				nodeDown = true
			}
		})
		if nodeDown {
			j.State = types.JobNodeFail
			j.SetFlag(types.JobFlagCompleting)
		}
		j.NodeBitmap.ForEach(func(i int) {
			if i >= len(newStore.Nodes()) {
				return
			}
			n := newStore.Nodes()[i]
			if n == nil {
				return
			}
			if n.BaseState == types.NodeUnknown {
				n.BaseState = types.NodeAllocated
			}
			if j.State == types.JobRunning {
				n.RunJobCnt++
			}
			if j.HasFlag(types.JobFlagCompleting) && n.BaseState != types.NodeDown {
				n.CompJobCnt++
			}
		})
	}

	// Step 6: rebuild idle/avail/share bitmaps from scratch.
	newStore.ResyncBitmaps()

	// Step 8: kick off a deallocation RPC for every job observed in
	// completing state; the worker side may have forgotten, so it must be
	// re-driven rather than assumed still in flight.
	if queue != nil {
		for _, j := range newStore.Jobs() {
			if j == nil || !j.HasFlag(types.JobFlagCompleting) || j.NodeBitmap == nil {
				continue
			}
			j.NodeBitmap.ForEach(func(i int) {
				if i >= len(newStore.Nodes()) {
					return
				}
				n := newStore.Nodes()[i]
				if n == nil {
					return
				}
				queue.Enqueue(n.CommName, agent.RPC{Opcode: deallocOpcode})
			})
		}
	}

	*s = *newStore
	logger.Info().
		Int("nodes", len(s.Nodes())).
		Int("partitions", len(s.Partitions())).
		Int("jobs", len(s.Jobs())).
		Msg("reconfigure complete")
	return nil
}

func atoiOr(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func atoi64Or(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func strOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseMaxTime(v string) time.Duration {
	if v == "" || strings.EqualFold(v, "INFINITE") {
		return 0
	}
	mins, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(mins) * time.Minute
}
