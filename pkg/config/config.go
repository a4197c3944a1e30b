// Package config parses the declarative ctld.conf file (control hosts,
// scalar parameters, NodeName/PartitionName lines) and drives the
// config+state reconciliation run at startup and again on every SIGHUP.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ctld/pkg/types"
)

// Raw is the parsed but not-yet-reconciled contents of ctld.conf: scalar
// key=value parameters plus the raw NodeName/PartitionName lines, which
// are expanded into node/partition records later by Reconcile.
type Raw struct {
	Scalars        map[string]string
	NodeLines      []string
	PartitionLines []string
}

// Parse reads a ctld.conf-style file: blank lines and '#' comments are
// skipped; "NodeName=..." and "PartitionName=..." lines are collected
// verbatim for later expansion; every other "Key=Value" line is a scalar
// parameter.
func Parse(path string) (*Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	raw := &Raw{Scalars: make(map[string]string)}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "NodeName="):
			raw.NodeLines = append(raw.NodeLines, line)
		case strings.HasPrefix(line, "PartitionName="):
			raw.PartitionLines = append(raw.PartitionLines, line)
		default:
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("config: %s:%d: expected key=value, got %q", path, lineNo, line)
			}
			raw.Scalars[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return raw, nil
}

// BuildConfig translates the scalar parameters into a types.Config. Node
// and partition lines stay in raw form; Reconcile expands them separately
// because it also needs them on every SIGHUP, not just at parse time.
func (r *Raw) BuildConfig() (*types.Config, error) {
	c := &types.Config{
		NodeLines:      r.NodeLines,
		PartitionLines: r.PartitionLines,
	}

	if hosts := r.Scalars["ControlHosts"]; hosts != "" {
		c.ControlHosts = strings.Split(hosts, ",")
	}
	c.ListenPort = intOr(r.Scalars["ListenPort"], 6817)
	c.StateSaveDir = strOr(r.Scalars["StateSaveLocation"], "/var/spool/ctld")
	c.AuthType = strOr(r.Scalars["AuthType"], "auth/none")
	c.SchedType = strOr(r.Scalars["SchedType"], "sched/fifo")
	c.SelectType = strOr(r.Scalars["SelectType"], "select/linear")
	c.SwitchType = strOr(r.Scalars["SwitchType"], "switch/none")
	c.CheckpointType = strOr(r.Scalars["CheckpointType"], "checkpoint/none")
	c.AccountingStore = strOr(r.Scalars["AccountingStorageType"], "accounting_storage/none")
	c.HeartbeatInterval = durOr(r.Scalars["HeartbeatInterval"], 30*time.Second)
	c.ControllerTimeout = durOr(r.Scalars["ControllerTimeout"], 120*time.Second)
	c.SlurmdTimeout = durOr(r.Scalars["SlurmdTimeout"], 300*time.Second)
	c.BatchStartTimeout = durOr(r.Scalars["BatchStartTimeout"], 10*time.Second)
	c.JobPurgeAge = durOr(r.Scalars["MinJobAge"], 5*time.Minute)
	c.MsgTimeout = durOr(r.Scalars["MessageTimeout"], 10*time.Second)
	c.TreeWidth = intOr(r.Scalars["TreeWidth"], 50)
	c.DebugLevel = intOr(r.Scalars["DebugLevel"], 3)
	c.WorkerUser = strOr(r.Scalars["SlurmdUser"], "root")
	c.CryptoKeyPath = r.Scalars["JobCredentialPrivateKey"]
	c.FastSchedule = r.Scalars["FastSchedule"] != "0"
	c.MaxJobID = intOr(r.Scalars["MaxJobID"], 2000000)
	c.DefaultPartition = r.Scalars["DefaultPartitionName"]
	c.PrivateData = types.PrivateData(intOr(r.Scalars["PrivateData"], 0))

	if len(c.ControlHosts) == 0 {
		return nil, fmt.Errorf("config: ControlHosts must name at least one host")
	}
	return c, nil
}

func strOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOr(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}
