// Command ctld is the cluster controller daemon: it parses its
// configuration, reconciles in-memory state, and runs either as the
// primary (accepting RPCs and driving the background loop) or as a
// standby (failover controller only) depending on this host's position
// in the configured control-host list.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/cuemby/ctld/pkg/config"
	"github.com/cuemby/ctld/pkg/controller"
	"github.com/cuemby/ctld/pkg/lifecycle"
	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/metrics"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ctld: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ctld",
	Short:   "ctld - cluster workload-management controller",
	Version: Version,
	RunE:    runController,
}

// Short flags match the classic controller daemon's CLI surface.
var (
	flagColdStart  bool
	flagDaemonize  bool
	flagForeground bool
	flagConfPath   string
	flagLogPath    string
	flagWarmStart  bool
	flagFullRecov  bool
	flagIgnorePid  bool
	flagVerbose    int
	flagTakeover   bool
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ctld version %s (%s)\n", Version, Commit))

	f := rootCmd.Flags()
	f.BoolVarP(&flagColdStart, "cold-start", "c", false, "cold start, ignore saved state")
	f.BoolVarP(&flagDaemonize, "daemonize", "d", true, "daemonise (default)")
	f.BoolVarP(&flagForeground, "foreground", "D", false, "run in foreground")
	f.StringVarP(&flagConfPath, "config", "f", "/etc/ctld/ctld.conf", "configuration file path")
	f.StringVarP(&flagLogPath, "log-file", "L", "", "log file path")
	f.BoolVarP(&flagWarmStart, "warm-start", "r", true, "warm start (default recovery level)")
	f.BoolVarP(&flagFullRecov, "full-recovery", "R", false, "full state recovery")
	f.BoolVarP(&flagIgnorePid, "ignore-pidfile", "i", false, "ignore an existing pidfile")
	f.CountVarP(&flagVerbose, "verbose", "v", "increase verbosity (repeatable)")
	f.BoolVar(&flagTakeover, "takeover-now", false, "skip the heartbeat dwell and promote as soon as the primary stops answering")
	f.BoolP("version", "V", false, "print version and exit")
}

func runController(cmd *cobra.Command, args []string) error {
	if err := log.Init(log.Config{Verbosity: flagVerbose, Path: flagLogPath}); err != nil {
		return fmt.Errorf("ctld: %w", err)
	}

	raw, err := config.Parse(flagConfPath)
	if err != nil {
		return fmt.Errorf("ctld: %w", err)
	}
	selfIdx := selfControlIndex(raw.Scalars["ControlHosts"])

	pidPath := "/var/run/ctld.pid"
	pidFile, err := lifecycle.CreatePIDFile(pidPath, flagIgnorePid)
	if err != nil {
		return fmt.Errorf("ctld: %w", err)
	}
	defer pidFile.Release()

	recovery := recoveryLevel()

	c, err := controller.New(controller.Options{
		ConfPath:    flagConfPath,
		Recovery:    recovery,
		SelfIdx:     selfIdx,
		TakeoverNow: flagTakeover,
	})
	if err != nil {
		return fmt.Errorf("ctld: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("controller", true, "started")
	go serveMetrics()

	if flagVerbose >= 3 {
		dumpPath := flagConfPath + ".debug.yaml"
		if err := c.DumpDebugConfig(dumpPath); err != nil {
			log.WithComponent("main").Warn().Err(err).Msg("debug config dump failed")
		}
	}

	log.WithComponent("main").Info().
		Int("self_idx", selfIdx).
		Str("recovery", recoveryName(recovery)).
		Msg("ctld starting")

	return c.Run()
}

// recoveryLevel translates the -c/-r/-R flags into a recovery level:
// -c wins over -r, -R wins over both.
func recoveryLevel() state.RecoveryLevel {
	switch {
	case flagFullRecov:
		return state.RecoveryFull
	case flagColdStart:
		return state.RecoveryCold
	default:
		return state.RecoveryPartial
	}
}

func recoveryName(l state.RecoveryLevel) string {
	switch l {
	case state.RecoveryCold:
		return "cold"
	case state.RecoveryFull:
		return "full"
	default:
		return "partial"
	}
}

// selfControlIndex finds this host's position in the comma-separated
// ControlHosts list; position 0 is primary. A host that doesn't recognise
// itself in the list takes the last position in the list rather than
// refusing to start (the lowest-priority standby when two or more hosts
// are listed, the primary when only one is).
func selfControlIndex(hostsCSV string) int {
	hostname, _ := os.Hostname()
	hosts := splitCSV(hostsCSV)
	for i, h := range hosts {
		if h == hostname {
			return i
		}
	}
	if len(hosts) == 0 {
		return 0
	}
	return len(hosts) - 1
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe("127.0.0.1:9090", mux); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("metrics server stopped")
	}
}
