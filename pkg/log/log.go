package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive children from
// it via WithComponent and the entity helpers below.
var Logger zerolog.Logger

// Config is the daemon's logging surface: the repeatable -v flag count
// (0 is info, 1 is debug, 2 and above the debug2/debug3 firehose), an
// optional log-file path (empty logs to stdout), and JSON vs console
// rendering.
type Config struct {
	Verbosity int
	Path      string
	JSON      bool

	// Output overrides Path when set; used by tests that want to capture
	// log lines without touching the filesystem.
	Output io.Writer
}

var (
	mu      sync.Mutex
	current Config
	file    *os.File
)

// Init configures the root logger. Called once at startup; Reopen re-runs
// it against the same Config after a USR2 rotation.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	return initLocked(cfg)
}

func initLocked(cfg Config) error {
	out := cfg.Output
	if out == nil && cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("log: open %s: %w", cfg.Path, err)
		}
		if file != nil {
			file.Close()
		}
		file = f
		out = f
	}
	if out == nil {
		out = os.Stdout
	}

	zerolog.SetGlobalLevel(levelFor(cfg.Verbosity))
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	current = cfg
	return nil
}

// Reopen closes and reopens the configured log file, the USR2 rotation
// path. A daemon logging to stdout has nothing to rotate.
func Reopen() error {
	mu.Lock()
	defer mu.Unlock()
	if current.Path == "" || current.Output != nil {
		return nil
	}
	return initLocked(current)
}

func levelFor(verbosity int) zerolog.Level {
	switch {
	case verbosity >= 2:
		return zerolog.TraceLevel
	case verbosity == 1:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent creates a child logger with a component field, e.g.
// "lock", "state", "rpc", "background", "failover".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJob creates a child logger carrying the job id every job-lifecycle
// line is keyed on.
func WithJob(jobID int) zerolog.Logger {
	return Logger.With().Int("job_id", jobID).Logger()
}

// WithNode creates a child logger carrying a node name, for lines about
// one compute host (drains, downs, ping failures).
func WithNode(name string) zerolog.Logger {
	return Logger.With().Str("node", name).Logger()
}

// WithOpcode tags dispatcher lines with the RPC opcode being served.
func WithOpcode(opcode string) zerolog.Logger {
	return Logger.With().Str("component", "rpc").Str("opcode", opcode).Logger()
}
