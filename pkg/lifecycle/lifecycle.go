// Package lifecycle implements the process lifecycle: the signal thread,
// PID file discipline
// and orderly-shutdown flag. The signal thread is
// the only component permitted to set shutdown_time; every other
// component (the RPC acceptor, the background loop, the failover
// controller) only ever reads it via ShutdownFlag.Requested.
package lifecycle

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/rs/zerolog"
)

// ShutdownFlag is the global cancellation flag ("shutdown_time != 0").
// Stored as a unix-nanosecond timestamp so Requested/Time are
// lock-free reads for the acceptor's and background loop's hot paths.
type ShutdownFlag struct {
	nanos atomic.Int64
}

// Request records the current time as shutdown_time, if not already set.
// Idempotent: a second INT/TERM/ABRT does not move the deadline.
func (f *ShutdownFlag) Request() {
	f.nanos.CompareAndSwap(0, time.Now().UnixNano())
}

// Requested reports whether shutdown_time has been set.
func (f *ShutdownFlag) Requested() bool {
	return f.nanos.Load() != 0
}

// Time returns the recorded shutdown_time, or the zero time if unset.
func (f *ShutdownFlag) Time() time.Time {
	n := f.nanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Hooks are the controller-level callbacks the signal thread drives.
// Lifecycle stays free of pkg/config, pkg/auth, pkg/crypto, pkg/rpc
// imports by only knowing about these function values; pkg/controller
// supplies the real implementations.
type Hooks struct {
	// Reconfigure re-reads ctld.conf and rebuilds node/partition tables
	// at the given recovery level, called under a full
	// four-entity write lock by the callee.
	Reconfigure func(level state.RecoveryLevel) error
	// NotifyReconfigured runs after a successful Reconfigure. The
	// controller's implementation refreshes the crypto signing key,
	// rechecks the auth/crypto backend names and broadcasts a reconfigure
	// trigger; it does not notify scheduler or node-select backends and
	// does not fan a "reconfigure" RPC out to worker daemons.
	NotifyReconfigured func()
}

// Lifecycle owns the signal-handling task. One instance per process.
type Lifecycle struct {
	Shutdown *ShutdownFlag
	// DumpCore is set when QUIT or ABRT requested the shutdown. Nothing on
	// the exit path reads it: the process exits the same way as after
	// INT/TERM.
	DumpCore bool

	hooks Hooks

	sigCh chan os.Signal
	done  chan struct{}
}

// New constructs a Lifecycle.
func New(hooks Hooks) *Lifecycle {
	return &Lifecycle{
		Shutdown: &ShutdownFlag{},
		hooks:    hooks,
		sigCh:    make(chan os.Signal, 16),
		done:     make(chan struct{}),
	}
}

// signalSet is every signal the signal thread owns. The C idiom would be
// sigwait on a blocked mask; Go has no direct equivalent, so signal.Notify
// plus a dedicated receiving goroutine is the idiomatic analogue, and
// every one of these is explicitly registered rather than left to the
// runtime's default disposition, so CHLD/TSTP/XCPU/PIPE/ALRM are drained
// as no-ops instead of silently doing whatever Go's default is.
var signalSet = []os.Signal{
	syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD, syscall.SIGUSR1,
	syscall.SIGUSR2, syscall.SIGTSTP, syscall.SIGXCPU, syscall.SIGQUIT,
	syscall.SIGPIPE, syscall.SIGALRM, syscall.SIGABRT, syscall.SIGHUP,
}

// Start registers the signal set and begins the handling loop in its own
// goroutine. The loop runs until Stop is called; INT/TERM/ABRT/QUIT only
// request shutdown through the Shutdown flag.
func (l *Lifecycle) Start() {
	signal.Notify(l.sigCh, signalSet...)
	go l.run()
}

// Stop unregisters signal handling and waits for the loop goroutine to
// exit.
func (l *Lifecycle) Stop() {
	signal.Stop(l.sigCh)
	close(l.sigCh)
	<-l.done
}

func (l *Lifecycle) run() {
	defer close(l.done)
	logger := log.WithComponent("lifecycle")
	for sig := range l.sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
			l.Shutdown.Request()
		case syscall.SIGQUIT, syscall.SIGABRT:
			logger.Warn().Str("signal", sig.String()).Msg("shutdown requested, dump-core flag set")
			l.DumpCore = true
			l.Shutdown.Request()
		case syscall.SIGHUP:
			l.reconfigure(logger)
		case syscall.SIGUSR2:
			l.rotateLogs(logger)
		default:
			logger.Debug().Str("signal", sig.String()).Msg("signal received, no action")
		}
	}
}

func (l *Lifecycle) reconfigure(logger zerolog.Logger) {
	if l.hooks.Reconfigure == nil {
		return
	}
	if err := l.hooks.Reconfigure(state.RecoveryCold); err != nil {
		// A failed reconcile leaves the in-memory tables in an unknown
		// relationship to the config on disk; running on would be silent
		// state corruption. Abort so the operator notices.
		logger.Fatal().Err(err).Msg("reconfigure failed, aborting")
	}
	if l.hooks.NotifyReconfigured != nil {
		l.hooks.NotifyReconfigured()
	}
	logger.Info().Msg("reconfigure complete")
}

// rotateLogs reopens the configured log file, the Go analogue of
// close+reopen on USR2. The log package owns the file handle; a process
// logging to stdout has nothing to rotate.
func (l *Lifecycle) rotateLogs(logger zerolog.Logger) {
	if err := log.Reopen(); err != nil {
		logger.Error().Err(err).Msg("log rotation failed")
		return
	}
	logger.Info().Msg("log file reopened")
}

// PIDFile is the advisory-locked PID file: created once and kept open
// with an advisory write-lock. The kill-old-instance path at startup
// takes the read-lock on the same file to wait for the previous daemon to
// exit.
type PIDFile struct {
	f    *os.File
	path string
}

// CreatePIDFile opens (or creates) path, waits for any previous instance
// to release its lock unless ignoreExisting is set, then takes the
// exclusive advisory write-lock and records this process's pid. The
// caller must call Release on clean shutdown.
func CreatePIDFile(path string, ignoreExisting bool) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: open pidfile %s: %w", path, err)
	}

	if !ignoreExisting {
		// Blocking shared lock: waits for a previous instance's
		// exclusive lock to be released, then immediately drops it so
		// the exclusive acquisition below can proceed.
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
			f.Close()
			return nil, fmt.Errorf("lifecycle: wait for previous instance: %w", err)
		}
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lifecycle: pidfile %s held by another instance: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}

	return &PIDFile{f: f, path: path}, nil
}

// Release unlocks, closes and removes the PID file.
func (p *PIDFile) Release() error {
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	if err := p.f.Close(); err != nil {
		return err
	}
	return os.Remove(p.path)
}
