package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// EventServer is the daemon-side view of the websocket event stream.
// An interface here keeps the websocket package out of this one.
type EventServer interface {
	Start(ctx context.Context) error
	Stop() error
	Port() int
}

// Lifecycle ties the pieces of a running daemon together: singleton
// lock, PID file, control server, optional event stream, core teardown
// and signal handling.
type Lifecycle struct {
	core       *Core
	server     *Server
	events     EventServer
	pidFile    string
	lockFile   string
	portFile   string
	socketPath string

	lock         *flock.Flock
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// LifecycleConfig assembles a Lifecycle. Events and PortFile are
// optional; leave them zero when the event stream is disabled.
type LifecycleConfig struct {
	Core       *Core
	Server     *Server
	Events     EventServer
	PIDFile    string
	LockFile   string
	PortFile   string
	SocketPath string
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	return &Lifecycle{
		core:       cfg.Core,
		server:     cfg.Server,
		events:     cfg.Events,
		pidFile:    cfg.PIDFile,
		lockFile:   cfg.LockFile,
		portFile:   cfg.PortFile,
		socketPath: cfg.SocketPath,
		shutdownCh: make(chan struct{}),
	}
}

// Run brings the daemon up and blocks until shutdown. The flock is the
// arbiter of "already running": the OS drops it even on SIGKILL, so a
// held lock always means a live daemon.
func (l *Lifecycle) Run(ctx context.Context) error {
	lock := flock.New(l.lockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		if _, info, pidErr := CheckPIDFile(l.pidFile); pidErr == nil && info.PID != 0 {
			return fmt.Errorf("daemon already running (PID %d)", info.PID)
		}
		return fmt.Errorf("daemon already running (lock %s held)", l.lockFile)
	}
	l.lock = lock
	defer func() {
		if l.lock != nil {
			if err := l.lock.Unlock(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to release lock: %v\n", err)
			}
		}
	}()

	// A stale PID file from an unclean exit is overwritten; the flock
	// above already ruled out a live daemon.
	if running, info, err := CheckPIDFile(l.pidFile); err != nil {
		fmt.Fprintf(os.Stderr, "warning: unreadable PID file: %v\n", err)
	} else if running {
		fmt.Fprintf(os.Stderr, "warning: PID file names live process %d but lock was free, overwriting\n", info.PID)
	}

	info := PIDInfo{
		PID:        os.Getpid(),
		InstanceID: l.core.InstanceID(),
		StartedAt:  time.Now().UTC(),
		SocketPath: l.socketPath,
	}
	if err := WritePIDFile(l.pidFile, info); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	// Safety net for panics and early returns: the files must not
	// outlive the process.
	var shutdownComplete atomic.Bool
	defer func() {
		if !shutdownComplete.Load() {
			_ = l.server.Stop()
			if l.events != nil {
				_ = l.events.Stop()
				if l.portFile != "" {
					_ = RemovePortFile(l.portFile)
				}
			}
			l.core.Shutdown()
			_ = RemovePIDFile(l.pidFile)
		}
	}()

	l.core.Start()

	if err := l.server.Start(ctx); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	if l.events != nil {
		if err := l.events.Start(ctx); err != nil {
			return fmt.Errorf("start event server: %w", err)
		}
		if l.portFile != "" {
			if err := WritePortFile(l.portFile, l.events.Port()); err != nil {
				return fmt.Errorf("write event port file: %w", err)
			}
		}
	}

	go l.handleSignals()

	<-l.shutdownCh

	shutdownComplete.Store(true)
	return l.shutdown()
}

func (l *Lifecycle) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
	l.Shutdown()
}

// Shutdown triggers teardown. Safe to call more than once; the stop
// action and the signal handler can both race into it.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownCh)
	})
}

// shutdown is the ordered teardown: stop taking requests, stop the
// event stream, drain the core, then remove the on-disk breadcrumbs.
func (l *Lifecycle) shutdown() error {
	if err := l.server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping control server: %v\n", err)
	}

	if l.events != nil {
		if err := l.events.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "error stopping event server: %v\n", err)
		}
		if l.portFile != "" {
			if err := RemovePortFile(l.portFile); err != nil {
				fmt.Fprintf(os.Stderr, "error removing port file: %v\n", err)
			}
		}
	}

	l.core.Shutdown()

	if err := RemovePIDFile(l.pidFile); err != nil {
		fmt.Fprintf(os.Stderr, "error removing PID file: %v\n", err)
		return err
	}

	if l.lock != nil {
		if err := l.lock.Unlock(); err != nil {
			fmt.Fprintf(os.Stderr, "error releasing lock: %v\n", err)
		}
		l.lock = nil
	}
	return nil
}
