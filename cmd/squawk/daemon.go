package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowfreq/squawk/internal/config"
	"github.com/lowfreq/squawk/internal/daemon"
	"github.com/lowfreq/squawk/internal/identity"
	"github.com/lowfreq/squawk/internal/jsonl"
	"github.com/lowfreq/squawk/internal/mesh"
	"github.com/lowfreq/squawk/internal/paths"
	"github.com/lowfreq/squawk/internal/websocket"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the squawk daemon",
	}
	cmd.AddCommand(daemonRunCmd())
	cmd.AddCommand(daemonStartCmd())
	cmd.AddCommand(daemonStopCmd())
	cmd.AddCommand(daemonStatusCmd())
	return cmd
}

func daemonRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

// runDaemon assembles the daemon from the state directory and blocks
// until shutdown.
func runDaemon(ctx context.Context) error {
	dir, err := stateDir()
	if err != nil {
		return err
	}

	cfg, err := config.Load(paths.ConfigPath(dir))
	if err != nil {
		return err
	}

	pub, priv, err := identity.EnsureKeys(paths.IdentityPath(dir))
	if err != nil {
		return err
	}

	substrate, err := mesh.NewQUIC(mesh.QUICConfig{
		Listen: cfg.Mesh.Listen,
		Peers:  cfg.Mesh.Peers,
		Key:    priv,
	})
	if err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}

	activity, err := jsonl.NewWriter(paths.ActivityPath(dir))
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}

	wsPort, err := daemon.FindAvailablePort(cfg.Daemon.WSPortMin, cfg.Daemon.WSPortMax)
	if err != nil {
		return fmt.Errorf("find event stream port: %w", err)
	}
	events := websocket.NewServer(fmt.Sprintf("127.0.0.1:%d", wsPort))

	core, err := daemon.NewCore(daemon.CoreConfig{
		Mesh:           substrate,
		MaxMessageSize: cfg.Limits.MaxMessageBytes,
		MaxPeerBuffer:  cfg.Limits.MaxPeerBufferBytes,
		Activity:       activity,
		Notifier:       events,
	})
	if err != nil {
		return err
	}

	socketPath := paths.SocketPath(dir)
	var lc *daemon.Lifecycle
	server := daemon.NewServer(daemon.ServerConfig{
		SocketPath:      socketPath,
		Core:            core,
		MaxRequestBytes: cfg.Limits.MaxRequestBytes,
		ReadTimeout:     cfg.ReadTimeout(),
		OnStop:          func() { lc.Shutdown() },
	})
	lc = daemon.NewLifecycle(daemon.LifecycleConfig{
		Core:       core,
		Server:     server,
		Events:     events,
		PIDFile:    paths.PIDPath(dir),
		LockFile:   paths.LockPath(dir),
		PortFile:   paths.WSPortPath(dir),
		SocketPath: socketPath,
	})

	_ = activity.Log("daemon_started", map[string]any{
		"instance":    core.InstanceID(),
		"fingerprint": identity.Fingerprint(pub),
		"listen":      cfg.Mesh.Listen,
		"peers":       len(cfg.Mesh.Peers),
	})
	fmt.Fprintf(os.Stderr, "squawk daemon %s (mesh identity %s)\n", core.InstanceID(), identity.Fingerprint(pub))

	err = lc.Run(ctx)
	_ = activity.Log("daemon_stopped", map[string]any{"instance": core.InstanceID()})
	return err
}

func daemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			socketPath := paths.SocketPath(dir)

			if running, info, err := daemon.CheckPIDFile(paths.PIDPath(dir)); err == nil && running {
				fmt.Printf("Daemon already running (PID %d)\n", info.PID)
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}

			logFile, err := os.OpenFile(paths.LogPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return fmt.Errorf("open daemon log: %w", err)
			}
			defer func() { _ = logFile.Close() }()

			child := exec.Command(exe, "daemon", "run")
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("spawn daemon: %w", err)
			}
			// Detach; the PID file is the record, not this handle.
			_ = child.Process.Release()

			if err := daemon.WaitForSocket(socketPath, 10*time.Second); err != nil {
				return fmt.Errorf("%w (see %s)", err, paths.LogPath(dir))
			}
			fmt.Println("Daemon started")
			return nil
		},
	}
}

func daemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			pidFile := paths.PIDPath(dir)

			running, info, err := daemon.CheckPIDFile(pidFile)
			if err != nil {
				return fmt.Errorf("check daemon state: %w", err)
			}
			if !running {
				fmt.Println("Daemon is not running")
				return nil
			}

			// Ask politely over the socket first; fall back to SIGTERM
			// when the socket is wedged.
			if client, err := daemon.NewClient(paths.SocketPath(dir)); err == nil {
				stopErr := client.Stop()
				_ = client.Close()
				if stopErr == nil {
					if waitForExit(pidFile, 10*time.Second) {
						fmt.Println("Daemon stopped")
						return nil
					}
				}
			}

			proc, err := os.FindProcess(info.PID)
			if err != nil {
				return fmt.Errorf("find daemon process: %w", err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal daemon: %w", err)
			}
			if !waitForExit(pidFile, 10*time.Second) {
				return fmt.Errorf("daemon (PID %d) did not exit", info.PID)
			}
			fmt.Println("Daemon stopped")
			return nil
		},
	}
}

// waitForExit polls the PID file until its process is gone.
func waitForExit(pidFile string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		running, _, err := daemon.CheckPIDFile(pidFile)
		if err != nil || !running {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func daemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}

			running, info, err := daemon.CheckPIDFile(paths.PIDPath(dir))
			if err != nil {
				return fmt.Errorf("check daemon state: %w", err)
			}
			if !running {
				fmt.Println("Daemon is not running")
				return nil
			}

			fmt.Printf("Daemon running (PID %d)\n", info.PID)
			if info.InstanceID != "" {
				fmt.Printf("Instance: %s\n", info.InstanceID)
			}
			if !info.StartedAt.IsZero() {
				fmt.Printf("Started:  %s\n", info.StartedAt.Local().Format(time.RFC3339))
			}
			fmt.Printf("Socket:   %s\n", info.SocketPath)
			return nil
		},
	}
}
