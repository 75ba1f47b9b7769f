package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"sort"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lowfreq/squawk/internal/daemon"
	"github.com/lowfreq/squawk/internal/paths"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagJSON bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "squawk",
		Short: "Secret-keyed peer-to-peer channel messaging",
		Long: `Squawk is a local daemon that lets processes exchange short text
messages over a peer-to-peer overlay. A channel is named by a string
and keyed by a shared secret; only daemons holding the same name and
secret ever see each other's messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("squawk v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(leaveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(selftestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stateDir resolves and creates the per-user state directory.
func stateDir() (string, error) {
	dir, err := paths.StateDir()
	if err != nil {
		return "", err
	}
	if err := paths.EnsureStateDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// connect opens a control connection to the running daemon.
func connect() (*daemon.Client, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, err
	}
	client, err := daemon.NewClient(paths.SocketPath(dir))
	if err != nil {
		return nil, fmt.Errorf("%w (is the daemon running? try: squawk daemon start)", err)
	}
	return client, nil
}

// promptSecret reads the channel secret without echoing when stdin is
// a terminal, and as one plain line otherwise (piped scripts).
func promptSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Secret (empty for an open channel): ")
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(secret), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func joinCmd() *cobra.Command {
	var secret string
	var askSecret bool

	cmd := &cobra.Command{
		Use:   "join <channel>",
		Short: "Join a channel",
		Long: `Join a channel on the running daemon. The channel is keyed by its
name and secret together: the same name with a different secret is a
completely separate channel.

Pass the secret with --ask-secret to avoid putting it in shell history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if askSecret {
				s, err := promptSecret()
				if err != nil {
					return err
				}
				secret = s
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.Join(args[0], secret); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("Joined %s\n", args[0])
				return nil
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{"ok": true, "channel": args[0]})
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Channel secret (prefer --ask-secret)")
	cmd.Flags().BoolVar(&askSecret, "ask-secret", false, "Prompt for the secret instead of taking a flag")
	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <channel> [message]",
		Short: "Send a message to a channel",
		Long: `Send a message to every currently connected peer of a joined
channel. With no message argument the payload is read from stdin.
Reports how many peers the message was written to; zero peers is not
an error.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var message string
			if len(args) == 2 {
				message = args[1]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read message from stdin: %w", err)
				}
				message = strings.TrimRight(string(data), "\n")
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			delivered, err := client.Send(args[0], message)
			if err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("Delivered to %d peer(s)\n", delivered)
				return nil
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{"ok": true, "delivered": delivered})
		},
	}
	return cmd
}

func readCmd() *cobra.Command {
	var wait bool
	var timeout float64

	cmd := &cobra.Command{
		Use:   "read <channel>",
		Short: "Read buffered messages from a channel",
		Long: `Drain and print the messages buffered for a joined channel. With
--wait and an empty buffer, blocks until the next message arrives or
the timeout elapses; a timeout prints nothing and exits cleanly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			entries, err := client.Read(args[0], wait, timeout)
			if err != nil {
				return err
			}
			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			for _, e := range entries {
				fmt.Printf("[%s] %s\n", e.From, e.Data)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Block until a message arrives")
	cmd.Flags().Float64Var(&timeout, "timeout", 0, "Wait timeout in seconds (0 uses the daemon default)")
	return cmd
}

func leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <channel>",
		Short: "Leave a channel",
		Long:  "Leave a joined channel, discarding any buffered messages.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.Leave(args[0]); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("Left %s\n", args[0])
				return nil
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{"ok": true})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and channel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			resp, err := client.Status()
			if err != nil {
				return err
			}
			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(resp)
			}

			fmt.Printf("Instance: %s\n", resp.ID)
			fmt.Printf("Peers:    %d\n", resp.Peers)
			if len(resp.Channels) == 0 {
				fmt.Println("No channels joined")
				return nil
			}

			names := make([]string, 0, len(resp.Channels))
			for name := range resp.Channels {
				names = append(names, name)
			}
			sort.Strings(names)

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Channel", "Peers", "Buffered"})
			for _, name := range names {
				ch := resp.Channels[name]
				t.AppendRow(table.Row{name, ch.Peers, ch.Buffered})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is answering",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.Ping(); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [channel...]",
		Short: "Stream channel messages as they arrive",
		Long: `Follow the daemon's event stream and print messages as they are
received. With channel arguments only those channels are shown;
without any, everything is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			port, err := daemon.ReadPortFile(paths.WSPortPath(dir))
			if err != nil {
				return fmt.Errorf("event stream port unknown (is the daemon running?): %w", err)
			}

			url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return fmt.Errorf("connect to event stream: %w", err)
			}
			defer func() { _ = conn.Close() }()

			for _, channel := range args {
				if err := conn.WriteJSON(map[string]string{"subscribe": channel}); err != nil {
					return fmt.Errorf("subscribe to %s: %w", channel, err)
				}
			}

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("event stream closed: %w", err)
				}
				if flagJSON {
					fmt.Println(string(data))
					continue
				}
				var ev struct {
					Channel string `json:"channel"`
					From    string `json:"from"`
					Data    string `json:"data"`
				}
				if err := json.Unmarshal(data, &ev); err != nil {
					continue
				}
				fmt.Printf("%s [%s] %s\n", ev.Channel, ev.From, ev.Data)
			}
		},
	}
}

func selftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Exercise the full message path in-process",
		Long: `Run an end-to-end check of the message path against an in-memory
mesh: join, match, send, read and secret isolation. Exits non-zero on
any failure. Does not touch a running daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.SelfTest(os.Stdout)
		},
	}
}
