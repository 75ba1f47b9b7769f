package daemon

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lowfreq/squawk/internal/mesh"
)

// SelfTest runs the full message path against an in-memory mesh: two
// cores join the same channel, exchange a message, and a third core on
// a different secret stays isolated. Progress goes to out; a non-nil
// return means the installation is broken.
func SelfTest(out io.Writer) error {
	const (
		channel = "selftest"
		secret  = "s1"
		timeout = 5 * time.Second
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	hub := mesh.NewHub()

	newCore := func(id string) (*Core, error) {
		node, err := hub.Node(id)
		if err != nil {
			return nil, err
		}
		core, err := NewCore(CoreConfig{
			InstanceID:     id,
			Mesh:           node,
			MaxMessageSize: 256 << 10,
			MaxPeerBuffer:  1 << 20,
		})
		if err != nil {
			return nil, err
		}
		core.Start()
		return core, nil
	}

	alpha, err := newCore("selftest-alpha")
	if err != nil {
		return fmt.Errorf("create core: %w", err)
	}
	defer alpha.Shutdown()

	beta, err := newCore("selftest-beta")
	if err != nil {
		return fmt.Errorf("create core: %w", err)
	}
	defer beta.Shutdown()

	gamma, err := newCore("selftest-gamma")
	if err != nil {
		return fmt.Errorf("create core: %w", err)
	}
	defer gamma.Shutdown()

	fmt.Fprintln(out, "join: alpha and beta share a secret, gamma does not")
	if err := alpha.Join(ctx, channel, secret); err != nil {
		return fmt.Errorf("alpha join: %w", err)
	}
	if err := beta.Join(ctx, channel, secret); err != nil {
		return fmt.Errorf("beta join: %w", err)
	}
	if err := gamma.Join(ctx, channel, "wrong-secret"); err != nil {
		return fmt.Errorf("gamma join: %w", err)
	}

	if err := waitForPeer(ctx, alpha); err != nil {
		return fmt.Errorf("alpha never saw beta: %w", err)
	}
	if err := waitForMatch(ctx, alpha, channel); err != nil {
		return fmt.Errorf("alpha never matched beta: %w", err)
	}
	if err := waitForMatch(ctx, beta, channel); err != nil {
		return fmt.Errorf("beta never matched alpha: %w", err)
	}

	fmt.Fprintln(out, "send: alpha -> beta")
	delivered, err := alpha.Send(channel, "squawk self-test")
	if err != nil {
		return fmt.Errorf("alpha send: %w", err)
	}
	if delivered != 1 {
		return fmt.Errorf("alpha send wrote to %d peers, want 1", delivered)
	}

	entries, err := beta.Read(ctx, channel, true, timeout)
	if err != nil {
		return fmt.Errorf("beta read: %w", err)
	}
	if len(entries) != 1 || entries[0].Data != "squawk self-test" {
		return fmt.Errorf("beta read returned %+v, want the test message", entries)
	}
	if entries[0].From != "selftest-alpha" {
		return fmt.Errorf("message attributed to %q, want selftest-alpha", entries[0].From)
	}

	fmt.Fprintln(out, "isolation: gamma must not receive anything")
	stray, err := gamma.Read(ctx, channel, false, 0)
	if err != nil {
		return fmt.Errorf("gamma read: %w", err)
	}
	if len(stray) != 0 {
		return fmt.Errorf("gamma received %d messages across a secret boundary", len(stray))
	}
	status, err := gamma.Status()
	if err != nil {
		return fmt.Errorf("gamma status: %w", err)
	}
	if status[channel].Peers != 0 {
		return fmt.Errorf("gamma matched %d peers across a secret boundary", status[channel].Peers)
	}

	fmt.Fprintln(out, "limits: oversized payload is rejected")
	if _, err := alpha.Send(channel, strings.Repeat("x", (256<<10)+1)); err != ErrMessageTooLarge {
		return fmt.Errorf("oversized send returned %v, want %v", err, ErrMessageTooLarge)
	}

	fmt.Fprintln(out, "ok")
	return nil
}

// waitForPeer polls until the core sees at least one mesh connection.
func waitForPeer(ctx context.Context, c *Core) error {
	for {
		n, err := c.PeerCount()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// waitForMatch polls until the channel reports a matched peer. Matching
// completes when the remote hello lands, which is asynchronous.
func waitForMatch(ctx context.Context, c *Core, channel string) error {
	for {
		status, err := c.Status()
		if err != nil {
			return err
		}
		if status[channel].Peers > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
