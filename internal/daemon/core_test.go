package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lowfreq/squawk/internal/mesh"
	"github.com/lowfreq/squawk/internal/topic"
	"github.com/lowfreq/squawk/internal/wire"
)

const (
	testMaxMessage = 256
	testMaxBuffer  = 4096
)

func newTestCore(t *testing.T, hub *mesh.Hub, id string) *Core {
	t.Helper()

	node, err := hub.Node(id)
	if err != nil {
		t.Fatalf("failed to create hub node: %v", err)
	}
	core, err := NewCore(CoreConfig{
		InstanceID:     id,
		Mesh:           node,
		MaxMessageSize: testMaxMessage,
		MaxPeerBuffer:  testMaxBuffer,
	})
	if err != nil {
		t.Fatalf("failed to create core: %v", err)
	}
	core.Start()
	t.Cleanup(core.Shutdown)
	return core
}

// joinBoth joins two cores to the same channel and waits for the match
// to complete in both directions.
func joinBoth(t *testing.T, a, b *Core, channel, secret string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Join(ctx, channel, secret); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if err := b.Join(ctx, channel, secret); err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if err := waitForMatch(ctx, a, channel); err != nil {
		t.Fatalf("first core never matched: %v", err)
	}
	if err := waitForMatch(ctx, b, channel); err != nil {
		t.Fatalf("second core never matched: %v", err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")
	ctx := context.Background()

	if err := core.Join(ctx, "room", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := core.Join(ctx, "room", "s1"); err != nil {
		t.Fatalf("repeat join failed: %v", err)
	}

	status, err := core.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if len(status) != 1 {
		t.Fatalf("expected 1 channel after double join, got %d", len(status))
	}
}

func TestJoinRequiresName(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")

	if err := core.Join(context.Background(), "", "s1"); err == nil {
		t.Fatal("join with empty channel name should fail")
	}
}

func TestOperationsOnUnjoinedChannel(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")

	if _, err := core.Send("nope", "hi"); !errors.Is(err, ErrNotInChannel) {
		t.Fatalf("send returned %v, want ErrNotInChannel", err)
	}
	if _, err := core.Read(context.Background(), "nope", false, 0); !errors.Is(err, ErrNotInChannel) {
		t.Fatalf("read returned %v, want ErrNotInChannel", err)
	}
	if err := core.Leave("nope"); !errors.Is(err, ErrNotInChannel) {
		t.Fatalf("leave returned %v, want ErrNotInChannel", err)
	}
}

func TestSendWithoutPeersDeliversZero(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")

	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	delivered, err := core.Send("room", "into the void")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered = %d with no peers, want 0", delivered)
	}
}

func TestMessageDeliveryBetweenCores(t *testing.T) {
	hub := mesh.NewHub()
	alpha := newTestCore(t, hub, "alpha")
	beta := newTestCore(t, hub, "beta")
	joinBoth(t, alpha, beta, "room", "s1")

	delivered, err := alpha.Send("room", "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := beta.Read(ctx, "room", true, 5*time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("read returned %d entries, want 1", len(entries))
	}
	if entries[0].Data != "hello" || entries[0].From != "alpha" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	if entries[0].TS == 0 {
		t.Fatal("entry timestamp was not set")
	}
}

func TestDifferentSecretsNeverMatch(t *testing.T) {
	hub := mesh.NewHub()
	alpha := newTestCore(t, hub, "alpha")
	beta := newTestCore(t, hub, "beta")
	ctx := context.Background()

	if err := alpha.Join(ctx, "room", "s1"); err != nil {
		t.Fatalf("alpha join failed: %v", err)
	}
	if err := beta.Join(ctx, "room", "s2"); err != nil {
		t.Fatalf("beta join failed: %v", err)
	}

	// Give any misdirected match time to surface.
	time.Sleep(100 * time.Millisecond)

	status, err := alpha.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status["room"].Peers != 0 {
		t.Fatalf("alpha matched %d peers across different secrets", status["room"].Peers)
	}
}

func TestReadDrainsBufferInOrder(t *testing.T) {
	hub := mesh.NewHub()
	alpha := newTestCore(t, hub, "alpha")
	beta := newTestCore(t, hub, "beta")
	joinBoth(t, alpha, beta, "room", "s1")

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := alpha.Send("room", msg); err != nil {
			t.Fatalf("send %q failed: %v", msg, err)
		}
	}

	waitForBuffered(t, beta, "room", 3)

	entries, err := beta.Read(context.Background(), "room", false, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(entries) != len(want) {
		t.Fatalf("read returned %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Data != w {
			t.Fatalf("entry %d = %q, want %q", i, entries[i].Data, w)
		}
	}

	// The buffer was drained: a second read is empty.
	entries, err = beta.Read(context.Background(), "room", false, 0)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("second read returned %d entries, want 0", len(entries))
	}
}

func TestReadWaitTimesOutEmpty(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")
	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	start := time.Now()
	entries, err := core.Read(context.Background(), "room", true, 100*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("timed-out read returned %d entries, want 0", len(entries))
	}
	if elapsed < 90*time.Millisecond {
		t.Fatalf("read returned after %v, before the timeout", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("read took %v, far past the timeout", elapsed)
	}
}

func TestReadWaitWokenBySend(t *testing.T) {
	hub := mesh.NewHub()
	alpha := newTestCore(t, hub, "alpha")
	beta := newTestCore(t, hub, "beta")
	joinBoth(t, alpha, beta, "room", "s1")

	type result struct {
		entries []Entry
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		entries, err := beta.Read(context.Background(), "room", true, 5*time.Second)
		resCh <- result{entries, err}
	}()

	// Let the reader suspend before sending.
	time.Sleep(50 * time.Millisecond)
	if _, err := alpha.Send("room", "wake up"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("read failed: %v", res.err)
		}
		if len(res.entries) != 1 || res.entries[0].Data != "wake up" {
			t.Fatalf("unexpected read result: %+v", res.entries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read was never woken")
	}
}

func TestReadCanceledByContext(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")
	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := core.Read(ctx, "room", true, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled read returned %v, want context.Canceled", err)
	}
}

func TestLeaveReleasesBlockedReaders(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")
	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	type result struct {
		entries []Entry
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		entries, err := core.Read(context.Background(), "room", true, 10*time.Second)
		resCh <- result{entries, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := core.Leave("room"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("read after leave failed: %v", res.err)
		}
		if len(res.entries) != 0 {
			t.Fatalf("read after leave returned %d entries, want 0", len(res.entries))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("leave did not release the blocked reader")
	}
}

func TestLeaveDiscardsBufferAndUnmatchesPeers(t *testing.T) {
	hub := mesh.NewHub()
	alpha := newTestCore(t, hub, "alpha")
	beta := newTestCore(t, hub, "beta")
	joinBoth(t, alpha, beta, "room", "s1")

	if _, err := alpha.Send("room", "doomed"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitForBuffered(t, beta, "room", 1)

	if err := beta.Leave("room"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	if _, err := beta.Read(context.Background(), "room", false, 0); !errors.Is(err, ErrNotInChannel) {
		t.Fatalf("read after leave returned %v, want ErrNotInChannel", err)
	}

	// The departure propagates to alpha through a fresh hello.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := alpha.Status()
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status["room"].Peers == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alpha never unmatched the departed peer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	delivered, err := alpha.Send("room", "anyone?")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered = %d after the only peer left, want 0", delivered)
	}
}

func TestSendSizeBoundary(t *testing.T) {
	core := newTestCore(t, mesh.NewHub(), "a")
	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if _, err := core.Send("room", strings.Repeat("x", testMaxMessage)); err != nil {
		t.Fatalf("send at the limit failed: %v", err)
	}
	if _, err := core.Send("room", strings.Repeat("x", testMaxMessage+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("send over the limit returned %v, want ErrMessageTooLarge", err)
	}
	// Size is checked before membership.
	if _, err := core.Send("nope", strings.Repeat("x", testMaxMessage+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("oversized send to unjoined channel returned %v, want ErrMessageTooLarge", err)
	}
}

func TestOversizedInboundDroppedConnectionSurvives(t *testing.T) {
	hub := mesh.NewHub()
	core := newTestCore(t, hub, "core")

	// A scripted peer speaking the raw wire protocol.
	raw, err := hub.Node("raw")
	if err != nil {
		t.Fatalf("failed to create raw node: %v", err)
	}
	defer func() { _ = raw.Close() }()

	tid := topic.Derive("room", "s1")
	if _, err := raw.Join(tid); err != nil {
		t.Fatalf("raw join failed: %v", err)
	}
	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("core join failed: %v", err)
	}

	var conn mesh.Conn
	select {
	case conn = <-raw.Connections():
	case <-time.After(5 * time.Second):
		t.Fatal("raw node never connected to the core")
	}

	// The core announces immediately; consume its hello.
	reader := bufio.NewReader(conn)
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("failed to read hello from core: %v", err)
	}

	oversized, err := wire.EncodeMsg(tid, strings.Repeat("x", testMaxMessage+1), "raw", time.Now())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	valid, err := wire.EncodeMsg(tid, "still here", "raw", time.Now())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := conn.Write(oversized); err != nil {
		t.Fatalf("write oversized failed: %v", err)
	}
	if _, err := conn.Write(valid); err != nil {
		t.Fatalf("write valid failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := core.Read(ctx, "room", true, 5*time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Data != "still here" {
		t.Fatalf("read returned %+v, want only the valid message", entries)
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	hub := mesh.NewHub()
	core := newTestCore(t, hub, "core")

	raw, err := hub.Node("raw")
	if err != nil {
		t.Fatalf("failed to create raw node: %v", err)
	}
	defer func() { _ = raw.Close() }()

	tid := topic.Derive("room", "s1")
	if _, err := raw.Join(tid); err != nil {
		t.Fatalf("raw join failed: %v", err)
	}
	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("core join failed: %v", err)
	}

	var conn mesh.Conn
	select {
	case conn = <-raw.Connections():
	case <-time.After(5 * time.Second):
		t.Fatal("raw node never connected to the core")
	}
	reader := bufio.NewReader(conn)
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("failed to read hello from core: %v", err)
	}

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write garbage failed: %v", err)
	}
	valid, err := wire.EncodeMsg(tid, "after garbage", "raw", time.Now())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := conn.Write(valid); err != nil {
		t.Fatalf("write valid failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := core.Read(ctx, "room", true, 5*time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Data != "after garbage" {
		t.Fatalf("read returned %+v, want only the valid message", entries)
	}
}

// rawConnTo drains a node's connection stream until the one facing the
// named remote appears. The hub also pipes raw nodes to each other when
// they share a topic; those connections are simply not the one wanted.
func rawConnTo(t *testing.T, n *mesh.MemoryNode, remote string) mesh.Conn {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case conn := <-n.Connections():
			if conn.RemoteID() == remote {
				return conn
			}
		case <-deadline:
			t.Fatalf("node never connected to %s", remote)
		}
	}
}

func TestBufferOverflowSeversOnlyAbusivePeer(t *testing.T) {
	hub := mesh.NewHub()
	core := newTestCore(t, hub, "core")

	abusive, err := hub.Node("abusive")
	if err != nil {
		t.Fatalf("failed to create abusive node: %v", err)
	}
	defer func() { _ = abusive.Close() }()
	good, err := hub.Node("good")
	if err != nil {
		t.Fatalf("failed to create good node: %v", err)
	}
	defer func() { _ = good.Close() }()

	tid := topic.Derive("room", "s1")
	if _, err := abusive.Join(tid); err != nil {
		t.Fatalf("abusive join failed: %v", err)
	}
	if _, err := good.Join(tid); err != nil {
		t.Fatalf("good join failed: %v", err)
	}
	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("core join failed: %v", err)
	}

	abusiveConn := rawConnTo(t, abusive, "core")
	goodConn := rawConnTo(t, good, "core")

	// Consume the core's hello on both connections.
	abusiveReader := bufio.NewReader(abusiveConn)
	if _, err := abusiveReader.ReadBytes('\n'); err != nil {
		t.Fatalf("failed to read hello on abusive conn: %v", err)
	}
	goodReader := bufio.NewReader(goodConn)
	if _, err := goodReader.ReadBytes('\n'); err != nil {
		t.Fatalf("failed to read hello on good conn: %v", err)
	}

	// One unterminated line past the inbound buffer bound: abuse, not a
	// recoverable bad record.
	if _, err := abusiveConn.Write([]byte(strings.Repeat("x", testMaxBuffer+1))); err != nil {
		t.Fatalf("overflow write failed: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := abusiveReader.ReadByte()
		readErr <- err
	}()
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected the abusive connection to be closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abusive connection was not severed")
	}

	// Only the abusive peer is gone.
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := core.PeerCount()
		if err != nil {
			t.Fatalf("peer count failed: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer count = %d, want 1 after severing the abusive peer", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	valid, err := wire.EncodeMsg(tid, "unaffected", "good", time.Now())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := goodConn.Write(valid); err != nil {
		t.Fatalf("write on good conn failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := core.Read(ctx, "room", true, 5*time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Data != "unaffected" || entries[0].From != "good" {
		t.Fatalf("read returned %+v, want the good peer's message", entries)
	}
}

// recordedConn is a mesh.Conn that only remembers being closed.
type recordedConn struct {
	closed chan struct{}
	once   sync.Once
}

func newRecordedConn() *recordedConn {
	return &recordedConn{closed: make(chan struct{})}
}

func (c *recordedConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *recordedConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *recordedConn) RemoteID() string            { return "late" }

func (c *recordedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestConnectionArrivingAfterShutdownIsClosed(t *testing.T) {
	hub := mesh.NewHub()
	node, err := hub.Node("a")
	if err != nil {
		t.Fatalf("failed to create hub node: %v", err)
	}
	core, err := NewCore(CoreConfig{
		InstanceID:     "a",
		Mesh:           node,
		MaxMessageSize: testMaxMessage,
		MaxPeerBuffer:  testMaxBuffer,
	})
	if err != nil {
		t.Fatalf("failed to create core: %v", err)
	}
	core.Start()
	core.Shutdown()

	// The event loop is gone; registration must still release the conn.
	conn := newRecordedConn()
	core.addPeer(conn)

	select {
	case <-conn.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection arriving after shutdown was never closed")
	}
}

func TestShutdownReleasesBlockedReaders(t *testing.T) {
	hub := mesh.NewHub()
	node, err := hub.Node("a")
	if err != nil {
		t.Fatalf("failed to create hub node: %v", err)
	}
	core, err := NewCore(CoreConfig{
		InstanceID:     "a",
		Mesh:           node,
		MaxMessageSize: testMaxMessage,
		MaxPeerBuffer:  testMaxBuffer,
	})
	if err != nil {
		t.Fatalf("failed to create core: %v", err)
	}
	core.Start()

	if err := core.Join(context.Background(), "room", "s1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	resCh := make(chan []Entry, 1)
	go func() {
		entries, _ := core.Read(context.Background(), "room", true, 30*time.Second)
		resCh <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	core.Shutdown()

	select {
	case entries := <-resCh:
		if len(entries) != 0 {
			t.Fatalf("read during shutdown returned %d entries, want 0", len(entries))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not release the blocked reader")
	}

	if err := core.Join(context.Background(), "again", "s1"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("join after shutdown returned %v, want ErrShuttingDown", err)
	}
}

func TestStatusReportsBufferedCount(t *testing.T) {
	hub := mesh.NewHub()
	alpha := newTestCore(t, hub, "alpha")
	beta := newTestCore(t, hub, "beta")
	joinBoth(t, alpha, beta, "room", "s1")

	for i := 0; i < 2; i++ {
		if _, err := alpha.Send("room", "ping"); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	waitForBuffered(t, beta, "room", 2)

	status, err := beta.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	got := status["room"]
	if got.Peers != 1 || got.Buffered != 2 {
		t.Fatalf("status = %+v, want 1 peer and 2 buffered", got)
	}
}

// waitForBuffered polls the status snapshot until the channel holds n
// buffered entries.
func waitForBuffered(t *testing.T, c *Core, channel string, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := c.Status()
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status[channel].Buffered >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel %q never buffered %d entries (have %d)", channel, n, status[channel].Buffered)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
