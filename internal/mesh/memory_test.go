package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/lowfreq/squawk/internal/topic"
)

func testTopic(b byte) topic.ID {
	var id topic.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func waitConn(t *testing.T, n *MemoryNode) Conn {
	t.Helper()
	select {
	case c := <-n.Connections():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func TestSharedTopicConnects(t *testing.T) {
	hub := NewHub()
	a, err := hub.Node("node-a")
	if err != nil {
		t.Fatalf("failed to attach node a: %v", err)
	}
	b, err := hub.Node("node-b")
	if err != nil {
		t.Fatalf("failed to attach node b: %v", err)
	}

	if _, err := a.Join(testTopic(1)); err != nil {
		t.Fatalf("node a failed to join: %v", err)
	}
	if _, err := b.Join(testTopic(1)); err != nil {
		t.Fatalf("node b failed to join: %v", err)
	}

	ca := waitConn(t, a)
	cb := waitConn(t, b)

	if ca.RemoteID() != "node-b" {
		t.Fatalf("node a sees remote %q, want node-b", ca.RemoteID())
	}
	if cb.RemoteID() != "node-a" {
		t.Fatalf("node b sees remote %q, want node-a", cb.RemoteID())
	}

	// The pipe carries bytes both ways.
	go func() { _, _ = ca.Write([]byte("ping\n")) }()
	buf := make([]byte, 16)
	n, err := cb.Read(buf)
	if err != nil {
		t.Fatalf("failed to read from pipe: %v", err)
	}
	if string(buf[:n]) != "ping\n" {
		t.Fatalf("unexpected pipe payload: %q", buf[:n])
	}
}

func TestDisjointTopicsDoNotConnect(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Node("node-a")
	b, _ := hub.Node("node-b")

	if _, err := a.Join(testTopic(1)); err != nil {
		t.Fatalf("node a failed to join: %v", err)
	}
	if _, err := b.Join(testTopic(2)); err != nil {
		t.Fatalf("node b failed to join: %v", err)
	}

	select {
	case c := <-a.Connections():
		t.Fatalf("unexpected connection from %s", c.RemoteID())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSingleConnectionForMultipleSharedTopics(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Node("node-a")
	b, _ := hub.Node("node-b")

	for _, id := range []topic.ID{testTopic(1), testTopic(2)} {
		if _, err := a.Join(id); err != nil {
			t.Fatalf("node a failed to join: %v", err)
		}
		if _, err := b.Join(id); err != nil {
			t.Fatalf("node b failed to join: %v", err)
		}
	}

	waitConn(t, a)
	select {
	case <-a.Connections():
		t.Fatal("second shared topic created a duplicate connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFlushedResolvesImmediately(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Node("node-a")

	h, err := a.Join(testTopic(1))
	if err != nil {
		t.Fatalf("failed to join: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Flushed(ctx); err != nil {
		t.Fatalf("flushed returned error: %v", err)
	}
}

func TestDestroyStopsNewMatches(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Node("node-a")
	b, _ := hub.Node("node-b")

	h, err := a.Join(testTopic(1))
	if err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	if err := h.Destroy(); err != nil {
		t.Fatalf("failed to destroy handle: %v", err)
	}

	if _, err := b.Join(testTopic(1)); err != nil {
		t.Fatalf("node b failed to join: %v", err)
	}

	select {
	case <-a.Connections():
		t.Fatal("destroyed topic still produced a connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseClosesConnectionsChannel(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Node("node-a")

	if err := a.Close(); err != nil {
		t.Fatalf("failed to close node: %v", err)
	}

	if _, ok := <-a.Connections(); ok {
		t.Fatal("connections channel was not closed")
	}

	// Close is idempotent.
	if err := a.Close(); err != nil {
		t.Fatalf("second close returned error: %v", err)
	}
}

func TestDuplicateNodeIDRejected(t *testing.T) {
	hub := NewHub()
	if _, err := hub.Node("node-a"); err != nil {
		t.Fatalf("failed to attach node: %v", err)
	}
	if _, err := hub.Node("node-a"); err == nil {
		t.Fatal("expected error attaching duplicate node id")
	}
}
