package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/lowfreq/squawk/internal/topic"
)

// Hub is an in-process mesh: nodes attached to the same hub are
// connected with synchronous pipes as soon as they share a topic.
// It backs the self-test and the multi-daemon tests.
type Hub struct {
	mu    sync.Mutex
	nodes map[string]*MemoryNode
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*MemoryNode)}
}

// Node attaches a new substrate node with the given identity to the
// hub. The identity is what peers of this node observe as RemoteID.
func (h *Hub) Node(id string) (*MemoryNode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[id]; ok {
		return nil, fmt.Errorf("node %q already attached to hub", id)
	}

	n := &MemoryNode{
		hub:    h,
		id:     id,
		topics: make(map[topic.ID]bool),
		linked: make(map[string]bool),
		conns:  make(chan Conn, 16),
		done:   make(chan struct{}),
	}
	h.nodes[id] = n
	return n, nil
}

// matchLocked connects n to every other live node sharing at least one
// topic. Caller holds h.mu.
func (h *Hub) matchLocked(n *MemoryNode) {
	for _, other := range h.nodes {
		if other == n || other.closed || n.linked[other.id] {
			continue
		}
		if !sharesTopicLocked(n, other) {
			continue
		}

		a, b := net.Pipe()
		n.linked[other.id] = true
		other.linked[n.id] = true
		n.deliver(&pipeConn{Conn: a, remote: other.id})
		other.deliver(&pipeConn{Conn: b, remote: n.id})
	}
}

func sharesTopicLocked(a, b *MemoryNode) bool {
	for t := range a.topics {
		if b.topics[t] {
			return true
		}
	}
	return false
}

// MemoryNode is one daemon's view of the hub. Implements Substrate.
type MemoryNode struct {
	hub    *Hub
	id     string
	topics map[topic.ID]bool
	linked map[string]bool
	conns  chan Conn
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Join announces a topic and synchronously connects the node to any
// other node already holding it.
func (n *MemoryNode) Join(t topic.ID) (Handle, error) {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()

	if n.closed {
		return nil, fmt.Errorf("node %q is closed", n.id)
	}

	n.topics[t] = true
	n.hub.matchLocked(n)
	return &memoryHandle{node: n, topic: t}, nil
}

// Connections implements Substrate.
func (n *MemoryNode) Connections() <-chan Conn {
	return n.conns
}

// Close detaches the node. Already-established pipes stay open; each
// side observes the close when its peer entry is torn down.
func (n *MemoryNode) Close() error {
	n.hub.mu.Lock()
	if n.closed {
		n.hub.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.done)
	delete(n.hub.nodes, n.id)
	n.hub.mu.Unlock()

	// Wait for in-flight deliveries before closing the channel.
	n.wg.Wait()
	close(n.conns)
	return nil
}

// deliver hands a connection to the node's consumer without holding
// up hub matching; a connection landing after Close is discarded.
func (n *MemoryNode) deliver(c Conn) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case n.conns <- c:
		case <-n.done:
			_ = c.Close()
		}
	}()
}

type memoryHandle struct {
	node  *MemoryNode
	topic topic.ID
}

// Flushed implements Handle. Hub matching is synchronous, so the
// registration is discoverable as soon as Join returns.
func (h *memoryHandle) Flushed(ctx context.Context) error {
	return ctx.Err()
}

// Destroy implements Handle.
func (h *memoryHandle) Destroy() error {
	h.node.hub.mu.Lock()
	defer h.node.hub.mu.Unlock()
	delete(h.node.topics, h.topic)
	return nil
}

type pipeConn struct {
	net.Conn
	remote string
}

func (c *pipeConn) RemoteID() string { return c.remote }
