package daemon

import (
	"github.com/lowfreq/squawk/internal/mesh"
	"github.com/lowfreq/squawk/internal/topic"
	"github.com/lowfreq/squawk/internal/wire"
)

// outboundQueueLen bounds frames queued for one peer. A peer that
// cannot drain its queue is simply skipped by fan-out; it is not
// counted as written to.
const outboundQueueLen = 64

// peer is one live mesh connection. The maps are owned by the core
// event loop; conn writes happen only on the peer's writer goroutine,
// conn reads only on its reader goroutine.
type peer struct {
	id       string // stable mesh identity
	instance string // remote instance id, from its last hello
	conn     mesh.Conn

	known   map[topic.ID]bool   // topics from the last hello
	matched map[string]*channel // keyed by channel name

	framer  *wire.Framer
	out     chan []byte
	removed bool
}

func newPeer(conn mesh.Conn, bufferLimit int) *peer {
	return &peer{
		id:      conn.RemoteID(),
		conn:    conn,
		known:   make(map[topic.ID]bool),
		matched: make(map[string]*channel),
		framer:  wire.NewFramer(bufferLimit),
		out:     make(chan []byte, outboundQueueLen),
	}
}

// enqueueLocked queues a frame for the writer goroutine. Returns false
// when the peer is going away or its queue is full; the caller treats
// that as "not writable".
func (p *peer) enqueueLocked(line []byte) bool {
	if p.removed {
		return false
	}
	select {
	case p.out <- line:
		return true
	default:
		return false
	}
}
