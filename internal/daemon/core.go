package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lowfreq/squawk/internal/jsonl"
	"github.com/lowfreq/squawk/internal/mesh"
	"github.com/lowfreq/squawk/internal/topic"
	"github.com/lowfreq/squawk/internal/wire"
)

// Notifier observes every inbound channel message, whether it resolved
// a waiter or was buffered. Implementations must not block: the call
// happens on the core event loop.
type Notifier interface {
	MessageReceived(channel, from, data string, ts int64)
}

// CoreConfig assembles a Core. Mesh is required; everything else has a
// usable zero value.
type CoreConfig struct {
	// InstanceID labels outgoing entries and hello announcements.
	// Generated (ULID) when empty.
	InstanceID string

	Mesh mesh.Substrate

	// MaxMessageSize bounds one message payload; MaxPeerBuffer bounds
	// a peer's unparsed inbound bytes.
	MaxMessageSize int
	MaxPeerBuffer  int

	// Activity, when set, receives the structured activity log.
	Activity *jsonl.Writer

	// Notifier, when set, observes inbound messages (the websocket
	// event stream).
	Notifier Notifier
}

// Core owns the channel and peer registries. Every state transition is
// serialized onto one event loop goroutine, so the registries need no
// locks; suspension (join flush, blocking read) happens off the loop.
type Core struct {
	instanceID string
	mesh       mesh.Substrate
	maxMessage int
	maxBuffer  int
	activity   *jsonl.Writer
	notifier   Notifier

	cmds chan func()
	quit chan struct{} // closed by Shutdown; stops the loop
	done chan struct{} // closed when the loop has exited
	wg   sync.WaitGroup

	stopOnce sync.Once

	// Loop-owned state. Never touched off the loop.
	channels map[string]*channel
	topics   map[topic.ID]*channel
	joining  map[string]*joinState
	peers    map[string]*peer
	stopping bool
}

// joinState coordinates concurrent joins of the same channel name: the
// first caller drives the mesh registration, later callers wait on it.
type joinState struct {
	done chan struct{}
	err  error
}

// NewCore creates a Core. Call Start before use and Shutdown when done.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Mesh == nil {
		return nil, fmt.Errorf("mesh substrate is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = ulid.Make().String()
	}
	if cfg.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("max message size must be positive, got %d", cfg.MaxMessageSize)
	}
	if cfg.MaxPeerBuffer < cfg.MaxMessageSize {
		return nil, fmt.Errorf("peer buffer (%d) must be at least max message size (%d)",
			cfg.MaxPeerBuffer, cfg.MaxMessageSize)
	}

	return &Core{
		instanceID: cfg.InstanceID,
		mesh:       cfg.Mesh,
		maxMessage: cfg.MaxMessageSize,
		maxBuffer:  cfg.MaxPeerBuffer,
		activity:   cfg.Activity,
		notifier:   cfg.Notifier,
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		channels:   make(map[string]*channel),
		topics:     make(map[topic.ID]*channel),
		joining:    make(map[string]*joinState),
		peers:      make(map[string]*peer),
	}, nil
}

// InstanceID returns the daemon's instance identifier.
func (c *Core) InstanceID() string { return c.instanceID }

// MaxMessageSize returns the configured payload bound.
func (c *Core) MaxMessageSize() int { return c.maxMessage }

// Start launches the event loop and begins consuming mesh connections.
func (c *Core) Start() {
	go c.run()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for conn := range c.mesh.Connections() {
			c.addPeer(conn)
		}
	}()
}

// Shutdown releases every joined topic, resolves outstanding waiters
// with an empty result, closes all peer connections and stops the
// loop. Idempotent and safe to call from an in-flight request.
func (c *Core) Shutdown() {
	c.stopOnce.Do(func() {
		_ = c.exec(func() { c.teardownLocked() })
		_ = c.mesh.Close()
		close(c.quit)
		c.wg.Wait()
		<-c.done
	})
}

// run is the event loop: the single writer for all registry state.
func (c *Core) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.quit:
			// Run anything already queued, then exit.
			for {
				select {
				case fn := <-c.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// exec runs fn on the event loop and waits for it to finish. Functions
// already handed to the loop are guaranteed to run even if shutdown
// starts meanwhile.
func (c *Core) exec(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
		<-finished
		return nil
	case <-c.quit:
		return ErrShuttingDown
	}
}

// teardownLocked is the loop-side half of Shutdown.
func (c *Core) teardownLocked() {
	c.stopping = true

	for name, ch := range c.channels {
		for _, w := range ch.waiters {
			w.resolveLocked(nil)
		}
		ch.waiters = nil
		if ch.handle != nil {
			_ = ch.handle.Destroy()
		}
		delete(c.channels, name)
		delete(c.topics, ch.topic)
	}

	for _, p := range c.peers {
		c.removePeerLocked(p, "shutdown")
	}
}

// Join derives the channel's topic, registers it with the mesh, waits
// for the registration to flush, then creates the channel entry and
// re-announces to every connected peer. Joining an already-joined name
// is a no-op.
func (c *Core) Join(ctx context.Context, name, secret string) error {
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	// Cheap membership probe before paying for derivation.
	var joined bool
	if err := c.exec(func() { _, joined = c.channels[name] }); err != nil {
		return err
	}
	if joined {
		return nil
	}

	t := topic.Derive(name, secret)

	var js *joinState
	starter := false
	err := c.exec(func() {
		if _, ok := c.channels[name]; ok {
			joined = true
			return
		}
		if existing, ok := c.joining[name]; ok {
			js = existing
			return
		}
		js = &joinState{done: make(chan struct{})}
		c.joining[name] = js
		starter = true
	})
	if err != nil {
		return err
	}
	if joined {
		return nil
	}
	if !starter {
		// Another request is already driving this join; share its fate.
		select {
		case <-js.done:
			return js.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	handle, joinErr := c.mesh.Join(t)
	if joinErr == nil {
		if joinErr = handle.Flushed(ctx); joinErr != nil {
			_ = handle.Destroy()
		}
	}

	execErr := c.exec(func() {
		delete(c.joining, name)
		if joinErr != nil {
			js.err = joinErr
			return
		}

		ch := &channel{
			name:    name,
			topic:   t,
			handle:  handle,
			matched: make(map[string]*peer),
		}
		c.channels[name] = ch
		c.topics[t] = ch

		// Peers whose hello predates this join announced the topic
		// already; match them now instead of waiting for their next
		// hello.
		for _, p := range c.peers {
			if p.known[t] {
				c.matchLocked(ch, p)
			}
		}
		// Re-announce so the remote side of every open connection can
		// match us without a fresh handshake.
		for _, p := range c.peers {
			c.sendHelloLocked(p)
		}

		c.logActivity("channel_joined", map[string]any{"channel": name, "topic": t.String()})
	})
	if execErr != nil {
		js.err = execErr
		close(js.done)
		if joinErr == nil && handle != nil {
			_ = handle.Destroy()
		}
		return execErr
	}

	close(js.done)
	return joinErr
}

// Leave releases the channel's mesh registration and removes it from
// the registry. Outstanding waiters resolve with an empty result so no
// reader is left suspended.
func (c *Core) Leave(name string) error {
	var handle mesh.Handle
	var out error
	err := c.exec(func() {
		ch := c.channels[name]
		if ch == nil {
			out = ErrNotInChannel
			return
		}

		for _, w := range ch.waiters {
			w.resolveLocked(nil)
		}
		ch.waiters = nil

		for _, p := range ch.matched {
			delete(p.matched, name)
		}

		delete(c.channels, name)
		delete(c.topics, ch.topic)
		handle = ch.handle

		// Re-announce the shrunken topic set so remote sides unmatch
		// instead of writing into a void.
		for _, p := range c.peers {
			c.sendHelloLocked(p)
		}

		c.logActivity("channel_left", map[string]any{"channel": name})
	})
	if err != nil {
		return err
	}
	if out != nil {
		return out
	}
	if handle != nil {
		_ = handle.Destroy()
	}
	return nil
}

// Status returns a snapshot of the channel registry. No side effects.
func (c *Core) Status() (map[string]ChannelStatus, error) {
	out := make(map[string]ChannelStatus)
	err := c.exec(func() {
		for name, ch := range c.channels {
			out[name] = ChannelStatus{Peers: len(ch.matched), Buffered: len(ch.pending)}
		}
	})
	return out, err
}

// PeerCount returns the number of live mesh connections.
func (c *Core) PeerCount() (int, error) {
	var n int
	err := c.exec(func() { n = len(c.peers) })
	return n, err
}

// Read returns the channel's buffered entries, draining them. With
// wait set and nothing buffered, it suspends until a message arrives
// (resolving with that single entry) or the timeout elapses (resolving
// with an empty list — not an error). Exactly one of the message and
// the timer wins; the loser is a no-op.
func (c *Core) Read(ctx context.Context, name string, wait bool, timeout time.Duration) ([]Entry, error) {
	var res []Entry
	var w *waiter
	var out error
	err := c.exec(func() {
		ch := c.channels[name]
		if ch == nil {
			out = ErrNotInChannel
			return
		}
		if len(ch.pending) > 0 || !wait {
			res = ch.pending
			ch.pending = nil
			return
		}
		w = newWaiter()
		ch.waiters = append(ch.waiters, w)
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		return nil, out
	}
	if w == nil {
		if res == nil {
			res = []Entry{}
		}
		return res, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entries := <-w.ch:
		return entries, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out or canceled. The loop is the arbiter: withdraw the
	// waiter there, and if a message won the race in the meantime the
	// result is already sitting in the channel.
	_ = c.exec(func() { c.cancelWaiterLocked(name, w) })

	select {
	case entries := <-w.ch:
		return entries, nil
	default:
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return []Entry{}, nil
}

// cancelWaiterLocked withdraws a waiter that lost the race. No-op when
// the waiter was already resolved by a message, a leave, or shutdown.
func (c *Core) cancelWaiterLocked(name string, w *waiter) {
	if w.done {
		return
	}
	w.done = true

	ch := c.channels[name]
	if ch == nil {
		return
	}
	for i, queued := range ch.waiters {
		if queued == w {
			ch.waiters = append(ch.waiters[:i], ch.waiters[i+1:]...)
			return
		}
	}
}

// addPeer registers a fresh mesh connection and starts its reader and
// writer goroutines. A second connection with the same identity
// replaces the first.
func (c *Core) addPeer(conn mesh.Conn) {
	err := c.exec(func() {
		if c.stopping {
			_ = conn.Close()
			return
		}

		id := conn.RemoteID()
		if old := c.peers[id]; old != nil {
			c.removePeerLocked(old, "replaced")
		}

		p := newPeer(conn, c.maxBuffer)
		c.peers[id] = p

		c.wg.Add(2)
		go c.peerWriter(p)
		go c.peerReader(p)

		c.sendHelloLocked(p)
		c.logActivity("peer_connected", map[string]any{"peer": id})
	})
	if err != nil {
		// The loop is gone; nobody else will ever close this conn.
		_ = conn.Close()
	}
}

// removePeerLocked tears a peer down: closes the connection, stops the
// writer and unlinks the peer from every matched channel. Idempotent.
func (c *Core) removePeerLocked(p *peer, reason string) {
	if p.removed {
		return
	}
	p.removed = true

	if c.peers[p.id] == p {
		delete(c.peers, p.id)
	}
	for name := range p.matched {
		if ch := c.channels[name]; ch != nil {
			delete(ch.matched, p.id)
		}
	}

	_ = p.conn.Close()
	close(p.out)

	c.logActivity("peer_closed", map[string]any{"peer": p.id, "reason": reason})
}

// peerWriter drains the peer's outbound queue onto the connection.
func (c *Core) peerWriter(p *peer) {
	defer c.wg.Done()

	failed := false
	for line := range p.out {
		if failed {
			continue
		}
		if _, err := p.conn.Write(line); err != nil {
			// The reader observes the closed connection and drives
			// the actual teardown.
			failed = true
			_ = p.conn.Close()
		}
	}
}

// peerReader consumes the connection, frames records and hands them to
// the loop. Malformed or oversized records are dropped; overflowing
// the frame buffer terminates the connection.
func (c *Core) peerReader(p *peer) {
	defer c.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, readErr := p.conn.Read(buf)
		if n > 0 {
			lines, frameErr := p.framer.Push(buf[:n])
			for _, line := range lines {
				rec, err := wire.Decode(line)
				if err != nil {
					// Semi-trusted peer, recoverable garbage: drop
					// the record, keep the connection.
					continue
				}
				if rec.T == wire.TypeMsg && len(rec.Data) > c.maxMessage {
					c.logActivity("message_dropped", map[string]any{
						"peer": p.id, "reason": "oversized", "size": len(rec.Data),
					})
					continue
				}
				if err := c.exec(func() { c.handleRecordLocked(p, rec) }); err != nil {
					return
				}
			}
			if frameErr != nil {
				// Sustained overflow is abuse; sever this connection
				// without touching other peers.
				c.logActivity("peer_terminated", map[string]any{"peer": p.id, "reason": "buffer_exceeded"})
				_ = c.exec(func() { c.removePeerLocked(p, "buffer_exceeded") })
				return
			}
		}
		if readErr != nil {
			_ = c.exec(func() { c.removePeerLocked(p, "closed") })
			return
		}
	}
}

// handleRecordLocked dispatches one parsed wire record.
func (c *Core) handleRecordLocked(p *peer, rec wire.Record) {
	if p.removed {
		return
	}
	switch rec.T {
	case wire.TypeHello:
		c.handleHelloLocked(p, rec)
	case wire.TypeMsg:
		c.routeInboundLocked(rec)
	}
}

// handleHelloLocked replaces the peer's known topics with the
// announcement and reconciles matches in both directions. Matching is
// commutative: it does not matter which side joined or connected
// first, whichever hello lands last completes the match.
func (c *Core) handleHelloLocked(p *peer, rec wire.Record) {
	p.instance = rec.ID

	known := make(map[topic.ID]bool, len(rec.Topics))
	for _, h := range rec.Topics {
		t, err := topic.ParseHex(h)
		if err != nil {
			continue // tolerate junk entries, keep the rest
		}
		known[t] = true
	}
	p.known = known

	for name, ch := range c.channels {
		switch {
		case known[ch.topic]:
			c.matchLocked(ch, p)
		case p.matched[name] != nil:
			// The topic vanished from the announcement: unmatch.
			delete(p.matched, name)
			delete(ch.matched, p.id)
		}
	}
}

// matchLocked records that a peer holds a channel's topic, on both
// sides of the relationship.
func (c *Core) matchLocked(ch *channel, p *peer) {
	if _, ok := ch.matched[p.id]; ok {
		return
	}
	ch.matched[p.id] = p
	p.matched[ch.name] = ch
}

// sendHelloLocked queues a hello frame announcing all joined topics.
func (c *Core) sendHelloLocked(p *peer) {
	topics := make([]topic.ID, 0, len(c.channels))
	for _, ch := range c.channels {
		topics = append(topics, ch.topic)
	}

	line, err := wire.EncodeHello(topics, c.instanceID)
	if err != nil {
		log.Printf("daemon: encode hello for peer %s: %v", p.id, err)
		return
	}
	p.enqueueLocked(line)
}

// logActivity appends a structured record to the activity log.
// Best-effort: a logging failure never affects message flow.
func (c *Core) logActivity(event string, fields map[string]any) {
	if c.activity == nil {
		return
	}
	if err := c.activity.Log(event, fields); err != nil {
		log.Printf("daemon: activity log: %v", err)
	}
}
