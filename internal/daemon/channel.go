package daemon

import (
	"errors"

	"github.com/lowfreq/squawk/internal/mesh"
	"github.com/lowfreq/squawk/internal/topic"
)

// Errors surfaced to local clients by name. The string form is the
// protocol-visible error code.
var (
	// ErrNotInChannel means the operation named a channel this daemon
	// has not joined.
	ErrNotInChannel = errors.New("NotInChannel")

	// ErrMessageTooLarge means an outgoing payload exceeds the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("MessageTooLarge")

	// ErrShuttingDown means the daemon is tearing down and no longer
	// accepts state changes.
	ErrShuttingDown = errors.New("daemon is shutting down")
)

// Entry is one received channel message as handed to local readers.
type Entry struct {
	From string `json:"from"`
	Data string `json:"data"`
	TS   int64  `json:"ts"`
}

// ChannelStatus is the per-channel slice of a status snapshot.
type ChannelStatus struct {
	Peers    int `json:"peers"`
	Buffered int `json:"buffered"`
}

// channel is one joined channel. All fields are owned by the core
// event loop; nothing outside it may touch them.
//
// Invariant: pending and waiters are never both non-empty. A new entry
// resolves the oldest waiter when one exists and is buffered only
// otherwise.
type channel struct {
	name    string
	topic   topic.ID
	handle  mesh.Handle
	matched map[string]*peer // keyed by mesh identity
	pending []Entry
	waiters []*waiter
}

// popWaiterLocked removes and returns the oldest waiter, or nil.
func (ch *channel) popWaiterLocked() *waiter {
	if len(ch.waiters) == 0 {
		return nil
	}
	w := ch.waiters[0]
	ch.waiters = ch.waiters[1:]
	return w
}

// waiter is a suspended blocking read. The resolution channel is
// buffered so the event loop never blocks handing over the result;
// done is touched only on the loop, which makes "message arrived" vs
// "timed out" an exactly-once race with a no-op loser.
type waiter struct {
	ch   chan []Entry
	done bool
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan []Entry, 1)}
}

// resolveLocked hands entries to the suspended reader. A nil slice
// resolves the waiter with an empty (non-error) result, which is how
// leave and shutdown release readers. No-op if already resolved.
func (w *waiter) resolveLocked(entries []Entry) {
	if w.done {
		return
	}
	w.done = true
	if entries == nil {
		entries = []Entry{}
	}
	w.ch <- entries
}
