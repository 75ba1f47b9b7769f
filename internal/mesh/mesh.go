// Package mesh defines the substrate contract the daemon depends on
// for peer discovery and transport, plus two implementations: an
// in-process hub for tests and the self-test, and a QUIC transport
// with static bootstrap peers.
//
// The substrate's job ends at delivering encrypted, authenticated byte
// streams with a stable remote identity. Topic matching, framing and
// message semantics all live above it in the daemon.
package mesh

import (
	"context"
	"io"

	"github.com/lowfreq/squawk/internal/topic"
)

// Conn is one authenticated byte stream to a remote daemon.
type Conn interface {
	io.ReadWriteCloser

	// RemoteID is the stable identity of the remote daemon. Two
	// connections from the same daemon report the same RemoteID.
	RemoteID() string
}

// Handle represents an active topic registration.
type Handle interface {
	// Flushed blocks until the registration is discoverable by other
	// nodes, or the context is done.
	Flushed(ctx context.Context) error

	// Destroy releases the registration. Idempotent.
	Destroy() error
}

// Substrate establishes connections between daemons that have
// announced interest in the same topic.
type Substrate interface {
	// Join announces interest in a topic and returns a Handle for the
	// registration.
	Join(t topic.ID) (Handle, error)

	// Connections delivers every new peer connection, inbound or
	// outbound. The channel is closed when the substrate shuts down.
	Connections() <-chan Conn

	// Close tears down all registrations and connections.
	Close() error
}
