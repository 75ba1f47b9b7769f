package mesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/lowfreq/squawk/internal/identity"
	"github.com/lowfreq/squawk/internal/topic"
)

const (
	alpnProtocol = "squawk/1"

	dialBackoffMin = time.Second
	dialBackoffMax = 30 * time.Second
)

// QUICConfig configures the QUIC substrate.
type QUICConfig struct {
	// Listen is the UDP address to accept peer connections on. Empty
	// disables the listener; the node only dials.
	Listen string

	// Peers are static addresses dialed at startup. Lost connections
	// are redialed with backoff; each successful redial surfaces as a
	// brand-new connection.
	Peers []string

	// Key is the daemon's identity key. It backs the TLS certificate,
	// so its fingerprint is what remote daemons see as RemoteID.
	Key ed25519.PrivateKey
}

// QUIC is a mesh substrate over QUIC with static peer discovery.
// Topic registrations are tracked to honor the Join contract but play
// no role in connectivity: with a static peer list every configured
// peer is dialed, and topic scoping happens in the daemon's handshake.
type QUIC struct {
	listener *quic.Listener
	conns    chan Conn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	topics map[topic.ID]bool
	closed bool
}

// NewQUIC starts the substrate: binds the listener (if configured) and
// begins dialing the static peers.
func NewQUIC(cfg QUICConfig) (*QUIC, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("mesh identity key is required")
	}

	cert, err := selfSignedCert(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("build mesh certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &QUIC{
		conns:  make(chan Conn, 16),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[topic.ID]bool),
	}

	if cfg.Listen != "" {
		listener, err := quic.ListenAddr(cfg.Listen, serverTLSConfig(cert), nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("mesh listen on %s: %w", cfg.Listen, err)
		}
		q.listener = listener

		q.wg.Add(1)
		go q.acceptLoop()
	}

	clientTLS := clientTLSConfig(cert)
	for _, addr := range cfg.Peers {
		q.wg.Add(1)
		go q.dialLoop(addr, clientTLS)
	}

	return q, nil
}

// Join implements Substrate. With static discovery there is nothing to
// flush: the handle is discoverable immediately.
func (q *QUIC) Join(t topic.ID) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("mesh substrate is closed")
	}
	q.topics[t] = true
	return &quicHandle{q: q, topic: t}, nil
}

// Connections implements Substrate.
func (q *QUIC) Connections() <-chan Conn {
	return q.conns
}

// Close implements Substrate.
func (q *QUIC) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	if q.listener != nil {
		_ = q.listener.Close()
	}
	q.wg.Wait()
	close(q.conns)
	return nil
}

func (q *QUIC) acceptLoop() {
	defer q.wg.Done()

	for {
		conn, err := q.listener.Accept(q.ctx)
		if err != nil {
			return
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()

			// The dialer opens the stream; it becomes visible here
			// once the first bytes (the peer's hello) arrive.
			stream, err := conn.AcceptStream(q.ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "")
				return
			}
			q.deliver(conn, stream)
		}()
	}
}

func (q *QUIC) dialLoop(addr string, tlsConf *tls.Config) {
	defer q.wg.Done()

	var backoff redialBackoff
	for {
		conn, err := quic.DialAddr(q.ctx, addr, tlsConf, nil)
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}
			select {
			case <-time.After(backoff.next()):
				continue
			case <-q.ctx.Done():
				return
			}
		}
		backoff.reset()

		stream, err := conn.OpenStreamSync(q.ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			continue
		}
		q.deliver(conn, stream)

		// Wait for the connection to die, then redial. Reconnection
		// is this layer's concern; the daemon treats each redial as a
		// brand-new peer.
		select {
		case <-conn.Context().Done():
		case <-q.ctx.Done():
			_ = conn.CloseWithError(0, "")
			return
		}
	}
}

func (q *QUIC) deliver(conn *quic.Conn, stream *quic.Stream) {
	remote, err := remoteIdentity(conn)
	if err != nil {
		log.Printf("mesh: rejecting connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.CloseWithError(0, "no identity")
		return
	}

	c := &streamConn{conn: conn, stream: stream, remote: remote}
	select {
	case q.conns <- c:
	case <-q.ctx.Done():
		_ = c.Close()
	}
}

// remoteIdentity extracts the stable identity of the remote daemon
// from its TLS certificate key.
func remoteIdentity(conn *quic.Conn) (string, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return "", fmt.Errorf("peer presented no certificate")
	}
	pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("peer certificate key is not Ed25519 (got %T)", certs[0].PublicKey)
	}
	return identity.Fingerprint(pub), nil
}

// redialBackoff yields the waits between redial attempts: the minimum
// first, doubling up to the cap. The zero value is ready to use.
type redialBackoff struct {
	d time.Duration
}

func (b *redialBackoff) next() time.Duration {
	if b.d == 0 {
		b.d = dialBackoffMin
	}
	cur := b.d
	b.d = min(b.d*2, dialBackoffMax)
	return cur
}

func (b *redialBackoff) reset() {
	b.d = 0
}

type quicHandle struct {
	q     *QUIC
	topic topic.ID
}

func (h *quicHandle) Flushed(ctx context.Context) error {
	return ctx.Err()
}

func (h *quicHandle) Destroy() error {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	delete(h.q.topics, h.topic)
	return nil
}

// streamConn adapts one QUIC connection carrying a single
// bidirectional stream to the Conn contract.
type streamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	remote string
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *streamConn) RemoteID() string            { return c.remote }

func (c *streamConn) Close() error {
	return c.conn.CloseWithError(0, "")
}

// selfSignedCert wraps the daemon's identity key in a self-signed
// certificate. Peers authenticate the key, not the certificate chain.
func selfSignedCert(key ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpnProtocol},
	}
}

func clientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Peer certificates are self-signed key carriers; the key
		// fingerprint is the identity, there is no chain to verify.
		InsecureSkipVerify: true, //nolint:gosec // G402 - identity is the certificate key itself
		NextProtos:         []string{alpnProtocol},
	}
}
