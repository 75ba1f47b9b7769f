package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Request is one local control record: an action plus its parameters.
type Request struct {
	Action  string  `json:"action"`
	Channel string  `json:"channel,omitempty"`
	Secret  string  `json:"secret,omitempty"`
	Message string  `json:"message,omitempty"`
	Wait    bool    `json:"wait,omitempty"`
	Timeout float64 `json:"timeout,omitempty"` // seconds
}

// ServerConfig assembles the control server.
type ServerConfig struct {
	SocketPath string
	Core       *Core

	// MaxRequestBytes bounds one request line. Larger than the peer
	// limits: local clients are trusted further than the mesh.
	MaxRequestBytes int

	// ReadTimeout is the default for blocking reads when the client
	// does not supply one.
	ReadTimeout time.Duration

	// OnStop is invoked after acknowledging a stop action.
	OnStop func()
}

// Server accepts local connections on a unix socket and dispatches the
// newline-delimited control protocol. Requests on one connection are
// handled in order; a blocking read suspends only its own connection.
type Server struct {
	socketPath  string
	core        *Core
	maxRequest  int
	readTimeout time.Duration
	onStop      func()

	listener net.Listener
	mu       sync.RWMutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a control server around a Core.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		socketPath:  cfg.SocketPath,
		core:        cfg.Core,
		maxRequest:  cfg.MaxRequestBytes,
		readTimeout: cfg.ReadTimeout,
		onStop:      cfg.OnStop,
	}
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener, waits briefly for in-flight connections
// and removes the socket path.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("close listener: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		// Connections blocked in long reads are released by the core
		// teardown that follows; don't hold shutdown hostage here.
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove control socket: %w", err)
	}
	return nil
}

// removeStaleSocket clears a socket path left behind by an uncleanly
// terminated run. A socket that still accepts connections means a live
// daemon, which is a startup error, not staleness.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("control socket %s is in use by another daemon", s.socketPath)
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown {
				return
			}
			fmt.Fprintf(os.Stderr, "control accept error: %v\n", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	writer := bufio.NewWriter(conn)
	scanner := bufio.NewScanner(conn)
	// The initial buffer must not exceed the cap: the scanner reports
	// ErrTooLong only once its buffer is full.
	initial := 64 * 1024
	if s.maxRequest < initial {
		initial = s.maxRequest
	}
	scanner.Buffer(make([]byte, initial), s.maxRequest)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		resp, stop := s.dispatch(ctx, line)
		if err := writeResponse(writer, resp); err != nil {
			return
		}
		if stop && s.onStop != nil {
			// Acknowledged above; now take the daemon down.
			s.onStop()
			return
		}
	}

	if err := scanner.Err(); errors.Is(err, bufio.ErrTooLong) {
		// Oversized request: reject and sever this connection.
		_ = writeResponse(writer, errorResponse("Request too large"))
	}
}

// dispatch runs one request and builds its reply. Failures of any kind
// become an {ok:false} reply; they never terminate the connection.
func (s *Server) dispatch(ctx context.Context, line []byte) (resp map[string]any, stop bool) {
	defer func() {
		if r := recover(); r != nil {
			resp = errorResponse(fmt.Sprintf("internal error: %v", r))
		}
	}()

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(fmt.Sprintf("invalid request: %v", err)), false
	}

	switch req.Action {
	case "join":
		if req.Channel == "" {
			return errorResponse("channel is required"), false
		}
		if err := s.core.Join(ctx, req.Channel, req.Secret); err != nil {
			return errorResponse(err.Error()), false
		}
		return map[string]any{"ok": true, "channel": req.Channel}, false

	case "send":
		delivered, err := s.core.Send(req.Channel, req.Message)
		if err != nil {
			return errorResponse(err.Error()), false
		}
		return map[string]any{"ok": true, "delivered": delivered}, false

	case "read":
		timeout := s.readTimeout
		if req.Timeout > 0 {
			timeout = time.Duration(req.Timeout * float64(time.Second))
		}
		entries, err := s.core.Read(ctx, req.Channel, req.Wait, timeout)
		if err != nil {
			return errorResponse(err.Error()), false
		}
		if entries == nil {
			entries = []Entry{}
		}
		return map[string]any{"ok": true, "messages": entries}, false

	case "leave":
		if err := s.core.Leave(req.Channel); err != nil {
			return errorResponse(err.Error()), false
		}
		return map[string]any{"ok": true}, false

	case "status":
		channels, err := s.core.Status()
		if err != nil {
			return errorResponse(err.Error()), false
		}
		peers, err := s.core.PeerCount()
		if err != nil {
			return errorResponse(err.Error()), false
		}
		return map[string]any{"ok": true, "id": s.core.InstanceID(), "peers": peers, "channels": channels}, false

	case "ping":
		return map[string]any{"ok": true}, false

	case "stop":
		return map[string]any{"ok": true}, true

	default:
		return errorResponse(fmt.Sprintf("UnknownAction: %s", req.Action)), false
	}
}

func errorResponse(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

func writeResponse(writer *bufio.Writer, resp map[string]any) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}
