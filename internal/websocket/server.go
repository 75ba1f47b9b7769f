// Package websocket streams channel activity to local observers. The
// daemon pushes every inbound message here; clients subscribe to the
// channels they care about over a plain websocket.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one streamed message notification.
type Event struct {
	Channel string `json:"channel"`
	From    string `json:"from"`
	Data    string `json:"data"`
	TS      int64  `json:"ts"`
}

// control is what a client may send: channel subscription changes.
type control struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// sendQueueLen bounds events queued per client. A client that cannot
// keep up loses events rather than stalling the daemon.
const sendQueueLen = 64

// Server is the websocket event stream. It implements the daemon's
// Notifier interface; MessageReceived never blocks.
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*client]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool // empty means every channel
}

// NewServer creates an event stream server. Addr is "host:port";
// port 0 picks a free one, reported by Port after Start.
func NewServer(addr string) *Server {
	s := &Server{
		addr:    addr,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// Local-only listener; the origin header carries no signal.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and begins serving upgrades.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server is shutting down")
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen for event stream: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "event stream server error: %v\n", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown event stream server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// MessageReceived fans one event out to every interested client. Called
// on the daemon's event loop: the per-client queue is the only place
// this can stall, and a full queue drops instead.
func (s *Server) MessageReceived(channel, from, data string, ts int64) {
	payload, err := json.Marshal(Event{Channel: channel, From: from, Data: data, TS: ts})
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if !c.wants(channel) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow client; this event is lost to it.
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hold the lock across the shutdown check and wg.Add so Stop cannot
	// slip its wg.Wait in between.
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		fmt.Fprintf(os.Stderr, "websocket upgrade error: %v\n", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendQueueLen),
		subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.handleClient(c)
}

func (s *Server) handleClient(c *client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	done := make(chan struct{})
	go c.writeLoop(done)
	defer close(done)

	// Read loop: subscription changes only. Anything else is ignored.
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl control
		if err := json.Unmarshal(data, &ctl); err != nil {
			continue
		}
		c.mu.Lock()
		if ctl.Subscribe != "" {
			c.subs[ctl.Subscribe] = true
		}
		if ctl.Unsubscribe != "" {
			delete(c.subs, ctl.Unsubscribe)
		}
		c.mu.Unlock()
	}
}

// wants reports whether the client should see events for a channel.
// A client with no subscriptions sees everything.
func (c *client) wants(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[channel]
}

func (c *client) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
