package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Response is the decoded form of one control reply. Fields beyond OK
// and Error are populated per action.
type Response struct {
	OK        bool                     `json:"ok"`
	Error     string                   `json:"error,omitempty"`
	Channel   string                   `json:"channel,omitempty"`
	Delivered int                      `json:"delivered,omitempty"`
	Messages  []Entry                  `json:"messages,omitempty"`
	ID        string                   `json:"id,omitempty"`
	Peers     int                      `json:"peers,omitempty"`
	Channels  map[string]ChannelStatus `json:"channels,omitempty"`
}

// Client talks the control protocol over the daemon's unix socket. One
// client holds one connection; requests on it are sequential.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewClient connects to a running daemon's control socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and decodes its reply. An {ok:false} reply is
// returned alongside a non-nil error carrying the protocol error code.
func (c *Client) Do(req Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

// Join joins a channel, creating it on first use of the name+secret.
func (c *Client) Join(channel, secret string) error {
	_, err := c.Do(Request{Action: "join", Channel: channel, Secret: secret})
	return err
}

// Send publishes a message and reports how many peers it was written to.
func (c *Client) Send(channel, message string) (int, error) {
	resp, err := c.Do(Request{Action: "send", Channel: channel, Message: message})
	if err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

// Read drains buffered messages; with wait set it blocks up to timeout
// seconds for the next one. timeout <= 0 uses the daemon default.
func (c *Client) Read(channel string, wait bool, timeout float64) ([]Entry, error) {
	resp, err := c.Do(Request{Action: "read", Channel: channel, Wait: wait, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		return []Entry{}, nil
	}
	return resp.Messages, nil
}

// Leave drops channel membership and discards its buffered messages.
func (c *Client) Leave(channel string) error {
	_, err := c.Do(Request{Action: "leave", Channel: channel})
	return err
}

// Status reports the instance id, peer count and per-channel state.
func (c *Client) Status() (*Response, error) {
	return c.Do(Request{Action: "status"})
}

// Ping checks that the daemon is answering.
func (c *Client) Ping() error {
	_, err := c.Do(Request{Action: "ping"})
	return err
}

// Stop asks the daemon to shut down. The acknowledgement arrives before
// teardown begins.
func (c *Client) Stop() error {
	_, err := c.Do(Request{Action: "stop"})
	return err
}

// WaitForSocket polls until the control socket answers a ping or the
// timeout elapses. Used after spawning a daemon in the background.
func WaitForSocket(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			client, err := NewClient(socketPath)
			if err == nil {
				pingErr := client.Ping()
				_ = client.Close()
				if pingErr == nil {
					return nil
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up within %s", timeout)
}
