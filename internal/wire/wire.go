// Package wire implements the peer wire protocol: newline-delimited
// JSON records exchanged between daemons over mesh connections.
//
// Two record types exist. A hello announces every topic the sender has
// joined plus its instance identifier; it is sent on connect and
// re-sent whenever the sender joins a new channel. A msg carries one
// channel message tagged with the channel's topic.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lowfreq/squawk/internal/topic"
)

// Record types carried in the "t" field.
const (
	TypeHello = "hello"
	TypeMsg   = "msg"
)

// ErrBufferExceeded is returned by Framer.Push when a peer accumulates
// more unparsed bytes than the configured bound. Callers treat this as
// abusive input and terminate the connection; it is distinct from a
// single oversized record, which is dropped while the connection stays
// open.
var ErrBufferExceeded = errors.New("peer inbound buffer limit exceeded")

// Record is a single wire frame. Hello records populate Topics; msg
// records populate Topic, Data and TS. ID carries the sender's
// instance identifier in both cases.
type Record struct {
	T      string   `json:"t"`
	Topics []string `json:"topics,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	Data   string   `json:"data,omitempty"`
	ID     string   `json:"id,omitempty"`
	TS     int64    `json:"ts,omitempty"`
}

// EncodeHello builds a newline-terminated hello frame announcing the
// given topics.
func EncodeHello(topics []topic.ID, instanceID string) ([]byte, error) {
	hexTopics := make([]string, 0, len(topics))
	for _, t := range topics {
		hexTopics = append(hexTopics, t.Hex())
	}
	return encode(Record{T: TypeHello, Topics: hexTopics, ID: instanceID})
}

// EncodeMsg builds a newline-terminated msg frame for one channel
// message. The timestamp is epoch milliseconds.
func EncodeMsg(t topic.ID, data, instanceID string, ts time.Time) ([]byte, error) {
	return encode(Record{T: TypeMsg, Topic: t.Hex(), Data: data, ID: instanceID, TS: ts.UnixMilli()})
}

func encode(r Record) ([]byte, error) {
	line, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", r.T, err)
	}
	return append(line, '\n'), nil
}

// Decode parses one wire line into a Record. The caller is expected to
// drop records that fail to decode rather than sever the connection.
func Decode(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("decode frame: %w", err)
	}
	switch r.T {
	case TypeHello, TypeMsg:
		return r, nil
	default:
		return Record{}, fmt.Errorf("unknown frame type %q", r.T)
	}
}

// Framer accumulates stream bytes and splits them into complete
// newline-delimited lines. Each Framer is owned by exactly one reader
// goroutine, so it needs no locking.
type Framer struct {
	buf   []byte
	limit int
}

// NewFramer creates a Framer that tolerates at most limit unparsed
// bytes between newlines.
func NewFramer(limit int) *Framer {
	return &Framer{limit: limit}
}

// Push appends stream bytes and returns every complete line found,
// without the trailing newline. Blank lines are skipped. When the
// residual (incomplete) line grows past the limit, Push returns
// ErrBufferExceeded; the Framer is unusable afterwards.
func (f *Framer) Push(p []byte) ([][]byte, error) {
	f.buf = append(f.buf, p...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		// Copy out: the backing array is about to be reused.
		out := make([]byte, len(trimmed))
		copy(out, trimmed)
		lines = append(lines, out)
	}

	if len(f.buf) > f.limit {
		return lines, ErrBufferExceeded
	}
	return lines, nil
}

// Buffered returns the number of unparsed bytes currently held.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
