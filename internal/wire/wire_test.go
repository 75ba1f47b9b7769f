package wire

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/lowfreq/squawk/internal/topic"
)

func testTopic(b byte) topic.ID {
	var id topic.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestHelloRoundTrip(t *testing.T) {
	topics := []topic.ID{testTopic(1), testTopic(2)}

	line, err := EncodeHello(topics, "inst-a")
	if err != nil {
		t.Fatalf("failed to encode hello: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatal("encoded frame is not newline-terminated")
	}

	rec, err := Decode(bytes.TrimSpace(line))
	if err != nil {
		t.Fatalf("failed to decode hello: %v", err)
	}

	if rec.T != TypeHello {
		t.Fatalf("expected type %q, got %q", TypeHello, rec.T)
	}
	if rec.ID != "inst-a" {
		t.Fatalf("unexpected instance id: %s", rec.ID)
	}
	if len(rec.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(rec.Topics))
	}
	if rec.Topics[0] != topics[0].Hex() {
		t.Fatalf("topic not hex-encoded: %s", rec.Topics[0])
	}
}

func TestMsgRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123)

	line, err := EncodeMsg(testTopic(7), "hi", "inst-b", ts)
	if err != nil {
		t.Fatalf("failed to encode msg: %v", err)
	}

	rec, err := Decode(bytes.TrimSpace(line))
	if err != nil {
		t.Fatalf("failed to decode msg: %v", err)
	}

	if rec.T != TypeMsg {
		t.Fatalf("expected type %q, got %q", TypeMsg, rec.T)
	}
	if rec.Data != "hi" {
		t.Fatalf("unexpected data: %q", rec.Data)
	}
	if rec.TS != 1700000000123 {
		t.Fatalf("unexpected timestamp: %d", rec.TS)
	}
	if rec.Topic != testTopic(7).Hex() {
		t.Fatalf("unexpected topic: %s", rec.Topic)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"not json", "not json at all"},
		{"wrong type", `{"t":"gossip"}`},
		{"missing type", `{"data":"hi"}`},
		{"json array", `[1,2,3]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.line)); err == nil {
				t.Fatalf("expected decode error for %q", tc.line)
			}
		})
	}
}

func TestFramerSplitsAcrossPushes(t *testing.T) {
	f := NewFramer(1024)

	lines, err := f.Push([]byte(`{"t":"hel`))
	if err != nil {
		t.Fatalf("unexpected framer error: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("incomplete line produced %d records", len(lines))
	}

	lines, err = f.Push([]byte("lo\"}\n{\"t\":\"msg\"}\n"))
	if err != nil {
		t.Fatalf("unexpected framer error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if string(lines[0]) != `{"t":"hello"}` {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
}

func TestFramerSkipsBlankLines(t *testing.T) {
	f := NewFramer(1024)

	lines, err := f.Push([]byte("\n  \n{\"t\":\"hello\"}\n\n"))
	if err != nil {
		t.Fatalf("unexpected framer error: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
}

func TestFramerBufferLimit(t *testing.T) {
	f := NewFramer(16)

	// A run of bytes with no newline must trip the limit.
	_, err := f.Push([]byte(strings.Repeat("a", 17)))
	if err != ErrBufferExceeded {
		t.Fatalf("expected ErrBufferExceeded, got %v", err)
	}
}

func TestFramerLimitCountsOnlyResidual(t *testing.T) {
	f := NewFramer(16)

	// Complete lines larger than the limit are fine: the bound applies
	// to unparsed residue, not to total throughput.
	payload := strings.Repeat("b", 10) + "\n" + strings.Repeat("c", 10) + "\n"
	lines, err := f.Push([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected framer error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if f.Buffered() != 0 {
		t.Fatalf("expected empty residual buffer, got %d bytes", f.Buffered())
	}
}
