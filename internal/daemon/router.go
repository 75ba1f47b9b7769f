package daemon

import (
	"time"

	"github.com/lowfreq/squawk/internal/topic"
	"github.com/lowfreq/squawk/internal/wire"
)

// Send fans a locally originated message out to every peer currently
// matched to the channel and returns how many were written to. Zero is
// a valid result: the channel is joined but no peer has been
// discovered yet. A payload over the limit is rejected before the
// membership check so oversized requests fail cheaply.
func (c *Core) Send(name, data string) (int, error) {
	if len(data) > c.maxMessage {
		return 0, ErrMessageTooLarge
	}

	var delivered int
	var out error
	err := c.exec(func() {
		ch := c.channels[name]
		if ch == nil {
			out = ErrNotInChannel
			return
		}

		line, encErr := wire.EncodeMsg(ch.topic, data, c.instanceID, time.Now())
		if encErr != nil {
			out = encErr
			return
		}

		for _, p := range ch.matched {
			if p.enqueueLocked(line) {
				delivered++
			}
		}
	})
	if err != nil {
		return 0, err
	}
	return delivered, out
}

// routeInboundLocked routes one inbound msg record to the channel
// holding its topic. An unknown topic is dropped silently: the channel
// was left while the message was in flight, which is a race, not an
// error.
func (c *Core) routeInboundLocked(rec wire.Record) {
	t, err := topic.ParseHex(rec.Topic)
	if err != nil {
		return
	}
	ch := c.topics[t]
	if ch == nil {
		return
	}

	c.deliverLocked(ch, Entry{From: rec.ID, Data: rec.Data, TS: rec.TS})
}

// deliverLocked hands an entry to exactly one destination: the oldest
// waiter if any, otherwise the channel buffer. Never both.
func (c *Core) deliverLocked(ch *channel, e Entry) {
	if w := ch.popWaiterLocked(); w != nil {
		w.resolveLocked([]Entry{e})
	} else {
		ch.pending = append(ch.pending, e)
	}

	if c.notifier != nil {
		c.notifier.MessageReceived(ch.name, e.From, e.Data, e.TS)
	}
}
