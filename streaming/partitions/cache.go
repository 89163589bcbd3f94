package partitions

import (
	"github.com/streamhouse/streamhouse/pkg/messages"
)

// messageCache is a byte-bounded ring over the partition tail. It always
// holds a contiguous offset range ending at the newest message, so a hit can
// serve a poll without touching disk.
type messageCache struct {
	maxBytes uint64
	curBytes uint64
	msgs     []*messages.Message
	head     int
}

func newMessageCache(maxBytes uint64) *messageCache {
	return &messageCache{maxBytes: maxBytes}
}

func (c *messageCache) len() int { return len(c.msgs) - c.head }

// push appends m and evicts the oldest messages while over budget.
func (c *messageCache) push(m *messages.Message) {
	size := uint64(m.Size())
	if size > c.maxBytes {
		return
	}
	c.msgs = append(c.msgs, m)
	c.curBytes += size
	for c.curBytes > c.maxBytes && c.len() > 0 {
		c.curBytes -= uint64(c.msgs[c.head].Size())
		c.msgs[c.head] = nil
		c.head++
	}
	c.compact()
}

// get returns the messages in [start, end] iff the cache covers the full
// range.
func (c *messageCache) get(start, end uint64) ([]*messages.Message, bool) {
	if c.len() == 0 {
		return nil, false
	}
	first := c.msgs[c.head].Offset
	last := c.msgs[len(c.msgs)-1].Offset
	if start < first || end > last {
		return nil, false
	}
	lo := c.head + int(start-first)
	hi := c.head + int(end-first)
	out := make([]*messages.Message, 0, hi-lo+1)
	out = append(out, c.msgs[lo:hi+1]...)
	return out, true
}

// evictBelow drops every cached message with an offset below limit.
func (c *messageCache) evictBelow(limit uint64) {
	for c.len() > 0 && c.msgs[c.head].Offset < limit {
		c.curBytes -= uint64(c.msgs[c.head].Size())
		c.msgs[c.head] = nil
		c.head++
	}
	c.compact()
}

// compact reclaims the evicted prefix once it dominates the backing slice.
func (c *messageCache) compact() {
	if c.head > 0 && c.head*2 >= len(c.msgs) {
		remaining := len(c.msgs) - c.head
		copy(c.msgs, c.msgs[c.head:])
		for i := remaining; i < len(c.msgs); i++ {
			c.msgs[i] = nil
		}
		c.msgs = c.msgs[:remaining]
		c.head = 0
	}
}
