// Package binaryproto decodes request payloads, executes commands against
// the System and encodes response payloads. Both the TCP and QUIC servers
// hand their frames to the same Dispatcher.
package binaryproto

import (
	"encoding/binary"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// reader is a little cursor over a request payload. The first decode error
// sticks; callers check Err once at the end.
type reader struct {
	b   []byte
	err error
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) fail() {
	if r.err == nil {
		r.err = streamerr.ErrPayloadTooShort
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 1 {
		r.fail()
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 4 {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 8 {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v
}

// string8 reads a 1-byte-length-prefixed string.
func (r *reader) string8() string {
	if r.err != nil {
		return ""
	}
	if len(r.b) < 1 {
		r.fail()
		return ""
	}
	n := int(r.b[0])
	if len(r.b) < 1+n {
		r.fail()
		return ""
	}
	v := string(r.b[1 : 1+n])
	r.b = r.b[1+n:]
	return v
}

func (r *reader) ident() identifier.Identifier {
	if r.err != nil {
		return identifier.Identifier{}
	}
	id, rest, err := identifier.Decode(r.b)
	if err != nil {
		r.err = err
		return identifier.Identifier{}
	}
	r.b = rest
	return id
}

func (r *reader) consumer() messages.Consumer {
	if r.err != nil {
		return messages.Consumer{}
	}
	c, rest, err := messages.DecodeConsumer(r.b)
	if err != nil {
		r.err = err
		return messages.Consumer{}
	}
	r.b = rest
	return c
}

func (r *reader) partitioning() messages.Partitioning {
	if r.err != nil {
		return messages.Partitioning{}
	}
	p, rest, err := messages.DecodePartitioning(r.b)
	if err != nil {
		r.err = err
		return messages.Partitioning{}
	}
	r.b = rest
	return p
}

func (r *reader) strategy() messages.PollingStrategy {
	if r.err != nil {
		return messages.PollingStrategy{}
	}
	s, rest, err := messages.DecodePollingStrategy(r.b)
	if err != nil {
		r.err = err
		return messages.PollingStrategy{}
	}
	r.b = rest
	return s
}

func (r *reader) remaining() []byte { return r.b }

func appendString8(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}
