package messages

import (
	"encoding/binary"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// PollingKind selects how the first message of a poll is resolved.
type PollingKind uint8

const (
	PollOffset    PollingKind = 1
	PollTimestamp PollingKind = 2
	PollFirst     PollingKind = 3
	PollLast      PollingKind = 4
	PollNext      PollingKind = 5
)

// PollingStrategy is the (kind, value) pair of a poll request. Value carries
// the offset or timestamp and is ignored for First/Last/Next.
type PollingStrategy struct {
	Kind  PollingKind
	Value uint64
}

func OffsetStrategy(offset uint64) PollingStrategy {
	return PollingStrategy{Kind: PollOffset, Value: offset}
}

func TimestampStrategy(ts uint64) PollingStrategy {
	return PollingStrategy{Kind: PollTimestamp, Value: ts}
}

func FirstStrategy() PollingStrategy { return PollingStrategy{Kind: PollFirst} }
func LastStrategy() PollingStrategy  { return PollingStrategy{Kind: PollLast} }
func NextStrategy() PollingStrategy  { return PollingStrategy{Kind: PollNext} }

func (s PollingStrategy) Validate() error {
	if s.Kind < PollOffset || s.Kind > PollNext {
		return streamerr.ErrInvalidPollingKind
	}
	return nil
}

// AppendBinary appends the 9-byte encoding: kind + u64 value.
func (s PollingStrategy) AppendBinary(b []byte) []byte {
	b = append(b, byte(s.Kind))
	return binary.LittleEndian.AppendUint64(b, s.Value)
}

// DecodePollingStrategy reads a strategy from the front of b.
func DecodePollingStrategy(b []byte) (PollingStrategy, []byte, error) {
	if len(b) < 9 {
		return PollingStrategy{}, nil, streamerr.ErrPayloadTooShort
	}
	s := PollingStrategy{Kind: PollingKind(b[0]), Value: binary.LittleEndian.Uint64(b[1:9])}
	if err := s.Validate(); err != nil {
		return PollingStrategy{}, nil, err
	}
	return s, b[9:], nil
}

// ConsumerKind distinguishes a standalone consumer from a consumer group.
type ConsumerKind uint8

const (
	ConsumerSingle ConsumerKind = 1
	ConsumerGroup  ConsumerKind = 2
)

// Consumer identifies the reader of a poll: a consumer or a consumer group.
type Consumer struct {
	Kind ConsumerKind
	ID   identifier.Identifier
}

func NewConsumer(id uint32) Consumer {
	return Consumer{Kind: ConsumerSingle, ID: identifier.FromID(id)}
}

func NewGroupConsumer(id uint32) Consumer {
	return Consumer{Kind: ConsumerGroup, ID: identifier.FromID(id)}
}

func (c Consumer) Validate() error {
	if c.Kind != ConsumerSingle && c.Kind != ConsumerGroup {
		return streamerr.ErrInvalidFormat
	}
	return c.ID.Validate()
}

// AppendBinary appends the kind byte followed by the identifier.
func (c Consumer) AppendBinary(b []byte) []byte {
	b = append(b, byte(c.Kind))
	return c.ID.AppendBinary(b)
}

// DecodeConsumer reads a consumer from the front of b.
func DecodeConsumer(b []byte) (Consumer, []byte, error) {
	if len(b) < 1 {
		return Consumer{}, nil, streamerr.ErrPayloadTooShort
	}
	kind := ConsumerKind(b[0])
	id, rest, err := identifier.Decode(b[1:])
	if err != nil {
		return Consumer{}, nil, err
	}
	c := Consumer{Kind: kind, ID: id}
	if err := c.Validate(); err != nil {
		return Consumer{}, nil, err
	}
	return c, rest, nil
}
