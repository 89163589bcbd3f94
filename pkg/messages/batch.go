package messages

import (
	"encoding/binary"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// BatchHeaderSize is the fixed on-disk size of a batch header:
// base_offset(8) + length(4) + last_offset_delta(4) + max_timestamp(8) +
// attributes(1).
const BatchHeaderSize = 8 + 4 + 4 + 8 + 1

// compressionMask covers the top 3 bits of the attribute byte, reserved for
// the compression algorithm code. Writers emit 0 (none); readers reject any
// other value.
const compressionMask = 0xE0

// BatchHeader precedes every batch of concatenated message records in a
// segment log file.
type BatchHeader struct {
	BaseOffset      uint64
	Length          uint32
	LastOffsetDelta uint32
	MaxTimestamp    uint64
	Attributes      uint8
}

// LastOffset returns the offset of the final message in the batch.
func (h BatchHeader) LastOffset() uint64 {
	return h.BaseOffset + uint64(h.LastOffsetDelta)
}

// AppendBinary appends the little-endian encoding to b.
func (h BatchHeader) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, h.BaseOffset)
	b = binary.LittleEndian.AppendUint32(b, h.Length)
	b = binary.LittleEndian.AppendUint32(b, h.LastOffsetDelta)
	b = binary.LittleEndian.AppendUint64(b, h.MaxTimestamp)
	return append(b, h.Attributes)
}

// DecodeBatchHeader decodes a batch header from b.
func DecodeBatchHeader(b []byte) (BatchHeader, error) {
	if len(b) < BatchHeaderSize {
		return BatchHeader{}, streamerr.ErrInvalidBatchFormat
	}
	h := BatchHeader{
		BaseOffset:      binary.LittleEndian.Uint64(b[0:8]),
		Length:          binary.LittleEndian.Uint32(b[8:12]),
		LastOffsetDelta: binary.LittleEndian.Uint32(b[12:16]),
		MaxTimestamp:    binary.LittleEndian.Uint64(b[16:24]),
		Attributes:      b[24],
	}
	if h.Attributes&compressionMask != 0 {
		return BatchHeader{}, streamerr.ErrInvalidCompression
	}
	return h, nil
}

// Batch is a set of messages written to the log under a single header.
type Batch struct {
	Header   BatchHeader
	Messages []*Message
}

// NewBatch builds a batch with a header derived from msgs, which must be
// non-empty and hold ascending offsets.
func NewBatch(msgs []*Message) *Batch {
	length := 0
	for _, m := range msgs {
		length += m.Size()
	}
	first := msgs[0]
	last := msgs[len(msgs)-1]
	return &Batch{
		Header: BatchHeader{
			BaseOffset:      first.Offset,
			Length:          uint32(length),
			LastOffsetDelta: uint32(last.Offset - first.Offset),
			MaxTimestamp:    last.Timestamp,
		},
		Messages: msgs,
	}
}

// AppendBinary appends the header followed by every message record.
func (b *Batch) AppendBinary(buf []byte) []byte {
	buf = b.Header.AppendBinary(buf)
	for _, m := range b.Messages {
		buf = m.AppendBinary(buf)
	}
	return buf
}

// Size returns the full encoded size of the batch including its header.
func (b *Batch) Size() int { return BatchHeaderSize + int(b.Header.Length) }

// DecodeBatchMessages decodes exactly the message records of one batch body.
func DecodeBatchMessages(b []byte) ([]*Message, error) {
	var msgs []*Message
	for len(b) > 0 {
		m, rest, err := DecodeMessage(b)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		b = rest
	}
	return msgs, nil
}
