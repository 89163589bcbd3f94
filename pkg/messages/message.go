// Package messages holds the message model shared by the wire protocol and
// the storage engine: a message is stored on disk exactly as it travels on
// the wire, so the poll path can serve stored bytes without re-encoding.
package messages

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// State describes the lifecycle of a stored message.
type State uint8

const (
	StateAvailable State = 1
	StatePoisoned  State = 2
	StateMarkedForDeletion State = 3
)

// metadataSize is the fixed part of an encoded message:
// id(16) + state(1) + timestamp(8) + offset(8) + checksum(4) +
// headers length(4) + payload length(4).
const metadataSize = 16 + 1 + 8 + 8 + 4 + 4 + 4

// Message is a single record. ID is a 128-bit value (uuid layout); Timestamp
// is broker time in microseconds since the Unix epoch.
type Message struct {
	ID        uuid.UUID
	State     State
	Timestamp uint64
	Offset    uint64
	Checksum  uint32
	Headers   Headers
	Payload   []byte
}

// Checksum32 computes the stored checksum of a payload. CRC-32 (IEEE).
func Checksum32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Size returns the encoded size of the message in bytes.
func (m *Message) Size() int {
	return metadataSize + m.Headers.Size() + len(m.Payload)
}

// AppendBinary appends the little-endian binary encoding to b.
func (m *Message) AppendBinary(b []byte) []byte {
	b = append(b, m.ID[:]...)
	b = append(b, byte(m.State))
	b = binary.LittleEndian.AppendUint64(b, m.Timestamp)
	b = binary.LittleEndian.AppendUint64(b, m.Offset)
	b = binary.LittleEndian.AppendUint32(b, m.Checksum)
	hdr := m.Headers.appendBinary(nil)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(hdr)))
	b = append(b, hdr...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Payload)))
	return append(b, m.Payload...)
}

// DecodeMessage reads one message from the front of b and returns the
// remaining bytes.
func DecodeMessage(b []byte) (*Message, []byte, error) {
	if len(b) < metadataSize {
		return nil, nil, streamerr.ErrPayloadTooShort
	}
	m := &Message{}
	copy(m.ID[:], b[:16])
	m.State = State(b[16])
	m.Timestamp = binary.LittleEndian.Uint64(b[17:25])
	m.Offset = binary.LittleEndian.Uint64(b[25:33])
	m.Checksum = binary.LittleEndian.Uint32(b[33:37])
	headersLen := binary.LittleEndian.Uint32(b[37:41])
	b = b[41:]
	if uint32(len(b)) < headersLen+4 {
		return nil, nil, streamerr.ErrPayloadTooShort
	}
	headers, err := decodeHeaders(b[:headersLen])
	if err != nil {
		return nil, nil, err
	}
	m.Headers = headers
	b = b[headersLen:]
	payloadLen := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < payloadLen {
		return nil, nil, streamerr.ErrPayloadTooShort
	}
	if payloadLen > 0 {
		m.Payload = append([]byte(nil), b[:payloadLen]...)
	}
	return m, b[payloadLen:], nil
}

// VerifyChecksum recomputes the payload checksum and compares it with the
// stored one.
func (m *Message) VerifyChecksum() error {
	if Checksum32(m.Payload) != m.Checksum {
		return streamerr.ErrInvalidChecksum
	}
	return nil
}
