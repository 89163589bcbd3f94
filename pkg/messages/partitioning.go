package messages

import (
	"encoding/binary"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// PartitioningKind selects the target partition of a send.
type PartitioningKind uint8

const (
	PartitionBalanced   PartitioningKind = 1
	PartitionID         PartitioningKind = 2
	PartitionMessageKey PartitioningKind = 3
)

const maxPartitioningValue = 255

// Partitioning is the partition-selection hint of a send request.
type Partitioning struct {
	Kind  PartitioningKind
	Value []byte
}

// Balanced selects partitions round-robin.
func Balanced() Partitioning { return Partitioning{Kind: PartitionBalanced} }

// ByPartitionID targets one partition directly.
func ByPartitionID(id uint32) Partitioning {
	return Partitioning{Kind: PartitionID, Value: binary.LittleEndian.AppendUint32(nil, id)}
}

// ByMessageKey routes by hash of an opaque key.
func ByMessageKey(key []byte) Partitioning {
	return Partitioning{Kind: PartitionMessageKey, Value: key}
}

// ByMessageKeyUint32 routes by hash of a little-endian u32 key.
func ByMessageKeyUint32(key uint32) Partitioning {
	return ByMessageKey(binary.LittleEndian.AppendUint32(nil, key))
}

// PartitionIDValue returns the target partition id for PartitionID hints.
func (p Partitioning) PartitionIDValue() (uint32, error) {
	if p.Kind != PartitionID || len(p.Value) != 4 {
		return 0, streamerr.ErrInvalidPartitioningKind
	}
	return binary.LittleEndian.Uint32(p.Value), nil
}

func (p Partitioning) Validate() error {
	switch p.Kind {
	case PartitionBalanced:
		if len(p.Value) != 0 {
			return streamerr.ErrInvalidPartitioningKind
		}
	case PartitionID:
		if len(p.Value) != 4 {
			return streamerr.ErrInvalidPartitioningKind
		}
	case PartitionMessageKey:
		if len(p.Value) == 0 || len(p.Value) > maxPartitioningValue {
			return streamerr.ErrInvalidPartitioningKind
		}
	default:
		return streamerr.ErrInvalidPartitioningKind
	}
	return nil
}

// AppendBinary appends the encoding: kind byte, 1-byte length, value.
func (p Partitioning) AppendBinary(b []byte) []byte {
	b = append(b, byte(p.Kind), byte(len(p.Value)))
	return append(b, p.Value...)
}

// DecodePartitioning reads a partitioning hint from the front of b.
func DecodePartitioning(b []byte) (Partitioning, []byte, error) {
	if len(b) < 2 {
		return Partitioning{}, nil, streamerr.ErrPayloadTooShort
	}
	length := int(b[1])
	if len(b) < 2+length {
		return Partitioning{}, nil, streamerr.ErrPayloadTooShort
	}
	p := Partitioning{Kind: PartitioningKind(b[0])}
	if length > 0 {
		p.Value = append([]byte(nil), b[2:2+length]...)
	}
	if err := p.Validate(); err != nil {
		return Partitioning{}, nil, err
	}
	return p, b[2+length:], nil
}
