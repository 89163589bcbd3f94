// Package identifier implements the tagged identifier used to address
// streams, topics, consumer groups and users: either a numeric u32 id or a
// name of up to 255 bytes, with a common binary encoding.
package identifier

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// Kind discriminates the identifier payload.
type Kind uint8

const (
	Numeric Kind = 1
	Named   Kind = 2
)

const maxNameLength = 255

// Identifier addresses a resource either by numeric id or by name.
// The zero value is invalid.
type Identifier struct {
	Kind  Kind
	Value []byte
}

// FromID builds a numeric identifier.
func FromID(id uint32) Identifier {
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, id)
	return Identifier{Kind: Numeric, Value: v}
}

// FromName builds a named identifier.
func FromName(name string) Identifier {
	return Identifier{Kind: Named, Value: []byte(name)}
}

// FromString parses s as a numeric id when possible, otherwise as a name.
func FromString(s string) (Identifier, error) {
	if len(s) == 0 || len(s) > maxNameLength {
		return Identifier{}, streamerr.ErrInvalidIdentifier
	}
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		if id == 0 {
			return Identifier{}, streamerr.ErrInvalidIdentifier
		}
		return FromID(uint32(id)), nil
	}
	return FromName(s), nil
}

// Validate checks length and kind constraints. Numeric 0 and empty names
// are rejected.
func (i Identifier) Validate() error {
	switch i.Kind {
	case Numeric:
		if len(i.Value) != 4 {
			return streamerr.ErrInvalidIdentifier
		}
		if binary.LittleEndian.Uint32(i.Value) == 0 {
			return streamerr.ErrInvalidIdentifier
		}
	case Named:
		if len(i.Value) == 0 || len(i.Value) > maxNameLength {
			return streamerr.ErrInvalidIdentifier
		}
	default:
		return streamerr.ErrInvalidIdentifier
	}
	return nil
}

// ID returns the numeric value; it is only valid for Numeric identifiers.
func (i Identifier) ID() (uint32, error) {
	if i.Kind != Numeric || len(i.Value) != 4 {
		return 0, streamerr.ErrInvalidIdentifier
	}
	return binary.LittleEndian.Uint32(i.Value), nil
}

// Name returns the name; it is only valid for Named identifiers.
func (i Identifier) Name() (string, error) {
	if i.Kind != Named {
		return "", streamerr.ErrInvalidIdentifier
	}
	return string(i.Value), nil
}

func (i Identifier) String() string {
	switch i.Kind {
	case Numeric:
		id, _ := i.ID()
		return strconv.FormatUint(uint64(id), 10)
	case Named:
		return string(i.Value)
	}
	return fmt.Sprintf("identifier(kind=%d)", i.Kind)
}

// Size returns the encoded size in bytes: 1-byte kind, 1-byte length, payload.
func (i Identifier) Size() int { return 2 + len(i.Value) }

// AppendBinary appends the binary encoding to b.
func (i Identifier) AppendBinary(b []byte) []byte {
	b = append(b, byte(i.Kind), byte(len(i.Value)))
	return append(b, i.Value...)
}

// Decode reads one identifier from the front of b and returns the remaining
// bytes. The decoded identifier is validated.
func Decode(b []byte) (Identifier, []byte, error) {
	if len(b) < 2 {
		return Identifier{}, nil, streamerr.ErrInvalidIdentifier
	}
	kind := Kind(b[0])
	length := int(b[1])
	if len(b) < 2+length {
		return Identifier{}, nil, streamerr.ErrInvalidIdentifier
	}
	id := Identifier{Kind: kind, Value: append([]byte(nil), b[2:2+length]...)}
	if err := id.Validate(); err != nil {
		return Identifier{}, nil, err
	}
	return id, b[2+length:], nil
}
