package messages

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// HeaderKind is the type tag of a header value.
type HeaderKind uint8

const (
	HeaderRaw     HeaderKind = 1
	HeaderString  HeaderKind = 2
	HeaderBool    HeaderKind = 3
	HeaderInt8    HeaderKind = 4
	HeaderInt16   HeaderKind = 5
	HeaderInt32   HeaderKind = 6
	HeaderInt64   HeaderKind = 7
	HeaderUint8   HeaderKind = 8
	HeaderUint16  HeaderKind = 9
	HeaderUint32  HeaderKind = 10
	HeaderUint64  HeaderKind = 11
	HeaderFloat32 HeaderKind = 12
	HeaderFloat64 HeaderKind = 13
)

func (k HeaderKind) valid() bool { return k >= HeaderRaw && k <= HeaderFloat64 }

// HeaderValue is a typed scalar header value.
type HeaderValue struct {
	Kind  HeaderKind
	Value []byte
}

// Headers is the optional header map of a message. Keys are 1-255 bytes.
type Headers map[string]HeaderValue

const maxHeaderKeyLength = 255

func RawValue(v []byte) HeaderValue   { return HeaderValue{Kind: HeaderRaw, Value: v} }
func StringValue(v string) HeaderValue { return HeaderValue{Kind: HeaderString, Value: []byte(v)} }

func BoolValue(v bool) HeaderValue {
	b := byte(0)
	if v {
		b = 1
	}
	return HeaderValue{Kind: HeaderBool, Value: []byte{b}}
}

func Uint64Value(v uint64) HeaderValue {
	return HeaderValue{Kind: HeaderUint64, Value: binary.LittleEndian.AppendUint64(nil, v)}
}

func Int64Value(v int64) HeaderValue {
	return HeaderValue{Kind: HeaderInt64, Value: binary.LittleEndian.AppendUint64(nil, uint64(v))}
}

func Float64Value(v float64) HeaderValue {
	return HeaderValue{Kind: HeaderFloat64, Value: binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))}
}

// String interprets the value as a string regardless of kind.
func (v HeaderValue) String() string { return string(v.Value) }

// Uint64 interprets the value as a little-endian u64.
func (v HeaderValue) Uint64() (uint64, error) {
	if len(v.Value) != 8 {
		return 0, streamerr.ErrInvalidHeader
	}
	return binary.LittleEndian.Uint64(v.Value), nil
}

// Bool interprets the value as a bool.
func (v HeaderValue) Bool() (bool, error) {
	if v.Kind != HeaderBool || len(v.Value) != 1 {
		return false, streamerr.ErrInvalidHeader
	}
	return v.Value[0] != 0, nil
}

// Validate checks key and value constraints.
func (h Headers) Validate() error {
	for k, v := range h {
		if len(k) == 0 || len(k) > maxHeaderKeyLength {
			return streamerr.ErrInvalidHeader
		}
		if !v.Kind.valid() {
			return streamerr.ErrInvalidHeader
		}
	}
	return nil
}

// Size returns the encoded size of the header block in bytes.
func (h Headers) Size() int {
	size := 0
	for k, v := range h {
		// key: 1-byte length + bytes; value: 1-byte kind + 4-byte length + bytes.
		size += 1 + len(k) + 1 + 4 + len(v.Value)
	}
	return size
}

// appendBinary encodes the headers sorted by key so the encoding is
// deterministic regardless of insertion order.
func (h Headers) appendBinary(b []byte) []byte {
	if len(h) == 0 {
		return b
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := h[k]
		b = append(b, byte(len(k)))
		b = append(b, k...)
		b = append(b, byte(v.Kind))
		b = binary.LittleEndian.AppendUint32(b, uint32(len(v.Value)))
		b = append(b, v.Value...)
	}
	return b
}

func decodeHeaders(b []byte) (Headers, error) {
	if len(b) == 0 {
		return nil, nil
	}
	h := Headers{}
	for len(b) > 0 {
		keyLen := int(b[0])
		if keyLen == 0 || len(b) < 1+keyLen+5 {
			return nil, streamerr.ErrInvalidHeader
		}
		key := string(b[1 : 1+keyLen])
		b = b[1+keyLen:]
		kind := HeaderKind(b[0])
		if !kind.valid() {
			return nil, streamerr.ErrInvalidHeader
		}
		valueLen := binary.LittleEndian.Uint32(b[1:5])
		b = b[5:]
		if uint32(len(b)) < valueLen {
			return nil, streamerr.ErrInvalidHeader
		}
		h[key] = HeaderValue{Kind: kind, Value: append([]byte(nil), b[:valueLen]...)}
		b = b[valueLen:]
	}
	return h, nil
}
