package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

func TestRoundTripNumeric(t *testing.T) {
	for _, id := range []uint32{1, 42, 1<<32 - 1} {
		in := FromID(id)
		buf := in.AppendBinary(nil)
		require.Len(t, buf, in.Size())

		out, rest, err := Decode(buf)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, in, out)

		got, err := out.ID()
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestRoundTripNamed(t *testing.T) {
	for _, name := range []string{"a", "orders", "my.topic.name"} {
		in := FromName(name)
		out, rest, err := Decode(in.AppendBinary(nil))
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, in, out)

		got, err := out.Name()
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}
}

func TestDecodeLeavesTrailingBytes(t *testing.T) {
	buf := FromID(7).AppendBinary(nil)
	buf = append(buf, 0xde, 0xad)

	_, rest, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, rest)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		id   Identifier
	}{
		{"zero numeric", FromID(0)},
		{"empty name", FromName("")},
		{"unknown kind", Identifier{Kind: 9, Value: []byte{1}}},
		{"numeric wrong length", Identifier{Kind: Numeric, Value: []byte{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.id.Validate(), streamerr.ErrInvalidIdentifier)
		})
	}

	_, _, err := Decode([]byte{byte(Numeric)})
	assert.ErrorIs(t, err, streamerr.ErrInvalidIdentifier)
}

func TestFromString(t *testing.T) {
	id, err := FromString("123")
	require.NoError(t, err)
	assert.Equal(t, Numeric, id.Kind)

	id, err = FromString("orders")
	require.NoError(t, err)
	assert.Equal(t, Named, id.Kind)

	_, err = FromString("0")
	assert.Error(t, err)
}
