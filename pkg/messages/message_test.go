package messages

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *Message {
	payload := []byte("hello broker")
	return &Message{
		ID:        uuid.New(),
		State:     StateAvailable,
		Timestamp: 1_700_000_000_000_000,
		Offset:    42,
		Checksum:  Checksum32(payload),
		Headers: Headers{
			"source":  StringValue("sensor-7"),
			"valid":   BoolValue(true),
			"attempt": Uint64Value(3),
		},
		Payload: payload,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	in := testMessage()
	buf := in.AppendBinary(nil)
	require.Len(t, buf, in.Size())

	out, rest, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, in, out)
	assert.NoError(t, out.VerifyChecksum())
}

func TestMessageRoundTripNoHeaders(t *testing.T) {
	in := &Message{ID: uuid.New(), State: StateAvailable, Payload: []byte("x")}
	in.Checksum = Checksum32(in.Payload)

	out, rest, err := DecodeMessage(in.AppendBinary(nil))
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, in, out)
}

func TestHeaderEncodingIsInsertionAgnostic(t *testing.T) {
	a := Headers{}
	a["x"] = StringValue("1")
	a["y"] = StringValue("2")

	b := Headers{}
	b["y"] = StringValue("2")
	b["x"] = StringValue("1")

	assert.Equal(t, a.appendBinary(nil), b.appendBinary(nil))
}

func TestChecksumMismatch(t *testing.T) {
	m := testMessage()
	m.Checksum++
	assert.Error(t, m.VerifyChecksum())
}

func TestDecodeTruncated(t *testing.T) {
	buf := testMessage().AppendBinary(nil)
	for _, cut := range []int{1, 20, len(buf) / 2, len(buf) - 1} {
		_, _, err := DecodeMessage(buf[:cut])
		assert.Error(t, err, "cut=%d", cut)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	msgs := make([]*Message, 0, 3)
	for i := 0; i < 3; i++ {
		m := testMessage()
		m.Offset = uint64(10 + i)
		m.Timestamp = uint64(1000 + i)
		msgs = append(msgs, m)
	}
	batch := NewBatch(msgs)
	assert.Equal(t, uint64(10), batch.Header.BaseOffset)
	assert.Equal(t, uint32(2), batch.Header.LastOffsetDelta)
	assert.Equal(t, uint64(12), batch.Header.LastOffset())
	assert.Equal(t, uint64(1002), batch.Header.MaxTimestamp)

	buf := batch.AppendBinary(nil)
	require.Len(t, buf, batch.Size())

	hdr, err := DecodeBatchHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, batch.Header, hdr)

	out, err := DecodeBatchMessages(buf[BatchHeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestBatchHeaderRejectsCompression(t *testing.T) {
	hdr := BatchHeader{BaseOffset: 1, Attributes: 0x20}
	_, err := DecodeBatchHeader(hdr.AppendBinary(nil))
	assert.Error(t, err)
}

func TestPollingStrategyRoundTrip(t *testing.T) {
	for _, s := range []PollingStrategy{
		OffsetStrategy(7), TimestampStrategy(123456), FirstStrategy(), LastStrategy(), NextStrategy(),
	} {
		out, rest, err := DecodePollingStrategy(s.AppendBinary(nil))
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, s, out)
	}

	_, _, err := DecodePollingStrategy([]byte{99, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestPartitioningRoundTrip(t *testing.T) {
	for _, p := range []Partitioning{
		Balanced(), ByPartitionID(3), ByMessageKey([]byte("user-1")), ByMessageKeyUint32(99),
	} {
		out, rest, err := DecodePartitioning(p.AppendBinary(nil))
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, p, out)
	}

	_, _, err := DecodePartitioning([]byte{0, 0})
	assert.Error(t, err)
}
