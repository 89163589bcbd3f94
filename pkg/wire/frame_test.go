package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, WriteRequest(&buf, CommandSendMessages, payload))

	req, err := ReadRequest(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, CommandSendMessages, req.Command)
	assert.Equal(t, payload, req.Payload)
}

func TestEmptyRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, CommandPing, nil))

	req, err := ReadRequest(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, CommandPing, req.Command)
	assert.Empty(t, req.Payload)
}

func TestTruncatedRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, CommandPing, []byte("abcdef")))
	short := buf.Bytes()[:buf.Len()-2]

	_, err := ReadRequest(bytes.NewReader(short), DefaultMaxFrameSize)
	assert.ErrorIs(t, err, streamerr.ErrTruncatedFrame)
}

func TestOversizedRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, CommandPing, make([]byte, 100)))

	_, err := ReadRequest(&buf, 10)
	assert.ErrorIs(t, err, streamerr.ErrRequestTooLarge)
}

func TestResponseOK(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, nil, []byte("pong")))

	payload, err := ReadResponse(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), payload)
}

func TestResponseError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, streamerr.ErrStreamIDNotFound, nil))

	_, err := ReadResponse(&buf, DefaultMaxFrameSize)
	require.Error(t, err)
	assert.Equal(t, streamerr.ErrStreamIDNotFound.Code, streamerr.CodeOf(err))
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "ping", CommandName(CommandPing))
	assert.Equal(t, "unknown", CommandName(999999))
	assert.True(t, IsMutating(CommandCreateStream))
	assert.False(t, IsMutating(CommandPollMessages))
}
