package binaryproto

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/pkg/wire"
	"github.com/streamhouse/streamhouse/streaming/partitions"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/segments"
	"github.com/streamhouse/streamhouse/streaming/system"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *system.System) {
	t.Helper()
	cfg := system.Config{
		Path:              t.TempDir(),
		RetentionInterval: time.Minute,
		Partition: partitions.Config{
			MessagesRequiredToSave: 10,
			CacheBytes:             1024 * 1024,
			Segment: segments.Config{
				Size:         1024 * 1024,
				CacheIndexes: true,
				Writer:       persister.WriterConfig{Retries: 1},
			},
		},
	}
	sys, err := system.New(cfg, kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })
	return NewDispatcher(sys, kitlog.NewNopLogger()), sys
}

func authedSession(t *testing.T, d *Dispatcher, sys *system.System) *system.Session {
	t.Helper()
	session := sys.Clients().Add("127.0.0.1:1", "test")
	payload := appendString8(nil, system.DefaultRootUsername)
	payload = appendString8(payload, system.DefaultRootPassword)
	_, err := d.Handle(context.Background(), session, wire.Request{Command: wire.CommandLoginUser, Payload: payload})
	require.NoError(t, err)
	require.True(t, session.IsAuthenticated())
	return session
}

func TestPingIsAllowedPreAuth(t *testing.T) {
	d, sys := newTestDispatcher(t)
	session := sys.Clients().Add("127.0.0.1:2", "test")

	payload, err := d.Handle(context.Background(), session, wire.Request{Command: wire.CommandPing})
	require.NoError(t, err)
	assert.Equal(t, wire.ProtocolVersion, binary.LittleEndian.Uint32(payload))
}

func TestCommandsRequireAuthentication(t *testing.T) {
	d, sys := newTestDispatcher(t)
	session := sys.Clients().Add("127.0.0.1:3", "test")

	_, err := d.Handle(context.Background(), session, wire.Request{Command: wire.CommandGetStreams})
	assert.ErrorIs(t, err, streamerr.ErrNotAuthenticated)
}

func TestUnknownCommand(t *testing.T) {
	d, sys := newTestDispatcher(t)
	session := authedSession(t, d, sys)

	_, err := d.Handle(context.Background(), session, wire.Request{Command: 987654})
	assert.ErrorIs(t, err, streamerr.ErrInvalidCommand)
}

func createStreamPayload(id uint32, name string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, id)
	return appendString8(b, name)
}

func createTopicPayload(streamID identifier.Identifier, topicID, partitions uint32, name string) []byte {
	b := streamID.AppendBinary(nil)
	b = binary.LittleEndian.AppendUint32(b, topicID)
	b = binary.LittleEndian.AppendUint32(b, partitions)
	b = append(b, 1)                                  // compression: none
	b = append(b, 2)                                  // expiry: never
	b = binary.LittleEndian.AppendUint64(b, 0)        // expiry duration
	b = append(b, 2)                                  // max size: unlimited
	b = binary.LittleEndian.AppendUint64(b, 0)        // max size bytes
	b = append(b, 0)                                  // replication factor
	return appendString8(b, name)
}

func TestSendAndPollOverProtocol(t *testing.T) {
	d, sys := newTestDispatcher(t)
	session := authedSession(t, d, sys)
	ctx := context.Background()

	_, err := d.Handle(ctx, session, wire.Request{Command: wire.CommandCreateStream, Payload: createStreamPayload(1, "s")})
	require.NoError(t, err)
	_, err = d.Handle(ctx, session, wire.Request{
		Command: wire.CommandCreateTopic,
		Payload: createTopicPayload(identifier.FromID(1), 1, 1, "t"),
	})
	require.NoError(t, err)

	// send 10 messages to partition 1
	send := identifier.FromID(1).AppendBinary(nil)
	send = identifier.FromID(1).AppendBinary(send)
	send = messages.ByPartitionID(1).AppendBinary(send)
	send = binary.LittleEndian.AppendUint32(send, 10)
	for i := 0; i < 10; i++ {
		m := &messages.Message{Payload: []byte(fmt.Sprintf("m%d", i))}
		send = m.AppendBinary(send)
	}
	payload, err := d.Handle(ctx, session, wire.Request{Command: wire.CommandSendMessages, Payload: send})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(payload))

	// poll them back from offset 0
	poll := messages.NewConsumer(1).AppendBinary(nil)
	poll = identifier.FromID(1).AppendBinary(poll)
	poll = identifier.FromID(1).AppendBinary(poll)
	poll = binary.LittleEndian.AppendUint32(poll, 1) // partition id
	poll = messages.OffsetStrategy(0).AppendBinary(poll)
	poll = binary.LittleEndian.AppendUint32(poll, 10)
	poll = append(poll, 0) // no auto-commit

	payload, err = d.Handle(ctx, session, wire.Request{Command: wire.CommandPollMessages, Payload: poll})
	require.NoError(t, err)

	partitionID := binary.LittleEndian.Uint32(payload[0:4])
	count := binary.LittleEndian.Uint32(payload[4:8])
	assert.Equal(t, uint32(1), partitionID)
	require.Equal(t, uint32(10), count)

	rest := payload[8:]
	for i := uint32(0); i < count; i++ {
		m, remaining, err := messages.DecodeMessage(rest)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), m.Offset)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(m.Payload))
		rest = remaining
	}
	assert.Empty(t, rest)

	// the mutating commands left journal entries
	entries, err := sys.State().JournalEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, wire.CommandCreateStream, entries[0].Code)
	assert.Equal(t, wire.CommandCreateTopic, entries[1].Code)
}

func TestStoreAndGetOffsetOverProtocol(t *testing.T) {
	d, sys := newTestDispatcher(t)
	session := authedSession(t, d, sys)
	ctx := context.Background()

	_, err := d.Handle(ctx, session, wire.Request{Command: wire.CommandCreateStream, Payload: createStreamPayload(1, "s")})
	require.NoError(t, err)
	_, err = d.Handle(ctx, session, wire.Request{
		Command: wire.CommandCreateTopic,
		Payload: createTopicPayload(identifier.FromID(1), 1, 1, "t"),
	})
	require.NoError(t, err)

	store := messages.NewConsumer(7).AppendBinary(nil)
	store = identifier.FromID(1).AppendBinary(store)
	store = identifier.FromID(1).AppendBinary(store)
	store = binary.LittleEndian.AppendUint32(store, 1)
	store = binary.LittleEndian.AppendUint64(store, 42)
	_, err = d.Handle(ctx, session, wire.Request{Command: wire.CommandStoreConsumerOffset, Payload: store})
	require.NoError(t, err)

	get := messages.NewConsumer(7).AppendBinary(nil)
	get = identifier.FromID(1).AppendBinary(get)
	get = identifier.FromID(1).AppendBinary(get)
	get = binary.LittleEndian.AppendUint32(get, 1)
	payload, err := d.Handle(ctx, session, wire.Request{Command: wire.CommandGetConsumerOffset, Payload: get})
	require.NoError(t, err)

	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(payload[0:4]))
	assert.Equal(t, byte(1), payload[4])
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(payload[5:13]))
}

func TestRootOnlyCommands(t *testing.T) {
	d, sys := newTestDispatcher(t)
	root := authedSession(t, d, sys)
	ctx := context.Background()

	// create a standard user via root
	create := appendString8(nil, "reader")
	create = appendString8(create, "pass123")
	create = append(create, 1)
	_, err := d.Handle(ctx, root, wire.Request{Command: wire.CommandCreateUser, Payload: create})
	require.NoError(t, err)

	// the standard user cannot manage users
	other := sys.Clients().Add("127.0.0.1:4", "test")
	login := appendString8(nil, "reader")
	login = appendString8(login, "pass123")
	_, err = d.Handle(ctx, other, wire.Request{Command: wire.CommandLoginUser, Payload: login})
	require.NoError(t, err)

	_, err = d.Handle(ctx, other, wire.Request{Command: wire.CommandGetUsers})
	assert.ErrorIs(t, err, streamerr.ErrUnauthorized)
}
