package tcpserver

import (
	"context"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/modules/binaryproto"
	"github.com/streamhouse/streamhouse/pkg/client"
	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/pkg/wire"
	"github.com/streamhouse/streamhouse/streaming/partitions"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/segments"
	"github.com/streamhouse/streamhouse/streaming/system"
)

func startTestServer(t *testing.T) (*Server, *system.System) {
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

	dispatcher := binaryproto.NewDispatcher(sys, kitlog.NewNopLogger())
	srv := New(Config{Enabled: true, ListenAddr: "127.0.0.1:0"}, sys, dispatcher, kitlog.NewNopLogger())

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, srv))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(ctx, srv)
		_ = sys.Shutdown(ctx)
	})
	return srv, sys
}

func dialTestServer(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	c, err := client.Dial(client.Config{Addr: srv.Addr().String()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPingWithoutLogin(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)

	version, err := c.Ping()
	require.NoError(t, err)
	assert.Equal(t, wire.ProtocolVersion, version)
}

func TestCommandsRejectedBeforeLogin(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)

	err := c.CreateStream(1, "s")
	require.Error(t, err)
	assert.Equal(t, streamerr.ErrNotAuthenticated.Code, streamerr.CodeOf(err))
}

func TestEndToEndSendPoll(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestServer(t, srv)

	require.NoError(t, c.Login(system.DefaultRootUsername, system.DefaultRootPassword))
	require.NoError(t, c.CreateStream(1, "s"))
	require.NoError(t, c.CreateTopic(identifier.FromID(1), 1, 1, "t"))

	msgs := []*messages.Message{
		{Payload: []byte("m0")},
		{Payload: []byte("m1")},
		{Payload: []byte("m2")},
	}
	partition, err := c.SendMessages(identifier.FromID(1), identifier.FromID(1), messages.ByPartitionID(1), msgs)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), partition)

	partition, polled, err := c.PollMessages(messages.NewConsumer(1),
		identifier.FromID(1), identifier.FromID(1), 1, messages.OffsetStrategy(0), 10, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), partition)
	require.Len(t, polled, 3)
	for i, m := range polled {
		assert.Equal(t, uint64(i), m.Offset)
	}

	// auto-commit advanced the stored offset
	offset, ok, err := c.GetConsumerOffset(messages.NewConsumer(1),
		identifier.FromID(1), identifier.FromID(1), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), offset)

	// Next returns nothing new
	_, polled, err = c.PollMessages(messages.NewConsumer(1),
		identifier.FromID(1), identifier.FromID(1), 1, messages.NextStrategy(), 10, true)
	require.NoError(t, err)
	assert.Empty(t, polled)
}

func TestDisconnectRemovesGroupMembership(t *testing.T) {
	srv, sys := startTestServer(t)
	c := dialTestServer(t, srv)

	require.NoError(t, c.Login(system.DefaultRootUsername, system.DefaultRootPassword))
	require.NoError(t, c.CreateStream(1, "s"))
	require.NoError(t, c.CreateTopic(identifier.FromID(1), 1, 3, "t"))
	require.NoError(t, c.CreateConsumerGroup(identifier.FromID(1), identifier.FromID(1), 1, "g"))
	require.NoError(t, c.JoinConsumerGroup(identifier.FromID(1), identifier.FromID(1), identifier.FromID(1)))

	topic, err := sys.Topic(identifier.FromID(1), identifier.FromID(1))
	require.NoError(t, err)
	group, err := topic.ConsumerGroup(identifier.FromID(1))
	require.NoError(t, err)
	require.Len(t, group.Members(), 1)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return len(group.Members()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
