package system

import (
	"context"
	"fmt"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/partitions"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/segments"
	"github.com/streamhouse/streamhouse/streaming/state"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

func testConfig(path string) Config {
	return Config{
		Path:              path,
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
}

func newTestSystem(t *testing.T) *System {
	t.Helper()
	s, err := New(testConfig(t.TempDir()), kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func createStreamAndTopic(t *testing.T, s *System, partitionsCount uint32) {
	t.Helper()
	_, err := s.CreateStream(1, "s")
	require.NoError(t, err)
	stream, err := s.Stream(identifier.FromID(1))
	require.NoError(t, err)
	_, err = stream.CreateTopic(1, "t", partitionsCount,
		topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)
}

func TestAppendPollRoundTrip(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	createStreamAndTopic(t, s, 1)

	session := s.Clients().Add("127.0.0.1:1", "tcp")

	msgs := make([]*messages.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, &messages.Message{Payload: []byte(fmt.Sprintf("m%d", i))})
	}
	pid, err := s.SendMessages(ctx, identifier.FromID(1), identifier.FromID(1), messages.ByPartitionID(1), msgs)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), pid)

	polled, err := s.PollMessages(ctx, session, identifier.FromID(1), identifier.FromID(1),
		messages.NewConsumer(1), 1, messages.OffsetStrategy(0), 10, false)
	require.NoError(t, err)
	require.Len(t, polled.Messages, 10)
	for i, m := range polled.Messages {
		assert.Equal(t, uint64(i), m.Offset)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(m.Payload))
	}
}

func TestResolveByName(t *testing.T) {
	s := newTestSystem(t)
	createStreamAndTopic(t, s, 1)

	topic, err := s.Topic(identifier.FromName("s"), identifier.FromName("t"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), topic.ID)

	_, err = s.Stream(identifier.FromName("missing"))
	assert.ErrorIs(t, err, streamerr.ErrStreamNameNotFound)
}

func TestIdempotentCreateReturnsAlreadyExists(t *testing.T) {
	s := newTestSystem(t)
	createStreamAndTopic(t, s, 1)

	_, err := s.CreateStream(1, "other")
	assert.ErrorIs(t, err, streamerr.ErrStreamIDAlreadyExists)
	_, err = s.CreateStream(0, "s")
	assert.ErrorIs(t, err, streamerr.ErrStreamNameAlreadyExists)
	assert.True(t, streamerr.IsBenign(err))
}

func TestGroupPollingUsesAssignment(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	createStreamAndTopic(t, s, 3)

	stream, err := s.Stream(identifier.FromID(1))
	require.NoError(t, err)
	topic, err := stream.Topic(identifier.FromID(1))
	require.NoError(t, err)
	_, err = topic.CreateConsumerGroup(1, "g")
	require.NoError(t, err)

	member := s.Clients().Add("127.0.0.1:2", "tcp")
	outsider := s.Clients().Add("127.0.0.1:3", "tcp")
	require.NoError(t, topic.JoinConsumerGroup(identifier.FromID(1), member.ClientID))

	for i := 0; i < 9; i++ {
		_, err := s.SendMessages(ctx, identifier.FromID(1), identifier.FromID(1),
			messages.Balanced(), []*messages.Message{{Payload: []byte(fmt.Sprintf("m%d", i))}})
		require.NoError(t, err)
	}

	// the sole member owns all partitions and drains them via Next+commit
	total := 0
	for {
		polled, err := s.PollMessages(ctx, member, identifier.FromID(1), identifier.FromID(1),
			messages.NewGroupConsumer(1), 0, messages.NextStrategy(), 10, true)
		require.NoError(t, err)
		if len(polled.Messages) == 0 {
			break
		}
		total += len(polled.Messages)
	}
	assert.Equal(t, 9, total)

	// a non-member has no assignment
	_, err = s.PollMessages(ctx, outsider, identifier.FromID(1), identifier.FromID(1),
		messages.NewGroupConsumer(1), 0, messages.NextStrategy(), 10, false)
	assert.ErrorIs(t, err, streamerr.ErrNoAssignment)
}

func TestDisconnectLeavesGroups(t *testing.T) {
	s := newTestSystem(t)
	createStreamAndTopic(t, s, 2)

	stream, err := s.Stream(identifier.FromID(1))
	require.NoError(t, err)
	topic, err := stream.Topic(identifier.FromID(1))
	require.NoError(t, err)
	g, err := topic.CreateConsumerGroup(1, "g")
	require.NoError(t, err)

	session := s.Clients().Add("127.0.0.1:4", "tcp")
	require.NoError(t, topic.JoinConsumerGroup(identifier.FromID(1), session.ClientID))
	require.True(t, g.HasMember(session.ClientID))

	s.DisconnectClient(session.ClientID)
	assert.False(t, g.HasMember(session.ClientID))
	_, ok := s.Clients().Get(session.ClientID)
	assert.False(t, ok)
}

func TestConsumerOffsetSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	s, err := New(cfg, kitlog.NewNopLogger())
	require.NoError(t, err)
	createStreamAndTopic(t, s, 1)

	msgs := make([]*messages.Message, 50)
	for i := range msgs {
		msgs[i] = &messages.Message{Payload: []byte(fmt.Sprintf("m%d", i))}
	}
	_, err = s.SendMessages(ctx, identifier.FromID(1), identifier.FromID(1), messages.ByPartitionID(1), msgs)
	require.NoError(t, err)
	require.NoError(t, s.StoreConsumerOffset(identifier.FromID(1), identifier.FromID(1),
		messages.NewConsumer(5), 1, 42))
	require.NoError(t, s.Shutdown(ctx))

	reloaded, err := New(cfg, kitlog.NewNopLogger())
	require.NoError(t, err)
	defer reloaded.Shutdown(ctx)

	offset, ok, err := reloaded.GetConsumerOffset(identifier.FromID(1), identifier.FromID(1),
		messages.NewConsumer(5), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), offset)

	session := reloaded.Clients().Add("127.0.0.1:5", "tcp")
	polled, err := reloaded.PollMessages(ctx, session, identifier.FromID(1), identifier.FromID(1),
		messages.NewConsumer(5), 1, messages.NextStrategy(), 1, false)
	require.NoError(t, err)
	require.Len(t, polled.Messages, 1)
	assert.Equal(t, uint64(43), polled.Messages[0].Offset)
}

func TestRetentionSweepPurgesExpiredSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Partition.MessagesRequiredToSave = 1
	cfg.Partition.Segment.Size = 256
	ctx := context.Background()

	s, err := New(cfg, kitlog.NewNopLogger())
	require.NoError(t, err)
	defer s.Shutdown(ctx)

	_, err = s.CreateStream(1, "s")
	require.NoError(t, err)
	stream, err := s.Stream(identifier.FromID(1))
	require.NoError(t, err)
	_, err = stream.CreateTopic(1, "t", 1,
		topics.CompressionNone, topics.ExpireAfter(time.Second), topics.UnlimitedSize(), 0)
	require.NoError(t, err)

	payload := make([]byte, 80)
	for i := 0; i < 10; i++ {
		_, err := s.SendMessages(ctx, identifier.FromID(1), identifier.FromID(1),
			messages.ByPartitionID(1), []*messages.Message{{Payload: payload}})
		require.NoError(t, err)
	}

	partition, err := s.Partition(identifier.FromID(1), identifier.FromID(1), 1)
	require.NoError(t, err)
	sizeBefore := partition.SizeBytes()
	require.Greater(t, partition.SegmentCount(), 1)

	s.SweepRetentionNow(time.Now().Add(time.Hour))

	assert.Less(t, partition.SizeBytes(), sizeBefore)
	msgs, err := partition.GetMessagesByOffset(0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestLoginLifecycle(t *testing.T) {
	s := newTestSystem(t)
	session := s.Clients().Add("127.0.0.1:6", "tcp")

	_, err := s.Login(session, "root", "wrong")
	assert.ErrorIs(t, err, streamerr.ErrInvalidCredentials)
	assert.False(t, session.IsAuthenticated())

	user, err := s.Login(session, DefaultRootUsername, DefaultRootPassword)
	require.NoError(t, err)
	assert.True(t, user.IsRoot)
	assert.True(t, session.IsAuthenticated())

	// logging in again with the same user is idempotent
	_, err = s.Login(session, DefaultRootUsername, DefaultRootPassword)
	assert.ErrorIs(t, err, streamerr.ErrAlreadyLoggedIn)
	assert.True(t, streamerr.IsBenign(err))

	s.Logout(session)
	assert.False(t, session.IsAuthenticated())
}

func TestUsersAndTokens(t *testing.T) {
	s := newTestSystem(t)
	session := s.Clients().Add("127.0.0.1:7", "tcp")

	user, err := s.CreateUser("reader", "pass123", state.UserActive)
	require.NoError(t, err)

	_, err = s.CreateUser("reader", "again", state.UserActive)
	assert.ErrorIs(t, err, streamerr.ErrUserAlreadyExists)

	token, err := s.CreateAccessToken(user.ID, "ci", time.Hour)
	require.NoError(t, err)

	got, err := s.LoginWithAccessToken(session, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = s.LoginWithAccessToken(session, "bogus")
	assert.ErrorIs(t, err, streamerr.ErrInvalidAccessToken)

	require.NoError(t, s.DeleteAccessToken(user.ID, "ci"))
	_, err = s.LoginWithAccessToken(session, token)
	assert.ErrorIs(t, err, streamerr.ErrInvalidAccessToken)

	assert.ErrorIs(t, s.DeleteUser(DefaultRootUsername), streamerr.ErrCannotModifyRoot)
	require.NoError(t, s.DeleteUser("reader"))
}

func TestJournalRecordsMutations(t *testing.T) {
	s := newTestSystem(t)

	require.NoError(t, s.State().AppendJournal(202, []byte("streams:1")))
	require.NoError(t, s.State().AppendJournal(302, []byte("streams:1:topics:1")))

	entries, err := s.State().JournalEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(202), entries[0].Code)
	assert.Equal(t, []byte("streams:1:topics:1"), entries[1].Payload)
}

func TestGetStats(t *testing.T) {
	s := newTestSystem(t)
	createStreamAndTopic(t, s, 3)

	stats := s.GetStats()
	assert.Equal(t, 1, stats.StreamsCount)
	assert.Equal(t, 1, stats.TopicsCount)
	assert.Equal(t, 3, stats.PartitionsCount)
}
