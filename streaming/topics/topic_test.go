package topics

import (
	"context"
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
)

func partitionConfig() partitions.Config {
	return partitions.Config{
		MessagesRequiredToSave: 100,
		CacheBytes:             1024 * 1024,
		Segment: segments.Config{
			Size:         1024 * 1024,
			CacheIndexes: true,
			Writer:       persister.WriterConfig{Retries: 1},
		},
	}
}

func newTestTopic(t *testing.T, partitionsCount uint32) *Topic {
	t.Helper()
	topic, err := Create(t.TempDir(), 1, 1, "orders", partitionsCount,
		CompressionNone, NeverExpire(), UnlimitedSize(), 0,
		partitionConfig(), &persister.FilePersister{}, kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { topic.Shutdown(context.Background()) })
	return topic
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "my.topic", NormalizeName("My Topic"))
	assert.Equal(t, "orders", NormalizeName("ORDERS"))
}

func TestCreateValidation(t *testing.T) {
	dir := t.TempDir()
	cfg := partitionConfig()
	p := &persister.FilePersister{}
	logger := kitlog.NewNopLogger()

	_, err := Create(dir, 1, 1, "", 1, CompressionNone, NeverExpire(), UnlimitedSize(), 0, cfg, p, logger)
	assert.ErrorIs(t, err, streamerr.ErrInvalidName)

	_, err = Create(dir, 1, 1, "t", 0, CompressionNone, NeverExpire(), UnlimitedSize(), 0, cfg, p, logger)
	assert.ErrorIs(t, err, streamerr.ErrTooManyPartitions)

	_, err = Create(dir, 1, 1, "t", 1, CompressionAlgorithm(99), NeverExpire(), UnlimitedSize(), 0, cfg, p, logger)
	assert.ErrorIs(t, err, streamerr.ErrInvalidCompression)

	_, err = Create(dir, 1, 1, "t", 1, CompressionNone, NeverExpire(), UnlimitedSize(), 5, cfg, p, logger)
	assert.ErrorIs(t, err, streamerr.ErrInvalidReplicationFactor)
}

func TestBalancedPartitioning(t *testing.T) {
	topic := newTestTopic(t, 3)

	var ids []uint32
	for i := 0; i < 6; i++ {
		id, err := topic.ResolvePartitionID(messages.Balanced())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []uint32{1, 2, 3, 1, 2, 3}, ids)
}

func TestMessageKeyPartitioning(t *testing.T) {
	topic := newTestTopic(t, 4)
	ctx := context.Background()

	counts := map[uint32]int{}
	for i := uint32(1); i <= 1000; i++ {
		id, err := topic.AppendMessages(ctx, messages.ByMessageKeyUint32(i), []*messages.Message{{Payload: []byte("x")}})
		require.NoError(t, err)
		require.GreaterOrEqual(t, id, uint32(1))
		require.LessOrEqual(t, id, uint32(4))
		counts[id]++
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 1000, total)

	// the same key always lands on the same partition
	first, err := topic.ResolvePartitionID(messages.ByMessageKeyUint32(42))
	require.NoError(t, err)
	second, err := topic.ResolvePartitionID(messages.ByMessageKeyUint32(42))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPartitionIDPartitioning(t *testing.T) {
	topic := newTestTopic(t, 2)

	id, err := topic.ResolvePartitionID(messages.ByPartitionID(2))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)
}

func TestAddAndRemovePartitions(t *testing.T) {
	topic := newTestTopic(t, 2)
	ctx := context.Background()

	require.NoError(t, topic.AddPartitions(3))
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, topic.PartitionIDs())

	require.NoError(t, topic.RemovePartitions(ctx, 2))
	assert.Equal(t, []uint32{1, 2, 3}, topic.PartitionIDs())

	err := topic.RemovePartitions(ctx, 3)
	assert.ErrorIs(t, err, streamerr.ErrCannotRemoveAll)
}

func TestConsumerGroupLifecycle(t *testing.T) {
	topic := newTestTopic(t, 3)

	g, err := topic.CreateConsumerGroup(0, "My Readers")
	require.NoError(t, err)
	assert.Equal(t, "my.readers", g.Name)

	_, err = topic.CreateConsumerGroup(0, "my.readers")
	assert.ErrorIs(t, err, streamerr.ErrGroupNameAlreadyExists)

	_, err = topic.CreateConsumerGroup(g.ID, "other")
	assert.ErrorIs(t, err, streamerr.ErrGroupIDAlreadyExists)

	byName, err := topic.ConsumerGroup(identifier.FromName("my.readers"))
	require.NoError(t, err)
	assert.Equal(t, g, byName)

	_, err = topic.DeleteConsumerGroup(identifier.FromID(g.ID))
	require.NoError(t, err)
	_, err = topic.ConsumerGroup(identifier.FromID(g.ID))
	assert.ErrorIs(t, err, streamerr.ErrGroupIDNotFound)
}

func TestGroupRebalance(t *testing.T) {
	topic := newTestTopic(t, 3)
	g, err := topic.CreateConsumerGroup(1, "g")
	require.NoError(t, err)
	gid := identifier.FromID(1)

	// m1 joins and owns everything
	require.NoError(t, topic.JoinConsumerGroup(gid, 10))
	p1, err := g.PartitionsFor(10)
	require.NoError(t, err)
	assert.Len(t, p1, 3)

	// m2 joins: deterministic 2/1 split
	require.NoError(t, topic.JoinConsumerGroup(gid, 20))
	p1, err = g.PartitionsFor(10)
	require.NoError(t, err)
	p2, err := g.PartitionsFor(20)
	require.NoError(t, err)
	assert.Len(t, p1, 2)
	assert.Len(t, p2, 1)
	assert.Len(t, g.Assignment(), 3)

	// identical inputs produce identical assignment
	before := g.Assignment()
	g.reassign(topic.PartitionIDs())
	assert.Equal(t, before, g.Assignment())

	// m1 leaves: m2 owns everything
	require.NoError(t, topic.LeaveConsumerGroup(gid, 10))
	p2, err = g.PartitionsFor(20)
	require.NoError(t, err)
	assert.Len(t, p2, 3)

	_, err = g.PartitionsFor(10)
	assert.ErrorIs(t, err, streamerr.ErrNoAssignment)
}

func TestGroupAssignmentSpread(t *testing.T) {
	topic := newTestTopic(t, 7)
	g, err := topic.CreateConsumerGroup(1, "g")
	require.NoError(t, err)
	gid := identifier.FromID(1)

	members := []uint32{1, 2, 3}
	for _, m := range members {
		require.NoError(t, topic.JoinConsumerGroup(gid, m))
	}

	assignment := g.Assignment()
	assert.Len(t, assignment, 7)
	for _, m := range members {
		owned, err := g.PartitionsFor(m)
		require.NoError(t, err)
		// each member gets floor(7/3) or ceil(7/3)
		assert.Contains(t, []int{2, 3}, len(owned))
	}
}

func TestRebalanceOnPartitionChange(t *testing.T) {
	topic := newTestTopic(t, 2)
	g, err := topic.CreateConsumerGroup(1, "g")
	require.NoError(t, err)
	require.NoError(t, topic.JoinConsumerGroup(identifier.FromID(1), 5))

	require.NoError(t, topic.AddPartitions(2))
	assert.Len(t, g.Assignment(), 4)

	require.NoError(t, topic.RemovePartitions(context.Background(), 3))
	assert.Len(t, g.Assignment(), 1)
}

func TestEmptyGroupHasNoAssignment(t *testing.T) {
	topic := newTestTopic(t, 3)
	g, err := topic.CreateConsumerGroup(1, "g")
	require.NoError(t, err)

	assert.Empty(t, g.Assignment())
	_, err = g.PartitionsFor(1)
	assert.ErrorIs(t, err, streamerr.ErrNoAssignment)
}

func TestTopicInfoSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cfg := partitionConfig()
	p := &persister.FilePersister{}
	logger := kitlog.NewNopLogger()
	ctx := context.Background()

	topic, err := Create(dir, 1, 7, "Audit Log", 2,
		CompressionNone, ExpireAfter(time.Hour), MaxBytes(1<<30), 0, cfg, p, logger)
	require.NoError(t, err)
	assert.Equal(t, "audit.log", topic.Name)

	_, err = topic.CreateConsumerGroup(3, "readers")
	require.NoError(t, err)
	topic.Shutdown(ctx)

	loaded, err := Load(dir, 1, 7, cfg, p, logger)
	require.NoError(t, err)
	defer loaded.Shutdown(ctx)

	assert.Equal(t, "audit.log", loaded.Name)
	assert.Equal(t, ExpireAfter(time.Hour), loaded.MessageExpiry)
	assert.Equal(t, MaxBytes(1<<30), loaded.MaxSize)
	assert.Equal(t, uint32(2), loaded.PartitionCount())

	g, err := loaded.ConsumerGroup(identifier.FromID(3))
	require.NoError(t, err)
	assert.Equal(t, "readers", g.Name)
	assert.Empty(t, g.Members())
}
