package streams

import (
	"context"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/partitions"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/segments"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

func testConfig() partitions.Config {
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

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	s, err := Create(t.TempDir(), 1, "events", testConfig(), &persister.FilePersister{}, kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestCreateTopicAssignsNextID(t *testing.T) {
	s := newTestStream(t)

	first, err := s.CreateTopic(0, "a", 1, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.ID)

	second, err := s.CreateTopic(0, "b", 1, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.ID)

	_, err = s.CreateTopic(1, "c", 1, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	assert.ErrorIs(t, err, streamerr.ErrTopicIDAlreadyExists)
	_, err = s.CreateTopic(0, "a", 1, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	assert.ErrorIs(t, err, streamerr.ErrTopicNameAlreadyExists)
}

func TestTopicResolution(t *testing.T) {
	s := newTestStream(t)
	_, err := s.CreateTopic(3, "My Topic", 1, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)

	byID, err := s.Topic(identifier.FromID(3))
	require.NoError(t, err)
	assert.Equal(t, "my.topic", byID.Name)

	// names resolve through the same normalization
	byName, err := s.Topic(identifier.FromName("My Topic"))
	require.NoError(t, err)
	assert.Equal(t, byID, byName)

	_, err = s.Topic(identifier.FromID(9))
	assert.ErrorIs(t, err, streamerr.ErrTopicIDNotFound)
}

func TestUpdateTopicKeepsNameIndex(t *testing.T) {
	s := newTestStream(t)
	_, err := s.CreateTopic(1, "old", 1, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)

	_, err = s.UpdateTopic(identifier.FromID(1), "new", topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)

	_, err = s.Topic(identifier.FromName("old"))
	assert.ErrorIs(t, err, streamerr.ErrTopicNameNotFound)
	got, err := s.Topic(identifier.FromName("new"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.ID)
}

func TestDeleteTopic(t *testing.T) {
	s := newTestStream(t)
	_, err := s.CreateTopic(1, "doomed", 2, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)

	_, err = s.DeleteTopic(context.Background(), identifier.FromName("doomed"))
	require.NoError(t, err)
	assert.Zero(t, s.TopicCount())
}

func TestStreamSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	ctx := context.Background()

	s, err := Create(dir, 7, "Audit Events", cfg, &persister.FilePersister{}, kitlog.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "audit.events", s.Name)

	_, err = s.CreateTopic(2, "t", 3, topics.CompressionNone, topics.NeverExpire(), topics.UnlimitedSize(), 0)
	require.NoError(t, err)
	s.Shutdown(ctx)

	loaded, err := Load(dir, 7, cfg, &persister.FilePersister{}, kitlog.NewNopLogger())
	require.NoError(t, err)
	defer loaded.Shutdown(ctx)

	assert.Equal(t, "audit.events", loaded.Name)
	topic, err := loaded.Topic(identifier.FromID(2))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), topic.PartitionCount())
}
