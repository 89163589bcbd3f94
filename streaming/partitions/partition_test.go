package partitions

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/segments"
)

func testConfig() Config {
	return Config{
		MessagesRequiredToSave: 5,
		CacheBytes:             1024 * 1024,
		Segment: segments.Config{
			Size:         1024 * 1024,
			CacheIndexes: true,
			Writer:       persister.WriterConfig{Retries: 1},
		},
	}
}

func newTestPartition(t *testing.T, cfg Config) (*Partition, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := Create(dir, 1, 1, 1, cfg, &persister.FilePersister{}, kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, dir
}

func plainMessages(payloads ...string) []*messages.Message {
	msgs := make([]*messages.Message, 0, len(payloads))
	for _, p := range payloads {
		msgs = append(msgs, &messages.Message{Payload: []byte(p)})
	}
	return msgs
}

func TestAppendAssignsSequentialOffsets(t *testing.T) {
	p, _ := newTestPartition(t, testConfig())
	ctx := context.Background()

	require.NoError(t, p.Append(ctx, plainMessages("m0", "m1", "m2")))
	require.NoError(t, p.Append(ctx, plainMessages("m3", "m4")))

	current, any := p.CurrentOffset()
	require.True(t, any)
	assert.Equal(t, uint64(4), current)

	msgs, err := p.GetMessagesByOffset(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, uint64(i), m.Offset)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(m.Payload))
		assert.NotEqual(t, uuid.UUID{}, m.ID)
		assert.NoError(t, m.VerifyChecksum())
	}

	// timestamps never decrease in append order
	for i := 1; i < len(msgs); i++ {
		assert.GreaterOrEqual(t, msgs[i].Timestamp, msgs[i-1].Timestamp)
	}
}

func TestPollBeyondHeadIsEmpty(t *testing.T) {
	p, _ := newTestPartition(t, testConfig())
	require.NoError(t, p.Append(context.Background(), plainMessages("a")))

	msgs, err := p.GetMessagesByOffset(100, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSegmentRollover(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.Size = 200
	cfg.MessagesRequiredToSave = 1
	p, _ := newTestPartition(t, cfg)
	ctx := context.Background()

	payload := make([]byte, 50)
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Append(ctx, []*messages.Message{{Payload: payload}}))
	}

	assert.GreaterOrEqual(t, p.SegmentCount(), 5)

	msgs, err := p.GetMessagesByOffset(0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	for i, m := range msgs {
		assert.Equal(t, uint64(i), m.Offset)
	}

	// all segments but the open tail are closed, chain is gap-free
	p.mu.RLock()
	for i, seg := range p.segmentChain {
		if i < len(p.segmentChain)-1 {
			assert.True(t, seg.IsClosed())
			assert.Equal(t, seg.EndOffset()+1, p.segmentChain[i+1].StartOffset())
		}
	}
	p.mu.RUnlock()
}

func TestReadSpansSegmentsWithoutCache(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.Size = 200
	cfg.MessagesRequiredToSave = 1
	cfg.CacheBytes = 0
	p, _ := newTestPartition(t, cfg)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Append(ctx, plainMessages(fmt.Sprintf("payload-%02d", i))))
	}
	require.Greater(t, p.SegmentCount(), 1)

	msgs, err := p.GetMessagesByOffset(3, 14)
	require.NoError(t, err)
	require.Len(t, msgs, 14)
	assert.Equal(t, uint64(3), msgs[0].Offset)
	assert.Equal(t, uint64(16), msgs[13].Offset)
}

func TestDeduplication(t *testing.T) {
	cfg := testConfig()
	cfg.DedupEnabled = true
	cfg.DedupWindow = time.Minute
	p, _ := newTestPartition(t, cfg)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, p.Append(ctx, []*messages.Message{{ID: id, Payload: []byte("first")}}))
	require.NoError(t, p.Append(ctx, []*messages.Message{{ID: id, Payload: []byte("dup")}}))
	require.NoError(t, p.Append(ctx, []*messages.Message{{Payload: []byte("other")}}))

	msgs, err := p.GetMessagesByOffset(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", string(msgs[0].Payload))
	assert.Equal(t, "other", string(msgs[1].Payload))
}

func TestFirstLastNext(t *testing.T) {
	p, _ := newTestPartition(t, testConfig())
	ctx := context.Background()
	require.NoError(t, p.Append(ctx, plainMessages("a", "b", "c", "d", "e")))

	first, err := p.GetFirstMessages(2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, uint64(0), first[0].Offset)

	last, err := p.GetLastMessages(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, uint64(3), last[0].Offset)
	assert.Equal(t, uint64(4), last[1].Offset)

	// more than available clamps to everything
	last, err = p.GetLastMessages(50)
	require.NoError(t, err)
	require.Len(t, last, 5)

	// no stored offset: Next behaves like First
	next, err := p.GetNextMessages(messages.ConsumerSingle, 7, 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, uint64(0), next[0].Offset)

	require.NoError(t, p.StoreOffset(messages.ConsumerSingle, 7, 1))
	next, err = p.GetNextMessages(messages.ConsumerSingle, 7, 10)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, uint64(2), next[0].Offset)

	// consumer at the head gets nothing
	require.NoError(t, p.StoreOffset(messages.ConsumerSingle, 7, 4))
	next, err = p.GetNextMessages(messages.ConsumerSingle, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestNextPollNeverRepeatsWithCommit(t *testing.T) {
	p, _ := newTestPartition(t, testConfig())
	ctx := context.Background()
	require.NoError(t, p.Append(ctx, plainMessages("a", "b", "c", "d", "e", "f")))

	seen := map[uint64]bool{}
	for {
		msgs, err := p.GetNextMessages(messages.ConsumerSingle, 1, 2)
		require.NoError(t, err)
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			assert.False(t, seen[m.Offset], "offset %d delivered twice", m.Offset)
			seen[m.Offset] = true
		}
		require.NoError(t, p.StoreOffset(messages.ConsumerSingle, 1, msgs[len(msgs)-1].Offset))
	}
	assert.Len(t, seen, 6)
}

func TestGetMessagesByTimestamp(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesRequiredToSave = 1
	p, _ := newTestPartition(t, cfg)
	ctx := context.Background()

	require.NoError(t, p.Append(ctx, plainMessages("old")))
	msgs, err := p.GetMessagesByOffset(0, 1)
	require.NoError(t, err)
	cutoff := msgs[0].Timestamp + 1

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Append(ctx, plainMessages("new1", "new2")))

	got, err := p.GetMessagesByTimestamp(cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new1", string(got[0].Payload))

	// timestamp beyond everything
	got, err = p.GetMessagesByTimestamp(uint64(time.Now().Add(time.Hour).UnixMicro()), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOffsetsSurviveRestart(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	ctx := context.Background()

	p, err := Create(dir, 1, 1, 1, cfg, &persister.FilePersister{}, kitlog.NewNopLogger())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Append(ctx, plainMessages(fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, p.StoreOffset(messages.ConsumerSingle, 3, 42))
	require.NoError(t, p.StoreOffset(messages.ConsumerGroup, 9, 17))
	p.Shutdown(ctx)

	reloaded, err := Load(dir, 1, 1, 1, cfg, &persister.FilePersister{}, kitlog.NewNopLogger())
	require.NoError(t, err)
	defer reloaded.Shutdown(ctx)

	current, any := reloaded.CurrentOffset()
	require.True(t, any)
	assert.Equal(t, uint64(49), current)

	offset, ok := reloaded.GetOffset(messages.ConsumerSingle, 3)
	require.True(t, ok)
	assert.Equal(t, uint64(42), offset)

	offset, ok = reloaded.GetOffset(messages.ConsumerGroup, 9)
	require.True(t, ok)
	assert.Equal(t, uint64(17), offset)

	// the next poll picks up right after the stored offset
	next, err := reloaded.GetNextMessages(messages.ConsumerSingle, 3, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, uint64(43), next[0].Offset)

	// appends continue from the restored offset
	require.NoError(t, reloaded.Append(ctx, plainMessages("after-restart")))
	current, _ = reloaded.CurrentOffset()
	assert.Equal(t, uint64(50), current)
}

func TestRetentionDeletesExpiredSegments(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.Size = 200
	cfg.MessagesRequiredToSave = 1
	p, dir := newTestPartition(t, cfg)
	ctx := context.Background()

	payload := make([]byte, 60)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Append(ctx, []*messages.Message{{Payload: payload}}))
	}
	require.Greater(t, p.SegmentCount(), 1)
	sizeBefore := p.SizeBytes()

	// everything appended so far is in the past once we look far enough ahead
	now := time.Now().Add(time.Hour)
	reclaimed, err := p.DeleteExpiredSegments(now, time.Second)
	require.NoError(t, err)
	assert.Greater(t, reclaimed, uint64(0))
	assert.Equal(t, sizeBefore-reclaimed, p.SizeBytes())

	// the closed segments' files are gone
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	logs := 0
	for _, e := range entries {
		if _, ok := segments.ParseFileName(e.Name()); ok {
			logs++
		}
	}
	assert.Equal(t, p.SegmentCount(), logs)

	// purged offsets are gone from polls
	msgs, err := p.GetMessagesByOffset(0, 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
