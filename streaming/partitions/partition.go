// Package partitions implements the ordered append-only log of a topic
// partition: an ascending chain of segments, the append/poll paths, consumer
// offset tracking, an optional tail cache and an optional dedup window.
package partitions

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/segments"
)

var (
	metricAppendedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "partition_appended_messages_total",
		Help:      "Messages appended across all partitions.",
	})
	metricDeduplicatedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "partition_deduplicated_messages_total",
		Help:      "Messages dropped by the deduplication window.",
	})
	metricSegmentsRolled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "partition_segments_rolled_total",
		Help:      "Segments closed and rolled over.",
	})
	metricSegmentsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "partition_segments_deleted_total",
		Help:      "Segments removed by retention.",
	})
)

const (
	infoFile             = "partition.info"
	consumerOffsetsDir   = "consumer_offsets"
	groupOffsetsDir      = "consumer_group_offsets"
	offsetFileSize       = 12
	defaultDedupCapacity = 10000
)

// Config controls per-partition behaviour; it is shared by every partition
// of the broker.
type Config struct {
	// MessagesRequiredToSave flushes the batch accumulator once this many
	// unsaved messages pile up.
	MessagesRequiredToSave uint32 `yaml:"messages_required_to_save"`
	// CacheBytes bounds the in-memory tail cache; 0 disables it.
	CacheBytes uint64 `yaml:"cache_bytes"`
	// DedupEnabled switches on the message-id deduplication window.
	DedupEnabled bool `yaml:"dedup_enabled"`
	// DedupWindow is how long a message id is remembered.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// DedupCapacity bounds the dedup window entry count.
	DedupCapacity int `yaml:"dedup_capacity"`

	Segment segments.Config `yaml:"segment"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(newUint32Value(&c.MessagesRequiredToSave, 1000), prefix+".messages-required-to-save", "Unsaved messages that trigger a flush to disk.")
	f.Uint64Var(&c.CacheBytes, prefix+".cache-bytes", 64*1024*1024, "In-memory message cache size per partition in bytes; 0 disables.")
	f.BoolVar(&c.DedupEnabled, prefix+".dedup-enabled", false, "Drop messages whose id was seen inside the dedup window.")
	f.DurationVar(&c.DedupWindow, prefix+".dedup-window", time.Minute, "How long message ids are remembered for deduplication.")
	f.IntVar(&c.DedupCapacity, prefix+".dedup-capacity", defaultDedupCapacity, "Maximum entries in the dedup window.")
	c.Segment.RegisterFlagsAndApplyDefaults(prefix+".segment", f)
}

// Partition is a single ordered log. One writer at a time, many readers;
// consumer offsets use their own lock so commits never block appends.
type Partition struct {
	StreamID uint32
	TopicID  uint32
	ID       uint32

	path      string
	cfg       Config
	logger    kitlog.Logger
	persister persister.Persister

	mu                    sync.RWMutex
	segmentChain          []*segments.Segment
	currentOffset         uint64
	shouldIncrementOffset bool
	lastTimestamp         uint64

	accumulator      []*messages.Message
	accumulatorBytes uint64
	unsavedCount     uint32

	cache *messageCache
	dedup *expirable.LRU[uuid.UUID, struct{}]

	offsetsMu       sync.RWMutex
	consumerOffsets map[uint32]uint64
	groupOffsets    map[uint32]uint64

	sizeBytes    *atomic.Uint64
	messageCount *atomic.Uint64
	createdAt    time.Time
}

// Create builds a new partition with one empty segment starting at offset 0.
func Create(path string, streamID, topicID, id uint32, cfg Config, p persister.Persister, logger kitlog.Logger) (*Partition, error) {
	pt := newPartition(path, streamID, topicID, id, cfg, p, logger)
	pt.createdAt = time.Now()

	for _, dir := range []string{path, filepath.Join(path, consumerOffsetsDir), filepath.Join(path, groupOffsetsDir)} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, streamerr.Wrap(err, "create partition directory %s", dir)
		}
	}
	if err := pt.saveInfo(); err != nil {
		return nil, err
	}

	seg, err := segments.Create(path, 0, cfg.Segment, p, logger)
	if err != nil {
		return nil, err
	}
	pt.segmentChain = []*segments.Segment{seg}
	return pt, nil
}

// Load reopens a partition from disk, restoring segments, the current
// offset and the stored consumer offsets.
func Load(path string, streamID, topicID, id uint32, cfg Config, p persister.Persister, logger kitlog.Logger) (*Partition, error) {
	pt := newPartition(path, streamID, topicID, id, cfg, p, logger)
	if err := pt.loadInfo(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotReadMetadata, "read partition directory %s (%v)", path, err)
	}
	starts := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if start, ok := segments.ParseFileName(e.Name()); ok {
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, start := range starts {
		seg, err := segments.Load(path, start, cfg.Segment, p, logger)
		if err != nil {
			return nil, err
		}
		pt.segmentChain = append(pt.segmentChain, seg)
		pt.sizeBytes.Add(seg.SizeBytes())
		pt.messageCount.Add(seg.MessageCount())
	}

	if len(pt.segmentChain) == 0 {
		seg, err := segments.Create(path, 0, cfg.Segment, p, logger)
		if err != nil {
			return nil, err
		}
		pt.segmentChain = []*segments.Segment{seg}
	}

	// Every segment but the open tail is immutable.
	for _, seg := range pt.segmentChain[:len(pt.segmentChain)-1] {
		seg.Close()
	}

	last := pt.segmentChain[len(pt.segmentChain)-1]
	if pt.messageCount.Load() > 0 {
		pt.currentOffset = last.CurrentOffset()
		pt.shouldIncrementOffset = true
		pt.lastTimestamp = last.MaxTimestamp()
	}

	if err := pt.loadOffsets(consumerOffsetsDir, pt.consumerOffsets); err != nil {
		return nil, err
	}
	if err := pt.loadOffsets(groupOffsetsDir, pt.groupOffsets); err != nil {
		return nil, err
	}
	return pt, nil
}

func newPartition(path string, streamID, topicID, id uint32, cfg Config, p persister.Persister, logger kitlog.Logger) *Partition {
	pt := &Partition{
		StreamID:        streamID,
		TopicID:         topicID,
		ID:              id,
		path:            path,
		cfg:             cfg,
		persister:       p,
		logger:          kitlog.With(logger, "component", "partition", "stream", streamID, "topic", topicID, "partition", id),
		consumerOffsets: make(map[uint32]uint64),
		groupOffsets:    make(map[uint32]uint64),
		sizeBytes:       atomic.NewUint64(0),
		messageCount:    atomic.NewUint64(0),
	}
	if cfg.CacheBytes > 0 {
		pt.cache = newMessageCache(cfg.CacheBytes)
	}
	if cfg.DedupEnabled {
		capacity := cfg.DedupCapacity
		if capacity <= 0 {
			capacity = defaultDedupCapacity
		}
		pt.dedup = expirable.NewLRU[uuid.UUID, struct{}](capacity, nil, cfg.DedupWindow)
	}
	return pt
}

// Path returns the partition's directory.
func (p *Partition) Path() string { return p.path }

// CurrentOffset returns the offset of the last appended message and whether
// any message has been appended at all.
func (p *Partition) CurrentOffset() (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentOffset, p.shouldIncrementOffset
}

// SizeBytes is the persisted size of all segments.
func (p *Partition) SizeBytes() uint64 { return p.sizeBytes.Load() }

// MessageCount is the number of appended messages.
func (p *Partition) MessageCount() uint64 { return p.messageCount.Load() }

// SegmentCount returns the number of live segments.
func (p *Partition) SegmentCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.segmentChain)
}

// CreatedAt is the partition creation time.
func (p *Partition) CreatedAt() time.Time { return p.createdAt }

func (p *Partition) saveInfo() error {
	b := binary.LittleEndian.AppendUint64(nil, uint64(p.createdAt.UnixMicro()))
	return p.persister.Overwrite(filepath.Join(p.path, infoFile), b)
}

func (p *Partition) loadInfo() error {
	b, err := p.persister.ReadAll(filepath.Join(p.path, infoFile))
	if err != nil {
		return streamerr.Wrap(streamerr.ErrCannotReadFile, "read %s (%v)", infoFile, err)
	}
	if len(b) < 8 {
		return streamerr.ErrCannotDeserialize
	}
	p.createdAt = time.UnixMicro(int64(binary.LittleEndian.Uint64(b)))
	return nil
}

// Shutdown flushes unsaved messages and stops segment writer tasks.
func (p *Partition) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if err := p.persistMessages(ctx); err != nil {
		level.Error(p.logger).Log("msg", "flushing messages on shutdown failed", "err", err)
	}
	chain := append([]*segments.Segment(nil), p.segmentChain...)
	p.mu.Unlock()

	for _, seg := range chain {
		seg.Shutdown(ctx)
	}
}

// Delete removes the whole partition from disk, dropping all segments and
// stored offsets.
func (p *Partition) Delete(ctx context.Context) error {
	p.Shutdown(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seg := range p.segmentChain {
		if err := seg.Delete(); err != nil {
			return err
		}
	}
	p.segmentChain = nil
	if err := os.RemoveAll(p.path); err != nil {
		return streamerr.Wrap(streamerr.ErrCannotWriteFile, "remove partition directory (%v)", err)
	}
	return nil
}

// DeleteExpiredSegments removes closed, expired segments from the front of
// the chain and returns the number of bytes reclaimed. Stored consumer
// offsets below the new first segment are deliberately retained.
func (p *Partition) DeleteExpiredSegments(now time.Time, expiry time.Duration) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reclaimed uint64
	for len(p.segmentChain) > 0 {
		seg := p.segmentChain[0]
		if !seg.IsExpired(now, expiry) {
			break
		}
		seg.Shutdown(context.Background())
		if err := seg.Delete(); err != nil {
			return reclaimed, err
		}
		size := seg.SizeBytes()
		count := seg.MessageCount()
		reclaimed += size
		p.sizeBytes.Sub(size)
		p.messageCount.Sub(count)
		p.segmentChain = p.segmentChain[1:]
		metricSegmentsDeleted.Inc()
		level.Info(p.logger).Log("msg", "deleted expired segment", "start_offset", seg.StartOffset(), "bytes", size)
	}

	// Never leave the partition without an open segment to append to.
	if len(p.segmentChain) == 0 {
		start := uint64(0)
		if p.shouldIncrementOffset {
			start = p.currentOffset + 1
		}
		seg, err := segments.Create(p.path, start, p.cfg.Segment, p.persister, p.logger)
		if err != nil {
			return reclaimed, err
		}
		p.segmentChain = []*segments.Segment{seg}
	}
	if p.cache != nil {
		p.cache.evictBelow(p.segmentChain[0].StartOffset())
	}
	return reclaimed, nil
}

// uint32Value adapts uint32 fields to the flag package.
type uint32Value uint32

func newUint32Value(p *uint32, def uint32) *uint32Value {
	*p = def
	return (*uint32Value)(p)
}

func (v *uint32Value) String() string { return strconv.FormatUint(uint64(*v), 10) }

func (v *uint32Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid uint32 value %q", s)
	}
	*v = uint32Value(n)
	return nil
}
