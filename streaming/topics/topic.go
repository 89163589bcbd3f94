// Package topics implements a named set of partitions with its partitioning
// strategies and consumer-group registry.
package topics

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/partitions"
	"github.com/streamhouse/streamhouse/streaming/persister"
)

const (
	infoFile      = "topic.info"
	partitionsDir = "partitions"
	groupsDir     = "consumer_groups"

	maxNameLength    = 255
	maxPartitions    = 100000
	maxReplication   = 1
)

// Topic owns partitions keyed by id plus the consumer-group registry.
type Topic struct {
	StreamID uint32
	ID       uint32
	Name     string

	path      string
	cfg       partitions.Config
	persister persister.Persister
	logger    kitlog.Logger

	// guarded by the owning stream's lock for structure mutations; appends
	// and polls only touch individual partitions.
	partitionMap map[uint32]*partitions.Partition

	Compression       CompressionAlgorithm
	MessageExpiry     ExpiryPolicy
	MaxSize           SizePolicy
	ReplicationFactor uint8

	roundRobin  *atomic.Uint32
	groups      map[uint32]*ConsumerGroup
	groupNames  map[string]uint32
	nextGroupID *atomic.Uint32

	createdAt time.Time
}

// NormalizeName lowercases a name and replaces whitespace with dots.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), ".")
}

// ValidateName checks a normalized resource name.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > maxNameLength {
		return streamerr.ErrInvalidName
	}
	return nil
}

// Create makes a topic with partitionsCount partitions (ids 1..n).
func Create(path string, streamID, id uint32, name string, partitionsCount uint32,
	compression CompressionAlgorithm, expiry ExpiryPolicy, maxSize SizePolicy, replication uint8,
	cfg partitions.Config, p persister.Persister, logger kitlog.Logger,
) (*Topic, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := compression.Validate(); err != nil {
		return nil, err
	}
	if err := expiry.Validate(); err != nil {
		return nil, err
	}
	if err := maxSize.Validate(); err != nil {
		return nil, err
	}
	if replication > maxReplication {
		return nil, streamerr.ErrInvalidReplicationFactor
	}
	if partitionsCount == 0 || partitionsCount > maxPartitions {
		return nil, streamerr.ErrTooManyPartitions
	}

	t := newTopic(path, streamID, id, name, cfg, p, logger)
	t.Compression = compression
	t.MessageExpiry = expiry
	t.MaxSize = maxSize
	t.ReplicationFactor = replication
	t.createdAt = time.Now()

	for _, dir := range []string{path, filepath.Join(path, partitionsDir), filepath.Join(path, groupsDir)} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, streamerr.Wrap(err, "create topic directory %s", dir)
		}
	}
	if err := t.saveInfo(); err != nil {
		return nil, err
	}
	if err := t.addPartitions(partitionsCount); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reopens a topic and all of its partitions and groups.
func Load(path string, streamID, id uint32, cfg partitions.Config, p persister.Persister, logger kitlog.Logger) (*Topic, error) {
	t := newTopic(path, streamID, id, "", cfg, p, logger)
	if err := t.loadInfo(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(path, partitionsDir))
	if err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotReadMetadata, "read partitions of topic %d (%v)", id, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid64, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)
		partition, err := partitions.Load(t.partitionPath(pid), streamID, id, pid, cfg, p, logger)
		if err != nil {
			return nil, err
		}
		t.partitionMap[pid] = partition
	}

	if err := t.loadGroups(); err != nil {
		return nil, err
	}
	t.reassignGroups()
	return t, nil
}

func newTopic(path string, streamID, id uint32, name string, cfg partitions.Config, p persister.Persister, logger kitlog.Logger) *Topic {
	return &Topic{
		StreamID:     streamID,
		ID:           id,
		Name:         name,
		path:         path,
		cfg:          cfg,
		persister:    p,
		logger:       kitlog.With(logger, "component", "topic", "stream", streamID, "topic", id),
		partitionMap: make(map[uint32]*partitions.Partition),
		roundRobin:   atomic.NewUint32(0),
		groups:       make(map[uint32]*ConsumerGroup),
		groupNames:   make(map[string]uint32),
		nextGroupID:  atomic.NewUint32(0),
	}
}

func (t *Topic) partitionPath(id uint32) string {
	return filepath.Join(t.path, partitionsDir, strconv.FormatUint(uint64(id), 10))
}

// Partition returns the partition with the given id.
func (t *Topic) Partition(id uint32) (*partitions.Partition, error) {
	p, ok := t.partitionMap[id]
	if !ok {
		return nil, streamerr.ErrPartitionNotFound
	}
	return p, nil
}

// PartitionIDs returns the partition ids in ascending order.
func (t *Topic) PartitionIDs() []uint32 {
	ids := make([]uint32, 0, len(t.partitionMap))
	for id := range t.partitionMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PartitionCount returns the number of partitions.
func (t *Topic) PartitionCount() uint32 { return uint32(len(t.partitionMap)) }

// SizeBytes sums the persisted size of all partitions.
func (t *Topic) SizeBytes() uint64 {
	var total uint64
	for _, p := range t.partitionMap {
		total += p.SizeBytes()
	}
	return total
}

// MessageCount sums messages across partitions.
func (t *Topic) MessageCount() uint64 {
	var total uint64
	for _, p := range t.partitionMap {
		total += p.MessageCount()
	}
	return total
}

// CreatedAt is the topic creation time.
func (t *Topic) CreatedAt() time.Time { return t.createdAt }

// ResolvePartitionID applies the partitioning strategy of a send request.
func (t *Topic) ResolvePartitionID(partitioning messages.Partitioning) (uint32, error) {
	count := t.PartitionCount()
	if count == 0 {
		return 0, streamerr.ErrNoPartitions
	}
	switch partitioning.Kind {
	case messages.PartitionBalanced:
		next := t.roundRobin.Inc()
		return (next-1)%count + 1, nil
	case messages.PartitionID:
		return partitioning.PartitionIDValue()
	case messages.PartitionMessageKey:
		id := uint32(xxhash.Sum64(partitioning.Value) % uint64(count))
		if id == 0 {
			id = count
		}
		return id, nil
	}
	return 0, streamerr.ErrInvalidPartitioningKind
}

// AppendMessages routes the batch to a partition and appends it.
func (t *Topic) AppendMessages(ctx context.Context, partitioning messages.Partitioning, msgs []*messages.Message) (uint32, error) {
	id, err := t.ResolvePartitionID(partitioning)
	if err != nil {
		return 0, err
	}
	partition, err := t.Partition(id)
	if err != nil {
		return 0, err
	}
	return id, partition.Append(ctx, msgs)
}

// AddPartitions appends count partitions at the high end of the id range
// and rebalances every consumer group.
func (t *Topic) AddPartitions(count uint32) error {
	if uint64(t.PartitionCount())+uint64(count) > maxPartitions {
		return streamerr.ErrTooManyPartitions
	}
	if err := t.addPartitions(count); err != nil {
		return err
	}
	t.reassignGroups()
	return nil
}

func (t *Topic) addPartitions(count uint32) error {
	maxID := uint32(0)
	for id := range t.partitionMap {
		if id > maxID {
			maxID = id
		}
	}
	for i := uint32(1); i <= count; i++ {
		id := maxID + i
		partition, err := partitions.Create(t.partitionPath(id), t.StreamID, t.ID, id, t.cfg, t.persister, t.logger)
		if err != nil {
			return err
		}
		t.partitionMap[id] = partition
	}
	return nil
}

// RemovePartitions deletes count partitions, highest id first. A topic
// always keeps at least one partition. Partitions are deleted one at a
// time; if a deletion fails, the error is returned and the partitions
// deleted before it are not restored.
func (t *Topic) RemovePartitions(ctx context.Context, count uint32) error {
	if count >= t.PartitionCount() {
		return streamerr.ErrCannotRemoveAll
	}
	ids := t.PartitionIDs()
	doomed := ids[len(ids)-int(count):]
	for _, id := range doomed {
		if err := t.partitionMap[id].Delete(ctx); err != nil {
			return err
		}
		delete(t.partitionMap, id)
	}
	t.reassignGroups()
	return nil
}

// Purge drops all messages from every partition by deleting and recreating
// them. Consumer groups and their registry survive.
func (t *Topic) Purge(ctx context.Context) error {
	ids := t.PartitionIDs()
	for _, id := range ids {
		if err := t.partitionMap[id].Delete(ctx); err != nil {
			return err
		}
		partition, err := partitions.Create(t.partitionPath(id), t.StreamID, t.ID, id, t.cfg, t.persister, t.logger)
		if err != nil {
			return err
		}
		t.partitionMap[id] = partition
	}
	return nil
}

// Update changes the mutable topic settings.
func (t *Topic) Update(name string, compression CompressionAlgorithm, expiry ExpiryPolicy, maxSize SizePolicy, replication uint8) error {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := compression.Validate(); err != nil {
		return err
	}
	if err := expiry.Validate(); err != nil {
		return err
	}
	if err := maxSize.Validate(); err != nil {
		return err
	}
	if replication > maxReplication {
		return streamerr.ErrInvalidReplicationFactor
	}
	t.Name = name
	t.Compression = compression
	t.MessageExpiry = expiry
	t.MaxSize = maxSize
	t.ReplicationFactor = replication
	return t.saveInfo()
}

// DeleteExpiredSegments applies retention across all partitions and returns
// the reclaimed bytes.
func (t *Topic) DeleteExpiredSegments(now time.Time, serverDefault time.Duration) (uint64, error) {
	expiry := t.MessageExpiry.Resolve(serverDefault)
	if expiry <= 0 {
		return 0, nil
	}
	var total uint64
	for _, p := range t.partitionMap {
		reclaimed, err := p.DeleteExpiredSegments(now, expiry)
		total += reclaimed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Shutdown flushes and stops every partition.
func (t *Topic) Shutdown(ctx context.Context) {
	for _, p := range t.partitionMap {
		p.Shutdown(ctx)
	}
}

// Delete removes the topic and everything under it from disk.
func (t *Topic) Delete(ctx context.Context) error {
	for _, p := range t.partitionMap {
		if err := p.Delete(ctx); err != nil {
			return err
		}
	}
	t.partitionMap = make(map[uint32]*partitions.Partition)
	if err := os.RemoveAll(t.path); err != nil {
		return streamerr.Wrap(streamerr.ErrCannotWriteFile, "remove topic directory (%v)", err)
	}
	level.Info(t.logger).Log("msg", "deleted topic", "name", t.Name)
	return nil
}

func (t *Topic) saveInfo() error {
	name := []byte(t.Name)
	b := make([]byte, 0, 32+len(name))
	b = binary.LittleEndian.AppendUint64(b, uint64(t.createdAt.UnixMicro()))
	b = append(b, byte(t.Compression))
	b = append(b, byte(t.MessageExpiry.Kind))
	b = binary.LittleEndian.AppendUint64(b, uint64(t.MessageExpiry.Duration))
	b = append(b, byte(t.MaxSize.Kind))
	b = binary.LittleEndian.AppendUint64(b, t.MaxSize.Bytes)
	b = append(b, t.ReplicationFactor)
	b = append(b, byte(len(name)))
	b = append(b, name...)
	return t.persister.Overwrite(filepath.Join(t.path, infoFile), b)
}

func (t *Topic) loadInfo() error {
	b, err := t.persister.ReadAll(filepath.Join(t.path, infoFile))
	if err != nil {
		return streamerr.Wrap(streamerr.ErrCannotReadFile, "read %s (%v)", infoFile, err)
	}
	if len(b) < 29 {
		return streamerr.ErrCannotDeserialize
	}
	t.createdAt = time.UnixMicro(int64(binary.LittleEndian.Uint64(b[0:8])))
	t.Compression = CompressionAlgorithm(b[8])
	t.MessageExpiry = ExpiryPolicy{Kind: ExpiryKind(b[9]), Duration: time.Duration(binary.LittleEndian.Uint64(b[10:18]))}
	t.MaxSize = SizePolicy{Kind: SizeKind(b[18]), Bytes: binary.LittleEndian.Uint64(b[19:27])}
	t.ReplicationFactor = b[27]
	nameLen := int(b[28])
	if len(b) < 29+nameLen {
		return streamerr.ErrCannotDeserialize
	}
	t.Name = string(b[29 : 29+nameLen])
	return nil
}
