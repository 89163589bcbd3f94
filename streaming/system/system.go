// Package system is the process-wide registry: streams by id and name, the
// client/session registry, the state store and the retention scheduler.
// Callers address everything with (stream, topic, partition) identifier
// tuples; locks live at the leaves.
package system

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/partitions"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/state"
	"github.com/streamhouse/streamhouse/streaming/streams"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

const (
	infoFile   = "system.info"
	streamsDir = "streams"
	stateFile  = "state.db"

	// Version is persisted in system.info and guards on-disk compatibility.
	Version uint32 = 1
)

// Config is the storage-side configuration of the broker.
type Config struct {
	// Path is the root of the on-disk tree ($system_path).
	Path string `yaml:"path"`
	// MessageExpiry is the server default used by topics with the
	// server-default expiry policy; 0 means never expire.
	MessageExpiry time.Duration `yaml:"message_expiry"`
	// RetentionInterval is how often expired segments are swept.
	RetentionInterval time.Duration `yaml:"retention_interval"`

	Partition partitions.Config `yaml:"partition"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Path, prefix+".path", "./data", "Root directory of the on-disk tree.")
	f.DurationVar(&c.MessageExpiry, prefix+".message-expiry", 0, "Server-default message expiry; 0 disables expiry.")
	f.DurationVar(&c.RetentionInterval, prefix+".retention-interval", time.Minute, "Interval between retention sweeps.")
	c.Partition.RegisterFlagsAndApplyDefaults(prefix+".partition", f)
}

// System owns the whole broker state. Streams are held behind a read-write
// guard; stream/topic/partition/segment each guard themselves, acquired
// strictly top-down.
type System struct {
	cfg       Config
	logger    kitlog.Logger
	persister persister.Persister
	store     *state.Store

	mu           sync.RWMutex
	streamMap    map[uint32]*streams.Stream
	streamNames  map[string]uint32
	nextStreamID *atomic.Uint32

	clients   *ClientRegistry
	createdAt time.Time
	startedAt time.Time
}

// New loads the system from disk, creating the tree on first start. The
// on-disk tree is the source of truth; the journal is not replayed.
func New(cfg Config, logger kitlog.Logger) (*System, error) {
	s := &System{
		cfg:          cfg,
		logger:       kitlog.With(logger, "component", "system"),
		persister:    &persister.FilePersister{},
		streamMap:    make(map[uint32]*streams.Stream),
		streamNames:  make(map[string]uint32),
		nextStreamID: atomic.NewUint32(0),
		clients:      NewClientRegistry(),
		startedAt:    time.Now(),
	}

	for _, dir := range []string{cfg.Path, filepath.Join(cfg.Path, streamsDir)} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, streamerr.Wrap(err, "create system directory %s", dir)
		}
	}

	store, err := state.Open(filepath.Join(cfg.Path, stateFile))
	if err != nil {
		return nil, err
	}
	s.store = store

	if err := s.loadOrCreateInfo(); err != nil {
		return nil, err
	}
	if err := s.loadStreams(); err != nil {
		return nil, err
	}
	if err := s.ensureRootUser(); err != nil {
		return nil, err
	}

	level.Info(s.logger).Log("msg", "system loaded", "streams", len(s.streamMap), "path", cfg.Path)
	return s, nil
}

// State exposes the key/value side-store.
func (s *System) State() *state.Store { return s.store }

// Clients exposes the session registry.
func (s *System) Clients() *ClientRegistry { return s.clients }

func (s *System) loadOrCreateInfo() error {
	path := filepath.Join(s.cfg.Path, infoFile)
	b, err := s.persister.ReadAll(path)
	if os.IsNotExist(err) {
		s.createdAt = time.Now()
		out := binary.LittleEndian.AppendUint32(nil, Version)
		out = binary.LittleEndian.AppendUint64(out, uint64(s.createdAt.UnixMicro()))
		return s.persister.Overwrite(path, out)
	}
	if err != nil {
		return streamerr.Wrap(streamerr.ErrCannotReadFile, "read %s (%v)", infoFile, err)
	}
	if len(b) < 12 {
		return streamerr.ErrCannotDeserialize
	}
	s.createdAt = time.UnixMicro(int64(binary.LittleEndian.Uint64(b[4:12])))
	return nil
}

func (s *System) loadStreams() error {
	entries, err := os.ReadDir(filepath.Join(s.cfg.Path, streamsDir))
	if err != nil {
		return streamerr.Wrap(streamerr.ErrCannotReadMetadata, "read streams directory (%v)", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id64, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		id := uint32(id64)
		stream, err := streams.Load(s.streamPath(id), id, s.cfg.Partition, s.persister, s.logger)
		if err != nil {
			return err
		}
		s.streamMap[id] = stream
		s.streamNames[stream.Name] = id
		if id > s.nextStreamID.Load() {
			s.nextStreamID.Store(id)
		}
	}
	return nil
}

func (s *System) streamPath(id uint32) string {
	return filepath.Join(s.cfg.Path, streamsDir, strconv.FormatUint(uint64(id), 10))
}

// Stream resolves a stream by identifier.
func (s *System) Stream(id identifier.Identifier) (*streams.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamLocked(id)
}

func (s *System) streamLocked(id identifier.Identifier) (*streams.Stream, error) {
	switch id.Kind {
	case identifier.Numeric:
		numeric, err := id.ID()
		if err != nil {
			return nil, err
		}
		stream, ok := s.streamMap[numeric]
		if !ok {
			return nil, streamerr.ErrStreamIDNotFound
		}
		return stream, nil
	case identifier.Named:
		name, err := id.Name()
		if err != nil {
			return nil, err
		}
		sid, ok := s.streamNames[topics.NormalizeName(name)]
		if !ok {
			return nil, streamerr.ErrStreamNameNotFound
		}
		return s.streamMap[sid], nil
	}
	return nil, streamerr.ErrInvalidIdentifier
}

// Streams returns all streams ordered by id.
func (s *System) Streams() []*streams.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.streamMap))
	for id := range s.streamMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*streams.Stream, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.streamMap[id])
	}
	return out
}

// CreateStream creates a stream; a zero id means "next available".
func (s *System) CreateStream(id uint32, name string) (*streams.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := topics.NormalizeName(name)
	if err := topics.ValidateName(normalized); err != nil {
		return nil, err
	}
	if _, exists := s.streamNames[normalized]; exists {
		return nil, streamerr.ErrStreamNameAlreadyExists
	}
	if id == 0 {
		for {
			id = s.nextStreamID.Inc()
			if _, taken := s.streamMap[id]; !taken {
				break
			}
		}
	} else if _, taken := s.streamMap[id]; taken {
		return nil, streamerr.ErrStreamIDAlreadyExists
	}

	stream, err := streams.Create(s.streamPath(id), id, normalized, s.cfg.Partition, s.persister, s.logger)
	if err != nil {
		return nil, err
	}
	s.streamMap[id] = stream
	s.streamNames[normalized] = id
	return stream, nil
}

// UpdateStream renames a stream.
func (s *System) UpdateStream(id identifier.Identifier, name string) (*streams.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, err := s.streamLocked(id)
	if err != nil {
		return nil, err
	}
	normalized := topics.NormalizeName(name)
	if err := topics.ValidateName(normalized); err != nil {
		return nil, err
	}
	if existing, ok := s.streamNames[normalized]; ok && existing != stream.ID {
		return nil, streamerr.ErrStreamNameAlreadyExists
	}
	delete(s.streamNames, stream.Name)
	stream.Name = normalized
	s.streamNames[normalized] = stream.ID
	return stream, nil
}

// DeleteStream removes a stream and its on-disk tree.
func (s *System) DeleteStream(ctx context.Context, id identifier.Identifier) (*streams.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, err := s.streamLocked(id)
	if err != nil {
		return nil, err
	}
	if err := stream.Delete(ctx); err != nil {
		return nil, err
	}
	delete(s.streamMap, stream.ID)
	delete(s.streamNames, stream.Name)
	return stream, nil
}

// PurgeStream drops all messages of a stream.
func (s *System) PurgeStream(ctx context.Context, id identifier.Identifier) error {
	stream, err := s.Stream(id)
	if err != nil {
		return err
	}
	return stream.Purge(ctx)
}

// Topic resolves (stream, topic) identifiers.
func (s *System) Topic(streamID, topicID identifier.Identifier) (*topics.Topic, error) {
	stream, err := s.Stream(streamID)
	if err != nil {
		return nil, err
	}
	return stream.Topic(topicID)
}

// Partition resolves a (stream, topic, partition) tuple.
func (s *System) Partition(streamID, topicID identifier.Identifier, partitionID uint32) (*partitions.Partition, error) {
	topic, err := s.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.Partition(partitionID)
}

// DisconnectClient drops a client's session and removes it from every
// consumer group it joined.
func (s *System) DisconnectClient(clientID uint32) {
	s.clients.Remove(clientID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stream := range s.streamMap {
		for _, topic := range stream.Topics() {
			topic.LeaveAllGroups(clientID)
		}
	}
}

// Stats is the broker-wide counter snapshot returned by GetStats.
type Stats struct {
	ProcessID       int
	StartTime       time.Time
	StreamsCount    int
	TopicsCount     int
	PartitionsCount int
	MessagesCount   uint64
	SizeBytes       uint64
	ClientsCount    int
}

// GetStats snapshots the broker counters.
func (s *System) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		ProcessID:    os.Getpid(),
		StartTime:    s.startedAt,
		StreamsCount: len(s.streamMap),
		ClientsCount: s.clients.Count(),
	}
	for _, stream := range s.streamMap {
		stats.TopicsCount += stream.TopicCount()
		for _, topic := range stream.Topics() {
			stats.PartitionsCount += int(topic.PartitionCount())
		}
		stats.MessagesCount += stream.MessageCount()
		stats.SizeBytes += stream.SizeBytes()
	}
	return stats
}

// Shutdown flushes every partition and closes the state store.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, stream := range s.streamMap {
		stream.Shutdown(ctx)
	}
	s.mu.RUnlock()
	return s.store.Close()
}
