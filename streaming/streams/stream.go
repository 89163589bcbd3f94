// Package streams implements the top-level namespace owning topics.
package streams

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/partitions"
	"github.com/streamhouse/streamhouse/streaming/persister"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

const (
	infoFile  = "stream.info"
	topicsDir = "topics"
)

// Stream is a namespace of topics keyed by id with a secondary index by
// name.
type Stream struct {
	ID   uint32
	Name string

	path      string
	cfg       partitions.Config
	persister persister.Persister
	logger    kitlog.Logger

	topicMap    map[uint32]*topics.Topic
	topicNames  map[string]uint32
	nextTopicID *atomic.Uint32

	createdAt time.Time
}

// Create makes an empty stream on disk.
func Create(path string, id uint32, name string, cfg partitions.Config, p persister.Persister, logger kitlog.Logger) (*Stream, error) {
	name = topics.NormalizeName(name)
	if err := topics.ValidateName(name); err != nil {
		return nil, err
	}
	s := newStream(path, id, name, cfg, p, logger)
	s.createdAt = time.Now()

	for _, dir := range []string{path, filepath.Join(path, topicsDir)} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, streamerr.Wrap(err, "create stream directory %s", dir)
		}
	}
	if err := s.saveInfo(); err != nil {
		return nil, err
	}
	level.Info(s.logger).Log("msg", "created stream", "name", name)
	return s, nil
}

// Load reopens a stream and all of its topics.
func Load(path string, id uint32, cfg partitions.Config, p persister.Persister, logger kitlog.Logger) (*Stream, error) {
	s := newStream(path, id, "", cfg, p, logger)
	if err := s.loadInfo(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(path, topicsDir))
	if err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotReadMetadata, "read topics of stream %d (%v)", id, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tid64, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		tid := uint32(tid64)
		topic, err := topics.Load(s.topicPath(tid), id, tid, cfg, p, logger)
		if err != nil {
			return nil, err
		}
		s.topicMap[tid] = topic
		s.topicNames[topic.Name] = tid
		if tid > s.nextTopicID.Load() {
			s.nextTopicID.Store(tid)
		}
	}
	return s, nil
}

func newStream(path string, id uint32, name string, cfg partitions.Config, p persister.Persister, logger kitlog.Logger) *Stream {
	return &Stream{
		ID:          id,
		Name:        name,
		path:        path,
		cfg:         cfg,
		persister:   p,
		logger:      kitlog.With(logger, "component", "stream", "stream", id),
		topicMap:    make(map[uint32]*topics.Topic),
		topicNames:  make(map[string]uint32),
		nextTopicID: atomic.NewUint32(0),
	}
}

func (s *Stream) topicPath(id uint32) string {
	return filepath.Join(s.path, topicsDir, strconv.FormatUint(uint64(id), 10))
}

// Path returns the stream's directory.
func (s *Stream) Path() string { return s.path }

// CreatedAt is the stream creation time.
func (s *Stream) CreatedAt() time.Time { return s.createdAt }

// Topic resolves a topic by identifier.
func (s *Stream) Topic(id identifier.Identifier) (*topics.Topic, error) {
	switch id.Kind {
	case identifier.Numeric:
		numeric, err := id.ID()
		if err != nil {
			return nil, err
		}
		t, ok := s.topicMap[numeric]
		if !ok {
			return nil, streamerr.ErrTopicIDNotFound
		}
		return t, nil
	case identifier.Named:
		name, err := id.Name()
		if err != nil {
			return nil, err
		}
		tid, ok := s.topicNames[topics.NormalizeName(name)]
		if !ok {
			return nil, streamerr.ErrTopicNameNotFound
		}
		return s.topicMap[tid], nil
	}
	return nil, streamerr.ErrInvalidIdentifier
}

// Topics returns all topics ordered by id.
func (s *Stream) Topics() []*topics.Topic {
	ids := make([]uint32, 0, len(s.topicMap))
	for id := range s.topicMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*topics.Topic, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.topicMap[id])
	}
	return out
}

// CreateTopic creates a topic; a zero id means "next available".
func (s *Stream) CreateTopic(id uint32, name string, partitionsCount uint32,
	compression topics.CompressionAlgorithm, expiry topics.ExpiryPolicy, maxSize topics.SizePolicy, replication uint8,
) (*topics.Topic, error) {
	normalized := topics.NormalizeName(name)
	if err := topics.ValidateName(normalized); err != nil {
		return nil, err
	}
	if _, exists := s.topicNames[normalized]; exists {
		return nil, streamerr.ErrTopicNameAlreadyExists
	}
	if id == 0 {
		for {
			id = s.nextTopicID.Inc()
			if _, taken := s.topicMap[id]; !taken {
				break
			}
		}
	} else if _, taken := s.topicMap[id]; taken {
		return nil, streamerr.ErrTopicIDAlreadyExists
	}

	topic, err := topics.Create(s.topicPath(id), s.ID, id, normalized, partitionsCount,
		compression, expiry, maxSize, replication, s.cfg, s.persister, s.logger)
	if err != nil {
		return nil, err
	}
	s.topicMap[id] = topic
	s.topicNames[normalized] = id
	return topic, nil
}

// UpdateTopic changes a topic's settings, keeping the name index in sync.
func (s *Stream) UpdateTopic(id identifier.Identifier, name string,
	compression topics.CompressionAlgorithm, expiry topics.ExpiryPolicy, maxSize topics.SizePolicy, replication uint8,
) (*topics.Topic, error) {
	topic, err := s.Topic(id)
	if err != nil {
		return nil, err
	}
	normalized := topics.NormalizeName(name)
	if existing, ok := s.topicNames[normalized]; ok && existing != topic.ID {
		return nil, streamerr.ErrTopicNameAlreadyExists
	}
	oldName := topic.Name
	if err := topic.Update(name, compression, expiry, maxSize, replication); err != nil {
		return nil, err
	}
	delete(s.topicNames, oldName)
	s.topicNames[topic.Name] = topic.ID
	return topic, nil
}

// DeleteTopic removes a topic and its on-disk artifacts.
func (s *Stream) DeleteTopic(ctx context.Context, id identifier.Identifier) (*topics.Topic, error) {
	topic, err := s.Topic(id)
	if err != nil {
		return nil, err
	}
	if err := topic.Delete(ctx); err != nil {
		return nil, err
	}
	delete(s.topicMap, topic.ID)
	delete(s.topicNames, topic.Name)
	return topic, nil
}

// Purge drops all messages from every topic.
func (s *Stream) Purge(ctx context.Context) error {
	for _, t := range s.topicMap {
		if err := t.Purge(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SizeBytes sums all topic sizes.
func (s *Stream) SizeBytes() uint64 {
	var total uint64
	for _, t := range s.topicMap {
		total += t.SizeBytes()
	}
	return total
}

// MessageCount sums messages across topics.
func (s *Stream) MessageCount() uint64 {
	var total uint64
	for _, t := range s.topicMap {
		total += t.MessageCount()
	}
	return total
}

// TopicCount returns the number of topics.
func (s *Stream) TopicCount() int { return len(s.topicMap) }

// DeleteExpiredSegments runs retention across all topics.
func (s *Stream) DeleteExpiredSegments(now time.Time, serverDefault time.Duration) (uint64, error) {
	var total uint64
	for _, t := range s.topicMap {
		reclaimed, err := t.DeleteExpiredSegments(now, serverDefault)
		total += reclaimed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Shutdown stops every topic.
func (s *Stream) Shutdown(ctx context.Context) {
	for _, t := range s.topicMap {
		t.Shutdown(ctx)
	}
}

// Delete removes the stream directory and everything under it.
func (s *Stream) Delete(ctx context.Context) error {
	for _, t := range s.topicMap {
		if err := t.Delete(ctx); err != nil {
			return err
		}
	}
	s.topicMap = make(map[uint32]*topics.Topic)
	s.topicNames = make(map[string]uint32)
	if err := os.RemoveAll(s.path); err != nil {
		return streamerr.Wrap(streamerr.ErrCannotWriteFile, "remove stream directory (%v)", err)
	}
	level.Info(s.logger).Log("msg", "deleted stream", "name", s.Name)
	return nil
}

func (s *Stream) saveInfo() error {
	name := []byte(s.Name)
	b := make([]byte, 0, 9+len(name))
	b = binary.LittleEndian.AppendUint64(b, uint64(s.createdAt.UnixMicro()))
	b = append(b, byte(len(name)))
	b = append(b, name...)
	return s.persister.Overwrite(filepath.Join(s.path, infoFile), b)
}

func (s *Stream) loadInfo() error {
	b, err := s.persister.ReadAll(filepath.Join(s.path, infoFile))
	if err != nil {
		return streamerr.Wrap(streamerr.ErrCannotReadFile, "read %s (%v)", infoFile, err)
	}
	if len(b) < 9 {
		return streamerr.ErrCannotDeserialize
	}
	s.createdAt = time.UnixMicro(int64(binary.LittleEndian.Uint64(b[0:8])))
	nameLen := int(b[8])
	if len(b) < 9+nameLen {
		return streamerr.ErrCannotDeserialize
	}
	s.Name = string(b[9 : 9+nameLen])
	return nil
}
