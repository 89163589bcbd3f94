// Package segments implements one unit of partition storage: a log file of
// concatenated message batches plus its offset index and time index.
package segments

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/persister"
)

const (
	logExtension       = ".log"
	indexExtension     = ".index"
	timeIndexExtension = ".timeindex"
)

// Config controls segment behaviour. The partition shares one Config across
// all of its segments.
type Config struct {
	// Size closes a segment once its log reaches this many bytes.
	Size uint64 `yaml:"size"`
	// CacheIndexes keeps the offset and time indexes in memory.
	CacheIndexes bool `yaml:"cache_indexes"`
	// ValidateChecksum verifies every record's checksum when loading an
	// existing segment.
	ValidateChecksum bool `yaml:"validate_checksum"`

	Writer persister.WriterConfig `yaml:"writer"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Uint64Var(&c.Size, prefix+".size", 1024*1024*1024, "Maximum segment log size in bytes before rollover.")
	f.BoolVar(&c.CacheIndexes, prefix+".cache-indexes", true, "Keep segment indexes in memory.")
	f.BoolVar(&c.ValidateChecksum, prefix+".validate-checksum", false, "Verify message checksums when loading segments.")
	c.Writer.RegisterFlagsAndApplyDefaults(prefix+".writer", f)
}

// Segment owns three sibling files named by the zero-padded start offset:
// <start>.log, <start>.index and <start>.timeindex. A segment is open until
// it fills up; closed segments are immutable.
type Segment struct {
	startOffset   uint64
	partitionPath string
	cfg           Config
	logger        kitlog.Logger
	persister     persister.Persister
	writer        *persister.Writer

	currentOffset uint64
	endOffset     uint64
	sizeBytes     uint64
	closed        bool
	messageCount  uint64

	// cached indexes; nil when cfg.CacheIndexes is false.
	indexes     []IndexEntry
	timeIndexes []TimeIndexEntry

	firstTimestamp uint64
	maxTimestamp   uint64
}

// FileName returns the zero-padded basename shared by the three files.
func FileName(startOffset uint64) string {
	return fmt.Sprintf("%020d", startOffset)
}

// ParseFileName extracts the start offset from a segment file name.
func ParseFileName(name string) (uint64, bool) {
	base := strings.TrimSuffix(name, logExtension)
	if base == name {
		return 0, false
	}
	start, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

// Create makes an empty open segment with zero-length files.
func Create(partitionPath string, startOffset uint64, cfg Config, p persister.Persister, logger kitlog.Logger) (*Segment, error) {
	s := newSegment(partitionPath, startOffset, cfg, p, logger)

	for _, path := range []string{s.IndexPath(), s.TimeIndexPath()} {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, streamerr.Wrap(err, "create %s", path)
		}
		_ = f.Close()
	}

	writer, err := persister.NewWriter(s.LogPath(), cfg.Writer, logger)
	if err != nil {
		return nil, streamerr.Wrap(err, "open log writer for %s", s.LogPath())
	}
	s.writer = writer
	if cfg.CacheIndexes {
		s.indexes = []IndexEntry{}
		s.timeIndexes = []TimeIndexEntry{}
	}
	return s, nil
}

// Load reopens an existing segment: size comes from file metadata and the
// current offset from the last index entry.
func Load(partitionPath string, startOffset uint64, cfg Config, p persister.Persister, logger kitlog.Logger) (*Segment, error) {
	s := newSegment(partitionPath, startOffset, cfg, p, logger)

	info, err := os.Stat(s.LogPath())
	if err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotReadMetadata, "stat %s (%v)", s.LogPath(), err)
	}
	s.sizeBytes = uint64(info.Size())

	indexBytes, err := p.ReadAll(s.IndexPath())
	if err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotReadFile, "read %s (%v)", s.IndexPath(), err)
	}
	entries := decodeIndexEntries(indexBytes)

	// An index entry pointing past the log means the log tail was truncated
	// after the index write; drop those entries and trust the log.
	valid := entries[:0]
	for _, e := range entries {
		if uint64(e.Position) < s.sizeBytes {
			valid = append(valid, e)
		}
	}
	if len(valid) != len(entries) {
		level.Warn(s.logger).Log("msg", "index entries point past log end, ignoring them",
			"segment", s.startOffset, "dropped", len(entries)-len(valid))
	}
	entries = valid

	s.messageCount = uint64(len(entries))
	if len(entries) > 0 {
		s.currentOffset = s.startOffset + uint64(entries[len(entries)-1].RelativeOffset)
	}

	timeBytes, err := p.ReadAll(s.TimeIndexPath())
	if err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotReadFile, "read %s (%v)", s.TimeIndexPath(), err)
	}
	timeEntries := decodeTimeIndexEntries(timeBytes)
	if len(timeEntries) > len(entries) {
		timeEntries = timeEntries[:len(entries)]
	}
	if len(timeEntries) > 0 {
		s.firstTimestamp = timeEntries[0].Timestamp
		s.maxTimestamp = timeEntries[len(timeEntries)-1].Timestamp
	}

	if cfg.CacheIndexes {
		s.indexes = entries
		s.timeIndexes = timeEntries
	}

	if cfg.ValidateChecksum {
		if err := s.verifyLog(); err != nil {
			return nil, err
		}
	}

	writer, err := persister.NewWriter(s.LogPath(), cfg.Writer, logger)
	if err != nil {
		return nil, streamerr.Wrap(err, "open log writer for %s", s.LogPath())
	}
	s.writer = writer

	if s.IsFull() {
		s.close()
	}
	return s, nil
}

func newSegment(partitionPath string, startOffset uint64, cfg Config, p persister.Persister, logger kitlog.Logger) *Segment {
	return &Segment{
		startOffset:   startOffset,
		partitionPath: partitionPath,
		cfg:           cfg,
		persister:     p,
		logger:        kitlog.With(logger, "component", "segment"),
	}
}

func (s *Segment) LogPath() string {
	return filepath.Join(s.partitionPath, FileName(s.startOffset)+logExtension)
}

func (s *Segment) IndexPath() string {
	return filepath.Join(s.partitionPath, FileName(s.startOffset)+indexExtension)
}

func (s *Segment) TimeIndexPath() string {
	return filepath.Join(s.partitionPath, FileName(s.startOffset)+timeIndexExtension)
}

func (s *Segment) StartOffset() uint64   { return s.startOffset }
func (s *Segment) CurrentOffset() uint64 { return s.currentOffset }
func (s *Segment) SizeBytes() uint64     { return s.sizeBytes }
func (s *Segment) IsClosed() bool        { return s.closed }
func (s *Segment) MessageCount() uint64  { return s.messageCount }
func (s *Segment) MaxTimestamp() uint64  { return s.maxTimestamp }
func (s *Segment) FirstTimestamp() uint64 { return s.firstTimestamp }

// EndOffset is fixed once the segment is closed; for open segments it
// tracks the current offset.
func (s *Segment) EndOffset() uint64 {
	if s.closed {
		return s.endOffset
	}
	return s.currentOffset
}

// IsFull reports whether the log has reached the configured size.
func (s *Segment) IsFull() bool { return s.sizeBytes >= s.cfg.Size }

// IsExpired reports whether every message in the segment is older than
// expiry. Only closed segments expire; the open segment is still receiving
// writes.
func (s *Segment) IsExpired(now time.Time, expiry time.Duration) bool {
	if !s.closed || expiry <= 0 {
		return false
	}
	maxTs := time.UnixMicro(int64(s.maxTimestamp))
	return !maxTs.Add(expiry).After(now)
}

// Close seals the segment: the end offset becomes fixed and further appends
// are rejected.
func (s *Segment) Close() { s.close() }

func (s *Segment) close() {
	if s.closed {
		return
	}
	s.endOffset = s.currentOffset
	s.closed = true
}

// Shutdown drains and stops the log writer task.
func (s *Segment) Shutdown(ctx context.Context) {
	if s.writer != nil {
		s.writer.Shutdown(ctx)
	}
}

// Delete removes the three files from disk. The segment must not be used
// afterwards.
func (s *Segment) Delete() error {
	for _, path := range []string{s.LogPath(), s.IndexPath(), s.TimeIndexPath()} {
		if err := s.persister.Delete(path); err != nil && !os.IsNotExist(err) {
			return streamerr.Wrap(streamerr.ErrCannotWriteFile, "delete %s (%v)", path, err)
		}
	}
	return nil
}
