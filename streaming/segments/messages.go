package segments

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/go-kit/log/level"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// AppendBatch writes the batch to the log and records one offset-index and
// one time-index entry per message. All messages of a batch share the byte
// position of the batch header, which keeps dense relative addressing while
// the log itself stays batch-framed.
func (s *Segment) AppendBatch(ctx context.Context, batch *messages.Batch) error {
	if s.closed {
		return streamerr.ErrSegmentClosed
	}
	if len(batch.Messages) == 0 {
		return nil
	}

	position := uint32(s.sizeBytes)
	headerBytes := batch.Header.AppendBinary(make([]byte, 0, messages.BatchHeaderSize))

	bufs := make([][]byte, 0, len(batch.Messages)+1)
	bufs = append(bufs, headerBytes)

	indexBytes := make([]byte, 0, len(batch.Messages)*IndexEntrySize)
	timeIndexBytes := make([]byte, 0, len(batch.Messages)*TimeIndexEntrySize)
	for _, m := range batch.Messages {
		bufs = append(bufs, m.AppendBinary(make([]byte, 0, m.Size())))

		rel := uint32(m.Offset - s.startOffset)
		entry := IndexEntry{RelativeOffset: rel, Position: position}

		// Time index timestamps never decrease, even if the wall clock does.
		ts := m.Timestamp
		if ts < s.maxTimestamp {
			ts = s.maxTimestamp
		}
		timeEntry := TimeIndexEntry{RelativeOffset: rel, Timestamp: ts}

		indexBytes = appendIndexEntry(indexBytes, entry)
		timeIndexBytes = appendTimeIndexEntry(timeIndexBytes, timeEntry)

		if s.cfg.CacheIndexes {
			s.indexes = append(s.indexes, entry)
			s.timeIndexes = append(s.timeIndexes, timeEntry)
		}
		if s.firstTimestamp == 0 && s.messageCount == 0 {
			s.firstTimestamp = ts
		}
		s.maxTimestamp = ts
		s.messageCount++
	}

	if err := s.writer.Persist(ctx, bufs...); err != nil {
		return streamerr.Wrap(streamerr.ErrCannotWriteFile, "append batch to %s (%v)", s.LogPath(), err)
	}
	if err := s.persister.Append(s.IndexPath(), indexBytes); err != nil {
		return streamerr.Wrap(streamerr.ErrCannotWriteFile, "append index entries (%v)", err)
	}
	if err := s.persister.Append(s.TimeIndexPath(), timeIndexBytes); err != nil {
		return streamerr.Wrap(streamerr.ErrCannotWriteFile, "append time index entries (%v)", err)
	}

	s.sizeBytes += uint64(batch.Size())
	s.currentOffset = batch.Header.LastOffset()
	return nil
}

// GetMessages returns at most count messages with offsets in
// [startOffset, currentOffset]. Offsets below the segment start are clamped
// up; the end of the range is clamped to the current offset.
func (s *Segment) GetMessages(startOffset uint64, count uint32) ([]*messages.Message, error) {
	if count == 0 || s.messageCount == 0 {
		return nil, nil
	}
	if startOffset < s.startOffset {
		startOffset = s.startOffset
	}
	if startOffset > s.currentOffset {
		return nil, nil
	}
	endOffset := startOffset + uint64(count-1)
	if endOffset > s.currentOffset {
		endOffset = s.currentOffset
	}

	position, err := s.positionOf(startOffset)
	if err != nil {
		return nil, err
	}
	return s.readRange(int64(position), startOffset, endOffset)
}

// GetMessagesByTimestamp resolves the first offset whose (monotonic) time
// index entry is at or past ts, then reads from there. The boolean is false
// when every message in the segment is older than ts.
func (s *Segment) GetMessagesByTimestamp(ts uint64, count uint32) ([]*messages.Message, bool, error) {
	offset, ok, err := s.OffsetAtTimestamp(ts)
	if err != nil || !ok {
		return nil, ok, err
	}
	msgs, err := s.GetMessages(offset, count)
	return msgs, true, err
}

// OffsetAtTimestamp returns the first offset with timestamp >= ts.
func (s *Segment) OffsetAtTimestamp(ts uint64) (uint64, bool, error) {
	if s.messageCount == 0 || s.maxTimestamp < ts {
		return 0, false, nil
	}
	if s.cfg.CacheIndexes {
		entry, ok := searchTimeIndex(s.timeIndexes, ts)
		if !ok {
			return 0, false, nil
		}
		return s.startOffset + uint64(entry.RelativeOffset), true, nil
	}
	entry, ok, err := searchTimeIndexFile(s.TimeIndexPath(), ts)
	if err != nil || !ok {
		return 0, ok, err
	}
	return s.startOffset + uint64(entry.RelativeOffset), true, nil
}

// positionOf resolves the byte position of the batch containing offset.
func (s *Segment) positionOf(offset uint64) (uint32, error) {
	rel := uint32(offset - s.startOffset)
	if s.cfg.CacheIndexes {
		if uint64(rel) >= uint64(len(s.indexes)) {
			return 0, nil
		}
		return s.indexes[rel].Position, nil
	}
	entry, err := readIndexEntryAt(s.IndexPath(), rel)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.ErrCannotReadFile, "resolve position of offset %d (%v)", offset, err)
	}
	return entry.Position, nil
}

// readRange streams batches from position until the requested offsets are
// collected. A truncated trailing batch ends the read with a warning rather
// than an error.
func (s *Segment) readRange(position int64, startOffset, endOffset uint64) ([]*messages.Message, error) {
	f, err := os.Open(s.LogPath())
	if err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotReadFile, "open %s (%v)", s.LogPath(), err)
	}
	defer f.Close()

	if _, err := f.Seek(position, io.SeekStart); err != nil {
		return nil, streamerr.Wrap(streamerr.ErrCannotSeekFile, "seek %s to %d (%v)", s.LogPath(), position, err)
	}

	limit := int64(s.sizeBytes) - position
	reader := bufio.NewReader(io.LimitReader(f, limit))

	var result []*messages.Message
	headerBuf := make([]byte, messages.BatchHeaderSize)
	for {
		if _, err := io.ReadFull(reader, headerBuf); err != nil {
			if err == io.EOF {
				break
			}
			level.Warn(s.logger).Log("msg", "truncated batch header at log tail", "segment", s.startOffset)
			break
		}
		header, err := messages.DecodeBatchHeader(headerBuf)
		if err != nil {
			return nil, err
		}
		if header.BaseOffset > endOffset {
			break
		}

		body := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, body); err != nil {
			level.Warn(s.logger).Log("msg", "truncated batch payload at log tail", "segment", s.startOffset)
			break
		}
		if header.LastOffset() < startOffset {
			continue
		}

		msgs, err := messages.DecodeBatchMessages(body)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Offset < startOffset || m.Offset > endOffset {
				continue
			}
			result = append(result, m)
		}
	}
	return result, nil
}

// verifyLog streams the whole log checking every record's checksum.
func (s *Segment) verifyLog() error {
	f, err := os.Open(s.LogPath())
	if err != nil {
		return streamerr.Wrap(streamerr.ErrCannotReadFile, "open %s (%v)", s.LogPath(), err)
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, int64(s.sizeBytes)))
	headerBuf := make([]byte, messages.BatchHeaderSize)
	for {
		if _, err := io.ReadFull(reader, headerBuf); err != nil {
			break
		}
		header, err := messages.DecodeBatchHeader(headerBuf)
		if err != nil {
			return err
		}
		body := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, body); err != nil {
			level.Warn(s.logger).Log("msg", "truncated batch at log tail during verification", "segment", s.startOffset)
			break
		}
		msgs, err := messages.DecodeBatchMessages(body)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := m.VerifyChecksum(); err != nil {
				return streamerr.Wrap(err, "offset %d in segment %d", m.Offset, s.startOffset)
			}
		}
	}
	return nil
}
