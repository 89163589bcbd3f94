package partitions

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/segments"
)

// Append runs the ingest pipeline: id assignment, deduplication, offset and
// timestamp assignment, checksums, accumulation and the periodic flush.
// Appends are totally ordered per partition.
func (p *Partition) Append(ctx context.Context, msgs []*messages.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.segmentChain) == 0 {
		return streamerr.ErrSegmentNotFound
	}

	appended := 0
	for _, m := range msgs {
		if m.ID == (uuid.UUID{}) {
			m.ID = uuid.New()
		}
		if p.dedup != nil {
			if _, seen := p.dedup.Get(m.ID); seen {
				level.Warn(p.logger).Log("msg", "dropped duplicated message", "id", m.ID)
				metricDeduplicatedMessages.Inc()
				continue
			}
			p.dedup.Add(m.ID, struct{}{})
		}

		if p.shouldIncrementOffset {
			p.currentOffset++
		} else {
			p.shouldIncrementOffset = true
		}
		m.Offset = p.currentOffset
		m.Timestamp = p.nextTimestamp()
		m.State = messages.StateAvailable
		m.Checksum = messages.Checksum32(m.Payload)

		p.accumulator = append(p.accumulator, m)
		p.accumulatorBytes += uint64(m.Size())
		if p.cache != nil {
			p.cache.push(m)
		}
		appended++
	}
	if appended == 0 {
		return nil
	}

	p.unsavedCount += uint32(appended)
	metricAppendedMessages.Add(float64(appended))

	open := p.segmentChain[len(p.segmentChain)-1]
	if p.unsavedCount >= p.cfg.MessagesRequiredToSave ||
		open.SizeBytes()+p.accumulatorBytes >= p.cfg.Segment.Size {
		return p.persistMessages(ctx)
	}
	return nil
}

// nextTimestamp returns broker time in microseconds, never going backwards.
func (p *Partition) nextTimestamp() uint64 {
	now := uint64(time.Now().UnixMicro())
	if now <= p.lastTimestamp {
		now = p.lastTimestamp
	}
	p.lastTimestamp = now
	return now
}

// PersistMessages flushes the batch accumulator to the open segment.
func (p *Partition) PersistMessages(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persistMessages(ctx)
}

// persistMessages must be called with the write lock held. After the flush
// a full segment is closed and a fresh one is rolled starting right after
// its end offset.
func (p *Partition) persistMessages(ctx context.Context) error {
	if len(p.accumulator) == 0 {
		return nil
	}

	open := p.segmentChain[len(p.segmentChain)-1]
	batch := messages.NewBatch(p.accumulator)
	if err := open.AppendBatch(ctx, batch); err != nil {
		return err
	}

	p.sizeBytes.Add(uint64(batch.Size()))
	p.messageCount.Add(uint64(len(batch.Messages)))
	p.accumulator = nil
	p.accumulatorBytes = 0
	p.unsavedCount = 0

	if open.IsFull() {
		open.Close()
		start := open.EndOffset() + 1
		level.Debug(p.logger).Log("msg", "segment is full, rolling over", "start_offset", start)
		seg, err := segments.Create(p.path, start, p.cfg.Segment, p.persister, p.logger)
		if err != nil {
			return err
		}
		p.segmentChain = append(p.segmentChain, seg)
		metricSegmentsRolled.Inc()
	}
	return nil
}

// GetMessagesByOffset returns up to count messages starting at startOffset.
// Offsets past the head return an empty result, not an error.
func (p *Partition) GetMessagesByOffset(startOffset uint64, count uint32) ([]*messages.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.getMessagesByOffset(startOffset, count)
}

func (p *Partition) getMessagesByOffset(startOffset uint64, count uint32) ([]*messages.Message, error) {
	if count == 0 || !p.shouldIncrementOffset || len(p.segmentChain) == 0 {
		return nil, nil
	}
	if startOffset > p.currentOffset {
		return nil, nil
	}
	endOffset := startOffset + uint64(count-1)
	if endOffset > p.currentOffset {
		endOffset = p.currentOffset
	}

	if p.cache != nil {
		if cached, ok := p.cache.get(startOffset, endOffset); ok {
			return cached, nil
		}
	}

	var result []*messages.Message
	for _, seg := range p.segmentChain {
		if seg.MessageCount() == 0 || seg.CurrentOffset() < startOffset || seg.StartOffset() > endOffset {
			continue
		}
		msgs, err := seg.GetMessages(startOffset, count)
		if err != nil {
			return nil, err
		}
		result = append(result, msgs...)
	}

	// The accumulator holds the unpersisted tail; its offsets follow the
	// last persisted one, so appending keeps the order.
	for _, m := range p.accumulator {
		if m.Offset >= startOffset && m.Offset <= endOffset {
			result = append(result, m)
		}
	}

	if uint32(len(result)) > count {
		result = result[:count]
	}
	return result, nil
}

// GetMessagesByTimestamp finds the first message with timestamp >= ts across
// the segment time indexes and reads from there.
func (p *Partition) GetMessagesByTimestamp(ts uint64, count uint32) ([]*messages.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, seg := range p.segmentChain {
		if seg.MessageCount() == 0 || seg.MaxTimestamp() < ts {
			continue
		}
		offset, ok, err := seg.OffsetAtTimestamp(ts)
		if err != nil {
			return nil, err
		}
		if ok {
			return p.getMessagesByOffset(offset, count)
		}
	}

	for _, m := range p.accumulator {
		if m.Timestamp >= ts {
			return p.getMessagesByOffset(m.Offset, count)
		}
	}
	return nil, nil
}

// GetFirstMessages reads from the first retained offset.
func (p *Partition) GetFirstMessages(count uint32) ([]*messages.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.segmentChain) == 0 {
		return nil, nil
	}
	return p.getMessagesByOffset(p.segmentChain[0].StartOffset(), count)
}

// GetLastMessages reads the newest count messages in offset order.
func (p *Partition) GetLastMessages(count uint32) ([]*messages.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.shouldIncrementOffset {
		return nil, nil
	}
	wanted := uint64(count)
	if wanted > p.currentOffset+1 {
		wanted = p.currentOffset + 1
	}
	start := p.currentOffset + 1 - wanted
	return p.getMessagesByOffset(start, uint32(wanted))
}

// GetNextMessages reads from the consumer's (or group's) stored offset plus
// one; a consumer with no stored offset starts from the first message.
func (p *Partition) GetNextMessages(kind messages.ConsumerKind, consumerID uint32, count uint32) ([]*messages.Message, error) {
	stored, ok := p.loadStoredOffset(kind, consumerID)
	if !ok {
		return p.GetFirstMessages(count)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.shouldIncrementOffset || stored >= p.currentOffset {
		return nil, nil
	}
	return p.getMessagesByOffset(stored+1, count)
}
