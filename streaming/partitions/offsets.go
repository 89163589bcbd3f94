package partitions

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// StoreOffset durably records the offset of a consumer or consumer group.
// Each update overwrites a small per-consumer file: u32 id || u64 offset,
// little-endian.
func (p *Partition) StoreOffset(kind messages.ConsumerKind, consumerID uint32, offset uint64) error {
	p.offsetsMu.Lock()
	defer p.offsetsMu.Unlock()

	switch kind {
	case messages.ConsumerSingle:
		p.consumerOffsets[consumerID] = offset
	case messages.ConsumerGroup:
		p.groupOffsets[consumerID] = offset
	default:
		return streamerr.ErrInvalidFormat
	}

	b := make([]byte, 0, offsetFileSize)
	b = binary.LittleEndian.AppendUint32(b, consumerID)
	b = binary.LittleEndian.AppendUint64(b, offset)
	return p.persister.Overwrite(p.offsetPath(kind, consumerID), b)
}

// GetOffset returns the stored offset of a consumer or group.
func (p *Partition) GetOffset(kind messages.ConsumerKind, consumerID uint32) (uint64, bool) {
	return p.loadStoredOffset(kind, consumerID)
}

// DeleteGroupOffset drops the stored offset of a consumer group.
func (p *Partition) DeleteGroupOffset(groupID uint32) error {
	p.offsetsMu.Lock()
	defer p.offsetsMu.Unlock()

	delete(p.groupOffsets, groupID)
	err := p.persister.Delete(p.offsetPath(messages.ConsumerGroup, groupID))
	if err != nil && !os.IsNotExist(err) {
		return streamerr.Wrap(streamerr.ErrCannotWriteFile, "delete group offset (%v)", err)
	}
	return nil
}

func (p *Partition) loadStoredOffset(kind messages.ConsumerKind, consumerID uint32) (uint64, bool) {
	p.offsetsMu.RLock()
	defer p.offsetsMu.RUnlock()

	var (
		offset uint64
		ok     bool
	)
	switch kind {
	case messages.ConsumerSingle:
		offset, ok = p.consumerOffsets[consumerID]
	case messages.ConsumerGroup:
		offset, ok = p.groupOffsets[consumerID]
	}
	return offset, ok
}

func (p *Partition) offsetPath(kind messages.ConsumerKind, consumerID uint32) string {
	dir := consumerOffsetsDir
	if kind == messages.ConsumerGroup {
		dir = groupOffsetsDir
	}
	return filepath.Join(p.path, dir, strconv.FormatUint(uint64(consumerID), 10))
}

// loadOffsets restores one offsets directory into the given map.
func (p *Partition) loadOffsets(dir string, into map[uint32]uint64) error {
	entries, err := os.ReadDir(filepath.Join(p.path, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return streamerr.Wrap(streamerr.ErrCannotReadMetadata, "read offsets directory %s (%v)", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := p.persister.ReadAll(filepath.Join(p.path, dir, e.Name()))
		if err != nil {
			return streamerr.Wrap(streamerr.ErrCannotReadFile, "read offset file %s (%v)", e.Name(), err)
		}
		if len(b) != offsetFileSize {
			return streamerr.ErrCannotDeserialize
		}
		id := binary.LittleEndian.Uint32(b[0:4])
		into[id] = binary.LittleEndian.Uint64(b[4:12])
	}
	return nil
}
