package segments

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// IndexEntrySize is the fixed size of one offset-index entry:
// relative offset (u32) + byte position (u32), little-endian.
const IndexEntrySize = 8

// TimeIndexEntrySize is the fixed size of one time-index entry:
// relative offset (u32) + timestamp in microseconds (u64), little-endian.
const TimeIndexEntrySize = 12

// IndexEntry maps a message's relative offset to the byte position of the
// batch that contains it. Entries are dense: the entry for relative offset r
// lives at byte r*IndexEntrySize, so lookups never need a search.
type IndexEntry struct {
	RelativeOffset uint32
	Position       uint32
}

// TimeIndexEntry maps a relative offset to a monotonically non-decreasing
// timestamp.
type TimeIndexEntry struct {
	RelativeOffset uint32
	Timestamp      uint64
}

func appendIndexEntry(b []byte, e IndexEntry) []byte {
	b = binary.LittleEndian.AppendUint32(b, e.RelativeOffset)
	return binary.LittleEndian.AppendUint32(b, e.Position)
}

func appendTimeIndexEntry(b []byte, e TimeIndexEntry) []byte {
	b = binary.LittleEndian.AppendUint32(b, e.RelativeOffset)
	return binary.LittleEndian.AppendUint64(b, e.Timestamp)
}

func decodeIndexEntries(b []byte) []IndexEntry {
	entries := make([]IndexEntry, 0, len(b)/IndexEntrySize)
	for len(b) >= IndexEntrySize {
		entries = append(entries, IndexEntry{
			RelativeOffset: binary.LittleEndian.Uint32(b[0:4]),
			Position:       binary.LittleEndian.Uint32(b[4:8]),
		})
		b = b[IndexEntrySize:]
	}
	return entries
}

func decodeTimeIndexEntries(b []byte) []TimeIndexEntry {
	entries := make([]TimeIndexEntry, 0, len(b)/TimeIndexEntrySize)
	for len(b) >= TimeIndexEntrySize {
		entries = append(entries, TimeIndexEntry{
			RelativeOffset: binary.LittleEndian.Uint32(b[0:4]),
			Timestamp:      binary.LittleEndian.Uint64(b[4:12]),
		})
		b = b[TimeIndexEntrySize:]
	}
	return entries
}

// readIndexEntryAt reads the dense index entry for relative offset rel
// straight from disk.
func readIndexEntryAt(path string, rel uint32) (IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return IndexEntry{}, errors.Wrap(err, "open index")
	}
	defer f.Close()

	var buf [IndexEntrySize]byte
	if _, err := f.ReadAt(buf[:], int64(rel)*IndexEntrySize); err != nil {
		return IndexEntry{}, errors.Wrap(err, "read index entry")
	}
	return IndexEntry{
		RelativeOffset: binary.LittleEndian.Uint32(buf[0:4]),
		Position:       binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// searchTimeIndex returns the first entry whose timestamp is >= ts. Entries
// are sorted by construction, so this is a plain binary search.
func searchTimeIndex(entries []TimeIndexEntry, ts uint64) (TimeIndexEntry, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].Timestamp < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(entries) {
		return TimeIndexEntry{}, false
	}
	return entries[lo], true
}

// searchTimeIndexFile binary-searches the on-disk time index without loading
// it whole.
func searchTimeIndexFile(path string, ts uint64) (TimeIndexEntry, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return TimeIndexEntry{}, false, errors.Wrap(err, "open time index")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return TimeIndexEntry{}, false, errors.Wrap(err, "stat time index")
	}
	count := info.Size() / TimeIndexEntrySize

	readAt := func(i int64) (TimeIndexEntry, error) {
		var buf [TimeIndexEntrySize]byte
		if _, err := f.ReadAt(buf[:], i*TimeIndexEntrySize); err != nil {
			return TimeIndexEntry{}, err
		}
		return TimeIndexEntry{
			RelativeOffset: binary.LittleEndian.Uint32(buf[0:4]),
			Timestamp:      binary.LittleEndian.Uint64(buf[4:12]),
		}, nil
	}

	lo, hi := int64(0), count
	for lo < hi {
		mid := (lo + hi) / 2
		e, err := readAt(mid)
		if err != nil {
			return TimeIndexEntry{}, false, err
		}
		if e.Timestamp < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == count {
		return TimeIndexEntry{}, false, nil
	}
	e, err := readAt(lo)
	if err != nil {
		return TimeIndexEntry{}, false, err
	}
	return e, true, nil
}
