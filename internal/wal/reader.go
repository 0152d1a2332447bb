package wal

import (
	"bufio"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// Entry is a fully decoded WAL entry as returned to readers: the
// on-disk header plus the reconstructed log entry.
type Entry struct {
	Header EntryHeader
	Body   logentry.LogEntry
}

// Reader is the WAL Reader of spec §4.2. It opens segments read-only
// and may run concurrently with the Writer and with any number of
// other readers, since sealed segments are immutable (spec §9).
type Reader struct {
	dir string
	mu  sync.RWMutex
	idx []SegmentInfo // sorted ascending by FirstLSN
}

// NewReader builds the in-memory segment index for dir.
func NewReader(dir string) (*Reader, error) {
	r := &Reader{dir: dir}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rebuilds the segment index. The leader calls this when
// rotation may have occurred concurrently.
func (r *Reader) Refresh() error {
	paths, err := listSegmentFiles(r.dir)
	if err != nil {
		return err
	}
	idx := make([]SegmentInfo, 0, len(paths))
	for _, p := range paths {
		h, err := readSegmentHeader(p)
		if err != nil {
			return wolferr.Wrap(wolferr.KindWAL, err, "read segment header %s", p)
		}
		idx = append(idx, SegmentInfo{Path: p, FirstLSN: h.FirstLSN, LastLSN: h.LastLSN, EntryCount: h.EntryCount})
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i].FirstLSN < idx[j].FirstLSN })
	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()
	return nil
}

// Segments returns a snapshot of the current segment index.
func (r *Reader) Segments() []SegmentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SegmentInfo, len(r.idx))
	copy(out, r.idx)
	return out
}

// Count returns the total number of entries across all indexed
// segments. Sealed segments are counted from header metadata; an
// unsealed segment, whose on-disk header still holds last_lsn 0 and
// entry_count 0, is scanned frame by frame.
func (r *Reader) Count() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n uint64
	for _, s := range r.idx {
		if s.LastLSN == 0 {
			if rec, err := scanUnsealedSegment(s.Path); err == nil {
				n += uint64(rec.EntryCount)
			}
			continue
		}
		n += uint64(s.EntryCount)
	}
	return n
}

// startSegmentIndex finds the index of the segment whose FirstLSN is
// the largest <= lsn, or 0 if lsn precedes every segment.
func startSegmentIndex(idx []SegmentInfo, lsn uint64) int {
	pos := sort.Search(len(idx), func(i int) bool { return idx[i].FirstLSN > lsn })
	if pos == 0 {
		return 0
	}
	return pos - 1
}

// ReadBatch reads up to max entries starting at the first LSN >= from,
// rolling over into successive segments as needed. A request past the
// last LSN returns an empty, non-error result (spec §4.2).
func (r *Reader) ReadBatch(from uint64, max int) ([]Entry, error) {
	r.mu.RLock()
	idx := make([]SegmentInfo, len(r.idx))
	copy(idx, r.idx)
	r.mu.RUnlock()

	if len(idx) == 0 {
		return nil, nil
	}

	out := make([]Entry, 0, max)
	start := startSegmentIndex(idx, from)
	for segIdx := start; segIdx < len(idx) && (max <= 0 || len(out) < max); segIdx++ {
		seg := idx[segIdx]
		if seg.LastLSN != 0 && seg.LastLSN < from {
			continue
		}
		entries, err := readSegmentEntries(seg.Path, from, max-len(out))
		if err != nil {
			return out, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// ReadFrom reads every entry at or after from.
func (r *Reader) ReadFrom(from uint64) ([]Entry, error) {
	return r.ReadBatch(from, 0)
}

// ReadRange reads every entry with LSN in [from, to].
func (r *Reader) ReadRange(from, to uint64) ([]Entry, error) {
	all, err := r.ReadBatch(from, 0)
	if err != nil {
		return all, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Header.LSN > to {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns the single entry at lsn, if present.
func (r *Reader) Get(lsn uint64) (*Entry, bool, error) {
	entries, err := r.ReadBatch(lsn, 1)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 || entries[0].Header.LSN != lsn {
		return nil, false, nil
	}
	return &entries[0], true, nil
}

// readSegmentEntries reads up to max (0 = unbounded) entries with LSN
// >= from from a single segment file.
func readSegmentEntries(path string, from uint64, max int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wolferr.Wrap(wolferr.KindWALSegmentMissing, err, "open segment %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(SegmentHeaderSize, io.SeekStart); err != nil {
		return nil, wolferr.Wrap(wolferr.KindWAL, err, "seek segment %s", path)
	}
	br := bufio.NewReader(f)

	var out []Entry
	for max <= 0 || len(out) < max {
		decoded, _, err := readEntry(br)
		if err != nil {
			if err == io.EOF {
				break
			}
			return out, wolferr.Wrap(wolferr.KindWALEntryCorrupted, err, "segment %s", path)
		}
		if decoded.Header.LSN < from {
			continue
		}
		out = append(out, Entry{Header: decoded.Header, Body: decoded.Entry})
	}
	return out, nil
}

// Iterator lazily streams entries from a starting LSN, opening
// segments on demand rather than materializing the whole range.
type Iterator struct {
	r       *Reader
	idx     []SegmentInfo
	segPos  int
	from    uint64
	br      *bufio.Reader
	f       *os.File
	started bool
}

// StreamFrom returns a lazy iterator over every entry at or after from.
func (r *Reader) StreamFrom(from uint64) *Iterator {
	r.mu.RLock()
	idx := make([]SegmentInfo, len(r.idx))
	copy(idx, r.idx)
	r.mu.RUnlock()
	return &Iterator{r: r, idx: idx, from: from}
}

// Next returns the next entry, or ok=false when the stream is
// exhausted. A decode error terminates the stream and is returned.
func (it *Iterator) Next() (entry Entry, ok bool, err error) {
	if !it.started {
		it.segPos = startSegmentIndex(it.idx, it.from)
		it.started = true
	}
	for {
		if it.br == nil {
			if it.segPos >= len(it.idx) {
				return Entry{}, false, nil
			}
			seg := it.idx[it.segPos]
			f, openErr := os.Open(seg.Path)
			if openErr != nil {
				return Entry{}, false, wolferr.Wrap(wolferr.KindWALSegmentMissing, openErr, "open segment %s", seg.Path)
			}
			if _, seekErr := f.Seek(SegmentHeaderSize, io.SeekStart); seekErr != nil {
				f.Close()
				return Entry{}, false, wolferr.Wrap(wolferr.KindWAL, seekErr, "seek segment %s", seg.Path)
			}
			it.f = f
			it.br = bufio.NewReader(f)
		}

		decoded, _, readErr := readEntry(it.br)
		if readErr != nil {
			it.f.Close()
			it.f = nil
			it.br = nil
			if readErr == io.EOF {
				it.segPos++
				continue
			}
			return Entry{}, false, wolferr.Wrap(wolferr.KindWALEntryCorrupted, readErr, "stream")
		}
		if decoded.Header.LSN < it.from {
			continue
		}
		return Entry{Header: decoded.Header, Body: decoded.Entry}, true, nil
	}
}

// Close releases any file handle the iterator currently holds.
func (it *Iterator) Close() error {
	if it.f != nil {
		err := it.f.Close()
		it.f = nil
		it.br = nil
		return err
	}
	return nil
}
