package wal

import (
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// WriterConfig tunes the single-producer batched appender (spec §4.1).
type WriterConfig struct {
	Dir              string
	OriginNodeID     [16]byte
	SegmentByteBudget int64
	BatchSize        int
	FlushInterval    time.Duration
	Durable          bool // fsync on every drain
	Compress         bool
	QueueDepth       int
}

func (c *WriterConfig) setDefaults() {
	if c.SegmentByteBudget <= 0 {
		c.SegmentByteBudget = 64 * 1024 * 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
}

type pendingEntry struct {
	frame  []byte
	lsn    uint64
	respCh chan error
}

type appendRequest struct {
	entries []logentry.LogEntry
	respCh  chan appendResponse
}

type appendResponse struct {
	lsns []uint64
	err  error
}

type flushRequest struct {
	done chan struct{}
}

// Writer is the WAL Writer of spec §4.1: a single long-lived task that
// owns the active segment, allocates LSNs in strict order, and batches
// disk writes either by entry count or by elapsed time.
type Writer struct {
	cfg WriterConfig
	log *slog.Logger

	requests chan appendRequest
	flushes  chan flushRequest
	stop     chan struct{}
	stopped  atomic.Bool
	stopErr  atomic.Pointer[error]

	currentLSN atomic.Uint64
	term       atomic.Uint64

	done chan struct{}
}

// NewWriter opens (creating if necessary) the WAL directory, recovers
// the newest segment if one exists, and starts the writer's task.
func NewWriter(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, wolferr.Wrap(wolferr.KindIO, err, "create wal dir %s", cfg.Dir)
	}

	w := &Writer{
		cfg:      cfg,
		log:      log,
		requests: make(chan appendRequest, cfg.QueueDepth),
		flushes:  make(chan flushRequest, 8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	active, lastLSN, err := recoverActiveSegment(cfg)
	if err != nil {
		return nil, err
	}
	w.currentLSN.Store(lastLSN)

	go w.run(active)
	return w, nil
}

// recoverActiveSegment scans the data directory in LSN order and
// opens (or leaves nil, to be created lazily) the segment that should
// receive the next append (spec §4.1 "Recovery on startup").
func recoverActiveSegment(cfg WriterConfig) (*writableSegment, uint64, error) {
	paths, err := listSegmentFiles(cfg.Dir)
	if err != nil {
		return nil, 0, err
	}
	if len(paths) == 0 {
		return nil, 0, nil
	}

	lastPath := paths[len(paths)-1]
	rec, err := scanUnsealedSegment(lastPath)
	if err != nil {
		return nil, 0, wolferr.Wrap(wolferr.KindWAL, err, "scan newest segment %s", lastPath)
	}

	if rec.ValidEnd < fileSize(lastPath) {
		if err := os.Truncate(lastPath, rec.ValidEnd); err != nil {
			return nil, 0, wolferr.Wrap(wolferr.KindIO, err, "truncate trailing corruption in %s", lastPath)
		}
	}

	active, err := openUnsealedSegment(lastPath, cfg.SegmentByteBudget)
	if err != nil {
		return nil, 0, err
	}
	active.header.LastLSN = rec.LastLSN
	active.header.EntryCount = rec.EntryCount
	active.written = rec.ValidEnd - SegmentHeaderSize
	return active, rec.LastLSN, nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Append assigns the next LSN to entry, durably batches it, and
// returns once the batch it belongs to has drained to disk.
func (w *Writer) Append(entry logentry.LogEntry) (uint64, error) {
	lsns, err := w.AppendBatch([]logentry.LogEntry{entry})
	if err != nil {
		return 0, err
	}
	return lsns[0], nil
}

// AppendBatch assigns consecutive LSNs to entries and returns them in
// order once durably batched.
func (w *Writer) AppendBatch(entries []logentry.LogEntry) ([]uint64, error) {
	if w.stopped.Load() {
		return nil, wolferr.New(wolferr.KindWAL, "writer task has stopped")
	}
	req := appendRequest{entries: entries, respCh: make(chan appendResponse, 1)}
	select {
	case w.requests <- req:
	case <-w.done:
		return nil, wolferr.New(wolferr.KindWAL, "writer task has stopped")
	}
	resp := <-req.respCh
	return resp.lsns, resp.err
}

// Flush forces a drain of any buffered entries.
func (w *Writer) Flush() error {
	if w.stopped.Load() {
		return wolferr.New(wolferr.KindWAL, "writer task has stopped")
	}
	fr := flushRequest{done: make(chan struct{})}
	select {
	case w.flushes <- fr:
	case <-w.done:
		return wolferr.New(wolferr.KindWAL, "writer task has stopped")
	}
	<-fr.done
	return nil
}

// CurrentLSN returns the highest LSN assigned so far.
func (w *Writer) CurrentLSN() uint64 { return w.currentLSN.Load() }

// SetTerm updates the term stamped onto subsequently allocated entries.
func (w *Writer) SetTerm(term uint64) { w.term.Store(term) }

// Close stops the writer task after draining any pending entries.
func (w *Writer) Close() error {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stop)
		<-w.done
	}
	return nil
}

// run is the writer's single long-lived task. Everything that touches
// the active segment or allocates an LSN happens here, and only here,
// so ordering guarantees in spec §5 hold without extra locking.
func (w *Writer) run(active *writableSegment) {
	defer close(w.done)

	var pending []*pendingEntry
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	drain := func() {
		if len(pending) == 0 {
			return
		}
		err := active.flush(w.cfg.Durable)
		if err != nil {
			w.log.Error("wal drain failed", "path", active.path, "error", err, "pending", len(pending))
		}
		for _, p := range pending {
			p.respCh <- err
		}
		pending = pending[:0]
	}

	rotateIfNeeded := func(recordLen int, firstLSNOfNewSegment uint64) error {
		if active != nil && active.hasRoomFor(recordLen) {
			return nil
		}
		if active != nil {
			drain()
			if err := active.seal(); err != nil {
				return err
			}
			w.log.Info("sealed wal segment", "path", active.path, "last_lsn", active.header.LastLSN, "entry_count", active.header.EntryCount)
		}
		seg, err := createSegment(w.cfg.Dir, firstLSNOfNewSegment, w.cfg.SegmentByteBudget)
		if err != nil {
			return err
		}
		w.log.Info("created wal segment", "path", seg.path, "first_lsn", firstLSNOfNewSegment)
		active = seg
		return nil
	}

	handleAppend := func(req appendRequest) {
		lsns := make([]uint64, 0, len(req.entries))
		var respChans []chan error
		triggerFlush := false
		for _, entry := range req.entries {
			if entry.EntryKind() == logentry.KindNoop {
				// A Noop is a flush trigger only: it never reaches a
				// segment and never consumes an LSN (spec §3).
				lsns = append(lsns, 0)
				triggerFlush = true
				continue
			}
			lsn := w.currentLSN.Add(1)
			header := EntryHeader{
				LSN:               lsn,
				Term:              w.term.Load(),
				CreationTimestamp: time.Now().UnixNano(),
				OriginNodeID:      w.cfg.OriginNodeID,
				Compressed:        w.cfg.Compress,
			}
			frame, err := encodeEntry(header, entry)
			if err != nil {
				// Serialization failure is returned to this caller only.
				req.respCh <- appendResponse{err: wolferr.Wrap(wolferr.KindWALSerialization, err, "encode entry at lsn %d", lsn)}
				return
			}
			if err := rotateIfNeeded(len(frame), lsn); err != nil {
				req.respCh <- appendResponse{err: wolferr.Wrap(wolferr.KindWAL, err, "rotate segment for lsn %d", lsn)}
				return
			}
			if err := active.appendFrame(frame, lsn); err != nil {
				req.respCh <- appendResponse{err: wolferr.Wrap(wolferr.KindWAL, err, "append frame at lsn %d", lsn)}
				return
			}
			p := &pendingEntry{frame: frame, lsn: lsn, respCh: make(chan error, 1)}
			pending = append(pending, p)
			lsns = append(lsns, lsn)
			respChans = append(respChans, p.respCh)
		}

		if triggerFlush || len(pending) >= w.cfg.BatchSize {
			drain()
		}

		go func() {
			var err error
			for _, ch := range respChans {
				if e := <-ch; e != nil {
					err = e
				}
			}
			req.respCh <- appendResponse{lsns: lsns, err: err}
		}()
	}

	for {
		select {
		case req := <-w.requests:
			handleAppend(req)
		case fr := <-w.flushes:
			drain()
			close(fr.done)
		case <-ticker.C:
			drain()
		case <-w.stop:
			drain()
			if active != nil {
				active.close()
			}
			return
		}
	}
}
