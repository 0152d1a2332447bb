package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SegmentInfo describes a segment on disk without holding it open,
// returned by Reader.Segments() and used to drive the reader's index.
type SegmentInfo struct {
	Path       string
	FirstLSN   uint64
	LastLSN    uint64
	EntryCount uint32
	Sealed     bool
}

// writableSegment is an open segment file the Writer appends to. It
// owns the header in memory, rewriting it on disk only when sealed.
type writableSegment struct {
	path       string
	file       *os.File
	bw         *bufio.Writer
	header     SegmentHeader
	byteBudget int64
	written    int64 // bytes written below the budget, excluding the header
}

func createSegment(dir string, firstLSN uint64, byteBudget int64) (*writableSegment, error) {
	path := filepath.Join(dir, segmentFileName(firstLSN))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment %s: %w", path, err)
	}
	header := SegmentHeader{Magic: SegmentMagic, Version: SegmentVersion, FirstLSN: firstLSN, LastLSN: 0, EntryCount: 0}
	if _, err := f.Write(header.encode()); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: write segment header %s: %w", path, err)
	}
	return &writableSegment{
		path:       path,
		file:       f,
		bw:         bufio.NewWriterSize(f, 32*1024),
		header:     header,
		byteBudget: byteBudget,
	}, nil
}

// openUnsealedSegment reopens an existing segment file for appending,
// used during Writer startup recovery.
func openUnsealedSegment(path string, byteBudget int64) (*writableSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: reopen segment %s: %w", path, err)
	}
	headerBuf := make([]byte, SegmentHeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: read segment header %s: %w", path, err)
	}
	header, err := decodeSegmentHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: seek segment %s: %w", path, err)
	}
	return &writableSegment{
		path:       path,
		file:       f,
		bw:         bufio.NewWriterSize(f, 32*1024),
		header:     header,
		byteBudget: byteBudget,
	}, nil
}

// hasRoomFor reports whether the segment has at least 8 KiB of
// headroom below its byte budget for a record of the given size
// (spec §4.1 rotation rule).
func (s *writableSegment) hasRoomFor(recordLen int) bool {
	const headroom = 8 * 1024
	return s.written+int64(recordLen)+headroom <= s.byteBudget
}

func (s *writableSegment) appendFrame(frame []byte, lsn uint64) error {
	if _, err := s.bw.Write(frame); err != nil {
		return fmt.Errorf("wal: write frame to %s: %w", s.path, err)
	}
	s.written += int64(len(frame))
	s.header.LastLSN = lsn
	s.header.EntryCount++
	return nil
}

func (s *writableSegment) flush(durable bool) error {
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("wal: flush %s: %w", s.path, err)
	}
	if durable {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync %s: %w", s.path, err)
		}
	}
	return nil
}

// seal flushes, rewrites the header with the final LastLSN/EntryCount,
// syncs, and closes the segment (spec §4.1).
func (s *writableSegment) seal() error {
	if err := s.flush(true); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(s.header.encode(), 0); err != nil {
		return fmt.Errorf("wal: rewrite sealed header %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync sealed header %s: %w", s.path, err)
	}
	return s.file.Close()
}

func (s *writableSegment) close() error {
	if err := s.flush(true); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// listSegmentFiles returns segment file paths in a directory, sorted
// in LSN order (spec §3 invariant iv: filenames sort lexicographically
// because they are zero-padded).
func listSegmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segment dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal_") || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// readSegmentHeader reads just the header of a sealed or unsealed
// segment file without opening it for writing.
func readSegmentHeader(path string) (SegmentHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return SegmentHeader{}, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, SegmentHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return SegmentHeader{}, fmt.Errorf("wal: read segment header %s: %w", path, err)
	}
	return decodeSegmentHeader(buf)
}
