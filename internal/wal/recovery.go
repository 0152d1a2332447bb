package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// recoveredSegment is what startup recovery establishes about the
// newest (possibly unsealed) segment file.
type recoveredSegment struct {
	Header     SegmentHeader
	LastLSN    uint64
	EntryCount uint32
	ValidEnd   int64 // byte offset just past the last valid frame
}

// scanUnsealedSegment walks every frame in path from just after the
// header, stopping at the first frame that fails to decode. Trailing
// bytes past the last valid frame are trailing corruption and the
// caller truncates the file to ValidEnd (spec §4.1 recovery).
func scanUnsealedSegment(path string) (*recoveredSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment for recovery %s: %w", path, err)
	}
	defer f.Close()

	headerBuf := make([]byte, SegmentHeaderSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return nil, fmt.Errorf("wal: read header during recovery %s: %w", path, err)
	}
	header, err := decodeSegmentHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	rec := &recoveredSegment{Header: header, LastLSN: header.FirstLSN - 1, ValidEnd: SegmentHeaderSize}

	br := bufio.NewReader(f)
	offset := int64(SegmentHeaderSize)
	for {
		decoded, n, err := readEntry(br)
		if err != nil {
			if err == io.EOF {
				break
			}
			// Trailing corruption: stop here, keep everything before it.
			break
		}
		offset += int64(n)
		rec.LastLSN = decoded.Header.LSN
		rec.EntryCount++
		rec.ValidEnd = offset
	}
	return rec, nil
}
