// Package wal implements the append-only, segmented, checksummed,
// content-addressed Write-Ahead Log described in spec §3 and §4.1/§4.2:
// a single-producer batched Writer, a concurrent-safe Reader, and the
// on-disk Segment format they share.
package wal

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order used for every on-disk integer in this
// package, matching the teacher WAL's convention.
var ByteOrder = binary.LittleEndian

// SegmentMagic identifies a valid segment file (spec §6).
var SegmentMagic = [8]byte{'W', 'L', 'F', 'S', 'C', 'A', 'L', 'E'}

// SegmentVersion is the current on-disk segment format version.
const SegmentVersion uint32 = 1

// SegmentHeaderSize is the fixed size, in bytes, of a segment's header:
// magic(8) + version(4) + first_lsn(8) + last_lsn(8) + entry_count(4).
const SegmentHeaderSize = 8 + 4 + 8 + 8 + 4

// SegmentHeader is written at offset 0 of every segment file and
// rewritten in place when the segment is sealed.
type SegmentHeader struct {
	Magic      [8]byte
	Version    uint32
	FirstLSN   uint64
	LastLSN    uint64
	EntryCount uint32
}

func (h SegmentHeader) encode() []byte {
	buf := make([]byte, SegmentHeaderSize)
	copy(buf[0:8], h.Magic[:])
	ByteOrder.PutUint32(buf[8:12], h.Version)
	ByteOrder.PutUint64(buf[12:20], h.FirstLSN)
	ByteOrder.PutUint64(buf[20:28], h.LastLSN)
	ByteOrder.PutUint32(buf[28:32], h.EntryCount)
	return buf
}

func decodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	var h SegmentHeader
	if len(buf) < SegmentHeaderSize {
		return h, fmt.Errorf("wal: short segment header: %d bytes", len(buf))
	}
	copy(h.Magic[:], buf[0:8])
	if h.Magic != SegmentMagic {
		return h, fmt.Errorf("wal: bad segment magic %q", h.Magic)
	}
	h.Version = ByteOrder.Uint32(buf[8:12])
	h.FirstLSN = ByteOrder.Uint64(buf[12:20])
	h.LastLSN = ByteOrder.Uint64(buf[20:28])
	h.EntryCount = ByteOrder.Uint32(buf[28:32])
	return h, nil
}

// EntryHeaderSize is the fixed size, in bytes, of an EntryHeader: lsn(8)
// + term(8) + creation_timestamp(8) + origin_node_id(16, a UUID) +
// body_checksum(4) + body_size(4) + compressed_flag(1).
const EntryHeaderSize = 8 + 8 + 8 + 16 + 4 + 4 + 1

// EntryHeader precedes every entry body on disk (spec §3).
type EntryHeader struct {
	LSN               uint64
	Term              uint64
	CreationTimestamp int64 // unix nanoseconds
	OriginNodeID      [16]byte
	BodyChecksum      uint32 // CRC32 of the uncompressed serialized body
	BodySize          uint32 // size of the body as stored (post-compression, if any)
	Compressed        bool
}

func (h EntryHeader) encode() []byte {
	buf := make([]byte, EntryHeaderSize)
	ByteOrder.PutUint64(buf[0:8], h.LSN)
	ByteOrder.PutUint64(buf[8:16], h.Term)
	ByteOrder.PutUint64(buf[16:24], uint64(h.CreationTimestamp))
	copy(buf[24:40], h.OriginNodeID[:])
	ByteOrder.PutUint32(buf[40:44], h.BodyChecksum)
	ByteOrder.PutUint32(buf[44:48], h.BodySize)
	if h.Compressed {
		buf[48] = 1
	}
	return buf
}

func decodeEntryHeader(buf []byte) (EntryHeader, error) {
	var h EntryHeader
	if len(buf) < EntryHeaderSize {
		return h, fmt.Errorf("wal: short entry header: %d bytes", len(buf))
	}
	h.LSN = ByteOrder.Uint64(buf[0:8])
	h.Term = ByteOrder.Uint64(buf[8:16])
	h.CreationTimestamp = int64(ByteOrder.Uint64(buf[16:24]))
	copy(h.OriginNodeID[:], buf[24:40])
	h.BodyChecksum = ByteOrder.Uint32(buf[40:44])
	h.BodySize = ByteOrder.Uint32(buf[44:48])
	h.Compressed = buf[48] != 0
	return h, nil
}

// MaxRecordSize bounds a single framed record to guard recovery against
// OOM from a corrupted length field, matching the safety-limit idiom
// the teacher WAL applies to its own records.
const MaxRecordSize = 16 * 1024 * 1024

// segmentFileName renders the zero-padded filename for a segment whose
// first LSN is firstLSN, so files sort lexicographically in LSN order
// (spec §3 invariant iv).
func segmentFileName(firstLSN uint64) string {
	return fmt.Sprintf("wal_%020d.log", firstLSN)
}
