package wal

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfscale/wolfscale/internal/logentry"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodeEntry builds the on-disk record for a log entry: serialize the
// body, optionally compress it, compute both checksums, and frame the
// result as [length u32 LE][compressed_flag u8][bytes][crc32 u32 LE]
// per spec §6.
func encodeEntry(h EntryHeader, entry logentry.LogEntry) ([]byte, error) {
	rawBody, err := logentry.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("wal: serialize entry body: %w", err)
	}

	h.BodyChecksum = crc32.ChecksumIEEE(rawBody)

	body := rawBody
	if h.Compressed {
		body = zstdEncoder.EncodeAll(rawBody, nil)
	}
	h.BodySize = uint32(len(body))

	record := append(h.encode(), body...)

	frame := make([]byte, 4+1+len(record)+4)
	ByteOrder.PutUint32(frame[0:4], uint32(len(record)))
	if h.Compressed {
		frame[4] = 1
	}
	copy(frame[5:5+len(record)], record)
	crc := crc32.ChecksumIEEE(record)
	ByteOrder.PutUint32(frame[5+len(record):], crc)
	return frame, nil
}

// decodedEntry is a fully decoded on-disk record.
type decodedEntry struct {
	Header EntryHeader
	Entry  logentry.LogEntry
}

// readEntry reads exactly one framed record from r, positioned at the
// start of a frame. It returns io.EOF if r is exhausted before the
// 4-byte length prefix of a new frame is complete (including when only
// part of it is present), and a corruption error (naming the
// best-effort LSN, if decodable) on CRC mismatch or malformed lengths.
func readEntry(r io.Reader) (*decodedEntry, int, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	length := ByteOrder.Uint32(lenBuf)
	if length == 0 || length > MaxRecordSize {
		return nil, 0, fmt.Errorf("wal: implausible record length %d", length)
	}

	flagBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, flagBuf); err != nil {
		return nil, 0, fmt.Errorf("wal: truncated frame flag: %w", err)
	}

	record := make([]byte, length)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, 0, fmt.Errorf("wal: truncated frame body: %w", err)
	}

	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return nil, 0, fmt.Errorf("wal: truncated frame crc: %w", err)
	}
	wantCRC := ByteOrder.Uint32(crcBuf)
	gotCRC := crc32.ChecksumIEEE(record)

	totalRead := 4 + 1 + int(length) + 4

	if len(record) < EntryHeaderSize {
		return nil, totalRead, fmt.Errorf("wal: record shorter than entry header")
	}
	header, err := decodeEntryHeader(record[:EntryHeaderSize])
	if err != nil {
		return nil, totalRead, err
	}

	if wantCRC != gotCRC {
		return nil, totalRead, fmt.Errorf("wal: corrupted entry at lsn %d: crc mismatch", header.LSN)
	}

	body := record[EntryHeaderSize:]
	if header.Compressed {
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, totalRead, fmt.Errorf("wal: corrupted entry at lsn %d: decompress: %w", header.LSN, err)
		}
	}

	if crc32.ChecksumIEEE(body) != header.BodyChecksum {
		return nil, totalRead, fmt.Errorf("wal: corrupted entry at lsn %d: body checksum mismatch", header.LSN)
	}

	entry, err := logentry.Unmarshal(body)
	if err != nil {
		return nil, totalRead, fmt.Errorf("wal: corrupted entry at lsn %d: decode body: %w", header.LSN, err)
	}

	return &decodedEntry{Header: header, Entry: entry}, totalRead, nil
}
