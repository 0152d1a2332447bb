package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// FrameHeaderSize is the fixed `[length u32 LE][crc32 u32 LE]` header
// placed in front of every inter-node message body (spec §4.8, §6
// "Inter-node wire frame").
const FrameHeaderSize = 8

// MaxFrameSize bounds a single inter-node message to guard against a
// corrupted length prefix causing an unbounded read.
const MaxFrameSize = 64 * 1024 * 1024

// WriteFrame writes body prefixed with its length and CRC32.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return wolferr.New(wolferr.KindNetwork, "frame body too large: %d bytes", len(body))
	}
	header := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length+CRC framed body from r. A body whose
// computed CRC does not match the header is rejected (spec §6 "The
// network reader refuses a body whose computed CRC differs from the
// header's").
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err // io.EOF propagates for connection-closed detection
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	wantChecksum := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return nil, wolferr.New(wolferr.KindNetwork, "frame claims %d bytes, exceeds max", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	if got := crc32.ChecksumIEEE(body); got != wantChecksum {
		return nil, wolferr.New(wolferr.KindNetwork, "frame checksum mismatch: want %08x, got %08x", wantChecksum, got)
	}
	return body, nil
}

// WriteMessage encodes msg as t and writes it as one frame.
func WriteMessage(w io.Writer, t Type, msg any) error {
	raw, err := Encode(t, msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, raw)
}

// ReadMessage reads one frame and decodes its envelope.
func ReadMessage(r io.Reader) (Type, func(dst any) error, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return "", nil, err
	}
	t, payload, err := Decode(raw)
	if err != nil {
		return "", nil, err
	}
	return t, func(dst any) error { return DecodePayload(payload, dst) }, nil
}
