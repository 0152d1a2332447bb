package proxy

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// Packet header size: 3-byte little-endian payload length + 1-byte
// sequence number (spec §4.9 "never a fixed-size read").
const packetHeaderSize = 4

const (
	comQuery  byte = 0x03
	comInitDB byte = 0x02
)

// Capability flags relevant to parsing the handshake response (we only
// need enough of the flag set to know whether a database name and an
// auth-plugin name follow the auth response bytes).
const (
	capClientConnectWithDB      uint32 = 1 << 3
	capClientPluginAuth         uint32 = 1 << 19
	capClientSecureConnection   uint32 = 1 << 15
	capClientPluginAuthLenEnc   uint32 = 1 << 21
)

// readPacket reads one length-prefixed MySQL protocol packet and
// returns its sequence number and payload.
func readPacket(r *bufio.Reader) (seq byte, payload []byte, err error) {
	header := make([]byte, packetHeaderSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	seq = header[3]
	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return seq, payload, nil
}

// writePacket frames and writes a single packet.
func writePacket(w io.Writer, seq byte, payload []byte) error {
	header := make([]byte, packetHeaderSize)
	length := len(payload)
	header[0] = byte(length)
	header[1] = byte(length >> 8)
	header[2] = byte(length >> 16)
	header[3] = seq
	if _, err := w.Write(header); err != nil {
		return err
	}
	if length > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// relayPacket reads exactly one packet's worth of raw bytes (header +
// payload) from r and writes the same bytes to w unchanged, returning
// the payload for inspection. The proxy must stay byte-transparent
// (spec §6 "must not rewrite command payloads").
func relayPacket(r *bufio.Reader, w io.Writer) (payload []byte, err error) {
	header := make([]byte, packetHeaderSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	full := make([]byte, 0, packetHeaderSize+length)
	full = append(full, header...)
	full = append(full, payload...)
	if _, err = w.Write(full); err != nil {
		return nil, err
	}
	return payload, nil
}

// nullTerminated reads bytes up to (not including) the first 0x00,
// returning the string and the count of bytes consumed including the
// terminator.
func nullTerminated(b []byte) (string, int) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1
		}
	}
	return string(b), len(b)
}

// handshakeResponseDatabase extracts the capability flags and, if
// present, the database name from a client handshake-response packet
// (spec §4.9 "extracts the database field... using the capability
// flags... to decode variable-length auth fields correctly").
//
// Layout (protocol 41): capability flags (4) + max packet size (4) +
// charset (1) + 23 reserved bytes + null-terminated username +
// auth-response (length-prefixed, 1 or lenenc byte depending on
// capSecureConnection / capPluginAuthLenEncClientData) + optional
// null-terminated database (if capClientConnectWithDB) + optional
// null-terminated auth plugin name (if capClientPluginAuth).
func handshakeResponseDatabase(payload []byte) (database string, capabilities uint32, err error) {
	if len(payload) < 32 {
		return "", 0, wolferr.New(wolferr.KindNetwork, "handshake response too short: %d bytes", len(payload))
	}
	capabilities = binary.LittleEndian.Uint32(payload[0:4])
	offset := 4 + 4 + 1 + 23

	_, consumed := nullTerminated(payload[offset:])
	offset += consumed
	if offset > len(payload) {
		return "", capabilities, nil
	}

	if capabilities&capClientPluginAuthLenEnc != 0 {
		authLen, n := readLenEnc(payload[offset:])
		offset += n + int(authLen)
	} else if capabilities&capClientSecureConnection != 0 {
		if offset >= len(payload) {
			return "", capabilities, nil
		}
		authLen := int(payload[offset])
		offset += 1 + authLen
	} else {
		_, consumed := nullTerminated(payload[offset:])
		offset += consumed
	}

	if capabilities&capClientConnectWithDB == 0 || offset >= len(payload) {
		return "", capabilities, nil
	}
	db, _ := nullTerminated(payload[offset:])
	return db, capabilities, nil
}

// readLenEnc decodes a MySQL length-encoded integer, returning its
// value and the number of header bytes consumed (not counting the
// value bytes themselves, which the caller skips via the returned
// length).
func readLenEnc(b []byte) (value uint64, headerLen int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch {
	case b[0] < 0xfb:
		return uint64(b[0]), 1
	case b[0] == 0xfc:
		if len(b) < 3 {
			return 0, 1
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case b[0] == 0xfd:
		if len(b) < 4 {
			return 0, 1
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4
	case b[0] == 0xfe:
		if len(b) < 9 {
			return 0, 1
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	default:
		return 0, 1
	}
}

// isAuthSwitchRequest reports whether a backend response to the
// handshake is an auth-switch request (spec §4.9 step (v)).
func isAuthSwitchRequest(payload []byte) bool {
	return len(payload) > 0 && payload[0] == 0xfe
}
