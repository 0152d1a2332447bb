package proxy

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadPacketRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePacket(&buf, 3, []byte("hello")))

	seq, payload, err := readPacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, byte(3), seq)
	require.Equal(t, "hello", string(payload))
}

func TestRelayPacketForwardsRawBytesUnchanged(t *testing.T) {
	var src bytes.Buffer
	require.NoError(t, writePacket(&src, 0, []byte("SELECT 1")))

	var dst bytes.Buffer
	payload, err := relayPacket(bufio.NewReader(&src), &dst)
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", string(payload))
	require.Equal(t, src.Len(), 0) // fully drained

	seq, relayed, err := readPacket(bufio.NewReader(&dst))
	require.NoError(t, err)
	require.Equal(t, byte(0), seq)
	require.Equal(t, "SELECT 1", string(relayed))
}

func buildHandshakeResponse(database string) []byte {
	payload := make([]byte, 0, 64)
	caps := capClientConnectWithDB | capClientSecureConnection

	capBytes := []byte{byte(caps), byte(caps >> 8), byte(caps >> 16), byte(caps >> 24)}
	payload = append(payload, capBytes...)
	payload = append(payload, 0, 0, 0, 0) // max packet size
	payload = append(payload, 0x2d)       // charset
	payload = append(payload, make([]byte, 23)...)
	payload = append(payload, []byte("root")...)
	payload = append(payload, 0) // null-terminated username

	authResponse := []byte{1, 2, 3, 4}
	payload = append(payload, byte(len(authResponse)))
	payload = append(payload, authResponse...)

	payload = append(payload, []byte(database)...)
	payload = append(payload, 0)
	return payload
}

func TestHandshakeResponseDatabaseExtractsDB(t *testing.T) {
	payload := buildHandshakeResponse("app")
	db, caps, err := handshakeResponseDatabase(payload)
	require.NoError(t, err)
	require.Equal(t, "app", db)
	require.NotZero(t, caps&capClientConnectWithDB)
}

func TestHandshakeResponseDatabaseRejectsShortPayload(t *testing.T) {
	_, _, err := handshakeResponseDatabase([]byte{1, 2, 3})
	require.Error(t, err)
}
