package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfscale/wolfscale/internal/logentry"
)

func TestWriteReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	hb := Heartbeat{Term: 3, LeaderID: "node-a", CommitLSN: 10}
	require.NoError(t, WriteMessage(&buf, TypeHeartbeat, hb))

	typ, decode, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeHeartbeat, typ)

	var got Heartbeat
	require.NoError(t, decode(&got))
	require.Equal(t, hb, got)
}

func TestReadFrameRejectsCorruptedChecksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TypeHeartbeat, Heartbeat{Term: 1}))
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a body byte without updating the checksum

	_, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestEncodeDecodeEntriesRoundTrip(t *testing.T) {
	lsns := []uint64{5}
	terms := []uint64{2}
	entries := []logentry.LogEntry{
		logentry.Insert{Table: "users", Columns: []string{"id", "name"}, Values: []logentry.Value{logentry.IntValue(1), logentry.StringValue("Alice")}, PrimaryKey: logentry.IntPK(1)},
	}
	wire, err := EncodeEntries(lsns, terms, entries)
	require.NoError(t, err)
	require.Len(t, wire, 1)
	require.Equal(t, uint64(5), wire[0].LSN)

	back, err := DecodeEntry(wire[0])
	require.NoError(t, err)
	require.Equal(t, entries[0], back)
}
