package wal

import (
	"bytes"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfscale/wolfscale/internal/logentry"
)

func seedWriter(t *testing.T, dir string, n int) []uint64 {
	t.Helper()
	w := newTestWriter(t, WriterConfig{Dir: dir, FlushInterval: 5 * time.Millisecond})
	lsns := make([]uint64, n)
	for i := 0; i < n; i++ {
		lsn, err := w.Append(logentry.Insert{Table: "t", Columns: []string{"id"}, Values: []logentry.Value{logentry.IntValue(int64(i))}, PrimaryKey: logentry.IntPK(int64(i))})
		require.NoError(t, err)
		lsns[i] = lsn
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())
	return lsns
}

func TestReaderReadBatchSkipsBelowFrom(t *testing.T) {
	dir := t.TempDir()
	seedWriter(t, dir, 10)

	r, err := NewReader(dir)
	require.NoError(t, err)

	entries, err := r.ReadBatch(5, 100)
	require.NoError(t, err)
	require.Len(t, entries, 6) // lsn 5..10 inclusive
	require.Equal(t, uint64(5), entries[0].Header.LSN)
}

func TestReaderReadPastEndReturnsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	seedWriter(t, dir, 3)

	r, err := NewReader(dir)
	require.NoError(t, err)

	entries, err := r.ReadBatch(1000, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReaderStreamFromIteratesInOrder(t *testing.T) {
	dir := t.TempDir()
	seedWriter(t, dir, 20)

	r, err := NewReader(dir)
	require.NoError(t, err)

	it := r.StreamFrom(1)
	defer it.Close()

	var last uint64
	count := 0
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if count > 0 {
			require.Equal(t, last+1, e.Header.LSN)
		}
		last = e.Header.LSN
		count++
	}
	require.Equal(t, 20, count)
}

func TestEntryChecksumMatchesSerializedBody(t *testing.T) {
	entry := logentry.Update{
		Table:      "users",
		SetColumns: []string{"name"},
		SetValues:  []logentry.Value{logentry.StringValue("Alice")},
		KeyColumns: []string{"id"},
		PrimaryKey: logentry.IntPK(1),
	}
	header := EntryHeader{LSN: 1, Term: 1}
	frame, err := encodeEntry(header, entry)
	require.NoError(t, err)

	decoded, _, err := readEntry(bytes.NewReader(frame))
	require.NoError(t, err)

	rawBody, err := logentry.Marshal(entry)
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(rawBody), decoded.Header.BodyChecksum)
	require.Equal(t, entry, decoded.Entry)
}
