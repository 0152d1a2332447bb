package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfscale/wolfscale/internal/election"
	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/membership"
	"github.com/wolfscale/wolfscale/internal/protocol"
	"github.com/wolfscale/wolfscale/internal/statetracker"
	"github.com/wolfscale/wolfscale/internal/transport"
	"github.com/wolfscale/wolfscale/internal/wal"
)

func newTestLeader(t *testing.T, peers int) (*Leader, *fakeBackend) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.NewWriter(wal.WriterConfig{Dir: dir, FlushInterval: 5 * time.Millisecond}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	r, err := wal.NewReader(dir)
	require.NoError(t, err)

	state, err := statetracker.Open(t.TempDir())
	require.NoError(t, err)
	members := membership.New("leader", "localhost:0", membership.Config{})
	for i := 0; i < peers; i++ {
		members.AddPeer(peerID(i), peerEndpoint(i))
	}
	be := newFakeBackend()
	pool := transport.NewPool(10*time.Millisecond, 10*time.Millisecond)
	t.Cleanup(pool.Close)
	coord := election.New("leader", election.Config{}, state, members, w.CurrentLSN, noVotes{}, discardLogger())

	l := NewLeader("leader", LeaderConfig{WriteAckTimeout: 30 * time.Millisecond}, w, r, state, members, be, pool, coord, discardLogger())
	return l, be
}

func peerID(i int) string       { return "peer-" + string(rune('a'+i)) }
func peerEndpoint(i int) string { return "127.0.0.1:0" }

func insertEntry(id int64) logentry.LogEntry {
	return logentry.Insert{Table: "users", Columns: []string{"id"}, Values: []logentry.Value{logentry.IntValue(id)}, PrimaryKey: logentry.IntPK(id)}
}

func TestWriteCommitsImmediatelyWithQuorumOfOne(t *testing.T) {
	l, _ := newTestLeader(t, 0)

	lsn, err := l.Write(context.Background(), insertEntry(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), lsn)
	require.Equal(t, uint64(1), l.CommitLSN())
}

func TestWriteTimesOutWithoutPeerAcks(t *testing.T) {
	l, _ := newTestLeader(t, 1)

	start := time.Now()
	_, err := l.Write(context.Background(), insertEntry(1))
	require.Error(t, err, "no real peer is reachable so quorum is never reached")
	require.Less(t, time.Since(start), time.Second)

	l.mu.Lock()
	_, stillPending := l.pending[1]
	l.mu.Unlock()
	require.False(t, stillPending, "timed-out write must be removed from the pending map")
}

func TestCommitAtNotifiesPendingWritesInOrder(t *testing.T) {
	l, _ := newTestLeader(t, 1)

	pw1 := &pendingWrite{done: make(chan error, 1)}
	pw2 := &pendingWrite{done: make(chan error, 1)}
	pw3 := &pendingWrite{done: make(chan error, 1)}
	l.mu.Lock()
	l.pending[1] = pw1
	l.pending[2] = pw2
	l.pending[3] = pw3
	l.mu.Unlock()

	l.commitAt(2)

	select {
	case err := <-pw1.done:
		require.NoError(t, err)
	default:
		t.Fatal("pending write at lsn 1 should have been notified")
	}
	select {
	case err := <-pw2.done:
		require.NoError(t, err)
	default:
		t.Fatal("pending write at lsn 2 should have been notified")
	}
	select {
	case <-pw3.done:
		t.Fatal("pending write at lsn 3 is beyond the commit point and must not be notified")
	default:
	}

	l.mu.Lock()
	_, stillPending := l.pending[3]
	remaining := len(l.pending)
	l.mu.Unlock()
	require.True(t, stillPending)
	require.Equal(t, 1, remaining)
	require.Equal(t, uint64(2), l.CommitLSN())
}

func TestAdvanceCommitPicksSortedQuorumElement(t *testing.T) {
	l, _ := newTestLeader(t, 2)

	lsn1, err := l.writer.Append(insertEntry(1))
	require.NoError(t, err)
	lsn2, err := l.writer.Append(insertEntry(2))
	require.NoError(t, err)
	require.Equal(t, uint64(1), lsn1)
	require.Equal(t, uint64(2), lsn2)

	var peerIDs []string
	l.mu.Lock()
	for id, p := range l.progress {
		peerIDs = append(peerIDs, id)
		p.matchLSN = 1
	}
	// Own writer is at lsn 2, one peer acked lsn 1, the other acked nothing (0).
	// Sorted matches = [0, 1, 2]; quorum = floor(3/2)+1 = 2; pick index len-k = 1 -> value 1.
	l.progress[peerIDs[0]].matchLSN = 1
	l.progress[peerIDs[1]].matchLSN = 0
	l.mu.Unlock()

	l.advanceCommit()
	require.Equal(t, uint64(1), l.CommitLSN())
}

func TestHandleAppendEntriesResponseAdvancesProgressOnSuccess(t *testing.T) {
	l, _ := newTestLeader(t, 1)
	var peerID string
	for id := range l.progress {
		peerID = id
	}

	l.HandleAppendEntriesResponse(protocol.AppendEntriesResponse{NodeID: peerID, Term: 0, Success: true, MatchLSN: 7})

	l.mu.Lock()
	prog := l.progress[peerID]
	l.mu.Unlock()
	require.Equal(t, uint64(7), prog.matchLSN)
	require.Equal(t, uint64(8), prog.nextLSN)
}

func TestHandleAppendEntriesResponseDecrementsNextLSNOnFailure(t *testing.T) {
	l, _ := newTestLeader(t, 1)
	var peerID string
	for id, p := range l.progress {
		peerID = id
		p.nextLSN = 5
	}

	l.HandleAppendEntriesResponse(protocol.AppendEntriesResponse{NodeID: peerID, Term: 0, Success: false})

	l.mu.Lock()
	prog := l.progress[peerID]
	l.mu.Unlock()
	require.Equal(t, uint64(4), prog.nextLSN)
}
