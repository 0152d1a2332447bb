package replication

import (
	"context"
	"log/slog"
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type noVotes struct{}

func (noVotes) RequestVote(ctx context.Context, endpoint string, req protocol.RequestVote) (protocol.VoteResponse, error) {
	return protocol.VoteResponse{}, context.DeadlineExceeded
}

func newTestFollower(t *testing.T) (*Follower, *fakeBackend, *statetracker.Tracker) {
	t.Helper()
	w, err := wal.NewWriter(wal.WriterConfig{Dir: t.TempDir(), FlushInterval: 5 * time.Millisecond}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	state, err := statetracker.Open(t.TempDir())
	require.NoError(t, err)
	members := membership.New("follower", "localhost:0", membership.Config{})
	be := newFakeBackend()
	pool := transport.NewPool(20*time.Millisecond, 20*time.Millisecond)
	t.Cleanup(pool.Close)
	coord := election.New("follower", election.Config{}, state, members, w.CurrentLSN, noVotes{}, discardLogger())

	f := NewFollower("follower", FollowerConfig{}, w, state, members, be, pool, coord, discardLogger())
	return f, be, state
}

func insertWire(lsn uint64, id int64) protocol.WireEntry {
	entry := logentry.Insert{Table: "users", Columns: []string{"id"}, Values: []logentry.Value{logentry.IntValue(id)}, PrimaryKey: logentry.IntPK(id)}
	wire, err := protocol.EncodeEntries([]uint64{lsn}, []uint64{1}, []logentry.LogEntry{entry})
	if err != nil {
		panic(err)
	}
	return wire[0]
}

func TestHandleAppendEntriesAppliesEntriesInOrder(t *testing.T) {
	f, be, state := newTestFollower(t)

	req := protocol.AppendEntries{
		Term:    1,
		PrevLSN: 0,
		Entries: []protocol.WireEntry{insertWire(1, 1), insertWire(2, 2)},
	}
	resp, err := f.HandleAppendEntries(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, uint64(2), resp.MatchLSN)
	require.Equal(t, 2, be.appliedCount())
	require.Equal(t, uint64(2), state.LastAppliedLSN())
}

func TestHandleAppendEntriesLogsAndContinuesOnApplyFailure(t *testing.T) {
	f, be, state := newTestFollower(t)
	be.failNext = true

	req := protocol.AppendEntries{
		Term:    1,
		PrevLSN: 0,
		Entries: []protocol.WireEntry{insertWire(1, 1), insertWire(2, 2)},
	}
	resp, err := f.HandleAppendEntries(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, uint64(2), resp.MatchLSN, "match_lsn advances past the failing entry")
	require.Equal(t, 1, be.appliedCount(), "only the successfully applied entry is recorded")
	require.Equal(t, uint64(2), state.LastAppliedLSN())
}

func TestHandleAppendEntriesRejectsGapWithoutApplying(t *testing.T) {
	f, be, _ := newTestFollower(t)

	req := protocol.AppendEntries{
		Term:    1,
		PrevLSN: 5, // we have applied nothing; gap
		Entries: []protocol.WireEntry{insertWire(6, 1)},
	}
	resp, err := f.HandleAppendEntries(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, 0, be.appliedCount())
}

// TestHandleAppendEntriesResolvesLeaderEndpointBeforeSync guards against
// dialing LeaderID directly: a node id and its network endpoint are
// independently configured (spec §4.13's Peer{ID, Endpoint}), so the
// gap-triggered catch-up sync must resolve the id through membership
// before it ever reaches transport.Pool.Call.
func TestHandleAppendEntriesResolvesLeaderEndpointBeforeSync(t *testing.T) {
	f, be, state := newTestFollower(t)

	var gotSyncRequest protocol.SyncRequest
	syncCh := make(chan struct{}, 1)
	handler := func(msgType protocol.Type, decode func(dst any) error) (protocol.Type, any, error) {
		var req protocol.SyncRequest
		if err := decode(&req); err != nil {
			return "", nil, err
		}
		gotSyncRequest = req
		syncCh <- struct{}{}
		return protocol.TypeSyncResponse, protocol.SyncResponse{
			Entries: []protocol.WireEntry{insertWire(req.FromLSN, 99)},
			HasMore: false,
		}, nil
	}
	srv, err := transport.Listen(transport.ServerConfig{Addr: "127.0.0.1:0"}, handler, discardLogger())
	require.NoError(t, err)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go srv.Serve(stop)

	f.members.AddPeer("leader", srv.Addr())

	req := protocol.AppendEntries{
		Term:     1,
		LeaderID: "leader",
		PrevLSN:  5, // we have applied nothing; gap
		Entries:  []protocol.WireEntry{insertWire(6, 1)},
	}
	resp, err := f.HandleAppendEntries(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Success)

	select {
	case <-syncCh:
	case <-time.After(time.Second):
		t.Fatal("sync request never reached the leader's resolved endpoint")
	}
	require.Equal(t, uint64(1), gotSyncRequest.FromLSN)
	require.Equal(t, uint64(1), state.LastAppliedLSN(), "the catch-up entry from the sync response must be applied")
	require.Equal(t, 1, be.appliedCount())
}

func TestHandleAppendEntriesSkipsAlreadyAppliedLSN(t *testing.T) {
	f, be, state := newTestFollower(t)
	require.NoError(t, state.SetLastAppliedLSN(5))

	req := protocol.AppendEntries{
		Term:    1,
		PrevLSN: 5,
		Entries: []protocol.WireEntry{insertWire(3, 1), insertWire(6, 2)},
	}
	resp, err := f.HandleAppendEntries(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 1, be.appliedCount(), "lsn 3 is below last_applied_lsn and must be a no-op")
	require.Equal(t, uint64(6), resp.MatchLSN)
}

func TestHandleHeartbeatStepsDownOnHigherTerm(t *testing.T) {
	f, _, state := newTestFollower(t)
	require.NoError(t, state.SetCurrentTerm(2))

	_, err := f.HandleHeartbeat(context.Background(), protocol.Heartbeat{Term: 9, LeaderID: "new-leader"})
	require.NoError(t, err)
	require.Equal(t, uint64(9), state.CurrentTerm())
	require.Equal(t, "new-leader", state.CurrentLeader())
}

func TestHandleHeartbeatAdoptsNewMembers(t *testing.T) {
	f, _, _ := newTestFollower(t)

	_, err := f.HandleHeartbeat(context.Background(), protocol.Heartbeat{
		Term:     1,
		LeaderID: "leader",
		Members: []protocol.MemberSnapshot{
			{ID: "leader", Endpoint: "10.0.0.1:9000"},
			{ID: "peer-c", Endpoint: "10.0.0.2:9000"},
		},
	})
	require.NoError(t, err)

	_, ok := f.members.GetNode("peer-c")
	require.True(t, ok)
}

// TestHandleHeartbeatResolvesLeaderEndpointBeforeSync mirrors the
// AppendEntries case: a heartbeat announcing a commit_lsn ahead of
// this follower must resolve LeaderID to its endpoint (here via the
// heartbeat's own member snapshot) before dialing for catch-up.
func TestHandleHeartbeatResolvesLeaderEndpointBeforeSync(t *testing.T) {
	f, _, state := newTestFollower(t)

	syncCh := make(chan struct{}, 1)
	handler := func(msgType protocol.Type, decode func(dst any) error) (protocol.Type, any, error) {
		var req protocol.SyncRequest
		if err := decode(&req); err != nil {
			return "", nil, err
		}
		syncCh <- struct{}{}
		return protocol.TypeSyncResponse, protocol.SyncResponse{
			Entries: []protocol.WireEntry{insertWire(req.FromLSN, 99)},
			HasMore: false,
		}, nil
	}
	srv, err := transport.Listen(transport.ServerConfig{Addr: "127.0.0.1:0"}, handler, discardLogger())
	require.NoError(t, err)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go srv.Serve(stop)

	_, err = f.HandleHeartbeat(context.Background(), protocol.Heartbeat{
		Term:      1,
		LeaderID:  "leader",
		CommitLSN: 1,
		Members:   []protocol.MemberSnapshot{{ID: "leader", Endpoint: srv.Addr()}},
	})
	require.NoError(t, err)

	select {
	case <-syncCh:
	case <-time.After(time.Second):
		t.Fatal("sync request never reached the leader's resolved endpoint")
	}
	require.Equal(t, uint64(1), state.LastAppliedLSN())
}
