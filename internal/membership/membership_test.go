package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTable() *Table {
	return New("self", "localhost:9001", Config{
		HeartbeatTimeout: 10 * time.Millisecond,
		ElectionTimeout:  10 * time.Millisecond,
	})
}

func TestAddPeerReplacesSyntheticPlaceholder(t *testing.T) {
	tbl := newTestTable()
	tbl.AddSyntheticPeer("10.0.0.2:9001")
	require.Len(t, tbl.Peers(), 1)

	tbl.AddPeer("node-b", "10.0.0.2:9001")

	peers := tbl.RealPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "node-b", peers[0].ID)
	require.Equal(t, "10.0.0.2:9001", peers[0].Endpoint)
}

func TestRecordHeartbeatNeverRegressesLastAppliedLSN(t *testing.T) {
	tbl := newTestTable()
	tbl.AddPeer("node-b", "10.0.0.2:9001")

	require.True(t, tbl.RecordHeartbeat("node-b", 10))
	require.True(t, tbl.RecordHeartbeat("node-b", 4))

	n, ok := tbl.GetNode("node-b")
	require.True(t, ok)
	require.Equal(t, uint64(10), n.LastAppliedLSN)
}

func TestRecordHeartbeatAdvancesJoiningToActive(t *testing.T) {
	tbl := newTestTable()
	tbl.AddPeer("node-b", "10.0.0.2:9001")
	tbl.RecordHeartbeat("node-b", 1)

	n, _ := tbl.GetNode("node-b")
	require.Equal(t, StatusActive, n.Status)
}

func TestCheckTimeoutsIgnoresNodesNeverHeartbeated(t *testing.T) {
	tbl := newTestTable()
	tbl.AddPeer("node-b", "10.0.0.2:9001") // learned second-hand, never heartbeated directly
	time.Sleep(50 * time.Millisecond)

	changed := tbl.CheckTimeouts()
	require.Empty(t, changed)
	n, _ := tbl.GetNode("node-b")
	require.Equal(t, StatusJoining, n.Status)
}

func TestCheckTimeoutsLagsThenDropsOverThresholds(t *testing.T) {
	tbl := newTestTable()
	tbl.AddPeer("node-b", "10.0.0.2:9001")
	tbl.RecordHeartbeat("node-b", 1)

	time.Sleep(15 * time.Millisecond)
	changed := tbl.CheckTimeouts()
	require.Contains(t, changed, "node-b")
	n, _ := tbl.GetNode("node-b")
	require.Equal(t, StatusLagging, n.Status)

	time.Sleep(40 * time.Millisecond)
	changed = tbl.CheckTimeouts()
	require.Contains(t, changed, "node-b")
	n, _ = tbl.GetNode("node-b")
	require.Equal(t, StatusDropped, n.Status)
}

func TestSetLeaderClearsPriorLeader(t *testing.T) {
	tbl := newTestTable()
	tbl.AddPeer("node-b", "10.0.0.2:9001")
	tbl.AddPeer("node-c", "10.0.0.3:9001")

	tbl.SetLeader("node-b")
	tbl.SetLeader("node-c")

	b, _ := tbl.GetNode("node-b")
	c, _ := tbl.GetNode("node-c")
	require.Equal(t, RoleFollower, b.Role)
	require.Equal(t, RoleLeader, c.Role)
	require.Equal(t, "node-c", tbl.CurrentLeader())
}

func TestQuorumSizeAndHasQuorum(t *testing.T) {
	tbl := newTestTable()
	require.Equal(t, 1, tbl.QuorumSize())
	require.False(t, tbl.HasQuorum())

	tbl.AddPeer("node-b", "10.0.0.2:9001")
	require.Equal(t, 2, tbl.QuorumSize())
	tbl.RecordHeartbeat("node-b", 1)
	require.True(t, tbl.HasQuorum())

	tbl.AddPeer("node-c", "10.0.0.3:9001")
	require.Equal(t, 2, tbl.QuorumSize())
}

func TestUpdateReplicationLagAndNodesNeedingSync(t *testing.T) {
	tbl := newTestTable()
	tbl.AddPeer("node-b", "10.0.0.2:9001")
	tbl.RecordHeartbeat("node-b", 5)

	tbl.UpdateReplicationLag(10)
	needing := tbl.NodesNeedingSync()
	require.Len(t, needing, 1)
	require.Equal(t, uint64(5), needing[0].ReplicationLag)

	tbl.UpdateReplicationLag(5)
	require.Empty(t, tbl.NodesNeedingSync())
}

func TestRemovePeerCannotRemoveSelf(t *testing.T) {
	tbl := newTestTable()
	tbl.RemovePeer("self")
	_, ok := tbl.GetNode("self")
	require.True(t, ok)
}

func TestSummaryReflectsQuorumAndLeader(t *testing.T) {
	tbl := newTestTable()
	tbl.AddPeer("node-b", "10.0.0.2:9001")
	tbl.RecordHeartbeat("node-b", 1)
	tbl.SetLeader("self")

	s := tbl.Summary()
	require.Equal(t, "self", s.Leader)
	require.Equal(t, 2, s.Size)
	require.True(t, s.HasQuorum)
}
