// Package membership implements the in-memory cluster node table of
// spec §4.4: identity, endpoint, role, status, last-heartbeat, applied
// LSN, replication lag, plus quorum and health queries.
//
// The table is shared-read, exclusive-write (spec §3 "Ownership"):
// every mutation funnels through a handful of methods holding a single
// RWMutex for a short critical section, never suspending while held.
package membership

import (
	"sort"
	"sync"
	"time"
)

// Role is a node's current role in the election state machine.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// Status is a node's health/lifecycle status.
type Status string

const (
	StatusJoining        Status = "joining"
	StatusSyncing        Status = "syncing"
	StatusActive         Status = "active"
	StatusLagging        Status = "lagging"
	StatusDropped        Status = "dropped"
	StatusOffline        Status = "offline"
	StatusNeedsMigration Status = "needs_migration"
)

// SyntheticIDPrefix marks a placeholder node id created from a
// configured peer address before that peer has announced its real
// identity (spec §4.4 "Synthetic peer").
const SyntheticIDPrefix = "synthetic:"

// Node is one row of the cluster membership table.
type Node struct {
	ID               string
	Endpoint         string
	Role             Role
	Status           Status
	LastAppliedLSN   uint64
	LastHeartbeat    time.Time
	JoinedAt         time.Time
	ReplicationLag   uint64
	everHeartbeated  bool // learned about second-hand nodes are never timed out
	wasSynthetic     bool
}

func (n Node) isSynthetic() bool {
	return len(n.ID) >= len(SyntheticIDPrefix) && n.ID[:len(SyntheticIDPrefix)] == SyntheticIDPrefix
}

// Table is the cluster membership table for one node's view of the
// cluster. selfID identifies the row that represents this process.
type Table struct {
	mu                sync.RWMutex
	selfID            string
	nodes             map[string]*Node
	leaderID          string
	heartbeatTimeout  time.Duration
	electionTimeout   time.Duration
}

// Config configures timeout thresholds used by CheckTimeouts.
type Config struct {
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
}

// New creates a membership table with selfID already present as an
// Active Follower.
func New(selfID, selfEndpoint string, cfg Config) *Table {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * time.Second
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = 5 * time.Second
	}
	t := &Table{
		selfID:           selfID,
		nodes:            make(map[string]*Node),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		electionTimeout:  cfg.ElectionTimeout,
	}
	now := time.Now()
	t.nodes[selfID] = &Node{
		ID:              selfID,
		Endpoint:        selfEndpoint,
		Role:            RoleFollower,
		Status:          StatusActive,
		LastHeartbeat:   now,
		JoinedAt:        now,
		everHeartbeated: true,
	}
	return t
}

// AddPeer inserts a peer node if absent, or replaces a synthetic
// placeholder that shares the same endpoint with a real id (spec §4.4
// "replaced the first time the real node identifier is observed").
func (t *Table) AddPeer(id, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addPeerLocked(id, endpoint)
}

func (t *Table) addPeerLocked(id, endpoint string) {
	if _, ok := t.nodes[id]; ok {
		return
	}
	for existingID, n := range t.nodes {
		if n.isSynthetic() && n.Endpoint == endpoint && id != existingID {
			delete(t.nodes, existingID)
			n.ID = id
			n.wasSynthetic = true
			t.nodes[id] = n
			return
		}
	}
	now := time.Now()
	t.nodes[id] = &Node{
		ID:       id,
		Endpoint: endpoint,
		Role:     RoleFollower,
		Status:   StatusJoining,
		JoinedAt: now,
	}
}

// AddSyntheticPeer seeds a placeholder entry for a configured peer
// address before it has ever announced a real node id.
func (t *Table) AddSyntheticPeer(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := SyntheticIDPrefix + endpoint
	if _, ok := t.nodes[id]; ok {
		return
	}
	now := time.Now()
	t.nodes[id] = &Node{
		ID:       id,
		Endpoint: endpoint,
		Role:     RoleFollower,
		Status:   StatusJoining,
		JoinedAt: now,
	}
}

// RemovePeer deletes a node from the table. Removing self or an
// unknown id is a no-op.
func (t *Table) RemovePeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == t.selfID {
		return
	}
	delete(t.nodes, id)
	if t.leaderID == id {
		t.leaderID = ""
	}
}

// GetNode returns a copy of the node record for id.
func (t *Table) GetNode(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// GetSelf returns a copy of this node's own record.
func (t *Table) GetSelf() Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.nodes[t.selfID]
}

// UpdateNode applies mutator to the node record for id under the write
// lock, the single funnel point spec §4.4 requires for preserving the
// monotonic-LSN invariant.
func (t *Table) UpdateNode(id string, mutator func(n *Node)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	mutator(n)
	return true
}

// RecordHeartbeat touches last_heartbeat and advances last_applied_lsn
// and status per the rules in spec §4.4.
func (t *Table) RecordHeartbeat(id string, lsn uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	n.LastHeartbeat = time.Now()
	n.everHeartbeated = true
	if lsn > n.LastAppliedLSN {
		n.LastAppliedLSN = lsn
	}
	switch n.Status {
	case StatusJoining, StatusOffline:
		n.Status = StatusActive
	case StatusLagging:
		n.Status = StatusSyncing
	case StatusSyncing:
		if n.ReplicationLag == 0 {
			n.Status = StatusActive
		}
	}
	return true
}

// CheckTimeouts advances stale nodes to Lagging, then Dropped, per
// spec §4.4, and returns the ids that changed status.
func (t *Table) CheckTimeouts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var changed []string
	for id, n := range t.nodes {
		if id == t.selfID || !n.everHeartbeated {
			continue
		}
		since := now.Sub(n.LastHeartbeat)
		switch {
		case since > 3*t.electionTimeout:
			if n.Status != StatusDropped {
				n.Status = StatusDropped
				if n.Role == RoleLeader {
					n.Role = RoleFollower
				}
				changed = append(changed, id)
			}
		case since > t.heartbeatTimeout:
			if n.Status == StatusActive {
				n.Status = StatusLagging
				changed = append(changed, id)
			}
		}
	}
	return changed
}

// ActiveNodes returns every node currently Active.
func (t *Table) ActiveNodes() []Node {
	return t.filter(func(n *Node) bool { return n.Status == StatusActive })
}

// Peers returns every node other than self, including synthetic
// placeholders.
func (t *Table) Peers() []Node {
	return t.filter(func(n *Node) bool { return n.ID != t.selfID })
}

// RealPeers returns every node other than self, excluding synthetic
// placeholders that have not yet announced a real identity.
func (t *Table) RealPeers() []Node {
	return t.filter(func(n *Node) bool { return n.ID != t.selfID && !n.isSynthetic() })
}

// AllNodes returns every node in the table, including self.
func (t *Table) AllNodes() []Node {
	return t.filter(func(n *Node) bool { return true })
}

func (t *Table) filter(pred func(n *Node) bool) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if pred(n) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentLeader returns the id of the node believed to be leader, or
// "" if none.
func (t *Table) CurrentLeader() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leaderID
}

// SetLeader clears any existing Leader role, then marks id as leader
// (spec §4.4 "first clear any existing Leader role from all nodes").
func (t *Table) SetLeader(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.Role == RoleLeader {
			n.Role = RoleFollower
		}
	}
	if n, ok := t.nodes[id]; ok {
		n.Role = RoleLeader
	}
	t.leaderID = id
}

// Size returns the total number of nodes in the table, including self.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// QuorumSize returns floor(size/2) + 1.
func (t *Table) QuorumSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)/2 + 1
}

// HasQuorum is defined pragmatically per spec §4.4: at least 2 active
// nodes can replicate (leader plus one follower).
func (t *Table) HasQuorum() bool {
	return len(t.ActiveNodes()) >= 2
}

// UpdateReplicationLag recomputes every node's lag relative to
// leaderLSN.
func (t *Table) UpdateReplicationLag(leaderLSN uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if leaderLSN > n.LastAppliedLSN {
			n.ReplicationLag = leaderLSN - n.LastAppliedLSN
		} else {
			n.ReplicationLag = 0
		}
	}
}

// NodesNeedingSync returns every peer whose replication lag is
// nonzero.
func (t *Table) NodesNeedingSync() []Node {
	return t.filter(func(n *Node) bool { return n.ID != t.selfID && n.ReplicationLag > 0 })
}

// MarkRejoined transitions a Dropped/Offline node back toward Syncing
// once it has re-announced itself, used after CheckTimeouts dropped it
// or the process restarted (spec §4.5 "manual promotion" companion
// path for rejoining ex-leaders flows through the election package,
// not here — this only clears the membership-side status).
func (t *Table) MarkRejoined(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	n.Status = StatusSyncing
	n.LastHeartbeat = time.Now()
	n.everHeartbeated = true
	return true
}

// Summary is a point-in-time snapshot for status/admin surfaces.
type Summary struct {
	Self        Node
	Leader      string
	Size        int
	QuorumSize  int
	HasQuorum   bool
	Nodes       []Node
}

// Summary returns a consistent snapshot of the whole table.
func (t *Table) Summary() Summary {
	t.mu.RLock()
	self := *t.nodes[t.selfID]
	leader := t.leaderID
	size := len(t.nodes)
	quorum := size/2 + 1
	nodes := make([]Node, 0, len(t.nodes))
	activeCount := 0
	for _, n := range t.nodes {
		nodes = append(nodes, *n)
		if n.Status == StatusActive {
			activeCount++
		}
	}
	t.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return Summary{
		Self:       self,
		Leader:     leader,
		Size:       size,
		QuorumSize: quorum,
		HasQuorum:  activeCount >= 2,
		Nodes:      nodes,
	}
}
