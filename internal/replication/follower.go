package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfscale/wolfscale/internal/backend"
	"github.com/wolfscale/wolfscale/internal/election"
	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/membership"
	"github.com/wolfscale/wolfscale/internal/protocol"
	"github.com/wolfscale/wolfscale/internal/statetracker"
	"github.com/wolfscale/wolfscale/internal/telemetry"
	"github.com/wolfscale/wolfscale/internal/transport"
	"github.com/wolfscale/wolfscale/internal/wal"
)

// FollowerConfig tunes the follower's background loops (spec §4.7).
type FollowerConfig struct {
	PeerHeartbeatInterval time.Duration
	ApplyTimeout          time.Duration
	SyncBatchSize         int
}

func (c *FollowerConfig) setDefaults() {
	if c.PeerHeartbeatInterval <= 0 {
		c.PeerHeartbeatInterval = 150 * time.Millisecond
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.SyncBatchSize <= 0 {
		c.SyncBatchSize = 200
	}
}

// Follower runs the follower role for one node.
type Follower struct {
	cfg FollowerConfig

	selfID  string
	writer  *wal.Writer
	state   *statetracker.Tracker
	members *membership.Table
	be      backend.Backend
	pool    *transport.Pool
	coord   *election.Coordinator
	log     *slog.Logger
	metrics *telemetry.Recorder

	mu         sync.Mutex
	syncing    bool
	leaderAddr string
}

// SetMetrics wires the OpenTelemetry recorder spec §4.14 describes.
// Leaving it unset is safe: every Recorder method is nil-tolerant.
func (f *Follower) SetMetrics(m *telemetry.Recorder) {
	f.metrics = m
}

// NewFollower wires a Follower.
func NewFollower(selfID string, cfg FollowerConfig, writer *wal.Writer, state *statetracker.Tracker, members *membership.Table, be backend.Backend, pool *transport.Pool, coord *election.Coordinator, log *slog.Logger) *Follower {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Follower{
		cfg:     cfg,
		selfID:  selfID,
		writer:  writer,
		state:   state,
		members: members,
		be:      be,
		pool:    pool,
		coord:   coord,
		log:     log,
	}
}

// Run drives the follower's peer-heartbeat loop until stop is closed
// (spec §4.7 "Peer-heartbeat loop").
func (f *Follower) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PeerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.broadcastPeerHeartbeat()
		}
	}
}

func (f *Follower) broadcastPeerHeartbeat() {
	self := f.members.GetSelf()
	msg := protocol.PeerHeartbeat{NodeID: f.selfID, Term: f.state.CurrentTerm(), Members: snapshotMembers(f.members)}
	for _, peer := range f.members.RealPeers() {
		if peer.ID == self.ID {
			continue
		}
		f.pool.Call(peer.Endpoint, protocol.TypePeerHeartbeat, msg)
	}
}

// HandleHeartbeat implements spec §4.7's Heartbeat handling.
func (f *Follower) HandleHeartbeat(ctx context.Context, hb protocol.Heartbeat) (protocol.HeartbeatResponse, error) {
	if hb.Term > f.state.CurrentTerm() {
		if err := f.coord.StepDown(hb.Term); err != nil {
			return protocol.HeartbeatResponse{}, err
		}
	}
	if err := f.state.SetCurrentLeader(hb.LeaderID); err != nil {
		return protocol.HeartbeatResponse{}, err
	}
	f.adoptMembers(hb.Members)
	f.coord.ResetTimer()

	lastApplied := f.state.LastAppliedLSN()
	if hb.CommitLSN > lastApplied {
		if endpoint, ok := f.resolveEndpoint(hb.LeaderID); ok {
			f.requestSync(ctx, endpoint, lastApplied+1)
		}
	}

	return protocol.HeartbeatResponse{NodeID: f.selfID, Term: f.state.CurrentTerm(), LastAppliedLSN: f.state.LastAppliedLSN(), Success: true}, nil
}

// HandlePeerHeartbeat updates membership from a peer-to-peer heartbeat
// without touching leader/term/sync state (spec §4.7).
func (f *Follower) HandlePeerHeartbeat(ph protocol.PeerHeartbeat) {
	f.adoptMembers(ph.Members)
	f.members.RecordHeartbeat(ph.NodeID, 0)
}

// resolveEndpoint looks up leaderID's dial address in membership. A
// leader's own id and its network endpoint are independently
// configured strings (spec §4.13's Peer{ID, Endpoint}); every dial
// site must resolve one from the other through membership rather than
// dialing the id directly.
func (f *Follower) resolveEndpoint(leaderID string) (string, bool) {
	node, ok := f.members.GetNode(leaderID)
	if !ok || node.Endpoint == "" {
		return "", false
	}
	return node.Endpoint, true
}

func (f *Follower) adoptMembers(snapshot []protocol.MemberSnapshot) {
	self := f.members.GetSelf()
	for _, m := range snapshot {
		if m.ID == self.ID {
			continue
		}
		f.members.AddPeer(m.ID, m.Endpoint)
		f.members.RecordHeartbeat(m.ID, m.LastAppliedLSN)
	}
}

// HandleAppendEntries implements spec §4.7's AppendEntries handling,
// including the explicit log-and-continue-on-apply-failure decision.
func (f *Follower) HandleAppendEntries(ctx context.Context, req protocol.AppendEntries) (protocol.AppendEntriesResponse, error) {
	current := f.state.CurrentTerm()
	if req.Term < current {
		return protocol.AppendEntriesResponse{NodeID: f.selfID, Term: current, Success: false, MatchLSN: f.state.LastAppliedLSN()}, nil
	}
	if req.Term > current {
		if err := f.coord.StepDown(req.Term); err != nil {
			return protocol.AppendEntriesResponse{}, err
		}
	}
	f.coord.ResetTimer()

	lastApplied := f.state.LastAppliedLSN()
	if req.PrevLSN > 0 && req.PrevLSN != lastApplied {
		if endpoint, ok := f.resolveEndpoint(req.LeaderID); ok {
			f.requestSync(ctx, endpoint, lastApplied+1)
		}
		return protocol.AppendEntriesResponse{NodeID: f.selfID, Term: req.Term, Success: false, MatchLSN: lastApplied}, nil
	}

	matchLSN := lastApplied
	for _, wireEntry := range req.Entries {
		if wireEntry.LSN <= f.state.LastAppliedLSN() {
			continue // already applied: spec §8 "Applying an Insert whose LSN is <= last_applied_lsn is a no-op"
		}
		entry, err := protocol.DecodeEntry(wireEntry)
		if err != nil {
			f.log.Error("decode replicated entry failed", "lsn", wireEntry.LSN, "error", err)
			continue
		}
		f.applyEntry(ctx, wireEntry.LSN, wireEntry.Term, entry)
		matchLSN = wireEntry.LSN
	}

	if req.LeaderCommitLSN > f.state.LastAppliedLSN() && matchLSN > f.state.LastAppliedLSN() {
		f.state.SetLastAppliedLSN(matchLSN)
	}

	return protocol.AppendEntriesResponse{NodeID: f.selfID, Term: f.state.CurrentTerm(), Success: true, MatchLSN: matchLSN}, nil
}

// applyEntry persists entry to the local WAL, executes it against the
// local backend, and updates watermarks. A backend apply failure is
// logged and swallowed, advancing match_lsn anyway (spec §4.7).
func (f *Follower) applyEntry(ctx context.Context, lsn, term uint64, entry logentry.LogEntry) {
	f.writer.SetTerm(term)
	if _, err := f.writer.Append(entry); err != nil {
		f.log.Error("persist replicated entry to local wal failed", "lsn", lsn, "error", err)
	} else {
		f.metrics.RecordWALAppend(ctx)
	}

	applyCtx, cancel := context.WithTimeout(ctx, f.cfg.ApplyTimeout)
	defer cancel()
	if err := f.be.Apply(applyCtx, entry); err != nil {
		f.log.Error("apply replicated entry failed, advancing match_lsn anyway", "lsn", lsn, "entry_kind", entry.EntryKind(), "error", err)
	}

	table, pk := tableAndPK(entry)
	if table != "" {
		f.state.RecordApplied(lsn, table, pk)
	}
	if err := f.state.SetLastAppliedLSN(lsn); err != nil {
		f.log.Error("persist last_applied_lsn failed", "lsn", lsn, "error", err)
	}
}

func tableAndPK(entry logentry.LogEntry) (string, string) {
	switch e := entry.(type) {
	case logentry.Insert:
		return e.Table, e.PrimaryKey.String()
	case logentry.Update:
		return e.Table, e.PrimaryKey.String()
	case logentry.Delete:
		return e.Table, e.PrimaryKey.String()
	case logentry.Upsert:
		return e.Table, e.PrimaryKey.String()
	case logentry.CreateTable:
		return e.Table, "*"
	case logentry.AlterTable:
		return e.Table, "*"
	case logentry.DropTable:
		return e.Table, "*"
	default:
		return "", ""
	}
}

// requestSync issues a SyncRequest to the leader and applies the
// response, chaining further requests while HasMore is true (spec
// §4.6 scenario 3, §4.7 "Handling SyncResponse").
func (f *Follower) requestSync(ctx context.Context, leaderEndpoint string, fromLSN uint64) {
	f.mu.Lock()
	if f.syncing {
		f.mu.Unlock()
		return
	}
	f.syncing = true
	f.leaderAddr = leaderEndpoint
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.syncing = false
		f.mu.Unlock()
	}()

	for {
		req := protocol.SyncRequest{NodeID: f.selfID, FromLSN: fromLSN, Max: f.cfg.SyncBatchSize}
		replyType, decode, err := f.pool.Call(leaderEndpoint, protocol.TypeSyncRequest, req)
		if err != nil {
			f.log.Debug("sync request failed", "leader", leaderEndpoint, "error", err)
			return
		}
		if replyType != protocol.TypeSyncResponse {
			return
		}
		var resp protocol.SyncResponse
		if err := decode(&resp); err != nil {
			f.log.Error("decode sync response failed", "error", err)
			return
		}
		for _, wireEntry := range resp.Entries {
			if wireEntry.LSN <= f.state.LastAppliedLSN() {
				continue
			}
			entry, err := protocol.DecodeEntry(wireEntry)
			if err != nil {
				f.log.Error("decode sync entry failed", "lsn", wireEntry.LSN, "error", err)
				continue
			}
			f.applyEntry(ctx, wireEntry.LSN, wireEntry.Term, entry)
		}
		if !resp.HasMore {
			return
		}
		fromLSN = f.state.LastAppliedLSN() + 1
	}
}
