// Package replication implements the Leader and Follower roles of
// spec §4.6 and §4.7: write acceptance, quorum-based commit advance,
// AppendEntries/Heartbeat/SyncRequest handling, and the
// log-and-continue apply-failure policy.
package replication

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
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
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// LeaderConfig tunes the leader's periodic loop (spec §4.6).
type LeaderConfig struct {
	HeartbeatInterval time.Duration
	MaxBatchEntries   int
	WriteAckTimeout   time.Duration
	HealthCheckEvery  int // every Nth tick
}

func (c *LeaderConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 100 * time.Millisecond
	}
	if c.MaxBatchEntries <= 0 {
		c.MaxBatchEntries = 200
	}
	if c.WriteAckTimeout <= 0 {
		c.WriteAckTimeout = 2 * time.Second
	}
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = 5
	}
}

type peerProgress struct {
	nextLSN  uint64
	matchLSN uint64
}

// pendingWrite is a write awaiting quorum acknowledgment. The actual
// ack counting happens globally in advanceCommit (every peer's
// matchLSN plus our own current LSN, sorted); a pendingWrite is simply
// notified once the commit LSN reaches its LSN.
type pendingWrite struct {
	done chan error
}

// Leader runs the leader role for one node.
type Leader struct {
	cfg LeaderConfig

	selfID  string
	writer  *wal.Writer
	reader  *wal.Reader
	state   *statetracker.Tracker
	members *membership.Table
	be      backend.Backend
	pool    *transport.Pool
	coord   *election.Coordinator
	log     *slog.Logger
	metrics *telemetry.Recorder

	mu       sync.Mutex
	progress map[string]*peerProgress
	pending  map[uint64]*pendingWrite

	commitLSN atomic.Uint64
	tick      atomic.Uint64
	stopped   atomic.Bool
}

// NewLeader wires a Leader. Called on the Candidate→Leader transition.
func NewLeader(selfID string, cfg LeaderConfig, writer *wal.Writer, reader *wal.Reader, state *statetracker.Tracker, members *membership.Table, be backend.Backend, pool *transport.Pool, coord *election.Coordinator, log *slog.Logger) *Leader {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	l := &Leader{
		cfg:      cfg,
		selfID:   selfID,
		writer:   writer,
		reader:   reader,
		state:    state,
		members:  members,
		be:       be,
		pool:     pool,
		coord:    coord,
		log:      log,
		progress: make(map[string]*peerProgress),
		pending:  make(map[uint64]*pendingWrite),
	}
	l.commitLSN.Store(state.LastAppliedLSN())

	currentLSN := writer.CurrentLSN()
	for _, p := range members.RealPeers() {
		l.progress[p.ID] = &peerProgress{nextLSN: currentLSN + 1, matchLSN: 0}
	}
	return l
}

// SetMetrics wires the OpenTelemetry recorder spec §4.14 describes.
// Leaving it unset is safe: every Recorder method is nil-tolerant.
func (l *Leader) SetMetrics(m *telemetry.Recorder) {
	l.metrics = m
}

// Run drives the periodic loop until stop is closed (spec §4.6
// "Periodic loop at the heartbeat interval").
func (l *Leader) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.onTick(ctx)
		}
	}
}

func (l *Leader) onTick(ctx context.Context) {
	n := l.tick.Add(1)
	if n%uint64(l.cfg.HealthCheckEvery) == 0 {
		if err := l.be.HealthCheck(ctx); err != nil {
			l.log.Error("backend health check failed, stepping down", "error", err)
			l.coord.StepDown(l.state.CurrentTerm())
			l.stopped.Store(true)
			return
		}
	}
	l.replicateToPeers(ctx)
	l.broadcastHeartbeat(ctx)
	l.advanceCommit()
}

// replicateToPeers sends AppendEntries to every non-dropped/offline
// peer (spec §4.6 step 2).
func (l *Leader) replicateToPeers(ctx context.Context) {
	if err := l.reader.Refresh(); err != nil {
		l.log.Error("refresh wal segment index failed", "error", err)
		return
	}
	term := l.state.CurrentTerm()
	for _, peer := range l.members.RealPeers() {
		if peer.Status == membership.StatusDropped || peer.Status == membership.StatusOffline {
			continue
		}
		l.mu.Lock()
		prog, ok := l.progress[peer.ID]
		if !ok {
			prog = &peerProgress{nextLSN: l.writer.CurrentLSN() + 1}
			l.progress[peer.ID] = prog
		}
		nextLSN := prog.nextLSN
		l.mu.Unlock()

		entries, err := l.reader.ReadBatch(nextLSN, l.cfg.MaxBatchEntries)
		if err != nil {
			l.log.Error("read batch for replication failed", "peer", peer.ID, "error", err)
			continue
		}

		var prevTerm uint64
		if nextLSN > 1 {
			if prev, found, _ := l.reader.Get(nextLSN - 1); found {
				prevTerm = prev.Header.Term
			}
		}

		lsns := make([]uint64, len(entries))
		terms := make([]uint64, len(entries))
		bodies := make([]logentry.LogEntry, len(entries))
		for i, e := range entries {
			lsns[i], terms[i], bodies[i] = e.Header.LSN, e.Header.Term, e.Body
		}
		wireEntries, err := protocol.EncodeEntries(lsns, terms, bodies)
		if err != nil {
			l.log.Error("encode replication batch failed", "peer", peer.ID, "error", err)
			continue
		}

		req := protocol.AppendEntries{
			Term:            term,
			LeaderID:        l.selfID,
			PrevLSN:         nextLSN - 1,
			PrevTerm:        prevTerm,
			Entries:         wireEntries,
			LeaderCommitLSN: l.commitLSN.Load(),
		}
		spanCtx, endSpan := l.metrics.StartAppendEntriesSpan(ctx, peer.ID)
		start := time.Now()
		replyType, decode, err := l.pool.Call(peer.Endpoint, protocol.TypeAppendEntries, req)
		l.metrics.ObserveReplicationRTT(spanCtx, peer.ID, time.Since(start))
		endSpan(err)
		if err != nil {
			l.log.Debug("append entries call failed", "peer", peer.ID, "error", err)
			continue
		}
		if replyType != protocol.TypeAppendEntriesResp {
			continue
		}
		var resp protocol.AppendEntriesResponse
		if err := decode(&resp); err != nil {
			l.log.Error("decode append entries response failed", "peer", peer.ID, "error", err)
			continue
		}
		l.HandleAppendEntriesResponse(resp)
	}
}

// broadcastHeartbeat sends a Heartbeat carrying a membership snapshot
// to every non-dropped peer (spec §4.6 step 3).
func (l *Leader) broadcastHeartbeat(ctx context.Context) {
	snapshot := snapshotMembers(l.members)
	hb := protocol.Heartbeat{
		Term:      l.state.CurrentTerm(),
		LeaderID:  l.selfID,
		CommitLSN: l.commitLSN.Load(),
		Members:   snapshot,
	}
	for _, peer := range l.members.RealPeers() {
		if peer.Status == membership.StatusDropped {
			continue
		}
		replyType, decode, err := l.pool.Call(peer.Endpoint, protocol.TypeHeartbeat, hb)
		if err != nil {
			continue
		}
		if replyType != protocol.TypeHeartbeatResponse {
			continue
		}
		var resp protocol.HeartbeatResponse
		if decode(&resp) == nil && resp.Success {
			l.members.RecordHeartbeat(peer.ID, resp.LastAppliedLSN)
		}
	}
	l.members.UpdateReplicationLag(l.writer.CurrentLSN())
}

func snapshotMembers(members *membership.Table) []protocol.MemberSnapshot {
	all := members.AllNodes()
	out := make([]protocol.MemberSnapshot, len(all))
	for i, n := range all {
		out[i] = protocol.MemberSnapshot{ID: n.ID, Endpoint: n.Endpoint, Role: n.Role, Status: n.Status, LastAppliedLSN: n.LastAppliedLSN}
	}
	return out
}

// Write accepts a client write: appends to the WAL, then either
// commits immediately (quorum size 1) or awaits acks (spec §4.6
// "Accepting a write").
func (l *Leader) Write(ctx context.Context, entry logentry.LogEntry) (uint64, error) {
	lsn, err := l.writer.Append(entry)
	if err != nil {
		return 0, err
	}
	l.metrics.RecordWALAppend(ctx)

	quorum := l.members.QuorumSize()
	if quorum <= 1 {
		l.commitAt(lsn)
		return lsn, nil
	}

	pw := &pendingWrite{done: make(chan error, 1)}
	l.mu.Lock()
	l.pending[lsn] = pw
	l.mu.Unlock()

	l.replicateToPeers(ctx)
	l.advanceCommit()

	select {
	case err := <-pw.done:
		return lsn, err
	case <-time.After(l.cfg.WriteAckTimeout):
		l.mu.Lock()
		delete(l.pending, lsn)
		l.mu.Unlock()
		return lsn, wolferr.New(wolferr.KindReplication, "timeout waiting for quorum ack at lsn %d", lsn).AtLSN(lsn)
	case <-ctx.Done():
		return lsn, ctx.Err()
	}
}

// CaptureWrite appends entry to the WAL without waiting for quorum
// acknowledgment. It exists for the wire-protocol proxy's write
// capture (spec §4.9 "do not wait for quorum before forwarding to the
// backend"): replication of the newly appended entry happens on the
// next periodic tick like any other WAL write.
func (l *Leader) CaptureWrite(ctx context.Context, entry logentry.LogEntry) (uint64, error) {
	lsn, err := l.writer.Append(entry)
	if err == nil {
		l.metrics.RecordWALAppend(ctx)
	}
	return lsn, err
}

// HandleAppendEntriesResponse applies spec §4.6's response handling.
func (l *Leader) HandleAppendEntriesResponse(resp protocol.AppendEntriesResponse) {
	if resp.Term > l.state.CurrentTerm() {
		l.coord.StepDown(resp.Term)
		return
	}
	l.mu.Lock()
	prog, ok := l.progress[resp.NodeID]
	if !ok {
		prog = &peerProgress{}
		l.progress[resp.NodeID] = prog
	}
	if resp.Success {
		prog.matchLSN = resp.MatchLSN
		prog.nextLSN = resp.MatchLSN + 1
	} else if prog.nextLSN > 1 {
		prog.nextLSN--
	}
	l.mu.Unlock()

	l.members.RecordHeartbeat(resp.NodeID, resp.MatchLSN)
	l.advanceCommit()
}

// advanceCommit implements spec §4.6's commit-advance rule.
func (l *Leader) advanceCommit() {
	l.mu.Lock()
	matches := make([]uint64, 0, len(l.progress)+1)
	for _, p := range l.progress {
		matches = append(matches, p.matchLSN)
	}
	l.mu.Unlock()
	matches = append(matches, l.writer.CurrentLSN())
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	k := l.members.QuorumSize()
	if k > len(matches) {
		k = len(matches)
	}
	candidate := matches[len(matches)-k]
	if candidate <= l.commitLSN.Load() {
		return
	}
	l.commitAt(candidate)
}

// commitAt advances the commit LSN and acknowledges every pending
// write now satisfied, strictly in LSN order (spec §5 "Pending writes
// are acknowledged strictly in LSN order").
func (l *Leader) commitAt(lsn uint64) {
	l.commitLSN.Store(lsn)
	if err := l.state.SetLastAppliedLSN(lsn); err != nil {
		l.log.Error("persist commit lsn failed", "lsn", lsn, "error", err)
	}

	type satisfied struct {
		lsn uint64
		pw  *pendingWrite
	}
	l.mu.Lock()
	var toNotify []satisfied
	for pendingLSN, pw := range l.pending {
		if pendingLSN <= lsn {
			toNotify = append(toNotify, satisfied{lsn: pendingLSN, pw: pw})
			delete(l.pending, pendingLSN)
		}
	}
	l.mu.Unlock()

	sort.Slice(toNotify, func(i, j int) bool { return toNotify[i].lsn < toNotify[j].lsn })
	for _, s := range toNotify {
		s.pw.done <- nil
	}
}

// CommitLSN returns the leader's current commit LSN.
func (l *Leader) CommitLSN() uint64 { return l.commitLSN.Load() }

// HandleSyncRequest answers a follower's catch-up request (spec §4.6
// "Handling a sync request from a follower").
func (l *Leader) HandleSyncRequest(req protocol.SyncRequest) (protocol.SyncResponse, error) {
	entries, err := l.reader.ReadBatch(req.FromLSN, req.Max)
	if err != nil {
		return protocol.SyncResponse{}, err
	}
	lsns := make([]uint64, len(entries))
	terms := make([]uint64, len(entries))
	bodies := make([]logentry.LogEntry, len(entries))
	for i, e := range entries {
		lsns[i], terms[i], bodies[i] = e.Header.LSN, e.Header.Term, e.Body
	}
	wire, err := protocol.EncodeEntries(lsns, terms, bodies)
	if err != nil {
		return protocol.SyncResponse{}, err
	}

	hasMore := false
	if len(entries) > 0 {
		lastReturned := entries[len(entries)-1].Header.LSN
		hasMore = lastReturned < l.writer.CurrentLSN()
	}

	l.mu.Lock()
	if prog, ok := l.progress[req.NodeID]; ok && len(entries) > 0 {
		prog.nextLSN = entries[len(entries)-1].Header.LSN + 1
	}
	l.mu.Unlock()

	return protocol.SyncResponse{FromLSN: req.FromLSN, Entries: wire, HasMore: hasMore}, nil
}
