// Package node wires every component in spec §4 into one running
// process: the WAL, state tracker, membership table, election
// coordinator, leader/follower roles, inter-node transport, the
// wire-protocol proxy, the admin HTTP surface, and (optionally)
// discovery. Nothing here is itself a spec component — it is the
// composition root cmd/wolfscaled hands off to, grounded on the shape
// of the teacher's own cmd/joydb/main.go (registry-plus-server
// start-up) generalized to this process's much larger set of
// long-running loops.
package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wolfscale/wolfscale/internal/admin"
	"github.com/wolfscale/wolfscale/internal/backend"
	"github.com/wolfscale/wolfscale/internal/config"
	"github.com/wolfscale/wolfscale/internal/discovery"
	"github.com/wolfscale/wolfscale/internal/election"
	"github.com/wolfscale/wolfscale/internal/lb"
	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/membership"
	"github.com/wolfscale/wolfscale/internal/protocol"
	"github.com/wolfscale/wolfscale/internal/proxy"
	"github.com/wolfscale/wolfscale/internal/replication"
	"github.com/wolfscale/wolfscale/internal/statetracker"
	"github.com/wolfscale/wolfscale/internal/telemetry"
	"github.com/wolfscale/wolfscale/internal/transport"
	"github.com/wolfscale/wolfscale/internal/wal"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// electionTickInterval is how often the node checks whether the
// election timer has expired (spec §4.5's timer itself is a duration
// comparison; this is merely the polling granularity).
const electionTickInterval = 20 * time.Millisecond

// membershipTickInterval is how often CheckTimeouts runs (spec §4.4).
const membershipTickInterval = 250 * time.Millisecond

// Node owns every long-running component for one cluster member and
// is the transport.Handler that dispatches inbound inter-node
// messages to whichever role is currently active.
type Node struct {
	id  string
	cfg *config.Config
	log *slog.Logger

	metrics *telemetry.Recorder

	state     *statetracker.Tracker
	members   *membership.Table
	walWriter *wal.Writer
	walReader *wal.Reader
	be        backend.Backend
	pool      *transport.Pool
	coord     *election.Coordinator
	follower  *replication.Follower
	router    *lb.Router

	leaderCfg replication.LeaderConfig

	transportSrv *transport.Server
	proxySrv     *proxy.Proxy
	adminSrv     *admin.Server
	httpSrv      *http.Server
	disc         *discovery.Discovery

	mu         sync.Mutex
	leader     *replication.Leader
	leaderStop chan struct{}

	ctx  context.Context
	stop chan struct{}
	wg   sync.WaitGroup
}

// voteRequester implements election.VoteRequester over the shared
// connection pool.
type voteRequester struct{ pool *transport.Pool }

func (v voteRequester) RequestVote(ctx context.Context, peerEndpoint string, req protocol.RequestVote) (protocol.VoteResponse, error) {
	replyType, decode, err := v.pool.Call(peerEndpoint, protocol.TypeRequestVote, req)
	if err != nil {
		return protocol.VoteResponse{}, err
	}
	if replyType != protocol.TypeVoteResponse {
		return protocol.VoteResponse{}, wolferr.New(wolferr.KindNetwork, "unexpected reply type %s to request_vote", replyType)
	}
	var resp protocol.VoteResponse
	if err := decode(&resp); err != nil {
		return protocol.VoteResponse{}, err
	}
	return resp, nil
}

// leaderCapture adapts Node to proxy.Capturer: writes captured by the
// proxy flow through whichever *replication.Leader is currently active
// (spec §4.9 "only if this node is the leader").
type leaderCapture struct{ n *Node }

func (c leaderCapture) CaptureWrite(ctx context.Context, entry logentry.LogEntry) (uint64, error) {
	l := c.n.currentLeader()
	if l == nil {
		return 0, wolferr.New(wolferr.KindNotLeaderRedirect, "not leader")
	}
	return l.CaptureWrite(ctx, entry)
}

// nodeID16 derives a stable 16-byte origin id from a node's string id,
// for the WAL entry header's OriginNodeID field (spec §3).
func nodeID16(id string) [16]byte {
	return uuid.NewMD5(uuid.Nil, []byte(id))
}

// Build wires every component from a validated config but starts
// nothing; call Start to begin serving.
func Build(cfg *config.Config, log *slog.Logger, metrics *telemetry.Recorder) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}

	hbInterval, err := cfg.Tunables.HeartbeatIntervalDuration()
	if err != nil {
		return nil, err
	}
	hbTimeout, err := cfg.Tunables.HeartbeatTimeoutDuration()
	if err != nil {
		return nil, err
	}
	electionMin, err := cfg.Tunables.ElectionTimeoutMinDuration()
	if err != nil {
		return nil, err
	}
	electionMax, err := cfg.Tunables.ElectionTimeoutMaxDuration()
	if err != nil {
		return nil, err
	}
	writeAckTimeout, err := cfg.Tunables.WriteAckTimeoutDuration()
	if err != nil {
		return nil, err
	}

	be, err := backend.Open(backend.Config{DSN: cfg.BackendDSN})
	if err != nil {
		return nil, err
	}

	state, err := statetracker.Open(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		be.Close()
		return nil, err
	}

	walWriter, err := wal.NewWriter(wal.WriterConfig{
		Dir:               filepath.Join(cfg.DataDir, "wal"),
		OriginNodeID:      nodeID16(cfg.NodeID),
		SegmentByteBudget: cfg.Tunables.SegmentByteBudget,
		BatchSize:         cfg.Tunables.BatchSize,
		Durable:           cfg.Tunables.Durable,
		Compress:          cfg.Tunables.Compress,
	}, log)
	if err != nil {
		be.Close()
		return nil, err
	}
	walWriter.SetTerm(state.CurrentTerm())

	walReader, err := wal.NewReader(filepath.Join(cfg.DataDir, "wal"))
	if err != nil {
		walWriter.Close()
		be.Close()
		return nil, err
	}

	members := membership.New(cfg.NodeID, cfg.TransportListenAddr, membership.Config{
		HeartbeatTimeout: hbTimeout,
		ElectionTimeout:  electionMax,
	})
	for _, p := range cfg.Peers {
		members.AddPeer(p.ID, p.Endpoint)
	}

	pool := transport.NewPool(3*time.Second, 5*time.Second)

	n := &Node{
		id:      cfg.NodeID,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		state:   state,
		members: members,
		walWriter: walWriter,
		walReader: walReader,
		be:        be,
		pool:      pool,
		router:    lb.New(members, cfg.Tunables.MaxAcceptableLag),
		leaderCfg: replication.LeaderConfig{
			HeartbeatInterval: hbInterval,
			MaxBatchEntries:   cfg.Tunables.BatchSize,
			WriteAckTimeout:   writeAckTimeout,
		},
	}

	n.coord = election.New(cfg.NodeID, election.Config{
		TimeoutMin:         electionMin,
		TimeoutMax:         electionMax,
		AutomaticElections: cfg.Tunables.AutomaticElections,
	}, state, members, walWriter.CurrentLSN, voteRequester{pool: pool}, log)
	n.coord.SetCallbacks(n.becomeLeader, n.stepDown)

	n.follower = replication.NewFollower(cfg.NodeID, replication.FollowerConfig{
		PeerHeartbeatInterval: hbInterval,
		SyncBatchSize:         cfg.Tunables.BatchSize,
	}, walWriter, state, members, be, pool, n.coord, log)
	n.follower.SetMetrics(metrics)

	n.transportSrv, err = transport.Listen(transport.ServerConfig{Addr: cfg.TransportListenAddr}, n.handle, log)
	if err != nil {
		walWriter.Close()
		be.Close()
		return nil, err
	}

	n.proxySrv = proxy.New(proxy.Config{
		ListenAddr:  cfg.ProxyListenAddr,
		BackendAddr: cfg.BackendAddr,
	}, leaderCapture{n: n}, n.isLeader, log)

	if cfg.AdminListenAddr != "" {
		n.adminSrv = admin.New(members, state, n.coord, n.adminWriter, n.commitLSN, log)
		r := mux.NewRouter()
		n.adminSrv.MountRoutes(r)
		r.HandleFunc("/route/write", n.handleRouteWrite).Methods(http.MethodGet)
		r.HandleFunc("/route/read", n.handleRouteRead).Methods(http.MethodGet)
		n.httpSrv = &http.Server{Addr: cfg.AdminListenAddr, Handler: r}
	}

	if cfg.Discovery.Enabled {
		interval, err := time.ParseDuration(cfg.Discovery.Interval)
		if err != nil {
			interval = 2 * time.Second
		}
		n.disc = discovery.New(discovery.Config{
			Port:        cfg.Discovery.Port,
			ClusterName: cfg.ClusterName,
			Interval:    interval,
		}, cfg.NodeID, cfg.TransportListenAddr, members, log)
	}

	return n, nil
}

// Start begins serving every long-running loop until ctx is
// cancelled. It does not block; call Shutdown to stop every loop and
// wait for them to drain.
func (n *Node) Start(ctx context.Context) error {
	n.ctx = ctx
	n.stop = make(chan struct{})
	go func() {
		<-ctx.Done()
		n.stopOnce()
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.follower.Run(ctx, n.stop)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.transportSrv.Serve(n.stop); err != nil {
			n.log.Error("transport server stopped", "error", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.proxySrv.Serve(n.stop); err != nil {
			n.log.Error("proxy server stopped", "error", err)
		}
	}()

	if n.httpSrv != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.log.Error("admin server stopped", "error", err)
			}
		}()
	}

	if n.disc != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.disc.Run(ctx, n.stop)
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.electionLoop(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.membershipLoop(ctx)
	}()

	return nil
}

func (n *Node) stopOnce() {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
}

// Shutdown flushes and closes every owned resource (spec §6
// "Operational signals": graceful shutdown flushes the WAL buffer,
// cleanly closes connections, and exits).
func (n *Node) Shutdown(ctx context.Context) {
	n.stopOnce()
	if n.httpSrv != nil {
		n.httpSrv.Shutdown(ctx)
	}
	n.transportSrv.Close()
	n.wg.Wait()
	n.pool.Close()
	n.walWriter.Flush()
	n.walWriter.Close()
	n.be.Close()
}

func (n *Node) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(electionTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case <-ticker.C:
			if n.coord.ShouldStartElection() {
				go func() {
					if err := n.coord.StartElection(ctx); err != nil {
						n.log.Error("election round failed", "error", err)
					}
				}()
			}
		}
	}
}

func (n *Node) membershipLoop(ctx context.Context) {
	ticker := time.NewTicker(membershipTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case <-ticker.C:
			for _, id := range n.members.CheckTimeouts() {
				n.log.Warn("peer status changed on timeout", "peer", id)
			}
		}
	}
}

// becomeLeader is the election coordinator's OnBecomeLeader callback
// (spec §4.5 "Candidate → Leader: ... begin the heartbeat loop").
func (n *Node) becomeLeader() {
	n.mu.Lock()
	if n.leader != nil {
		n.mu.Unlock()
		return
	}
	l := replication.NewLeader(n.id, n.leaderCfg, n.walWriter, n.walReader, n.state, n.members, n.be, n.pool, n.coord, n.log)
	l.SetMetrics(n.metrics)
	stop := make(chan struct{})
	n.leader = l
	n.leaderStop = stop
	n.mu.Unlock()

	if err := n.state.SetCurrentLeader(n.id); err != nil {
		n.log.Error("persist current_leader failed", "error", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		l.Run(n.ctx, stop)
	}()
}

// stepDown is the election coordinator's OnStepDown callback: it stops
// this node's leader loop if one was running (spec §4.5 "Leader →
// Follower").
func (n *Node) stepDown() {
	n.mu.Lock()
	stop := n.leaderStop
	n.leader = nil
	n.leaderStop = nil
	n.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (n *Node) currentLeader() *replication.Leader {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

func (n *Node) isLeader() bool {
	return n.currentLeader() != nil
}

func (n *Node) commitLSN() uint64 {
	if l := n.currentLeader(); l != nil {
		return l.CommitLSN()
	}
	return n.state.LastAppliedLSN()
}

// adminWriter implements the writer lookup admin.New expects.
func (n *Node) adminWriter() (admin.Writer, bool) {
	l := n.currentLeader()
	if l == nil {
		return nil, false
	}
	return l, true
}

func (n *Node) statusResponse() protocol.StatusResponse {
	summary := n.members.Summary()
	return protocol.StatusResponse{
		NodeID:         n.id,
		Role:           string(n.coord.Role()),
		LeaderID:       summary.Leader,
		Term:           n.state.CurrentTerm(),
		LastAppliedLSN: n.state.LastAppliedLSN(),
		CommitLSN:      n.commitLSN(),
		ClusterSize:    summary.Size,
		HasQuorum:      summary.HasQuorum,
	}
}

// handleRouteWrite and handleRouteRead expose internal/lb's policy
// (spec §4.10) to whatever external client driver or load-balancer
// process this core hands connection steering off to.
func (n *Node) handleRouteWrite(w http.ResponseWriter, r *http.Request) {
	endpoint, err := n.router.RouteWrite()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"endpoint": endpoint})
}

func (n *Node) handleRouteRead(w http.ResponseWriter, r *http.Request) {
	endpoint, err := n.router.RouteRead()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"endpoint": endpoint})
}

func snapshotAll(members *membership.Table) []protocol.MemberSnapshot {
	all := members.AllNodes()
	out := make([]protocol.MemberSnapshot, len(all))
	for i, node := range all {
		out[i] = protocol.MemberSnapshot{ID: node.ID, Endpoint: node.Endpoint, Role: node.Role, Status: node.Status, LastAppliedLSN: node.LastAppliedLSN}
	}
	return out
}

// handle is the transport.Handler dispatching inbound inter-node
// messages to whichever role currently owns them (spec §4.8's typed
// message set).
func (n *Node) handle(t protocol.Type, decode func(dst any) error) (protocol.Type, any, error) {
	ctx := context.Background()
	switch t {
	case protocol.TypeRequestVote:
		var req protocol.RequestVote
		if err := decode(&req); err != nil {
			return "", nil, err
		}
		resp, err := n.coord.HandleRequestVote(req)
		if err != nil {
			return "", nil, err
		}
		return protocol.TypeVoteResponse, resp, nil

	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := decode(&hb); err != nil {
			return "", nil, err
		}
		resp, err := n.follower.HandleHeartbeat(ctx, hb)
		if err != nil {
			return "", nil, err
		}
		return protocol.TypeHeartbeatResponse, resp, nil

	case protocol.TypePeerHeartbeat:
		var ph protocol.PeerHeartbeat
		if err := decode(&ph); err != nil {
			return "", nil, err
		}
		n.follower.HandlePeerHeartbeat(ph)
		return "", nil, nil

	case protocol.TypeAppendEntries:
		var req protocol.AppendEntries
		if err := decode(&req); err != nil {
			return "", nil, err
		}
		resp, err := n.follower.HandleAppendEntries(ctx, req)
		if err != nil {
			return "", nil, err
		}
		return protocol.TypeAppendEntriesResp, resp, nil

	case protocol.TypeSyncRequest:
		var req protocol.SyncRequest
		if err := decode(&req); err != nil {
			return "", nil, err
		}
		l := n.currentLeader()
		if l == nil {
			return "", nil, wolferr.New(wolferr.KindNotLeaderRedirect, "not leader")
		}
		resp, err := l.HandleSyncRequest(req)
		if err != nil {
			return "", nil, err
		}
		return protocol.TypeSyncResponse, resp, nil

	case protocol.TypeJoinRequest:
		var req protocol.JoinRequest
		if err := decode(&req); err != nil {
			return "", nil, err
		}
		n.members.AddPeer(req.NodeID, req.Endpoint)
		return protocol.TypeJoinResponse, protocol.JoinResponse{
			Accepted: true,
			LeaderID: n.members.CurrentLeader(),
			Members:  snapshotAll(n.members),
		}, nil

	case protocol.TypeLeaveRequest:
		var req protocol.LeaveRequest
		if err := decode(&req); err != nil {
			return "", nil, err
		}
		n.members.RemovePeer(req.NodeID)
		return protocol.TypeLeaveResponse, protocol.LeaveResponse{Accepted: true}, nil

	case protocol.TypeStatusRequest:
		return protocol.TypeStatusResponse, n.statusResponse(), nil

	default:
		return "", nil, wolferr.New(wolferr.KindNetwork, "unsupported inter-node message type %s", t)
	}
}
