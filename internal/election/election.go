// Package election implements the randomized-timeout leader election
// state machine of spec §4.5: Follower/Candidate/Leader transitions,
// term and vote persistence through internal/statetracker, and the
// vote-granting rules, decoupled from the wire transport behind a
// small VoteRequester interface so it can be driven by fakes in tests.
package election

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/wolfscale/wolfscale/internal/membership"
	"github.com/wolfscale/wolfscale/internal/protocol"
	"github.com/wolfscale/wolfscale/internal/statetracker"
)

// Role mirrors membership.Role for the state machine's own vocabulary.
type Role = membership.Role

const (
	RoleFollower  = membership.RoleFollower
	RoleCandidate = membership.RoleCandidate
	RoleLeader    = membership.RoleLeader
)

// VoteRequester sends a RequestVote RPC to a peer and returns its
// response. Implemented over internal/transport by the caller wiring
// the cluster together.
type VoteRequester interface {
	RequestVote(ctx context.Context, peerEndpoint string, req protocol.RequestVote) (protocol.VoteResponse, error)
}

// Config tunes election timing (spec §4.5).
type Config struct {
	TimeoutMin            time.Duration
	TimeoutMax            time.Duration
	VoteRequestTimeout     time.Duration
	AutomaticElections     bool
}

func (c *Config) setDefaults() {
	if c.TimeoutMin <= 0 {
		c.TimeoutMin = 150 * time.Millisecond
	}
	if c.TimeoutMax <= 0 {
		c.TimeoutMax = 300 * time.Millisecond
	}
	if c.VoteRequestTimeout <= 0 {
		c.VoteRequestTimeout = 100 * time.Millisecond
	}
}

// LastLogLSNFunc reports the node's own last WAL LSN, used in vote
// granting and in vote requests ("log-up-to-date" comparison).
type LastLogLSNFunc func() uint64

// OnBecomeLeader is invoked (outside the coordinator's lock) the
// instant this node transitions Candidate → Leader.
type OnBecomeLeader func()

// OnStepDown is invoked whenever this node steps down to Follower,
// whatever its prior role, so a running leader loop can stop itself.
type OnStepDown func()

// Coordinator runs the election state machine for one node.
type Coordinator struct {
	mu sync.Mutex

	cfg     Config
	self    string
	state   *statetracker.Tracker
	members *membership.Table
	rng     *rand.Rand
	log     *slog.Logger

	lastLogLSN LastLogLSNFunc
	requester  VoteRequester
	onLeader   OnBecomeLeader
	onStepDown OnStepDown

	role          Role
	lastHeartbeat time.Time
	timeout       time.Duration
	wasLeader     bool
}

// New creates a Coordinator starting as Follower.
func New(self string, cfg Config, state *statetracker.Tracker, members *membership.Table, lastLogLSN LastLogLSNFunc, requester VoteRequester, log *slog.Logger) *Coordinator {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		cfg:           cfg,
		self:          self,
		state:         state,
		members:       members,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		log:           log,
		lastLogLSN:    lastLogLSN,
		requester:     requester,
		role:          RoleFollower,
		lastHeartbeat: time.Now(),
	}
	c.timeout = c.drawTimeout()
	return c
}

// SetCallbacks wires lifecycle hooks after construction (avoids a
// constructor with too many positional callback params).
func (c *Coordinator) SetCallbacks(onLeader OnBecomeLeader, onStepDown OnStepDown) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLeader = onLeader
	c.onStepDown = onStepDown
}

func (c *Coordinator) drawTimeout() time.Duration {
	span := c.cfg.TimeoutMax - c.cfg.TimeoutMin
	if span <= 0 {
		return c.cfg.TimeoutMin
	}
	return c.cfg.TimeoutMin + time.Duration(c.rng.Int63n(int64(span)))
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// ResetTimer re-draws the randomized timeout and marks now as the last
// heartbeat instant.
func (c *Coordinator) ResetTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetTimerLocked()
}

func (c *Coordinator) resetTimerLocked() {
	c.lastHeartbeat = time.Now()
	c.timeout = c.drawTimeout()
}

// WasLeader reports whether this node recently stepped down from
// leader and is waiting for manual promotion (spec §4.7 "Rejoining
// nodes").
func (c *Coordinator) WasLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasLeader
}

// EnableElectionParticipation clears was_leader so this node may again
// auto-elect on timeout.
func (c *Coordinator) EnableElectionParticipation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wasLeader = false
}

// ShouldStartElection reports whether the election timer has expired
// and this node is eligible to become a candidate (spec §4.5
// "Follower → Candidate").
func (c *Coordinator) ShouldStartElection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleFollower {
		return false
	}
	if !c.cfg.AutomaticElections || c.wasLeader {
		return false
	}
	return time.Since(c.lastHeartbeat) > c.timeout
}

// StartElection runs one candidacy round: increments term, votes for
// self, persists, solicits votes from every real peer concurrently,
// and becomes leader on a quorum of grants (spec §4.5 "Candidate →
// Leader", counted including self).
func (c *Coordinator) StartElection(ctx context.Context) error {
	c.mu.Lock()
	if c.role == RoleLeader {
		c.mu.Unlock()
		return nil
	}
	newTerm := c.state.CurrentTerm() + 1
	c.role = RoleCandidate
	c.resetTimerLocked()
	c.mu.Unlock()

	if err := c.state.SetVote(newTerm, c.self); err != nil {
		return err
	}

	lastLSN := c.lastLogLSN()
	req := protocol.RequestVote{
		Term:        newTerm,
		CandidateID: c.self,
		LastLogLSN:  lastLSN,
		LastLogTerm: newTerm - 1,
	}

	peers := c.members.RealPeers()
	quorum := c.members.QuorumSize()
	votes := 1 // self

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, p := range peers {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.VoteRequestTimeout)
			defer cancel()
			resp, err := c.requester.RequestVote(reqCtx, endpoint, req)
			if err != nil {
				c.log.Debug("vote request failed", "peer", endpoint, "error", err)
				return
			}
			if resp.Term > newTerm {
				c.StepDown(resp.Term)
				return
			}
			if resp.VoteGranted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}(p.Endpoint)
	}
	wg.Wait()

	c.mu.Lock()
	if c.role != RoleCandidate || c.state.CurrentTerm() != newTerm {
		c.mu.Unlock()
		return nil // stepped down mid-election
	}
	won := votes >= quorum
	if won {
		c.role = RoleLeader
	}
	c.mu.Unlock()

	if won {
		c.members.SetLeader(c.self)
		if err := c.state.SetCurrentLeader(c.self); err != nil {
			return err
		}
		c.log.Info("won election", "term", newTerm, "votes", votes, "quorum", quorum)
		if c.onLeader != nil {
			c.onLeader()
		}
	}
	return nil
}

// HandleRequestVote applies the vote-granting rule of spec §4.5.
func (c *Coordinator) HandleRequestVote(req protocol.RequestVote) (protocol.VoteResponse, error) {
	current := c.state.CurrentTerm()
	if req.Term < current {
		return protocol.VoteResponse{NodeID: c.self, Term: current, VoteGranted: false}, nil
	}
	if req.Term > current {
		if err := c.StepDown(req.Term); err != nil {
			return protocol.VoteResponse{}, err
		}
		current = req.Term
	}

	votedFor := c.state.VotedFor()
	alreadyVotedElsewhere := votedFor != "" && votedFor != req.CandidateID
	logUpToDate := req.LastLogLSN >= c.lastLogLSN()

	if alreadyVotedElsewhere || !logUpToDate {
		return protocol.VoteResponse{NodeID: c.self, Term: current, VoteGranted: false}, nil
	}

	if err := c.state.SetVote(current, req.CandidateID); err != nil {
		return protocol.VoteResponse{}, err
	}
	c.ResetTimer()
	return protocol.VoteResponse{NodeID: c.self, Term: current, VoteGranted: true}, nil
}

// StepDown transitions to Follower at (at least) term, persisting the
// new term and clearing voted-for (spec §4.5 "on any received message
// carrying a strictly higher term").
func (c *Coordinator) StepDown(term uint64) error {
	c.mu.Lock()
	wasLeader := c.role == RoleLeader
	current := c.state.CurrentTerm()
	if term < current {
		c.mu.Unlock()
		return nil
	}
	if term > current {
		// SetCurrentTerm clears voted_for when the term strictly
		// advances; see internal/statetracker.
		if err := c.state.SetCurrentTerm(term); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.role = RoleFollower
	if wasLeader {
		c.wasLeader = true
	}
	c.resetTimerLocked()
	c.mu.Unlock()

	if wasLeader && c.onStepDown != nil {
		c.onStepDown()
	}
	return nil
}
