// Package lb implements the load-balancer router of spec §4.10:
// writes always go to the current leader, reads round-robin over
// sufficiently caught-up followers.
package lb

import (
	"sync/atomic"

	"github.com/wolfscale/wolfscale/internal/membership"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// Router picks a destination endpoint for a connecting client.
type Router struct {
	members          *membership.Table
	maxAcceptableLag uint64
	rrCounter        atomic.Uint64
}

// New wires a Router over members. maxAcceptableLag bounds how far
// behind the leader a follower may be and still serve reads.
func New(members *membership.Table, maxAcceptableLag uint64) *Router {
	return &Router{members: members, maxAcceptableLag: maxAcceptableLag}
}

// RouteWrite returns the current leader's endpoint.
func (r *Router) RouteWrite() (string, error) {
	leaderID := r.members.CurrentLeader()
	if leaderID == "" {
		return "", wolferr.New(wolferr.KindNoLeader, "no leader elected")
	}
	node, ok := r.members.GetNode(leaderID)
	if !ok {
		return "", wolferr.New(wolferr.KindNodeNotFound, "leader node %s not found in membership", leaderID)
	}
	return node.Endpoint, nil
}

// RouteRead selects a read destination: round-robin over Active nodes
// (not the leader itself) whose lag behind the leader is within
// maxAcceptableLag, falling back to the leader if no follower
// qualifies (spec §4.10).
func (r *Router) RouteRead() (string, error) {
	candidates := r.readCandidates()
	if len(candidates) == 0 {
		return r.RouteWrite()
	}
	idx := r.rrCounter.Add(1) % uint64(len(candidates))
	return candidates[idx].Endpoint, nil
}

func (r *Router) readCandidates() []membership.Node {
	var out []membership.Node
	for _, n := range r.members.ActiveNodes() {
		if n.Role == membership.RoleLeader {
			continue
		}
		if n.ReplicationLag <= r.maxAcceptableLag {
			out = append(out, n)
		}
	}
	return out
}
