// Package protocol defines the typed inter-node message set of spec
// §4.8 and its wire framing (distinct from the WAL's own on-disk
// framing in internal/wal): length + CRC32 header around a
// self-describing JSON body, matching the envelope technique already
// used by internal/logentry.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/membership"
)

// Type discriminates the inter-node message variants.
type Type string

const (
	TypeHeartbeat            Type = "heartbeat"
	TypeHeartbeatResponse    Type = "heartbeat_response"
	TypePeerHeartbeat        Type = "peer_heartbeat"
	TypeAppendEntries        Type = "append_entries"
	TypeAppendEntriesResp    Type = "append_entries_response"
	TypeRequestVote          Type = "request_vote"
	TypeVoteResponse         Type = "vote_response"
	TypeSyncRequest          Type = "sync_request"
	TypeSyncResponse         Type = "sync_response"
	TypeJoinRequest          Type = "join_request"
	TypeJoinResponse         Type = "join_response"
	TypeLeaveRequest         Type = "leave_request"
	TypeLeaveResponse        Type = "leave_response"
	TypeClusterStateUpdate   Type = "cluster_state_update"
	TypeStatusRequest        Type = "status_request"
	TypeStatusResponse       Type = "status_response"
	TypeWriteForward         Type = "write_forward"
	TypeWriteForwardResponse Type = "write_forward_response"
	TypeError                Type = "error"
)

// MemberSnapshot is the wire shape of one membership.Node carried
// inside a Heartbeat so followers can learn about each other
// transitively (spec §4.6 step 3).
type MemberSnapshot struct {
	ID             string            `json:"id"`
	Endpoint       string            `json:"endpoint"`
	Role           membership.Role   `json:"role"`
	Status         membership.Status `json:"status"`
	LastAppliedLSN uint64            `json:"last_applied_lsn"`
}

// Heartbeat is broadcast by the leader at the heartbeat interval.
type Heartbeat struct {
	Term      uint64           `json:"term"`
	LeaderID  string           `json:"leader_id"`
	CommitLSN uint64           `json:"commit_lsn"`
	Members   []MemberSnapshot `json:"members"`
}

// HeartbeatResponse acknowledges a Heartbeat.
type HeartbeatResponse struct {
	NodeID         string `json:"node_id"`
	Term           uint64 `json:"term"`
	LastAppliedLSN uint64 `json:"last_applied_lsn"`
	Success        bool   `json:"success"`
}

// PeerHeartbeat is the lightweight follower-to-follower liveness
// broadcast of spec §4.7.
type PeerHeartbeat struct {
	NodeID  string           `json:"node_id"`
	Term    uint64           `json:"term"`
	Members []MemberSnapshot `json:"members"`
}

// WireEntry carries one WAL entry (header fields needed for log
// matching plus the logentry envelope) over the wire.
type WireEntry struct {
	LSN     uint64          `json:"lsn"`
	Term    uint64          `json:"term"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEntries wraps a batch of log entries as wire entries.
func EncodeEntries(lsns []uint64, terms []uint64, entries []logentry.LogEntry) ([]WireEntry, error) {
	out := make([]WireEntry, len(entries))
	for i, e := range entries {
		raw, err := logentry.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode wire entry at lsn %d: %w", lsns[i], err)
		}
		out[i] = WireEntry{LSN: lsns[i], Term: terms[i], Payload: raw}
	}
	return out, nil
}

// DecodeEntry reconstructs the log entry body from a WireEntry.
func DecodeEntry(w WireEntry) (logentry.LogEntry, error) {
	return logentry.Unmarshal(w.Payload)
}

// AppendEntries replicates a batch of entries from leader to follower.
type AppendEntries struct {
	Term           uint64      `json:"term"`
	LeaderID       string      `json:"leader_id"`
	PrevLSN        uint64      `json:"prev_lsn"`
	PrevTerm       uint64      `json:"prev_term"`
	Entries        []WireEntry `json:"entries"`
	LeaderCommitLSN uint64     `json:"leader_commit_lsn"`
}

// AppendEntriesResponse is a follower's reply to AppendEntries.
type AppendEntriesResponse struct {
	NodeID   string `json:"node_id"`
	Term     uint64 `json:"term"`
	Success  bool   `json:"success"`
	MatchLSN uint64 `json:"match_lsn"`
}

// RequestVote is a candidate's solicitation for a vote.
type RequestVote struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogLSN   uint64 `json:"last_log_lsn"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse is a node's reply to RequestVote.
type VoteResponse struct {
	NodeID      string `json:"node_id"`
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// SyncRequest asks the leader for a catch-up batch starting at FromLSN.
type SyncRequest struct {
	NodeID  string `json:"node_id"`
	FromLSN uint64 `json:"from_lsn"`
	Max     int    `json:"max"`
}

// SyncResponse answers a SyncRequest.
type SyncResponse struct {
	FromLSN uint64      `json:"from_lsn"`
	Entries []WireEntry `json:"entries"`
	HasMore bool        `json:"has_more"`
}

// JoinRequest announces a node's intent to join the cluster.
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// JoinResponse acknowledges a JoinRequest.
type JoinResponse struct {
	Accepted bool             `json:"accepted"`
	LeaderID string           `json:"leader_id"`
	Members  []MemberSnapshot `json:"members"`
}

// LeaveRequest announces a node's intent to leave the cluster.
type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// LeaveResponse acknowledges a LeaveRequest.
type LeaveResponse struct {
	Accepted bool `json:"accepted"`
}

// ClusterStateUpdate pushes a full membership snapshot.
type ClusterStateUpdate struct {
	Members []MemberSnapshot `json:"members"`
}

// StatusRequest asks a node to report its status.
type StatusRequest struct{}

// StatusResponse reports a node's status (spec §6 admin "status").
type StatusResponse struct {
	NodeID         string `json:"node_id"`
	Role           string `json:"role"`
	LeaderID       string `json:"leader_id"`
	Term           uint64 `json:"term"`
	LastAppliedLSN uint64 `json:"last_applied_lsn"`
	CommitLSN      uint64 `json:"commit_lsn"`
	ClusterSize    int    `json:"cluster_size"`
	HasQuorum      bool   `json:"has_quorum"`
}

// WriteForward carries a write a non-leader node received toward the
// leader. No component sends or handles it: the proxy does not forward
// writes, and the admin /write endpoint calls the local leader's Write
// directly.
type WriteForward struct {
	Entry json.RawMessage `json:"entry"`
}

// WriteForwardResponse answers a WriteForward.
type WriteForwardResponse struct {
	LSN   uint64 `json:"lsn"`
	Error string `json:"error,omitempty"`
}

// ErrorMessage carries a structured error (spec §7 "administrative
// endpoints return structured error codes").
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the self-describing wrapper placed around every typed
// message before framing.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a concrete message in an Envelope and marshals it.
func Encode(t Type, msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env := Envelope{Type: t, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// Decode parses an envelope and returns its type plus the decoder for
// unmarshaling the concrete payload type.
func Decode(raw []byte) (Type, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Type, env.Payload, nil
}

// DecodePayload unmarshals env's payload into dst.
func DecodePayload(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
