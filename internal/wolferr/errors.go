// Package wolferr defines the error taxonomy shared across the core: a
// small set of kinds (not Go types per error) so callers can branch on
// Kind() rather than on string matching, while still composing with
// fmt.Errorf("...: %w", err) the way the rest of this codebase does.
package wolferr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error without requiring callers to know its concrete
// Go type. See spec §7 for the full taxonomy this mirrors.
type Kind string

const (
	KindConfiguration        Kind = "configuration"
	KindWAL                  Kind = "wal"
	KindWALSegmentMissing    Kind = "wal_segment_missing"
	KindWALEntryCorrupted    Kind = "wal_entry_corrupted"
	KindWALSerialization     Kind = "wal_serialization"
	KindDatabase             Kind = "database"
	KindDatabaseHealth       Kind = "database_health"
	KindDatabaseQuery        Kind = "database_query"
	KindDatabaseSchema       Kind = "database_schema"
	KindReplication          Kind = "replication"
	KindNotLeaderRedirect    Kind = "not_leader_redirect"
	KindNoLeader             Kind = "no_leader"
	KindNodeNotFound         Kind = "node_not_found"
	KindQuorumNotReached     Kind = "quorum_not_reached"
	KindNetwork              Kind = "network"
	KindConnectFailed        Kind = "connect_failed"
	KindConnectTimeout       Kind = "connect_timeout"
	KindState                Kind = "state"
	KindStateCorrupted       Kind = "state_corrupted"
	KindIO                   Kind = "io"
	KindSyncNodeBehind       Kind = "sync_node_behind"
	KindSyncCatchupRequired  Kind = "sync_catchup_required"
	KindInternalCancelled    Kind = "internal_cancelled"
	KindInternalShuttingDown Kind = "internal_shutting_down"
	KindInternalUnavailable  Kind = "internal_unavailable"
)

// Error is the concrete error type carried through the core. LSN and
// NodeID are optional context populated when the failure is attributable
// to a specific log position or peer.
type Error struct {
	Kind    Kind
	Message string
	LSN     uint64
	NodeID  string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.LSN != 0 {
		msg = fmt.Sprintf("%s (lsn=%d)", msg, e.LSN)
	}
	if e.NodeID != "" {
		msg = fmt.Sprintf("%s (node=%s)", msg, e.NodeID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// AtLSN returns a copy of e annotated with the LSN it concerns.
func (e *Error) AtLSN(lsn uint64) *Error {
	cp := *e
	cp.LSN = lsn
	return &cp
}

// AtNode returns a copy of e annotated with the node id it concerns.
func (e *Error) AtNode(nodeID string) *Error {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind == k
	}
	return false
}
