// Package admin implements the administrative HTTP surface of spec
// §6 and §4.12: status and cluster inspection, manual role promotion
// for rejoining nodes, and a synchronous, quorum-gated write endpoint.
package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wolfscale/wolfscale/internal/election"
	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/membership"
	"github.com/wolfscale/wolfscale/internal/statetracker"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// Writer is the leader's synchronous, quorum-gated write path. It is
// nil on a node that is not currently leader.
type Writer interface {
	Write(ctx context.Context, entry logentry.LogEntry) (uint64, error)
}

// Server exposes the administrative HTTP surface over the core's
// internal state. It holds no state of its own beyond what it is
// wired to.
type Server struct {
	members   *membership.Table
	state     *statetracker.Tracker
	coord     *election.Coordinator
	writer    func() (Writer, bool)
	commitLSN func() uint64
	log       *slog.Logger
}

// New wires a Server. writer returns the active write path and
// whether this node currently accepts writes (i.e. is leader);
// commitLSN reports the locally known commit position (internal/node
// reports the last applied LSN when this node is not leader).
func New(members *membership.Table, state *statetracker.Tracker, coord *election.Coordinator, writer func() (Writer, bool), commitLSN func() uint64, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{members: members, state: state, coord: coord, writer: writer, commitLSN: commitLSN, log: log}
}

// MountRoutes registers the administrative endpoints on r (spec §4.12).
func (s *Server) MountRoutes(r *mux.Router) {
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/cluster", s.handleCluster).Methods(http.MethodGet)
	r.HandleFunc("/promote", s.handlePromote).Methods(http.MethodPost)
	r.HandleFunc("/demote", s.handleDemote).Methods(http.MethodPost)
	r.HandleFunc("/write", s.handleWrite).Methods(http.MethodPost)
}

type statusResponse struct {
	NodeID     string `json:"node_id"`
	Role       string `json:"role"`
	LeaderID   string `json:"leader_id"`
	Term       uint64 `json:"term"`
	AppliedLSN uint64 `json:"last_applied_lsn"`
	CommitLSN  uint64 `json:"commit_lsn"`
	ClusterSize int   `json:"cluster_size"`
	HasQuorum  bool   `json:"has_quorum"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary := s.members.Summary()
	writeJSON(w, http.StatusOK, statusResponse{
		NodeID:      summary.Self.ID,
		Role:        string(s.coord.Role()),
		LeaderID:    summary.Leader,
		Term:        s.state.CurrentTerm(),
		AppliedLSN:  s.state.LastAppliedLSN(),
		CommitLSN:   s.commitLSN(),
		ClusterSize: summary.Size,
		HasQuorum:   summary.HasQuorum,
	})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.members.Summary())
}

type roleChangeRequest struct {
	NodeID string `json:"node_id"`
}

// handlePromote implements the rejoining-node operator contract of
// spec §4.7: a node that stepped down as leader sets was_leader and
// stops auto-electing until explicitly promoted.
func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req roleChangeRequest
	if err := decode(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "configuration", err.Error())
		return
	}
	if req.NodeID != "" && req.NodeID != s.members.GetSelf().ID {
		writeError(w, http.StatusNotFound, string(wolferr.KindNodeNotFound), "promote only targets this node's own admin surface")
		return
	}
	s.coord.EnableElectionParticipation()
	s.log.Info("admin: election participation enabled by operator", "node_id", s.members.GetSelf().ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "promoted"})
}

func (s *Server) handleDemote(w http.ResponseWriter, r *http.Request) {
	var req roleChangeRequest
	if err := decode(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "configuration", err.Error())
		return
	}
	if req.NodeID != "" && req.NodeID != s.members.GetSelf().ID {
		writeError(w, http.StatusNotFound, string(wolferr.KindNodeNotFound), "demote only targets this node's own admin surface")
		return
	}
	if err := s.coord.StepDown(s.state.CurrentTerm()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.log.Info("admin: stepped down by operator", "node_id", s.members.GetSelf().ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "demoted"})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "configuration", err.Error())
		return
	}
	entry, err := logentry.Unmarshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "configuration", err.Error())
		return
	}

	writer, isLeader := s.writer()
	if !isLeader {
		writeError(w, http.StatusMisdirectedRequest, string(wolferr.KindNotLeaderRedirect), "this node is not the current leader")
		return
	}

	lsn, err := writer.Write(r.Context(), entry)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"lsn": lsn})
}

func decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeErrorFromErr renders a wolferr.Error's Kind as the structured
// error code spec §7 names, falling back to a generic internal code
// for anything else.
func writeErrorFromErr(w http.ResponseWriter, err error) {
	for _, kind := range []wolferr.Kind{
		wolferr.KindNoLeader, wolferr.KindNotLeaderRedirect, wolferr.KindNodeNotFound,
		wolferr.KindQuorumNotReached, wolferr.KindWAL, wolferr.KindDatabase,
	} {
		if wolferr.Is(err, kind) {
			writeError(w, statusForKind(kind), string(kind), err.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func statusForKind(kind wolferr.Kind) int {
	switch kind {
	case wolferr.KindNotLeaderRedirect:
		return http.StatusMisdirectedRequest
	case wolferr.KindNoLeader, wolferr.KindQuorumNotReached:
		return http.StatusServiceUnavailable
	case wolferr.KindNodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
