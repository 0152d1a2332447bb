package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/wolfscale/wolfscale/internal/election"
	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/membership"
	"github.com/wolfscale/wolfscale/internal/protocol"
	"github.com/wolfscale/wolfscale/internal/statetracker"
)

type noVotes struct{}

func (noVotes) RequestVote(ctx context.Context, endpoint string, req protocol.RequestVote) (protocol.VoteResponse, error) {
	return protocol.VoteResponse{}, context.DeadlineExceeded
}

type fakeWriter struct {
	lsn uint64
	err error
}

func (f *fakeWriter) Write(ctx context.Context, entry logentry.LogEntry) (uint64, error) {
	return f.lsn, f.err
}

func newTestServer(t *testing.T, leader bool) (*Server, *fakeWriter) {
	t.Helper()
	members := membership.New("self", "10.0.0.1:9000", membership.Config{})
	state, err := statetracker.Open(t.TempDir())
	require.NoError(t, err)
	coord := election.New("self", election.Config{}, state, members, func() uint64 { return 0 }, noVotes{}, nil)

	fw := &fakeWriter{lsn: 7}
	writerFn := func() (Writer, bool) {
		if !leader {
			return nil, false
		}
		return fw, true
	}
	s := New(members, state, coord, writerFn, func() uint64 { return 7 }, nil)
	return s, fw
}

func newRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	s.MountRoutes(r)
	return r
}

func TestHandleStatusReportsNodeState(t *testing.T) {
	s, _ := newTestServer(t, true)
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "self", resp.NodeID)
	require.Equal(t, uint64(7), resp.CommitLSN)
}

func TestHandleWriteRejectsWhenNotLeader(t *testing.T) {
	s, _ := newTestServer(t, false)
	r := newRouter(s)

	body, _ := json.Marshal(map[string]any{"kind": "noop", "payload": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/write", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMisdirectedRequest, rec.Code)
}

func TestHandleWriteEntersEntryViaLeaderWritePath(t *testing.T) {
	s, fw := newTestServer(t, true)
	r := newRouter(s)

	entry := logentry.Insert{Table: "orders", Columns: []string{"id"}, Values: []logentry.Value{logentry.IntValue(1)}}
	raw, err := logentry.Marshal(entry)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/write", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, fw.lsn, resp["lsn"])
}

func TestHandlePromoteEnablesElectionParticipation(t *testing.T) {
	s, _ := newTestServer(t, true)
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/promote", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePromoteRejectsOtherNode(t *testing.T) {
	s, _ := newTestServer(t, true)
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/promote", bytes.NewReader([]byte(`{"node_id":"someone-else"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
