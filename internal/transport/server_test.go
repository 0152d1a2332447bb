package transport

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfscale/wolfscale/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestServerEchoesHeartbeatResponse(t *testing.T) {
	handler := func(msgType protocol.Type, decode func(dst any) error) (protocol.Type, any, error) {
		var hb protocol.Heartbeat
		if err := decode(&hb); err != nil {
			return "", nil, err
		}
		return protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{NodeID: "self", Term: hb.Term, Success: true}, nil
	}

	srv, err := Listen(ServerConfig{Addr: "127.0.0.1:0"}, handler, discardLogger())
	require.NoError(t, err)
	stop := make(chan struct{})
	go srv.Serve(stop)
	defer close(stop)

	pool := NewPool(time.Second, time.Second)
	defer pool.Close()

	replyType, decode, err := pool.Call(srv.Addr(), protocol.TypeHeartbeat, protocol.Heartbeat{Term: 7, LeaderID: "self"})
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHeartbeatResponse, replyType)

	var resp protocol.HeartbeatResponse
	require.NoError(t, decode(&resp))
	require.Equal(t, uint64(7), resp.Term)
	require.True(t, resp.Success)
}

func TestPoolEvictsConnectionOnServerClose(t *testing.T) {
	handler := func(msgType protocol.Type, decode func(dst any) error) (protocol.Type, any, error) {
		return protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{Success: true}, nil
	}
	srv, err := Listen(ServerConfig{Addr: "127.0.0.1:0"}, handler, discardLogger())
	require.NoError(t, err)
	addr := srv.Addr()
	stop := make(chan struct{})
	go srv.Serve(stop)

	pool := NewPool(200*time.Millisecond, 200*time.Millisecond)
	defer pool.Close()
	_, _, err = pool.Call(addr, protocol.TypeHeartbeat, protocol.Heartbeat{})
	require.NoError(t, err)

	close(stop)
	time.Sleep(50 * time.Millisecond)

	_, _, err = pool.Call(addr, protocol.TypeHeartbeat, protocol.Heartbeat{})
	require.Error(t, err)
}
