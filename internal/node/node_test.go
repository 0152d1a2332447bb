package node

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfscale/wolfscale/internal/config"
	"github.com/wolfscale/wolfscale/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		NodeID:              "node-a",
		DataDir:             t.TempDir(),
		ClusterName:         "test-cluster",
		ProxyListenAddr:     "127.0.0.1:0",
		BackendAddr:         "127.0.0.1:1",
		BackendDSN:          "user:pass@tcp(127.0.0.1:1)/wolfscale",
		TransportListenAddr: "127.0.0.1:0",
		AdminListenAddr:     "127.0.0.1:0",
		Tunables: config.Tunables{
			HeartbeatInterval:  "50ms",
			HeartbeatTimeout:   "1s",
			ElectionTimeoutMin: "150ms",
			ElectionTimeoutMax: "300ms",
			WriteAckTimeout:    "1s",
			BatchSize:          10,
			SegmentByteBudget:  1 << 20,
			MaxAcceptableLag:   1000,
		},
	}
}

func TestBuildWiresEveryComponent(t *testing.T) {
	n, err := Build(testConfig(t), discardLogger(), nil)
	require.NoError(t, err)
	require.NotNil(t, n.coord)
	require.NotNil(t, n.follower)
	require.NotNil(t, n.transportSrv)
	require.NotNil(t, n.proxySrv)
	require.NotNil(t, n.adminSrv)
	require.NotNil(t, n.router)
	require.False(t, n.isLeader())

	require.NoError(t, n.walWriter.Close())
	require.NoError(t, n.be.Close())
}

func TestBuildLeavesAdminUnsetWhenAddrEmpty(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdminListenAddr = ""
	n, err := Build(cfg, discardLogger(), nil)
	require.NoError(t, err)
	require.Nil(t, n.adminSrv)
	require.Nil(t, n.httpSrv)

	require.NoError(t, n.walWriter.Close())
	require.NoError(t, n.be.Close())
}

func TestHandleDispatchesByMessageType(t *testing.T) {
	n, err := Build(testConfig(t), discardLogger(), nil)
	require.NoError(t, err)
	defer n.walWriter.Close()
	defer n.be.Close()

	replyType, reply, err := n.handle(protocol.TypeStatusRequest, func(dst any) error { return nil })
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStatusResponse, replyType)
	status, ok := reply.(protocol.StatusResponse)
	require.True(t, ok)
	require.Equal(t, "node-a", status.NodeID)
	require.False(t, status.HasQuorum)

	_, _, err = n.handle(protocol.Type("bogus"), func(dst any) error { return nil })
	require.Error(t, err)
}

func TestHandleJoinRequestAddsPeer(t *testing.T) {
	n, err := Build(testConfig(t), discardLogger(), nil)
	require.NoError(t, err)
	defer n.walWriter.Close()
	defer n.be.Close()

	req := protocol.JoinRequest{NodeID: "node-b", Endpoint: "127.0.0.1:9999"}
	replyType, reply, err := n.handle(protocol.TypeJoinRequest, func(dst any) error {
		*dst.(*protocol.JoinRequest) = req
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, protocol.TypeJoinResponse, replyType)
	resp, ok := reply.(protocol.JoinResponse)
	require.True(t, ok)
	require.True(t, resp.Accepted)

	_, found := n.members.GetNode("node-b")
	require.True(t, found)
}

func TestStartThenShutdownDrainsEveryLoop(t *testing.T) {
	n, err := Build(testConfig(t), discardLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))

	// let the accept loops and tickers come up before tearing down
	time.Sleep(20 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		n.Shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not drain every long-running loop in time")
	}
}
