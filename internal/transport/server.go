// Package transport implements the length-prefixed framed TCP server
// and client used for inter-node replication traffic (spec §4.8, §5,
// component #10), generalized from the teacher's accept-loop-plus-
// per-connection-goroutine shape in internal/network/server.go.
package transport

import (
	"log/slog"
	"net"
	"time"

	"github.com/wolfscale/wolfscale/internal/protocol"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// Handler processes one decoded inter-node message and returns the
// reply to write back, or nil to send no reply.
type Handler func(t protocol.Type, decode func(dst any) error) (replyType protocol.Type, reply any, err error)

// Server accepts inter-node connections and dispatches each framed
// message to Handler.
type Server struct {
	listener net.Listener
	handler  Handler
	log      *slog.Logger

	readTimeout time.Duration
}

// ServerConfig configures Listen.
type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(cfg ServerConfig, handler Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, wolferr.Wrap(wolferr.KindNetwork, err, "listen on %s", cfg.Addr)
	}
	return &Server{listener: ln, handler: handler, log: log, readTimeout: cfg.ReadTimeout}, nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve runs the accept loop until stop is closed or the listener is
// closed. Shutdown propagates via the watchable stop channel (spec §5
// "Cancellation and timeouts").
func (s *Server) Serve(stop <-chan struct{}) error {
	go func() {
		<-stop
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			return wolferr.Wrap(wolferr.KindNetwork, err, "accept")
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		if s.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		t, decode, err := protocol.ReadMessage(conn)
		if err != nil {
			s.log.Debug("inter-node connection closed", "remote_addr", remote, "error", err)
			return
		}
		replyType, reply, err := s.handler(t, decode)
		if err != nil {
			s.log.Error("inter-node message handling failed", "remote_addr", remote, "type", t, "error", err)
			protocol.WriteMessage(conn, protocol.TypeError, protocol.ErrorMessage{Code: "internal_error", Message: err.Error()})
			continue
		}
		if reply == nil {
			continue
		}
		if err := protocol.WriteMessage(conn, replyType, reply); err != nil {
			s.log.Error("failed to write reply", "remote_addr", remote, "error", err)
			return
		}
	}
}

// SendRequest dials addr, writes one framed message, reads one framed
// reply, and closes the connection, without pooling. Vote and sync
// requests do not use it; they go through Pool.Call.
func SendRequest(addr string, connectTimeout, requestTimeout time.Duration, reqType protocol.Type, req any) (protocol.Type, func(dst any) error, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return "", nil, wolferr.Wrap(wolferr.KindConnectFailed, err, "dial %s", addr)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(requestTimeout))
	if err := protocol.WriteMessage(conn, reqType, req); err != nil {
		return "", nil, wolferr.Wrap(wolferr.KindNetwork, err, "write request to %s", addr)
	}
	t, decode, err := protocol.ReadMessage(conn)
	if err != nil {
		return "", nil, wolferr.Wrap(wolferr.KindConnectTimeout, err, "read response from %s", addr)
	}
	return t, decode, nil
}
