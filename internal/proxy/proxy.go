// Package proxy implements the wire-protocol pass-through proxy of
// spec §4.9: it relays the native relational wire protocol byte-for-byte
// between a client and the local backend, identifying writes along the
// way and, when this node is the leader, capturing them into the WAL.
package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/wolfscale/wolfscale/internal/logentry"
)

// Capturer is the subset of the leader role the proxy needs: appending
// a captured write to the WAL without waiting for quorum.
type Capturer interface {
	CaptureWrite(ctx context.Context, entry logentry.LogEntry) (uint64, error)
}

// Config tunes the proxy (spec §4.9).
type Config struct {
	ListenAddr     string
	BackendAddr    string
	DrainPeekDelay time.Duration // ~10ms peek-with-timeout for multi-packet result sets
	DialTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.DrainPeekDelay <= 0 {
		c.DrainPeekDelay = 10 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
}

// Proxy accepts client connections and relays each to the local
// backend over its own connection.
type Proxy struct {
	cfg      Config
	capture  Capturer
	isLeader func() bool
	log      *slog.Logger

	listener net.Listener
}

// New wires a Proxy. isLeader reports whether this node is currently
// the replication leader (spec §4.9 "this node is the current
// leader").
func New(cfg Config, capture Capturer, isLeader func() bool, log *slog.Logger) *Proxy {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{cfg: cfg, capture: capture, isLeader: isLeader, log: log}
}

// Serve accepts connections until stop is closed (spec §5 "TCP server
// accept loop").
func (p *Proxy) Serve(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return err
	}
	p.listener = ln
	go func() {
		<-stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				p.log.Error("accept client connection failed", "error", err)
				continue
			}
		}
		go p.handleConnection(conn)
	}
}

// Addr returns the proxy's bound address.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

type session struct {
	proxy     *Proxy
	client    net.Conn
	backend   net.Conn
	clientR   *bufio.Reader
	backendR  *bufio.Reader
	currentDB string
}

func (p *Proxy) handleConnection(client net.Conn) {
	defer client.Close()

	backend, err := net.DialTimeout("tcp", p.cfg.BackendAddr, p.cfg.DialTimeout)
	if err != nil {
		p.log.Error("dial backend failed", "backend", p.cfg.BackendAddr, "error", err)
		return
	}
	defer backend.Close()

	s := &session{
		proxy:    p,
		client:   client,
		backend:  backend,
		clientR:  bufio.NewReader(client),
		backendR: bufio.NewReader(backend),
	}

	if err := s.handshake(); err != nil {
		if err != io.EOF {
			p.log.Debug("handshake failed", "error", err)
		}
		return
	}

	s.commandLoop()
}

// handshake implements spec §4.9 steps (iii)-(v): relay the backend's
// greeting, parse the client's handshake response for the database
// field, relay it to the backend, then relay the auth result
// (including one auth-switch round if requested).
func (s *session) handshake() error {
	if _, err := relayPacket(s.backendR, s.client); err != nil {
		return err
	}

	respPayload, err := relayPacket(s.clientR, s.backend)
	if err != nil {
		return err
	}
	if db, _, perr := handshakeResponseDatabase(respPayload); perr == nil {
		s.currentDB = db
	}

	authResult, err := relayPacket(s.backendR, s.client)
	if err != nil {
		return err
	}
	if isAuthSwitchRequest(authResult) {
		if _, err := relayPacket(s.clientR, s.backend); err != nil {
			return err
		}
		if _, err := relayPacket(s.backendR, s.client); err != nil {
			return err
		}
	}
	return nil
}

// commandLoop implements spec §4.9's main per-connection loop.
func (s *session) commandLoop() {
	for {
		seq, payload, err := readPacket(s.clientR)
		if err != nil {
			return
		}
		if len(payload) == 0 {
			if err := writePacket(s.backend, seq, nil); err != nil {
				return
			}
			continue
		}

		query, ok := decodeQuery(payload)
		if ok {
			s.handleQuery(query)
		}

		if err := writePacket(s.backend, seq, payload); err != nil {
			return
		}
		if !s.drainResponse() {
			return
		}
	}
}

// decodeQuery extracts a query string from a command packet: COM_QUERY
// carries it directly, COM_INIT_DB is synthesized as a USE statement
// (spec §4.9).
func decodeQuery(payload []byte) (string, bool) {
	switch payload[0] {
	case comQuery:
		return string(payload[1:]), true
	case comInitDB:
		return "USE `" + string(payload[1:]) + "`", true
	default:
		return "", false
	}
}

// handleQuery classifies the query, updates session database tracking,
// and — if this node is the leader — captures writes into the WAL
// (spec §4.9).
func (s *session) handleQuery(query string) {
	if db := extractUseDatabase(query); db != "" {
		s.currentDB = db
	}

	if !isWrite(query) {
		return
	}
	if !s.proxy.isLeader() {
		return
	}

	sql := query
	if s.currentDB != "" && !isDatabaseLevelOperation(query) {
		sql = "USE `" + s.currentDB + "`; " + query
	}

	entry := logentry.RawSQL{SQLText: sql}
	if s.currentDB != "" {
		db := s.currentDB
		entry.Database = &db
	}
	if table := affectedTable(query); table != "" {
		entry.AffectsTable = &table
	}
	if _, err := s.proxy.capture.CaptureWrite(context.Background(), entry); err != nil {
		s.proxy.log.Error("capture write failed", "error", err)
	}
}

// drainResponse forwards backend response packets to the client until
// a brief peek-with-timeout finds nothing further pending (spec §4.9
// "multi-packet result sets have no single terminator").
func (s *session) drainResponse() bool {
	for {
		if err := s.backend.SetReadDeadline(time.Now().Add(s.proxy.cfg.DrainPeekDelay)); err != nil {
			return false
		}
		payload, err := relayPacket(s.backendR, s.client)
		s.backend.SetReadDeadline(time.Time{})
		if err != nil {
			if isTimeout(err) {
				return true
			}
			return false
		}
		_ = payload
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
