package transport

import (
	"net"
	"sync"
	"time"

	"github.com/wolfscale/wolfscale/internal/protocol"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// Pool is a lock-protected map of address to live connection (spec §5
// "Connection pool"). On any I/O error the entry is removed so the
// next call reconnects.
type Pool struct {
	mu             sync.Mutex
	conns          map[string]net.Conn
	connectTimeout time.Duration
	requestTimeout time.Duration
}

// NewPool creates an empty connection pool.
func NewPool(connectTimeout, requestTimeout time.Duration) *Pool {
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Pool{
		conns:          make(map[string]net.Conn),
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
	}
}

func (p *Pool) get(addr string) (net.Conn, error) {
	p.mu.Lock()
	conn, ok := p.conns[addr]
	p.mu.Unlock()
	if ok {
		return conn, nil
	}
	conn, err := net.DialTimeout("tcp", addr, p.connectTimeout)
	if err != nil {
		return nil, wolferr.Wrap(wolferr.KindConnectFailed, err, "dial %s", addr)
	}
	p.mu.Lock()
	p.conns[addr] = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) evict(addr string) {
	p.mu.Lock()
	if conn, ok := p.conns[addr]; ok {
		conn.Close()
		delete(p.conns, addr)
	}
	p.mu.Unlock()
}

// Call sends reqType/req to addr using a pooled connection and returns
// the decoded reply type and decoder. On any I/O error the pooled
// connection is evicted so the next call reconnects.
func (p *Pool) Call(addr string, reqType protocol.Type, req any) (protocol.Type, func(dst any) error, error) {
	conn, err := p.get(addr)
	if err != nil {
		return "", nil, err
	}
	conn.SetDeadline(time.Now().Add(p.requestTimeout))
	if err := protocol.WriteMessage(conn, reqType, req); err != nil {
		p.evict(addr)
		return "", nil, wolferr.Wrap(wolferr.KindNetwork, err, "write to %s", addr)
	}
	t, decode, err := protocol.ReadMessage(conn)
	if err != nil {
		p.evict(addr)
		return "", nil, wolferr.Wrap(wolferr.KindConnectTimeout, err, "read from %s", addr)
	}
	return t, decode, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		conn.Close()
		delete(p.conns, addr)
	}
}
