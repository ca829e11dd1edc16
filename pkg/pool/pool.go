// Package pool provides a bounded, lazily connecting pool of transport
// connections to a single cache node.
//
// Pooling amortizes connection setup cost across operations. The pool is
// bounded so a misbehaving node cannot absorb unlimited sockets, and it
// connects lazily so an unreachable node does not block client startup.
//
// A connection that errored during use must be discarded rather than
// returned: a socket abandoned mid-protocol is in an indeterminate state
// and reusing it would corrupt the next operation.
//
// Example:
//
//	p := pool.New("cache1:11211", 10, 100*time.Millisecond)
//	defer p.Close()
//
//	conn, err := p.Get(ctx)
//	if err != nil {
//		return err
//	}
//	// ... use conn ...
//	p.Put(conn) // or p.Discard(conn) on error
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrExhausted is returned by Get when the pool is at capacity and no
	// connection became idle within the connect timeout.
	ErrExhausted = errors.New("connection pool exhausted")

	// ErrClosed is returned by Get after Close has been called.
	ErrClosed = errors.New("connection pool closed")
)

// DialFunc establishes a transport connection to addr. The context carries
// the connect deadline and the caller's cancellation.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Pool manages a bounded set of connections to one node. Connections are
// created on demand up to the configured size and reused after release.
// All methods are safe for concurrent use.
type Pool struct {
	addr           string
	dial           DialFunc
	idle           chan net.Conn
	connectTimeout time.Duration

	mu      sync.Mutex // Protects created and closed
	created int
	size    int
	closed  bool
}

// New creates a pool of at most size connections to addr. Dialing and the
// wait for an idle connection when the pool is exhausted are both bounded
// by connectTimeout. No connection is established until the first Get.
func New(addr string, size int, connectTimeout time.Duration) *Pool {
	return NewWithDialer(addr, size, connectTimeout, defaultDial)
}

// NewWithDialer is New with a custom dial function, used for tests and for
// transports other than plain TCP.
func NewWithDialer(addr string, size int, connectTimeout time.Duration, dial DialFunc) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		addr:           addr,
		dial:           dial,
		idle:           make(chan net.Conn, size),
		connectTimeout: connectTimeout,
		size:           size,
	}
}

// defaultDial opens a TCP connection with TCP_NODELAY set, since cache
// traffic is dominated by small request/response packets.
func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// Get returns a connection to the node, reusing an idle one when available
// and dialing a new one while the pool is under capacity. When the pool is
// exhausted, Get waits for a release up to the connect timeout and then
// fails with ErrExhausted. Cancelling ctx aborts the wait.
func (p *Pool) Get(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.created < p.size {
		p.created++
		p.mu.Unlock()

		dctx := ctx
		if p.connectTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, p.connectTimeout)
			defer cancel()
		}
		conn, err := p.dial(dctx, p.addr)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, fmt.Errorf("dial %s: %w", p.addr, err)
		}
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.connectTimeout)
	defer timer.Stop()

	select {
	case conn := <-p.idle:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrExhausted
	}
}

// Put returns a healthy connection to the idle set. If the pool is closed
// or the idle set is full, the connection is closed instead.
func (p *Pool) Put(conn net.Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	select {
	case p.idle <- conn:
		p.mu.Unlock()
		return
	default:
	}
	p.created--
	p.mu.Unlock()
	_ = conn.Close()
}

// Discard closes a connection without returning it to the pool, freeing its
// capacity slot. Call this for any connection that saw an error or whose
// operation was abandoned mid-flight.
func (p *Pool) Discard(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

// Close shuts down the pool, closing all idle connections. Connections
// currently lent out are closed when they are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case conn := <-p.idle:
			_ = conn.Close()
			p.created--
		default:
			return
		}
	}
}

// Stats returns a snapshot of pool usage for monitoring.
//
// Returns a map containing:
//   - "address": the node address
//   - "capacity": maximum connections
//   - "open": connections currently created (idle plus lent out)
//   - "idle": connections waiting in the pool
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[string]interface{}{
		"address":  p.addr,
		"capacity": p.size,
		"open":     p.created,
		"idle":     len(p.idle),
	}
}
