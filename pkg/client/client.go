// Package client provides the high-level memring client for memcached-style
// cache clusters.
//
// A Client routes each key to a node on a consistent hash ring, borrows a
// pooled connection, and runs the operation under aggressive timeouts. Nodes
// that fail repeatedly are marked dead and skipped until a cooldown expires,
// after which a single operation is let through as a probe. Failed reads
// degrade to a cache miss rather than an error: from the application's point
// of view a broken cache node looks like a cold one.
//
// Basic usage:
//
//	c, err := client.New([]string{"cache1:11211", "cache2:11211", "cache3:11211"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "user:123", []byte("john"), time.Hour)
//	value, err := c.Get(ctx, "user:123")
//	if errors.Is(err, client.ErrCacheMiss) {
//		// load from the backing store
//	}
//
// Advanced configuration goes through config.Config:
//
//	cfg := config.Default()
//	cfg.Nodes = []string{"cache1:11211", "cache2:11211"}
//	cfg.Weights = map[string]int{"cache1:11211": 2}
//	cfg.RetryAttempts = 2
//	c, err := client.NewWithConfig(cfg)
//
// All methods are safe for concurrent use.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memring/memring/pkg/config"
	"github.com/memring/memring/pkg/health"
	"github.com/memring/memring/pkg/pool"
	"github.com/memring/memring/pkg/proto"
	"github.com/memring/memring/pkg/ring"
)

// Errors re-exported from the protocol layer so callers only need this
// package for the common cases.
var (
	// ErrCacheMiss is returned by Get when the key is absent, and by
	// Delete, Incr, Decr and Touch when there is nothing to operate on.
	// It is also what a read against an unreachable cluster degrades to.
	ErrCacheMiss = proto.ErrCacheMiss

	// ErrNotStored is returned by Add when the key already exists and by
	// Replace when it does not.
	ErrNotStored = proto.ErrNotStored

	// ErrMalformedKey is returned for keys the protocol cannot carry.
	ErrMalformedKey = proto.ErrMalformedKey

	// ErrNoNodes is returned when every candidate node has been tried and
	// none could serve the operation.
	ErrNoNodes = errors.New("client: no node available")
)

// Client is a cache cluster client. Create one with New or NewWithConfig and
// share it; it holds one connection pool per node.
type Client struct {
	cfg    *config.Config
	ring   *ring.Ring
	health *health.Tracker
	pools  map[string]*pool.Pool
	log    logrus.FieldLogger
}

// New creates a Client for the given nodes with default configuration.
func New(nodes []string) (*Client, error) {
	cfg := config.Default()
	cfg.Nodes = nodes
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Client from a full configuration. The configuration
// is validated first and an invalid one is rejected.
func NewWithConfig(cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	members := make([]ring.Member, len(cfg.Nodes))
	for i, addr := range cfg.Nodes {
		members[i] = ring.Member{Addr: addr, Weight: cfg.WeightOf(addr)}
	}
	r, err := ring.New(members, cfg.VirtualNodes)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	pools := make(map[string]*pool.Pool, len(cfg.Nodes))
	for _, addr := range cfg.Nodes {
		pools[addr] = pool.New(addr, cfg.PoolSize, cfg.ConnectTimeout)
	}

	return &Client{
		cfg:    cfg,
		ring:   r,
		health: health.New(cfg.FailureThreshold, cfg.DeadTimeout),
		pools:  pools,
		log:    logrus.StandardLogger(),
	}, nil
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(log logrus.FieldLogger) {
	c.log = log
}

// Close releases all pooled connections. The Client must not be used after
// Close returns.
func (c *Client) Close() {
	for _, p := range c.pools {
		p.Close()
	}
}

// pickCandidate returns the next node to try from the preference order,
// skipping addresses already attempted. Eligible nodes win; if every
// remaining candidate is dead, the one whose cooldown expires soonest is
// probed anyway so a fully dead cluster still gets recovery traffic.
func (c *Client) pickCandidate(candidates []string, tried map[string]bool) string {
	var fallback string
	var fallbackUntil time.Time
	for _, addr := range candidates {
		if tried[addr] {
			continue
		}
		if c.health.Eligible(addr) {
			return addr
		}
		if until := c.health.DeadUntil(addr); fallback == "" || until.Before(fallbackUntil) {
			fallback = addr
			fallbackUntil = until
		}
	}
	return fallback
}

// do runs op against the best available node for key, retrying against the
// next ring candidate on transport failure. Protocol-level results such as a
// miss count as success for health purposes: the node answered.
func (c *Client) do(ctx context.Context, key string, op func(*proto.Conn) error) error {
	if err := proto.ValidateKey(key); err != nil {
		return err
	}

	candidates := c.ring.Assign(key)
	attempts := c.cfg.RetryAttempts + 1
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	tried := make(map[string]bool, attempts)
	lastErr := error(ErrNoNodes)
	for i := 0; i < attempts; i++ {
		addr := c.pickCandidate(candidates, tried)
		if addr == "" {
			break
		}
		tried[addr] = true

		err := c.attempt(ctx, addr, op)
		if err == nil || isSemantic(err) {
			c.health.RecordSuccess(addr)
			return err
		}
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the node.
			return ctx.Err()
		}
		if errors.Is(err, pool.ErrExhausted) {
			// Local contention, not evidence the node is down.
			lastErr = err
			continue
		}

		c.health.RecordFailure(addr)
		c.log.WithFields(logrus.Fields{
			"node": addr,
			"key":  key,
		}).WithError(err).Debug("cache node attempt failed")
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrNoNodes, lastErr)
}

// attempt borrows a connection to addr and runs op under the op timeout.
func (c *Client) attempt(ctx context.Context, addr string, op func(*proto.Conn) error) error {
	p := c.pools[addr]
	nc, err := p.Get(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.OpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := nc.SetDeadline(deadline); err != nil {
		p.Discard(nc)
		return err
	}

	stop := cancelWatch(ctx, nc)
	err = op(proto.NewConn(nc))
	stop()

	if err == nil || isSemantic(err) {
		// The response was fully consumed, so the connection is clean.
		_ = nc.SetDeadline(time.Time{})
		p.Put(nc)
		return err
	}
	// Anything else may have left unread bytes on the socket.
	p.Discard(nc)
	return err
}

// cancelWatch forces the in-flight read or write to fail promptly when ctx
// is cancelled, by moving the connection deadline into the past. The
// returned stop function must be called once the operation finishes.
func cancelWatch(ctx context.Context, nc net.Conn) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = nc.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() { close(done) }
}

// isSemantic reports whether err is a protocol-level answer rather than a
// transport failure. Semantic results come from a healthy node.
func isSemantic(err error) bool {
	return errors.Is(err, proto.ErrCacheMiss) ||
		errors.Is(err, proto.ErrNotStored) ||
		errors.Is(err, proto.ErrValueTooLarge)
}

// writeResult applies the write error policy. Semantic results always reach
// the caller; transport failures are swallowed when the configuration says
// a broken cache must not break writes.
func (c *Client) writeResult(key string, err error) error {
	if err == nil || isSemantic(err) || errors.Is(err, proto.ErrMalformedKey) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if c.cfg.IgnoreWriteErrors {
		c.log.WithField("key", key).WithError(err).Warn("cache write failed, ignoring")
		return nil
	}
	return err
}

// Get retrieves the value stored under key. An unreachable cluster degrades
// to ErrCacheMiss so callers fall back to the backing store; only malformed
// keys and context cancellation surface as errors.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		item, err := pc.Get(key)
		if err != nil {
			return err
		}
		value = item.Value
		return nil
	})
	if err == nil {
		return value, nil
	}
	if errors.Is(err, proto.ErrMalformedKey) {
		return nil, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.log.WithField("key", key).WithError(err).Debug("cache read degraded to miss")
	}
	return nil, ErrCacheMiss
}

// Set stores value under key. A zero ttl means the entry never expires.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		return pc.Set(&proto.Item{Key: key, Value: value, TTL: ttl})
	})
	return c.writeResult(key, err)
}

// Add stores value under key only if the key does not already exist.
// Returns ErrNotStored if it does.
func (c *Client) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		return pc.Add(&proto.Item{Key: key, Value: value, TTL: ttl})
	})
	return c.writeResult(key, err)
}

// Replace stores value under key only if the key already exists.
// Returns ErrNotStored if it does not.
func (c *Client) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		return pc.Replace(&proto.Item{Key: key, Value: value, TTL: ttl})
	})
	return c.writeResult(key, err)
}

// Delete removes key. Returns ErrCacheMiss if the key was absent.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		return pc.Delete(key)
	})
	return c.writeResult(key, err)
}

// Incr atomically adds delta to the numeric value stored under key and
// returns the new value. Returns ErrCacheMiss if the key is absent.
func (c *Client) Incr(ctx context.Context, key string, delta uint64) (uint64, error) {
	var n uint64
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		var err error
		n, err = pc.Incr(key, delta)
		return err
	})
	return n, c.writeResult(key, err)
}

// Decr atomically subtracts delta from the numeric value stored under key
// and returns the new value, which never goes below zero. Returns
// ErrCacheMiss if the key is absent.
func (c *Client) Decr(ctx context.Context, key string, delta uint64) (uint64, error) {
	var n uint64
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		var err error
		n, err = pc.Decr(key, delta)
		return err
	})
	return n, c.writeResult(key, err)
}

// Touch updates the expiration of key without fetching or rewriting the
// value. Returns ErrCacheMiss if the key is absent.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	err := c.do(ctx, key, func(pc *proto.Conn) error {
		return pc.Touch(key, ttl)
	})
	return c.writeResult(key, err)
}

// Ping verifies connectivity by asking each node for its version until one
// answers. Returns nil as soon as any node responds.
func (c *Client) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.ring.Members() {
		err := c.attempt(ctx, addr, func(pc *proto.Conn) error {
			_, err := pc.Version()
			return err
		})
		if err == nil {
			c.health.RecordSuccess(addr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.health.RecordFailure(addr)
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrNoNodes, lastErr)
}

// Nodes returns the configured node addresses in ring order.
func (c *Client) Nodes() []string {
	return c.ring.Members()
}

// Stats returns a snapshot of client internals for introspection: ring
// layout, per-node pool usage and per-node health.
func (c *Client) Stats() map[string]interface{} {
	poolStats := make(map[string]interface{}, len(c.pools))
	healthStats := make(map[string]interface{}, len(c.pools))
	for addr, p := range c.pools {
		poolStats[addr] = p.Stats()
		h := map[string]interface{}{
			"eligible": c.health.Eligible(addr),
			"failures": c.health.Failures(addr),
		}
		if until := c.health.DeadUntil(addr); !until.IsZero() {
			h["dead_until"] = until
		}
		healthStats[addr] = h
	}
	return map[string]interface{}{
		"ring":   c.ring.Stats(),
		"pools":  poolStats,
		"health": healthStats,
	}
}
