package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memring/memring/internal/testserver"
	"github.com/memring/memring/pkg/config"
	"github.com/memring/memring/pkg/ring"
)

// cluster is a set of in-process cache nodes for end-to-end tests.
type cluster struct {
	addrs   []string
	servers map[string]*testserver.Server
	ring    *ring.Ring
}

func startCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{servers: make(map[string]*testserver.Server, n)}
	for i := 0; i < n; i++ {
		srv := testserver.New("127.0.0.1:0")
		require.NoError(t, srv.Start())
		addr := srv.Addr()
		c.addrs = append(c.addrs, addr)
		c.servers[addr] = srv
		t.Cleanup(func() { _ = srv.Stop() })
	}

	members := make([]ring.Member, len(c.addrs))
	for i, addr := range c.addrs {
		members[i] = ring.Member{Addr: addr, Weight: 1}
	}
	r, err := ring.New(members, config.DefaultVirtualNodes)
	require.NoError(t, err)
	c.ring = r
	return c
}

// keyOwnedBy finds a key whose primary ring owner is addr.
func (c *cluster) keyOwnedBy(t *testing.T, addr string) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		key := fmt.Sprintf("probe:%d", i)
		if c.ring.Owner(key) == addr {
			return key
		}
	}
	t.Fatalf("no key found for node %s", addr)
	return ""
}

func newTestClient(t *testing.T, c *cluster, mutate func(*config.Config)) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Nodes = c.addrs
	if mutate != nil {
		mutate(cfg)
	}
	cl, err := NewWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return cl
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Nodes = []string{"cache1:11211"}
	cfg.PoolSize = 0
	_, err = NewWithConfig(cfg)
	assert.Error(t, err)
}

func TestSetGetAcrossCluster(t *testing.T) {
	c := startCluster(t, 3)
	cl := newTestClient(t, c, nil)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("user:%d", i)
		require.NoError(t, cl.Set(ctx, key, []byte(fmt.Sprintf("value-%d", i)), time.Minute))
	}
	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("user:%d", i)
		value, err := cl.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), value)
	}

	// Keys should spread over every node.
	for addr, srv := range c.servers {
		assert.Positive(t, srv.Len(), "node %s received no keys", addr)
	}
}

func TestGetMissing(t *testing.T) {
	c := startCluster(t, 2)
	cl := newTestClient(t, c, nil)

	_, err := cl.Get(context.Background(), "never-set")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMalformedKeySurfaces(t *testing.T) {
	c := startCluster(t, 1)
	cl := newTestClient(t, c, nil)
	ctx := context.Background()

	_, err := cl.Get(ctx, "has space")
	assert.ErrorIs(t, err, ErrMalformedKey)
	assert.ErrorIs(t, cl.Set(ctx, "", []byte("v"), 0), ErrMalformedKey)
}

func TestSemanticOperations(t *testing.T) {
	c := startCluster(t, 3)
	cl := newTestClient(t, c, nil)
	ctx := context.Background()

	require.NoError(t, cl.Add(ctx, "k", []byte("a"), 0))
	assert.ErrorIs(t, cl.Add(ctx, "k", []byte("b"), 0), ErrNotStored)
	require.NoError(t, cl.Replace(ctx, "k", []byte("c"), 0))
	assert.ErrorIs(t, cl.Replace(ctx, "absent", []byte("x"), 0), ErrNotStored)

	require.NoError(t, cl.Set(ctx, "n", []byte("10"), 0))
	n, err := cl.Incr(ctx, "n", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), n)
	n, err = cl.Decr(ctx, "n", 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	require.NoError(t, cl.Touch(ctx, "k", time.Hour))
	assert.ErrorIs(t, cl.Touch(ctx, "absent", time.Hour), ErrCacheMiss)

	require.NoError(t, cl.Delete(ctx, "k"))
	assert.ErrorIs(t, cl.Delete(ctx, "k"), ErrCacheMiss)
}

func TestDeadNodeReadDegradesToMiss(t *testing.T) {
	c := startCluster(t, 3)
	cl := newTestClient(t, c, nil)
	ctx := context.Background()

	victim := c.addrs[0]
	key := c.keyOwnedBy(t, victim)
	require.NoError(t, cl.Set(ctx, key, []byte("v"), 0))
	require.NoError(t, c.servers[victim].Stop())

	start := time.Now()
	_, err := cl.Get(ctx, key)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrCacheMiss)
	// Bounded by (attempts) x (connect timeout + op timeout) plus slack.
	budget := 2 * (config.DefaultConnectTimeout + config.DefaultOpTimeout)
	assert.Less(t, elapsed, budget+500*time.Millisecond)
}

func TestWriteFailsOverToNextCandidate(t *testing.T) {
	c := startCluster(t, 3)
	cl := newTestClient(t, c, nil)
	ctx := context.Background()

	victim := c.addrs[1]
	key := c.keyOwnedBy(t, victim)
	require.NoError(t, c.servers[victim].Stop())

	require.NoError(t, cl.Set(ctx, key, []byte("survives"), 0))

	value, err := cl.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), value)
}

func TestWriteErrorPolicy(t *testing.T) {
	c := startCluster(t, 1)
	require.NoError(t, c.servers[c.addrs[0]].Stop())

	strict := newTestClient(t, c, nil)
	err := strict.Set(context.Background(), "k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrNoNodes)

	lenient := newTestClient(t, c, func(cfg *config.Config) {
		cfg.IgnoreWriteErrors = true
	})
	assert.NoError(t, lenient.Set(context.Background(), "k", []byte("v"), 0))

	// Semantic results are never swallowed, even in lenient mode.
	require.NoError(t, c.servers[c.addrs[0]].Start())
	assert.ErrorIs(t, lenient.Replace(context.Background(), "absent", []byte("v"), 0), ErrNotStored)
}

func TestNodeMarkedDeadAfterThreshold(t *testing.T) {
	c := startCluster(t, 2)
	cl := newTestClient(t, c, func(cfg *config.Config) {
		cfg.FailureThreshold = 1
		cfg.DeadTimeout = time.Minute
	})
	ctx := context.Background()

	victim := c.addrs[0]
	key := c.keyOwnedBy(t, victim)
	require.NoError(t, c.servers[victim].Stop())

	_, err := cl.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := cl.Stats()
	healthStats := stats["health"].(map[string]interface{})
	victimHealth := healthStats[victim].(map[string]interface{})
	assert.False(t, victimHealth["eligible"].(bool))
	assert.Contains(t, victimHealth, "dead_until")

	// With the victim dead, its keys route to the surviving node first.
	require.NoError(t, cl.Set(ctx, key, []byte("v"), 0))
	value, err := cl.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestDeadNodeRecovers(t *testing.T) {
	c := startCluster(t, 2)
	cl := newTestClient(t, c, func(cfg *config.Config) {
		cfg.FailureThreshold = 1
		cfg.DeadTimeout = 200 * time.Millisecond
	})
	ctx := context.Background()

	victim := c.addrs[0]
	key := c.keyOwnedBy(t, victim)
	require.NoError(t, c.servers[victim].Stop())

	_, err := cl.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.servers[victim].Start())
	time.Sleep(300 * time.Millisecond)

	// Cooldown expired, so the probe goes to the recovered owner.
	before := c.servers[victim].Len()
	require.NoError(t, cl.Set(ctx, key, []byte("back"), 0))
	assert.Equal(t, before+1, c.servers[victim].Len())

	value, err := cl.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), value)
}

func TestContextCancellation(t *testing.T) {
	c := startCluster(t, 2)
	cl := newTestClient(t, c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cl.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, cl.Set(ctx, "k", []byte("v"), 0), context.Canceled)
}

func TestPing(t *testing.T) {
	c := startCluster(t, 2)
	cl := newTestClient(t, c, nil)
	ctx := context.Background()

	require.NoError(t, cl.Ping(ctx))

	for _, srv := range c.servers {
		require.NoError(t, srv.Stop())
	}
	assert.ErrorIs(t, cl.Ping(ctx), ErrNoNodes)
}

func TestStats(t *testing.T) {
	c := startCluster(t, 2)
	cl := newTestClient(t, c, nil)

	require.NoError(t, cl.Set(context.Background(), "k", []byte("v"), 0))

	stats := cl.Stats()
	assert.Contains(t, stats, "ring")
	pools := stats["pools"].(map[string]interface{})
	assert.Len(t, pools, 2)
	for _, addr := range c.addrs {
		assert.Contains(t, pools, addr)
	}

	assert.ElementsMatch(t, c.addrs, cl.Nodes())
}
