// Package memring implements a client for clusters of memcached-compatible
// cache servers.
//
// Memring does all routing on the client side: keys are placed on a
// consistent hash ring of the configured nodes, so every process configured
// with the same node list agrees on placement without any coordination
// service. Around the ring it layers per-node connection pools, per-node
// health tracking with a dead/cooldown/probe cycle, and aggressive timeouts
// so a slow or dead cache node costs a bounded amount of wall-clock time and
// then looks like a cache miss.
//
// # Architecture Overview
//
//   - pkg/client: the client facade with node selection, failover and retry
//   - pkg/ring: weighted consistent hash ring with virtual nodes
//   - pkg/health: per-node failure counting and dead-node cooldown
//   - pkg/pool: bounded lazy connection pool per node
//   - pkg/proto: memcached text protocol codec
//   - pkg/config: defaults, environment variables and YAML config files
//   - internal/testserver: in-process cache node for tests and development
//
// # Quick Start
//
//	import "github.com/memring/memring/pkg/client"
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
// # Failure Model
//
// A cache is an optimization, and memring treats it that way. Reads against
// unreachable nodes degrade to ErrCacheMiss after the retry budget runs out,
// so the caller's fallback path handles a dead cluster the same way it
// handles a cold key. Writes surface their final error by default, or are
// swallowed and logged when IgnoreWriteErrors is set. Each failed attempt
// counts toward the node's failure threshold; once crossed, the node is
// skipped until its dead timeout expires and one operation is let through as
// a probe.
package memring
