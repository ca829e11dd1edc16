// Package memring groups the public packages of the memring client library.
//
// Most applications only import pkg/client, which ties the other packages
// together:
//
//   - pkg/client: cluster client with routing, pooling, failover and retry
//   - pkg/config: configuration from code, environment or YAML files
//   - pkg/ring: weighted consistent hash ring
//   - pkg/health: per-node failure tracking
//   - pkg/pool: bounded per-node connection pools
//   - pkg/proto: memcached text protocol codec
//
// The lower-level packages are exported for programs that want to reuse a
// piece in isolation, such as the ring for sharding something other than a
// cache, or the protocol codec for talking to a single memcached directly.
package memring
