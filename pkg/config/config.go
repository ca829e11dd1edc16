// Package config provides configuration management for memring clients.
//
// A Config is an immutable snapshot of everything a client needs: the ordered
// node list, optional credentials, and the timeout/retry/health tunables that
// bound every operation. Values are resolved from multiple sources with the
// following precedence:
//  1. Programmatic configuration (highest priority)
//  2. A YAML config file loaded with LoadFile
//  3. Environment variables
//  4. Default values (lowest priority)
//
// The node list is order-significant: ring positions are derived from it, so
// every process that should agree on key placement must configure the same
// nodes in the same order.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Nodes = []string{"cache1:11211", "cache2:11211", "cache3:11211"}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//	c, err := client.NewWithConfig(cfg)
//
// Environment variables are prefixed with "MEMRING_" and use uppercase names,
// for example MEMRING_NODES=cache1:11211,cache2:11211.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tunable values. The timeouts are deliberately aggressive: a cache
// that cannot answer quickly is treated as a cache miss, never as something
// worth stalling the application for.
const (
	DefaultConnectTimeout   = 100 * time.Millisecond
	DefaultOpTimeout        = 200 * time.Millisecond
	DefaultRetryAttempts    = 1
	DefaultFailureThreshold = 3
	DefaultDeadTimeout      = 10 * time.Second
	DefaultPoolSize         = 10
	DefaultVirtualNodes     = 16
)

// Config holds all configuration options for a memring client instance.
// It is created once at client construction and never mutated afterwards.
//
// Example:
//
//	cfg := &config.Config{
//		Nodes:         []string{"cache1:11211", "cache2:11211"},
//		RetryAttempts: 2,
//		DeadTimeout:   30 * time.Second,
//	}
type Config struct {
	// Nodes is the ordered list of cache server addresses in "host:port"
	// form. The order determines ring positions and must match across all
	// clients that should agree on key placement.
	Nodes []string

	// Weights maps a node address to its placement weight. A node absent
	// from the map has weight 1. Heavier nodes own proportionally more of
	// the keyspace.
	Weights map[string]int

	// Username and Password are optional credentials carried to the
	// transport layer. The plain memcached text protocol has no in-band
	// authentication, so these are only meaningful when the server enforces
	// auth out of band (proxy, firewall, listener-level auth).
	Username string
	Password string

	// ConnectTimeout bounds connection establishment and the wait for a
	// pooled connection when the pool is exhausted.
	ConnectTimeout time.Duration

	// OpTimeout is the hard deadline covering send plus receive for one
	// protocol operation on an already-established connection.
	OpTimeout time.Duration

	// RetryAttempts is how many additional attempts an operation gets after
	// its first failure, each against the next ring candidate.
	RetryAttempts int

	// FailureThreshold is how many consecutive failures mark a node dead.
	// Set to 1 to evict a node on its first failure.
	FailureThreshold int

	// DeadTimeout is how long a dead node is skipped before one operation
	// is let through as an optimistic probe.
	DeadTimeout time.Duration

	// PoolSize is the maximum number of connections kept per node.
	PoolSize int

	// VirtualNodes is the number of ring positions per weight unit.
	VirtualNodes int

	// IgnoreWriteErrors makes write operations return nil after the retry
	// budget is exhausted instead of surfacing the final error. Reads
	// always degrade to a miss regardless of this setting.
	IgnoreWriteErrors bool
}

// Default returns a Config populated with the documented default values.
// The node list is empty and must be filled in before Validate will pass.
func Default() *Config {
	return &Config{
		ConnectTimeout:   DefaultConnectTimeout,
		OpTimeout:        DefaultOpTimeout,
		RetryAttempts:    DefaultRetryAttempts,
		FailureThreshold: DefaultFailureThreshold,
		DeadTimeout:      DefaultDeadTimeout,
		PoolSize:         DefaultPoolSize,
		VirtualNodes:     DefaultVirtualNodes,
	}
}

// FromEnv returns a Config with defaults overridden by environment variables.
//
// Recognized variables:
//
//	MEMRING_NODES              Comma-separated node addresses
//	MEMRING_USER               Username
//	MEMRING_PASSWORD           Password
//	MEMRING_CONNECT_TIMEOUT    Duration, e.g. "100ms"
//	MEMRING_OP_TIMEOUT         Duration, e.g. "200ms"
//	MEMRING_RETRY_ATTEMPTS     Integer
//	MEMRING_FAILURE_THRESHOLD  Integer
//	MEMRING_DEAD_TIMEOUT       Duration, e.g. "10s"
//	MEMRING_POOL_SIZE          Integer
//	MEMRING_VIRTUAL_NODES      Integer
//
// Unparsable values are ignored and the default is kept.
func FromEnv() *Config {
	cfg := Default()

	if nodes := os.Getenv("MEMRING_NODES"); nodes != "" {
		cfg.Nodes = splitNodes(nodes)
	}
	if user := os.Getenv("MEMRING_USER"); user != "" {
		cfg.Username = user
	}
	if pass := os.Getenv("MEMRING_PASSWORD"); pass != "" {
		cfg.Password = pass
	}

	envDuration("MEMRING_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	envDuration("MEMRING_OP_TIMEOUT", &cfg.OpTimeout)
	envDuration("MEMRING_DEAD_TIMEOUT", &cfg.DeadTimeout)
	envInt("MEMRING_RETRY_ATTEMPTS", &cfg.RetryAttempts)
	envInt("MEMRING_FAILURE_THRESHOLD", &cfg.FailureThreshold)
	envInt("MEMRING_POOL_SIZE", &cfg.PoolSize)
	envInt("MEMRING_VIRTUAL_NODES", &cfg.VirtualNodes)

	return cfg
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitNodes(s string) []string {
	parts := strings.Split(s, ",")
	nodes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

// fileConfig is the YAML shape of a config file. Durations are strings in
// time.ParseDuration notation so files read naturally ("100ms", "10s").
type fileConfig struct {
	Nodes             []string       `yaml:"nodes"`
	Weights           map[string]int `yaml:"weights"`
	Username          string         `yaml:"username"`
	Password          string         `yaml:"password"`
	ConnectTimeout    string         `yaml:"connect_timeout"`
	OpTimeout         string         `yaml:"op_timeout"`
	RetryAttempts     *int           `yaml:"retry_attempts"`
	FailureThreshold  *int           `yaml:"failure_threshold"`
	DeadTimeout       string         `yaml:"dead_timeout"`
	PoolSize          *int           `yaml:"pool_size"`
	VirtualNodes      *int           `yaml:"virtual_nodes"`
	IgnoreWriteErrors *bool          `yaml:"ignore_write_errors"`
}

// LoadFile reads a YAML config file and returns a Config where any key
// absent from the file keeps its default value.
//
// Example file:
//
//	nodes:
//	  - cache1:11211
//	  - cache2:11211
//	weights:
//	  cache1:11211: 2
//	connect_timeout: 100ms
//	op_timeout: 200ms
//	dead_timeout: 10s
//	retry_attempts: 1
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := Default()
	cfg.Nodes = fc.Nodes
	cfg.Weights = fc.Weights
	cfg.Username = fc.Username
	cfg.Password = fc.Password

	if err := fileDuration(fc.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect_timeout: %w", err)
	}
	if err := fileDuration(fc.OpTimeout, &cfg.OpTimeout); err != nil {
		return nil, fmt.Errorf("op_timeout: %w", err)
	}
	if err := fileDuration(fc.DeadTimeout, &cfg.DeadTimeout); err != nil {
		return nil, fmt.Errorf("dead_timeout: %w", err)
	}
	if fc.RetryAttempts != nil {
		cfg.RetryAttempts = *fc.RetryAttempts
	}
	if fc.FailureThreshold != nil {
		cfg.FailureThreshold = *fc.FailureThreshold
	}
	if fc.PoolSize != nil {
		cfg.PoolSize = *fc.PoolSize
	}
	if fc.VirtualNodes != nil {
		cfg.VirtualNodes = *fc.VirtualNodes
	}
	if fc.IgnoreWriteErrors != nil {
		cfg.IgnoreWriteErrors = *fc.IgnoreWriteErrors
	}

	return cfg, nil
}

func fileDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// WeightOf returns the placement weight for a node address, defaulting to 1.
func (c *Config) WeightOf(addr string) int {
	if w, ok := c.Weights[addr]; ok && w > 0 {
		return w
	}
	return 1
}

// Validate checks that the Config contains usable values.
//
// Validation rules:
//   - At least one node must be specified
//   - Each node address must be "host:port" and unique
//   - ConnectTimeout, OpTimeout and DeadTimeout must be positive
//   - RetryAttempts must be non-negative
//   - FailureThreshold, PoolSize and VirtualNodes must be positive
//
// Returns nil if the configuration is valid, or an error describing the
// first problem found. Client constructors call this and refuse to build a
// client from an invalid configuration.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node must be specified")
	}

	seen := make(map[string]bool, len(c.Nodes))
	for _, node := range c.Nodes {
		if node == "" {
			return fmt.Errorf("empty node address")
		}
		host, port, ok := strings.Cut(node, ":")
		if !ok || host == "" || port == "" {
			return fmt.Errorf("invalid node address format: %q", node)
		}
		if seen[node] {
			return fmt.Errorf("duplicate node address: %s", node)
		}
		seen[node] = true
	}

	for addr, w := range c.Weights {
		if !seen[addr] {
			return fmt.Errorf("weight for unknown node: %s", addr)
		}
		if w < 1 {
			return fmt.Errorf("weight for node %s must be positive: %d", addr, w)
		}
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive: %v", c.ConnectTimeout)
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("op timeout must be positive: %v", c.OpTimeout)
	}
	if c.DeadTimeout <= 0 {
		return fmt.Errorf("dead timeout must be positive: %v", c.DeadTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative: %d", c.RetryAttempts)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be positive: %d", c.FailureThreshold)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be positive: %d", c.PoolSize)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be positive: %d", c.VirtualNodes)
	}

	return nil
}
