// Command memring is a small command line client for memring clusters.
//
// Usage:
//
//	memring -nodes cache1:11211,cache2:11211 get user:1
//	memring -nodes cache1:11211 -ttl 1h set user:1 john
//	memring -config memring.yaml delete user:1
//	memring -nodes cache1:11211 incr counter 1
//	memring -nodes cache1:11211 stats
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/memring/memring/pkg/client"
	"github.com/memring/memring/pkg/config"
)

func main() {
	nodes := flag.String("nodes", "", "comma-separated node addresses")
	configPath := flag.String("config", "", "path to YAML config file")
	ttl := flag.Duration("ttl", 0, "ttl for set/add/replace/touch (0 means no expiry)")
	timeout := flag.Duration("timeout", 2*time.Second, "overall command timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg, err := loadConfig(*configPath, *nodes)
	if err != nil {
		log.Fatalf("memring: %v", err)
	}

	c, err := client.NewWithConfig(cfg)
	if err != nil {
		log.Fatalf("memring: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, c, args, *ttl); err != nil {
		if errors.Is(err, client.ErrCacheMiss) {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(1)
		}
		log.Fatalf("memring: %v", err)
	}
}

func loadConfig(path, nodes string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.FromEnv()
	}
	if nodes != "" {
		cfg.Nodes = strings.Split(nodes, ",")
	}
	return cfg, nil
}

func run(ctx context.Context, c *client.Client, args []string, ttl time.Duration) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "get":
		if len(args) != 1 {
			usage()
		}
		value, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(value))
	case "set", "add", "replace":
		if len(args) != 2 {
			usage()
		}
		key, value := args[0], []byte(args[1])
		switch cmd {
		case "set":
			return c.Set(ctx, key, value, ttl)
		case "add":
			return c.Add(ctx, key, value, ttl)
		case "replace":
			return c.Replace(ctx, key, value, ttl)
		}
	case "delete":
		if len(args) != 1 {
			usage()
		}
		return c.Delete(ctx, args[0])
	case "incr", "decr":
		if len(args) != 2 {
			usage()
		}
		delta, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}
		var n uint64
		if cmd == "incr" {
			n, err = c.Incr(ctx, args[0], delta)
		} else {
			n, err = c.Decr(ctx, args[0], delta)
		}
		if err != nil {
			return err
		}
		fmt.Println(n)
	case "touch":
		if len(args) != 1 {
			usage()
		}
		return c.Touch(ctx, args[0], ttl)
	case "ping":
		if err := c.Ping(ctx); err != nil {
			return err
		}
		fmt.Println("ok")
	case "stats":
		out, err := json.MarshalIndent(c.Stats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		usage()
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: memring [flags] <command> [args]

commands:
  get <key>
  set <key> <value>
  add <key> <value>
  replace <key> <value>
  delete <key>
  incr <key> <delta>
  decr <key> <delta>
  touch <key>
  ping
  stats

flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}
