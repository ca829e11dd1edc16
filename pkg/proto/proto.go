// Package proto implements the client side of the memcached text protocol
// over a single connection.
//
// The package is a thin codec: it owns no sockets, no pooling and no
// routing. Callers hand it an established net.Conn, run operations, and
// decide afterwards whether the connection is still trustworthy. Any error
// other than the semantic results (ErrCacheMiss, ErrNotStored) means the
// connection may hold unread bytes and must be discarded, not reused.
//
// Wire format (request -> response):
//
//	get <key>\r\n                         VALUE <key> <flags> <len>\r\n<data>\r\nEND\r\n
//	set <key> <flags> <exp> <len>\r\n...  STORED\r\n
//	delete <key>\r\n                      DELETED\r\n | NOT_FOUND\r\n
//	incr <key> <delta>\r\n                <number>\r\n | NOT_FOUND\r\n
//	touch <key> <exp>\r\n                 TOUCHED\r\n | NOT_FOUND\r\n
//	version\r\n                           VERSION <string>\r\n
//
// Example usage:
//
//	pc := proto.NewConn(netConn)
//	err := pc.Set(&proto.Item{Key: "user:123", Value: []byte("x"), TTL: time.Hour})
//	item, err := pc.Get("user:123")
//	if errors.Is(err, proto.ErrCacheMiss) {
//		// key absent
//	}
package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Limits enforced by the codec. Keys and values outside these bounds are
// rejected client-side before touching the wire; memcached enforces the
// same limits server-side.
const (
	MaxKeyLength = 250
	MaxValueSize = 1024 * 1024
)

var (
	// ErrCacheMiss is the semantic result for a key the server does not
	// have: a get on an absent key, or a delete/incr/touch on one.
	ErrCacheMiss = errors.New("memcache: cache miss")

	// ErrNotStored is the semantic result when a storage condition fails:
	// add on an existing key, or replace on an absent one.
	ErrNotStored = errors.New("memcache: item not stored")

	// ErrMalformedKey is returned for keys that violate the protocol's key
	// rules before any network traffic happens.
	ErrMalformedKey = errors.New("memcache: malformed key")

	// ErrValueTooLarge is returned for values above MaxValueSize.
	ErrValueTooLarge = errors.New("memcache: value too large")
)

// ProtocolError represents an unexpected or error response from the server.
// It is a node failure from the caller's perspective, not a client bug: the
// connection that produced it is in an unknown state.
type ProtocolError string

func (e ProtocolError) Error() string {
	return "memcache: protocol error: " + string(e)
}

// Item is one cache entry as seen on the wire.
type Item struct {
	Key   string
	Value []byte
	Flags uint32        // Opaque client flags stored alongside the value
	TTL   time.Duration // Zero means no expiration
}

// Conn runs protocol operations over one established connection. It is not
// safe for concurrent use; a connection serves one operation at a time.
type Conn struct {
	nc net.Conn
	rw *bufio.ReadWriter
}

// NewConn wraps an established connection. The caller keeps ownership of
// nc: deadlines are set on it directly and it is the caller's job to close
// or pool it afterwards.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		rw: bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
	}
}

// ValidateKey checks a key against the protocol's rules: 1 to 250 bytes,
// no whitespace, no control characters.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return ErrMalformedKey
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return ErrMalformedKey
		}
	}
	return nil
}

// Get retrieves the item stored under key. Returns ErrCacheMiss if the key
// is absent or expired.
func (c *Conn) Get(key string) (*Item, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(c.rw, "get %s\r\n", key); err != nil {
		return nil, err
	}
	if err := c.rw.Flush(); err != nil {
		return nil, err
	}

	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if line == "END" {
		return nil, ErrCacheMiss
	}

	item, err := parseValueLine(line)
	if err != nil {
		return nil, err
	}
	if err := c.readBody(item); err != nil {
		return nil, err
	}

	end, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if end != "END" {
		return nil, ProtocolError("expected END, got " + end)
	}
	return item, nil
}

// parseValueLine parses "VALUE <key> <flags> <bytes>".
func parseValueLine(line string) (*Item, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "VALUE" {
		return nil, serverError(line)
	}
	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, ProtocolError("bad flags in " + line)
	}
	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || size < 0 || size > MaxValueSize {
		return nil, ProtocolError("bad value size in " + line)
	}
	return &Item{
		Key:   fields[1],
		Flags: uint32(flags),
		Value: make([]byte, size),
	}, nil
}

// readBody reads the value payload plus its trailing \r\n.
func (c *Conn) readBody(item *Item) error {
	if _, err := io.ReadFull(c.rw, item.Value); err != nil {
		return err
	}
	trailer := make([]byte, 2)
	if _, err := io.ReadFull(c.rw, trailer); err != nil {
		return err
	}
	if trailer[0] != '\r' || trailer[1] != '\n' {
		return ProtocolError("value missing terminator")
	}
	return nil
}

// Set stores the item unconditionally.
func (c *Conn) Set(item *Item) error {
	return c.store("set", item)
}

// Add stores the item only if the key is absent. Returns ErrNotStored when
// the key already exists.
func (c *Conn) Add(item *Item) error {
	return c.store("add", item)
}

// Replace stores the item only if the key already exists. Returns
// ErrNotStored when it does not.
func (c *Conn) Replace(item *Item) error {
	return c.store("replace", item)
}

func (c *Conn) store(verb string, item *Item) error {
	if err := ValidateKey(item.Key); err != nil {
		return err
	}
	if len(item.Value) > MaxValueSize {
		return ErrValueTooLarge
	}

	exp := int64(item.TTL / time.Second)
	if _, err := fmt.Fprintf(c.rw, "%s %s %d %d %d\r\n", verb, item.Key, item.Flags, exp, len(item.Value)); err != nil {
		return err
	}
	if _, err := c.rw.Write(item.Value); err != nil {
		return err
	}
	if _, err := c.rw.WriteString("\r\n"); err != nil {
		return err
	}
	if err := c.rw.Flush(); err != nil {
		return err
	}

	line, err := c.readLine()
	if err != nil {
		return err
	}
	switch line {
	case "STORED":
		return nil
	case "NOT_STORED", "EXISTS":
		return ErrNotStored
	default:
		return serverError(line)
	}
}

// Delete removes the key. Returns ErrCacheMiss if it did not exist.
func (c *Conn) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.rw, "delete %s\r\n", key); err != nil {
		return err
	}
	if err := c.rw.Flush(); err != nil {
		return err
	}

	line, err := c.readLine()
	if err != nil {
		return err
	}
	switch line {
	case "DELETED":
		return nil
	case "NOT_FOUND":
		return ErrCacheMiss
	default:
		return serverError(line)
	}
}

// Incr atomically adds delta to the decimal value stored under key and
// returns the new value. Returns ErrCacheMiss if the key is absent.
func (c *Conn) Incr(key string, delta uint64) (uint64, error) {
	return c.arith("incr", key, delta)
}

// Decr atomically subtracts delta from the value under key, flooring at
// zero, and returns the new value. Returns ErrCacheMiss if absent.
func (c *Conn) Decr(key string, delta uint64) (uint64, error) {
	return c.arith("decr", key, delta)
}

func (c *Conn) arith(verb, key string, delta uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprintf(c.rw, "%s %s %d\r\n", verb, key, delta); err != nil {
		return 0, err
	}
	if err := c.rw.Flush(); err != nil {
		return 0, err
	}

	line, err := c.readLine()
	if err != nil {
		return 0, err
	}
	if line == "NOT_FOUND" {
		return 0, ErrCacheMiss
	}
	n, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, serverError(line)
	}
	return n, nil
}

// Touch updates the expiration of an existing key without fetching it.
// Returns ErrCacheMiss if the key is absent.
func (c *Conn) Touch(key string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.rw, "touch %s %d\r\n", key, int64(ttl/time.Second)); err != nil {
		return err
	}
	if err := c.rw.Flush(); err != nil {
		return err
	}

	line, err := c.readLine()
	if err != nil {
		return err
	}
	switch line {
	case "TOUCHED":
		return nil
	case "NOT_FOUND":
		return ErrCacheMiss
	default:
		return serverError(line)
	}
}

// Version asks the server for its version string. Useful as a connectivity
// probe: it exercises a full request/response round trip without touching
// any key.
func (c *Conn) Version() (string, error) {
	if _, err := c.rw.WriteString("version\r\n"); err != nil {
		return "", err
	}
	if err := c.rw.Flush(); err != nil {
		return "", err
	}

	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	version, ok := strings.CutPrefix(line, "VERSION ")
	if !ok {
		return "", serverError(line)
	}
	return version, nil
}

// readLine reads one \r\n-terminated response line without the terminator.
func (c *Conn) readLine() (string, error) {
	line, err := c.rw.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// serverError converts an unexpected response line into a ProtocolError.
// ERROR, CLIENT_ERROR and SERVER_ERROR are what memcached actually sends;
// anything else means the stream is out of sync.
func serverError(line string) error {
	return ProtocolError(line)
}
