// Package testserver implements a small memcached-compatible server speaking
// the text protocol over TCP.
//
// It exists so the client can be exercised end to end without an external
// memcached: integration tests start a few instances as cluster nodes and
// kill them to simulate failures, and cmd/memringd runs one as a local
// development cache. It supports the command subset the client uses:
// get, set, add, replace, delete, incr, decr, touch, version.
//
// Example usage:
//
//	srv := testserver.New("127.0.0.1:0")
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop()
//	addr := srv.Addr() // actual listen address
package testserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	maxValueSize = 1024 * 1024
)

// Server is one cache node instance. Stop closes the listener and every
// open connection, so in-flight client operations fail immediately the way
// they would against a crashed node.
type Server struct {
	addr  string
	store *store
	log   logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a server that will listen on addr when started. Use port 0
// to let the OS pick a free port and Addr to read it back.
func New(addr string) *Server {
	return &Server{
		addr:  addr,
		store: newStore(),
		log:   logrus.StandardLogger(),
		conns: make(map[net.Conn]struct{}),
	}
}

// SetLogger replaces the server's logger. Must be called before Start.
func (s *Server) SetLogger(log logrus.FieldLogger) {
	s.log = log
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	// Pin the resolved address so a restart after Stop reuses the port.
	s.addr = listener.Addr().String()
	s.stopped = false
	s.mu.Unlock()

	s.log.WithField("addr", listener.Addr().String()).Debug("test cache server listening")

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the actual listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and all open connections, then waits for the
// handler goroutines to finish. The store keeps its data, so a stopped
// server can be started again on the same address to simulate a node
// recovering.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	return err
}

// Len returns the number of live keys, for test assertions.
func (s *Server) Len() int {
	return s.store.len()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("read command failed")
			}
			return
		}

		reply, err := s.dispatch(r, strings.TrimRight(line, "\r\n"))
		if err != nil {
			s.log.WithError(err).Debug("command failed")
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if _, err := w.WriteString(reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// dispatch executes one command line and returns the wire reply. A non-nil
// error means the connection itself is broken and must be dropped.
func (s *Server) dispatch(r *bufio.Reader, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR\r\n", nil
	}

	switch fields[0] {
	case "get":
		return s.handleGet(fields)
	case "set", "add", "replace":
		return s.handleStore(r, fields)
	case "delete":
		return s.handleDelete(fields)
	case "incr", "decr":
		return s.handleArith(fields)
	case "touch":
		return s.handleTouch(fields)
	case "version":
		return "VERSION memring-testserver\r\n", nil
	default:
		return "ERROR\r\n", nil
	}
}

func (s *Server) handleGet(fields []string) (string, error) {
	if len(fields) != 2 {
		return "ERROR\r\n", nil
	}
	e, ok := s.store.get(fields[1])
	if !ok {
		return "END\r\n", nil
	}
	return fmt.Sprintf("VALUE %s %d %d\r\n%s\r\nEND\r\n", fields[1], e.flags, len(e.value), e.value), nil
}

// handleStore parses "<verb> <key> <flags> <exp> <bytes>" plus the payload
// that follows the command line.
func (s *Server) handleStore(r *bufio.Reader, fields []string) (string, error) {
	if len(fields) != 5 {
		return "ERROR\r\n", nil
	}
	key := fields[1]
	flags, ferr := strconv.ParseUint(fields[2], 10, 32)
	exp, eerr := strconv.ParseInt(fields[3], 10, 64)
	size, serr := strconv.ParseInt(fields[4], 10, 64)
	if ferr != nil || eerr != nil || serr != nil || size < 0 || size > maxValueSize {
		return "CLIENT_ERROR bad command line format\r\n", nil
	}

	value := make([]byte, size)
	if _, err := io.ReadFull(r, value); err != nil {
		return "", err
	}
	trailer := make([]byte, 2)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return "", err
	}
	if trailer[0] != '\r' || trailer[1] != '\n' {
		return "CLIENT_ERROR bad data chunk\r\n", nil
	}

	ttl := time.Duration(exp) * time.Second
	stored := true
	switch fields[0] {
	case "set":
		s.store.set(key, value, uint32(flags), ttl)
	case "add":
		stored = s.store.add(key, value, uint32(flags), ttl)
	case "replace":
		stored = s.store.replace(key, value, uint32(flags), ttl)
	}
	if !stored {
		return "NOT_STORED\r\n", nil
	}
	return "STORED\r\n", nil
}

func (s *Server) handleDelete(fields []string) (string, error) {
	if len(fields) != 2 {
		return "ERROR\r\n", nil
	}
	if !s.store.delete(fields[1]) {
		return "NOT_FOUND\r\n", nil
	}
	return "DELETED\r\n", nil
}

func (s *Server) handleArith(fields []string) (string, error) {
	if len(fields) != 3 {
		return "ERROR\r\n", nil
	}
	delta, err := strconv.ParseUint(fields[2], 10, 63)
	if err != nil {
		return "CLIENT_ERROR invalid numeric delta argument\r\n", nil
	}
	signed := int64(delta)
	if fields[0] == "decr" {
		signed = -signed
	}
	n, found, err := s.store.incr(fields[1], signed)
	if !found {
		return "NOT_FOUND\r\n", nil
	}
	if err != nil {
		return "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n", nil
	}
	return fmt.Sprintf("%d\r\n", n), nil
}

func (s *Server) handleTouch(fields []string) (string, error) {
	if len(fields) != 3 {
		return "ERROR\r\n", nil
	}
	exp, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "CLIENT_ERROR bad command line format\r\n", nil
	}
	if !s.store.touch(fields[1], time.Duration(exp)*time.Second) {
		return "NOT_FOUND\r\n", nil
	}
	return "TOUCHED\r\n", nil
}
