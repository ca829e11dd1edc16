package testserver

import (
	"strconv"
	"sync"
	"time"
)

// entry is one stored value with its metadata.
type entry struct {
	value     []byte
	flags     uint32
	expiresAt time.Time // Zero means no expiration
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// store is a thread-safe in-memory key/value store with per-key TTL.
// Expired entries are reaped lazily on access; a test fixture has no need
// for a background sweeper.
type store struct {
	mu   sync.RWMutex
	data map[string]*entry
}

func newStore() *store {
	return &store{data: make(map[string]*entry)}
}

// get returns the live entry for key, reaping it if expired.
func (s *store) get(key string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *store) getLocked(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *store) set(key string, value []byte, flags uint32, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &entry{value: value, flags: flags, expiresAt: expiry(ttl)}
}

// add stores only if the key is absent. Returns false if it exists.
func (s *store) add(key string, value []byte, flags uint32, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return false
	}
	s.data[key] = &entry{value: value, flags: flags, expiresAt: expiry(ttl)}
	return true
}

// replace stores only if the key exists. Returns false if it does not.
func (s *store) replace(key string, value []byte, flags uint32, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); !ok {
		return false
	}
	s.data[key] = &entry{value: value, flags: flags, expiresAt: expiry(ttl)}
	return true
}

func (s *store) delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); !ok {
		return false
	}
	delete(s.data, key)
	return true
}

// incr adjusts the decimal value under key by delta (negative means decr,
// flooring at zero per memcached semantics). The second result is false
// when the key is absent; the error is non-nil when the stored value is
// not a decimal number.
func (s *store) incr(key string, delta int64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(string(e.value), 10, 64)
	if err != nil {
		return 0, true, err
	}
	if delta < 0 {
		dec := uint64(-delta)
		if dec > n {
			n = 0
		} else {
			n -= dec
		}
	} else {
		n += uint64(delta)
	}
	e.value = []byte(strconv.FormatUint(n, 10))
	return n, true, nil
}

// touch resets the TTL of an existing key. Returns false if absent.
func (s *store) touch(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return false
	}
	e.expiresAt = expiry(ttl)
	return true
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
