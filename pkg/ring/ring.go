// Package ring provides the consistent hash ring used for key placement.
//
// Consistent hashing distributes keys across multiple nodes so that removing
// or avoiding one node remaps only the fraction of the keyspace that node
// owned, instead of reshuffling everything the way modulo hashing would.
// This implementation uses weighted virtual nodes for even distribution.
//
// Unlike a membership-tracking ring, this one is immutable: it is built once
// from the ordered node list in the client configuration and never changes
// for the lifetime of the client. A node that goes dark stays on the ring
// and is skipped at routing time by the health tracker, so its keyspace
// share is preserved for when it comes back.
//
// Example usage:
//
//	r, err := ring.New([]ring.Member{
//		{Addr: "cache1:11211"},
//		{Addr: "cache2:11211", Weight: 2},
//		{Addr: "cache3:11211"},
//	}, 16)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Full failover preference order, most-preferred first.
//	candidates := r.Assign("user:123")
//
// Two rings built from the same ordered member list produce identical
// assignments for every key, so independently constructed clients agree on
// key placement.
package ring

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
)

// DefaultVirtualNodes is the default number of ring positions per weight
// unit. A higher number gives better distribution at the cost of memory and
// construction time.
const DefaultVirtualNodes = 16

// ErrNoMembers is returned by New when the member list is empty.
// The ring must never be empty: a client without nodes is a configuration
// error, not a degraded state.
var ErrNoMembers = errors.New("hash ring requires at least one member")

// Member describes one physical node to place on the ring.
type Member struct {
	Addr   string // Node identity in "host:port" form
	Weight int    // Placement weight; values < 1 are treated as 1
}

// Ring is an immutable consistent hash ring. All methods are safe for
// concurrent use without synchronization because the ring never changes
// after construction.
type Ring struct {
	positions []uint32 // Sorted ring positions
	owners    []string // owners[i] is the node at positions[i]
	members   []string // Distinct member addresses in construction order
}

// New builds a ring from an ordered list of members. Each member is placed
// at weight*virtualNodes positions, derived from a stable hash of
// "<addr>-<replica>". If virtualNodes is <= 0, DefaultVirtualNodes is used.
//
// The member order matters: when two virtual nodes hash to the same ring
// position, the member that appears earlier in the list keeps the position.
// Keeping that rule deterministic is what lets independently built rings
// agree exactly.
//
// Returns ErrNoMembers if members is empty.
func New(members []Member, virtualNodes int) (*Ring, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	placed := make(map[uint32]string)
	addrs := make([]string, 0, len(members))
	seen := make(map[string]bool, len(members))

	for _, m := range members {
		if seen[m.Addr] {
			continue
		}
		seen[m.Addr] = true
		addrs = append(addrs, m.Addr)

		weight := m.Weight
		if weight < 1 {
			weight = 1
		}
		for i := 0; i < weight*virtualNodes; i++ {
			pos := hashPosition(fmt.Sprintf("%s-%d", m.Addr, i))
			if _, taken := placed[pos]; taken {
				continue
			}
			placed[pos] = m.Addr
		}
	}

	r := &Ring{
		positions: make([]uint32, 0, len(placed)),
		members:   addrs,
	}
	for pos := range placed {
		r.positions = append(r.positions, pos)
	}
	sort.Slice(r.positions, func(i, j int) bool {
		return r.positions[i] < r.positions[j]
	})
	r.owners = make([]string, len(r.positions))
	for i, pos := range r.positions {
		r.owners[i] = placed[pos]
	}

	return r, nil
}

// Assign returns the failover preference order for a key: every distinct
// member, most-preferred first. The first entry is the key's primary owner;
// the rest are the nodes encountered walking the ring clockwise from it.
//
// Computing the whole order up front means a retrying caller never has to
// re-hash; it just advances to the next candidate.
//
// Example:
//
//	candidates := r.Assign("session:abc")
//	primary := candidates[0]
func (r *Ring) Assign(key string) []string {
	start := r.search(hashPosition(key))

	order := make([]string, 0, len(r.members))
	picked := make(map[string]bool, len(r.members))
	for i := 0; i < len(r.positions) && len(order) < len(r.members); i++ {
		owner := r.owners[(start+i)%len(r.positions)]
		if !picked[owner] {
			picked[owner] = true
			order = append(order, owner)
		}
	}
	return order
}

// Owner returns the primary node for a key. It is equivalent to
// Assign(key)[0] without building the full preference order.
func (r *Ring) Owner(key string) string {
	return r.owners[r.search(hashPosition(key))]
}

// Members returns the distinct member addresses in construction order.
func (r *Ring) Members() []string {
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// search performs binary search for the first position >= the given hash,
// wrapping to index 0 past the last position. This implements the circular
// nature of the ring.
func (r *Ring) search(hash uint32) int {
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] >= hash
	})
	if idx == len(r.positions) {
		idx = 0
	}
	return idx
}

// hashPosition computes a 32-bit ring position using SHA-256, taking the
// first 4 bytes of the digest. SHA-256 is overkill for distribution but its
// output is stable across platforms and Go releases, which the cross-client
// agreement guarantee depends on.
func hashPosition(key string) uint32 {
	h := sha256.Sum256([]byte(key))
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

// Stats returns statistics about the ring layout, useful for monitoring
// distribution quality.
//
// Returns a map containing:
//   - "members": number of physical nodes
//   - "positions": total ring positions after collision resolution
func (r *Ring) Stats() map[string]interface{} {
	return map[string]interface{}{
		"members":   len(r.members),
		"positions": len(r.positions),
	}
}
