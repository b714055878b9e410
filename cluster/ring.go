// Package cluster places job partitions on members.
//
// Placement never changes which partition a key belongs to; it only decides
// which member executes a partition, so members can join or leave without
// rehashing state.
package cluster

import (
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrEmptyRing is returned when a lookup is made on a ring with no members
var ErrEmptyRing = errors.New("no members in ring")

// DefaultVirtualNodes is the number of ring points per member
const DefaultVirtualNodes = 128

// Ring implements consistent hashing with virtual nodes
type Ring struct {
	vnodes  int
	points  []uint64          // Sorted hash ring
	owners  map[uint64]string // point -> member
	members map[string]bool
	mu      sync.RWMutex
}

// NewRing creates an empty ring with vnodes points per member
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	return &Ring{
		vnodes:  vnodes,
		owners:  make(map[uint64]string),
		members: make(map[string]bool),
	}
}

// Add puts a member on the ring. Adding a known member is a no-op.
func (r *Ring) Add(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[member] {
		return
	}
	r.members[member] = true

	for i := 0; i < r.vnodes; i++ {
		point := pointHash(member, i)
		if _, taken := r.owners[point]; taken {
			continue
		}
		r.points = append(r.points, point)
		r.owners[point] = member
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i] < r.points[j]
	})
}

// Remove takes a member off the ring
func (r *Ring) Remove(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.members[member] {
		return
	}
	delete(r.members, member)

	points := r.points[:0]
	for _, p := range r.points {
		if r.owners[p] == member {
			delete(r.owners, p)
			continue
		}
		points = append(points, p)
	}
	r.points = points
}

// Owner returns the member responsible for key
func (r *Ring) Owner(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", ErrEmptyRing
	}

	hash := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= hash
	})
	if idx >= len(r.points) {
		idx = 0
	}
	return r.owners[r.points[idx]], nil
}

// PartitionOwner returns the member executing partition p
func (r *Ring) PartitionOwner(p int) (string, error) {
	return r.Owner(partitionKey(p))
}

// Assign maps every member to the partitions it executes, in ascending
// partition order. Members without partitions are absent.
func (r *Ring) Assign(partitions int) (map[string][]int, error) {
	out := make(map[string][]int)
	for p := 0; p < partitions; p++ {
		owner, err := r.PartitionOwner(p)
		if err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], p)
	}
	return out, nil
}

// Members returns the members in sorted order
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.members))
	for m := range r.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// Len returns the number of members
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func pointHash(member string, vnode int) uint64 {
	return xxhash.Sum64String(member + "#" + strconv.Itoa(vnode))
}

func partitionKey(p int) string {
	return "partition-" + strconv.Itoa(p)
}
