package algorithm

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// View is an immutable consistent hash over a fixed member set.
// A new View is built on every membership change; holders of the same
// View always get the same owners for a key.
type View struct {
	members      []string          // Sorted member IDs
	virtualNodes int               // Ring points per member
	numOwners    int               // Replication factor
	ring         []uint64          // Sorted ring points
	ringMap      map[uint64]string // Ring point -> member ID
}

// NewView builds a view for the given members
func NewView(members []string, virtualNodes, numOwners int) *View {
	if virtualNodes <= 0 {
		virtualNodes = 1
	}
	if numOwners <= 0 {
		numOwners = 1
	}

	sorted := dedupe(members)
	v := &View{
		members:      sorted,
		virtualNodes: virtualNodes,
		numOwners:    numOwners,
		ring:         make([]uint64, 0, len(sorted)*virtualNodes),
		ringMap:      make(map[uint64]string, len(sorted)*virtualNodes),
	}

	for _, member := range sorted {
		for i := 0; i < virtualNodes; i++ {
			point := HashKey(fmt.Sprintf("%s-vnode-%d", member, i))
			// First member in sorted order keeps a colliding point
			if _, taken := v.ringMap[point]; taken {
				continue
			}
			v.ringMap[point] = member
			v.ring = append(v.ring, point)
		}
	}
	sort.Slice(v.ring, func(i, j int) bool { return v.ring[i] < v.ring[j] })

	return v
}

// HashKey maps a key onto the ring
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Locate returns up to n distinct owners of key, in ring order
func (v *View) Locate(key string, n int) []string {
	return v.LocateHash(HashKey(key), n)
}

// LocateHash returns up to n distinct owners for a ring position
func (v *View) LocateHash(keyHash uint64, n int) []string {
	if len(v.ring) == 0 || n <= 0 {
		return []string{}
	}
	if n > len(v.members) {
		n = len(v.members)
	}

	idx := sort.Search(len(v.ring), func(i int) bool {
		return v.ring[i] >= keyHash
	})
	if idx >= len(v.ring) {
		idx = 0
	}

	owners := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for i := 0; i < len(v.ring) && len(owners) < n; i++ {
		member := v.ringMap[v.ring[(idx+i)%len(v.ring)]]
		if _, ok := seen[member]; ok {
			continue
		}
		seen[member] = struct{}{}
		owners = append(owners, member)
	}
	return owners
}

// Owners returns the owners of key at the view's replication factor
func (v *View) Owners(key string) []string {
	return v.Locate(key, v.numOwners)
}

// IsOwner reports whether member owns key in this view
func (v *View) IsOwner(key, member string) bool {
	for _, owner := range v.Owners(key) {
		if owner == member {
			return true
		}
	}
	return false
}

// Members returns a copy of the sorted member list
func (v *View) Members() []string {
	out := make([]string, len(v.members))
	copy(out, v.members)
	return out
}

// Contains reports whether member is part of the view
func (v *View) Contains(member string) bool {
	i := sort.SearchStrings(v.members, member)
	return i < len(v.members) && v.members[i] == member
}

// Size returns the number of members
func (v *View) Size() int {
	return len(v.members)
}

// NumOwners returns the replication factor
func (v *View) NumOwners() int {
	return v.numOwners
}

// VirtualNodes returns the ring points per member
func (v *View) VirtualNodes() int {
	return v.virtualNodes
}

// Without returns a view that excludes the given members
func (v *View) Without(members ...string) *View {
	drop := toSet(members)
	kept := make([]string, 0, len(v.members))
	for _, m := range v.members {
		if _, ok := drop[m]; !ok {
			kept = append(kept, m)
		}
	}
	return NewView(kept, v.virtualNodes, v.numOwners)
}

// With returns a view that also includes the given members
func (v *View) With(members ...string) *View {
	all := make([]string, 0, len(v.members)+len(members))
	all = append(all, v.members...)
	all = append(all, members...)
	return NewView(all, v.virtualNodes, v.numOwners)
}

func dedupe(members []string) []string {
	set := toSet(members)
	out := make([]string, 0, len(set))
	for m := range set {
		if m != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func toSet(members []string) map[string]struct{} {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set
}
