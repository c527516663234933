package service

import (
	"sort"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
)

// AffectedKeyer is anything that knows which keys it touches
type AffectedKeyer interface {
	AffectedKeys() []string
}

// OwnershipChange describes one membership change as seen by the hash
type OwnershipChange struct {
	Old       *algorithm.View
	New       *algorithm.View
	NumOwners int
	Leavers   []string
	Joiners   []string
}

// Aggregate groups payloads by the members that must receive them.
//
// A payload goes to d if, for one of its keys, a leaver was an old owner
// (or a joiner is a new owner) and d is a new owner that was not an old
// owner. Owner lists are compared as sets and a payload is added to a
// destination at most once.
func Aggregate[T AffectedKeyer](payloads []T, change OwnershipChange) map[string][]T {
	leavers := stringSet(change.Leavers)
	joiners := stringSet(change.Joiners)
	n := change.NumOwners
	if n <= 0 {
		n = change.New.NumOwners()
	}

	out := make(map[string][]T)
	for _, payload := range payloads {
		sentTo := make(map[string]struct{})
		for _, key := range payload.AffectedKeys() {
			oldOwners := change.Old.Locate(key, n)
			newOwners := change.New.Locate(key, n)
			if !intersects(oldOwners, leavers) && !intersects(newOwners, joiners) {
				continue
			}
			for _, dest := range algorithm.GainedOwners(change.Old, change.New, key, n) {
				if _, ok := sentTo[dest]; ok {
					continue
				}
				sentTo[dest] = struct{}{}
				out[dest] = append(out[dest], payload)
			}
		}
	}
	return out
}

// destinations returns the map keys in sorted order
func destinations[T any](groups map[string][]T) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func intersects(members []string, set map[string]struct{}) bool {
	for _, m := range members {
		if _, ok := set[m]; ok {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
