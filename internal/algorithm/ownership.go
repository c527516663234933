package algorithm

import "sort"

// GainedOwners returns the owners of key in newView that were not owners
// in oldView. Owner lists are compared as sets.
func GainedOwners(oldView, newView *View, key string, n int) []string {
	return difference(newView.Locate(key, n), oldView.Locate(key, n))
}

// LostOwners returns the owners of key in oldView that are no longer
// owners in newView.
func LostOwners(oldView, newView *View, key string, n int) []string {
	return difference(oldView.Locate(key, n), newView.Locate(key, n))
}

// GainsOwnership reports whether member owns any part of the ring in
// newView that it did not own in oldView.
//
// Owner lists are constant between two consecutive points of the merged
// ring, so checking every merged point covers every arc.
func GainsOwnership(oldView, newView *View, member string, n int) bool {
	if !newView.Contains(member) {
		return false
	}
	for _, point := range mergedPoints(oldView, newView) {
		if contains(newView.LocateHash(point, n), member) &&
			!contains(oldView.LocateHash(point, n), member) {
			return true
		}
	}
	return false
}

func mergedPoints(a, b *View) []uint64 {
	points := make([]uint64, 0, len(a.ring)+len(b.ring))
	points = append(points, a.ring...)
	points = append(points, b.ring...)
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	out := points[:0]
	for i, p := range points {
		if i == 0 || p != points[i-1] {
			out = append(out, p)
		}
	}
	return out
}

func difference(a, b []string) []string {
	exclude := toSet(b)
	out := make([]string, 0, len(a))
	seen := make(map[string]struct{}, len(a))
	for _, m := range a {
		if _, ok := exclude[m]; ok {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func contains(members []string, member string) bool {
	for _, m := range members {
		if m == member {
			return true
		}
	}
	return false
}
