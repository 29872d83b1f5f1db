// Package timeline merges incoming timeline entries into one duplicate-free,
// step-ascending sequence.
//
// All functions treat their inputs as immutable and return fresh slices, so a
// result can be handed to readers without copying.
package timeline

import (
	"sort"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// Append inserts entry after the last entry whose step is not greater than its own.
// It returns the current slice and false when an entry with the same identity exists.
func Append(current []domain.TimelineEntry, entry domain.TimelineEntry) ([]domain.TimelineEntry, bool) {
	key := entry.Key()
	for i := range current {
		if current[i].Key() == key {
			return current, false
		}
	}

	// first index with a greater step; equal steps keep arrival order
	pos := sort.Search(len(current), func(i int) bool {
		return current[i].Step > entry.Step
	})

	next := make([]domain.TimelineEntry, 0, len(current)+1)
	next = append(next, current[:pos]...)
	next = append(next, entry)
	next = append(next, current[pos:]...)
	return next, true
}

// Replace returns incoming as the new authoritative sequence, keeping the first
// occurrence of each identity. A nil incoming yields an empty, non-nil slice.
func Replace(incoming []domain.TimelineEntry) []domain.TimelineEntry {
	seen := make(map[domain.EntryKey]struct{}, len(incoming))
	next := make([]domain.TimelineEntry, 0, len(incoming))
	for _, entry := range incoming {
		key := entry.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		next = append(next, entry)
	}
	return next
}

// Equal reports whether a and b hold the same identities in the same order.
func Equal(a, b []domain.TimelineEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() {
			return false
		}
	}
	return true
}

// Added returns the entries of next whose identity is not in prev, in next's order.
func Added(prev, next []domain.TimelineEntry) []domain.TimelineEntry {
	known := make(map[domain.EntryKey]struct{}, len(prev))
	for _, entry := range prev {
		known[entry.Key()] = struct{}{}
	}
	var added []domain.TimelineEntry
	for _, entry := range next {
		if _, ok := known[entry.Key()]; !ok {
			added = append(added, entry)
		}
	}
	return added
}

// NewestFirst returns the display order: the stored sequence reversed.
func NewestFirst(entries []domain.TimelineEntry) []domain.TimelineEntry {
	out := make([]domain.TimelineEntry, len(entries))
	for i, entry := range entries {
		out[len(entries)-1-i] = entry
	}
	return out
}
