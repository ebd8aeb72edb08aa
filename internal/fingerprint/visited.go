package fingerprint

import (
	"sync"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// VisitedIndex is the set of screens an exploration has entered. A screen is
// "complete" once every safe element on it has been tried; only complete
// screens are persisted, so an interrupted branch is explored again next time.
type VisitedIndex struct {
	mu       sync.RWMutex
	seen     map[schemas.Fingerprint]struct{}
	complete map[schemas.Fingerprint]struct{}
	order    []schemas.Fingerprint
}

// NewVisitedIndex returns an empty index.
func NewVisitedIndex() *VisitedIndex {
	return &VisitedIndex{
		seen:     make(map[schemas.Fingerprint]struct{}),
		complete: make(map[schemas.Fingerprint]struct{}),
	}
}

// Add records fp and reports whether it was not already present.
func (v *VisitedIndex) Add(fp schemas.Fingerprint) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[fp]; ok {
		return false
	}
	v.seen[fp] = struct{}{}
	v.order = append(v.order, fp)
	return true
}

// Contains reports whether fp has been added or seeded.
func (v *VisitedIndex) Contains(fp schemas.Fingerprint) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.seen[fp]
	return ok
}

// MarkComplete flags fp as fully explored. Unknown fingerprints are added.
func (v *VisitedIndex) MarkComplete(fp schemas.Fingerprint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[fp]; !ok {
		v.seen[fp] = struct{}{}
		v.order = append(v.order, fp)
	}
	v.complete[fp] = struct{}{}
}

// IsComplete reports whether fp was fully explored.
func (v *VisitedIndex) IsComplete(fp schemas.Fingerprint) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.complete[fp]
	return ok
}

// Seed marks previously persisted screens as visited and complete.
func (v *VisitedIndex) Seed(fps []schemas.Fingerprint) {
	for _, fp := range fps {
		v.MarkComplete(fp)
	}
}

// Completed returns the complete fingerprints in the order they were first seen.
func (v *VisitedIndex) Completed() []schemas.Fingerprint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]schemas.Fingerprint, 0, len(v.complete))
	for _, fp := range v.order {
		if _, ok := v.complete[fp]; ok {
			out = append(out, fp)
		}
	}
	return out
}

// Len returns how many distinct screens have been seen.
func (v *VisitedIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.seen)
}
