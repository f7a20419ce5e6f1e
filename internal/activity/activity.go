// Package activity tracks in-flight work per run so the server can report
// what a run is currently waiting on.
package activity

import "sync"

type key struct {
	runID    string
	resource string
}

// Tracker is a reference-counted activity map keyed by (run, resource).
// Concurrent activations of the same resource accumulate; the resource is
// idle again only when every activation has been released.
type Tracker struct {
	mu     sync.Mutex
	counts map[key]int
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[key]int)}
}

// Activate records one unit of in-flight work and returns a release function.
// The release function is idempotent.
func (t *Tracker) Activate(runID, resource string) func() {
	k := key{runID: runID, resource: resource}

	t.mu.Lock()
	t.counts[k]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.counts[k] <= 1 {
				delete(t.counts, k)
			} else {
				t.counts[k]--
			}
		})
	}
}

// Busy reports whether the run has any in-flight work.
func (t *Tracker) Busy(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.counts {
		if k.runID == runID {
			return true
		}
	}
	return false
}

// Snapshot returns the active resources for a run with their counts.
func (t *Tracker) Snapshot(runID string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int)
	for k, n := range t.counts {
		if k.runID == runID {
			out[k.resource] = n
		}
	}
	return out
}
