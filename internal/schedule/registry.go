// Package schedule holds the set of pending notifications shared by the
// poller and the edit path.
package schedule

import (
	"sort"
	"sync"

	"settlebot/internal/reminder"
)

// Registry is a mutex-guarded list of pending notifications ordered by
// fire time. The zero value is ready to use.
type Registry struct {
	mu      sync.Mutex
	entries []reminder.Notification
}

func New() *Registry { return &Registry{} }

// Replace swaps every entry of group for entries and returns how many
// entries were removed.
func (r *Registry) Replace(group string, entries []reminder.Notification) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.filterLocked(func(n reminder.Notification) bool { return n.Origin.Group == group })
	for _, n := range entries {
		r.insertLocked(n)
	}
	return removed
}

// ReplaceSpec swaps the entries derived from one spec. An empty entries
// slice deletes the spec's pending occurrences.
func (r *Registry) ReplaceSpec(origin reminder.Origin, entries []reminder.Notification) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.filterLocked(func(n reminder.Notification) bool { return n.Origin == origin })
	for _, n := range entries {
		r.insertLocked(n)
	}
	return removed
}

// All returns a snapshot copy.
func (r *Registry) All() []reminder.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reminder.Notification, len(r.entries))
	copy(out, r.entries)
	return out
}

// Next returns up to n of the soonest entries; n <= 0 means all.
func (r *Registry) Next(n int) []reminder.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]reminder.Notification, n)
	copy(out, r.entries[:n])
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Groups counts entries per origin group.
func (r *Registry) Groups() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, n := range r.entries {
		out[n.Origin.Group]++
	}
	return out
}

// Insert adds n unless an equal entry is already present.
func (r *Registry) Insert(n reminder.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(n)
}

// Remove deletes the first entry equal to n.
func (r *Registry) Remove(n reminder.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(n)
}

// Settle removes each fired entry that is still present and, when advance
// yields one, inserts its next occurrence. Entries replaced or deleted by a
// concurrent edit are skipped and not returned, so they are never
// delivered twice. The returned slice holds the entries actually removed.
func (r *Registry) Settle(fired []reminder.Notification, advance func(reminder.Notification) (reminder.Notification, bool)) []reminder.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reminder.Notification, 0, len(fired))
	for _, n := range fired {
		if !r.removeLocked(n) {
			continue
		}
		out = append(out, n)
		if advance == nil {
			continue
		}
		if next, ok := advance(n); ok {
			r.insertLocked(next)
		}
	}
	return out
}

func (r *Registry) insertLocked(n reminder.Notification) bool {
	for _, e := range r.entries {
		if e.Equal(n) {
			return false
		}
	}
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].FireAt.After(n.FireAt) })
	r.entries = append(r.entries, reminder.Notification{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = n
	return true
}

func (r *Registry) removeLocked(n reminder.Notification) bool {
	for i, e := range r.entries {
		if e.Equal(n) {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// filterLocked drops entries matching drop, in place.
func (r *Registry) filterLocked(drop func(reminder.Notification) bool) int {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	removed := len(r.entries) - len(kept)
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = reminder.Notification{}
	}
	r.entries = kept
	return removed
}
