package index

import (
	"container/heap"
	"sort"
	"time"
)

// Entry is the next pending instant for one job
type Entry struct {
	JobID   string
	At      time.Time
	CatchUp bool // At was missed while the daemon was down
}

// before orders entries by (At, JobID).
// When instants are equal, entries are ordered by JobID for deterministic dispatch.
func before(a, b Entry) bool {
	if a.At.Equal(b.At) {
		return a.JobID < b.JobID
	}
	return a.At.Before(b.At)
}

// Timeline is a min-heap of pending entries holding at most one entry per job.
// It is not safe for concurrent use; the scheduler loop owns it.
type Timeline struct {
	h entryHeap
}

// NewTimeline creates a timeline from the given entries.
// Later entries for the same job replace earlier ones.
func NewTimeline(entries []Entry) *Timeline {
	tl := &Timeline{h: entryHeap{pos: make(map[string]int, len(entries))}}
	for _, e := range entries {
		tl.Push(e)
	}
	return tl
}

// Push adds an entry, replacing any entry already held for the same job
func (tl *Timeline) Push(e Entry) {
	if i, ok := tl.h.pos[e.JobID]; ok {
		tl.h.entries[i] = e
		heap.Fix(&tl.h, i)
		return
	}
	heap.Push(&tl.h, e)
}

// Remove drops the entry for jobID, reporting whether one was held
func (tl *Timeline) Remove(jobID string) bool {
	i, ok := tl.h.pos[jobID]
	if !ok {
		return false
	}
	heap.Remove(&tl.h, i)
	return true
}

// Get returns the entry held for jobID
func (tl *Timeline) Get(jobID string) (Entry, bool) {
	i, ok := tl.h.pos[jobID]
	if !ok {
		return Entry{}, false
	}
	return tl.h.entries[i], true
}

// Peek returns the earliest entry without removing it
func (tl *Timeline) Peek() (Entry, bool) {
	if len(tl.h.entries) == 0 {
		return Entry{}, false
	}
	return tl.h.entries[0], true
}

// Pop removes and returns the earliest entry
func (tl *Timeline) Pop() (Entry, bool) {
	if len(tl.h.entries) == 0 {
		return Entry{}, false
	}
	return heap.Pop(&tl.h).(Entry), true
}

// PopDue removes and returns every entry at or before now, in (At, JobID) order
func (tl *Timeline) PopDue(now time.Time) []Entry {
	var due []Entry
	for {
		e, ok := tl.Peek()
		if !ok || e.At.After(now) {
			return due
		}
		tl.Pop()
		due = append(due, e)
	}
}

// Len returns the number of jobs with a pending entry
func (tl *Timeline) Len() int {
	return len(tl.h.entries)
}

// Snapshot returns a sorted copy of every pending entry
func (tl *Timeline) Snapshot() []Entry {
	out := make([]Entry, len(tl.h.entries))
	copy(out, tl.h.entries)
	sort.Slice(out, func(i, j int) bool {
		return before(out[i], out[j])
	})
	return out
}

// entryHeap implements heap.Interface and tracks each job's position
type entryHeap struct {
	entries []Entry
	pos     map[string]int
}

func (h entryHeap) Len() int           { return len(h.entries) }
func (h entryHeap) Less(i, j int) bool { return before(h.entries[i], h.entries[j]) }

func (h entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.pos[h.entries[i].JobID] = i
	h.pos[h.entries[j].JobID] = j
}

func (h *entryHeap) Push(x any) {
	e := x.(Entry)
	h.pos[e.JobID] = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *entryHeap) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	delete(h.pos, e.JobID)
	return e
}
