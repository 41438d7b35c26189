// Package queue holds the ordered set of entities waiting to be scraped in a run.
package queue

import (
	"sync"

	"github.com/ternarybob/harvest/internal/models"
)

// Item is one queued entity
type Item struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// ItemFromEntity builds a queue item from a registered entity
func ItemFromEntity(e *models.Entity) Item {
	return Item{ID: e.ID, Label: e.Label}
}

// Queue is a FIFO of entity ids with no duplicates.
// An entity drawn by Drain is no longer a member and may be enqueued again.
type Queue struct {
	mu      sync.Mutex
	items   []Item
	members map[string]struct{}
}

// New creates an empty queue
func New() *Queue {
	return &Queue{members: make(map[string]struct{})}
}

// EnqueueAll appends items in order, skipping ids already queued.
// It returns the number added.
func (q *Queue) EnqueueAll(items []Item) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueue(items)
}

// EnqueueSubset appends only the items whose ids are selected, keeping the
// order of items. It returns the number added.
func (q *Queue) EnqueueSubset(items []Item, selected []string) int {
	subset := Select(items, selected)

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueue(subset)
}

// Select returns the items whose ids are in selected, in the order of items
func Select(items []Item, selected []string) []Item {
	want := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		want[id] = struct{}{}
	}
	subset := make([]Item, 0, len(selected))
	for _, it := range items {
		if _, ok := want[it.ID]; ok {
			subset = append(subset, it)
		}
	}
	return subset
}

// Missing returns how many distinct items EnqueueAll would add
func (q *Queue) Missing(items []Item) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]struct{}, len(items))
	n := 0
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, dup := q.members[it.ID]; dup {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		n++
	}
	return n
}

func (q *Queue) enqueue(items []Item) int {
	added := 0
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, dup := q.members[it.ID]; dup {
			continue
		}
		q.members[it.ID] = struct{}{}
		q.items = append(q.items, it)
		added++
	}
	return added
}

// Drain removes and returns up to n items from the front
func (q *Queue) Drain(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Item, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0:0], q.items[n:]...)
	for _, it := range out {
		delete(q.members, it.ID)
	}
	return out
}

// IsEmpty reports whether nothing is queued
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Size returns the number of queued items
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Contains reports whether id is queued
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[id]
	return ok
}

// Clear removes everything and returns how many items were dropped
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.members = make(map[string]struct{})
	return n
}

// Snapshot returns the queued ids in order
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.items))
	for i, it := range q.items {
		ids[i] = it.ID
	}
	return ids
}
