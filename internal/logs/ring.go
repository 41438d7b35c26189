package logs

import (
	"sync"
	"time"

	"github.com/ternarybob/harvest/internal/models"
)

// DefaultCapacity is the number of entries kept when no capacity is configured
const DefaultCapacity = 300

// Ring is the operator log of one backend: a fixed-capacity ring buffer of
// LogEntries shared by every job of a run.
//
// Eviction policy: when full, appending drops the oldest entry. Entries are
// never mutated after Append returns. IDs are assigned sequentially, so
// ID gaps seen by a poller mean entries were evicted before it read them.
//
// Ring is safe for concurrent use; executors append from their own goroutines.
type Ring struct {
	mu       sync.RWMutex
	buf      []models.LogEntry
	start    int
	count    int
	seq      int64
	subs     map[chan models.LogEntry]struct{}
	onAppend func(models.LogEntry)
	now      func() time.Time
}

// NewRing creates a ring holding at most capacity entries
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:  make([]models.LogEntry, capacity),
		subs: make(map[chan models.LogEntry]struct{}),
		now:  time.Now,
	}
}

// OnAppend registers a callback invoked synchronously after every append.
// It must not call back into the ring.
func (r *Ring) OnAppend(fn func(models.LogEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAppend = fn
}

// Append stores an entry, assigning its ID and timestamp, and returns the stored copy
func (r *Ring) Append(entry models.LogEntry) models.LogEntry {
	r.mu.Lock()

	r.seq++
	entry.ID = r.seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}

	capacity := len(r.buf)
	if r.count < capacity {
		r.buf[(r.start+r.count)%capacity] = entry
		r.count++
	} else {
		r.buf[r.start] = entry
		r.start = (r.start + 1) % capacity
	}

	for ch := range r.subs {
		select {
		case ch <- entry:
		default:
			// Slow subscriber: the entry stays in the ring and can be re-read with Since
		}
	}
	onAppend := r.onAppend
	r.mu.Unlock()

	if onAppend != nil {
		onAppend(entry)
	}
	return entry
}

// Add appends a message at the given level
func (r *Ring) Add(level models.LogLevel, message string) models.LogEntry {
	return r.Append(models.LogEntry{Level: level, Message: message})
}

// Entries returns the retained entries, oldest first
func (r *Ring) Entries() []models.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(0)
}

// Since returns retained entries with ID greater than id, oldest first
func (r *Ring) Since(id int64) []models.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(id)
}

// Last returns up to n of the newest entries, oldest first
func (r *Ring) Last(n int) []models.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.collect(0)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len returns the number of retained entries
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Dropped returns how many entries have been evicted since creation
func (r *Ring) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq - int64(r.count)
}

// LastID returns the ID of the newest entry, or 0 when nothing was appended
func (r *Ring) LastID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// Subscribe returns a channel receiving every entry appended from now on and
// a function that ends the subscription. Delivery never blocks the ring: a
// full channel misses entries.
func (r *Ring) Subscribe(buffer int) (<-chan models.LogEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.LogEntry, buffer)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Ring) collect(after int64) []models.LogEntry {
	capacity := len(r.buf)
	out := make([]models.LogEntry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%capacity]
		if e.ID > after {
			out = append(out, e)
		}
	}
	return out
}
