package logs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/harvest/internal/models"
)

func TestRing_AppendAssignsSequentialIDs(t *testing.T) {
	r := NewRing(10)

	a := r.Add(models.LogLevelInfo, "first")
	b := r.Add(models.LogLevelWarn, "second")

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.False(t, a.Timestamp.IsZero())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, int64(2), r.LastID())
}

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Add(models.LogLevelInfo, fmt.Sprintf("entry %d", i))
	}

	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "entry 3", entries[0].Message)
	assert.Equal(t, "entry 4", entries[1].Message)
	assert.Equal(t, "entry 5", entries[2].Message)
	assert.Equal(t, int64(2), r.Dropped())
	assert.Equal(t, 3, r.Cap())
}

func TestRing_Since(t *testing.T) {
	r := NewRing(4)
	for i := 1; i <= 6; i++ {
		r.Add(models.LogLevelInfo, fmt.Sprintf("entry %d", i))
	}

	since := r.Since(4)
	require.Len(t, since, 2)
	assert.Equal(t, int64(5), since[0].ID)
	assert.Equal(t, int64(6), since[1].ID)

	// A poller that fell behind the ring gets what is left
	assert.Len(t, r.Since(1), 4)
	assert.Empty(t, r.Since(6))
}

func TestRing_Last(t *testing.T) {
	r := NewRing(10)
	for i := 1; i <= 5; i++ {
		r.Add(models.LogLevelInfo, fmt.Sprintf("entry %d", i))
	}

	last := r.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, "entry 4", last[0].Message)
	assert.Equal(t, "entry 5", last[1].Message)
	assert.Len(t, r.Last(0), 5)
}

func TestRing_PreservesGivenTimestamp(t *testing.T) {
	r := NewRing(2)
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	e := r.Append(models.LogEntry{Timestamp: ts, Level: models.LogLevelInfo, Message: "x"})

	assert.Equal(t, ts, e.Timestamp)
}

func TestRing_EntriesAreCopies(t *testing.T) {
	r := NewRing(2)
	r.Add(models.LogLevelInfo, "original")

	entries := r.Entries()
	entries[0].Message = "changed"

	assert.Equal(t, "original", r.Entries()[0].Message)
}

func TestRing_Subscribe(t *testing.T) {
	r := NewRing(10)
	ch, cancel := r.Subscribe(4)

	r.Add(models.LogLevelInfo, "hello")

	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Appending after unsubscribe must not panic on the closed channel
	r.Add(models.LogLevelInfo, "after")
}

func TestRing_SlowSubscriberDoesNotBlock(t *testing.T) {
	r := NewRing(100)
	_, cancel := r.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Add(models.LogLevelInfo, "x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("append blocked on a full subscriber")
	}
	assert.Equal(t, 50, r.Len())
}

func TestRing_OnAppend(t *testing.T) {
	r := NewRing(2)
	var got []int64
	r.OnAppend(func(e models.LogEntry) { got = append(got, e.ID) })

	r.Add(models.LogLevelInfo, "a")
	r.Add(models.LogLevelInfo, "b")

	assert.Equal(t, []int64{1, 2}, got)
}

func TestRing_ConcurrentAppends(t *testing.T) {
	r := NewRing(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Add(models.LogLevelInfo, "x")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), r.LastID())
	assert.Equal(t, 50, r.Len())
	entries := r.Entries()
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].ID+1, entries[i].ID)
	}
}

func TestNewRing_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewRing(0).Cap())
}
