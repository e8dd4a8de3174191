package ratelimit

import (
	"sync"
	"time"
)

// DefaultLocalCapacity caps the fallback table to prevent memory exhaustion
// from attackers rotating subjects.
const DefaultLocalCapacity = 4096

// sweepInterval is how often the periodic sweep prunes expired entries in
// addition to the lazy expiry on access.
const sweepInterval = time.Minute

type localEntry struct {
	count    int64
	resetAt  time.Time
	inserted time.Time
}

// LocalWindow is a process-local fixed-window counter table. Incrementing
// an existing entry never moves its deadline; the deadline is set exactly
// once per window, when the entry is created. At capacity, eviction removes
// expired entries first, then the oldest surviving entry.
type LocalWindow struct {
	mu       sync.Mutex
	entries  map[string]*localEntry
	capacity int
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLocalWindow builds a bounded window table and starts its sweeper.
func NewLocalWindow(capacity int) *LocalWindow {
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}
	w := &LocalWindow{
		entries:  make(map[string]*localEntry),
		capacity: capacity,
		stop:     make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Incr records one hit for key in a window of the given length and returns
// the count within the current window.
func (w *LocalWindow) Incr(key string, window time.Duration) int64 {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[key]
	if ok && now.Before(e.resetAt) {
		// Increment without touching the deadline: fixed window, not
		// reset-per-hit.
		e.count++
		return e.count
	}

	if !ok && len(w.entries) >= w.capacity {
		w.evictLocked(now)
	}

	w.entries[key] = &localEntry{count: 1, resetAt: now.Add(window), inserted: now}
	return 1
}

// Set overwrites a key with a fresh count and deadline. Distinct from Incr:
// this is the "set with new TTL" operation.
func (w *LocalWindow) Set(key string, count int64, window time.Duration) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[key]; !ok && len(w.entries) >= w.capacity {
		w.evictLocked(now)
	}
	w.entries[key] = &localEntry{count: count, resetAt: now.Add(window), inserted: now}
}

// Len reports the number of tracked keys.
func (w *LocalWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// evictLocked frees at least one slot: expired entries first, then the
// oldest surviving entry.
func (w *LocalWindow) evictLocked(now time.Time) {
	for k, e := range w.entries {
		if !now.Before(e.resetAt) {
			delete(w.entries, k)
		}
	}
	for len(w.entries) >= w.capacity {
		oldestKey := ""
		var oldest time.Time
		for k, e := range w.entries {
			if oldestKey == "" || e.inserted.Before(oldest) {
				oldestKey = k
				oldest = e.inserted
			}
		}
		delete(w.entries, oldestKey)
	}
}

func (w *LocalWindow) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			now := time.Now()
			w.mu.Lock()
			for k, e := range w.entries {
				if !now.Before(e.resetAt) {
					delete(w.entries, k)
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close stops the sweeper.
func (w *LocalWindow) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
