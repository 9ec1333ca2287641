// Package ratelimit implements a sliding-window admission counter.
//
// Each key owns an ordered set of admit timestamps. An admit is allowed
// while fewer than limit timestamps fall inside the lookback window;
// older entries are evicted lazily on the next access. Keys are striped
// across shards so unrelated keys never contend on one lock.
package ratelimit

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 64

type window struct {
	mu sync.Mutex
	// stamps is kept sorted ascending; appends are monotone because
	// callers pass wall-clock "now".
	stamps []time.Time
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*window
}

type Limiter struct {
	limit    int
	lookback time.Duration
	shards   [shardCount]*shard
}

func NewLimiter(limit int, lookback time.Duration) *Limiter {
	l := &Limiter{limit: limit, lookback: lookback}
	for i := range l.shards {
		l.shards[i] = &shard{keys: make(map[string]*window)}
	}
	return l
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (l *Limiter) windowFor(key string) *window {
	s := l.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.keys[key]
	if !ok {
		w = &window{}
		s.keys[key] = w
	}
	return w
}

// evict drops all timestamps at or before the cutoff. The slice is
// sorted, so the boundary is found by binary search.
func (w *window) evict(cutoff time.Time) {
	i := sort.Search(len(w.stamps), func(i int) bool {
		return w.stamps[i].After(cutoff)
	})
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Allow records an admit for key at now if the window has capacity.
// A rejected call records nothing.
func (l *Limiter) Allow(key string, now time.Time) bool {
	w := l.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now.Add(-l.lookback))
	if len(w.stamps) >= l.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Remaining reports how many admits key has left in the current window.
func (l *Limiter) Remaining(key string, now time.Time) int {
	w := l.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now.Add(-l.lookback))
	if n := l.limit - len(w.stamps); n > 0 {
		return n
	}
	return 0
}

// Reset clears the window for key.
func (l *Limiter) Reset(key string) {
	s := l.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Sweep removes keys whose windows are entirely stale. Called
// periodically so idle keys do not pin memory forever.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.lookback)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.keys {
			w.mu.Lock()
			w.evict(cutoff)
			empty := len(w.stamps) == 0
			w.mu.Unlock()
			if empty {
				delete(s.keys, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
