// Package dedup suppresses near-duplicate messages per user.
//
// Fingerprints (normalized message text) are kept per user in a
// bounded LRU with a TTL, so memory stays bounded under many distinct
// users. A message is a duplicate when its similarity to any
// fingerprint recorded inside the dedup window meets the threshold.
package dedup

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const lockStripes = 64

type fingerprint struct {
	text   string
	seenAt time.Time
}

type Cache struct {
	enabled   bool
	threshold float64
	window    time.Duration
	metric    *metrics.Levenshtein

	recent *lru.LRU[string, []fingerprint]
	locks  [lockStripes]sync.Mutex
}

// NewCache builds a dedup cache. maxUsers bounds how many users have
// tracked fingerprints at once; the TTL on the LRU retires idle users.
func NewCache(enabled bool, threshold float64, window time.Duration, maxUsers int) *Cache {
	if maxUsers <= 0 {
		maxUsers = 4096
	}
	return &Cache{
		enabled:   enabled,
		threshold: threshold,
		window:    window,
		metric:    metrics.NewLevenshtein(),
		recent:    lru.NewLRU[string, []fingerprint](maxUsers, nil, 4*window),
	}
}

func (c *Cache) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.locks[h.Sum32()%lockStripes]
}

// Normalize lowercases and collapses whitespace so trivial formatting
// differences do not defeat duplicate detection.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Seen reports whether text is a near-duplicate of a message recorded
// for key within the window. A non-duplicate is recorded; a duplicate
// is not, so a steady stream of copies keeps matching the original.
func (c *Cache) Seen(key, text string, now time.Time) bool {
	if !c.enabled {
		return false
	}

	norm := Normalize(text)
	cutoff := now.Add(-c.window)

	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	prints, _ := c.recent.Get(key)
	kept := prints[:0]
	for _, fp := range prints {
		if fp.seenAt.After(cutoff) {
			kept = append(kept, fp)
		}
	}

	for _, fp := range kept {
		if c.Similarity(norm, fp.text) >= c.threshold {
			c.recent.Add(key, kept)
			return true
		}
	}

	kept = append(kept, fingerprint{text: norm, seenAt: now})
	c.recent.Add(key, kept)
	return false
}

// Similarity returns the normalized Levenshtein similarity of two
// already-normalized strings, in [0,1].
func (c *Cache) Similarity(a, b string) float64 {
	return strutil.Similarity(a, b, c.metric)
}

// TrackedUsers reports how many users currently have fingerprints.
func (c *Cache) TrackedUsers() int {
	return c.recent.Len()
}
