// Package ingress decides whether an inbound message starts a pipeline
// run at all. Admission is the composition of two sliding-window rate
// limits (per user and per group) and near-duplicate suppression.
//
// Admissions for one user are evaluated strictly in arrival order: the
// gate serializes Admit per user key, never globally, so a burst from
// one user cannot reorder itself and cannot delay anyone else.
package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/dedup"
	"github.com/tinyland-inc/drumline/pkg/logger"
	"github.com/tinyland-inc/drumline/pkg/ratelimit"
)

type Decision int

const (
	DecisionAdmit Decision = iota
	DecisionRateLimited
	DecisionDuplicate
)

func (d Decision) String() string {
	switch d {
	case DecisionAdmit:
		return "admit"
	case DecisionRateLimited:
		return "rate_limited"
	case DecisionDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

const userStripes = 128

type Gate struct {
	users  *ratelimit.Limiter
	groups *ratelimit.Limiter
	dedup  *dedup.Cache

	// userLocks serializes admission per hashed user, not globally.
	userLocks [userStripes]sync.Mutex
}

func NewGate(users, groups *ratelimit.Limiter, cache *dedup.Cache) *Gate {
	return &Gate{users: users, groups: groups, dedup: cache}
}

// HashUserID derives the stable pseudonymous key used everywhere
// downstream; plaintext user IDs are never stored or logged.
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

func (g *Gate) userLock(hashedUser string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(hashedUser))
	return &g.userLocks[h.Sum32()%userStripes]
}

// Admit evaluates one message and records its side effects on the rate
// windows and the fingerprint cache. It returns the decision plus the
// hashed user ID the caller should key the run with.
//
// Rejections are silent by contract: callers log the reason code and
// produce no user-visible output.
func (g *Gate) Admit(msg bus.InboundMessage) (Decision, string) {
	hashedUser := HashUserID(msg.UserID)
	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	mu := g.userLock(hashedUser)
	mu.Lock()
	defer mu.Unlock()

	// User window first, then group. A message stopped by the group
	// window has already consumed a user-window slot; that mirrors the
	// check-then-append behavior the limits were tuned against.
	// Direct messages carry no group and are governed by the user
	// window alone; keying them all on the empty group would couple
	// unrelated users' DM traffic.
	if !g.users.Allow(hashedUser, now) {
		logger.InfoCF("ingress", "Message rejected", map[string]any{
			"reason": "user_rate_limited",
			"user":   shortKey(hashedUser),
			"group":  msg.GroupID,
		})
		return DecisionRateLimited, hashedUser
	}
	if msg.GroupID != "" && !g.groups.Allow(msg.GroupID, now) {
		logger.InfoCF("ingress", "Message rejected", map[string]any{
			"reason": "group_rate_limited",
			"user":   shortKey(hashedUser),
			"group":  msg.GroupID,
		})
		return DecisionRateLimited, hashedUser
	}

	if g.dedup.Seen(hashedUser, msg.Content, now) {
		logger.InfoCF("ingress", "Message rejected", map[string]any{
			"reason": "duplicate",
			"user":   shortKey(hashedUser),
			"group":  msg.GroupID,
		})
		return DecisionDuplicate, hashedUser
	}

	return DecisionAdmit, hashedUser
}

// shortKey truncates a hashed user ID for log lines.
func shortKey(hashed string) string {
	if len(hashed) > 12 {
		return hashed[:12]
	}
	return hashed
}
