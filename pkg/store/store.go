// Package store persists long-lived drumline state: pipeline runs and
// their event journal, preference facts with transition history, users,
// impressions, and conversation history.
package store

import (
	"context"
	"time"

	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
)

// User is the stable record behind a hashed user ID.
type User struct {
	UserID    string    `json:"user_id"` // hashed
	Language  string    `json:"language,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Relationship tiers derived from interaction count.
const (
	RelationshipNew          = "new"
	RelationshipAcquaintance = "acquaintance"
	RelationshipFriend       = "friend"
	RelationshipRegular      = "regular"
)

// Impression is the bot's accumulated picture of a user.
type Impression struct {
	UserID           string    `json:"user_id"` // hashed
	InteractionCount int       `json:"interaction_count"`
	Relationship     string    `json:"relationship"`
	LearnedFacts     []string  `json:"learned_facts,omitempty"`
	LastInteraction  time.Time `json:"last_interaction"`
}

// Touch increments the interaction counter and rolls the relationship
// tier forward. Tiers: <3 new, <11 acquaintance, <51 friend, else
// regular.
func (im *Impression) Touch(now time.Time) {
	im.InteractionCount++
	im.LastInteraction = now
	switch {
	case im.InteractionCount < 3:
		im.Relationship = RelationshipNew
	case im.InteractionCount < 11:
		im.Relationship = RelationshipAcquaintance
	case im.InteractionCount < 51:
		im.Relationship = RelationshipFriend
	default:
		im.Relationship = RelationshipRegular
	}
}

// AddLearnedFact appends a fact string if it is new.
func (im *Impression) AddLearnedFact(fact string) {
	if fact == "" {
		return
	}
	for _, f := range im.LearnedFacts {
		if f == fact {
			return
		}
	}
	im.LearnedFacts = append(im.LearnedFacts, fact)
}

// Conversation is one archived exchange, subject to retention purge.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"` // hashed
	GroupID   string    `json:"group_id"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextStore is the CRUD surface the step executors consume.
type ContextStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	GetImpression(ctx context.Context, userID string) (*Impression, error)
	PutImpression(ctx context.Context, im *Impression) error
	RecentConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	SaveConversation(ctx context.Context, c *Conversation) error
	PurgeConversations(ctx context.Context, before time.Time) (int64, error)
}

// Reader is the read-only surface behind the admin API.
type Reader interface {
	GetRun(ctx context.Context, runID string) (*pipeline.Run, error)
	ListRunsByUser(ctx context.Context, userID string, limit int) ([]*pipeline.Run, error)
	ListFacts(ctx context.Context, userID string) ([]preference.Fact, error)
}

// Store is everything a full deployment needs from one backend.
type Store interface {
	pipeline.Journal
	preference.Store
	ContextStore
	Reader
	Close() error
}
