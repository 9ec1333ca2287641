package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/store"
)

const historyLimit = 10

// ContextFetch loads the user record, impression, and recent
// conversation history. Store failures are transient: the store may be
// briefly unavailable and the data is required downstream.
type ContextFetch struct {
	store store.ContextStore
	now   func() time.Time
}

func NewContextFetch(s store.ContextStore) *ContextFetch {
	return &ContextFetch{store: s, now: time.Now}
}

func (c *ContextFetch) Name() string { return "context_fetch" }

func (c *ContextFetch) Execute(ctx context.Context, run *pipeline.Run, data pipeline.Context) pipeline.Outcome {
	parsed, ok := pipeline.Decode[Parsed](data, KeyParsed)
	if !ok {
		return pipeline.Fatal(fmt.Errorf("run %s has no parsed message", run.ID))
	}

	now := c.now().UTC()

	user, err := c.store.GetUser(ctx, run.UserID)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("loading user: %w", err))
	}
	hadNoRecord := user == nil
	if user == nil {
		user = &store.User{UserID: run.UserID, FirstSeen: now}
	}
	user.LastSeen = now
	if user.Language == "" {
		user.Language = parsed.Language
	}
	// Safe on re-invocation: the write is a pure upsert.
	if err := c.store.PutUser(ctx, user); err != nil {
		return pipeline.Transient(fmt.Errorf("saving user: %w", err))
	}

	im, err := c.store.GetImpression(ctx, run.UserID)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("loading impression: %w", err))
	}
	if im == nil {
		im = &store.Impression{UserID: run.UserID, Relationship: store.RelationshipNew}
	}

	history, err := c.store.RecentConversations(ctx, run.UserID, historyLimit)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("loading history: %w", err))
	}

	profile := Profile{
		User:        *user,
		Impression:  *im,
		History:     history,
		FirstTime:   im.InteractionCount == 0,
		HadNoRecord: hadNoRecord,
	}
	return pipeline.Success(pipeline.Context{KeyProfile: profile})
}
