package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_RunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun("user-h", "g1", []string{"parse", "generate"}, pipeline.Context{
		"message": map[string]any{"content": "hi"},
	})
	run.Steps[0].Status = pipeline.StepSucceeded
	run.Steps[0].Attempts = 2
	run.Steps[0].LastError = ""
	run.Status = pipeline.RunRunning

	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != pipeline.RunRunning || got.UserID != "user-h" {
		t.Errorf("run = %+v", got)
	}
	if len(got.Steps) != 2 || got.Steps[0].Status != pipeline.StepSucceeded || got.Steps[0].Attempts != 2 {
		t.Errorf("steps = %+v", got.Steps)
	}
	msg, ok := pipeline.Decode[map[string]any](got.Data, "message")
	if !ok || msg["content"] != "hi" {
		t.Errorf("data = %+v", got.Data)
	}
}

func TestSQLite_SaveRunIsUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun("user-h", "", []string{"a"}, nil)
	s.SaveRun(ctx, run)

	run.Status = pipeline.RunCompleted
	run.Response = "done"
	run.CompletedAt = time.Now().UTC()
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != pipeline.RunCompleted || got.Response != "done" {
		t.Errorf("run = %+v", got)
	}
	if got.CompletedAt.IsZero() {
		t.Error("completed_at lost")
	}
}

func TestSQLite_GetRunNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLite_OpenRunsExcludesTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	open1 := pipeline.NewRun("u", "", []string{"a"}, nil)
	open1.CreatedAt = time.Now().Add(-2 * time.Minute).UTC()
	open2 := pipeline.NewRun("u", "", []string{"a"}, nil)
	open2.Status = pipeline.RunRunning
	done := pipeline.NewRun("u", "", []string{"a"}, nil)
	done.Status = pipeline.RunCompleted
	failed := pipeline.NewRun("u", "", []string{"a"}, nil)
	failed.Status = pipeline.RunFailed

	for _, r := range []*pipeline.Run{open1, open2, done, failed} {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.OpenRuns(ctx)
	if err != nil {
		t.Fatalf("open runs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("open runs = %d, want 2", len(got))
	}
	// Oldest first.
	if got[0].ID != open1.ID {
		t.Error("open runs not ordered oldest first")
	}
}

func TestSQLite_EventsAppend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, status := range []pipeline.StepStatus{pipeline.StepRunning, pipeline.StepRetrying, pipeline.StepSucceeded} {
		err := s.AppendEvent(ctx, pipeline.Event{
			RunID:   "r1",
			Step:    "parse",
			Status:  status,
			Attempt: i + 1,
			At:      time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestSQLite_FactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fact := &preference.Fact{
		UserID:     "u1",
		Key:        "likes",
		Value:      "taiko",
		State:      preference.StatePending,
		ProposedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.PutFact(ctx, fact); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetFact(ctx, "u1", "likes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "taiko" || got.State != preference.StatePending {
		t.Errorf("fact = %+v", got)
	}
	if !got.ResolvedAt.IsZero() {
		t.Error("unresolved fact has resolved_at")
	}

	_, err = s.GetFact(ctx, "u1", "missing")
	if !errors.Is(err, preference.ErrNotFound) {
		t.Errorf("err = %v, want preference.ErrNotFound", err)
	}
}

func TestSQLite_ListFactsByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.PutFact(ctx, &preference.Fact{UserID: "u1", Key: "a", Value: "1", State: preference.StatePending, ProposedAt: now})
	s.PutFact(ctx, &preference.Fact{UserID: "u1", Key: "b", Value: "2", State: preference.StateConfirmed, ProposedAt: now})
	s.PutFact(ctx, &preference.Fact{UserID: "u2", Key: "c", Value: "3", State: preference.StatePending, ProposedAt: now})

	pending, err := s.ListFactsByState(ctx, "u1", preference.StatePending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].Key != "a" {
		t.Errorf("pending = %+v", pending)
	}

	all, _ := s.ListFacts(ctx, "u1")
	if len(all) != 2 {
		t.Errorf("all facts = %d, want 2", len(all))
	}
}

func TestSQLite_TransitionHistoryAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trs := []preference.Transition{
		{ID: "t1", UserID: "u1", Key: "likes", From: preference.StateProposed, To: preference.StatePending, Value: "x", At: time.Now()},
		{ID: "t2", UserID: "u1", Key: "likes", From: preference.StatePending, To: preference.StateConfirmed, Value: "x", Signal: "explicit_yes", At: time.Now()},
	}
	for _, tr := range trs {
		if err := s.AppendTransition(ctx, tr); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Duplicate IDs are rejected, never overwritten.
	if err := s.AppendTransition(ctx, trs[0]); err == nil {
		t.Error("re-appending an existing transition should fail")
	}
}

func TestSQLite_UserUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	u, err := s.GetUser(ctx, "ghost")
	if err != nil || u != nil {
		t.Fatalf("missing user: %v %v", u, err)
	}

	first := now.Add(-time.Hour)
	s.PutUser(ctx, &User{UserID: "u1", Language: "zh", FirstSeen: first, LastSeen: first})
	s.PutUser(ctx, &User{UserID: "u1", Language: "zh", FirstSeen: now, LastSeen: now})

	got, _ := s.GetUser(ctx, "u1")
	if !got.FirstSeen.Equal(first) {
		t.Error("first_seen must not move on update")
	}
	if !got.LastSeen.Equal(now) {
		t.Error("last_seen should follow updates")
	}
}

func TestSQLite_ImpressionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	im := &Impression{UserID: "u1", LastInteraction: time.Now().UTC()}
	im.Touch(time.Now().UTC())
	im.AddLearnedFact("likes taiko")
	if err := s.PutImpression(ctx, im); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetImpression(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.InteractionCount != 1 || got.Relationship != RelationshipNew {
		t.Errorf("impression = %+v", got)
	}
	if len(got.LearnedFacts) != 1 || got.LearnedFacts[0] != "likes taiko" {
		t.Errorf("learned facts = %v", got.LearnedFacts)
	}
}

func TestSQLite_ConversationsRecentAndPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &Conversation{UserID: "u1", Message: "old", Response: "r", CreatedAt: now.Add(-91 * 24 * time.Hour)}
	recent := &Conversation{UserID: "u1", Message: "new", Response: "r", CreatedAt: now}
	s.SaveConversation(ctx, old)
	s.SaveConversation(ctx, recent)

	got, err := s.RecentConversations(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Message != "new" {
		t.Errorf("recent = %+v, want newest first", got)
	}

	removed, err := s.PurgeConversations(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	got, _ = s.RecentConversations(ctx, "u1", 10)
	if len(got) != 1 || got[0].Message != "new" {
		t.Errorf("after purge = %+v", got)
	}
}

func TestImpression_RelationshipTiers(t *testing.T) {
	cases := []struct {
		count int
		want  string
	}{
		{1, RelationshipNew},
		{2, RelationshipNew},
		{3, RelationshipAcquaintance},
		{10, RelationshipAcquaintance},
		{11, RelationshipFriend},
		{50, RelationshipFriend},
		{51, RelationshipRegular},
		{200, RelationshipRegular},
	}
	for _, c := range cases {
		im := &Impression{InteractionCount: c.count - 1}
		im.Touch(time.Now())
		if im.Relationship != c.want {
			t.Errorf("count %d: relationship = %s, want %s", c.count, im.Relationship, c.want)
		}
	}
}
