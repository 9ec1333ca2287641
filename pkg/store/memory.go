package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
)

// Memory is an in-process Store used by tests and the local chat
// console. It mirrors SQLite's semantics, including append-only events
// and transitions.
type Memory struct {
	mu            sync.RWMutex
	runs          map[string]*pipeline.Run
	events        []pipeline.Event
	facts         map[string]map[string]preference.Fact // user → key → fact
	transitions   []preference.Transition
	users         map[string]User
	impressions   map[string]Impression
	conversations []Conversation
	nextConvID    int64

	// FailWrites makes every mutating call return this error; tests
	// use it to exercise persistence-failure paths.
	FailWrites error
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]*pipeline.Run),
		facts:       make(map[string]map[string]preference.Fact),
		users:       make(map[string]User),
		impressions: make(map[string]Impression),
	}
}

func (m *Memory) Close() error { return nil }

func cloneRun(run *pipeline.Run) *pipeline.Run {
	cp := *run
	cp.Steps = append([]pipeline.StepRecord(nil), run.Steps...)
	cp.Data = pipeline.Context{}
	cp.Data.Fold(run.Data)
	return &cp
}

// --- pipeline.Journal ---

func (m *Memory) SaveRun(_ context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, ev pipeline.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) OpenRuns(_ context.Context) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*pipeline.Run
	for _, run := range m.runs {
		if !run.Status.Terminal() {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Events returns a copy of the journaled events, oldest first.
func (m *Memory) Events() []pipeline.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]pipeline.Event(nil), m.events...)
}

// --- Reader ---

func (m *Memory) GetRun(_ context.Context, runID string) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (m *Memory) ListRunsByUser(_ context.Context, userID string, limit int) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*pipeline.Run
	for _, run := range m.runs {
		if run.UserID == userID {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListFacts(_ context.Context, userID string) ([]preference.Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []preference.Fact
	for _, f := range m.facts[userID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.Before(out[j].ProposedAt) })
	return out, nil
}

// --- preference.Store ---

func (m *Memory) GetFact(_ context.Context, userID, key string) (*preference.Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.facts[userID][key]
	if !ok {
		return nil, preference.ErrNotFound
	}
	cp := f
	return &cp, nil
}

func (m *Memory) PutFact(_ context.Context, fact *preference.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if m.facts[fact.UserID] == nil {
		m.facts[fact.UserID] = make(map[string]preference.Fact)
	}
	m.facts[fact.UserID][fact.Key] = *fact
	return nil
}

func (m *Memory) ListFactsByState(_ context.Context, userID string, state preference.State) ([]preference.Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []preference.Fact
	for _, f := range m.facts[userID] {
		if f.State == state {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.Before(out[j].ProposedAt) })
	return out, nil
}

func (m *Memory) AppendTransition(_ context.Context, tr preference.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.transitions = append(m.transitions, tr)
	return nil
}

// Transitions returns a copy of the appended transition history.
func (m *Memory) Transitions() []preference.Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]preference.Transition(nil), m.transitions...)
}

// --- ContextStore ---

func (m *Memory) GetUser(_ context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	cp := u
	return &cp, nil
}

func (m *Memory) PutUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.users[u.UserID] = *u
	return nil
}

func (m *Memory) GetImpression(_ context.Context, userID string) (*Impression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	im, ok := m.impressions[userID]
	if !ok {
		return nil, nil
	}
	cp := im
	cp.LearnedFacts = append([]string(nil), im.LearnedFacts...)
	return &cp, nil
}

func (m *Memory) PutImpression(_ context.Context, im *Impression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	cp := *im
	cp.LearnedFacts = append([]string(nil), im.LearnedFacts...)
	m.impressions[im.UserID] = cp
	return nil
}

func (m *Memory) RecentConversations(_ context.Context, userID string, limit int) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	var out []Conversation
	for i := len(m.conversations) - 1; i >= 0 && len(out) < limit; i-- {
		if m.conversations[i].UserID == userID {
			out = append(out, m.conversations[i])
		}
	}
	return out, nil
}

func (m *Memory) SaveConversation(_ context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.nextConvID++
	c.ID = m.nextConvID
	m.conversations = append(m.conversations, *c)
	return nil
}

func (m *Memory) PurgeConversations(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return 0, m.FailWrites
	}
	kept := m.conversations[:0]
	var removed int64
	for _, c := range m.conversations {
		if c.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.conversations = kept
	return removed, nil
}
