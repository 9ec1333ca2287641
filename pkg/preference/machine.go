// Package preference governs provisional facts learned about a user.
//
// A fact moves Proposed → Pending → {Confirmed | Rejected}. Pending
// facts are dormant: they never expire and are never proactively
// re-asked; a later run re-confirms them in context. Every transition
// is appended to a history that is never rewritten.
package preference

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/drumline/pkg/logger"
)

type State string

const (
	StateProposed  State = "proposed"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateRejected  State = "rejected"
)

type Signal int

const (
	SignalExplicitYes Signal = iota
	SignalExplicitNo
	SignalImplicitContinuation
	SignalUnrelated
)

func (s Signal) String() string {
	switch s {
	case SignalExplicitYes:
		return "explicit_yes"
	case SignalExplicitNo:
		return "explicit_no"
	case SignalImplicitContinuation:
		return "implicit_continuation"
	case SignalUnrelated:
		return "unrelated"
	default:
		return "unknown"
	}
}

// Fact is one candidate or confirmed piece of learned user information.
type Fact struct {
	UserID     string    `json:"user_id"` // hashed
	Key        string    `json:"fact_key"`
	Value      string    `json:"fact_value"`
	State      State     `json:"state"`
	ProposedAt time.Time `json:"proposed_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Transition is one append-only history entry for auditability.
type Transition struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Key    string    `json:"fact_key"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Value  string    `json:"value"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

var ErrNotFound = errors.New("preference fact not found")

// Store persists facts and their transition history. A failed write
// must surface as an error; partial transitions are not permitted.
type Store interface {
	GetFact(ctx context.Context, userID, key string) (*Fact, error)
	PutFact(ctx context.Context, fact *Fact) error
	ListFactsByState(ctx context.Context, userID string, state State) ([]Fact, error)
	ListFacts(ctx context.Context, userID string) ([]Fact, error)
	AppendTransition(ctx context.Context, tr Transition) error
}

const lockStripes = 64

// Machine serializes all fact writes for one user relative to each
// other. Runs for a user already begin in order, but completions can
// overlap, so the machine carries its own per-user striping.
type Machine struct {
	store Store
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

func NewMachine(store Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

func (m *Machine) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &m.locks[h.Sum32()%lockStripes]
}

// Propose records a candidate fact in Pending. A Pending fact with a
// different value is overwritten (last proposal wins). A Confirmed
// fact is never silently replaced: the new value re-enters Pending and
// must be confirmed again; the prior confirmed value stays in the
// transition history.
//
// The caller is required to surface a confirmation request in the
// outgoing response whenever Propose returns a Pending fact.
func (m *Machine) Propose(ctx context.Context, userID, key, value string) (*Fact, error) {
	mu := m.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := m.now().UTC()
	existing, err := m.store.GetFact(ctx, userID, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading fact %s: %w", key, err)
	}

	from := StateProposed
	if existing != nil {
		if existing.State == StateConfirmed && existing.Value == value {
			// Re-learning a confirmed fact is a no-op.
			return existing, nil
		}
		from = existing.State
	}

	fact := &Fact{
		UserID:     userID,
		Key:        key,
		Value:      value,
		State:      StatePending,
		ProposedAt: now,
	}
	if err := m.store.PutFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("writing fact %s: %w", key, err)
	}
	if err := m.appendTransition(ctx, userID, key, from, StatePending, value, ""); err != nil {
		return nil, err
	}

	logger.DebugCF("preference", "Fact proposed", map[string]any{
		"user": shortKey(userID),
		"key":  key,
	})
	return fact, nil
}

// Resolve applies a confirmation signal to a Pending fact.
// ExplicitYes and ImplicitContinuation confirm; ExplicitNo rejects;
// Unrelated changes nothing. Resolving a fact that is not Pending is a
// no-op: transitions are monotone.
func (m *Machine) Resolve(ctx context.Context, userID, key string, signal Signal) (*Fact, error) {
	mu := m.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	fact, err := m.store.GetFact(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("loading fact %s: %w", key, err)
	}
	if fact.State != StatePending || signal == SignalUnrelated {
		return fact, nil
	}

	var to State
	switch signal {
	case SignalExplicitYes, SignalImplicitContinuation:
		to = StateConfirmed
	case SignalExplicitNo:
		to = StateRejected
	default:
		return fact, nil
	}

	fact.State = to
	fact.ResolvedAt = m.now().UTC()
	if err := m.store.PutFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("writing fact %s: %w", key, err)
	}
	if err := m.appendTransition(ctx, userID, key, StatePending, to, fact.Value, signal.String()); err != nil {
		return nil, err
	}

	logger.InfoCF("preference", "Fact resolved", map[string]any{
		"user":   shortKey(userID),
		"key":    key,
		"state":  string(to),
		"signal": signal.String(),
	})
	return fact, nil
}

// RecallPending returns the user's Pending facts relevant to the
// current topic, so a later step can re-confirm them naturally instead
// of re-asking out of context. With an empty topic all Pending facts
// are returned.
func (m *Machine) RecallPending(ctx context.Context, userID, topic string) ([]Fact, error) {
	facts, err := m.store.ListFactsByState(ctx, userID, StatePending)
	if err != nil {
		return nil, fmt.Errorf("listing pending facts: %w", err)
	}
	if topic == "" {
		return facts, nil
	}
	norm := strings.ToLower(topic)
	var relevant []Fact
	for _, f := range facts {
		if strings.Contains(norm, strings.ToLower(f.Key)) ||
			strings.Contains(norm, strings.ToLower(f.Value)) ||
			strings.Contains(strings.ToLower(f.Key), norm) {
			relevant = append(relevant, f)
		}
	}
	return relevant, nil
}

// Confirmed returns the user's confirmed facts for personalization.
func (m *Machine) Confirmed(ctx context.Context, userID string) ([]Fact, error) {
	return m.store.ListFactsByState(ctx, userID, StateConfirmed)
}

func (m *Machine) appendTransition(ctx context.Context, userID, key string, from, to State, value, signal string) error {
	tr := Transition{
		ID:     uuid.New().String(),
		UserID: userID,
		Key:    key,
		From:   from,
		To:     to,
		Value:  value,
		Signal: signal,
		At:     m.now().UTC(),
	}
	if err := m.store.AppendTransition(ctx, tr); err != nil {
		return fmt.Errorf("appending transition %s→%s for %s: %w", from, to, key, err)
	}
	return nil
}

func shortKey(hashed string) string {
	if len(hashed) > 12 {
		return hashed[:12]
	}
	return hashed
}
