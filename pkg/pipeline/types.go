// Package pipeline durably executes a fixed ordered sequence of steps
// for each admitted message, with retry, backoff, per-step fallback
// policy, and crash-safe progress tracking.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepRetrying  StepStatus = "retrying"
	StepFailed    StepStatus = "failed"
)

// RunStatus is the lifecycle of a whole run. Degraded is a successful
// terminal variant of Completed that carries a caveat.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunDegraded  RunStatus = "degraded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunDegraded || s == RunFailed
}

// Context is the accumulated output of succeeded steps. It is
// journaled as JSON after every transition, so values must be
// JSON-serializable. Use Decode to read a typed value back out; after
// crash recovery entries are generic JSON shapes, not the original
// structs.
type Context map[string]any

// Fold merges other into c, overwriting on key collision.
func (c Context) Fold(other Context) {
	for k, v := range other {
		c[k] = v
	}
}

// Decode reads c[key] into a value of type T via a JSON round-trip.
// The round-trip makes reads behave identically before and after
// recovery from the journal.
func Decode[T any](c Context, key string) (T, bool) {
	var zero T
	raw, ok := c[key]
	if !ok || raw == nil {
		return zero, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

// StepRecord is the retry/attempt bookkeeping for one step.
type StepRecord struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`
}

// Run is one durable execution instance for a single admitted message.
// It is mutated only by the orchestrator; steps communicate through
// returned outcomes.
type Run struct {
	ID          string       `json:"run_id"`
	UserID      string       `json:"user_id"` // hashed
	GroupID     string       `json:"group_id"`
	Status      RunStatus    `json:"status"`
	Steps       []StepRecord `json:"steps"`
	Data        Context      `json:"data"`
	Response    string       `json:"response,omitempty"`
	Degraded    bool         `json:"degraded,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
}

// NewRun creates a pending run for the given step names with the seed
// context (typically the inbound message under "message").
func NewRun(hashedUser, groupID string, stepNames []string, seed Context) *Run {
	records := make([]StepRecord, len(stepNames))
	for i, name := range stepNames {
		records[i] = StepRecord{Name: name, Status: StepPending}
	}
	data := Context{}
	data.Fold(seed)
	return &Run{
		ID:        uuid.New().String(),
		UserID:    hashedUser,
		GroupID:   groupID,
		Status:    RunPending,
		Steps:     records,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// OutcomeStatus is the typed result of one step attempt. Transient
// failures are the only path into retry/backoff; everything else is
// decided immediately.
type OutcomeStatus int

const (
	OutcomeSuccess OutcomeStatus = iota
	OutcomeTransient
	OutcomeFatal
)

type Outcome struct {
	Status OutcomeStatus
	Output Context
	Err    error
	// Halt completes the run early with no further steps and no
	// response (e.g. the message was not addressed to the bot).
	Halt bool
}

func Success(out Context) Outcome {
	return Outcome{Status: OutcomeSuccess, Output: out}
}

func SuccessHalt(out Context) Outcome {
	return Outcome{Status: OutcomeSuccess, Output: out, Halt: true}
}

func Transient(err error) Outcome {
	return Outcome{Status: OutcomeTransient, Err: err}
}

func Fatal(err error) Outcome {
	return Outcome{Status: OutcomeFatal, Err: err}
}

// Step is one executor in the fixed ordered sequence. Implementations
// must be safely re-invocable: after a crash the first non-succeeded
// step runs again.
type Step interface {
	Name() string
	Execute(ctx context.Context, run *Run, data Context) Outcome
}

// Policy is the per-step fallback and timeout policy.
type Policy struct {
	// Optional steps degrade to Fallback when retries are exhausted;
	// required steps fail the run.
	Optional bool
	// Fallback is folded into the run context when the step degrades.
	Fallback Context
	// AttemptTimeout bounds a single attempt. Zero means no bound.
	AttemptTimeout time.Duration
	// StepDeadline bounds the step across all attempts and backoffs.
	// Exceeding it is non-retryable regardless of remaining budget.
	StepDeadline time.Duration
}

// StepSpec pairs an executor with its policy in the ordered sequence.
type StepSpec struct {
	Step   Step
	Policy Policy
}

// Event is one append-only journal entry per step transition.
type Event struct {
	RunID   string     `json:"run_id"`
	Step    string     `json:"step"`
	Status  StepStatus `json:"status"`
	Attempt int        `json:"attempt"`
	Detail  string     `json:"detail,omitempty"`
	At      time.Time  `json:"at"`
}

// Journal persists run progress. SaveRun must be durable before it
// returns: recovery trusts the last saved snapshot.
type Journal interface {
	SaveRun(ctx context.Context, run *Run) error
	AppendEvent(ctx context.Context, ev Event) error
	// OpenRuns returns runs that are not in a terminal status, oldest
	// first, for crash recovery.
	OpenRuns(ctx context.Context) ([]*Run, error)
}
