package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyland-inc/drumline/pkg/logger"
)

// ErrStepDeadline marks a step that exceeded its overall wall-clock
// deadline; it is never retried.
var ErrStepDeadline = errors.New("step deadline exceeded")

// SleepFunc suspends between retry attempts. Injected so tests can
// record the backoff schedule instead of waiting it out.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Orchestrator struct {
	steps       []StepSpec
	journal     Journal
	backoff     []time.Duration
	maxAttempts int
	sleep       SleepFunc
	now         func() time.Time
}

func NewOrchestrator(steps []StepSpec, journal Journal, backoff []time.Duration, maxAttempts int) *Orchestrator {
	return &Orchestrator{
		steps:       steps,
		journal:     journal,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		sleep:       defaultSleep,
		now:         time.Now,
	}
}

// SetSleep replaces the backoff sleeper. Test hook.
func (o *Orchestrator) SetSleep(fn SleepFunc) { o.sleep = fn }

// StepNames returns the declared step order, for building runs.
func (o *Orchestrator) StepNames() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Step.Name()
	}
	return names
}

// Execute drives run to a terminal status. Steps run strictly in
// order; a step only starts once its predecessor succeeded. Progress
// is journaled after every transition so a crash resumes at the first
// non-succeeded step instead of re-executing completed work.
//
// The returned error reports journal trouble only; run.Status carries
// the business outcome.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) error {
	if run.Status.Terminal() {
		return nil
	}
	run.Status = RunRunning
	if err := o.journal.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("journaling run start: %w", err)
	}

	for i := range run.Steps {
		rec := &run.Steps[i]
		if rec.Status == StepSucceeded {
			continue // resumed run: already done
		}
		spec := o.steps[i]

		halt, err := o.executeStep(ctx, run, rec, spec)
		if err != nil {
			return err
		}
		if run.Status == RunFailed {
			return o.finish(ctx, run)
		}
		if halt {
			break
		}
	}

	if run.Status == RunRunning {
		if run.Degraded {
			run.Status = RunDegraded
		} else {
			run.Status = RunCompleted
		}
	}
	return o.finish(ctx, run)
}

// executeStep runs one step through its retry budget. It reports
// whether the run should halt early; run.Status is set to RunFailed on
// fatal outcomes. Returned errors are journal failures.
func (o *Orchestrator) executeStep(ctx context.Context, run *Run, rec *StepRecord, spec StepSpec) (bool, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = o.now().UTC()
	}
	deadline := time.Time{}
	if spec.Policy.StepDeadline > 0 {
		deadline = o.now().Add(spec.Policy.StepDeadline)
	}

	for {
		rec.Status = StepRunning
		rec.Attempts++
		if err := o.transition(ctx, run, rec, ""); err != nil {
			return false, err
		}

		outcome := o.attempt(ctx, run, spec)

		switch outcome.Status {
		case OutcomeSuccess:
			if outcome.Output != nil {
				run.Data.Fold(outcome.Output)
			}
			rec.Status = StepSucceeded
			rec.LastError = ""
			rec.EndedAt = o.now().UTC()
			if err := o.transition(ctx, run, rec, ""); err != nil {
				return false, err
			}
			return outcome.Halt, nil

		case OutcomeFatal:
			// Fatal aborts immediately without consuming further
			// retry budget; fallback policy does not apply.
			rec.Status = StepFailed
			rec.LastError = errText(outcome.Err)
			rec.EndedAt = o.now().UTC()
			run.Status = RunFailed
			logger.WarnCF("pipeline", "Step failed fatally", map[string]any{
				"run_id": run.ID,
				"step":   rec.Name,
				"error":  rec.LastError,
			})
			return false, o.transition(ctx, run, rec, rec.LastError)

		case OutcomeTransient:
			rec.LastError = errText(outcome.Err)

			expired := !deadline.IsZero() && o.now().After(deadline)
			exhausted := rec.Attempts >= o.maxAttempts
			if expired || exhausted {
				if expired {
					rec.LastError = ErrStepDeadline.Error() + ": " + rec.LastError
				}
				return false, o.settleExhausted(ctx, run, rec, spec)
			}

			rec.Status = StepRetrying
			if err := o.transition(ctx, run, rec, rec.LastError); err != nil {
				return false, err
			}
			delay := o.backoffDelay(rec.Attempts)
			logger.DebugCF("pipeline", "Step retrying", map[string]any{
				"run_id":  run.ID,
				"step":    rec.Name,
				"attempt": rec.Attempts,
				"delay":   delay.String(),
			})
			if err := o.sleep(ctx, delay); err != nil {
				// Shutdown during backoff: leave the run non-terminal;
				// recovery resumes this step.
				return false, err
			}
		}
	}
}

// settleExhausted applies the fallback policy once a step is out of
// retry budget (or past its deadline).
func (o *Orchestrator) settleExhausted(ctx context.Context, run *Run, rec *StepRecord, spec StepSpec) error {
	rec.Status = StepFailed
	rec.EndedAt = o.now().UTC()

	if spec.Policy.Optional {
		if spec.Policy.Fallback != nil {
			run.Data.Fold(spec.Policy.Fallback)
		}
		run.Degraded = true
		logger.InfoCF("pipeline", "Step degraded to fallback", map[string]any{
			"run_id": run.ID,
			"step":   rec.Name,
			"error":  rec.LastError,
		})
		return o.transition(ctx, run, rec, rec.LastError)
	}

	run.Status = RunFailed
	logger.WarnCF("pipeline", "Step exhausted retries", map[string]any{
		"run_id":   run.ID,
		"step":     rec.Name,
		"attempts": rec.Attempts,
		"error":    rec.LastError,
	})
	return o.transition(ctx, run, rec, rec.LastError)
}

// attempt invokes the executor under the per-attempt timeout.
func (o *Orchestrator) attempt(ctx context.Context, run *Run, spec StepSpec) Outcome {
	attemptCtx := ctx
	if spec.Policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, spec.Policy.AttemptTimeout)
		defer cancel()
	}
	outcome := spec.Step.Execute(attemptCtx, run, run.Data)
	if outcome.Status != OutcomeSuccess && outcome.Err == nil {
		outcome.Err = errors.New("step reported failure without error")
	}
	// An attempt that ran out its per-attempt clock is transient by
	// definition; the step deadline decides when to stop retrying.
	if outcome.Status == OutcomeFatal && errors.Is(outcome.Err, context.DeadlineExceeded) {
		outcome.Status = OutcomeTransient
	}
	return outcome
}

// backoffDelay returns the delay after the given (1-based) failed
// attempt, clamped to the last schedule entry.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(o.backoff) {
		idx = len(o.backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return o.backoff[idx]
}

func (o *Orchestrator) transition(ctx context.Context, run *Run, rec *StepRecord, detail string) error {
	if err := o.journal.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("journaling %s/%s: %w", run.ID, rec.Name, err)
	}
	ev := Event{
		RunID:   run.ID,
		Step:    rec.Name,
		Status:  rec.Status,
		Attempt: rec.Attempts,
		Detail:  detail,
		At:      o.now().UTC(),
	}
	if err := o.journal.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("appending event %s/%s: %w", run.ID, rec.Name, err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, run *Run) error {
	run.CompletedAt = o.now().UTC()
	if resp, ok := Decode[string](run.Data, "response"); ok {
		run.Response = resp
	}
	if err := o.journal.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("journaling run finish: %w", err)
	}
	logger.InfoCF("pipeline", "Run finished", map[string]any{
		"run_id": run.ID,
		"status": string(run.Status),
	})
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
