// Package core wires admission, the pipeline pool, and response
// delivery into one engine driven by the message bus.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/config"
	"github.com/tinyland-inc/drumline/pkg/ingress"
	"github.com/tinyland-inc/drumline/pkg/logger"
	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/steps"
)

// Engine turns admitted inbound messages into durable pipeline runs and
// publishes finished responses back onto the bus.
type Engine struct {
	cfg     *config.Config
	bus     *bus.MessageBus
	gate    *ingress.Gate
	pool    *pipeline.Pool
	journal pipeline.Journal
	names   []string
}

func NewEngine(
	cfg *config.Config,
	mb *bus.MessageBus,
	gate *ingress.Gate,
	journal pipeline.Journal,
	specs []pipeline.StepSpec,
) *Engine {
	orc := pipeline.NewOrchestrator(specs, journal, cfg.Backoff(), cfg.Pipeline.MaxAttempts)
	pool := pipeline.NewPool(orc, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
	e := &Engine{
		cfg:     cfg,
		bus:     mb,
		gate:    gate,
		pool:    pool,
		journal: journal,
		names:   steps.Names(specs),
	}
	pool.SetFinishedHandler(e.deliver)
	return e
}

// AdmitAndRun evaluates admission for one message and, on admit,
// journals a new run and enqueues it. Rejected messages produce no run
// and no output.
func (e *Engine) AdmitAndRun(ctx context.Context, msg bus.InboundMessage) (*pipeline.Run, ingress.Decision, error) {
	decision, hashedUser := e.gate.Admit(msg)
	if decision != ingress.DecisionAdmit {
		return nil, decision, nil
	}

	run := pipeline.NewRun(hashedUser, msg.GroupID, e.names, pipeline.Context{
		steps.KeyMessage: msg,
	})
	// The run must be durable before it is queued: a crash between
	// these two lines loses nothing, recovery picks the run back up.
	if err := e.journal.SaveRun(ctx, run); err != nil {
		return nil, decision, fmt.Errorf("journaling new run: %w", err)
	}
	if err := e.pool.Enqueue(ctx, run); err != nil {
		return nil, decision, err
	}
	return run, decision, nil
}

// Start recovers interrupted runs, then pumps the bus until ctx is
// canceled. It blocks; run it in its own goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	go e.pool.Start(ctx)

	for {
		msg, ok := e.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		if _, _, err := e.AdmitAndRun(ctx, msg); err != nil {
			logger.ErrorCF("core", "Failed to start run", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// Wait blocks until all in-flight runs have returned.
func (e *Engine) Wait() { e.pool.Wait() }

// ActiveRuns reports current worker occupancy.
func (e *Engine) ActiveRuns() int { return e.pool.ActiveRuns() }

// recover re-enqueues every non-terminal run from the journal, oldest
// first so per-user start order survives the restart.
func (e *Engine) recover(ctx context.Context) error {
	runs, err := e.journal.OpenRuns(ctx)
	if err != nil {
		return fmt.Errorf("loading open runs: %w", err)
	}
	for _, run := range runs {
		if err := e.pool.Enqueue(ctx, run); err != nil {
			return err
		}
	}
	if len(runs) > 0 {
		logger.InfoCF("core", "Recovered interrupted runs", map[string]any{
			"count": len(runs),
		})
	}
	return nil
}

// deliver maps a finished run onto the one user-visible outcome.
// Failed runs get the fixed fallback message; internal error detail
// never leaves the journal. Halted runs and runs with no response text
// stay silent.
func (e *Engine) deliver(run *pipeline.Run) {
	var content string
	switch run.Status {
	case pipeline.RunFailed:
		content = e.cfg.Bot.FallbackResponse
	case pipeline.RunCompleted:
		content = run.Response
	case pipeline.RunDegraded:
		content = run.Response
		if content != "" && e.cfg.Bot.DegradedCaveat != "" {
			content += e.cfg.Bot.DegradedCaveat
		}
		if content == "" {
			content = e.cfg.Bot.FallbackResponse
		}
	default:
		// Shutdown interrupted the run; recovery finishes it later.
		return
	}
	if content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.bus.PublishOutbound(ctx, bus.OutboundMessage{
		UserID:   run.UserID,
		GroupID:  run.GroupID,
		Content:  content,
		Degraded: run.Status == pipeline.RunDegraded,
	})
	if err != nil {
		logger.WarnCF("core", "Failed to publish response", map[string]any{
			"run_id": run.ID,
			"error":  err.Error(),
		})
	}
}
