package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
	"github.com/tinyland-inc/drumline/pkg/store"
)

var (
	yesRe = regexp.MustCompile(`(?i)^\s*(?:yes|yep|yeah|sure|correct|right|是的?|对的?|没错|嗯)\b|没错|是的`)
	noRe  = regexp.MustCompile(`(?i)^\s*(?:no|nope|nah|wrong|不是的?|不对|没有)\b|不是|不对`)
)

// Commit finalizes the run's durable side effects: confirmation signals
// are applied to pending facts, the impression counter is advanced, and
// the exchange is archived. Preference write failures are fatal; plain
// store write failures are transient.
type Commit struct {
	store   store.ContextStore
	machine *preference.Machine
	now     func() time.Time
}

func NewCommit(s store.ContextStore, machine *preference.Machine) *Commit {
	return &Commit{store: s, machine: machine, now: time.Now}
}

func (c *Commit) Name() string { return "commit" }

func (c *Commit) Execute(ctx context.Context, run *pipeline.Run, data pipeline.Context) pipeline.Outcome {
	parsed, ok := pipeline.Decode[Parsed](data, KeyParsed)
	if !ok {
		return pipeline.Fatal(fmt.Errorf("run %s has no parsed message", run.ID))
	}
	profile, ok := pipeline.Decode[Profile](data, KeyProfile)
	if !ok {
		return pipeline.Fatal(fmt.Errorf("run %s has no profile", run.ID))
	}
	response, _ := pipeline.Decode[string](data, KeyResponse)
	justProposed, _ := pipeline.Decode[string](data, KeyPending)

	// Apply the user's message as a confirmation signal to pending
	// facts from earlier exchanges. The fact proposed in this very run
	// is skipped: its answer arrives in the next message.
	pending, err := c.machine.RecallPending(ctx, run.UserID, "")
	if err != nil {
		return pipeline.Fatal(fmt.Errorf("listing pending facts: %w", err))
	}
	for _, f := range pending {
		if f.Key == justProposed {
			continue
		}
		sig := classifySignal(parsed.Text, f)
		if sig == preference.SignalUnrelated {
			continue
		}
		if _, err := c.machine.Resolve(ctx, run.UserID, f.Key, sig); err != nil {
			return pipeline.Fatal(fmt.Errorf("resolving fact %s: %w", f.Key, err))
		}
	}

	im := profile.Impression
	im.Touch(c.now().UTC())
	if err := c.store.PutImpression(ctx, &im); err != nil {
		return pipeline.Transient(fmt.Errorf("saving impression: %w", err))
	}

	msg, _ := pipeline.Decode[bus.InboundMessage](data, KeyMessage)
	conv := &store.Conversation{
		UserID:    run.UserID,
		GroupID:   run.GroupID,
		Message:   msg.Content,
		Response:  response,
		Degraded:  run.Degraded,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.SaveConversation(ctx, conv); err != nil {
		return pipeline.Transient(fmt.Errorf("archiving conversation: %w", err))
	}

	return pipeline.Success(pipeline.Context{"interaction_count": im.InteractionCount})
}

// classifySignal maps the user's follow-up text onto a confirmation
// signal for one pending fact. An explicit yes/no wins; otherwise a
// message that keeps talking about the fact's subject counts as
// implicit confirmation.
func classifySignal(text string, fact preference.Fact) preference.Signal {
	switch {
	case yesRe.MatchString(text):
		return preference.SignalExplicitYes
	case noRe.MatchString(text):
		return preference.SignalExplicitNo
	}
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, strings.ToLower(fact.Value)) ||
		strings.Contains(lowered, strings.ToLower(fact.Key)) {
		return preference.SignalImplicitContinuation
	}
	return preference.SignalUnrelated
}
