// Package steps holds the fixed ordered set of step executors the
// orchestrator runs for each admitted message: parse, context fetch,
// knowledge lookup, response generation, memory commit.
package steps

import (
	"time"

	"github.com/tinyland-inc/drumline/pkg/config"
	"github.com/tinyland-inc/drumline/pkg/knowledge"
	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
	"github.com/tinyland-inc/drumline/pkg/providers"
	"github.com/tinyland-inc/drumline/pkg/store"
)

// Context keys shared across executors.
const (
	KeyMessage  = "message"
	KeyParsed   = "parsed"
	KeyProfile  = "profile"
	KeySong     = "song"
	KeyResponse = "response"
	KeyPending  = "pending_fact"
)

// Parsed is the normalized form of the inbound message, produced by the
// parse step and consumed by everything after it.
type Parsed struct {
	Text      string `json:"text"`
	Language  string `json:"language"`
	Addressed bool   `json:"addressed"`
	SongQuery string `json:"song_query,omitempty"`
}

// Profile is the long-lived user context fetched before generation.
type Profile struct {
	User        store.User           `json:"user"`
	Impression  store.Impression     `json:"impression"`
	History     []store.Conversation `json:"history,omitempty"`
	FirstTime   bool                 `json:"first_time"`
	HadNoRecord bool                 `json:"had_no_record"`
}

// Deps bundles the collaborators the executors need.
type Deps struct {
	Config    *config.Config
	Store     store.Store
	Machine   *preference.Machine
	Knowledge knowledge.Lookup
	Generator providers.Generator
}

// Build returns the ordered step sequence with per-step policy. The
// order is fixed; there is no runtime registration.
func Build(d Deps) []pipeline.StepSpec {
	cfg := d.Config
	attemptTimeout := time.Duration(cfg.Pipeline.StepTimeoutSeconds) * time.Second
	stepDeadline := time.Duration(cfg.Pipeline.StepDeadlineSeconds) * time.Second

	return []pipeline.StepSpec{
		{
			Step: NewParse(cfg.Bot, cfg.Filter),
			// Malformed input invalidates the run; no fallback.
			Policy: pipeline.Policy{AttemptTimeout: attemptTimeout, StepDeadline: stepDeadline},
		},
		{
			Step:   NewContextFetch(d.Store),
			Policy: pipeline.Policy{AttemptTimeout: attemptTimeout, StepDeadline: stepDeadline},
		},
		{
			Step: NewKnowledgeLookup(d.Knowledge),
			Policy: pipeline.Policy{
				Optional:       true,
				Fallback:       pipeline.Context{KeySong: nil, "knowledge_stale": true},
				AttemptTimeout: attemptTimeout,
				StepDeadline:   stepDeadline,
			},
		},
		{
			Step: NewGenerate(d.Generator, d.Machine, cfg),
			Policy: pipeline.Policy{
				Optional:       true,
				Fallback:       pipeline.Context{KeyResponse: cfg.Bot.FallbackResponse},
				AttemptTimeout: attemptTimeout,
				StepDeadline:   stepDeadline,
			},
		},
		{
			Step:   NewCommit(d.Store, d.Machine),
			Policy: pipeline.Policy{AttemptTimeout: attemptTimeout, StepDeadline: stepDeadline},
		},
	}
}

// Names returns the step names in execution order, for run creation.
func Names(specs []pipeline.StepSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Step.Name()
	}
	return out
}
