package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tinyland-inc/drumline/pkg/config"
	"github.com/tinyland-inc/drumline/pkg/knowledge"
	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
	"github.com/tinyland-inc/drumline/pkg/providers"
)

// likesRe spots a stated preference worth remembering, in either
// language. The captured value becomes a candidate fact.
var likesRe = regexp.MustCompile(`(?:我(?:最|超|很)?喜欢|(?i:i (?:really |kinda )?(?:like|love)))\s*([^，。,.!！?？\n]{1,40})`)

// Generate produces the response text. It proposes candidate facts
// before calling the model so a persistence failure aborts the run
// before any confirmation text could be emitted without its state
// change.
type Generate struct {
	gen     providers.Generator
	machine *preference.Machine
	cfg     *config.Config
}

func NewGenerate(gen providers.Generator, machine *preference.Machine, cfg *config.Config) *Generate {
	return &Generate{gen: gen, machine: machine, cfg: cfg}
}

func (g *Generate) Name() string { return "generate" }

func (g *Generate) Execute(ctx context.Context, run *pipeline.Run, data pipeline.Context) pipeline.Outcome {
	parsed, ok := pipeline.Decode[Parsed](data, KeyParsed)
	if !ok {
		return pipeline.Fatal(fmt.Errorf("run %s has no parsed message", run.ID))
	}
	profile, _ := pipeline.Decode[Profile](data, KeyProfile)
	song, hasSong := pipeline.Decode[knowledge.Song](data, KeySong)

	out := pipeline.Context{}

	// Candidate fact extraction. A write failure here is a
	// PersistenceFailure and must abort the run: state changes and
	// their confirmation text go together or not at all.
	var proposed *preference.Fact
	if value := extractLikedThing(parsed.Text); value != "" {
		fact, err := g.machine.Propose(ctx, run.UserID, "likes", value)
		if err != nil {
			return pipeline.Fatal(fmt.Errorf("proposing fact: %w", err))
		}
		if fact.State == preference.StatePending {
			proposed = fact
			out[KeyPending] = fact.Key
		}
	}

	// Pending facts relevant to this topic get re-confirmed in context
	// instead of the bot re-asking out of the blue.
	pending, err := g.machine.RecallPending(ctx, run.UserID, parsed.Text)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("recalling pending facts: %w", err))
	}
	confirmed, err := g.machine.Confirmed(ctx, run.UserID)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("listing confirmed facts: %w", err))
	}

	system := g.buildSystem(parsed, profile, confirmed, pending, proposed, song, hasSong, data)
	reply, err := g.gen.Generate(ctx, providers.Request{
		System:    system,
		Prompt:    parsed.Text,
		Model:     g.cfg.Providers.Model,
		MaxTokens: g.cfg.Providers.MaxTokens,
	})
	if err != nil {
		// A definitive API rejection will not improve with retries;
		// everything else burns the backoff schedule and then this
		// optional step degrades to the fixed fallback.
		if !providers.IsTransient(err) {
			return pipeline.Fatal(fmt.Errorf("generating response: %w", err))
		}
		return pipeline.Transient(fmt.Errorf("generating response: %w", err))
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return pipeline.Transient(fmt.Errorf("model returned empty response"))
	}

	out[KeyResponse] = reply
	return pipeline.Success(out)
}

func (g *Generate) buildSystem(
	parsed Parsed,
	profile Profile,
	confirmed, pending []preference.Fact,
	proposed *preference.Fact,
	song knowledge.Song,
	hasSong bool,
	data pipeline.Context,
) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a cheerful taiko drum bot. Reply briefly and in character.\n", g.cfg.Bot.Name)
	if parsed.Language == "zh" {
		sb.WriteString("Reply in Chinese.\n")
	} else {
		sb.WriteString("Reply in English.\n")
	}
	fmt.Fprintf(&sb, "Relationship with this user: %s (%d interactions).\n",
		profile.Impression.Relationship, profile.Impression.InteractionCount)

	if len(confirmed) > 0 {
		sb.WriteString("Known facts about the user:\n")
		for _, f := range confirmed {
			fmt.Fprintf(&sb, "- %s: %s\n", f.Key, f.Value)
		}
	}
	if proposed != nil {
		fmt.Fprintf(&sb, "The user just said they like %q. Ask them casually to confirm this so you can remember it.\n", proposed.Value)
	}
	for _, f := range pending {
		if proposed != nil && f.Key == proposed.Key {
			continue
		}
		fmt.Fprintf(&sb, "You previously heard (unconfirmed) that the user's %s is %q; if it comes up naturally, check whether that's right.\n", f.Key, f.Value)
	}

	if hasSong && song.Name != "" {
		fmt.Fprintf(&sb, "Song data: %s, BPM %d, difficulty %d stars.\n", song.Name, song.BPM, song.DifficultyStars)
	} else if missed, ok := pipeline.Decode[string](data, "song_not_found"); ok && missed != "" {
		fmt.Fprintf(&sb, "No catalog entry was found for %q; say so.\n", missed)
	} else if stale, _ := pipeline.Decode[bool](data, "knowledge_stale"); stale {
		sb.WriteString("The song catalog is unavailable; answer without song data.\n")
	}

	if len(profile.History) > 0 {
		sb.WriteString("Recent exchanges, newest first:\n")
		for _, h := range profile.History {
			fmt.Fprintf(&sb, "- user: %s / you: %s\n", truncate(h.Message, 80), truncate(h.Response, 80))
		}
	}
	return sb.String()
}

func extractLikedThing(text string) string {
	m := likesRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
