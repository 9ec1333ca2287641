package steps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/config"
	"github.com/tinyland-inc/drumline/pkg/logger"
	"github.com/tinyland-inc/drumline/pkg/pipeline"
)

// songQueryRe pulls a song title out of a catalog-style question, e.g.
// "千本桜的bpm是多少" or "what's the bpm of Saitama 2000".
var songQueryRe = regexp.MustCompile(`(?i)(?:(.{1,40}?)(?:的|这首歌|那首歌)\s*(?:bpm|难度|星级|谱面))|(?:bpm|difficulty|stars?)\s+(?:of|for)\s+(.{1,40})`)

// Parse normalizes the inbound message: name-gate for group messages,
// blocklist filtering, mention stripping, language detection, and song
// query extraction.
type Parse struct {
	aliases   []string
	blocklist []string
}

func NewParse(bot config.BotConfig, filter config.FilterConfig) *Parse {
	aliases := make([]string, 0, len(bot.Aliases)+1)
	if bot.Name != "" {
		aliases = append(aliases, strings.ToLower(bot.Name))
	}
	for _, a := range bot.Aliases {
		aliases = append(aliases, strings.ToLower(a))
	}
	blocklist := make([]string, 0, len(filter.Blocklist))
	for _, b := range filter.Blocklist {
		blocklist = append(blocklist, strings.ToLower(b))
	}
	return &Parse{aliases: aliases, blocklist: blocklist}
}

func (p *Parse) Name() string { return "parse" }

func (p *Parse) Execute(_ context.Context, run *pipeline.Run, data pipeline.Context) pipeline.Outcome {
	msg, ok := pipeline.Decode[bus.InboundMessage](data, KeyMessage)
	if !ok {
		return pipeline.Fatal(errors.New("run has no inbound message"))
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return pipeline.Fatal(fmt.Errorf("empty message from user %s", run.UserID))
	}

	lowered := strings.ToLower(text)
	for _, blocked := range p.blocklist {
		if strings.Contains(lowered, blocked) {
			logger.InfoCF("steps", "Message halted by content filter", map[string]any{
				"run": run.ID,
			})
			return pipeline.SuccessHalt(nil)
		}
	}

	// Group messages must address the bot by name; direct messages
	// always do.
	addressed := msg.GroupID == ""
	if !addressed {
		for _, alias := range p.aliases {
			if strings.Contains(lowered, alias) {
				addressed = true
				break
			}
		}
	}
	if !addressed {
		return pipeline.SuccessHalt(nil)
	}

	parsed := Parsed{
		Text:      stripMention(text, p.aliases),
		Language:  detectLanguage(text),
		Addressed: true,
	}
	if parsed.Text == "" {
		parsed.Text = text
	}
	parsed.SongQuery = extractSongQuery(parsed.Text)

	return pipeline.Success(pipeline.Context{KeyParsed: parsed})
}

func stripMention(text string, aliases []string) string {
	out := text
	for _, alias := range aliases {
		for {
			idx := strings.Index(strings.ToLower(out), alias)
			if idx < 0 {
				break
			}
			out = out[:idx] + out[idx+len(alias):]
		}
	}
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(out), ",，:： "))
}

// detectLanguage is a coarse zh/en split: any Han rune means Chinese.
func detectLanguage(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			return "zh"
		}
	}
	return "en"
}

func extractSongQuery(text string) string {
	m := songQueryRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g = strings.TrimSpace(g); g != "" {
			return g
		}
	}
	return ""
}
