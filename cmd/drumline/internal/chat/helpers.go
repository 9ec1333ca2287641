package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/drumline/cmd/drumline/internal"
	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/core"
	"github.com/tinyland-inc/drumline/pkg/dedup"
	"github.com/tinyland-inc/drumline/pkg/ingress"
	"github.com/tinyland-inc/drumline/pkg/knowledge"
	"github.com/tinyland-inc/drumline/pkg/logger"
	"github.com/tinyland-inc/drumline/pkg/preference"
	"github.com/tinyland-inc/drumline/pkg/providers"
	"github.com/tinyland-inc/drumline/pkg/ratelimit"
	"github.com/tinyland-inc/drumline/pkg/steps"
	"github.com/tinyland-inc/drumline/pkg/store"
)

// chatCmd runs the full admission-and-pipeline stack against an
// in-memory store, with this terminal as the only chat client.
func chatCmd(debug bool, user, group string) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	generator, err := providers.New(cfg.Providers)
	if err != nil {
		return fmt.Errorf("error creating provider: %w", err)
	}

	st := store.NewMemory()
	userLimiter := ratelimit.NewLimiter(cfg.Limits.UserPerWindow, cfg.RateWindow())
	groupLimiter := ratelimit.NewLimiter(cfg.Limits.GroupPerWindow, cfg.RateWindow())
	cache := dedup.NewCache(cfg.Dedup.Enabled, cfg.Dedup.SimilarityThreshold, cfg.DedupWindow(), cfg.Dedup.MaxTrackedUsers)
	gate := ingress.NewGate(userLimiter, groupLimiter, cache)

	catalog := knowledge.NewService(knowledge.Config{
		CatalogURL:   cfg.Knowledge.CatalogURL,
		FallbackPath: cfg.KnowledgeFallbackPath(),
		RefreshEvery: time.Duration(cfg.Knowledge.RefreshMinutes) * time.Minute,
		FetchTimeout: time.Duration(cfg.Knowledge.FetchTimeoutSeconds) * time.Second,
	})

	msgBus := bus.NewMessageBus(cfg.Pipeline.QueueSize)
	specs := steps.Build(steps.Deps{
		Config:    cfg,
		Store:     st,
		Machine:   preference.NewMachine(st),
		Knowledge: catalog,
		Generator: generator,
	})
	engine := core.NewEngine(cfg, msgBus, gate, st, specs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go catalog.Start(ctx)
	go func() {
		if err := engine.Start(ctx); err != nil {
			logger.ErrorCF("core", "Engine stopped", map[string]any{"error": err.Error()})
		}
	}()
	go printOutbound(ctx, msgBus)

	fmt.Printf("%s Chatting as %q (Ctrl+C to exit)\n\n", internal.Logo, user)
	repl(ctx, msgBus, user, group)

	msgBus.Close()
	cancel()
	engine.Wait()
	return nil
}

func printOutbound(ctx context.Context, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		fmt.Printf("\n%s %s\n", internal.Logo, msg.Content)
	}
}

func repl(ctx context.Context, msgBus *bus.MessageBus, user, group string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".drumline_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		err = msgBus.PublishInbound(ctx, bus.InboundMessage{
			UserID:     user,
			GroupID:    group,
			Content:    input,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			fmt.Printf("Error sending message: %v\n", err)
			return
		}
	}
}
