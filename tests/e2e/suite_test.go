package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/config"
	"github.com/tinyland-inc/drumline/pkg/core"
	"github.com/tinyland-inc/drumline/pkg/dedup"
	"github.com/tinyland-inc/drumline/pkg/ingress"
	"github.com/tinyland-inc/drumline/pkg/knowledge"
	"github.com/tinyland-inc/drumline/pkg/preference"
	"github.com/tinyland-inc/drumline/pkg/providers"
	"github.com/tinyland-inc/drumline/pkg/ratelimit"
	"github.com/tinyland-inc/drumline/pkg/steps"
	"github.com/tinyland-inc/drumline/pkg/store"
)

// stubGenerator answers every request with a fixed reply, or a fixed
// error when err is set.
type stubGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []providers.Request
}

func (g *stubGenerator) Generate(_ context.Context, req providers.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *stubGenerator) DefaultModel() string { return "stub-model" }

func (g *stubGenerator) lastRequest() (providers.Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return providers.Request{}, false
	}
	return g.requests[len(g.requests)-1], true
}

// stubCatalog returns the same lookup result for every query.
type stubCatalog struct {
	song   knowledge.Song
	result knowledge.Result
}

func (c *stubCatalog) Query(context.Context, string) (knowledge.Song, knowledge.Result) {
	return c.song, c.result
}

func newMemory() *store.Memory { return store.NewMemory() }

func songEntry(name string, bpm, stars int) knowledge.Song {
	return knowledge.Song{Name: name, BPM: bpm, DifficultyStars: stars}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pipeline.BackoffSeconds = []int{0, 0, 0, 0}
	cfg.Pipeline.StepTimeoutSeconds = 5
	cfg.Pipeline.StepDeadlineSeconds = 10
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.QueueSize = 32
	return cfg
}

type harness struct {
	t      *testing.T
	cfg    *config.Config
	store  store.Store
	bus    *bus.MessageBus
	engine *core.Engine
}

// startHarness wires the full processing stack over the given store and
// an in-process bus, exactly as the gateway command does, and runs the
// engine until test cleanup.
func startHarness(t *testing.T, cfg *config.Config, mem store.Store, gen providers.Generator, catalog knowledge.Lookup) *harness {
	t.Helper()
	mb := bus.NewMessageBus(cfg.Pipeline.QueueSize)

	users := ratelimit.NewLimiter(cfg.Limits.UserPerWindow, cfg.RateWindow())
	groups := ratelimit.NewLimiter(cfg.Limits.GroupPerWindow, cfg.RateWindow())
	cache := dedup.NewCache(cfg.Dedup.Enabled, cfg.Dedup.SimilarityThreshold, cfg.DedupWindow(), cfg.Dedup.MaxTrackedUsers)
	gate := ingress.NewGate(users, groups, cache)

	specs := steps.Build(steps.Deps{
		Config:    cfg,
		Store:     mem,
		Machine:   preference.NewMachine(mem),
		Knowledge: catalog,
		Generator: gen,
	})
	engine := core.NewEngine(cfg, mb, gate, mem, specs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = engine.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		engine.Wait()
		mb.Close()
	})
	return &harness{t: t, cfg: cfg, store: mem, bus: mb, engine: engine}
}

func (h *harness) send(user, group, content string) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.bus.PublishInbound(ctx, bus.InboundMessage{
		UserID:     user,
		GroupID:    group,
		Content:    content,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		h.t.Fatalf("publish inbound: %v", err)
	}
}

func (h *harness) recv() bus.OutboundMessage {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, ok := h.bus.SubscribeOutbound(ctx)
	if !ok {
		h.t.Fatal("no response arrived on the bus")
	}
	return msg
}

func (h *harness) expectSilence(d time.Duration) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if msg, ok := h.bus.SubscribeOutbound(ctx); ok {
		h.t.Fatalf("unexpected response: %+v", msg)
	}
}
