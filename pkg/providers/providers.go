// Package providers wraps the LLM backends behind one generation
// interface. Each backend lives in its own subpackage; this package
// holds the shared contract, the factory, and error classification.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go/v2"

	"github.com/tinyland-inc/drumline/pkg/config"
	"github.com/tinyland-inc/drumline/pkg/providers/anthropic"
	"github.com/tinyland-inc/drumline/pkg/providers/openai"
)

// Request is one single-turn generation call.
type Request struct {
	System    string
	Prompt    string
	Model     string
	MaxTokens int
}

// Generator produces a reply for a request. Implementations return the
// backend's error unwrapped so IsTransient can classify it.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	DefaultModel() string
}

// backend is the positional contract the subpackages implement; they
// cannot import this package's Request type.
type backend interface {
	Generate(ctx context.Context, system, prompt, model string, maxTokens int) (string, error)
	DefaultModel() string
}

type generator struct {
	backend backend
}

func (g generator) Generate(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = g.backend.DefaultModel()
	}
	return g.backend.Generate(ctx, req.System, req.Prompt, model, req.MaxTokens)
}

func (g generator) DefaultModel() string {
	return g.backend.DefaultModel()
}

// New builds the generator named by cfg.Primary.
func New(cfg config.ProvidersConfig) (Generator, error) {
	switch cfg.Primary {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, errors.New("anthropic provider selected but no API key configured")
		}
		return generator{anthropic.NewProvider(cfg.Anthropic.APIKey, cfg.Anthropic.APIBase)}, nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("openai provider selected but no API key configured")
		}
		return generator{openai.NewProvider(cfg.OpenAI.APIKey, cfg.OpenAI.APIBase)}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Primary)
	}
}

// IsTransient reports whether a generation error is worth retrying.
// API errors are classified by status: a definitive client rejection
// (bad key, malformed request) will not succeed on retry, while 408,
// 429, and server errors may. Anything that never produced an API
// status (timeouts, connection resets, unclassified failures) is
// retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var aerr *anthropicsdk.Error
	if errors.As(err, &aerr) {
		return transientStatus(aerr.StatusCode)
	}
	var oerr *openaisdk.Error
	if errors.As(err, &oerr) {
		return transientStatus(oerr.StatusCode)
	}
	return true
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
