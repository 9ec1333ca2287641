package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go/v2"

	"github.com/tinyland-inc/drumline/pkg/config"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"anthropic 400", &anthropicsdk.Error{StatusCode: 400}, false},
		{"anthropic 401", &anthropicsdk.Error{StatusCode: 401}, false},
		{"anthropic 408", &anthropicsdk.Error{StatusCode: 408}, true},
		{"anthropic 429", &anthropicsdk.Error{StatusCode: 429}, true},
		{"anthropic 529", &anthropicsdk.Error{StatusCode: 529}, true},
		{"openai 404", &openaisdk.Error{StatusCode: 404}, false},
		{"openai 500", &openaisdk.Error{StatusCode: 500}, true},
		{"wrapped 503", fmt.Errorf("completion: %w", &openaisdk.Error{StatusCode: 503}), true},
		{"wrapped 401", fmt.Errorf("completion: %w", &anthropicsdk.Error{StatusCode: 401}), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsTransient(c.err); got != c.want {
				t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(config.ProvidersConfig{Primary: "anthropic"})
	if err == nil {
		t.Error("anthropic without key should fail")
	}
	_, err = New(config.ProvidersConfig{Primary: "openai"})
	if err == nil {
		t.Error("openai without key should fail")
	}
	_, err = New(config.ProvidersConfig{Primary: "llama"})
	if err == nil {
		t.Error("unknown provider should fail")
	}
}
