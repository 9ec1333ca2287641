package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Bot       BotConfig       `json:"bot"`
	Limits    LimitsConfig    `json:"limits"`
	Dedup     DedupConfig     `json:"dedup"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Store     StoreConfig     `json:"store"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Providers ProvidersConfig `json:"providers"`
	Admin     AdminConfig     `json:"admin"`
	Retention RetentionConfig `json:"retention"`
	Filter    FilterConfig    `json:"filter"`
}

// BotConfig controls which messages the bot answers at all.
type BotConfig struct {
	Name string `env:"DRUMLINE_BOT_NAME" json:"name"`
	// Aliases are alternate spellings matched case-insensitively,
	// e.g. ["mika", "米卡", "mika酱"].
	Aliases []string `env:"DRUMLINE_BOT_ALIASES" json:"aliases"`
	// FallbackResponse is the one fixed user-visible message for failed runs.
	FallbackResponse string `env:"DRUMLINE_BOT_FALLBACK_RESPONSE" json:"fallback_response"`
	// DegradedCaveat is appended to responses produced with stale/default data.
	DegradedCaveat string `env:"DRUMLINE_BOT_DEGRADED_CAVEAT" json:"degraded_caveat"`
}

type LimitsConfig struct {
	UserPerWindow  int `env:"DRUMLINE_LIMITS_USER_PER_WINDOW"  json:"user_per_window"`
	GroupPerWindow int `env:"DRUMLINE_LIMITS_GROUP_PER_WINDOW" json:"group_per_window"`
	WindowSeconds  int `env:"DRUMLINE_LIMITS_WINDOW_SECONDS"   json:"window_seconds"`
}

type DedupConfig struct {
	Enabled             bool    `env:"DRUMLINE_DEDUP_ENABLED"              json:"enabled"`
	SimilarityThreshold float64 `env:"DRUMLINE_DEDUP_SIMILARITY_THRESHOLD" json:"similarity_threshold"`
	WindowSeconds       int     `env:"DRUMLINE_DEDUP_WINDOW_SECONDS"       json:"window_seconds"`
	MaxTrackedUsers     int     `env:"DRUMLINE_DEDUP_MAX_TRACKED_USERS"    json:"max_tracked_users"`
}

type PipelineConfig struct {
	MaxAttempts int `env:"DRUMLINE_PIPELINE_MAX_ATTEMPTS" json:"max_attempts"`
	// BackoffSeconds is the delay schedule between attempts of one step.
	BackoffSeconds []int `env:"DRUMLINE_PIPELINE_BACKOFF_SECONDS" json:"backoff_seconds"`
	// StepTimeoutSeconds bounds a single attempt.
	StepTimeoutSeconds int `env:"DRUMLINE_PIPELINE_STEP_TIMEOUT_SECONDS" json:"step_timeout_seconds"`
	// StepDeadlineSeconds bounds a step across all attempts and backoffs.
	StepDeadlineSeconds int `env:"DRUMLINE_PIPELINE_STEP_DEADLINE_SECONDS" json:"step_deadline_seconds"`
	Workers             int `env:"DRUMLINE_PIPELINE_WORKERS"               json:"workers"`
	QueueSize           int `env:"DRUMLINE_PIPELINE_QUEUE_SIZE"            json:"queue_size"`
}

type StoreConfig struct {
	Path string `env:"DRUMLINE_STORE_PATH" json:"path"`
}

type KnowledgeConfig struct {
	CatalogURL          string `env:"DRUMLINE_KNOWLEDGE_CATALOG_URL"           json:"catalog_url"`
	FallbackPath        string `env:"DRUMLINE_KNOWLEDGE_FALLBACK_PATH"         json:"fallback_path"`
	RefreshMinutes      int    `env:"DRUMLINE_KNOWLEDGE_REFRESH_MINUTES"       json:"refresh_minutes"`
	FetchTimeoutSeconds int    `env:"DRUMLINE_KNOWLEDGE_FETCH_TIMEOUT_SECONDS" json:"fetch_timeout_seconds"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitzero"`
	OpenAI    ProviderConfig `json:"openai,omitzero"`
	// Primary selects which provider handles generation: "anthropic" or "openai".
	Primary   string `env:"DRUMLINE_PROVIDERS_PRIMARY"    json:"primary"`
	Model     string `env:"DRUMLINE_PROVIDERS_MODEL"      json:"model"`
	MaxTokens int    `env:"DRUMLINE_PROVIDERS_MAX_TOKENS" json:"max_tokens"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
}

func (p ProviderConfig) IsZero() bool {
	return p.APIKey == "" && p.APIBase == ""
}

type AdminConfig struct {
	ListenAddr string `env:"DRUMLINE_ADMIN_LISTEN_ADDR" json:"listen_addr"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `env:"DRUMLINE_ADMIN_TOKEN" json:"token,omitempty"`
}

type RetentionConfig struct {
	ConversationDays int `env:"DRUMLINE_RETENTION_CONVERSATION_DAYS" json:"conversation_days"`
	// PurgeSchedule is a cron expression checked once a minute.
	PurgeSchedule string `env:"DRUMLINE_RETENTION_PURGE_SCHEDULE" json:"purge_schedule"`
}

type FilterConfig struct {
	// Blocklist entries are matched case-insensitively against message text.
	Blocklist []string `env:"DRUMLINE_FILTER_BLOCKLIST" json:"blocklist"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name:             "mika",
			Aliases:          []string{"mika", "米卡", "mika酱"},
			FallbackResponse: "Don! Mika暂时无法回应，但我会尽快回来的！🥁",
			DegradedCaveat:   "（数据可能不是最新的）",
		},
		Limits: LimitsConfig{
			UserPerWindow:  20,
			GroupPerWindow: 50,
			WindowSeconds:  60,
		},
		Dedup: DedupConfig{
			Enabled:             true,
			SimilarityThreshold: 0.85,
			WindowSeconds:       5,
			MaxTrackedUsers:     4096,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:         5,
			BackoffSeconds:      []int{1, 2, 4, 8},
			StepTimeoutSeconds:  30,
			StepDeadlineSeconds: 120,
			Workers:             16,
			QueueSize:           256,
		},
		Store: StoreConfig{
			Path: "~/.drumline/drumline.db",
		},
		Knowledge: KnowledgeConfig{
			CatalogURL:          "https://taiko.wiki/api/song",
			FallbackPath:        "~/.drumline/catalog.json",
			RefreshMinutes:      60,
			FetchTimeoutSeconds: 30,
		},
		Providers: ProvidersConfig{
			Primary:   "anthropic",
			Model:     "claude-sonnet-4.6",
			MaxTokens: 1024,
		},
		Admin: AdminConfig{
			ListenAddr: "127.0.0.1:8321",
		},
		Retention: RetentionConfig{
			ConversationDays: 90,
			PurgeSchedule:    "0 4 * * *",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No file is fine: defaults plus env overrides.
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	if c.Limits.UserPerWindow <= 0 || c.Limits.GroupPerWindow <= 0 {
		return fmt.Errorf("limits must be positive, got user=%d group=%d",
			c.Limits.UserPerWindow, c.Limits.GroupPerWindow)
	}
	if c.Dedup.SimilarityThreshold < 0 || c.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup similarity_threshold must be in [0,1], got %v",
			c.Dedup.SimilarityThreshold)
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline max_attempts must be positive, got %d",
			c.Pipeline.MaxAttempts)
	}
	if len(c.Pipeline.BackoffSeconds) == 0 {
		return fmt.Errorf("pipeline backoff_seconds must not be empty")
	}
	return nil
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Limits.WindowSeconds) * time.Second
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowSeconds) * time.Second
}

func (c *Config) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.Pipeline.BackoffSeconds))
	for _, s := range c.Pipeline.BackoffSeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

func (c *Config) StorePath() string {
	return ExpandHome(c.Store.Path)
}

func (c *Config) KnowledgeFallbackPath() string {
	return ExpandHome(c.Knowledge.FallbackPath)
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
