package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "./config/config.yaml"

	envDBDriver      = "AIFEED_DB_DRIVER"
	envDBDSN         = "AIFEED_DB_DSN"
	envOllamaHost    = "OLLAMA_HOST"
	envTelegramToken = "TELEGRAM_BOT_TOKEN"
	envTelegramChat  = "TELEGRAM_CHAT_ID"
	envWebhookSecret = "AIFEED_WEBHOOK_SECRET"
	envSigningKey    = "AIFEED_SIGNING_KEY"
)

// Config holds every tunable of the pipeline and its collaborators.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Ollama    OllamaConfig    `yaml:"ollama" toml:"ollama"`
	Scoring   ScoringConfig   `yaml:"scoring" toml:"scoring"`
	Feeds     FeedsConfig     `yaml:"feeds" toml:"feeds"`
	Interests InterestsConfig `yaml:"interests" toml:"interests"`
	Users     []UserConfig    `yaml:"users" toml:"users"`
	Telegram  TelegramConfig  `yaml:"telegram" toml:"telegram"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Digest    DigestConfig    `yaml:"digest" toml:"digest"`
	Prompts   PromptsConfig   `yaml:"prompts,omitempty" toml:"prompts,omitempty"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type OllamaConfig struct {
	BaseURL        string `yaml:"base_url" toml:"base_url"`
	JudgeModel     string `yaml:"judge_model" toml:"judge_model"`
	EmbeddingModel string `yaml:"embedding_model" toml:"embedding_model"`
}

// ScoringConfig controls the cold/warm switch, the pre-filter and the judge.
type ScoringConfig struct {
	ColdWarmThreshold      int           `yaml:"cold_warm_threshold" toml:"cold_warm_threshold"`
	EmbeddingTopK          int           `yaml:"embedding_top_k" toml:"embedding_top_k"`
	EmbeddingMinSimilarity float64       `yaml:"embedding_min_similarity" toml:"embedding_min_similarity"`
	JudgeRetryCount        int           `yaml:"judge_retry_count" toml:"judge_retry_count"`
	JudgeMinScore          float64       `yaml:"judge_min_score" toml:"judge_min_score"`
	JudgeTimeout           time.Duration `yaml:"judge_timeout" toml:"judge_timeout"`
	JudgeConcurrency       int           `yaml:"judge_concurrency" toml:"judge_concurrency"`
	EmbeddingTimeout       time.Duration `yaml:"embedding_timeout" toml:"embedding_timeout"`
	CandidateLimit         int           `yaml:"candidate_limit" toml:"candidate_limit"`
}

type FeedsConfig struct {
	URLs       []string `yaml:"urls" toml:"urls"`
	OPML       string   `yaml:"opml,omitempty" toml:"opml,omitempty"` // subscriptions exported from another reader
	EntryLimit int      `yaml:"entry_limit" toml:"entry_limit"`
}

// InterestsConfig seeds the cold-start prompt before any feedback exists.
type InterestsConfig struct {
	Keywords []string `yaml:"keywords" toml:"keywords"`
}

type UserConfig struct {
	ID             string `yaml:"id" toml:"id"`
	TelegramChatID string `yaml:"telegram_chat_id" toml:"telegram_chat_id"`
}

type TelegramConfig struct {
	BotToken      string `yaml:"bot_token" toml:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
	APIURL        string `yaml:"api_url,omitempty" toml:"api_url,omitempty"`
}

type RelayConfig struct {
	Addr       string        `yaml:"addr" toml:"addr"`
	PublicURL  string        `yaml:"public_url" toml:"public_url"`
	SigningKey string        `yaml:"signing_key" toml:"signing_key"`
	LinkTTL    time.Duration `yaml:"link_ttl" toml:"link_ttl"`
}

// PromptsConfig overrides the embedded judge and digest templates.
type PromptsConfig struct {
	JudgeCold   string  `yaml:"judge_cold,omitempty" toml:"judge_cold,omitempty"`
	JudgeWarm   string  `yaml:"judge_warm,omitempty" toml:"judge_warm,omitempty"`
	Digest      string  `yaml:"digest,omitempty" toml:"digest,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" toml:"temperature,omitempty"`
}

// DigestConfig controls the once-a-day brief of the best alerts.
type DigestConfig struct {
	MinScore    float64       `yaml:"min_score" toml:"min_score"`
	MaxItems    int           `yaml:"max_items" toml:"max_items"`
	Window      time.Duration `yaml:"window" toml:"window"`
	Hour        int           `yaml:"hour" toml:"hour"` // UTC hour after which the daemon sends it
	Temperature float64       `yaml:"temperature" toml:"temperature"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "./aifeed.db"
	cfg.Ollama.BaseURL = "http://localhost:11434"
	cfg.Ollama.JudgeModel = "llama3.1:8b"
	cfg.Ollama.EmbeddingModel = "nomic-embed-text"
	cfg.Scoring.ColdWarmThreshold = 5
	cfg.Scoring.EmbeddingTopK = 10
	cfg.Scoring.EmbeddingMinSimilarity = 0.5
	cfg.Scoring.JudgeRetryCount = 3
	cfg.Scoring.JudgeMinScore = 65
	cfg.Scoring.JudgeTimeout = 60 * time.Second
	cfg.Scoring.JudgeConcurrency = 4
	cfg.Scoring.EmbeddingTimeout = 30 * time.Second
	cfg.Scoring.CandidateLimit = 100
	cfg.Feeds.EntryLimit = 10
	cfg.Interests.Keywords = []string{
		"LLM", "large language model", "transformer", "RAG",
		"fine-tuning", "AI agents", "inference", "machine learning",
	}
	cfg.Users = []UserConfig{{ID: "default"}}
	cfg.Relay.Addr = ":8080"
	cfg.Relay.PublicURL = "http://localhost:8080"
	cfg.Relay.LinkTTL = 7 * 24 * time.Hour
	cfg.Digest.MinScore = 70
	cfg.Digest.MaxItems = 15
	cfg.Digest.Window = 24 * time.Hour
	cfg.Digest.Hour = 8
	cfg.Digest.Temperature = 0.3
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return cfg
}

// Load reads the config file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := cfg.decode(path, data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(envDBDriver); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(envDBDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(envOllamaHost); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		c.Ollama.BaseURL = v
	}
	if v := os.Getenv(envTelegramToken); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv(envTelegramChat); v != "" && len(c.Users) > 0 {
		c.Users[0].TelegramChatID = v
	}
	if v := os.Getenv(envWebhookSecret); v != "" {
		c.Telegram.WebhookSecret = v
	}
	if v := os.Getenv(envSigningKey); v != "" {
		c.Relay.SigningKey = v
	}
}

// Validate reports the first setting that would make a run misbehave.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Ollama.JudgeModel == "" || c.Ollama.EmbeddingModel == "" {
		return errors.New("ollama.judge_model and ollama.embedding_model are required")
	}
	s := c.Scoring
	if s.ColdWarmThreshold < 1 {
		return errors.New("scoring.cold_warm_threshold must be at least 1")
	}
	if s.EmbeddingMinSimilarity < -1 || s.EmbeddingMinSimilarity > 1 {
		return fmt.Errorf("scoring.embedding_min_similarity must be in [-1, 1], got %v", s.EmbeddingMinSimilarity)
	}
	if s.JudgeRetryCount < 0 {
		return errors.New("scoring.judge_retry_count must not be negative")
	}
	if s.JudgeMinScore < 0 || s.JudgeMinScore > 100 {
		return fmt.Errorf("scoring.judge_min_score must be in [0, 100], got %v", s.JudgeMinScore)
	}
	if s.JudgeConcurrency < 1 {
		return errors.New("scoring.judge_concurrency must be at least 1")
	}
	if s.JudgeTimeout <= 0 || s.EmbeddingTimeout <= 0 {
		return errors.New("scoring timeouts must be positive")
	}
	d := c.Digest
	if d.MinScore < 0 || d.MinScore > 100 {
		return fmt.Errorf("digest.min_score must be in [0, 100], got %v", d.MinScore)
	}
	if d.MaxItems < 1 {
		return errors.New("digest.max_items must be at least 1")
	}
	if d.Window <= 0 {
		return errors.New("digest.window must be positive")
	}
	if d.Hour < 0 || d.Hour > 23 {
		return fmt.Errorf("digest.hour must be in [0, 23], got %d", d.Hour)
	}
	if len(c.Users) == 0 {
		return errors.New("at least one user is required")
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return errors.New("users: id is required")
		}
		if seen[u.ID] {
			return fmt.Errorf("users: duplicate id %q", u.ID)
		}
		seen[u.ID] = true
		if u.TelegramChatID != "" {
			if _, err := strconv.ParseInt(u.TelegramChatID, 10, 64); err != nil {
				return fmt.Errorf("users: telegram_chat_id for %q is not numeric", u.ID)
			}
		}
	}
	return nil
}

// DefaultUser is the user a command acts on when none is given.
func (c *Config) DefaultUser() string {
	return c.Users[0].ID
}

// HasUser reports whether id is a configured user.
func (c *Config) HasUser(id string) bool {
	for _, u := range c.Users {
		if u.ID == id {
			return true
		}
	}
	return false
}

// UserIDs lists the configured users in order.
func (c *Config) UserIDs() []string {
	ids := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

// ChatUsers maps Telegram chat IDs to user IDs.
func (c *Config) ChatUsers() map[string]string {
	m := make(map[string]string)
	for _, u := range c.Users {
		if u.TelegramChatID != "" {
			m[u.TelegramChatID] = u.ID
		}
	}
	return m
}

// Write serializes the config to path, as TOML for a .toml extension and
// YAML otherwise, creating parent directories.
func (c *Config) Write(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.ToLower(filepath.Ext(path)) == ".toml" {
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
