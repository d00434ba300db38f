package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	LLM        LLMConfig
	Moderation ModerationConfig
	Embedding  EmbeddingConfig
	Generation GenerationConfig
	Retrieval  RetrievalConfig
	Scheduler  SchedulerConfig
	Safety     SafetyConfig
	Publish    PublishConfig
	Accounts   AccountsConfig
	Ingest     IngestConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// LLMConfig configures the OpenAI-compatible chat completion provider.
type LLMConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	ShorteningModel   string
	Temperature       float64
	MaxTokens         int
	ReasoningEffort   string
	ReasoningPrefixes []string
	Timeout           time.Duration
}

type ModerationConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type EmbeddingConfig struct {
	Provider      string // "ollama" or "genai"
	Model         string
	BaseURL       string
	APIKey        string
	MaxInputChars int
	Timeout       time.Duration
}

type GenerationConfig struct {
	CharLimit  int
	PromptsDir string
}

type RetrievalConfig struct {
	ContextSize           int
	SimilarityThreshold   float64
	MaxSeedAttempts       int
	DedupLookback         int
	DedupScope            string // "account" or "global"
	MinNeighbors          int
	ContextRetries        int
	OnInsufficientContext string // "proceed" or "fail"
}

type SchedulerConfig struct {
	Enabled             bool
	IntervalHours       float64
	MisfireGrace        time.Duration
	CatchUpEnabled      bool
	MaxCatchUpPosts     int
	CatchUpGraceHours   float64
	CatchUpSpacing      time.Duration
	NewAccountPolicy    string // "once" or "skip"
	HealthCheckInterval time.Duration
}

type SafetyConfig struct {
	Enabled      bool
	BlockedTerms []string
	TopicTerms   []string
}

type PublishConfig struct {
	PostEnabled    bool
	MinSpacing     time.Duration
	GlobalSpacing  time.Duration
	MaxRateWait    time.Duration
	Timeout        time.Duration
	TwitterBaseURL string
	ThreadsBaseURL string
}

type AccountsConfig struct {
	Dir string
}

type IngestConfig struct {
	ChunkWords   int
	OverlapWords int
	BatchSize    int
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		LLM: LLMConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "o3",
			ShorteningModel:   "gpt-4.1",
			Temperature:       0.8,
			MaxTokens:         150,
			ReasoningEffort:   "medium",
			ReasoningPrefixes: []string{"o1", "o3", "o4"},
			Timeout:           60 * time.Second,
		},
		Moderation: ModerationConfig{
			Enabled: false,
			BaseURL: "https://api.openai.com/v1",
			Model:   "omni-moderation-latest",
			Timeout: 10 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			Model:         "nomic-embed-text",
			BaseURL:       "http://localhost:11434",
			MaxInputChars: 6000,
			Timeout:       30 * time.Second,
		},
		Generation: GenerationConfig{
			CharLimit: 280,
		},
		Retrieval: RetrievalConfig{
			ContextSize:           3,
			SimilarityThreshold:   0.7,
			MaxSeedAttempts:       10,
			DedupLookback:         50,
			DedupScope:            "account",
			MinNeighbors:          0,
			ContextRetries:        2,
			OnInsufficientContext: "proceed",
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			IntervalHours:       4,
			MisfireGrace:        time.Hour,
			CatchUpEnabled:      true,
			MaxCatchUpPosts:     2,
			CatchUpGraceHours:   1,
			CatchUpSpacing:      2 * time.Minute,
			NewAccountPolicy:    "once",
			HealthCheckInterval: time.Hour,
		},
		Safety: SafetyConfig{
			Enabled: true,
		},
		Publish: PublishConfig{
			PostEnabled:    false,
			MinSpacing:     60 * time.Second,
			GlobalSpacing:  10 * time.Second,
			MaxRateWait:    15 * time.Minute,
			Timeout:        30 * time.Second,
			TwitterBaseURL: "https://api.twitter.com",
			ThreadsBaseURL: "https://graph.threads.net",
		},
		Accounts: AccountsConfig{
			Dir: filepath.Join(dataDir, "accounts"),
		},
		Ingest: IngestConfig{
			ChunkWords:   1500,
			OverlapWords: 200,
			BatchSize:    100,
		},
	}
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() Config {
	return defaults()
}

// Load reads configuration from a YAML file and PERSONA_* environment
// variables. An empty path searches ./persona.yaml and
// $XDG_CONFIG_HOME/persona/persona.yaml, and finding nothing there is not
// an error. An explicit path must exist.
// Secrets are only read from the environment.
func Load(path string) (Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := defaults()
	if err := applyViper(&cfg, v); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("persona")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
	}
	v.SetEnvPrefix("PERSONA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Validate reports the first configuration value that cannot work at runtime.
func (c Config) Validate() error {
	switch {
	case c.Scheduler.IntervalHours <= 0:
		return fmt.Errorf("scheduler.interval_hours must be positive, got %v", c.Scheduler.IntervalHours)
	case c.Scheduler.MaxCatchUpPosts < 0:
		return fmt.Errorf("scheduler.max_catch_up_posts must not be negative")
	case c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1:
		return fmt.Errorf("retrieval.similarity_threshold must be in [0,1], got %v", c.Retrieval.SimilarityThreshold)
	case c.Retrieval.ContextSize < 0:
		return fmt.Errorf("retrieval.context_size must not be negative")
	case c.Retrieval.MaxSeedAttempts < 1:
		return fmt.Errorf("retrieval.max_seed_attempts must be at least 1")
	case c.Generation.CharLimit <= 10:
		return fmt.Errorf("generation.char_limit must be greater than 10")
	case c.Ingest.ChunkWords <= c.Ingest.OverlapWords:
		return fmt.Errorf("ingest.chunk_words must exceed ingest.overlap_words")
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	switch c.Retrieval.DedupScope {
	case "account", "global":
	default:
		return fmt.Errorf("unknown retrieval.dedup_scope %q", c.Retrieval.DedupScope)
	}
	switch c.Retrieval.OnInsufficientContext {
	case "proceed", "fail":
	default:
		return fmt.Errorf("unknown retrieval.on_insufficient_context %q", c.Retrieval.OnInsufficientContext)
	}
	switch c.Scheduler.NewAccountPolicy {
	case "once", "skip":
	default:
		return fmt.Errorf("unknown scheduler.new_account_policy %q", c.Scheduler.NewAccountPolicy)
	}
	return nil
}

// Interval returns the scheduler interval as a duration.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours * float64(time.Hour))
}

// CatchUpGrace returns the catch-up grace period as a duration.
func (c SchedulerConfig) CatchUpGrace() time.Duration {
	return time.Duration(c.CatchUpGraceHours * float64(time.Hour))
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "persona-data"
		}
	}
	return filepath.Join(dir, "persona")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "persona")
}

// DefaultPath is where `config set` writes when no file is in use yet.
func DefaultPath() string {
	return filepath.Join(configDir(), "persona.yaml")
}
