package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// env returns the environment variable that overrides this key.
func (s keySpec) env() string {
	return "PERSONA_" + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "llm.base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.shortening_model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LLM.ShorteningModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ShorteningModel },
	},
	{
		key: "llm.temperature", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.max_tokens", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.reasoning_effort", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LLM.ReasoningEffort = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ReasoningEffort },
	},
	{
		key: "llm.reasoning_prefixes", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.LLM.ReasoningPrefixes = v.([]string) },
		extract: func(cfg Config) any { return cfg.LLM.ReasoningPrefixes },
	},
	{
		key: "llm.timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "moderation.enabled", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Moderation.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Moderation.Enabled },
	},
	{
		key: "moderation.base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Moderation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Moderation.BaseURL },
	},
	{
		key: "moderation.api_key", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.Moderation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Moderation.APIKey },
	},
	{
		key: "moderation.model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Moderation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Moderation.Model },
	},
	{
		key: "moderation.timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Moderation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Moderation.Timeout },
	},
	{
		key: "embedding.provider", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.api_key", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.max_input_chars", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxInputChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxInputChars },
	},
	{
		key: "embedding.timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "generation.char_limit", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Generation.CharLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.CharLimit },
	},
	{
		key: "generation.prompts_dir", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Generation.PromptsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.PromptsDir },
	},
	{
		key: "retrieval.context_size", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ContextSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ContextSize },
	},
	{
		key: "retrieval.similarity_threshold", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.SimilarityThreshold },
	},
	{
		key: "retrieval.max_seed_attempts", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxSeedAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxSeedAttempts },
	},
	{
		key: "retrieval.dedup_lookback", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DedupLookback = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.DedupLookback },
	},
	{
		key: "retrieval.dedup_scope", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DedupScope = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.DedupScope },
	},
	{
		key: "retrieval.min_neighbors", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinNeighbors = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinNeighbors },
	},
	{
		key: "retrieval.context_retries", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ContextRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ContextRetries },
	},
	{
		key: "retrieval.on_insufficient_context", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.OnInsufficientContext = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.OnInsufficientContext },
	},
	{
		key: "scheduler.enabled", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.Enabled },
	},
	{
		key: "scheduler.interval_hours", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.IntervalHours = v.(float64) },
		extract: func(cfg Config) any { return cfg.Scheduler.IntervalHours },
	},
	{
		key: "scheduler.misfire_grace", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MisfireGrace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.MisfireGrace },
	},
	{
		key: "scheduler.catch_up_enabled", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.CatchUpEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.CatchUpEnabled },
	},
	{
		key: "scheduler.max_catch_up_posts", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MaxCatchUpPosts = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.MaxCatchUpPosts },
	},
	{
		key: "scheduler.catch_up_grace_hours", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.CatchUpGraceHours = v.(float64) },
		extract: func(cfg Config) any { return cfg.Scheduler.CatchUpGraceHours },
	},
	{
		key: "scheduler.catch_up_spacing", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.CatchUpSpacing = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.CatchUpSpacing },
	},
	{
		key: "scheduler.new_account_policy", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.NewAccountPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.NewAccountPolicy },
	},
	{
		key: "scheduler.health_check_interval", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Scheduler.HealthCheckInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.HealthCheckInterval },
	},
	{
		key: "safety.enabled", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Safety.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Safety.Enabled },
	},
	{
		key: "safety.blocked_terms", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.Safety.BlockedTerms = v.([]string) },
		extract: func(cfg Config) any { return cfg.Safety.BlockedTerms },
	},
	{
		key: "safety.topic_terms", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.Safety.TopicTerms = v.([]string) },
		extract: func(cfg Config) any { return cfg.Safety.TopicTerms },
	},
	{
		key: "publish.post_enabled", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Publish.PostEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Publish.PostEnabled },
	},
	{
		key: "publish.min_spacing", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Publish.MinSpacing = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Publish.MinSpacing },
	},
	{
		key: "publish.global_spacing", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Publish.GlobalSpacing = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Publish.GlobalSpacing },
	},
	{
		key: "publish.max_rate_wait", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Publish.MaxRateWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Publish.MaxRateWait },
	},
	{
		key: "publish.timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Publish.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Publish.Timeout },
	},
	{
		key: "publish.twitter_base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Publish.TwitterBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.TwitterBaseURL },
	},
	{
		key: "publish.threads_base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Publish.ThreadsBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.ThreadsBaseURL },
	},
	{
		key: "accounts.dir", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Accounts.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Accounts.Dir },
	},
	{
		key: "ingest.chunk_words", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkWords = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkWords },
	},
	{
		key: "ingest.overlap_words", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Ingest.OverlapWords = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.OverlapWords },
	},
	{
		key: "ingest.batch_size", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BatchSize },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyViper copies every non-secret key that is set in the file or the
// environment onto cfg. Unparseable values keep the default and log a warning.
func applyViper(cfg *Config, v *viper.Viper) error {
	for _, s := range specs {
		if s.secret || !v.IsSet(s.key) {
			continue
		}
		val, err := coerce(s.typ, v.Get(s.key))
		if err != nil {
			slog.Warn("could not parse config value, using default", "key", s.key, "error", err)
			continue
		}
		s.apply(cfg, val)
	}
	return nil
}

func applySecrets(cfg *Config) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if raw := os.Getenv(s.env()); raw != "" {
			s.apply(cfg, raw)
		}
	}
}

// coerce converts a raw YAML or environment value to the Go type of typ.
func coerce(typ keyType, raw any) (any, error) {
	if str, ok := raw.(string); ok {
		return parseString(typ, str)
	}
	switch typ {
	case kString:
		return fmt.Sprint(raw), nil
	case kInt:
		switch n := raw.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case uint64:
			return int(n), nil
		case float64:
			return int(n), nil
		}
	case kFloat:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case kBool:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case kDuration:
		switch n := raw.(type) {
		case time.Duration:
			return n, nil
		case int:
			return time.Duration(n) * time.Second, nil
		}
	case kList:
		switch l := raw.(type) {
		case []string:
			return l, nil
		case []any:
			out := make([]string, 0, len(l))
			for _, item := range l {
				out = append(out, fmt.Sprint(item))
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unexpected value %v (%T)", raw, raw)
}

// parseString parses the textual form used by environment variables and
// `config set`. Lists are comma separated; bare integers are seconds when a
// duration is expected.
func parseString(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		if secs, err := strconv.Atoi(raw); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}
