package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DEJAVU_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "DEJAVU_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DEJAVU_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "DEJAVU_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DEJAVU_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openai.base_url", typ: kString, env: "DEJAVU_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "DEJAVU_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "chat.backend", typ: kString, env: "DEJAVU_CHAT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Chat.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Backend },
	},
	{
		key: "chat.model", typ: kString, env: "DEJAVU_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DEJAVU_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DEJAVU_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "router.timeout", typ: kDuration, env: "DEJAVU_ROUTER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Router.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Router.Timeout },
	},
	{
		key: "router.fail_policy", typ: kString, env: "DEJAVU_ROUTER_FAIL_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Router.FailPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.FailPolicy },
	},
	{
		key: "router.cache_ttl", typ: kDuration, env: "DEJAVU_ROUTER_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Router.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Router.CacheTTL },
	},
	{
		key: "matcher.top_k", typ: kInt, env: "DEJAVU_MATCHER_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Matcher.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Matcher.TopK },
	},
	{
		key: "matcher.timeout", typ: kDuration, env: "DEJAVU_MATCHER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Matcher.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Matcher.Timeout },
	},
	{
		key: "matcher.weight_precision", typ: kFloat, env: "DEJAVU_MATCHER_WEIGHT_PRECISION",
		apply:   func(cfg *Config, v any) { cfg.Matcher.PrecisionWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matcher.PrecisionWeight },
	},
	{
		key: "matcher.weight_discovery", typ: kFloat, env: "DEJAVU_MATCHER_WEIGHT_DISCOVERY",
		apply:   func(cfg *Config, v any) { cfg.Matcher.DiscoveryWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matcher.DiscoveryWeight },
	},
	{
		key: "matcher.weight_surprise", typ: kFloat, env: "DEJAVU_MATCHER_WEIGHT_SURPRISE",
		apply:   func(cfg *Config, v any) { cfg.Matcher.SurpriseWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matcher.SurpriseWeight },
	},
	{
		key: "decoy.workers", typ: kInt, env: "DEJAVU_DECOY_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Decoy.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Decoy.Workers },
	},
	{
		key: "decoy.variants", typ: kInt, env: "DEJAVU_DECOY_VARIANTS",
		apply:   func(cfg *Config, v any) { cfg.Decoy.Variants = v.(int) },
		extract: func(cfg Config) any { return cfg.Decoy.Variants },
	},
	{
		key: "decoy.max_attempts", typ: kInt, env: "DEJAVU_DECOY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Decoy.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Decoy.MaxAttempts },
	},
	{
		key: "decoy.retry_base", typ: kDuration, env: "DEJAVU_DECOY_RETRY_BASE",
		apply:   func(cfg *Config, v any) { cfg.Decoy.RetryBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Decoy.RetryBase },
	},
	{
		key: "decoy.ttl", typ: kDuration, env: "DEJAVU_DECOY_TTL",
		apply:   func(cfg *Config, v any) { cfg.Decoy.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Decoy.TTL },
	},
	{
		key: "decoy.reap_interval", typ: kDuration, env: "DEJAVU_DECOY_REAP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Decoy.ReapInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Decoy.ReapInterval },
	},
	{
		key: "engine.rate_limit", typ: kFloat, env: "DEJAVU_ENGINE_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Engine.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Engine.RateLimit },
	},
	{
		key: "engine.burst", typ: kInt, env: "DEJAVU_ENGINE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Engine.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.Burst },
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

// parseValue converts raw text to the Go type a key expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
