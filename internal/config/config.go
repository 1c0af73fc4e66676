package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	OpenAI  OpenAIConfig
	Chat    ChatConfig
	Storage StorageConfig
	Log     LogConfig
	Router  RouterConfig
	Matcher MatcherConfig
	Decoy   DecoyConfig
	Engine  EngineConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

// OllamaConfig points at the local Ollama server. FastModel serves the
// router, perturbation and summaries.
type OllamaConfig struct {
	BaseURL    string
	FastModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

// ChatConfig selects the backend and model that writes user-facing replies.
type ChatConfig struct {
	Backend string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type RouterConfig struct {
	Timeout    time.Duration
	FailPolicy string
	CacheTTL   time.Duration
}

type MatcherConfig struct {
	TopK            int
	Timeout         time.Duration
	PrecisionWeight float64
	DiscoveryWeight float64
	SurpriseWeight  float64
}

type DecoyConfig struct {
	Workers      int
	Variants     int
	MaxAttempts  int
	RetryBase    time.Duration
	TTL          time.Duration
	ReapInterval time.Duration
}

// EngineConfig bounds the rate of provider calls made by background work.
type EngineConfig struct {
	RateLimit float64
	Burst     int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			FastModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Chat: ChatConfig{
			Backend: "ollama",
			Model:   "llama3.2",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Router: RouterConfig{
			Timeout:    3 * time.Second,
			FailPolicy: "experiential",
			CacheTTL:   10 * time.Minute,
		},
		Matcher: MatcherConfig{
			TopK:            20,
			Timeout:         2 * time.Second,
			PrecisionWeight: 0.6,
			DiscoveryWeight: 0.3,
			SurpriseWeight:  0.1,
		},
		Decoy: DecoyConfig{
			Workers:      2,
			Variants:     3,
			MaxAttempts:  3,
			RetryBase:    500 * time.Millisecond,
			TTL:          24 * time.Hour,
			ReapInterval: 10 * time.Minute,
		},
		Engine: EngineConfig{
			RateLimit: 5,
			Burst:     5,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.dejavu.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/dejavu/config.json
// and secrets come from environment variables or the secrets file.
//
// Environment variables (DEJAVU_*) override backend values on all platforms.
// A .env file in the working directory is loaded into the environment first;
// variables already set in the process win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenAI.APIKey == "" {
		if key, err := kc.Get(keychainService, "openai_api_key"); err == nil && key != "" {
			cfg.OpenAI.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Chat.Backend {
	case "ollama":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key for chat.backend=openai. "+
				"Set it via environment variable DEJAVU_OPENAI_API_KEY%s", apiKeyHint())
		}
	default:
		return fmt.Errorf("invalid chat.backend %q (want ollama or openai)", c.Chat.Backend)
	}
	switch c.Router.FailPolicy {
	case "experiential", "factual":
	default:
		return fmt.Errorf("invalid router.fail_policy %q (want experiential or factual)", c.Router.FailPolicy)
	}
	if c.Decoy.Variants < 1 {
		return fmt.Errorf("decoy.variants must be at least 1, got %d", c.Decoy.Variants)
	}
	if c.Decoy.Workers < 1 {
		return fmt.Errorf("decoy.workers must be at least 1, got %d", c.Decoy.Workers)
	}
	if c.Matcher.PrecisionWeight <= 0 || c.Matcher.DiscoveryWeight <= 0 || c.Matcher.SurpriseWeight <= 0 {
		return fmt.Errorf("matcher weights must all be positive")
	}
	return nil
}
