package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Provider  ProviderConfig  `toml:"provider"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Client    ClientConfig    `toml:"client"`
	Database  DatabaseConfig  `toml:"database"`
	Memory    MemoryConfig    `toml:"memory"`
	MCP       MCPConfig       `toml:"mcp"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ProviderConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
}

type ClientConfig struct {
	MaxRetries       int `toml:"max_retries"`
	MaxParallelTools int `toml:"max_parallel_tools"`
	CacheSize        int `toml:"cache_size"`
	CacheTTLSeconds  int `toml:"cache_ttl_seconds"`
	CallTimeoutSecs  int `toml:"call_timeout_seconds"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type MemoryConfig struct {
	PostgresURL string `toml:"postgres_url"`
	PoolSize    int    `toml:"pool_size"`
}

type MCPConfig struct {
	ConfigPath string `toml:"config_path"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Provider:  ProviderConfig{Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1"},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", Dimensions: 1536},
		Client:    ClientConfig{MaxRetries: 25, MaxParallelTools: 5, CacheSize: 256, CacheTTLSeconds: 300, CallTimeoutSecs: 2048},
		Database:  DatabaseConfig{Path: "conductor.db"},
		Memory:    MemoryConfig{PoolSize: 4},
		MCP:       MCPConfig{ConfigPath: "mcp_servers.json"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conductor.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONDUCTOR_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("CONDUCTOR_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONDUCTOR_POSTGRES_URL"); v != "" {
		cfg.Memory.PostgresURL = v
	}
	if v := os.Getenv("CONDUCTOR_MCP_CONFIG"); v != "" {
		cfg.MCP.ConfigPath = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Client.MaxRetries = n
		}
	}
	if os.Getenv("CONDUCTOR_OBSERVER_ENABLED") == "true" || os.Getenv("CONDUCTOR_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Provider.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.Provider.BaseURL
	}

	return cfg
}
