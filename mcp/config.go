package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// DefaultConfigFile is the conventional name of the server manifest.
const DefaultConfigFile = "mcp_servers.json"

// Transport type names accepted in the manifest.
const (
	transportStdio = "stdio"
	transportSSE   = "sse"
)

// ServerConfig describes how to reach one tool-provider server. Stdio
// servers are launched from Command and Args with Env merged over the
// parent environment; sse servers are dialed at URL.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// transportType returns the effective transport, defaulting to stdio.
func (c ServerConfig) transportType() string {
	if c.Type == "" {
		return transportStdio
	}
	return c.Type
}

func (c ServerConfig) validate(name string) error {
	switch c.transportType() {
	case transportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp: server %s: command is required for stdio transport", name)
		}
	case transportSSE:
		if c.URL == "" {
			return fmt.Errorf("mcp: server %s: url is required for sse transport", name)
		}
	default:
		return fmt.Errorf("mcp: server %s: unknown transport type %q", name, c.Type)
	}
	return nil
}

// Config is a parsed server manifest.
type Config struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// Names returns the configured server names, sorted.
func (c Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfig reads and validates a server manifest file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("mcp: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a server manifest.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("mcp: parse config: %w", err)
	}
	for name, sc := range cfg.Servers {
		if err := sc.validate(name); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
