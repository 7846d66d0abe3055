package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// ServerConfig describes one remote MCP server reachable over Streamable
// HTTP.
type ServerConfig struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Enabled bool              `json:"enabled"`
}

// Validate checks that the server configuration is usable.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if c.URL == "" {
		return fmt.Errorf("server %s: url is required", c.ID)
	}
	return nil
}

// Config is the persisted set of MCP servers.
type Config struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfigFile reads a JSON server config. A missing file yields an empty
// config.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Servers: make(map[string]ServerConfig)}, nil
		}
		return nil, fmt.Errorf("read MCP config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse MCP config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	for id, server := range cfg.Servers {
		if server.ID == "" {
			server.ID = id
			cfg.Servers[id] = server
		}
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("invalid MCP config: %w", err)
		}
	}
	return &cfg, nil
}

// SaveConfigFile writes the config as indented JSON.
func (c *Config) SaveConfigFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ServerIDs returns the configured server IDs sorted for stable iteration.
func (c *Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnabledServers returns the enabled server configs sorted by ID.
func (c *Config) EnabledServers() []ServerConfig {
	var out []ServerConfig
	for _, id := range c.ServerIDs() {
		if server := c.Servers[id]; server.Enabled {
			out = append(out, server)
		}
	}
	return out
}
