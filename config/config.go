package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jfletcher/palaver/llm"
	"github.com/jfletcher/palaver/mcp"
)

// Config is the full application configuration: provider endpoints, model
// descriptors, personas, and MCP servers.
type Config struct {
	Providers  []Provider  `mapstructure:"providers"`
	Models     []Model     `mapstructure:"models"`
	Personas   []Persona   `mapstructure:"personas"`
	MCPServers []MCPServer `mapstructure:"mcp_servers"`
	Defaults   Defaults    `mapstructure:"defaults"`
}

// Defaults hold fallback generation settings.
type Defaults struct {
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	Temperature     float32 `mapstructure:"temperature"`
}

// Provider describes one configured endpoint.
type Provider struct {
	ID         string            `mapstructure:"id"`
	Family     string            `mapstructure:"family"`
	BaseURL    string            `mapstructure:"base_url"`
	APIKey     string            `mapstructure:"api_key"`
	APIVersion string            `mapstructure:"api_version"`
	Headers    map[string]string `mapstructure:"headers"`
}

// Endpoint converts the provider to the client constructor's form.
func (p Provider) Endpoint() llm.Endpoint {
	return llm.Endpoint{
		Family:     llm.Family(p.Family),
		BaseURL:    p.BaseURL,
		APIKey:     p.APIKey,
		APIVersion: p.APIVersion,
		Headers:    p.Headers,
	}
}

// Capabilities flag what a model supports.
type Capabilities struct {
	Vision    bool `mapstructure:"vision"`
	ToolCalls bool `mapstructure:"tool_calls"`
	Reasoning bool `mapstructure:"reasoning"`
	Streaming bool `mapstructure:"streaming"`
}

// Model describes a model offered by a provider.
type Model struct {
	ID           string       `mapstructure:"id"`
	ProviderID   string       `mapstructure:"provider_id"`
	Name         string       `mapstructure:"name"` // wire name sent to the API
	DisplayName  string       `mapstructure:"display_name"`
	Capabilities Capabilities `mapstructure:"capabilities"`
	Verified     bool         `mapstructure:"verified"`
}

// Persona is a reusable assistant configuration.
type Persona struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	ToolsEnabled bool     `mapstructure:"tools_enabled"`
	LocalTools   []string `mapstructure:"local_tools"`
	MCPServers   []string `mapstructure:"mcp_servers"`
}

// MCPServer mirrors mcp.ServerConfig with mapstructure tags so servers can
// live in the main YAML config alongside everything else.
type MCPServer struct {
	ID      string            `mapstructure:"id"`
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Enabled bool              `mapstructure:"enabled"`
}

func (s MCPServer) ServerConfig() mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:      s.ID,
		Name:    s.Name,
		URL:     s.URL,
		Headers: s.Headers,
		Enabled: s.Enabled,
	}
}

// Load reads the YAML config at path. An empty path falls back to defaults
// with no providers, which is valid for programmatic configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("defaults.max_output_tokens", 4096)
	v.SetDefault("defaults.temperature", 1.0)
}

// Validate checks referential integrity and known families.
func (c *Config) Validate() error {
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		switch llm.Family(p.Family) {
		case llm.FamilyOpenAI, llm.FamilyAzure, llm.FamilyAnthropic, llm.FamilyGemini:
		default:
			return fmt.Errorf("provider %s: unknown family %q", p.ID, p.Family)
		}
		providers[p.ID] = true
	}
	for _, m := range c.Models {
		if !providers[m.ProviderID] {
			return fmt.Errorf("model %s: unknown provider %q", m.ID, m.ProviderID)
		}
	}
	return nil
}

// Provider finds a provider by ID.
func (c *Config) Provider(id string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// Model finds a model by ID.
func (c *Config) Model(id string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Persona finds a persona by ID.
func (c *Config) Persona(id string) (Persona, bool) {
	for _, p := range c.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// ServersFor resolves a persona's enabled MCP servers.
func (c *Config) ServersFor(persona Persona) []mcp.ServerConfig {
	var out []mcp.ServerConfig
	for _, id := range persona.MCPServers {
		for _, s := range c.MCPServers {
			if s.ID == id && s.Enabled {
				out = append(out, s.ServerConfig())
			}
		}
	}
	return out
}

// InferCapabilities guesses capability flags from a model name. Used when a
// model is added without explicit capability config; probing can refine the
// result later.
func InferCapabilities(name string) Capabilities {
	n := strings.ToLower(name)
	caps := Capabilities{
		ToolCalls: true,
		Streaming: true,
	}
	switch {
	case strings.Contains(n, "gpt-4o"), strings.Contains(n, "gpt-4.1"),
		strings.Contains(n, "gpt-5"), strings.Contains(n, "claude"),
		strings.Contains(n, "gemini"), strings.Contains(n, "pixtral"),
		strings.Contains(n, "vision"), strings.Contains(n, "-vl"):
		caps.Vision = true
	}
	switch {
	case isOSeries(n), strings.Contains(n, "-thinking"),
		strings.Contains(n, "deepseek-r1"), strings.Contains(n, "qwq"),
		strings.Contains(n, "gpt-5"), strings.Contains(n, "gemini-2.5"),
		strings.Contains(n, "gemini-3"):
		caps.Reasoning = true
	}
	return caps
}

func isOSeries(name string) bool {
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return false
}
