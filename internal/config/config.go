package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/Davincible/claude-gateway/internal/router"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultHost           = "127.0.0.1"
)

// Provider describes one upstream endpoint. Dialect selects the wire
// format transformer; model_mappings is required for dialects that have
// no implicit model namespace (codewhisperer).
type Provider struct {
	Name          string            `json:"name" yaml:"name"`
	Dialect       string            `json:"dialect" yaml:"dialect"`
	APIBase       string            `json:"api_base_url" yaml:"api_base_url"`
	APIKey        string            `json:"api_key" yaml:"api_key"`
	Models        []string          `json:"models,omitempty" yaml:"models,omitempty"`
	ModelMappings map[string]string `json:"model_mappings,omitempty" yaml:"model_mappings,omitempty"`
	Timeout       int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Retries       int               `json:"retries,omitempty" yaml:"retries,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature   float64           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// RouteEntry is one weighted candidate inside a category route.
type RouteEntry struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Weight   int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// CategoryRoute configures one routing category. Two forms are accepted:
// a bare "provider,model" string (with optional ordered backups), or an
// explicit list of weighted entries.
type CategoryRoute struct {
	Primary  string       `json:"primary,omitempty" yaml:"primary,omitempty"`
	Backups  []string     `json:"backups,omitempty" yaml:"backups,omitempty"`
	Entries  []RouteEntry `json:"entries,omitempty" yaml:"entries,omitempty"`
	Strategy string       `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// UnmarshalJSON accepts either the shorthand string form or the full
// object form.
func (r *CategoryRoute) UnmarshalJSON(data []byte) error {
	var shorthand string
	if err := json.Unmarshal(data, &shorthand); err == nil {
		r.Primary = shorthand
		return nil
	}

	type plain CategoryRoute

	var full plain
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}

	*r = CategoryRoute(full)

	return nil
}

func (r *CategoryRoute) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Primary = value.Value
		return nil
	}

	type plain CategoryRoute

	var full plain
	if err := value.Decode(&full); err != nil {
		return err
	}

	*r = CategoryRoute(full)

	return nil
}

func (r CategoryRoute) isEmpty() bool {
	return r.Primary == "" && len(r.Entries) == 0
}

// RouterConfig holds the per-category routes. Default is required; the
// other categories fall back to it when unset.
type RouterConfig struct {
	Default     CategoryRoute `json:"default" yaml:"default"`
	Think       CategoryRoute `json:"think,omitempty" yaml:"think,omitempty"`
	Background  CategoryRoute `json:"background,omitempty" yaml:"background,omitempty"`
	LongContext CategoryRoute `json:"long_context,omitempty" yaml:"long_context,omitempty"`
	WebSearch   CategoryRoute `json:"web_search,omitempty" yaml:"web_search,omitempty"`
}

type Config struct {
	Host      string       `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int          `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey    string       `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Providers []Provider   `json:"providers" yaml:"providers"`
	Router    RouterConfig `json:"router" yaml:"router"`
}

// Provider returns the named provider entry, or nil.
func (c *Config) Provider(name string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}

	return nil
}

// Validate checks cross-references: every route candidate must name a
// configured provider, and codewhisperer providers must carry model
// mappings.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	if c.Router.Default.isEmpty() {
		return fmt.Errorf("router.default is required")
	}

	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}

		if p.Dialect == "codewhisperer" && len(p.ModelMappings) == 0 {
			return fmt.Errorf("provider %q: codewhisperer dialect requires model_mappings", p.Name)
		}
	}

	routes, err := c.Routes()
	if err != nil {
		return err
	}

	for category, route := range routes {
		for _, candidate := range route.Candidates {
			if c.Provider(candidate.Provider) == nil {
				return fmt.Errorf("route %s references unknown provider %q", category, candidate.Provider)
			}
		}
	}

	return nil
}

// Routes converts the configured category routes into the engine's route
// table. A category without its own route is simply absent; the engine
// falls back to default at request time.
func (c *Config) Routes() (router.Routes, error) {
	routes := make(router.Routes)

	add := func(category router.Category, route CategoryRoute) error {
		if route.isEmpty() {
			return nil
		}

		converted, err := route.toRoute()
		if err != nil {
			return fmt.Errorf("route %s: %w", category, err)
		}

		routes[category] = converted

		return nil
	}

	if err := add(router.CategoryDefault, c.Router.Default); err != nil {
		return nil, err
	}

	if err := add(router.CategoryThinking, c.Router.Think); err != nil {
		return nil, err
	}

	if err := add(router.CategoryBackground, c.Router.Background); err != nil {
		return nil, err
	}

	if err := add(router.CategoryLongContext, c.Router.LongContext); err != nil {
		return nil, err
	}

	if err := add(router.CategorySearch, c.Router.WebSearch); err != nil {
		return nil, err
	}

	return routes, nil
}

func (r CategoryRoute) toRoute() (router.Route, error) {
	route := router.Route{Strategy: router.Strategy(r.Strategy)}

	if len(r.Entries) > 0 {
		for _, entry := range r.Entries {
			if entry.Provider == "" || entry.Model == "" {
				return router.Route{}, fmt.Errorf("entry requires provider and model")
			}

			route.Candidates = append(route.Candidates, router.Candidate{
				Provider: entry.Provider,
				Model:    entry.Model,
				Weight:   entry.Weight,
			})
		}

		return route, nil
	}

	refs := append([]string{r.Primary}, r.Backups...)
	for _, ref := range refs {
		provider, model, err := splitRouteRef(ref)
		if err != nil {
			return router.Route{}, err
		}

		route.Candidates = append(route.Candidates, router.Candidate{
			Provider: provider,
			Model:    model,
		})
	}

	return route, nil
}

// splitRouteRef parses "provider,model" or "provider/model". Models may
// themselves contain slashes, so only the first separator counts.
func splitRouteRef(ref string) (string, string, error) {
	if provider, model, found := strings.Cut(ref, ","); found {
		return strings.TrimSpace(provider), strings.TrimSpace(model), nil
	}

	if provider, model, found := strings.Cut(ref, "/"); found {
		return provider, model, nil
	}

	return "", "", fmt.Errorf("route reference %q needs provider and model", ref)
}

// Manager loads and caches the configuration file. JSON and YAML are both
// accepted; the format follows the file extension.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	path := filepath.Join(baseDir, DefaultConfigFilename)

	// Prefer an existing YAML file when the JSON one is absent.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		yamlPath := filepath.Join(baseDir, DefaultYAMLFilename)
		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		}
	}

	return &Manager{configPath: path}
}

func NewManagerWithPath(path string) *Manager {
	return &Manager{configPath: path}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config

	switch filepath.Ext(m.configPath) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return &Config{
			Host: DefaultHost,
			Port: DefaultPort,
		}
	}

	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)

	switch filepath.Ext(m.configPath) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)

	return err == nil
}
