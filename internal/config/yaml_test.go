package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-gateway/internal/router"
)

func TestManager_YAMLSupport(t *testing.T) {
	tempDir := t.TempDir()

	yamlConfig := `
host: "0.0.0.0"
port: 8080
api_key: "test-proxy-key"
providers:
  - name: "openrouter"
    dialect: "openai"
    api_base_url: "https://openrouter.ai/api/v1/chat/completions"
    api_key: "test-openrouter-key"
  - name: "gemini"
    dialect: "gemini"
    api_key: "test-gemini-key"
router:
  default: "openrouter/anthropic/claude-sonnet-4"
  think:
    entries:
      - provider: "openrouter"
        model: "o1-preview"
        weight: 2
      - provider: "gemini"
        model: "gemini-2.0-pro"
        weight: 1
`

	yamlPath := filepath.Join(tempDir, DefaultYAMLFilename)
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0644))

	// The manager discovers the YAML file when no JSON file exists.
	mgr := NewManager(tempDir)
	assert.Equal(t, yamlPath, mgr.GetPath())

	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "test-proxy-key", cfg.APIKey)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "gemini", cfg.Providers[1].Dialect)

	routes, err := cfg.Routes()
	require.NoError(t, err)

	defaultRoute := routes[router.CategoryDefault]
	require.Len(t, defaultRoute.Candidates, 1)
	assert.Equal(t, "openrouter", defaultRoute.Candidates[0].Provider)
	assert.Equal(t, "anthropic/claude-sonnet-4", defaultRoute.Candidates[0].Model)

	thinkRoute := routes[router.CategoryThinking]
	require.Len(t, thinkRoute.Candidates, 2)
	assert.Equal(t, 2, thinkRoute.Candidates[0].Weight)
}

func TestManager_JSONPreferredOverYAML(t *testing.T) {
	tempDir := t.TempDir()

	jsonPath := filepath.Join(tempDir, DefaultConfigFilename)
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"port":1111,"providers":[{"name":"p1","dialect":"openai"}],"router":{"default":"p1,gpt-4o"}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultYAMLFilename), []byte("port: 2222"), 0644))

	mgr := NewManager(tempDir)
	assert.Equal(t, jsonPath, mgr.GetPath())

	cfg, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, 1111, cfg.Port)
}

func TestManager_YAMLSaveRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManagerWithPath(filepath.Join(tempDir, "custom.yaml"))

	cfg := &Config{
		Port: 9999,
		Providers: []Provider{
			{Name: "p1", Dialect: "codewhisperer", ModelMappings: map[string]string{"claude-sonnet-4": "CLAUDE_SONNET_4_20250514_V1_0"}},
		},
		Router: RouterConfig{Default: CategoryRoute{Primary: "p1,claude-sonnet-4"}},
	}

	require.NoError(t, mgr.Save(cfg))

	loaded, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, loaded.Port)
	require.Len(t, loaded.Providers, 1)
	assert.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", loaded.Providers[0].ModelMappings["claude-sonnet-4"])
}
