package discordbot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

// DefaultTestConfig returns a valid config for tests, with quiet logging
// and short timeouts
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()

	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Discord.Token = "test-discord-token"
	cfg.Completion.Token = "test-completion-token"
	cfg.Completion.Shortcuts = map[string]string{"a": "model-x"}
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Completion.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestValidateDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	err := structValidator.Struct(cfg)
	require.Error(t, err, "tokens are required")

	cfg = DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestValidateConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"no discord token", func(cfg *Config) { cfg.Discord.Token = "" }},
		{"no completion token", func(cfg *Config) { cfg.Completion.Token = "" }},
		{"invalid base url", func(cfg *Config) { cfg.Completion.BaseURL = "not a url" }},
		{"no attempts", func(cfg *Config) { cfg.Completion.MaxAttempts = 0 }},
		{"no shortcuts", func(cfg *Config) { cfg.Completion.Shortcuts = map[string]string{} }},
		{"no warning channel", func(cfg *Config) { cfg.Discord.WarningChannel = "" }},
		{"no log channel", func(cfg *Config) { cfg.Discord.LogChannel = "" }},
		{"no chat channel", func(cfg *Config) { cfg.Discord.ChatChannel = "" }},
		{"no mermaid command", func(cfg *Config) { cfg.Mermaid.Command = "" }},
		{
			"api enabled without listen address", func(cfg *Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = ""
			},
		},
		{"bad listen network", func(cfg *Config) { cfg.API.ListenNetwork = "udp" }},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestDefaultConfig_Independent(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	a.Completion.Shortcuts["x"] = "model-x"
	a.LogLevel.Set(slog.LevelDebug)

	assert.NotContains(t, b.Completion.Shortcuts, "x")
	assert.NotContains(t, DefaultModelShortcuts, "x")
	assert.Equal(t, DefaultLogLevel, b.LogLevel.Level())
}

func TestParseShortcuts(t *testing.T) {
	shortcuts, err := ParseShortcuts(" GPT = openai/gpt-4o-mini, claude=anthropic/claude-3.5-sonnet,, ")
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string]string{
			"gpt":    "openai/gpt-4o-mini",
			"claude": "anthropic/claude-3.5-sonnet",
		},
		shortcuts,
	)

	shortcuts, err = ParseShortcuts("")
	require.NoError(t, err)
	assert.Empty(t, shortcuts)

	for _, bad := range []string{"gpt", "=model", "gpt=", "gpt:model"} {
		_, err = ParseShortcuts(bad)
		assert.Error(t, err, bad)
	}
}
