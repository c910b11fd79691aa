//nolint:lll // struct tags can't be split
package discordbot

import (
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix = "DISCORDBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "DBOT"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordWarningChannel = "bot-warning"
	DefaultDiscordLogChannel     = "bot-logs"
	DefaultDiscordChatChannel    = "bot-chat"
	DefaultDiscordGatewayIntent  = discordgo.IntentGuilds |
		discordgo.IntentGuildModeration |
		discordgo.IntentGuildWebhooks |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	DefaultCompletionBaseURL           = "https://openrouter.ai/api/v1"
	DefaultCompletionLogLevel          = slog.LevelInfo
	DefaultCompletionMaxAttempts       = 3
	DefaultCompletionMaxRequestsPerSec = 0

	DefaultMermaidCommand = "mmdc"
	DefaultMermaidTimeout = 30 * time.Second

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultUITLSMinVersion   = tls.VersionTLS12
	DefaultAPICORSAllowCreds = false
	defaultListenNetwork     = "tcp"
	discordMaxMessageLength  = 2000
)

var (
	// DefaultModelShortcuts maps the short tokens users type in the chat
	// channel (ex: "gpt: what's up?") to completion model IDs.
	DefaultModelShortcuts = map[string]string{
		"gpt":    "openai/gpt-4o-mini",
		"claude": "anthropic/claude-3.5-sonnet",
		"llama":  "meta-llama/llama-3.1-8b-instruct",
	}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to the discord gateway.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" validate:"min=0"`

	// ShutdownTimeout is the time to allow in-flight event handlers and
	// chat requests to finish, after which the bot exits anyway.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`

	// Discord configures the gateway connection and reserved channel names
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" validate:"required"`

	// Completion configures the completion provider
	Completion *CompletionConfig `yaml:"completion" mapstructure:"completion" json:"completion" validate:"required"`

	// Mermaid configures the diagram renderer used by `!mermaid`
	Mermaid *MermaidConfig `yaml:"mermaid" mapstructure:"mermaid" json:"mermaid" validate:"required"`

	// API configures the optional status server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" validate:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// WarningChannel is the name of the channel audit notifications are sent to
	WarningChannel string `yaml:"warning_channel" mapstructure:"warning_channel" json:"warning_channel" validate:"required"`

	// LogChannel is the name of the channel completion requests/errors are logged to
	LogChannel string `yaml:"log_channel" mapstructure:"log_channel" json:"log_channel" validate:"required"`

	// ChatChannel is the name of the channel where `<shortcut>: <prompt>`
	// messages are sent to the completion provider
	ChatChannel string `yaml:"chat_channel" mapstructure:"chat_channel" json:"chat_channel" validate:"required"`

	// RelayAuditEntries, if true, posts every new audit log entry
	// (GUILD_AUDIT_LOG_ENTRY_CREATE) to the log channel.
	RelayAuditEntries bool `yaml:"relay_audit_entries" mapstructure:"relay_audit_entries" json:"relay_audit_entries"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// CompletionConfig configures the completion provider (an OpenAI-compatible
// chat completions API, OpenRouter by default).
type CompletionConfig struct {
	// API token sent as a bearer credential
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// BaseURL of the OpenAI-compatible API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" validate:"required,url"`

	// Referer is sent as HTTP-Referer, used by the provider for app rankings
	Referer string `yaml:"referer" mapstructure:"referer" json:"referer"`

	// Title is sent as X-Title, used by the provider for app rankings
	Title string `yaml:"title" mapstructure:"title" json:"title"`

	// MaxAttempts is the total number of calls made for a single chat
	// request when the provider keeps responding with HTTP 429
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" validate:"min=1"`

	// MaxRequestsPerSecond paces outbound completion requests. 0=unlimited
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" validate:"min=0"`

	// Shortcuts maps user-typed tokens to model IDs
	Shortcuts map[string]string `yaml:"shortcuts" mapstructure:"shortcuts" json:"shortcuts" validate:"min=1"`

	// Completion client log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// MermaidConfig configures the external diagram renderer
type MermaidConfig struct {
	// Command is the mermaid-cli executable (name or path)
	Command string `yaml:"command" mapstructure:"command" json:"command" validate:"required"`

	// Timeout limits a single render
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" validate:"min=0"`
}

// APIConfig configures the status server
type APIConfig struct {
	// Enabled starts the status server alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" validate:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" validate:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Leave cert/key empty to serve plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Pprof registers the runtime profiling endpoints under /debug/pprof.
	// Development only.
	Pprof bool `yaml:"pprof" mapstructure:"pprof" json:"pprof"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCreds,
	}
}

// ParseShortcuts parses a comma-separated list of `token=model` pairs,
// ex: "gpt=openai/gpt-4o-mini,claude=anthropic/claude-3.5-sonnet".
// Whitespace around tokens and model IDs is ignored, and tokens are
// lower-cased.
func ParseShortcuts(s string) (map[string]string, error) {
	shortcuts := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, model, ok := strings.Cut(pair, "=")
		token = strings.ToLower(strings.TrimSpace(token))
		model = strings.TrimSpace(model)
		if !ok || token == "" || model == "" {
			return nil, fmt.Errorf("invalid shortcut %q (expected token=model)", pair)
		}
		shortcuts[token] = model
	}
	return shortcuts, nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	completionLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	completionLogLevel.Set(DefaultCompletionLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	shortcuts := make(map[string]string, len(DefaultModelShortcuts))
	for k, v := range DefaultModelShortcuts {
		shortcuts[k] = v
	}

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			WarningChannel:    DefaultDiscordWarningChannel,
			LogChannel:        DefaultDiscordLogChannel,
			ChatChannel:       DefaultDiscordChatChannel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
		},
		Completion: &CompletionConfig{
			BaseURL:              DefaultCompletionBaseURL,
			MaxAttempts:          DefaultCompletionMaxAttempts,
			MaxRequestsPerSecond: DefaultCompletionMaxRequestsPerSec,
			Shortcuts:            shortcuts,
			LogLevel:             completionLogLevel,
		},
		Mermaid: &MermaidConfig{
			Command: DefaultMermaidCommand,
			Timeout: DefaultMermaidTimeout,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
