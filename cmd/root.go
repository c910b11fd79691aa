package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/joomun/DISCORD-BOT/discordbot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"slices"
	"strings"
	"syscall"
)

var (
	cfg        = discordbot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"completion.log_level",
	"api.log_level",
}

// corsSliceKeys are read from the environment as space-separated lists
var corsSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
}

var rootCmd = &cobra.Command{
	Use:   "discordbot [flags]",
	Short: "Discord moderation notifier and completion relay",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// mapstructure decodes into existing maps and slices in place,
		// which would leave stale default entries behind
		cfg.Completion.Shortcuts = nil
		cfg.API.CORS = discordbot.CORSConfig{}
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
					ShortcutsHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "WARN") into a
// *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// ShortcutsHookFunc decodes a `token=model,token=model` string into a
// shortcut map
func ShortcutsHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		return discordbot.ParseShortcuts(data.(string))
	}
}

// formatShortcuts is the inverse of discordbot.ParseShortcuts, with
// tokens sorted
func formatShortcuts(shortcuts map[string]string) string {
	tokens := make([]string, 0, len(shortcuts))
	for token := range shortcuts {
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	pairs := make([]string, 0, len(tokens))
	for _, token := range tokens {
		pairs = append(pairs, token+"="+shortcuts[token])
	}
	return strings.Join(pairs, ",")
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("log_level", discordbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", discordbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", discordbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.log_level", discordbot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		discordbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.warning_channel", discordbot.DefaultDiscordWarningChannel)
	viper.SetDefault("discord.log_channel", discordbot.DefaultDiscordLogChannel)
	viper.SetDefault("discord.chat_channel", discordbot.DefaultDiscordChatChannel)
	viper.SetDefault("discord.relay_audit_entries", false)
	viper.SetDefault(
		"discord.gateway_intents",
		int(discordbot.DefaultDiscordGatewayIntent),
	)

	// Completion provider config
	viper.SetDefault("completion.token", "")
	viper.SetDefault("completion.base_url", discordbot.DefaultCompletionBaseURL)
	viper.SetDefault("completion.referer", "")
	viper.SetDefault("completion.title", "")
	viper.SetDefault("completion.max_attempts", discordbot.DefaultCompletionMaxAttempts)
	viper.SetDefault(
		"completion.max_requests_per_second",
		discordbot.DefaultCompletionMaxRequestsPerSec,
	)
	viper.SetDefault(
		"completion.shortcuts",
		formatShortcuts(discordbot.DefaultModelShortcuts),
	)
	viper.SetDefault(
		"completion.log_level",
		discordbot.DefaultCompletionLogLevel.String(),
	)

	// Mermaid renderer config
	viper.SetDefault("mermaid.command", discordbot.DefaultMermaidCommand)
	viper.SetDefault("mermaid.timeout", discordbot.DefaultMermaidTimeout)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", discordbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", discordbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", discordbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", discordbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", discordbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", discordbot.DefaultIdleTimeout)
	viper.SetDefault("api.pprof", false)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", discordbot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", discordbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", discordbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.max_age", discordbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", discordbot.DefaultAPICORSAllowCreds)

	envPrefix := os.Getenv(discordbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = discordbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range corsSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load before reading configuration from the environment",
	)
}
