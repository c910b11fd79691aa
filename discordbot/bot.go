package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/joomun/DISCORD-BOT/discordbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	structValidator = validator.New()
)

// Bot relays guild audit events to the warning channel, and proxies
// shortcut messages in the chat channel to the completion provider.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler
	metrics    *Metrics

	discord      *Discord
	completion   *CompletionClient
	keyStatus    *KeyStatusClient
	renderer     DiagramRenderer
	retrier      *Retrier
	interactions *InteractionLogger
	pipeline     *Pipeline
	commands     *CommandHandler
	api          *API

	// runtimeWG tracks every goroutine spawned by a gateway handler, so
	// shutdown can wait on them
	runtimeWG *sync.WaitGroup

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// signalReady has a value sent on it once the gateway session is
	// open and all handlers are registered
	signalReady chan struct{}
}

// New creates a new Bot from the given configuration. Components which
// depend on the discord session are wired when Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		metrics:     NewMetrics(),
		runtimeWG:   &sync.WaitGroup{},
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(
		config.Discord,
		newComponentLogger(config.Discord.LogLevel, "discord"),
	)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.completion = newCompletionClient(
		config.Completion,
		config.HTTPClient,
		b.metrics,
		nil,
	)
	b.keyStatus = newKeyStatusClient(config.Completion, config.HTTPClient)
	b.renderer = NewMermaidRenderer(config.Mermaid)

	if config.API.Enabled {
		api, err := newAPI(config.API, b, b.metrics.Registry)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// wire builds the components that send or read through the discord
// session
func (b *Bot) wire(session DiscordSessionHandler) {
	pipelineLogger := newComponentLogger(b.config.Discord.LogLevel, "pipeline")
	dispatcher := NewDispatcher(session, session)

	correlator := NewAuditCorrelator(session, pipelineLogger)
	correlator.metrics = b.metrics

	notifier := NewNotifier(
		correlator,
		dispatcher,
		b.config.Discord.WarningChannel,
		pipelineLogger,
		b.metrics,
	)
	b.pipeline = NewPipeline(
		notifier,
		session,
		dispatcher,
		b.config.Discord,
		pipelineLogger,
		b.runtimeWG,
	)

	b.interactions = NewInteractionLogger(
		dispatcher,
		b.config.Discord.LogChannel,
		b.completion.logger,
	)
	b.retrier = NewRetrier(
		b.completion,
		b.config.Completion.MaxAttempts,
		b.interactions,
		b.completion.logger,
		b.metrics,
	)
	b.commands = NewCommandHandler(
		session,
		b.retrier,
		b.keyStatus,
		b.renderer,
		b.config,
		newComponentLogger(b.config.Discord.LogLevel, "commands"),
		b.metrics,
		b.runtimeWG,
	)
}

// Status implements StatusReporter
func (b *Bot) Status() BotStatus {
	status := BotStatus{
		Version:            Version,
		StartedAt:          b.startedAt,
		DiscordConnected:   b.discord.connected.Load(),
		DiscordConnects:    b.discord.metricConnects.Load(),
		DiscordDisconnects: b.discord.metricDisconnects.Load(),
	}
	if !b.startedAt.IsZero() {
		status.Uptime = time.Since(b.startedAt).Round(time.Second).String()
	}
	return status
}

// Run opens the gateway session, registers event handlers and (if
// enabled) starts the status API, then blocks until ctx is cancelled or
// the API fails. In-flight handlers are given up to
// [Config.ShutdownTimeout] to finish before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()
	if err := b.openSession(startCtx); err != nil {
		logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
		b.removeHandlers()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
	}
	g.Go(
		func() error {
			<-gctx.Done()
			return nil
		},
	)

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	runErr := g.Wait()
	if runErr != nil {
		logger.ErrorContext(ctx, "runtime error", tint.Err(runErr))
	}
	return errors.Join(runErr, b.shutdown(ctx))
}

// initDiscordSession creates the gateway session (unless one was already
// set), wires the session-dependent components and registers all gateway
// handlers
func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}
	session := b.discord.session
	b.wire(session)

	b.removeHandlers()
	session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	handlers := []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		b.commands.Register(ctx, session),
	}
	handlers = append(handlers, b.pipeline.Register(ctx, session)...)
	b.discord.discordgoRemoveHandlerFuncs = handlers
	return nil
}

// openSession opens the gateway websocket, giving up when ctx is done
func (b *Bot) openSession(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.discord.session.Open()
	}()
	select {
	case <-ctx.Done():
		// Open may still succeed after we've given up on it, in which
		// case the connection would otherwise be left open
		go func() {
			if err := <-errCh; err == nil {
				if closeErr := b.discord.session.Close(); closeErr != nil {
					b.logger.Warn("error closing late discord session", tint.Err(closeErr))
				}
			}
		}()
		return fmt.Errorf("startup cancelled or timed out: %w", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("error opening gateway session: %w", err)
		}
		return nil
	}
}

func (b *Bot) removeHandlers() {
	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil
}

// shutdown stops receiving gateway events, then waits up to
// [Config.ShutdownTimeout] for in-flight handlers to finish.
func (b *Bot) shutdown(ctx context.Context) error {
	logger := b.logger
	shutdownStart := time.Now()
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	b.removeHandlers()

	done := make(chan struct{})
	go func() {
		b.runtimeWG.Wait()
		close(done)
	}()

	var err error
	timer := time.NewTimer(b.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.InfoContext(
			ctx,
			"handlers finished",
			"duration", time.Since(shutdownStart),
		)
	case <-timer.C:
		err = errors.New("handlers did not finish before the shutdown timeout")
		logger.ErrorContext(ctx, "shutdown timed out", tint.Err(err))
	}

	if closeErr := b.discord.session.Close(); closeErr != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(closeErr))
		err = errors.Join(err, closeErr)
	}
	logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return err
}
