package discordbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	apiHealthCheck = "/healthz"
	apiPathStatus  = "/api/status"
	apiPathMetrics = "/metrics"
	pprofPrefix    = "/debug/pprof"
)

const (
	xRequestIDHeader = "X-Request-ID"
)

// BotStatus is a point-in-time summary of the bot, served by the status API
type BotStatus struct {
	Version            string    `json:"version"`
	StartedAt          time.Time `json:"started_at"`
	Uptime             string    `json:"uptime"`
	DiscordConnected   bool      `json:"discord_connected"`
	DiscordConnects    int64     `json:"discord_connects"`
	DiscordDisconnects int64     `json:"discord_disconnects"`
}

// StatusReporter reports the bot's current status
type StatusReporter interface {
	Status() BotStatus
}

type statusResponse struct {
	BotStatus
	APIRequests map[string]int `json:"api_requests"`
}

type healthCheckResponse struct {
	DiscordConnected bool `json:"discord_connected"`
}

// API is the optional status server. It exposes a health check, a JSON
// status summary and prometheus metrics. Nothing served by it can modify
// the bot.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	status           StatusReporter
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
}

// newAPI initializes the gin engine, middleware and routes. The server
// isn't started until Serve is called.
func newAPI(
	config *APIConfig,
	status StatusReporter,
	registry *prometheus.Registry,
) (*API, error) {
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		status:         status,
		requestMetrics: map[string]int{},
		logger:         newComponentLogger(config.LogLevel, "api"),
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	middleware := []gin.HandlerFunc{
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	}
	// cors.New panics when no origins are allowed
	if corsConfig := config.CORS.GINConfig(); len(corsConfig.AllowOrigins) > 0 {
		middleware = append(middleware, cors.New(corsConfig))
	}
	r.Use(middleware...)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathStatus, api.getStatus)
	if registry != nil {
		r.GET(
			apiPathMetrics,
			gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		)
	}
	if config.Pprof {
		ginPprof.Register(r, pprofPrefix)
	}
	return api, nil
}

// Serve listens on the configured address, serving until ctx is done, at
// which point the server is shut down gracefully.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Serve(a.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			a.config.WriteTimeout+time.Second,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("error shutting down api", tint.Err(err))
		}
		return nil
	}
}

func (a *API) healthCheck(c *gin.Context) {
	status := a.status.Status()
	code := http.StatusOK
	if !status.DiscordConnected {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, healthCheckResponse{DiscordConnected: status.DiscordConnected})
}

func (a *API) getStatus(c *gin.Context) {
	a.requestMetricsMu.Lock()
	requests := maps.Clone(a.requestMetrics)
	a.requestMetricsMu.Unlock()
	c.JSON(
		http.StatusOK,
		statusResponse{BotStatus: a.status.Status(), APIRequests: requests},
	)
}

// requestIDMiddleware assigns a unique request ID to each request, under
// the X-Request-ID key in the gin context and response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request along with its duration and
// response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Debug(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.requestMetricsMu.Lock()
		a.requestMetrics[fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}
