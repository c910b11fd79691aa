package discordbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
	headerReferer            = "HTTP-Referer"
	headerTitle              = "X-Title"
)

// ChatRequest is a single prompt sent to a model on behalf of one inbound
// chat message. It never outlives that message.
type ChatRequest struct {
	ModelID string `json:"model"`
	Prompt  string `json:"prompt"`
	GuildID string `json:"guild_id"`
}

// ChatResponse is the classified outcome of a completion request. It's
// one of Success, RateLimited, ClientError or TransientError.
type ChatResponse interface {
	isChatResponse()
}

// Success carries the text of the first choice, and the decoded
// response body
type Success struct {
	Reply string          `json:"reply"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// RateLimited is returned for HTTP 429. Any hints the provider sent about
// its quota are included, and are zero when absent.
type RateLimited struct {
	Remaining  string        `json:"remaining,omitempty"`
	Limit      string        `json:"limit,omitempty"`
	Reset      time.Time     `json:"reset,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// ClientError is returned for HTTP 400: the request itself is invalid
// (ex: unknown model ID), and retrying won't help.
type ClientError struct {
	Detail string `json:"detail"`
}

// TransientError is returned for any other failure: non-2xx statuses
// other than 400/429, transport errors, undecodable responses and
// responses without any choices.
type TransientError struct {
	Detail string `json:"detail"`
	Err    error  `json:"-"`
}

func (Success) isChatResponse()        {}
func (RateLimited) isChatResponse()    {}
func (ClientError) isChatResponse()    {}
func (TransientError) isChatResponse() {}

func (e TransientError) Unwrap() error {
	return e.Err
}

// chatResponseOutcome returns a short label for the response variant,
// used in logs and metrics
func chatResponseOutcome(r ChatResponse) string {
	switch r.(type) {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case ClientError:
		return "client_error"
	case TransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// ChatCompletionClient is the subset of the go-openai client used to
// request completions
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// Completer requests a single completion, classifying the outcome
type Completer interface {
	Complete(ctx context.Context, modelID string, prompt string) ChatResponse
}

// CompletionClient sends prompts to an OpenAI-compatible chat completions
// API (OpenRouter by default).
type CompletionClient struct {
	client         ChatCompletionClient
	config         *CompletionConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	now            func() time.Time
}

// newCompletionClient creates a client for the configured provider. If
// httpClient is nil, http.DefaultClient is used.
func newCompletionClient(
	config *CompletionConfig,
	httpClient *http.Client,
	metrics *Metrics,
	logger *slog.Logger,
) *CompletionClient {
	if logger == nil {
		logger = newComponentLogger(config.LogLevel, "completion")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	clientCfg.HTTPClient = &providerDoer{
		client:  httpClient,
		referer: config.Referer,
		title:   config.Title,
		metrics: metrics,
	}

	return &CompletionClient{
		client:         openai.NewClientWithConfig(clientCfg),
		config:         config,
		logger:         logger,
		requestLimiter: newRequestLimiter(config.MaxRequestsPerSecond),
		now:            time.Now,
	}
}

// newRequestLimiter returns a limiter allowing the given number of
// requests per second. Zero (or less) means unlimited.
func newRequestLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), max(1, int(math.Ceil(rps))))
}

// Complete sends prompt to the given model as a single user message, and
// classifies the outcome.
func (c *CompletionClient) Complete(
	ctx context.Context,
	modelID string,
	prompt string,
) ChatResponse {
	logger := contextLoggerOr(ctx, c.logger).With(columnModelID, modelID)

	if err := c.requestLimiter.Wait(ctx); err != nil {
		logger.WarnContext(ctx, "request limiter error", tint.Err(err))
		return TransientError{Detail: "request cancelled", Err: err}
	}

	req := openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	}
	start := c.now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	result := classifyCompletion(resp, err, c.now())

	logger.InfoContext(
		ctx,
		"completion request finished",
		"outcome", chatResponseOutcome(result),
		"duration", c.now().Sub(start),
		"usage", resp.Usage,
	)
	if err != nil {
		logger.DebugContext(ctx, "completion error", tint.Err(err))
	}
	return result
}

// classifyCompletion maps the outcome of a chat completion call to a
// ChatResponse. Only HTTP 429 is considered recoverable.
func classifyCompletion(
	resp openai.ChatCompletionResponse,
	err error,
	now time.Time,
) ChatResponse {
	if err == nil {
		if len(resp.Choices) == 0 {
			return TransientError{Detail: "completion response contained no choices"}
		}
		raw, _ := json.Marshal(resp)
		return Success{Reply: resp.Choices[0].Message.Content, Raw: raw}
	}

	status, detail := errorStatus(err)
	switch status {
	case http.StatusTooManyRequests:
		return rateLimitedFromHeaders(resp.Header(), now)
	case http.StatusBadRequest:
		return ClientError{Detail: detail}
	case 0:
		return TransientError{Detail: fmt.Sprintf("request failed: %s", detail), Err: err}
	default:
		return TransientError{
			Detail: fmt.Sprintf("HTTP %d: %s", status, detail),
			Err:    err,
		}
	}
}

// errorStatus extracts the HTTP status code and a human-readable message
// from a go-openai error. The status is 0 if no response was received.
func errorStatus(err error) (int, string) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := strings.TrimSpace(string(reqErr.Body))
		if detail == "" {
			detail = http.StatusText(reqErr.HTTPStatusCode)
		}
		return reqErr.HTTPStatusCode, truncate(detail, 500)
	}
	return 0, err.Error()
}

// rateLimitedFromHeaders builds a RateLimited response from any quota
// hints in the response headers
func rateLimitedFromHeaders(h http.Header, now time.Time) RateLimited {
	rl := RateLimited{
		Remaining: h.Get(headerRateLimitRemaining),
		Limit:     h.Get(headerRateLimitLimit),
	}
	if reset, ok := parseRateLimitReset(h.Get(headerRateLimitReset), now); ok {
		rl.Reset = reset
	}
	if d, ok := parseRetryAfter(h.Get(headerRetryAfter), now); ok {
		rl.RetryAfter = d
	}
	return rl
}

// parseRateLimitReset parses a reset hint, which may be a unix timestamp
// in milliseconds (OpenRouter) or seconds, or a duration relative to now
// (ex: "6m0s", as sent by OpenAI).
func parseRateLimitReset(v string, now time.Time) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		switch {
		case n >= 1e12:
			return time.UnixMilli(n).UTC(), true
		case n >= 1e9:
			return time.Unix(n, 0).UTC(), true
		default:
			return now.Add(time.Duration(n) * time.Second).UTC(), true
		}
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(d).UTC(), true
	}
	return time.Time{}, false
}

// parseRetryAfter parses a Retry-After header, in either delay-seconds
// or HTTP-date form
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// providerDoer implements openai.HTTPDoer, adding the optional
// HTTP-Referer/X-Title headers OpenRouter uses to attribute requests,
// and counting the calls made.
type providerDoer struct {
	client  *http.Client
	referer string
	title   string
	metrics *Metrics
}

func (p *providerDoer) Do(req *http.Request) (*http.Response, error) {
	if p.referer != "" {
		req.Header.Set(headerReferer, p.referer)
	}
	if p.title != "" {
		req.Header.Set(headerTitle, p.title)
	}
	p.metrics.completionAttempted()
	return p.client.Do(req)
}
