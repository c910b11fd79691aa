package discordbot

import (
	"context"
	"log/slog"
	"math"
	"time"
)

type retryAction int

const (
	actionReturn retryAction = iota
	actionRetry
)

func (a retryAction) String() string {
	switch a {
	case actionReturn:
		return "return"
	case actionRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// attemptState tracks a single chat request through its attempts.
// attempt starts at 0.
type attemptState struct {
	attempt  int
	response ChatResponse
}

// transition decides what happens after the given response was received
// on the given (zero-based) attempt. Only a rate limited response is
// retried, and only while attempts remain.
func transition(resp ChatResponse, attempt int, maxAttempts int) retryAction {
	if _, ok := resp.(RateLimited); ok && attempt < maxAttempts-1 {
		return actionRetry
	}
	return actionReturn
}

// exponentialBackoff returns 2^attempt seconds: 1s after the first
// attempt, 2s after the second, ...
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// sleepContext waits for d, or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier sends chat requests, retrying with exponential backoff while
// the provider responds with HTTP 429.
type Retrier struct {
	Completer   Completer
	MaxAttempts int

	// Backoff returns the delay after the given zero-based attempt
	Backoff func(attempt int) time.Duration

	// Sleep waits for the given duration, returning early with an error
	// if ctx is done
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger receives the terminal outcome of every request
	Logger *InteractionLogger

	logger  *slog.Logger
	metrics *Metrics
}

func NewRetrier(
	completer Completer,
	maxAttempts int,
	interactions *InteractionLogger,
	logger *slog.Logger,
	metrics *Metrics,
) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = DefaultCompletionMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		Completer:   completer,
		MaxAttempts: maxAttempts,
		Backoff:     exponentialBackoff,
		Sleep:       sleepContext,
		Logger:      interactions,
		logger:      logger,
		metrics:     metrics,
	}
}

// Send requests a completion for req, returning the final response and
// the number of attempts made.
//
// Success, ClientError and TransientError are returned immediately.
// RateLimited is retried up to MaxAttempts total calls, sleeping
// Backoff(attempt) between calls. If ctx is cancelled while sleeping, the
// last RateLimited response is returned. The final outcome is reported
// to the interaction logger before Send returns.
func (r *Retrier) Send(ctx context.Context, req ChatRequest) (ChatResponse, int) {
	logger := contextLoggerOr(ctx, r.logger).With(
		columnModelID, req.ModelID,
		columnGuildID, req.GuildID,
	)
	start := time.Now()
	state := &attemptState{}

	for {
		state.response = r.Completer.Complete(ctx, req.ModelID, req.Prompt)
		action := transition(state.response, state.attempt, r.MaxAttempts)
		logger.DebugContext(
			ctx,
			"completion attempt finished",
			columnAttempt, state.attempt,
			"outcome", chatResponseOutcome(state.response),
			"next", action,
		)
		if action == actionReturn {
			break
		}

		delay := r.Backoff(state.attempt)
		logger.WarnContext(
			ctx,
			"rate limited, backing off",
			columnAttempt, state.attempt+1,
			"max_attempts", r.MaxAttempts,
			"backoff", delay,
		)
		if err := r.Sleep(ctx, delay); err != nil {
			logger.WarnContext(ctx, "retry cancelled", "error", err)
			break
		}
		state.attempt++
	}

	attempts := state.attempt + 1
	r.metrics.observeCompletion(chatResponseOutcome(state.response), start)
	if r.Logger != nil {
		r.Logger.LogOutcome(ctx, req, state.response, attempts)
	}
	return state.response, attempts
}
