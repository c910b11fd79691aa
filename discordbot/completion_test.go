package discordbot

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

const testCompletionBody = `{
  "id": "gen-123",
  "object": "chat.completion",
  "created": 1724000000,
  "model": "model-x",
  "choices": [
    {
      "index": 0,
      "message": {"role": "assistant", "content": "hello there"},
      "finish_reason": "stop"
    }
  ],
  "usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
}`

// newTestCompletionClient returns a client for a test server running the
// given handler
func newTestCompletionClient(
	t testing.TB,
	handler http.HandlerFunc,
) (*CompletionClient, *Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	config := DefaultConfig().Completion
	config.Token = "test-token"
	config.BaseURL = srv.URL + "/"
	config.Referer = "https://example.com/bot"
	config.Title = "test bot"

	metrics := NewMetrics()
	client := newCompletionClient(config, srv.Client(), metrics, discardLogger())
	return client, metrics
}

func TestCompletionClient_Success(t *testing.T) {
	t.Parallel()
	var got openai.ChatCompletionRequest
	var header http.Header
	var path string
	var calls atomic.Int32
	client, _ := newTestCompletionClient(
		t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			path = r.URL.Path
			header = r.Header.Clone()
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(testCompletionBody))
		},
	)

	resp := client.Complete(context.Background(), "model-x", "hello")
	success, ok := resp.(Success)
	require.True(t, ok, "expected Success, got %#v", resp)
	assert.Equal(t, "hello there", success.Reply)
	assert.NotEmpty(t, success.Raw)

	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "Bearer test-token", header.Get("Authorization"))
	assert.Equal(t, "https://example.com/bot", header.Get(headerReferer))
	assert.Equal(t, "test bot", header.Get(headerTitle))

	assert.Equal(t, "model-x", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Content)

	assert.Equal(t, int32(1), calls.Load())
}

func TestCompletionClient_RateLimited(t *testing.T) {
	t.Parallel()
	reset := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)
	client, _ := newTestCompletionClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(headerRateLimitRemaining, "0")
			w.Header().Set(headerRateLimitLimit, "20")
			w.Header().Set(headerRateLimitReset, strconv.FormatInt(reset.UnixMilli(), 10))
			w.Header().Set(headerRetryAfter, "7")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit exceeded","code":429}}`))
		},
	)

	resp := client.Complete(context.Background(), "model-x", "hello")
	limited, ok := resp.(RateLimited)
	require.True(t, ok, "expected RateLimited, got %#v", resp)
	assert.Equal(t, "0", limited.Remaining)
	assert.Equal(t, "20", limited.Limit)
	assert.True(t, reset.Equal(limited.Reset))
	assert.Equal(t, 7*time.Second, limited.RetryAfter)
}

func TestCompletionClient_RateLimitedWithoutHeaders(t *testing.T) {
	t.Parallel()
	client, _ := newTestCompletionClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		},
	)

	resp := client.Complete(context.Background(), "model-x", "hello")
	assert.Equal(t, RateLimited{}, resp)
}

func TestCompletionClient_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   int
		body     string
		expected string
		detail   string
	}{
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"model-z is not a valid model ID","code":400}}`,
			expected: "client_error",
			detail:   "model-z is not a valid model ID",
		},
		{
			name:     "server error",
			status:   http.StatusInternalServerError,
			body:     `{"error":{"message":"upstream failure","code":500}}`,
			expected: "transient_error",
			detail:   "HTTP 500: upstream failure",
		},
		{
			name:     "bad gateway without json",
			status:   http.StatusBadGateway,
			body:     "<html>bad gateway</html>",
			expected: "transient_error",
			detail:   "HTTP 502: <html>bad gateway</html>",
		},
		{
			name:     "malformed success",
			status:   http.StatusOK,
			body:     `{"choices": [`,
			expected: "transient_error",
		},
		{
			name:     "no choices",
			status:   http.StatusOK,
			body:     `{"id": "gen-1", "choices": []}`,
			expected: "transient_error",
			detail:   "completion response contained no choices",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				client, _ := newTestCompletionClient(
					t, func(w http.ResponseWriter, _ *http.Request) {
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(tc.status)
						_, _ = w.Write([]byte(tc.body))
					},
				)
				resp := client.Complete(context.Background(), "model-x", "hello")
				assert.Equal(t, tc.expected, chatResponseOutcome(resp))
				if tc.detail == "" {
					return
				}
				switch r := resp.(type) {
				case ClientError:
					assert.Equal(t, tc.detail, r.Detail)
				case TransientError:
					assert.Equal(t, tc.detail, r.Detail)
				}
			},
		)
	}
}

func TestCompletionClient_TransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	config := DefaultConfig().Completion
	config.Token = "test-token"
	config.BaseURL = srv.URL
	srv.Close()

	client := newCompletionClient(config, nil, nil, discardLogger())
	resp := client.Complete(context.Background(), "model-x", "hello")
	transient, ok := resp.(TransientError)
	require.True(t, ok, "expected TransientError, got %#v", resp)
	assert.Contains(t, transient.Detail, "request failed")
	assert.Error(t, transient.Unwrap())
}

func TestCompletionClient_Cancelled(t *testing.T) {
	t.Parallel()
	config := DefaultConfig().Completion
	config.Token = "test-token"
	config.MaxRequestsPerSecond = 0.001
	client := newCompletionClient(config, nil, nil, discardLogger())

	// consume the only token, so the next call has to wait
	require.True(t, client.requestLimiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := client.Complete(ctx, "model-x", "hello")
	transient, ok := resp.(TransientError)
	require.True(t, ok)
	assert.Equal(t, "request cancelled", transient.Detail)
}

func TestClassifyCompletion(t *testing.T) {
	t.Parallel()
	now := time.Now()

	resp := classifyCompletion(
		openai.ChatCompletionResponse{},
		&openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "nope"},
		now,
	)
	assert.Equal(t, ClientError{Detail: "nope"}, resp)

	resp = classifyCompletion(
		openai.ChatCompletionResponse{},
		&openai.RequestError{HTTPStatusCode: http.StatusServiceUnavailable},
		now,
	)
	transient, ok := resp.(TransientError)
	require.True(t, ok)
	assert.Equal(t, "HTTP 503: Service Unavailable", transient.Detail)

	netErr := errors.New("connection refused")
	resp = classifyCompletion(openai.ChatCompletionResponse{}, netErr, now)
	transient, ok = resp.(TransientError)
	require.True(t, ok)
	assert.ErrorIs(t, transient.Unwrap(), netErr)
	assert.Equal(t, "request failed: connection refused", transient.Detail)
}

func TestParseRateLimitReset(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value    string
		expected time.Time
		ok       bool
	}{
		{"", time.Time{}, false},
		{"soon", time.Time{}, false},
		{"1724155200000", time.UnixMilli(1724155200000).UTC(), true},
		{"1724155200", time.Unix(1724155200, 0).UTC(), true},
		{"30", now.Add(30 * time.Second), true},
		{"6m0s", now.Add(6 * time.Minute), true},
	}
	for _, tc := range tests {
		t.Run(
			tc.value, func(t *testing.T) {
				got, ok := parseRateLimitReset(tc.value, now)
				assert.Equal(t, tc.ok, ok)
				assert.True(t, tc.expected.Equal(got), "expected %s, got %s", tc.expected, got)
			},
		)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("3", now)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	d, ok = parseRetryAfter("1.5", now)
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, ok = parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, d)

	d, ok = parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, d)

	_, ok = parseRetryAfter("-1", now)
	assert.False(t, ok)
	_, ok = parseRetryAfter("", now)
	assert.False(t, ok)
}

func TestNewRequestLimiter(t *testing.T) {
	t.Parallel()
	unlimited := newRequestLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow())
	}

	limited := newRequestLimiter(2)
	assert.True(t, limited.Allow())
	assert.True(t, limited.Allow())
	assert.False(t, limited.Allow())
}
