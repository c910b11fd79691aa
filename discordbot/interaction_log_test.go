package discordbot

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestOutcomeRecord(t *testing.T) {
	t.Parallel()
	req := ChatRequest{ModelID: "model-x", Prompt: "hello", GuildID: testGuildID}

	record := outcomeRecord(req, Success{Reply: "hi"}, 1)
	assert.Equal(t, LogRecordRequest, record.Kind)
	assert.NotEqual(t, uuid.Nil, record.ID)
	payload, ok := record.Payload.(requestLogPayload)
	require.True(t, ok)
	assert.Equal(t, "hi", payload.Reply)
	assert.Equal(t, "model-x", payload.Model)

	reset := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)
	record = outcomeRecord(
		req,
		RateLimited{Remaining: "0", Limit: "20", Reset: reset, RetryAfter: 3 * time.Second},
		3,
	)
	assert.Equal(t, LogRecordError, record.Kind)
	errPayload, ok := record.Payload.(errorLogPayload)
	require.True(t, ok)
	assert.Equal(t, "rate_limited", errPayload.Outcome)
	assert.Equal(t, 3, errPayload.Attempts)
	assert.Equal(t, "20", errPayload.Limit)
	assert.Equal(t, reset, errPayload.Reset)
	assert.Equal(t, "3s", errPayload.RetryAfter)

	record = outcomeRecord(req, ClientError{Detail: "bad model"}, 1)
	errPayload, ok = record.Payload.(errorLogPayload)
	require.True(t, ok)
	assert.Equal(t, "client_error", errPayload.Outcome)
	assert.Equal(t, "bad model", errPayload.Detail)

	record = outcomeRecord(req, TransientError{Detail: "HTTP 500: oops"}, 1)
	errPayload, ok = record.Payload.(errorLogPayload)
	require.True(t, ok)
	assert.Equal(t, "transient_error", errPayload.Outcome)
	assert.Equal(t, "HTTP 500: oops", errPayload.Detail)
}

func TestFormatLogRecord(t *testing.T) {
	t.Parallel()
	record := NewLogRecord(
		LogRecordRequest,
		requestLogPayload{Model: "model-x", Prompt: "hello", Reply: "hi", Attempts: 1},
	)
	content, err := formatLogRecord(record, discordMaxMessageLength)
	require.NoError(t, err)

	header := "**request** `" + record.ID.String() + "`\n"
	require.True(t, strings.HasPrefix(content, header))
	body := strings.TrimPrefix(content, header)
	require.True(t, strings.HasPrefix(body, "```json\n"))
	require.True(t, strings.HasSuffix(body, "\n```"))

	var decoded map[string]any
	err = json.Unmarshal(
		[]byte(strings.TrimSuffix(strings.TrimPrefix(body, "```json\n"), "\n```")),
		&decoded,
	)
	require.NoError(t, err)
	assert.Equal(t, "request", decoded["kind"])
	assert.Equal(t, record.ID.String(), decoded["id"])
}

func TestFormatLogRecord_Truncated(t *testing.T) {
	t.Parallel()
	record := NewLogRecord(
		LogRecordRequest,
		requestLogPayload{
			Model:  "model-x",
			Prompt: "hello",
			Reply:  strings.Repeat("ünïcode ", 1000),
		},
	)
	content, err := formatLogRecord(record, discordMaxMessageLength)
	require.NoError(t, err)
	assert.LessOrEqual(t, utf8.RuneCountInString(content), discordMaxMessageLength)
	assert.True(t, strings.HasSuffix(content, "\n...\n```"))
}

func TestInteractionLogger_Log(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	interactions := NewInteractionLogger(
		NewDispatcher(session, session),
		DefaultDiscordLogChannel,
		discardLogger(),
	)

	interactions.LogOutcome(
		context.Background(),
		ChatRequest{ModelID: "model-x", Prompt: "hello", GuildID: testGuildID},
		TransientError{Detail: "HTTP 503: unavailable"},
		1,
	)
	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testLogChannelID, sent[0].ChannelID)
	assert.True(t, strings.HasPrefix(sent[0].Content, "**error**"))
	assert.Contains(t, sent[0].Content, `"outcome": "transient_error"`)
	assert.Contains(t, sent[0].Content, `"detail": "HTTP 503: unavailable"`)
}

func TestInteractionLogger_NoLogChannel(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	interactions := NewInteractionLogger(
		NewDispatcher(session, session),
		"missing-channel",
		discardLogger(),
	)
	interactions.LogOutcome(
		context.Background(),
		ChatRequest{ModelID: "model-x", Prompt: "hello", GuildID: testGuildID},
		Success{Reply: "hi"},
		1,
	)
	assert.Empty(t, session.sent())
}
