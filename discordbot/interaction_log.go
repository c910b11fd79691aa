package discordbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
	"unicode/utf8"
)

type LogRecordKind string

const (
	LogRecordRequest LogRecordKind = "request"
	LogRecordError   LogRecordKind = "error"

	codeBlockOpen  = "```json\n"
	codeBlockClose = "\n```"
	elided         = "\n..."
)

// LogRecord is a structured record of a chat request's outcome, posted
// to the log channel. Records are write-only.
type LogRecord struct {
	ID      uuid.UUID     `json:"id"`
	Kind    LogRecordKind `json:"kind"`
	Time    time.Time     `json:"time"`
	Payload any           `json:"payload"`
}

func NewLogRecord(kind LogRecordKind, payload any) LogRecord {
	return LogRecord{
		ID:      uuid.New(),
		Kind:    kind,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

type requestLogPayload struct {
	Model    string          `json:"model"`
	Prompt   string          `json:"prompt"`
	Reply    string          `json:"reply"`
	Attempts int             `json:"attempts"`
	Response json.RawMessage `json:"response,omitempty"`
}

type errorLogPayload struct {
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Attempts   int       `json:"attempts"`
	Remaining  string    `json:"remaining,omitempty"`
	Limit      string    `json:"limit,omitempty"`
	Reset      time.Time `json:"reset,omitempty"`
	RetryAfter string    `json:"retry_after,omitempty"`
}

// InteractionLogger posts chat request outcomes to the log channel
type InteractionLogger struct {
	dispatcher  *Dispatcher
	channelName string
	logger      *slog.Logger
}

func NewInteractionLogger(
	dispatcher *Dispatcher,
	channelName string,
	logger *slog.Logger,
) *InteractionLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionLogger{
		dispatcher:  dispatcher,
		channelName: channelName,
		logger:      logger,
	}
}

// LogOutcome records the final response to a chat request: a "request"
// record on success, an "error" record otherwise
func (l *InteractionLogger) LogOutcome(
	ctx context.Context,
	req ChatRequest,
	resp ChatResponse,
	attempts int,
) {
	l.Log(ctx, req.GuildID, outcomeRecord(req, resp, attempts))
}

func outcomeRecord(req ChatRequest, resp ChatResponse, attempts int) LogRecord {
	if s, ok := resp.(Success); ok {
		return NewLogRecord(
			LogRecordRequest,
			requestLogPayload{
				Model:    req.ModelID,
				Prompt:   req.Prompt,
				Reply:    s.Reply,
				Attempts: attempts,
				Response: s.Raw,
			},
		)
	}

	payload := errorLogPayload{
		Model:    req.ModelID,
		Prompt:   req.Prompt,
		Outcome:  chatResponseOutcome(resp),
		Attempts: attempts,
	}
	switch r := resp.(type) {
	case RateLimited:
		payload.Remaining = r.Remaining
		payload.Limit = r.Limit
		payload.Reset = r.Reset
		if r.RetryAfter > 0 {
			payload.RetryAfter = r.RetryAfter.String()
		}
	case ClientError:
		payload.Detail = r.Detail
	case TransientError:
		payload.Detail = r.Detail
	}
	return NewLogRecord(LogRecordError, payload)
}

// Log posts the record to the guild's log channel. Failures are logged
// and otherwise ignored.
func (l *InteractionLogger) Log(ctx context.Context, guildID string, record LogRecord) {
	logger := contextLoggerOr(ctx, l.logger)
	content, err := formatLogRecord(record, discordMaxMessageLength)
	if err != nil {
		logger.ErrorContext(ctx, "error encoding log record", tint.Err(err))
		return
	}
	if err = l.dispatcher.Dispatch(ctx, guildID, l.channelName, content); err != nil {
		logger.WarnContext(
			ctx,
			"unable to post log record",
			tint.Err(err),
			columnGuildID, guildID,
			"record_id", record.ID,
		)
	}
}

// formatLogRecord renders the record as indented JSON inside a code
// block, with a short header. If the result exceeds limit characters,
// the JSON is cut short so the code block still closes.
func formatLogRecord(record LogRecord, limit int) (string, error) {
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}
	header := fmt.Sprintf("**%s** `%s`\n", record.Kind, record.ID)
	wrapper := utf8.RuneCountInString(header) + len(codeBlockOpen) + len(codeBlockClose)

	s := string(body)
	if wrapper+utf8.RuneCountInString(s) > limit {
		keep := limit - wrapper - len(elided)
		if keep < 0 {
			keep = 0
		}
		s = truncate(s, keep) + elided
	}
	return header + codeBlockOpen + s + codeBlockClose, nil
}
