package discordbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	unknownExecutor = "Unknown"
	noReason        = "No reason"

	// auditLogPageSize is the number of entries requested per correlation.
	// Only the most recent entry is used, so multiple identical actions
	// performed in quick succession may be attributed to the wrong entry.
	auditLogPageSize = 1
)

// AuditLogReader queries a guild's audit log, most recent entries first.
type AuditLogReader interface {
	GuildAuditLog(
		guildID string,
		userID string,
		beforeID string,
		actionType int,
		limit int,
		options ...discordgo.RequestOption,
	) (*discordgo.GuildAuditLog, error)
}

// AuditEvent is the attribution for an administrative action, derived
// from the most recent audit log entry of the expected type. It's built
// per notification and never persisted.
type AuditEvent struct {
	ActionType  discordgo.AuditLogAction `json:"action_type"`
	GuildID     string                   `json:"guild_id"`
	EntryID     string                   `json:"entry_id,omitempty"`
	ExecutorTag string                   `json:"executor"`
	Reason      string                   `json:"reason"`
	TargetID    string                   `json:"target_id,omitempty"`
	TargetName  string                   `json:"target_name,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

// Found reports whether the event was built from an actual audit log entry
func (a AuditEvent) Found() bool {
	return a.EntryID != ""
}

func (a AuditEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("action_type", int(a.ActionType)),
		slog.String("entry_id", a.EntryID),
		slog.String("executor", a.ExecutorTag),
		slog.String("target_id", a.TargetID),
	)
}

// placeholderAuditEvent returns the attribution used when no audit log
// entry could be found
func placeholderAuditEvent(guildID string, actionType discordgo.AuditLogAction) AuditEvent {
	return AuditEvent{
		ActionType:  actionType,
		GuildID:     guildID,
		ExecutorTag: unknownExecutor,
		Reason:      noReason,
		Timestamp:   time.Now().UTC(),
	}
}

// AuditCorrelator attributes gateway events to the user who performed
// them, by reading the guild's audit log.
type AuditCorrelator struct {
	reader  AuditLogReader
	logger  *slog.Logger
	metrics *Metrics
}

func NewAuditCorrelator(reader AuditLogReader, logger *slog.Logger) *AuditCorrelator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditCorrelator{reader: reader, logger: logger}
}

// Correlate fetches the single most recent audit log entry of the given
// type and extracts its executor and reason.
//
// Correlation is best-effort enrichment: when the request fails (network,
// missing View Audit Log permission) or the log is empty, the returned
// event carries "Unknown"/"No reason". Nothing is retried.
func (a *AuditCorrelator) Correlate(
	ctx context.Context,
	guildID string,
	actionType discordgo.AuditLogAction,
) AuditEvent {
	logger := contextLoggerOr(ctx, a.logger).With(
		columnGuildID, guildID,
		columnAuditActionType, int(actionType),
	)
	event := placeholderAuditEvent(guildID, actionType)

	auditLog, err := a.reader.GuildAuditLog(
		guildID,
		"",
		"",
		int(actionType),
		auditLogPageSize,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "error fetching audit log", tint.Err(err))
		a.metrics.auditLookupFailed()
		return event
	}
	if auditLog == nil || len(auditLog.AuditLogEntries) == 0 {
		logger.DebugContext(ctx, "no audit log entries found")
		a.metrics.auditLookupFailed()
		return event
	}

	entry := auditLog.AuditLogEntries[0]
	if entry == nil {
		return event
	}
	populateAuditEvent(&event, auditLog, entry)
	logger.DebugContext(ctx, "correlated audit log entry", "audit_event", event)
	return event
}

// populateAuditEvent fills in the event from the given entry, resolving
// the executor from the audit log's included users
func populateAuditEvent(
	event *AuditEvent,
	auditLog *discordgo.GuildAuditLog,
	entry *discordgo.AuditLogEntry,
) {
	event.EntryID = entry.ID
	event.TargetID = entry.TargetID
	if entry.ActionType != nil {
		event.ActionType = *entry.ActionType
	}
	if entry.Reason != "" {
		event.Reason = entry.Reason
	}
	if entry.UserID != "" {
		event.ExecutorTag = executorTag(auditLog.Users, entry.UserID)
	}
	if ts, err := discordgo.SnowflakeTimestamp(entry.ID); err == nil {
		event.Timestamp = ts.UTC()
	}
	event.TargetName = auditEntryName(entry)
}

// executorTag returns the tag of the user with the given ID, from the users
// included with an audit log response. If the user isn't included, a
// mention is returned instead, which discord renders client-side.
func executorTag(users []*discordgo.User, userID string) string {
	for _, u := range users {
		if u != nil && u.ID == userID {
			return u.String()
		}
	}
	return fmt.Sprintf("<@%s>", userID)
}

// auditEntryName returns the entity name recorded in the entry's changes,
// preferring the new value. This is the only place the name of a deleted
// role can be recovered from.
func auditEntryName(entry *discordgo.AuditLogEntry) string {
	for _, change := range entry.Changes {
		if change == nil || change.Key == nil || *change.Key != discordgo.AuditLogChangeKeyName {
			continue
		}
		if name, ok := change.NewValue.(string); ok && name != "" {
			return name
		}
		if name, ok := change.OldValue.(string); ok && name != "" {
			return name
		}
	}
	return ""
}
