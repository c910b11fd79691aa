package discordbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

// EventKind identifies a gateway event that produces a notification
type EventKind string

const (
	EventRoleCreate    EventKind = "role_create"
	EventRoleDelete    EventKind = "role_delete"
	EventRoleUpdate    EventKind = "role_update"
	EventChannelCreate EventKind = "channel_create"
	EventChannelDelete EventKind = "channel_delete"
	EventChannelUpdate EventKind = "channel_update"
	EventWebhookUpdate EventKind = "webhook_update"
	EventMemberBan     EventKind = "member_ban"
	EventGuildUpdate   EventKind = "guild_update"
)

const gatewayEventAuditLogEntryCreate = "GUILD_AUDIT_LOG_ENTRY_CREATE"

// Subject is the entity a notification is about
type Subject struct {
	ID   string
	Name string
}

// NotificationTemplate binds a gateway event kind to the audit log action
// used to attribute it, and to the function rendering its notification.
type NotificationTemplate struct {
	Kind       EventKind
	ActionType discordgo.AuditLogAction
	Render     func(subject Subject, audit AuditEvent) string
}

// notificationTemplates is the static event kind -> template table.
// It's read-only after initialization.
var notificationTemplates = map[EventKind]NotificationTemplate{
	EventRoleCreate: {
		Kind:       EventRoleCreate,
		ActionType: discordgo.AuditLogActionRoleCreate,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("🆕", fmt.Sprintf("Role **%s** was created", subjectName(s, a)), a)
		},
	},
	EventRoleDelete: {
		Kind:       EventRoleDelete,
		ActionType: discordgo.AuditLogActionRoleDelete,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("🗑️", fmt.Sprintf("Role **%s** was deleted", subjectName(s, a)), a)
		},
	},
	EventRoleUpdate: {
		Kind:       EventRoleUpdate,
		ActionType: discordgo.AuditLogActionRoleUpdate,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("✏️", fmt.Sprintf("Role **%s** was updated", subjectName(s, a)), a)
		},
	},
	EventChannelCreate: {
		Kind:       EventChannelCreate,
		ActionType: discordgo.AuditLogActionChannelCreate,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("🆕", fmt.Sprintf("Channel **#%s** was created", subjectName(s, a)), a)
		},
	},
	EventChannelDelete: {
		Kind:       EventChannelDelete,
		ActionType: discordgo.AuditLogActionChannelDelete,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("🗑️", fmt.Sprintf("Channel **#%s** was deleted", subjectName(s, a)), a)
		},
	},
	EventChannelUpdate: {
		Kind:       EventChannelUpdate,
		ActionType: discordgo.AuditLogActionChannelUpdate,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("✏️", fmt.Sprintf("Channel **#%s** was updated", subjectName(s, a)), a)
		},
	},
	EventWebhookUpdate: {
		Kind:       EventWebhookUpdate,
		ActionType: discordgo.AuditLogActionWebhookUpdate,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("⚠️", fmt.Sprintf("Webhooks in **#%s** were updated", subjectName(s, a)), a)
		},
	},
	EventMemberBan: {
		Kind:       EventMemberBan,
		ActionType: discordgo.AuditLogActionMemberBanAdd,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("⛔", fmt.Sprintf("**%s** was banned", subjectName(s, a)), a)
		},
	},
	EventGuildUpdate: {
		Kind:       EventGuildUpdate,
		ActionType: discordgo.AuditLogActionGuildUpdate,
		Render: func(s Subject, a AuditEvent) string {
			return renderNotification("⚙️", fmt.Sprintf("Server **%s** was updated", subjectName(s, a)), a)
		},
	},
}

func renderNotification(marker string, what string, audit AuditEvent) string {
	return fmt.Sprintf(
		"%s %s by **%s**\nReason: %s",
		marker,
		what,
		audit.ExecutorTag,
		audit.Reason,
	)
}

// subjectName returns the best available display name for the subject,
// falling back to the name recorded in the audit log, then the ID.
func subjectName(s Subject, a AuditEvent) string {
	switch {
	case s.Name != "":
		return s.Name
	case a.TargetName != "" && (s.ID == "" || a.TargetID == s.ID):
		return a.TargetName
	case s.ID != "":
		return s.ID
	default:
		return "unknown"
	}
}

func roleCreateSubject(e *discordgo.GuildRoleCreate) (string, Subject, bool) {
	if e == nil || e.GuildRole == nil || e.Role == nil {
		return "", Subject{}, false
	}
	return e.GuildID, Subject{ID: e.Role.ID, Name: e.Role.Name}, true
}

func roleUpdateSubject(e *discordgo.GuildRoleUpdate) (string, Subject, bool) {
	if e == nil || e.GuildRole == nil || e.Role == nil {
		return "", Subject{}, false
	}
	return e.GuildID, Subject{ID: e.Role.ID, Name: e.Role.Name}, true
}

// roleDeleteSubject only has the role's ID available, the name is
// recovered from the audit log entry when rendering.
func roleDeleteSubject(e *discordgo.GuildRoleDelete) (string, Subject, bool) {
	if e == nil || e.GuildID == "" {
		return "", Subject{}, false
	}
	return e.GuildID, Subject{ID: e.RoleID}, true
}

// channelSubject skips channels that don't belong to a guild (DMs, group DMs)
func channelSubject(c *discordgo.Channel) (string, Subject, bool) {
	if c == nil || c.GuildID == "" {
		return "", Subject{}, false
	}
	return c.GuildID, Subject{ID: c.ID, Name: c.Name}, true
}

func banSubject(e *discordgo.GuildBanAdd) (string, Subject, bool) {
	if e == nil || e.GuildID == "" {
		return "", Subject{}, false
	}
	if e.User == nil {
		return e.GuildID, Subject{}, true
	}
	return e.GuildID, Subject{ID: e.User.ID, Name: e.User.String()}, true
}

func guildUpdateSubject(e *discordgo.GuildUpdate) (string, Subject, bool) {
	if e == nil || e.Guild == nil || e.Guild.ID == "" {
		return "", Subject{}, false
	}
	return e.Guild.ID, Subject{ID: e.Guild.ID, Name: e.Guild.Name}, true
}

// webhookSubject resolves the name of the channel whose webhooks changed
// from the guild's channel cache, falling back to the channel ID.
func webhookSubject(lister ChannelLister, e *discordgo.WebhooksUpdate) (string, Subject, bool) {
	if e == nil || e.GuildID == "" {
		return "", Subject{}, false
	}
	subject := Subject{ID: e.ChannelID}
	if channels, err := lister.GuildChannels(e.GuildID); err == nil {
		for _, c := range channels {
			if c != nil && c.ID == e.ChannelID {
				subject.Name = c.Name
				break
			}
		}
	}
	return e.GuildID, subject, true
}

// auditLogEntryCreate is the GUILD_AUDIT_LOG_ENTRY_CREATE payload.
// discordgo.GuildAuditLogEntryCreate doesn't include guild_id, so the
// raw event is decoded instead.
type auditLogEntryCreate struct {
	discordgo.AuditLogEntry
	GuildID string `json:"guild_id"`
}

// Pipeline binds gateway events to notifications.
//
// Each event is handled on its own goroutine, so a slow audit log fetch
// or channel send for one event doesn't delay any other. Handlers never
// propagate errors or panics.
type Pipeline struct {
	notifier     *Notifier
	channels     ChannelLister
	dispatcher   *Dispatcher
	logChannel   string
	relayEntries bool
	logger       *slog.Logger
	wg           *sync.WaitGroup
}

func NewPipeline(
	notifier *Notifier,
	channels ChannelLister,
	dispatcher *Dispatcher,
	config *DiscordConfig,
	logger *slog.Logger,
	wg *sync.WaitGroup,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return &Pipeline{
		notifier:     notifier,
		channels:     channels,
		dispatcher:   dispatcher,
		logChannel:   config.LogChannel,
		relayEntries: config.RelayAuditEntries,
		logger:       logger,
		wg:           wg,
	}
}

// spawn runs f on a new goroutine tracked by the pipeline's wait group
func (p *Pipeline) spawn(ctx context.Context, kind EventKind, f func(context.Context)) {
	goTracked(ctx, p.wg, p.logger.With(columnEventKind, kind), f)
}

// dispatch is the single generic handler body shared by every event binding
func (p *Pipeline) dispatch(
	ctx context.Context,
	kind EventKind,
	guildID string,
	subject Subject,
	ok bool,
) {
	if !ok {
		p.logger.DebugContext(ctx, "skipping event without a guild", columnEventKind, kind)
		return
	}
	p.spawn(
		ctx, kind, func(ctx context.Context) {
			p.notifier.Notify(ctx, guildID, kind, subject)
		},
	)
}

// Register adds a gateway handler for each supported event kind, returning
// the functions that remove them.
func (p *Pipeline) Register(ctx context.Context, session DiscordSessionHandler) []func() {
	return []func(){
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildRoleCreate) {
				guildID, subject, ok := roleCreateSubject(e)
				p.dispatch(ctx, EventRoleCreate, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildRoleDelete) {
				guildID, subject, ok := roleDeleteSubject(e)
				p.dispatch(ctx, EventRoleDelete, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildRoleUpdate) {
				guildID, subject, ok := roleUpdateSubject(e)
				p.dispatch(ctx, EventRoleUpdate, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.ChannelCreate) {
				guildID, subject, ok := channelSubject(e.Channel)
				p.dispatch(ctx, EventChannelCreate, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.ChannelDelete) {
				guildID, subject, ok := channelSubject(e.Channel)
				p.dispatch(ctx, EventChannelDelete, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.ChannelUpdate) {
				guildID, subject, ok := channelSubject(e.Channel)
				p.dispatch(ctx, EventChannelUpdate, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.WebhooksUpdate) {
				guildID, subject, ok := webhookSubject(p.channels, e)
				p.dispatch(ctx, EventWebhookUpdate, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildBanAdd) {
				guildID, subject, ok := banSubject(e)
				p.dispatch(ctx, EventMemberBan, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildUpdate) {
				guildID, subject, ok := guildUpdateSubject(e)
				p.dispatch(ctx, EventGuildUpdate, guildID, subject, ok)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.Event) {
				if e.Type != gatewayEventAuditLogEntryCreate || !p.relayEntries {
					return
				}
				p.relayAuditLogEntry(ctx, e.RawData)
			},
		),
	}
}

// relayAuditLogEntry posts a short summary of a new audit log entry to
// the log channel
func (p *Pipeline) relayAuditLogEntry(ctx context.Context, data json.RawMessage) {
	var entry auditLogEntryCreate
	if err := json.Unmarshal(data, &entry); err != nil {
		p.logger.WarnContext(ctx, "error decoding audit log entry", tint.Err(err))
		return
	}
	if entry.GuildID == "" {
		return
	}
	content := renderAuditLogEntry(entry.AuditLogEntry)
	p.spawn(
		ctx, "audit_log_entry", func(ctx context.Context) {
			if err := p.dispatcher.Dispatch(ctx, entry.GuildID, p.logChannel, content); err != nil {
				p.logger.WarnContext(
					ctx,
					"unable to relay audit log entry",
					tint.Err(err),
					columnGuildID, entry.GuildID,
				)
			}
		},
	)
}

func renderAuditLogEntry(entry discordgo.AuditLogEntry) string {
	action := "Unknown"
	if entry.ActionType != nil {
		action = auditLogActionName(*entry.ActionType)
	}
	executor := unknownExecutor
	if entry.UserID != "" {
		executor = fmt.Sprintf("<@%s>", entry.UserID)
	}
	return fmt.Sprintf(
		"🔔 New audit log entry:\nAction: %s\nPerformed by: %s",
		action,
		executor,
	)
}

var auditLogActionNames = map[discordgo.AuditLogAction]string{
	discordgo.AuditLogActionGuildUpdate:     "GuildUpdate",
	discordgo.AuditLogActionChannelCreate:   "ChannelCreate",
	discordgo.AuditLogActionChannelUpdate:   "ChannelUpdate",
	discordgo.AuditLogActionChannelDelete:   "ChannelDelete",
	discordgo.AuditLogActionMemberKick:      "MemberKick",
	discordgo.AuditLogActionMemberBanAdd:    "MemberBanAdd",
	discordgo.AuditLogActionMemberBanRemove: "MemberBanRemove",
	discordgo.AuditLogActionMemberUpdate:    "MemberUpdate",
	discordgo.AuditLogActionRoleCreate:      "RoleCreate",
	discordgo.AuditLogActionRoleUpdate:      "RoleUpdate",
	discordgo.AuditLogActionRoleDelete:      "RoleDelete",
	discordgo.AuditLogActionWebhookCreate:   "WebhookCreate",
	discordgo.AuditLogActionWebhookUpdate:   "WebhookUpdate",
	discordgo.AuditLogActionWebhookDelete:   "WebhookDelete",
	discordgo.AuditLogActionMessageDelete:   "MessageDelete",
}

// auditLogActionName returns a readable name for the action, or its
// numeric value if it's not one we know about
func auditLogActionName(action discordgo.AuditLogAction) string {
	if name, ok := auditLogActionNames[action]; ok {
		return name
	}
	return fmt.Sprintf("%d", int(action))
}
