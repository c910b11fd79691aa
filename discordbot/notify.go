package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
)

// Dispatcher sends messages to a guild channel, looked up by name
type Dispatcher struct {
	channels ChannelLister
	sender   MessageSender
}

func NewDispatcher(channels ChannelLister, sender MessageSender) *Dispatcher {
	return &Dispatcher{channels: channels, sender: sender}
}

// Dispatch resolves the named channel in the guild and sends content to
// it. Content longer than discord's message limit is shortened. Returns
// an error wrapping ErrChannelNotFound if the channel doesn't exist.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	guildID string,
	channelName string,
	content string,
) error {
	channel, err := ResolveChannel(d.channels, guildID, channelName)
	if err != nil {
		return err
	}
	_, err = d.sender.ChannelMessageSend(
		channel.ID,
		shortenString(content, discordMaxMessageLength),
		discordgoWithContext(ctx)...,
	)
	if err != nil {
		return fmt.Errorf("error sending to #%s: %w", channelName, err)
	}
	return nil
}

// Notifier renders audit notifications and posts them to the warning
// channel.
type Notifier struct {
	correlator  *AuditCorrelator
	dispatcher  *Dispatcher
	channelName string
	templates   map[EventKind]NotificationTemplate
	logger      *slog.Logger
	metrics     *Metrics
}

func NewNotifier(
	correlator *AuditCorrelator,
	dispatcher *Dispatcher,
	channelName string,
	logger *slog.Logger,
	metrics *Metrics,
) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		correlator:  correlator,
		dispatcher:  dispatcher,
		channelName: channelName,
		templates:   notificationTemplates,
		logger:      logger,
		metrics:     metrics,
	}
}

// Notify attributes the event to whoever performed it (via the audit log),
// renders the notification for its kind, and sends it to the warning
// channel.
//
// Delivery is best-effort: a missing warning channel, a failed audit log
// query or a failed send are logged and the notification is dropped.
// Notify never panics.
func (n *Notifier) Notify(
	ctx context.Context,
	guildID string,
	kind EventKind,
	subject Subject,
) {
	logger := contextLoggerOr(ctx, n.logger).With(
		columnGuildID, guildID,
		columnEventKind, kind,
	)
	defer func() {
		if rc := recover(); rc != nil {
			n.metrics.notificationDropped(kind, "panic")
			handleRecover(ctx, logger, rc)
		}
	}()

	tmpl, ok := n.templates[kind]
	if !ok {
		logger.ErrorContext(ctx, "no notification template for event kind")
		n.metrics.notificationDropped(kind, "no_template")
		return
	}

	audit := n.correlator.Correlate(WithLogger(ctx, logger), guildID, tmpl.ActionType)
	content := tmpl.Render(subject, audit)

	if err := n.dispatcher.Dispatch(ctx, guildID, n.channelName, content); err != nil {
		reason := "send_failed"
		if errors.Is(err, ErrChannelNotFound) {
			reason = "no_channel"
		}
		logger.WarnContext(
			ctx,
			"notification not delivered",
			tint.Err(err),
			"reason", reason,
		)
		n.metrics.notificationDropped(kind, reason)
		return
	}
	logger.InfoContext(
		ctx,
		"sent notification",
		"subject_id", subject.ID,
		"audit_event", audit,
	)
	n.metrics.notificationSent(kind)
}
