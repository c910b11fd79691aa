package discordbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func counterValue(t testing.TB, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func newTestNotifier(session *mockDiscordSession, metrics *Metrics) *Notifier {
	return NewNotifier(
		NewAuditCorrelator(session, discardLogger()),
		NewDispatcher(session, session),
		DefaultDiscordWarningChannel,
		discardLogger(),
		metrics,
	)
}

func TestDispatcher_Dispatch(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	dispatcher := NewDispatcher(session, session)

	err := dispatcher.Dispatch(
		context.Background(),
		testGuildID,
		DefaultDiscordWarningChannel,
		strings.Repeat("x", 3000),
	)
	require.NoError(t, err)
	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testWarningChannelID, sent[0].ChannelID)
	assert.LessOrEqual(t, len([]rune(sent[0].Content)), discordMaxMessageLength)

	err = dispatcher.Dispatch(context.Background(), testGuildID, "missing", "hi")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	session.SendErr = errors.New("HTTP 403 Forbidden")
	err = dispatcher.Dispatch(
		context.Background(),
		testGuildID,
		DefaultDiscordWarningChannel,
		"hi",
	)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChannelNotFound)
}

func TestNotifier_Notify(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	session.AuditLog = testAuditLog(discordgo.AuditLogActionMemberBanAdd, "u1", "", "spam")
	metrics := NewMetrics()
	notifier := newTestNotifier(session, metrics)

	notifier.Notify(
		context.Background(),
		testGuildID,
		EventMemberBan,
		Subject{ID: "u1", Name: "spammer"},
	)

	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "⛔ **spammer** was banned by **mod**\nReason: spam", sent[0].Content)
	assert.Equal(
		t,
		float64(1),
		counterValue(t, metrics.NotificationsSent.WithLabelValues(string(EventMemberBan))),
	)
}

func TestNotifier_Dropped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		setup  func(m *mockDiscordSession)
		kind   EventKind
		reason string
	}{
		{
			name:   "unknown kind",
			setup:  func(*mockDiscordSession) {},
			kind:   EventKind("message_pin"),
			reason: "no_template",
		},
		{
			name: "no warning channel",
			setup: func(m *mockDiscordSession) {
				m.Channels[testGuildID] = nil
			},
			kind:   EventRoleCreate,
			reason: "no_channel",
		},
		{
			name: "send failed",
			setup: func(m *mockDiscordSession) {
				m.SendErr = errors.New("HTTP 403 Forbidden")
			},
			kind:   EventRoleCreate,
			reason: "send_failed",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				session := newMockDiscordSession()
				session.AuditLog = testAuditLog(discordgo.AuditLogActionRoleCreate, "r1", "", "")
				tc.setup(session)
				metrics := NewMetrics()
				notifier := newTestNotifier(session, metrics)

				notifier.Notify(context.Background(), testGuildID, tc.kind, Subject{ID: "r1"})
				assert.Empty(t, session.sent())
				assert.Equal(
					t,
					float64(1),
					counterValue(
						t,
						metrics.NotificationsDropped.WithLabelValues(string(tc.kind), tc.reason),
					),
				)
			},
		)
	}
}

func TestNotifier_RecoversPanic(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	metrics := NewMetrics()
	notifier := newTestNotifier(session, metrics)
	notifier.templates = map[EventKind]NotificationTemplate{
		EventGuildUpdate: {
			Kind:       EventGuildUpdate,
			ActionType: discordgo.AuditLogActionGuildUpdate,
			Render: func(Subject, AuditEvent) string {
				panic("render failed")
			},
		},
	}

	assert.NotPanics(
		t, func() {
			notifier.Notify(context.Background(), testGuildID, EventGuildUpdate, Subject{})
		},
	)
	assert.Empty(t, session.sent())
	assert.Equal(
		t,
		float64(1),
		counterValue(
			t,
			metrics.NotificationsDropped.WithLabelValues(string(EventGuildUpdate), "panic"),
		),
	)
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(
		t, func() {
			m.notificationSent(EventRoleCreate)
			m.notificationDropped(EventRoleCreate, "no_channel")
			m.auditLookupFailed()
			m.completionAttempted()
			m.observeCompletion("success", time.Now())
			m.commandHandled(commandPing)
		},
	)
}
