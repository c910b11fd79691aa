package discordbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestAuditCorrelator_Correlate(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	session.AuditLog = testAuditLog(
		discordgo.AuditLogActionRoleDelete,
		"role-1",
		"moderators",
		"cleanup",
	)
	correlator := NewAuditCorrelator(session, discardLogger())

	event := correlator.Correlate(
		context.Background(),
		testGuildID,
		discordgo.AuditLogActionRoleDelete,
	)
	assert.True(t, event.Found())
	assert.Equal(t, "mod", event.ExecutorTag)
	assert.Equal(t, "cleanup", event.Reason)
	assert.Equal(t, "role-1", event.TargetID)
	assert.Equal(t, "moderators", event.TargetName)
	assert.Equal(t, discordgo.AuditLogActionRoleDelete, event.ActionType)

	expectedTS, err := discordgo.SnowflakeTimestamp("1275493526343634944")
	require.NoError(t, err)
	assert.True(t, expectedTS.Equal(event.Timestamp))

	assert.Equal(
		t,
		[]auditLogQuery{
			{
				GuildID:    testGuildID,
				ActionType: int(discordgo.AuditLogActionRoleDelete),
				Limit:      1,
			},
		},
		session.queries(),
	)
}

func TestAuditCorrelator_FetchError(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	session.AuditLogErr = errors.New("HTTP 403 Forbidden")
	metrics := NewMetrics()
	correlator := NewAuditCorrelator(session, discardLogger())
	correlator.metrics = metrics

	event := correlator.Correlate(
		context.Background(),
		testGuildID,
		discordgo.AuditLogActionChannelCreate,
	)
	assert.False(t, event.Found())
	assert.Equal(t, unknownExecutor, event.ExecutorTag)
	assert.Equal(t, noReason, event.Reason)
	assert.Equal(t, testGuildID, event.GuildID)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Minute)
	assert.Len(t, session.queries(), 1, "failed lookups are not retried")
}

func TestAuditCorrelator_EmptyLog(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	session.AuditLog = &discordgo.GuildAuditLog{}
	correlator := NewAuditCorrelator(session, discardLogger())

	event := correlator.Correlate(
		context.Background(),
		testGuildID,
		discordgo.AuditLogActionGuildUpdate,
	)
	assert.False(t, event.Found())
	assert.Equal(t, unknownExecutor, event.ExecutorTag)
	assert.Equal(t, noReason, event.Reason)
}

func TestAuditCorrelator_MissingUserAndReason(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	auditLog := testAuditLog(discordgo.AuditLogActionMemberBanAdd, "user-2", "", "")
	auditLog.Users = nil
	session.AuditLog = auditLog
	correlator := NewAuditCorrelator(session, discardLogger())

	event := correlator.Correlate(
		context.Background(),
		testGuildID,
		discordgo.AuditLogActionMemberBanAdd,
	)
	assert.True(t, event.Found())
	assert.Equal(t, "<@user-mod>", event.ExecutorTag)
	assert.Equal(t, noReason, event.Reason)
	assert.Empty(t, event.TargetName)
}

func TestAuditEntryName(t *testing.T) {
	t.Parallel()
	nameKey := discordgo.AuditLogChangeKeyName
	colorKey := discordgo.AuditLogChangeKeyColor

	entry := &discordgo.AuditLogEntry{
		Changes: []*discordgo.AuditLogChange{
			nil,
			{Key: &colorKey, NewValue: float64(0xff0000)},
			{Key: &nameKey, OldValue: "old-name"},
		},
	}
	assert.Equal(t, "old-name", auditEntryName(entry))

	entry.Changes = append(
		entry.Changes,
		&discordgo.AuditLogChange{Key: &nameKey, NewValue: "new-name", OldValue: "x"},
	)
	assert.Equal(t, "old-name", auditEntryName(entry), "first name change wins")

	entry.Changes = []*discordgo.AuditLogChange{
		{Key: &nameKey, NewValue: "new-name", OldValue: "old-name"},
	}
	assert.Equal(t, "new-name", auditEntryName(entry))
}
