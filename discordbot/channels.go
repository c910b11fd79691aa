package discordbot

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
)

var ErrChannelNotFound = errors.New("channel not found")

// ChannelLister provides read-only access to a guild's channels, as
// currently known by the gateway session's cache. Implementations must
// not make network requests, and callers must not mutate the result.
type ChannelLister interface {
	GuildChannels(guildID string) ([]*discordgo.Channel, error)
}

// isTextChannel reports whether messages can be sent to the channel
func isTextChannel(c *discordgo.Channel) bool {
	switch c.Type {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return true
	default:
		return false
	}
}

// ResolveChannel returns the first text channel in the guild whose name
// exactly matches name, or ErrChannelNotFound.
//
// Results are never cached: every call re-scans the guild's channels, so
// renames and deletions between events are picked up. When several
// channels share a name, the first one in the cache's enumeration order
// is returned (order unspecified).
func ResolveChannel(
	lister ChannelLister,
	guildID string,
	name string,
) (*discordgo.Channel, error) {
	if guildID == "" {
		return nil, fmt.Errorf("%w: no guild", ErrChannelNotFound)
	}
	channels, err := lister.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelNotFound, err)
	}
	for _, c := range channels {
		if c == nil {
			continue
		}
		if c.Name == name && isTextChannel(c) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: #%s", ErrChannelNotFound, name)
}
