package discordbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	commandPing      = "!ping"
	commandHelp      = "!help"
	commandRateLimit = "!rate-limit"
	commandMermaid   = "!mermaid"

	commandChat = "chat"

	pongReply = "🏓 Pong!"

	mermaidUsage = "Usage: `!mermaid <diagram>`, ex:\n```\n!mermaid graph TD; A-->B\n```"

	replyRateLimited   = "⏳ The model is currently rate-limited, please try again later."
	replyClientError   = "⚠️ The request couldn't be processed, check the model configuration."
	replyUnexpected    = "❌ An unexpected error occurred, please try again later."
	replyKeyStatusFail = "❌ Unable to fetch the API key status right now."
)

var (
	ErrUnknownShortcut = errors.New("unknown model shortcut")
	ErrNotShortcut     = errors.New("message is not a shortcut request")
	ErrEmptyPrompt     = errors.New("empty prompt")
)

// ParseShortcut parses a `<shortcut>: <prompt>` message against the given
// shortcut table. Shortcut matching is case-insensitive.
//
// Returns ErrNotShortcut if text doesn't start with a single-word token
// followed by a colon, ErrUnknownShortcut if the token isn't in the table,
// and ErrEmptyPrompt if nothing follows the colon.
func ParseShortcut(table map[string]string, text string) (ChatRequest, error) {
	token, prompt, ok := strings.Cut(strings.TrimSpace(text), ":")
	token = strings.ToLower(strings.TrimSpace(token))
	if !ok || token == "" || strings.ContainsAny(token, " \t\n") {
		return ChatRequest{}, ErrNotShortcut
	}
	modelID, known := table[token]
	if !known {
		return ChatRequest{}, fmt.Errorf("%w: %q", ErrUnknownShortcut, token)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ChatRequest{}, ErrEmptyPrompt
	}
	return ChatRequest{ModelID: modelID, Prompt: prompt}, nil
}

// shortcutNames returns the table's shortcuts, sorted
func shortcutNames(table map[string]string) []string {
	names := make([]string, 0, len(table))
	for k := range table {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func unknownShortcutReply(table map[string]string, token string) string {
	names := shortcutNames(table)
	for i, n := range names {
		names[i] = fmt.Sprintf("`%s`", n)
	}
	return fmt.Sprintf(
		"Unknown model shortcut `%s`. Valid shortcuts: %s",
		token,
		strings.Join(names, ", "),
	)
}

// helpText returns the static capability summary sent for `!help`
func helpText(chatChannel string, table map[string]string) string {
	var b strings.Builder
	b.WriteString("**Commands**\n")
	b.WriteString("`!ping` - check the bot is alive\n")
	b.WriteString("`!help` - show this message\n")
	b.WriteString("`!rate-limit` - show the completion API key's quota\n")
	b.WriteString("`!mermaid <diagram>` - render a mermaid diagram\n")
	fmt.Fprintf(&b, "\n**Chat** (in #%s)\n", chatChannel)
	b.WriteString("`<shortcut>: <prompt>` - ask a model, ex: `gpt: hello`\n")
	for _, name := range shortcutNames(table) {
		fmt.Fprintf(&b, "`%s` → %s\n", name, table[name])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// chatResponseReply converts the final response to a chat request into
// the message(s) sent back to the user
func chatResponseReply(resp ChatResponse) []string {
	switch r := resp.(type) {
	case Success:
		reply := strings.TrimSpace(r.Reply)
		if reply == "" {
			reply = "*(empty response)*"
		}
		return splitMessage(reply, discordMaxMessageLength)
	case RateLimited:
		msg := replyRateLimited
		if !r.Reset.IsZero() {
			msg = fmt.Sprintf("%s Resets <t:%d:R>.", msg, r.Reset.Unix())
		} else if r.RetryAfter > 0 {
			msg = fmt.Sprintf("%s Retry after %s.", msg, r.RetryAfter.Round(time.Second))
		}
		return []string{msg}
	case ClientError:
		return []string{replyClientError}
	default:
		return []string{replyUnexpected}
	}
}

// KeyStatusFetcher fetches the completion API key's quota
type KeyStatusFetcher interface {
	KeyStatus(ctx context.Context) (*KeyStatus, error)
}

// ChatSender sends a chat request, returning the final response and the
// number of attempts made
type ChatSender interface {
	Send(ctx context.Context, req ChatRequest) (ChatResponse, int)
}

// CommandHandler responds to `!` commands, and to shortcut requests in
// the chat channel.
type CommandHandler struct {
	session     DiscordSessionHandler
	chat        ChatSender
	keyStatus   KeyStatusFetcher
	renderer    DiagramRenderer
	shortcuts   map[string]string
	chatChannel string
	logger      *slog.Logger
	metrics     *Metrics
	wg          *sync.WaitGroup
}

func NewCommandHandler(
	session DiscordSessionHandler,
	chat ChatSender,
	keyStatus KeyStatusFetcher,
	renderer DiagramRenderer,
	config *Config,
	logger *slog.Logger,
	metrics *Metrics,
	wg *sync.WaitGroup,
) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return &CommandHandler{
		session:     session,
		chat:        chat,
		keyStatus:   keyStatus,
		renderer:    renderer,
		shortcuts:   config.Completion.Shortcuts,
		chatChannel: config.Discord.ChatChannel,
		logger:      logger,
		metrics:     metrics,
		wg:          wg,
	}
}

// Register adds the message handler to the session, returning the
// function that removes it
func (h *CommandHandler) Register(ctx context.Context, session DiscordSessionHandler) func() {
	return session.AddHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m == nil || m.Message == nil {
				return
			}
			goTracked(
				ctx, h.wg, h.logger, func(ctx context.Context) {
					h.handleMessage(ctx, m.Message)
				},
			)
		},
	)
}

// handleMessage dispatches a single inbound message. Bot-authored
// messages are ignored.
func (h *CommandHandler) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	logger := contextLoggerOr(ctx, h.logger).With(
		columnGuildID, m.GuildID,
		columnChannelID, m.ChannelID,
		"message_id", m.ID,
	)
	ctx = WithLogger(ctx, logger)

	content := strings.TrimSpace(m.Content)
	command, args, _ := strings.Cut(content, " ")
	switch command {
	case commandPing:
		if args != "" {
			return
		}
		h.metrics.commandHandled(commandPing)
		h.reply(ctx, m, pongReply)
	case commandHelp:
		h.metrics.commandHandled(commandHelp)
		h.reply(ctx, m, helpText(h.chatChannel, h.shortcuts))
	case commandRateLimit:
		h.metrics.commandHandled(commandRateLimit)
		h.handleRateLimit(ctx, m)
	default:
		if source, ok := cutCommand(content, commandMermaid); ok {
			h.metrics.commandHandled(commandMermaid)
			h.handleMermaid(ctx, m, source)
			return
		}
		if h.isChatChannel(m) {
			h.handleChat(ctx, m)
		}
	}
}

// cutCommand reports whether content starts with the given command,
// followed by whitespace or nothing, and returns the trailing text
func cutCommand(content string, command string) (string, bool) {
	rest, ok := strings.CutPrefix(content, command)
	if !ok {
		return "", false
	}
	if rest != "" && !strings.ContainsAny(rest[:1], " \t\n") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// isChatChannel reports whether the message was sent in the guild's
// chat channel
func (h *CommandHandler) isChatChannel(m *discordgo.Message) bool {
	if m.GuildID == "" {
		return false
	}
	channel, err := ResolveChannel(h.session, m.GuildID, h.chatChannel)
	if err != nil {
		return false
	}
	return channel.ID == m.ChannelID
}

func (h *CommandHandler) handleChat(ctx context.Context, m *discordgo.Message) {
	logger := contextLoggerOr(ctx, h.logger)
	req, err := ParseShortcut(h.shortcuts, m.Content)
	switch {
	case errors.Is(err, ErrNotShortcut):
		logger.DebugContext(ctx, "ignoring chat message without a shortcut")
		return
	case errors.Is(err, ErrUnknownShortcut):
		token, _, _ := strings.Cut(strings.TrimSpace(m.Content), ":")
		h.reply(ctx, m, unknownShortcutReply(h.shortcuts, strings.TrimSpace(token)))
		return
	case errors.Is(err, ErrEmptyPrompt):
		h.reply(ctx, m, "Usage: `<shortcut>: <prompt>`, ex: `gpt: hello`")
		return
	case err != nil:
		logger.ErrorContext(ctx, "error parsing chat message", tint.Err(err))
		return
	}

	h.metrics.commandHandled(commandChat)
	req.GuildID = m.GuildID
	resp, attempts := h.chat.Send(ctx, req)
	logger.InfoContext(
		ctx,
		"chat request finished",
		columnModelID, req.ModelID,
		"outcome", chatResponseOutcome(resp),
		"attempts", attempts,
	)
	for _, chunk := range chatResponseReply(resp) {
		h.reply(ctx, m, chunk)
	}
}

func (h *CommandHandler) handleRateLimit(ctx context.Context, m *discordgo.Message) {
	status, err := h.keyStatus.KeyStatus(ctx)
	if err != nil {
		contextLoggerOr(ctx, h.logger).ErrorContext(
			ctx,
			"error fetching key status",
			tint.Err(err),
		)
		h.reply(ctx, m, replyKeyStatusFail)
		return
	}
	h.reply(ctx, m, formatKeyStatus(status))
}

func (h *CommandHandler) handleMermaid(ctx context.Context, m *discordgo.Message, source string) {
	logger := contextLoggerOr(ctx, h.logger)
	source = stripCodeFence(source)
	if source == "" {
		h.reply(ctx, m, mermaidUsage)
		return
	}

	img, err := h.renderer.Render(ctx, source)
	if err != nil {
		if errors.Is(err, ErrEmptyDiagram) {
			h.reply(ctx, m, mermaidUsage)
			return
		}
		logger.WarnContext(ctx, "error rendering diagram", tint.Err(err))
		h.reply(
			ctx,
			m,
			shortenString(
				fmt.Sprintf("❌ Unable to render diagram:\n```\n%s\n```", err.Error()),
				discordMaxMessageLength,
			),
		)
		return
	}

	_, err = h.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Files: []*discordgo.File{
				{
					Name:        "diagram.png",
					ContentType: "image/png",
					Reader:      bytes.NewReader(img),
				},
			},
			Reference: m.Reference(),
		},
		discordgoWithContext(ctx)...,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending diagram", tint.Err(err))
	}
}

// reply sends content as a reply to the message. Failures are logged.
func (h *CommandHandler) reply(ctx context.Context, m *discordgo.Message, content string) {
	for _, chunk := range splitMessage(content, discordMaxMessageLength) {
		if _, err := h.session.ChannelMessageSendReply(
			m.ChannelID,
			chunk,
			m.Reference(),
			discordgoWithContext(ctx)...,
		); err != nil {
			contextLoggerOr(ctx, h.logger).ErrorContext(
				ctx,
				"error sending reply",
				tint.Err(err),
			)
			return
		}
	}
}
