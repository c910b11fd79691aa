// Package discordbot implements a Discord bot that relays a guild's
// moderation-relevant audit events into a warning channel, and proxies
// messages in a chat channel to an OpenAI-compatible completion API.
//
// Key components of the package include:
//
//   - Bot: wires everything together, and owns the run/shutdown lifecycle.
//   - Discord: the gateway session, and connection state.
//   - Pipeline: binds gateway events (role, channel, webhook, ban and guild
//     changes) to notifications, via a static table of templates.
//   - AuditCorrelator: attributes an event to whoever performed it, by
//     reading the single most recent matching audit log entry.
//   - Notifier / Dispatcher: render notifications, and send them to a
//     channel looked up by name on every send.
//   - CompletionClient / Retrier: request completions, classify the
//     outcome, and back off exponentially on HTTP 429.
//   - InteractionLogger: posts each chat request's outcome to the log
//     channel as JSON.
//   - CommandHandler: `!ping`, `!help`, `!rate-limit`, `!mermaid` and
//     `<shortcut>: <prompt>` chat requests.
//   - API: an optional status server (health check, status, metrics).
//
// Every gateway handler runs on its own goroutine, and failures are
// logged rather than propagated: a failed audit log query only degrades
// the notification ("Unknown"/"No reason"), and a missing channel skips
// the send.
package discordbot
