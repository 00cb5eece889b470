package dispatch

import (
	"strings"
)

// DiscordMessageLimit is the hard cap Discord enforces on message content.
const DiscordMessageLimit = 2000

const truncationMarker = "…"

// RenderReply applies a guild's message-format template to a backend reply.
// Supported placeholders: {character} (persona display name), {user} (mention
// of the message author), {message} (the reply text). Mass mentions in the
// backend text are neutralized and the result is truncated to Discord's
// message limit. The second return value reports whether truncation happened.
func RenderReply(template, characterName, authorID, text string) (string, bool) {
	if template == "" {
		template = "**{character}**: {message}"
	}

	rendered := template
	rendered = strings.ReplaceAll(rendered, "{character}", characterName)
	rendered = strings.ReplaceAll(rendered, "{user}", "<@"+authorID+">")
	rendered = strings.ReplaceAll(rendered, "{message}", neutralizeMentions(text))

	return truncate(rendered, DiscordMessageLimit)
}

// neutralizeMentions defuses mass mentions coming back from a backend. A
// zero-width space after the @ keeps the text readable without letting the
// bot ping the whole guild.
func neutralizeMentions(text string) string {
	text = strings.ReplaceAll(text, "@everyone", "@​everyone")
	text = strings.ReplaceAll(text, "@here", "@​here")
	return text
}

// truncate shortens s to at most limit runes, appending a marker when it cut
// anything off.
func truncate(s string, limit int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit-1]) + truncationMarker, true
}
