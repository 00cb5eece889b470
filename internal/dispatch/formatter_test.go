package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderReply(t *testing.T) {
	testCases := []struct {
		name     string
		template string
		expected string
	}{
		{
			name:     "default template when unset",
			template: "",
			expected: "**Yuki**: hi there",
		},
		{
			name:     "custom template",
			template: "{character} says: {message}",
			expected: "Yuki says: hi there",
		},
		{
			name:     "user mention placeholder",
			template: "{user}, {character}: {message}",
			expected: "<@user-1>, Yuki: hi there",
		},
		{
			name:     "placeholder-free template",
			template: "static text",
			expected: "static text",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rendered, truncated := RenderReply(tc.template, "Yuki", "user-1", "hi there")
			assert.Equal(t, tc.expected, rendered)
			assert.False(t, truncated)
		})
	}
}

func TestRenderReplyNeutralizesMassMentions(t *testing.T) {
	rendered, _ := RenderReply("{message}", "Yuki", "user-1", "hey @everyone and @here")

	assert.NotContains(t, rendered, "@everyone")
	assert.NotContains(t, rendered, "@here")
	// The words themselves survive, only the ping is broken
	assert.Contains(t, rendered, "everyone")
	assert.Contains(t, rendered, "here")
}

func TestRenderReplyTruncatesAtMessageLimit(t *testing.T) {
	long := strings.Repeat("a", DiscordMessageLimit+500)

	rendered, truncated := RenderReply("{message}", "Yuki", "user-1", long)

	assert.True(t, truncated)
	runes := []rune(rendered)
	assert.Len(t, runes, DiscordMessageLimit)
	assert.Equal(t, "…", string(runes[len(runes)-1]))
}

func TestRenderReplyMultibyteTruncation(t *testing.T) {
	long := strings.Repeat("ありがとう", DiscordMessageLimit)

	rendered, truncated := RenderReply("{message}", "Yuki", "user-1", long)

	assert.True(t, truncated)
	assert.LessOrEqual(t, len([]rune(rendered)), DiscordMessageLimit)
}
