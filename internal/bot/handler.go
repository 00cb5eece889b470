package bot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"character-bridge-bot/internal/dispatch"
)

// commandPrefix introduces an admin command in any channel.
const commandPrefix = "!cb"

// handleTimeout bounds one message's backend round trip, including a
// potential credential refresh.
const handleTimeout = 90 * time.Second

// Handler manages Discord event handling: admin commands and routing channel
// messages to the dispatcher.
type Handler struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	admin      *AdminCommands
}

// NewHandler creates a new bot event handler
func NewHandler(logger *slog.Logger, dispatcher *dispatch.Dispatcher, admin *AdminCommands) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		admin:      admin,
	}
}

// HandleMessageCreate processes incoming Discord messages. Admin commands are
// answered directly; everything else in a bound channel goes to the character
// backend. Messages in unbound channels are ignored.
func (h *Handler) HandleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself and from other bots to prevent loops
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	// Guild channels only; there is nothing to bind in a DM
	if m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if strings.HasPrefix(content, commandPrefix) {
		h.handleCommand(ctx, s, m, content)
		return
	}

	outcome, err := h.dispatcher.HandleMessage(ctx, m.GuildID, m.ChannelID, m.Author.ID, content)
	if err != nil {
		h.logger.Error("Message dispatch failed",
			"guild_id", m.GuildID,
			"channel_id", m.ChannelID,
			"error", err)
		h.send(s, m, "Something went wrong. Please try again later.")
		return
	}
	if outcome == nil {
		// No integration bound to this channel
		return
	}

	reply := outcome.Reply
	if outcome.Notice && outcome.Emphasis {
		reply = "**" + reply + "**"
	}
	h.send(s, m, reply)
}

// handleCommand parses and executes an admin command.
func (h *Handler) handleCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	fields := strings.Fields(content)
	// fields[0] is the prefix itself
	if len(fields) < 2 {
		h.send(s, m, h.admin.Help())
		return
	}

	response, err := h.admin.Handle(ctx, s, m, fields[1], fields[2:])
	if err != nil {
		h.logger.Error("Admin command failed",
			"command", fields[1],
			"guild_id", m.GuildID,
			"error", err)
		response = "❌ Command failed. Check the bot logs for details."
	}
	h.send(s, m, response)
}

func (h *Handler) send(s *discordgo.Session, m *discordgo.MessageCreate, text string) {
	if text == "" {
		return
	}
	if _, err := s.ChannelMessageSendReply(m.ChannelID, text, m.Reference()); err != nil {
		h.logger.Error("Failed to send reply",
			"channel_id", m.ChannelID,
			"error", err)
	}
}
