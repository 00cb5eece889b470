package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"character-bridge-bot/internal/registry"
	"character-bridge-bot/internal/source"
	"character-bridge-bot/internal/storage"
)

// AdminCommands handles the integration management commands. Every command
// requires the Manage Server permission in the guild.
type AdminCommands struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewAdminCommands creates a new admin commands handler
func NewAdminCommands(reg *registry.Registry, logger *slog.Logger) *AdminCommands {
	return &AdminCommands{
		registry: reg,
		logger:   logger,
	}
}

// Handle processes one admin command and returns the response to post.
func (ac *AdminCommands) Handle(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, command string, args []string) (string, error) {
	isAdmin, err := ac.isUserAdmin(s, m.Author.ID, m.ChannelID)
	if err != nil {
		ac.logger.Error("Failed to check admin status", "error", err, "user_id", m.Author.ID)
		return "❌ Failed to verify admin permissions.", nil
	}
	if !isAdmin {
		return "🔒 This command requires the Manage Server permission.", nil
	}

	switch command {
	case "bind":
		return ac.handleBind(ctx, m, args)
	case "unbind":
		return ac.handleUnbind(ctx, m)
	case "list":
		return ac.handleList(ctx, m)
	case "template":
		return ac.handleTemplate(ctx, m, args)
	case "help":
		return ac.Help(), nil
	default:
		return "❓ Unknown command. Use `!cb help` for available commands.", nil
	}
}

// handleBind binds a backend integration to the current channel.
func (ac *AdminCommands) handleBind(ctx context.Context, m *discordgo.MessageCreate, args []string) (string, error) {
	if len(args) < 1 {
		return ac.bindUsage(), nil
	}

	integrationType, err := source.ParseIntegrationType(args[0])
	if err != nil {
		return ac.bindUsage(), nil
	}

	var cred source.Credential
	var character *storage.CharacterRecord

	switch integrationType {
	case source.IntegrationSakuraAI:
		// bind sakura <email> <refreshToken> <characterId> [name]
		if len(args) < 4 {
			return "❓ Usage: `!cb bind sakura <email> <refreshToken> <characterId> [name]`", nil
		}
		cred = source.Credential{Email: args[1], RefreshToken: args[2]}
		character = &storage.CharacterRecord{
			RemoteID:   args[3],
			SourceType: string(source.SourceSakuraAI),
			Name:       nameOrDefault(args[4:], args[3]),
		}
	case source.IntegrationCharacterAI:
		// bind characterai <token> <characterId> [name]
		if len(args) < 3 {
			return "❓ Usage: `!cb bind characterai <token> <characterId> [name]`", nil
		}
		cred = source.Credential{Token: args[1]}
		character = &storage.CharacterRecord{
			RemoteID:   args[2],
			SourceType: string(source.SourceChubAI),
			Name:       nameOrDefault(args[3:], args[2]),
		}
	case source.IntegrationOpenRouter:
		// bind openrouter <apiKey> <model> [name]
		if len(args) < 3 {
			return "❓ Usage: `!cb bind openrouter <apiKey> <model> [name]`", nil
		}
		cred = source.Credential{APIKey: args[1]}
		character = &storage.CharacterRecord{
			RemoteID: args[2],
			Name:     nameOrDefault(args[3:], args[2]),
		}
	}

	integration, err := ac.registry.Bind(ctx, m.GuildID, m.ChannelID, integrationType, cred, character)
	if err != nil {
		if errors.Is(err, source.ErrInvalidBinding) {
			return fmt.Sprintf("❌ %v", err), nil
		}
		return "", fmt.Errorf("bind failed: %w", err)
	}

	return fmt.Sprintf("✅ Bound **%s** (%s) to this channel. Integration id: `%s`",
		character.Name, integration.Type, integration.ID), nil
}

// handleUnbind clears the current channel's binding.
func (ac *AdminCommands) handleUnbind(ctx context.Context, m *discordgo.MessageCreate) (string, error) {
	if err := ac.registry.Unbind(ctx, m.GuildID, m.ChannelID); err != nil {
		return "", fmt.Errorf("unbind failed: %w", err)
	}
	return "✅ This channel is no longer bound to a character integration.", nil
}

// handleList shows all integration records for the guild.
func (ac *AdminCommands) handleList(ctx context.Context, m *discordgo.MessageCreate) (string, error) {
	integrations, err := ac.registry.ListIntegrations(ctx, m.GuildID)
	if err != nil {
		return "", fmt.Errorf("list failed: %w", err)
	}
	if len(integrations) == 0 {
		return "No integrations configured for this guild. Use `!cb bind` to add one.", nil
	}

	var b strings.Builder
	b.WriteString("**Guild integrations:**\n")
	for _, integration := range integrations {
		fmt.Fprintf(&b, "• `%s` — %s (%s)\n", integration.ID, integration.Type, integration.State)
	}
	return b.String(), nil
}

// handleTemplate updates the reply format template for the channel's bound
// integration.
func (ac *AdminCommands) handleTemplate(ctx context.Context, m *discordgo.MessageCreate, args []string) (string, error) {
	if len(args) == 0 {
		return "❓ Usage: `!cb template <format>` — placeholders: `{character}`, `{user}`, `{message}`", nil
	}

	template := strings.Join(args, " ")
	if err := ac.registry.SetMessageTemplate(ctx, m.GuildID, m.ChannelID, template); err != nil {
		if errors.Is(err, source.ErrInvalidBinding) {
			return "❌ No integration is bound to this channel.", nil
		}
		return "", fmt.Errorf("template update failed: %w", err)
	}
	return fmt.Sprintf("✅ Reply template updated to: `%s`", template), nil
}

func (ac *AdminCommands) bindUsage() string {
	return strings.Join([]string{
		"❓ Usage:",
		"• `!cb bind sakura <email> <refreshToken> <characterId> [name]`",
		"• `!cb bind characterai <token> <characterId> [name]`",
		"• `!cb bind openrouter <apiKey> <model> [name]`",
	}, "\n")
}

// Help returns the admin command reference.
func (ac *AdminCommands) Help() string {
	return strings.Join([]string{
		"**Character bridge commands:**",
		"• `!cb bind sakura <email> <refreshToken> <characterId> [name]`",
		"• `!cb bind characterai <token> <characterId> [name]`",
		"• `!cb bind openrouter <apiKey> <model> [name]`",
		"• `!cb unbind` — unbind this channel",
		"• `!cb list` — list the guild's integrations",
		"• `!cb template <format>` — set the reply format (`{character}`, `{user}`, `{message}`)",
	}, "\n")
}

// isUserAdmin checks whether the user holds Manage Server in this channel.
func (ac *AdminCommands) isUserAdmin(s *discordgo.Session, userID, channelID string) (bool, error) {
	permissions, err := s.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false, fmt.Errorf("failed to get user permissions: %w", err)
	}
	return permissions&discordgo.PermissionManageServer != 0, nil
}

func nameOrDefault(rest []string, fallback string) string {
	if len(rest) == 0 {
		return fallback
	}
	return strings.Join(rest, " ")
}
