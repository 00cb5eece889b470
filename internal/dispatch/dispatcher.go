package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"character-bridge-bot/internal/monitor"
	"character-bridge-bot/internal/registry"
	"character-bridge-bot/internal/source"
	"character-bridge-bot/internal/storage"
)

// Outcome is what the gateway delivers back to the channel. A nil Outcome
// from HandleMessage means no integration is bound and the message is ignored.
type Outcome struct {
	Reply string
	// Notice marks a user-facing status/error message rather than a character
	// reply; Emphasis additionally asks the gateway to render it bold.
	Notice   bool
	Emphasis bool
}

func notice(msg string, emphasis bool) *Outcome {
	return &Outcome{Reply: msg, Notice: true, Emphasis: emphasis}
}

// Dispatcher routes an inbound message to the adapter behind the channel's
// bound integration, performs the single refresh-retry on expired
// credentials, and renders the normalized reply through the guild template.
type Dispatcher struct {
	registry *registry.Registry
	storage  storage.StorageService
	backoff  *monitor.BackoffTracker
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(reg *registry.Registry, storageService storage.StorageService, backoff *monitor.BackoffTracker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		storage:  storageService,
		backoff:  backoff,
		logger:   logger,
	}
}

// HandleMessage processes one inbound channel message end to end. It returns
// (nil, nil) when the channel has no bound integration. All backend failures
// are translated into user-facing outcomes here; the returned error is
// reserved for persistence faults the caller should log.
func (d *Dispatcher) HandleMessage(ctx context.Context, guildID, channelID, authorID, text string) (*Outcome, error) {
	integration, err := d.registry.Resolve(ctx, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve integration: %w", err)
	}
	if integration == nil {
		return nil, nil
	}

	if integration.State == storage.StateRevoked {
		return notice("This channel's character integration was deactivated because its credentials were revoked. An admin needs to bind it again.", true), nil
	}
	if integration.State == storage.StateSuperseded {
		// Replaced records never serve traffic, even from a stale resolve.
		return notice("This channel's character integration was replaced. An admin needs to bind this channel again.", true), nil
	}

	if remaining, limited := d.backoff.Cooldown(integration.ID); limited {
		return notice(fmt.Sprintf("The character backend is rate limiting us. Please try again in about %s.", remaining.Round(time.Second)), false), nil
	}

	backend, ok := d.registry.Backend(source.IntegrationType(integration.Type))
	if !ok {
		d.logger.Error("No adapter for bound integration type",
			"integration_id", integration.ID,
			"integration_type", integration.Type)
		return notice("Something went wrong on our side. Please try again later.", false), nil
	}

	record, err := d.storage.GetCharacter(ctx, integration.ID, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load character: %w", err)
	}
	if record == nil {
		return notice("No character is configured for this channel. An admin can set one with the bind command.", true), nil
	}

	character := characterFor(source.IntegrationType(integration.Type), record)

	reply, err := backend.Send(ctx, registry.CredentialOf(integration), character, text)
	if errors.Is(err, source.ErrAuthExpired) {
		reply, err = d.refreshAndRetry(ctx, integration, backend, character, text)
	}
	if err != nil {
		return d.outcomeForError(integration, err), nil
	}

	d.persistCharacterState(ctx, record, reply)

	rendered, truncated := RenderReply(integration.MessageTemplate, record.Name, authorID, reply.Text)
	if truncated || reply.Truncated {
		d.logger.Info("Reply truncated",
			"integration_id", integration.ID,
			"channel_id", channelID)
	}

	return &Outcome{Reply: rendered}, nil
}

// refreshAndRetry rotates the integration's credential and retries the send
// exactly once. A second credential rejection surfaces to the user; it is
// never retried again.
func (d *Dispatcher) refreshAndRetry(ctx context.Context, integration *storage.GuildIntegration, backend source.ChatBackend, character source.Character, text string) (*source.Reply, error) {
	d.logger.Info("Credential rejected, attempting refresh",
		"integration_id", integration.ID,
		"integration_type", integration.Type)

	cred, err := d.registry.RefreshCredential(ctx, integration.ID)
	if err != nil {
		return nil, err
	}

	return backend.Send(ctx, cred, character, text)
}

// persistCharacterState writes back the lazily created session id and the
// message counter. Failures are logged, not surfaced: the user already has
// their reply.
func (d *Dispatcher) persistCharacterState(ctx context.Context, record *storage.CharacterRecord, reply *source.Reply) {
	record.MessageCount++
	if reply.SessionID != "" {
		record.ChatSessionID = reply.SessionID
	}
	if err := d.storage.SaveCharacter(ctx, record); err != nil {
		d.logger.Error("Failed to persist character state",
			"integration_id", record.IntegrationID,
			"channel_id", record.ChannelID,
			"error", err)
	}
}

// outcomeForError maps the adapter error taxonomy onto user-facing notices.
// Unexpected failures are logged with full context and replaced with a
// sanitized message.
func (d *Dispatcher) outcomeForError(integration *storage.GuildIntegration, err error) *Outcome {
	var rateLimit *source.RateLimitError
	var friendly *source.UserFriendlyError

	switch {
	case errors.As(err, &friendly):
		return notice(friendly.Message, friendly.Emphasis)
	case errors.As(err, &rateLimit):
		d.backoff.NoteRateLimited(integration.ID, rateLimit.RetryAfter)
		if rateLimit.RetryAfter > 0 {
			return notice(fmt.Sprintf("The character backend is rate limiting us. Please try again in about %s.", rateLimit.RetryAfter), false)
		}
		return notice("The character backend is rate limiting us. Please try again in a little while.", false)
	case errors.Is(err, source.ErrRateLimited):
		d.backoff.NoteRateLimited(integration.ID, 0)
		return notice("The character backend is rate limiting us. Please try again in a little while.", false)
	case errors.Is(err, source.ErrCredentialRevoked):
		return notice("This channel's character integration was deactivated because its credentials were revoked. An admin needs to bind it again.", true)
	case errors.Is(err, source.ErrAuthExpired):
		return notice("The character backend rejected our credentials. An admin needs to reconfigure this integration.", true)
	case errors.Is(err, source.ErrRemoteUnavailable):
		return notice("The character backend is currently unavailable. Please try again later.", false)
	default:
		d.logger.Error("Unexpected dispatch failure",
			"integration_id", integration.ID,
			"integration_type", integration.Type,
			"error", err)
		return notice("Something went wrong while talking to the character backend. Please try again later.", false)
	}
}

// characterFor builds the adapter-facing character value from persisted
// state. Card-capable backends get a full card; chat-only backends get the
// bare remote identity and no card accessors exist on it at all.
func characterFor(t source.IntegrationType, record *storage.CharacterRecord) source.Character {
	if t == source.IntegrationOpenRouter {
		return &source.RemoteCharacter{ID: record.RemoteID, Name: record.Name}
	}
	return source.NewCard(source.CardData{
		RemoteID:      record.RemoteID,
		Name:          record.Name,
		Source:        source.CharacterSourceType(record.SourceType),
		Description:   record.Description,
		Persona:       record.Persona,
		Scenario:      record.Scenario,
		Greeting:      record.Greeting,
		MessageCount:  record.MessageCount,
		ChatSessionID: record.ChatSessionID,
	})
}
