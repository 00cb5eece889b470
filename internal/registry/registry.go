package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"character-bridge-bot/internal/source"
	"character-bridge-bot/internal/storage"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultMessageTemplate is applied to new integrations until an operator
// sets a guild-specific one.
const DefaultMessageTemplate = "**{character}**: {message}"

const (
	resolveCacheTTL     = 5 * time.Minute
	resolveCacheCleanup = 10 * time.Minute
	refreshTimeout      = 30 * time.Second
)

// Registry owns guild integration records and channel bindings. It is the
// only component that mutates credentials; adapters hand back proposed
// updates which the registry persists. Channel resolution is served from a
// read-through cache in front of the persistence collaborator.
type Registry struct {
	storage  storage.StorageService
	logger   *slog.Logger
	backends map[source.IntegrationType]source.ChatBackend
	cache    *gocache.Cache

	// refreshMu guards inflight so concurrent refresh requests for one
	// integration collapse into a single rotation.
	refreshMu sync.Mutex
	inflight  map[string]*refreshCall
}

// refreshCall is one in-flight credential rotation. Waiters block on done and
// then read the shared result.
type refreshCall struct {
	done chan struct{}
	cred source.Credential
	err  error
}

// NewRegistry creates a registry over the given storage and backend adapters.
func NewRegistry(storageService storage.StorageService, logger *slog.Logger, backends ...source.ChatBackend) *Registry {
	byType := make(map[source.IntegrationType]source.ChatBackend, len(backends))
	for _, b := range backends {
		byType[b.Type()] = b
	}

	return &Registry{
		storage:  storageService,
		logger:   logger,
		backends: byType,
		cache:    gocache.New(resolveCacheTTL, resolveCacheCleanup),
		inflight: make(map[string]*refreshCall),
	}
}

// Backend returns the adapter registered for an integration type.
func (r *Registry) Backend(t source.IntegrationType) (source.ChatBackend, bool) {
	b, ok := r.backends[t]
	return b, ok
}

func resolveKey(guildID, channelID string) string {
	return guildID + ":" + channelID
}

// cloneIntegration copies an integration record. The cache keeps its own
// private pointer; every caller gets a copy it can mutate freely.
func cloneIntegration(integration *storage.GuildIntegration) *storage.GuildIntegration {
	clone := *integration
	return &clone
}

// Resolve returns the integration currently bound to a channel, or nil when
// the channel has no binding. Lookups hit the cache first and read through to
// storage on a miss. The returned record is a private copy.
func (r *Registry) Resolve(ctx context.Context, guildID, channelID string) (*storage.GuildIntegration, error) {
	key := resolveKey(guildID, channelID)
	if cached, found := r.cache.Get(key); found {
		return cloneIntegration(cached.(*storage.GuildIntegration)), nil
	}

	binding, err := r.storage.GetBinding(ctx, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve binding: %w", err)
	}
	if binding == nil {
		return nil, nil
	}

	integration, err := r.storage.GetIntegration(ctx, binding.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration %s: %w", binding.IntegrationID, err)
	}
	if integration == nil {
		// Binding points at a record that no longer exists; treat as unbound.
		r.logger.Warn("Channel binding references missing integration",
			"guild_id", guildID,
			"channel_id", channelID,
			"integration_id", binding.IntegrationID)
		return nil, nil
	}

	r.cache.Set(key, cloneIntegration(integration), gocache.DefaultExpiration)
	return integration, nil
}

// Bind creates a new integration record for (guild, type), supersedes the
// previous active record of that type, and points the channel's binding at
// the new record. The credential payload is validated against the target
// backend's capability requirements before anything is persisted.
func (r *Registry) Bind(ctx context.Context, guildID, channelID string, t source.IntegrationType, cred source.Credential, character *storage.CharacterRecord) (*storage.GuildIntegration, error) {
	backend, ok := r.backends[t]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for type %q", source.ErrInvalidBinding, t)
	}
	if err := source.ValidateCredential(t, cred); err != nil {
		return nil, err
	}
	if configurable, ok := backend.(source.Configurable); ok {
		// The adapter decides which credential field is its static secret;
		// reject the bind when the field it will read is empty.
		if configurable.APIKey(cred) == "" {
			return nil, fmt.Errorf("%w: %s requires a static secret", source.ErrInvalidBinding, t)
		}
	}

	template := DefaultMessageTemplate
	previous, err := r.storage.GetActiveIntegrationByType(ctx, guildID, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to look up previous integration: %w", err)
	}
	if previous != nil {
		// Keep the guild's template across rebinds; the old record stays
		// loadable by id for audit but is no longer reachable via channels.
		template = previous.MessageTemplate
		previous.State = storage.StateSuperseded
		if err := r.storage.SaveIntegration(ctx, previous); err != nil {
			return nil, fmt.Errorf("failed to supersede integration %s: %w", previous.ID, err)
		}
		// Every channel still pointing at the superseded record goes unbound;
		// cached resolves of those channels must not outlive the supersede.
		if err := r.storage.DeleteBindingsForIntegration(ctx, previous.ID); err != nil {
			return nil, fmt.Errorf("failed to unbind superseded integration %s: %w", previous.ID, err)
		}
		r.invalidateIntegration(previous.ID)
		r.logger.Info("Superseded previous integration",
			"guild_id", guildID,
			"integration_type", t,
			"previous_id", previous.ID)
	}

	integration := &storage.GuildIntegration{
		ID:              uuid.NewString(),
		DiscordGuildID:  guildID,
		Type:            string(t),
		State:           storage.StateActive,
		MessageTemplate: template,
		Email:           cred.Email,
		Token:           cred.Token,
		RefreshToken:    cred.RefreshToken,
		APIKey:          cred.APIKey,
	}
	if err := r.storage.SaveIntegration(ctx, integration); err != nil {
		return nil, fmt.Errorf("failed to save integration: %w", err)
	}

	binding := &storage.ChannelBinding{
		GuildID:       guildID,
		ChannelID:     channelID,
		IntegrationID: integration.ID,
	}
	if err := r.storage.UpsertBinding(ctx, binding); err != nil {
		return nil, fmt.Errorf("failed to bind channel: %w", err)
	}

	if character != nil {
		character.IntegrationID = integration.ID
		character.ChannelID = channelID
		if err := r.storage.SaveCharacter(ctx, character); err != nil {
			return nil, fmt.Errorf("failed to save character: %w", err)
		}
	}

	r.cache.Set(resolveKey(guildID, channelID), cloneIntegration(integration), gocache.DefaultExpiration)

	r.logger.Info("Bound integration to channel",
		"guild_id", guildID,
		"channel_id", channelID,
		"integration_type", t,
		"integration_id", integration.ID)

	return integration, nil
}

// Unbind clears a channel's binding. The underlying integration record is
// kept: other channels in the guild may still reference it. Unbinding an
// already-unbound channel is a no-op.
func (r *Registry) Unbind(ctx context.Context, guildID, channelID string) error {
	if err := r.storage.DeleteBinding(ctx, guildID, channelID); err != nil {
		return fmt.Errorf("failed to unbind channel: %w", err)
	}
	r.cache.Delete(resolveKey(guildID, channelID))

	r.logger.Info("Unbound channel", "guild_id", guildID, "channel_id", channelID)
	return nil
}

// ListIntegrations returns every integration record for a guild, including
// superseded and revoked ones.
func (r *Registry) ListIntegrations(ctx context.Context, guildID string) ([]*storage.GuildIntegration, error) {
	return r.storage.GetGuildIntegrations(ctx, guildID)
}

// SetMessageTemplate updates the reply format template on the integration
// bound to the given channel.
func (r *Registry) SetMessageTemplate(ctx context.Context, guildID, channelID, template string) error {
	integration, err := r.Resolve(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	if integration == nil {
		return fmt.Errorf("%w: no integration bound to this channel", source.ErrInvalidBinding)
	}

	integration.MessageTemplate = template
	if err := r.storage.SaveIntegration(ctx, integration); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	r.invalidateIntegration(integration.ID)
	return nil
}

// RefreshCredential rotates the credential of an integration through its
// adapter and persists the result. Concurrent calls for the same integration
// collapse into one rotation: latecomers wait for the in-flight result. The
// rotation itself runs detached from the caller's context, because a
// half-completed single-use exchange cannot be rolled back; a caller that
// cancels stops waiting, not the rotation.
func (r *Registry) RefreshCredential(ctx context.Context, integrationID string) (source.Credential, error) {
	r.refreshMu.Lock()
	if call, ok := r.inflight[integrationID]; ok {
		r.refreshMu.Unlock()
		select {
		case <-call.done:
			return call.cred, call.err
		case <-ctx.Done():
			return source.Credential{}, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	r.inflight[integrationID] = call
	r.refreshMu.Unlock()

	go func() {
		rotateCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		call.cred, call.err = r.rotate(rotateCtx, integrationID)

		r.refreshMu.Lock()
		delete(r.inflight, integrationID)
		r.refreshMu.Unlock()
		close(call.done)
	}()

	select {
	case <-call.done:
		return call.cred, call.err
	case <-ctx.Done():
		return source.Credential{}, ctx.Err()
	}
}

// rotate performs one credential rotation: Active -> Refreshing -> Active on
// success, Refreshing -> Revoked when the refresh token was rejected.
func (r *Registry) rotate(ctx context.Context, integrationID string) (source.Credential, error) {
	integration, err := r.storage.GetIntegration(ctx, integrationID)
	if err != nil {
		return source.Credential{}, fmt.Errorf("failed to load integration for refresh: %w", err)
	}
	if integration == nil {
		return source.Credential{}, fmt.Errorf("integration %s not found", integrationID)
	}
	if integration.State == storage.StateRevoked {
		return source.Credential{}, fmt.Errorf("%w: integration %s is revoked", source.ErrCredentialRevoked, integrationID)
	}

	backend, ok := r.backends[source.IntegrationType(integration.Type)]
	if !ok {
		return source.Credential{}, fmt.Errorf("no adapter registered for type %q", integration.Type)
	}
	refresher, ok := backend.(source.Refreshable)
	if !ok {
		// Static-secret backends have no refresh path; an expired credential
		// is a configuration problem for the operator.
		return source.Credential{}, fmt.Errorf("%w: %s credentials cannot be refreshed", source.ErrAuthExpired, integration.Type)
	}

	integration.State = storage.StateRefreshing
	if err := r.storage.SaveIntegration(ctx, integration); err != nil {
		return source.Credential{}, fmt.Errorf("failed to mark integration refreshing: %w", err)
	}

	newCred, err := refresher.Refresh(ctx, CredentialOf(integration))
	if err != nil {
		if isCredentialRevoked(err) {
			integration.State = storage.StateRevoked
			if saveErr := r.storage.SaveIntegration(ctx, integration); saveErr != nil {
				r.logger.Error("Failed to persist revoked state", "integration_id", integrationID, "error", saveErr)
			}
			r.invalidateIntegration(integrationID)
			r.logger.Error("Integration credential revoked, integration deactivated",
				"integration_id", integrationID,
				"guild_id", integration.DiscordGuildID)
			return source.Credential{}, err
		}

		// Transient rotation failure: the stored pair is still the newest one.
		integration.State = storage.StateActive
		if saveErr := r.storage.SaveIntegration(ctx, integration); saveErr != nil {
			r.logger.Error("Failed to restore active state", "integration_id", integrationID, "error", saveErr)
		}
		return source.Credential{}, err
	}

	integration.Token = newCred.Token
	integration.RefreshToken = newCred.RefreshToken
	integration.State = storage.StateActive
	if err := r.storage.SaveIntegration(ctx, integration); err != nil {
		return source.Credential{}, fmt.Errorf("failed to persist rotated credential: %w", err)
	}
	r.invalidateIntegration(integrationID)

	r.logger.Info("Credential rotated", "integration_id", integrationID)
	return newCred, nil
}

// invalidateIntegration drops every cached resolve entry pointing at an
// integration record, so the next lookup reads the fresh row.
func (r *Registry) invalidateIntegration(integrationID string) {
	for key, item := range r.cache.Items() {
		if integration, ok := item.Object.(*storage.GuildIntegration); ok && integration.ID == integrationID {
			r.cache.Delete(key)
		}
	}
}

// CredentialOf builds the read-only credential snapshot adapters receive.
func CredentialOf(integration *storage.GuildIntegration) source.Credential {
	return source.Credential{
		Email:        integration.Email,
		Token:        integration.Token,
		RefreshToken: integration.RefreshToken,
		APIKey:       integration.APIKey,
	}
}

func isCredentialRevoked(err error) bool {
	return errors.Is(err, source.ErrCredentialRevoked)
}
