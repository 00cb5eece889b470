package storage

import (
	"context"
)

// Integration record states. The registry owns the transitions; storage just
// persists whatever state the registry writes.
const (
	StateActive     = "active"
	StateRefreshing = "refreshing"
	StateSuperseded = "superseded"
	StateRevoked    = "revoked"
)

// GuildIntegration is a guild's binding to one backend/credential pair.
// Exactly one integration per (guild, type) is in the active state at a time;
// binding a new one supersedes the previous record. Each integration type
// fills only the credential fields its backend requires.
type GuildIntegration struct {
	ID              string `db:"id"`               // UUID, assigned by the registry
	DiscordGuildID  string `db:"discord_guild_id"` // owning guild
	Type            string `db:"integration_type"` // immutable once created
	State           string `db:"state"`            // active/refreshing/superseded/revoked
	MessageTemplate string `db:"message_template"` // per-guild reply format
	Email           string `db:"email"`            // SakuraAI account email
	Token           string `db:"token"`            // SakuraAI access token (rotates)
	RefreshToken    string `db:"refresh_token"`    // SakuraAI single-use refresh token
	APIKey          string `db:"api_key"`          // static secret (CharacterAI, OpenRouter)
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

// ChannelBinding maps a Discord channel to at most one integration record.
type ChannelBinding struct {
	ID            int64  `db:"id"`
	GuildID       string `db:"guild_id"`
	ChannelID     string `db:"channel_id"`
	IntegrationID string `db:"integration_id"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

// CharacterRecord is the locally persisted view of a remote character, keyed
// by (integration, channel) so each channel keeps its own conversation state.
// Card fields stay empty for chat-only backends.
type CharacterRecord struct {
	ID            int64  `db:"id"`
	IntegrationID string `db:"integration_id"`
	ChannelID     string `db:"channel_id"`
	RemoteID      string `db:"remote_id"`   // opaque backend-issued id or model name
	SourceType    string `db:"source_type"` // card content origin, empty for chat-only
	Name          string `db:"name"`
	Description   string `db:"description"`
	Persona       string `db:"persona"`
	Scenario      string `db:"scenario"`
	Greeting      string `db:"greeting"`
	MessageCount  int    `db:"message_count"`
	ChatSessionID string `db:"chat_session_id"` // backend-held chat id, set after first message
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

// StorageService defines the persistence contract for integration records,
// channel bindings, and character state. All operations are atomic at record
// granularity. Lookups return (nil, nil) when no record exists.
type StorageService interface {
	// Initialize sets up the database connection and creates necessary tables
	Initialize(ctx context.Context) error

	// Close closes the database connection
	Close() error

	// HealthCheck verifies that the database connection is working
	HealthCheck(ctx context.Context) error

	// GetIntegration retrieves an integration record by id
	GetIntegration(ctx context.Context, id string) (*GuildIntegration, error)

	// SaveIntegration creates or updates an integration record by id
	SaveIntegration(ctx context.Context, integration *GuildIntegration) error

	// GetGuildIntegrations retrieves all integration records for a guild
	GetGuildIntegrations(ctx context.Context, guildID string) ([]*GuildIntegration, error)

	// GetActiveIntegrationByType retrieves the single active integration of the
	// given type for a guild
	GetActiveIntegrationByType(ctx context.Context, guildID, integrationType string) (*GuildIntegration, error)

	// GetBinding retrieves the binding for a channel
	GetBinding(ctx context.Context, guildID, channelID string) (*ChannelBinding, error)

	// UpsertBinding creates or replaces the binding for a channel
	UpsertBinding(ctx context.Context, binding *ChannelBinding) error

	// DeleteBinding removes a channel's binding; deleting a missing binding is
	// not an error
	DeleteBinding(ctx context.Context, guildID, channelID string) error

	// DeleteBindingsForIntegration removes every channel binding that
	// references an integration record
	DeleteBindingsForIntegration(ctx context.Context, integrationID string) error

	// GetCharacter retrieves the character state for an integration/channel pair
	GetCharacter(ctx context.Context, integrationID, channelID string) (*CharacterRecord, error)

	// SaveCharacter creates or updates character state for an integration/channel pair
	SaveCharacter(ctx context.Context, character *CharacterRecord) error
}
