package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStorage opens a file-backed SQLite database under a temp dir. The
// connection pool holds several connections, so an in-memory database would
// give each connection its own empty schema.
func newTestStorage(t *testing.T) *SQLiteStorageService {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	service := NewSQLiteStorageService(dbPath)
	require.NoError(t, service.Initialize(context.Background()))
	t.Cleanup(func() { service.Close() })

	return service
}

func TestSQLiteStorage_InitializeAndHealthCheck(t *testing.T) {
	service := newTestStorage(t)
	assert.NoError(t, service.HealthCheck(context.Background()))
}

func TestSQLiteStorage_IntegrationRoundTrip(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	integration := &GuildIntegration{
		ID:              "int-1",
		DiscordGuildID:  "guild-1",
		Type:            "sakuraai",
		State:           StateActive,
		MessageTemplate: "**{character}**: {message}",
		Email:           "a@b.com",
		Token:           "T0",
		RefreshToken:    "R0",
	}
	require.NoError(t, service.SaveIntegration(ctx, integration))
	assert.NotZero(t, integration.CreatedAt)

	loaded, err := service.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "guild-1", loaded.DiscordGuildID)
	assert.Equal(t, "sakuraai", loaded.Type)
	assert.Equal(t, StateActive, loaded.State)
	assert.Equal(t, "a@b.com", loaded.Email)
	assert.Equal(t, "T0", loaded.Token)
	assert.Equal(t, "R0", loaded.RefreshToken)
}

func TestSQLiteStorage_GetIntegrationNotFound(t *testing.T) {
	service := newTestStorage(t)

	loaded, err := service.GetIntegration(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSQLiteStorage_SaveIntegrationUpdatesCredentials(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	integration := &GuildIntegration{
		ID:             "int-1",
		DiscordGuildID: "guild-1",
		Type:           "sakuraai",
		State:          StateRefreshing,
		Email:          "a@b.com",
		Token:          "T0",
		RefreshToken:   "R0",
	}
	require.NoError(t, service.SaveIntegration(ctx, integration))

	integration.State = StateActive
	integration.Token = "T1"
	integration.RefreshToken = "R1"
	require.NoError(t, service.SaveIntegration(ctx, integration))

	loaded, err := service.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, StateActive, loaded.State)
	assert.Equal(t, "T1", loaded.Token)
	assert.Equal(t, "R1", loaded.RefreshToken)
}

func TestSQLiteStorage_GetActiveIntegrationByType(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	old := &GuildIntegration{
		ID:             "int-old",
		DiscordGuildID: "guild-1",
		Type:           "openrouter",
		State:          StateSuperseded,
		APIKey:         "sk-old",
	}
	current := &GuildIntegration{
		ID:             "int-new",
		DiscordGuildID: "guild-1",
		Type:           "openrouter",
		State:          StateActive,
		APIKey:         "sk-new",
	}
	otherGuild := &GuildIntegration{
		ID:             "int-other",
		DiscordGuildID: "guild-2",
		Type:           "openrouter",
		State:          StateActive,
		APIKey:         "sk-other",
	}
	for _, integration := range []*GuildIntegration{old, current, otherGuild} {
		require.NoError(t, service.SaveIntegration(ctx, integration))
	}

	active, err := service.GetActiveIntegrationByType(ctx, "guild-1", "openrouter")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "int-new", active.ID)

	// The superseded record stays loadable by id
	superseded, err := service.GetIntegration(ctx, "int-old")
	require.NoError(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, StateSuperseded, superseded.State)

	// A refreshing integration still counts as the guild's live one
	current.State = StateRefreshing
	require.NoError(t, service.SaveIntegration(ctx, current))
	active, err = service.GetActiveIntegrationByType(ctx, "guild-1", "openrouter")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "int-new", active.ID)

	none, err := service.GetActiveIntegrationByType(ctx, "guild-1", "sakuraai")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLiteStorage_GetGuildIntegrations(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"int-a", "int-b"} {
		require.NoError(t, service.SaveIntegration(ctx, &GuildIntegration{
			ID:             id,
			DiscordGuildID: "guild-1",
			Type:           "characterai",
			State:          StateActive,
			Token:          "tok",
		}))
	}

	integrations, err := service.GetGuildIntegrations(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, integrations, 2)

	empty, err := service.GetGuildIntegrations(ctx, "guild-9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStorage_BindingUpsertReplaces(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, service.UpsertBinding(ctx, &ChannelBinding{
		GuildID:       "guild-1",
		ChannelID:     "chan-1",
		IntegrationID: "int-old",
	}))
	require.NoError(t, service.UpsertBinding(ctx, &ChannelBinding{
		GuildID:       "guild-1",
		ChannelID:     "chan-1",
		IntegrationID: "int-new",
	}))

	binding, err := service.GetBinding(ctx, "guild-1", "chan-1")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, "int-new", binding.IntegrationID)
}

func TestSQLiteStorage_DeleteBindingIdempotent(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, service.UpsertBinding(ctx, &ChannelBinding{
		GuildID:       "guild-1",
		ChannelID:     "chan-1",
		IntegrationID: "int-1",
	}))

	require.NoError(t, service.DeleteBinding(ctx, "guild-1", "chan-1"))

	binding, err := service.GetBinding(ctx, "guild-1", "chan-1")
	require.NoError(t, err)
	assert.Nil(t, binding)

	// Deleting again is not an error
	require.NoError(t, service.DeleteBinding(ctx, "guild-1", "chan-1"))
}

func TestSQLiteStorage_DeleteBindingsForIntegration(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	for _, binding := range []*ChannelBinding{
		{GuildID: "guild-1", ChannelID: "chan-1", IntegrationID: "int-1"},
		{GuildID: "guild-1", ChannelID: "chan-2", IntegrationID: "int-1"},
		{GuildID: "guild-1", ChannelID: "chan-3", IntegrationID: "int-2"},
	} {
		require.NoError(t, service.UpsertBinding(ctx, binding))
	}

	require.NoError(t, service.DeleteBindingsForIntegration(ctx, "int-1"))

	for _, channelID := range []string{"chan-1", "chan-2"} {
		binding, err := service.GetBinding(ctx, "guild-1", channelID)
		require.NoError(t, err)
		assert.Nil(t, binding)
	}

	// Bindings of other integrations are untouched
	binding, err := service.GetBinding(ctx, "guild-1", "chan-3")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, "int-2", binding.IntegrationID)

	// Deleting again is not an error
	require.NoError(t, service.DeleteBindingsForIntegration(ctx, "int-1"))
}

func TestSQLiteStorage_CharacterRoundTrip(t *testing.T) {
	service := newTestStorage(t)
	ctx := context.Background()

	character := &CharacterRecord{
		IntegrationID: "int-1",
		ChannelID:     "chan-1",
		RemoteID:      "char-42",
		SourceType:    "chubai",
		Name:          "Morgan",
		Description:   "a wandering bard",
		Persona:       "cheerful",
		Greeting:      "well met",
	}
	require.NoError(t, service.SaveCharacter(ctx, character))

	loaded, err := service.GetCharacter(ctx, "int-1", "chan-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "char-42", loaded.RemoteID)
	assert.Equal(t, "chubai", loaded.SourceType)
	assert.Equal(t, 0, loaded.MessageCount)
	assert.Empty(t, loaded.ChatSessionID)

	// Conversation state accumulates on the same (integration, channel) row
	loaded.MessageCount = 1
	loaded.ChatSessionID = "hist-9"
	require.NoError(t, service.SaveCharacter(ctx, loaded))

	updated, err := service.GetCharacter(ctx, "int-1", "chan-1")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 1, updated.MessageCount)
	assert.Equal(t, "hist-9", updated.ChatSessionID)

	missing, err := service.GetCharacter(ctx, "int-1", "chan-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
