package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
)

func setupTestMySQLStorage(t *testing.T) *MySQLStorageService {
	if testing.Short() {
		t.Skip("skipping MySQL container test in short mode")
	}
	ctx := context.Background()

	// Start MySQL container for testing
	mysqlContainer, err := mysql.Run(ctx, "mysql:8.0",
		mysql.WithDatabase("test"),
		mysql.WithUsername("root"),
		mysql.WithPassword("test"),
	)
	if err != nil {
		t.Fatalf("Failed to start MySQL container: %v", err)
	}

	// Clean up container when test finishes
	t.Cleanup(func() {
		mysqlContainer.Terminate(ctx)
	})

	host, err := mysqlContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := mysqlContainer.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	config := MySQLConfig{
		Host:     host,
		Port:     port.Port(),
		Database: "test",
		Username: "root",
		Password: "test",
		Timeout:  "30s",
	}

	service := NewMySQLStorageService(config)
	if err := service.Initialize(ctx); err != nil {
		t.Fatalf("Failed to initialize MySQL service: %v", err)
	}

	return service
}

func TestMySQLStorageService_Initialize(t *testing.T) {
	service := setupTestMySQLStorage(t)
	defer service.Close()

	assert.NoError(t, service.HealthCheck(context.Background()))
}

func TestMySQLStorageService_IntegrationLifecycle(t *testing.T) {
	service := setupTestMySQLStorage(t)
	defer service.Close()
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

	loaded, err := service.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "T0", loaded.Token)

	// Rotate the credential pair in place
	loaded.Token = "T1"
	loaded.RefreshToken = "R1"
	require.NoError(t, service.SaveIntegration(ctx, loaded))

	rotated, err := service.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, rotated)
	assert.Equal(t, "T1", rotated.Token)
	assert.Equal(t, "R1", rotated.RefreshToken)

	active, err := service.GetActiveIntegrationByType(ctx, "guild-1", "sakuraai")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "int-1", active.ID)

	missing, err := service.GetIntegration(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMySQLStorageService_BindingsAndCharacters(t *testing.T) {
	service := setupTestMySQLStorage(t)
	defer service.Close()
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

	require.NoError(t, service.SaveCharacter(ctx, &CharacterRecord{
		IntegrationID: "int-new",
		ChannelID:     "chan-1",
		RemoteID:      "char-42",
		Name:          "Yuki",
	}))
	character, err := service.GetCharacter(ctx, "int-new", "chan-1")
	require.NoError(t, err)
	require.NotNil(t, character)
	assert.Equal(t, "char-42", character.RemoteID)

	require.NoError(t, service.DeleteBinding(ctx, "guild-1", "chan-1"))
	binding, err = service.GetBinding(ctx, "guild-1", "chan-1")
	require.NoError(t, err)
	assert.Nil(t, binding)

	require.NoError(t, service.DeleteBinding(ctx, "guild-1", "chan-1"))

	// Clearing by integration id removes every channel referencing it
	require.NoError(t, service.UpsertBinding(ctx, &ChannelBinding{
		GuildID:       "guild-1",
		ChannelID:     "chan-1",
		IntegrationID: "int-new",
	}))
	require.NoError(t, service.UpsertBinding(ctx, &ChannelBinding{
		GuildID:       "guild-1",
		ChannelID:     "chan-2",
		IntegrationID: "int-new",
	}))
	require.NoError(t, service.DeleteBindingsForIntegration(ctx, "int-new"))
	for _, channelID := range []string{"chan-1", "chan-2"} {
		binding, err = service.GetBinding(ctx, "guild-1", channelID)
		require.NoError(t, err)
		assert.Nil(t, binding)
	}
}
