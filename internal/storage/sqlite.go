package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorageService implements StorageService using SQLite
type SQLiteStorageService struct {
	db       *sql.DB
	dbPath   string
	prepared map[string]*sql.Stmt
}

// NewSQLiteStorageService creates a new SQLite storage service
func NewSQLiteStorageService(dbPath string) *SQLiteStorageService {
	return &SQLiteStorageService{
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}
}

// Initialize sets up the database connection and creates necessary tables
func (s *SQLiteStorageService) Initialize(ctx context.Context) error {
	// Create directory if it doesn't exist (skip for in-memory databases)
	if s.dbPath != ":memory:" {
		dir := filepath.Dir(s.dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database connection
	db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_foreign_keys=1")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	s.db = db

	// Set connection pool settings
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(time.Hour)

	// Create tables
	if err := s.createTables(ctx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Prepare statements
	if err := s.prepareStatements(); err != nil {
		return fmt.Errorf("failed to prepare statements: %w", err)
	}

	return nil
}

// createTables creates the necessary database tables
func (s *SQLiteStorageService) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS guild_integrations (
		id TEXT PRIMARY KEY,
		discord_guild_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		state TEXT NOT NULL,
		message_template TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channel_bindings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guild_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		integration_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(guild_id, channel_id)
	);

	CREATE TABLE IF NOT EXISTS characters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		integration_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT '',
		scenario TEXT NOT NULL DEFAULT '',
		greeting TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		chat_session_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(integration_id, channel_id)
	);

	CREATE INDEX IF NOT EXISTS idx_guild_integrations_guild ON guild_integrations(discord_guild_id);
	CREATE INDEX IF NOT EXISTS idx_guild_integrations_guild_type_state ON guild_integrations(discord_guild_id, integration_type, state);
	CREATE INDEX IF NOT EXISTS idx_channel_bindings_guild_channel ON channel_bindings(guild_id, channel_id);
	CREATE INDEX IF NOT EXISTS idx_characters_integration_channel ON characters(integration_id, channel_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// prepareStatements prepares frequently used SQL statements
func (s *SQLiteStorageService) prepareStatements() error {
	statements := map[string]string{
		"get_integration": `
			SELECT id, discord_guild_id, integration_type, state, message_template, email, token, refresh_token, api_key, created_at, updated_at
			FROM guild_integrations
			WHERE id = ?
		`,
		"insert_integration": `
			INSERT INTO guild_integrations (id, discord_guild_id, integration_type, state, message_template, email, token, refresh_token, api_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				message_template = excluded.message_template,
				email = excluded.email,
				token = excluded.token,
				refresh_token = excluded.refresh_token,
				api_key = excluded.api_key,
				updated_at = excluded.updated_at
		`,
		"get_guild_integrations": `
			SELECT id, discord_guild_id, integration_type, state, message_template, email, token, refresh_token, api_key, created_at, updated_at
			FROM guild_integrations
			WHERE discord_guild_id = ?
			ORDER BY created_at DESC
		`,
		"get_active_by_type": `
			SELECT id, discord_guild_id, integration_type, state, message_template, email, token, refresh_token, api_key, created_at, updated_at
			FROM guild_integrations
			WHERE discord_guild_id = ? AND integration_type = ? AND state IN ('active', 'refreshing')
		`,
		"get_binding": `
			SELECT id, guild_id, channel_id, integration_id, created_at, updated_at
			FROM channel_bindings
			WHERE guild_id = ? AND channel_id = ?
		`,
		"upsert_binding": `
			INSERT INTO channel_bindings (guild_id, channel_id, integration_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(guild_id, channel_id) DO UPDATE SET
				integration_id = excluded.integration_id,
				updated_at = excluded.updated_at
		`,
		"delete_binding": `
			DELETE FROM channel_bindings WHERE guild_id = ? AND channel_id = ?
		`,
		"delete_bindings_for_integration": `
			DELETE FROM channel_bindings WHERE integration_id = ?
		`,
		"get_character": `
			SELECT id, integration_id, channel_id, remote_id, source_type, name, description, persona, scenario, greeting, message_count, chat_session_id, created_at, updated_at
			FROM characters
			WHERE integration_id = ? AND channel_id = ?
		`,
		"upsert_character": `
			INSERT INTO characters (integration_id, channel_id, remote_id, source_type, name, description, persona, scenario, greeting, message_count, chat_session_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(integration_id, channel_id) DO UPDATE SET
				remote_id = excluded.remote_id,
				source_type = excluded.source_type,
				name = excluded.name,
				description = excluded.description,
				persona = excluded.persona,
				scenario = excluded.scenario,
				greeting = excluded.greeting,
				message_count = excluded.message_count,
				chat_session_id = excluded.chat_session_id,
				updated_at = excluded.updated_at
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStorageService) Close() error {
	// Close prepared statements
	for _, stmt := range s.prepared {
		if stmt != nil {
			stmt.Close()
		}
	}

	// Close database
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies that the database connection is working
func (s *SQLiteStorageService) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// GetIntegration retrieves an integration record by id
func (s *SQLiteStorageService) GetIntegration(ctx context.Context, id string) (*GuildIntegration, error) {
	stmt := s.prepared["get_integration"]
	if stmt == nil {
		return nil, fmt.Errorf("get_integration statement not prepared")
	}

	var integration GuildIntegration
	err := stmt.QueryRowContext(ctx, id).Scan(
		&integration.ID,
		&integration.DiscordGuildID,
		&integration.Type,
		&integration.State,
		&integration.MessageTemplate,
		&integration.Email,
		&integration.Token,
		&integration.RefreshToken,
		&integration.APIKey,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil // No record found, not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}

	return &integration, nil
}

// SaveIntegration creates or updates an integration record by id
func (s *SQLiteStorageService) SaveIntegration(ctx context.Context, integration *GuildIntegration) error {
	stmt := s.prepared["insert_integration"]
	if stmt == nil {
		return fmt.Errorf("insert_integration statement not prepared")
	}

	now := time.Now().Unix()
	if integration.CreatedAt == 0 {
		integration.CreatedAt = now
	}
	integration.UpdatedAt = now

	_, err := stmt.ExecContext(ctx,
		integration.ID,
		integration.DiscordGuildID,
		integration.Type,
		integration.State,
		integration.MessageTemplate,
		integration.Email,
		integration.Token,
		integration.RefreshToken,
		integration.APIKey,
		integration.CreatedAt,
		integration.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save integration: %w", err)
	}

	return nil
}

// GetGuildIntegrations retrieves all integration records for a guild
func (s *SQLiteStorageService) GetGuildIntegrations(ctx context.Context, guildID string) ([]*GuildIntegration, error) {
	stmt := s.prepared["get_guild_integrations"]
	if stmt == nil {
		return nil, fmt.Errorf("get_guild_integrations statement not prepared")
	}

	rows, err := stmt.QueryContext(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query guild integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*GuildIntegration
	for rows.Next() {
		var integration GuildIntegration
		err := rows.Scan(
			&integration.ID,
			&integration.DiscordGuildID,
			&integration.Type,
			&integration.State,
			&integration.MessageTemplate,
			&integration.Email,
			&integration.Token,
			&integration.RefreshToken,
			&integration.APIKey,
			&integration.CreatedAt,
			&integration.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		integrations = append(integrations, &integration)
	}

	return integrations, rows.Err()
}

// GetActiveIntegrationByType retrieves the single active integration of the given type for a guild
func (s *SQLiteStorageService) GetActiveIntegrationByType(ctx context.Context, guildID, integrationType string) (*GuildIntegration, error) {
	stmt := s.prepared["get_active_by_type"]
	if stmt == nil {
		return nil, fmt.Errorf("get_active_by_type statement not prepared")
	}

	var integration GuildIntegration
	err := stmt.QueryRowContext(ctx, guildID, integrationType).Scan(
		&integration.ID,
		&integration.DiscordGuildID,
		&integration.Type,
		&integration.State,
		&integration.MessageTemplate,
		&integration.Email,
		&integration.Token,
		&integration.RefreshToken,
		&integration.APIKey,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active integration: %w", err)
	}

	return &integration, nil
}

// GetBinding retrieves the binding for a channel
func (s *SQLiteStorageService) GetBinding(ctx context.Context, guildID, channelID string) (*ChannelBinding, error) {
	stmt := s.prepared["get_binding"]
	if stmt == nil {
		return nil, fmt.Errorf("get_binding statement not prepared")
	}

	var binding ChannelBinding
	err := stmt.QueryRowContext(ctx, guildID, channelID).Scan(
		&binding.ID,
		&binding.GuildID,
		&binding.ChannelID,
		&binding.IntegrationID,
		&binding.CreatedAt,
		&binding.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}

	return &binding, nil
}

// UpsertBinding creates or replaces the binding for a channel
func (s *SQLiteStorageService) UpsertBinding(ctx context.Context, binding *ChannelBinding) error {
	stmt := s.prepared["upsert_binding"]
	if stmt == nil {
		return fmt.Errorf("upsert_binding statement not prepared")
	}

	now := time.Now().Unix()
	if binding.CreatedAt == 0 {
		binding.CreatedAt = now
	}
	binding.UpdatedAt = now

	_, err := stmt.ExecContext(ctx,
		binding.GuildID,
		binding.ChannelID,
		binding.IntegrationID,
		binding.CreatedAt,
		binding.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert binding: %w", err)
	}

	return nil
}

// DeleteBinding removes a channel's binding
func (s *SQLiteStorageService) DeleteBinding(ctx context.Context, guildID, channelID string) error {
	stmt := s.prepared["delete_binding"]
	if stmt == nil {
		return fmt.Errorf("delete_binding statement not prepared")
	}

	if _, err := stmt.ExecContext(ctx, guildID, channelID); err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// DeleteBindingsForIntegration removes every channel binding that references
// an integration record
func (s *SQLiteStorageService) DeleteBindingsForIntegration(ctx context.Context, integrationID string) error {
	stmt := s.prepared["delete_bindings_for_integration"]
	if stmt == nil {
		return fmt.Errorf("delete_bindings_for_integration statement not prepared")
	}

	if _, err := stmt.ExecContext(ctx, integrationID); err != nil {
		return fmt.Errorf("failed to delete bindings for integration: %w", err)
	}
	return nil
}

// GetCharacter retrieves the character state for an integration/channel pair
func (s *SQLiteStorageService) GetCharacter(ctx context.Context, integrationID, channelID string) (*CharacterRecord, error) {
	stmt := s.prepared["get_character"]
	if stmt == nil {
		return nil, fmt.Errorf("get_character statement not prepared")
	}

	var character CharacterRecord
	err := stmt.QueryRowContext(ctx, integrationID, channelID).Scan(
		&character.ID,
		&character.IntegrationID,
		&character.ChannelID,
		&character.RemoteID,
		&character.SourceType,
		&character.Name,
		&character.Description,
		&character.Persona,
		&character.Scenario,
		&character.Greeting,
		&character.MessageCount,
		&character.ChatSessionID,
		&character.CreatedAt,
		&character.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character: %w", err)
	}

	return &character, nil
}

// SaveCharacter creates or updates character state for an integration/channel pair
func (s *SQLiteStorageService) SaveCharacter(ctx context.Context, character *CharacterRecord) error {
	stmt := s.prepared["upsert_character"]
	if stmt == nil {
		return fmt.Errorf("upsert_character statement not prepared")
	}

	now := time.Now().Unix()
	if character.CreatedAt == 0 {
		character.CreatedAt = now
	}
	character.UpdatedAt = now

	_, err := stmt.ExecContext(ctx,
		character.IntegrationID,
		character.ChannelID,
		character.RemoteID,
		character.SourceType,
		character.Name,
		character.Description,
		character.Persona,
		character.Scenario,
		character.Greeting,
		character.MessageCount,
		character.ChatSessionID,
		character.CreatedAt,
		character.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save character: %w", err)
	}

	return nil
}
