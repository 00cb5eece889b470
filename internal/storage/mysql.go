package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// MySQLStorageService implements StorageService using MySQL
type MySQLStorageService struct {
	db       *sql.DB
	dsn      string
	prepared map[string]*sql.Stmt
}

// MySQLConfig holds MySQL connection configuration
type MySQLConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	Timeout  string
}

// NewMySQLStorageService creates a new MySQL storage service
func NewMySQLStorageService(config MySQLConfig) *MySQLStorageService {
	// Build DSN (Data Source Name)
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&timeout=%s",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		config.Timeout,
	)

	return &MySQLStorageService{
		dsn:      dsn,
		prepared: make(map[string]*sql.Stmt),
	}
}

// connectWithRetry attempts to connect to MySQL with exponential backoff retry logic
func (s *MySQLStorageService) connectWithRetry(ctx context.Context) (*sql.DB, error) {
	const maxRetries = 5
	const baseDelay = time.Second

	var db *sql.DB
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		db, err = sql.Open("mysql", s.dsn)
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: failed to open database: %w", attempt+1, err)
			if attempt < maxRetries-1 {
				delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		}

		if err = db.PingContext(ctx); err != nil {
			db.Close()
			lastErr = fmt.Errorf("attempt %d: failed to ping database: %w", attempt+1, err)
			if attempt < maxRetries-1 {
				delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		}

		return db, nil
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}

// isRetryableError checks if an error is retryable (network/connection issues)
func (s *MySQLStorageService) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"no such host",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}

// executeWithRetry executes a database operation with retry logic for connection failures
func (s *MySQLStorageService) executeWithRetry(ctx context.Context, operation func() error) error {
	const maxRetries = 3
	const baseDelay = 500 * time.Millisecond

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !s.isRetryableError(err) {
			return err
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}

// Initialize sets up the database connection and creates necessary tables
func (s *MySQLStorageService) Initialize(ctx context.Context) error {
	db, err := s.connectWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to establish database connection: %w", err)
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
func (s *MySQLStorageService) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS guild_integrations (
			id VARCHAR(36) PRIMARY KEY,
			discord_guild_id VARCHAR(255) NOT NULL,
			integration_type VARCHAR(32) NOT NULL,
			state VARCHAR(16) NOT NULL,
			message_template TEXT NOT NULL,
			email VARCHAR(255) NOT NULL DEFAULT '',
			token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			api_key TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_bindings (
			id BIGINT PRIMARY KEY AUTO_INCREMENT,
			guild_id VARCHAR(255) NOT NULL,
			channel_id VARCHAR(255) NOT NULL,
			integration_id VARCHAR(36) NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY unique_guild_channel (guild_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS characters (
			id BIGINT PRIMARY KEY AUTO_INCREMENT,
			integration_id VARCHAR(36) NOT NULL,
			channel_id VARCHAR(255) NOT NULL,
			remote_id VARCHAR(255) NOT NULL,
			source_type VARCHAR(32) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			persona TEXT NOT NULL,
			scenario TEXT NOT NULL,
			greeting TEXT NOT NULL,
			message_count INT NOT NULL DEFAULT 0,
			chat_session_id VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY unique_integration_channel (integration_id, channel_id)
		)`,
		`CREATE INDEX idx_guild_integrations_guild ON guild_integrations(discord_guild_id)`,
		`CREATE INDEX idx_guild_integrations_guild_type_state ON guild_integrations(discord_guild_id, integration_type, state)`,
	}

	// Create tables first
	for i := 0; i < 3; i++ {
		if _, err := s.db.ExecContext(ctx, statements[i]); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// Create indexes with error handling for duplicates
	for i := 3; i < len(statements); i++ {
		if _, err := s.db.ExecContext(ctx, statements[i]); err != nil {
			// Ignore duplicate index errors (MySQL error code 1061)
			if !strings.Contains(err.Error(), "Duplicate key name") {
				return fmt.Errorf("failed to execute schema statement: %w", err)
			}
		}
	}

	return nil
}

// prepareStatements prepares frequently used SQL statements
func (s *MySQLStorageService) prepareStatements() error {
	statements := map[string]string{
		"get_integration": `
			SELECT id, discord_guild_id, integration_type, state, message_template, email, token, refresh_token, api_key, created_at, updated_at
			FROM guild_integrations
			WHERE id = ?
		`,
		"insert_integration": `
			INSERT INTO guild_integrations (id, discord_guild_id, integration_type, state, message_template, email, token, refresh_token, api_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				state = VALUES(state),
				message_template = VALUES(message_template),
				email = VALUES(email),
				token = VALUES(token),
				refresh_token = VALUES(refresh_token),
				api_key = VALUES(api_key),
				updated_at = VALUES(updated_at)
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
			ON DUPLICATE KEY UPDATE
				integration_id = VALUES(integration_id),
				updated_at = VALUES(updated_at)
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
			ON DUPLICATE KEY UPDATE
				remote_id = VALUES(remote_id),
				source_type = VALUES(source_type),
				name = VALUES(name),
				description = VALUES(description),
				persona = VALUES(persona),
				scenario = VALUES(scenario),
				greeting = VALUES(greeting),
				message_count = VALUES(message_count),
				chat_session_id = VALUES(chat_session_id),
				updated_at = VALUES(updated_at)
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
func (s *MySQLStorageService) Close() error {
	for _, stmt := range s.prepared {
		if stmt != nil {
			stmt.Close()
		}
	}

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies that the database connection is working
func (s *MySQLStorageService) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *MySQLStorageService) scanIntegration(row *sql.Row) (*GuildIntegration, error) {
	var integration GuildIntegration
	err := row.Scan(
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
		return nil, err
	}
	return &integration, nil
}

// GetIntegration retrieves an integration record by id
func (s *MySQLStorageService) GetIntegration(ctx context.Context, id string) (*GuildIntegration, error) {
	stmt := s.prepared["get_integration"]
	if stmt == nil {
		return nil, fmt.Errorf("get_integration statement not prepared")
	}

	var integration *GuildIntegration
	err := s.executeWithRetry(ctx, func() error {
		var scanErr error
		integration, scanErr = s.scanIntegration(stmt.QueryRowContext(ctx, id))
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}

	return integration, nil
}

// SaveIntegration creates or updates an integration record by id
func (s *MySQLStorageService) SaveIntegration(ctx context.Context, integration *GuildIntegration) error {
	stmt := s.prepared["insert_integration"]
	if stmt == nil {
		return fmt.Errorf("insert_integration statement not prepared")
	}

	now := time.Now().Unix()
	if integration.CreatedAt == 0 {
		integration.CreatedAt = now
	}
	integration.UpdatedAt = now

	err := s.executeWithRetry(ctx, func() error {
		_, execErr := stmt.ExecContext(ctx,
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
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to save integration: %w", err)
	}

	return nil
}

// GetGuildIntegrations retrieves all integration records for a guild
func (s *MySQLStorageService) GetGuildIntegrations(ctx context.Context, guildID string) ([]*GuildIntegration, error) {
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
func (s *MySQLStorageService) GetActiveIntegrationByType(ctx context.Context, guildID, integrationType string) (*GuildIntegration, error) {
	stmt := s.prepared["get_active_by_type"]
	if stmt == nil {
		return nil, fmt.Errorf("get_active_by_type statement not prepared")
	}

	integration, err := s.scanIntegration(stmt.QueryRowContext(ctx, guildID, integrationType))
	if err != nil {
		return nil, fmt.Errorf("failed to get active integration: %w", err)
	}

	return integration, nil
}

// GetBinding retrieves the binding for a channel
func (s *MySQLStorageService) GetBinding(ctx context.Context, guildID, channelID string) (*ChannelBinding, error) {
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
func (s *MySQLStorageService) UpsertBinding(ctx context.Context, binding *ChannelBinding) error {
	stmt := s.prepared["upsert_binding"]
	if stmt == nil {
		return fmt.Errorf("upsert_binding statement not prepared")
	}

	now := time.Now().Unix()
	if binding.CreatedAt == 0 {
		binding.CreatedAt = now
	}
	binding.UpdatedAt = now

	err := s.executeWithRetry(ctx, func() error {
		_, execErr := stmt.ExecContext(ctx,
			binding.GuildID,
			binding.ChannelID,
			binding.IntegrationID,
			binding.CreatedAt,
			binding.UpdatedAt,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to upsert binding: %w", err)
	}

	return nil
}

// DeleteBinding removes a channel's binding
func (s *MySQLStorageService) DeleteBinding(ctx context.Context, guildID, channelID string) error {
	stmt := s.prepared["delete_binding"]
	if stmt == nil {
		return fmt.Errorf("delete_binding statement not prepared")
	}

	err := s.executeWithRetry(ctx, func() error {
		_, execErr := stmt.ExecContext(ctx, guildID, channelID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// DeleteBindingsForIntegration removes every channel binding that references
// an integration record
func (s *MySQLStorageService) DeleteBindingsForIntegration(ctx context.Context, integrationID string) error {
	stmt := s.prepared["delete_bindings_for_integration"]
	if stmt == nil {
		return fmt.Errorf("delete_bindings_for_integration statement not prepared")
	}

	err := s.executeWithRetry(ctx, func() error {
		_, execErr := stmt.ExecContext(ctx, integrationID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to delete bindings for integration: %w", err)
	}
	return nil
}

// GetCharacter retrieves the character state for an integration/channel pair
func (s *MySQLStorageService) GetCharacter(ctx context.Context, integrationID, channelID string) (*CharacterRecord, error) {
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
func (s *MySQLStorageService) SaveCharacter(ctx context.Context, character *CharacterRecord) error {
	stmt := s.prepared["upsert_character"]
	if stmt == nil {
		return fmt.Errorf("upsert_character statement not prepared")
	}

	now := time.Now().Unix()
	if character.CreatedAt == 0 {
		character.CreatedAt = now
	}
	character.UpdatedAt = now

	err := s.executeWithRetry(ctx, func() error {
		_, execErr := stmt.ExecContext(ctx,
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
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to save character: %w", err)
	}

	return nil
}
