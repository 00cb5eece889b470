package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"character-bridge-bot/internal/storage"
)

// Config holds the bot's process-level configuration, loaded once at startup.
// Everything here is secret or deployment-shaped, so it comes from environment
// variables; per-guild behavior lives in the database instead.
type Config struct {
	BotToken string

	DatabaseType string // "sqlite" or "mysql"
	DatabasePath string // sqlite only
	MySQL        storage.MySQLConfig

	LogLevel slog.Level
}

// Load reads the configuration from environment variables, applying defaults
// and validating the parts the bot cannot run without.
func Load() (*Config, error) {
	cfg := &Config{
		BotToken:     strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		DatabaseType: getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/bot_state.db"),
		MySQL: storage.MySQLConfig{
			Host:     os.Getenv("MYSQL_HOST"),
			Port:     getEnv("MYSQL_PORT", "3306"),
			Database: os.Getenv("MYSQL_DATABASE"),
			Username: os.Getenv("MYSQL_USERNAME"),
			Password: os.Getenv("MYSQL_PASSWORD"),
			Timeout:  getEnv("MYSQL_TIMEOUT", "30s"),
		},
		LogLevel: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}

	if err := validateBotToken(cfg.BotToken); err != nil {
		return nil, err
	}

	switch cfg.DatabaseType {
	case "sqlite":
		// DatabasePath default applies
	case "mysql":
		if cfg.MySQL.Host == "" || cfg.MySQL.Database == "" || cfg.MySQL.Username == "" {
			return nil, fmt.Errorf("MYSQL_HOST, MYSQL_DATABASE and MYSQL_USERNAME are required for mysql storage")
		}
	default:
		return nil, fmt.Errorf("invalid DATABASE_TYPE: %s (expected sqlite or mysql)", cfg.DatabaseType)
	}

	return cfg, nil
}

// StorageService constructs the storage backend this configuration selects.
// SQLite is the default; MySQL is for multi-instance deployments.
func (c *Config) StorageService() storage.StorageService {
	if c.DatabaseType == "mysql" {
		return storage.NewMySQLStorageService(c.MySQL)
	}
	return storage.NewSQLiteStorageService(c.DatabasePath)
}

// validateBotToken checks the Discord bot token format and content.
func validateBotToken(token string) error {
	if token == "" {
		return fmt.Errorf("BOT_TOKEN environment variable is required")
	}
	if len(token) < 50 {
		return fmt.Errorf("token appears to be too short (expected at least 50 characters)")
	}
	if !strings.Contains(token, ".") {
		return fmt.Errorf("token format appears invalid (missing expected separators)")
	}
	return nil
}

func parseLogLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv reads an environment variable with a fallback default.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
