package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"character-bridge-bot/internal/bot"
	"character-bridge-bot/internal/config"
	"character-bridge-bot/internal/dispatch"
	"character-bridge-bot/internal/monitor"
	"character-bridge-bot/internal/registry"
	"character-bridge-bot/internal/source"

	"github.com/bwmarrin/discordgo"
)

func main() {
	// Handle health check flag for Docker containers
	if len(os.Args) > 1 && os.Args[1] == "--health-check" {
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging at the configured level
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	slog.Info("Character Bridge Bot starting up...")

	// Initialize storage service
	storageService := cfg.StorageService()
	slog.Info("Database configuration loaded", "type", cfg.DatabaseType)
	if err := storageService.Initialize(context.Background()); err != nil {
		slog.Error("Failed to initialize storage service", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := storageService.Close(); err != nil {
			slog.Error("Error closing storage service", "error", err)
		}
	}()

	slog.Info("Storage service initialized successfully")

	// Initialize backend adapters and the integration registry
	reg := registry.NewRegistry(storageService, logger,
		source.NewSakuraAIBackend(logger),
		source.NewCharacterAIBackend(logger),
		source.NewOpenRouterBackend(logger),
	)

	backoff := monitor.NewBackoffTracker(logger)
	dispatcher := dispatch.NewDispatcher(reg, storageService, backoff, logger)
	admin := bot.NewAdminCommands(reg, logger)
	handler := bot.NewHandler(logger, dispatcher, admin)

	// Create Discord session
	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		slog.Error("Error creating Discord session", "error", err)
		os.Exit(1)
	}

	// Add event handlers
	dg.AddHandler(ready)
	dg.AddHandler(handler.HandleMessageCreate)

	// Set bot intents for guild messages with content
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	// Open connection to Discord
	if err := dg.Open(); err != nil {
		slog.Error("Error opening Discord connection", "error", err)
		os.Exit(1)
	}

	slog.Info("Bot is now running. Press CTRL+C to exit.")

	// Wait for CTRL+C or other term signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	slog.Info("Shutdown signal received, initiating graceful shutdown...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := dg.Close(); err != nil {
			slog.Error("Error during Discord session cleanup", "error", err)
		} else {
			slog.Info("Discord session closed successfully")
		}
	}()

	select {
	case <-done:
		slog.Info("Bot shutdown completed successfully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, forcing exit")
	}
}

// ready event handler - called when bot connects and is ready
func ready(s *discordgo.Session, event *discordgo.Ready) {
	if err := s.UpdateGameStatus(0, "Chatting in character"); err != nil {
		slog.Error("Error setting bot status", "error", err)
		return
	}

	slog.Info("Bot connected successfully",
		"username", event.User.Username,
		"status", "Online")
}
