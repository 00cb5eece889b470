package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// orChatRequest is the OpenAI-compatible chat completion payload OpenRouter
// accepts.
type orChatRequest struct {
	Model    string          `json:"model"`
	Messages []orChatMessage `json:"messages"`
}

type orChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type orChatResponse struct {
	Choices []struct {
		Message      orChatMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenRouterBackend serves hosted models through OpenRouter's OpenAI-style
// API. It is chat-only: no card content, no remote session (each call is
// stateless), and the static API key never rotates — an ErrAuthExpired from
// this backend is a configuration problem, not a recoverable condition.
type OpenRouterBackend struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewOpenRouterBackend creates an OpenRouter adapter configured from
// environment variables with defaults.
func NewOpenRouterBackend(logger *slog.Logger) *OpenRouterBackend {
	baseURL := os.Getenv("OPENROUTER_API_URL")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api"
	}

	timeout := 60 * time.Second
	if timeoutStr := os.Getenv("OPENROUTER_TIMEOUT"); timeoutStr != "" {
		if parsed, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = parsed
		}
	}

	logger.Info("OpenRouter backend configured", "base_url", baseURL, "timeout", timeout)

	return &OpenRouterBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}
}

// Type returns the integration type this adapter serves.
func (b *OpenRouterBackend) Type() IntegrationType { return IntegrationOpenRouter }

// APIKey returns the static secret used to authenticate against OpenRouter.
func (b *OpenRouterBackend) APIKey(cred Credential) string { return cred.APIKey }

// Send performs a stateless chat completion against the character's model id.
func (b *OpenRouterBackend) Send(ctx context.Context, cred Credential, ch Character, message string) (*Reply, error) {
	reqBody := orChatRequest{
		Model: ch.RemoteID(),
		Messages: []orChatMessage{
			{Role: "user", Content: message},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: openrouter request failed: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return nil, err
	}

	var chatResp orChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode openrouter response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("%w: openrouter API error: %s", ErrRemoteUnavailable, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openrouter returned no choices", ErrRemoteUnavailable)
	}

	choice := chatResp.Choices[0]
	return &Reply{
		Text:      choice.Message.Content,
		Truncated: choice.FinishReason == "length",
	}, nil
}
