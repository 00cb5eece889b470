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

// sakuraChatRequest is the request payload for the SakuraAI chat endpoint.
type sakuraChatRequest struct {
	CharacterID string `json:"character_id"`
	ChatID      string `json:"chat_id,omitempty"`
	Message     string `json:"message"`
}

// sakuraChatResponse is the reply shape from the SakuraAI chat endpoint.
type sakuraChatResponse struct {
	Reply     string `json:"reply"`
	ChatID    string `json:"chat_id"`
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
}

// sakuraRefreshRequest exchanges a refresh token for a new token pair.
type sakuraRefreshRequest struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
}

type sakuraRefreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error,omitempty"`
}

// SakuraAIBackend talks to the SakuraAI API. It is card-capable and carries a
// rotating credential: the access token expires and is renewed through a
// single-use refresh token exchange.
type SakuraAIBackend struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewSakuraAIBackend creates a SakuraAI adapter configured from environment
// variables with defaults.
func NewSakuraAIBackend(logger *slog.Logger) *SakuraAIBackend {
	baseURL := os.Getenv("SAKURA_API_URL")
	if baseURL == "" {
		baseURL = "https://api.sakura.fm"
	}

	timeout := 30 * time.Second
	if timeoutStr := os.Getenv("SAKURA_TIMEOUT"); timeoutStr != "" {
		if parsed, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = parsed
		}
	}

	logger.Info("SakuraAI backend configured", "base_url", baseURL, "timeout", timeout)

	return &SakuraAIBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}
}

// Type returns the integration type this adapter serves.
func (b *SakuraAIBackend) Type() IntegrationType { return IntegrationSakuraAI }

// Send delivers a message to a SakuraAI character. The remote chat is created
// lazily: when the card has no chat session yet, one is opened on this call
// and its id is returned in Reply.SessionID for the caller to persist.
func (b *SakuraAIBackend) Send(ctx context.Context, cred Credential, ch Character, message string) (*Reply, error) {
	card, ok := ch.(CardCharacter)
	if !ok {
		return nil, fmt.Errorf("sakuraai requires a card character, got %T", ch)
	}

	chatID := card.ChatSessionID()
	createdSession := false
	if chatID == "" {
		created, err := b.createChat(ctx, cred, card.RemoteID())
		if err != nil {
			return nil, err
		}
		chatID = created
		createdSession = true
		b.logger.Info("Created SakuraAI chat session",
			"character_id", card.RemoteID(),
			"chat_id", chatID)
	}

	reqBody := sakuraChatRequest{
		CharacterID: card.RemoteID(),
		ChatID:      chatID,
		Message:     message,
	}

	var chatResp sakuraChatResponse
	if err := b.post(ctx, cred.Token, "/api/v1/chat/send", reqBody, &chatResp); err != nil {
		return nil, err
	}
	if chatResp.Error != "" {
		return nil, fmt.Errorf("%w: sakuraai API error: %s", ErrRemoteUnavailable, chatResp.Error)
	}

	reply := &Reply{
		Text:      chatResp.Reply,
		Truncated: chatResp.Truncated,
	}
	if createdSession {
		reply.SessionID = chatID
	}
	return reply, nil
}

// Refresh performs the single-use refresh token rotation. The returned
// credential replaces the stored pair; the old refresh token is invalid the
// moment the exchange succeeds. A rejected refresh token means the account
// credential was revoked, which is fatal for the integration.
func (b *SakuraAIBackend) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	reqBody := sakuraRefreshRequest{
		Email:        cred.Email,
		RefreshToken: cred.RefreshToken,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/auth/refresh", bytes.NewBuffer(jsonData))
	if err != nil {
		return Credential{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: refresh request failed: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Credential{}, fmt.Errorf("%w: sakuraai rejected refresh token for %s", ErrCredentialRevoked, cred.Email)
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("%w: refresh endpoint returned status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var refreshResp sakuraRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshResp); err != nil {
		return Credential{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if refreshResp.Error != "" || refreshResp.Token == "" || refreshResp.RefreshToken == "" {
		return Credential{}, fmt.Errorf("%w: refresh exchange failed: %s", ErrCredentialRevoked, refreshResp.Error)
	}

	b.logger.Info("SakuraAI credential rotated", "email", cred.Email)

	return Credential{
		Email:        cred.Email,
		Token:        refreshResp.Token,
		RefreshToken: refreshResp.RefreshToken,
	}, nil
}

// createChat opens a remote chat session for a character.
func (b *SakuraAIBackend) createChat(ctx context.Context, cred Credential, characterID string) (string, error) {
	var created struct {
		ChatID string `json:"chat_id"`
		Error  string `json:"error,omitempty"`
	}
	reqBody := map[string]string{"character_id": characterID}
	if err := b.post(ctx, cred.Token, "/api/v1/chat/create", reqBody, &created); err != nil {
		return "", err
	}
	if created.Error != "" || created.ChatID == "" {
		return "", fmt.Errorf("%w: chat creation failed: %s", ErrRemoteUnavailable, created.Error)
	}
	return created.ChatID, nil
}

// post issues an authenticated JSON POST and decodes the response into out.
func (b *SakuraAIBackend) post(ctx context.Context, token, path string, in, out any) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request to %s failed: %v", ErrRemoteUnavailable, path, err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
