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

// caiSendRequest is the request payload for the CharacterAI streamless
// message endpoint.
type caiSendRequest struct {
	CharacterExternalID string `json:"character_external_id"`
	HistoryExternalID   string `json:"history_external_id,omitempty"`
	Text                string `json:"text"`
}

type caiSendResponse struct {
	Replies []struct {
		Text string `json:"text"`
	} `json:"replies"`
	HistoryExternalID string `json:"history_external_id"`
	Abort             bool   `json:"abort"`
}

// CharacterAIBackend serves card characters through the CharacterAI API. It
// also serves ChubAI-origin cards: the card content is imported locally and
// only the chat transport goes through CharacterAI, so the character's source
// type stays orthogonal to this adapter's integration type.
//
// CharacterAI auth is a long-lived access token with no refresh path; when it
// expires the integration has to be rebound by an operator.
type CharacterAIBackend struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewCharacterAIBackend creates a CharacterAI adapter configured from
// environment variables with defaults.
func NewCharacterAIBackend(logger *slog.Logger) *CharacterAIBackend {
	baseURL := os.Getenv("CAI_API_URL")
	if baseURL == "" {
		baseURL = "https://beta.character.ai"
	}

	timeout := 45 * time.Second
	if timeoutStr := os.Getenv("CAI_TIMEOUT"); timeoutStr != "" {
		if parsed, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = parsed
		}
	}

	logger.Info("CharacterAI backend configured", "base_url", baseURL, "timeout", timeout)

	return &CharacterAIBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}
}

// Type returns the integration type this adapter serves.
func (b *CharacterAIBackend) Type() IntegrationType { return IntegrationCharacterAI }

// APIKey returns the static access token used to authenticate against
// CharacterAI.
func (b *CharacterAIBackend) APIKey(cred Credential) string { return cred.Token }

// Send delivers a message to a CharacterAI-served character. A remote history
// is created implicitly by the backend on the first message; its id comes
// back in the response and is surfaced through Reply.SessionID so the caller
// can persist and reuse it.
func (b *CharacterAIBackend) Send(ctx context.Context, cred Credential, ch Character, message string) (*Reply, error) {
	card, ok := ch.(CardCharacter)
	if !ok {
		return nil, fmt.Errorf("characterai requires a card character, got %T", ch)
	}

	reqBody := caiSendRequest{
		CharacterExternalID: card.RemoteID(),
		HistoryExternalID:   card.ChatSessionID(),
		Text:                message,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/streaming-less/", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+cred.Token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: characterai request failed: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return nil, err
	}

	var sendResp caiSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, fmt.Errorf("failed to decode characterai response: %w", err)
	}
	if sendResp.Abort || len(sendResp.Replies) == 0 {
		return nil, fmt.Errorf("%w: characterai returned no reply", ErrRemoteUnavailable)
	}

	reply := &Reply{Text: sendResp.Replies[0].Text}
	if card.ChatSessionID() == "" && sendResp.HistoryExternalID != "" {
		reply.SessionID = sendResp.HistoryExternalID
		b.logger.Info("CharacterAI history created",
			"character_id", card.RemoteID(),
			"history_id", sendResp.HistoryExternalID)
	}
	return reply, nil
}
