package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenRouterBackend(serverURL string) *OpenRouterBackend {
	return &OpenRouterBackend{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: serverURL,
		logger:  testLogger(),
	}
}

func TestOpenRouterBackend_Send(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-or-key", r.Header.Get("Authorization"))

		var req orChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "anthropic/claude-3-haiku", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hello back"}, "finish_reason": "stop"},
			},
		})
	}))
	defer mockServer.Close()

	backend := newTestOpenRouterBackend(mockServer.URL)
	character := &RemoteCharacter{ID: "anthropic/claude-3-haiku", Name: "Haiku"}

	reply, err := backend.Send(context.Background(), Credential{APIKey: "sk-or-key"}, character, "hello")

	require.NoError(t, err)
	assert.Equal(t, "hello back", reply.Text)
	assert.False(t, reply.Truncated)
	assert.Empty(t, reply.SessionID)
}

func TestOpenRouterBackend_SendTruncatedCompletion(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "cut off"}, "finish_reason": "length"},
			},
		})
	}))
	defer mockServer.Close()

	backend := newTestOpenRouterBackend(mockServer.URL)
	reply, err := backend.Send(context.Background(), Credential{APIKey: "k"}, &RemoteCharacter{ID: "m"}, "hello")

	require.NoError(t, err)
	assert.True(t, reply.Truncated)
}

func TestOpenRouterBackend_SendAuthRejected(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer mockServer.Close()

	backend := newTestOpenRouterBackend(mockServer.URL)
	_, err := backend.Send(context.Background(), Credential{APIKey: "bad"}, &RemoteCharacter{ID: "m"}, "hello")

	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestOpenRouterBackend_SendNoChoices(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer mockServer.Close()

	backend := newTestOpenRouterBackend(mockServer.URL)
	_, err := backend.Send(context.Background(), Credential{APIKey: "k"}, &RemoteCharacter{ID: "m"}, "hello")

	require.ErrorIs(t, err, ErrRemoteUnavailable)
}
