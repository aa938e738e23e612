package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPClientForUsesConfiguredTimeout(t *testing.T) {
	client := httpClientFor(ChatOptions{TimeoutSecs: 45})
	assert.Equal(t, 45*time.Second, client.Timeout)
}

func TestHTTPClientForDefaultsTo300Seconds(t *testing.T) {
	client := httpClientFor(ChatOptions{})
	assert.Equal(t, 300*time.Second, client.Timeout)
}

func TestTruncateLeavesShortStringsUntouched(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))
}

func TestTruncateCapsLongStrings(t *testing.T) {
	assert.Equal(t, "abc", truncate("abcdef", 3))
}

func TestForProviderNameResolvesKnownNames(t *testing.T) {
	for _, name := range []string{"openai", "openai-compatible", "ollama", "anthropic", "anthropic-style"} {
		p, err := ForProviderName(name)
		assert.NoError(t, err)
		assert.NotNil(t, p)
	}
}

func TestForProviderNameRejectsUnknownNames(t *testing.T) {
	_, err := ForProviderName("made-up-vendor")
	assert.Error(t, err)
}

func TestAnthropicProviderSeparatesSystemMessageFromMessages(t *testing.T) {
	var req anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write([]byte(`{"model":"m","content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	messages := []Message{
		{Role: "system", Content: "you are terse"},
		{Role: "user", Content: "hello"},
	}
	_, err := NewAnthropicProvider().Chat(context.Background(), messages, ChatOptions{Endpoint: srv.URL})
	assert.NoError(t, err)
	assert.Equal(t, "you are terse", req.System)
	assert.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content)
}
