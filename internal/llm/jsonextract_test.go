package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONDirectParse(t *testing.T) {
	parsed, err := ExtractJSON(`{"a": 1, "b": "two"}`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), parsed["a"])
	assert.Equal(t, "two", parsed["b"])
}

func TestExtractJSONFencedBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"status\": \"ok\"}\n```\nLet me know if you need more."
	parsed, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", parsed["status"])
}

func TestExtractJSONFirstBalancedRunIgnoresBraceInsideString(t *testing.T) {
	raw := `some preamble { "note": "contains a } brace inside a string", "n": 2 } trailing text`
	parsed, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, float64(2), parsed["n"])
	assert.Contains(t, parsed["note"], "brace inside")
}

func TestExtractJSONNoValidJSONReturnsError(t *testing.T) {
	_, err := ExtractJSON("no json at all here")
	assert.Error(t, err)
}

func TestFirstBalancedRunFindsArray(t *testing.T) {
	body, ok := firstBalancedRun(`prefix [1, 2, {"x": "]"}, 3] suffix`)
	require.True(t, ok)
	assert.Equal(t, `[1, 2, {"x": "]"}, 3]`, body)
}

func TestFirstBalancedRunNoOpenerReturnsFalse(t *testing.T) {
	_, ok := firstBalancedRun("no brackets here")
	assert.False(t, ok)
}

func TestExtractJSONWithRetrySucceedsOnFirstTry(t *testing.T) {
	called := false
	reprompt := func(ctx context.Context) (string, error) {
		called = true
		return "", nil
	}
	parsed, err := ExtractJSONWithRetry(context.Background(), `{"ok": true}`, reprompt)
	require.NoError(t, err)
	assert.Equal(t, true, parsed["ok"])
	assert.False(t, called)
}

func TestExtractJSONWithRetryUsesRepromptOnFailure(t *testing.T) {
	reprompt := func(ctx context.Context) (string, error) {
		return `{"ok": true}`, nil
	}
	parsed, err := ExtractJSONWithRetry(context.Background(), "not json", reprompt)
	require.NoError(t, err)
	assert.Equal(t, true, parsed["ok"])
}

func TestExtractJSONWithRetrySurfacesErrorWhenRepromptFails(t *testing.T) {
	reprompt := func(ctx context.Context) (string, error) {
		return "", errors.New("endpoint unreachable")
	}
	_, err := ExtractJSONWithRetry(context.Background(), "not json", reprompt)
	assert.Error(t, err)
}

func TestExtractJSONWithRetrySurfacesErrorWhenSecondParseFails(t *testing.T) {
	reprompt := func(ctx context.Context) (string, error) {
		return "still not json", nil
	}
	_, err := ExtractJSONWithRetry(context.Background(), "not json", reprompt)
	assert.Error(t, err)
}
