package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmetallica/systemmap/internal/model"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON tries, in order: a direct parse of the whole string; a
// fenced ```json code block; the first balanced {...} or [...] run
// anywhere in the string (§4.10 "JSON extraction" strategies).
func ExtractJSON(raw string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(raw)

	var direct map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct, nil
	}

	if m := fencedBlockPattern.FindStringSubmatch(trimmed); m != nil {
		var fenced map[string]interface{}
		if err := json.Unmarshal([]byte(m[1]), &fenced); err == nil {
			return fenced, nil
		}
	}

	if body, ok := firstBalancedRun(trimmed); ok {
		var extracted map[string]interface{}
		if err := json.Unmarshal([]byte(body), &extracted); err == nil {
			return extracted, nil
		}
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}

// firstBalancedRun scans for the first top-level {...} or [...] run,
// respecting nested braces/brackets and quoted strings so an embedded
// "}" inside a string value doesn't close the run early.
func firstBalancedRun(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			if s[i] == '{' {
				open, close = '{', '}'
			} else {
				open, close = '[', ']'
			}
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// ExtractJSONWithRetry runs the extraction strategies; on failure it
// reprompts once via reprompt with an explicit "return JSON only"
// instruction. A second failure surfaces CodeLLMJSONUnparseable (§4.10:
// "On failure, one retry with an explicit 'return JSON only' reprompt.
// Second failure surfaces parse error.").
func ExtractJSONWithRetry(ctx context.Context, raw string, reprompt func(ctx context.Context) (string, error)) (map[string]interface{}, error) {
	if parsed, err := ExtractJSON(raw); err == nil {
		return parsed, nil
	}

	retried, err := reprompt(ctx)
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeLLMJSONUnparseable, fmt.Errorf("reprompt for JSON failed: %w", err))
	}

	parsed, err := ExtractJSON(retried)
	if err != nil {
		return nil, model.NewError(model.KindPermanent, model.CodeLLMJSONUnparseable, fmt.Errorf("response not parseable as JSON after retry: %w", err))
	}
	return parsed, nil
}
