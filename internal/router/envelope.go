package router

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Messages relayed through an intermediate system arrive wrapped in a JSON
// envelope, with the actual instruction in a nested field and a timestamp
// glued to the front. Extraction is best-effort: anything that fails falls
// back to raw-text classification.

// textFields are the envelope fields checked for the instruction text, in
// priority order. containerFields are checked one nesting level deep.
var (
	textFields      = []string{"message", "text", "instruction", "content", "body"}
	containerFields = []string{"data", "payload"}
)

// timestampPrefix matches a leading "[2026-08-26 10:30:00]" or ISO-style
// timestamp (optionally bracketed, optionally followed by a colon or dash).
var timestampPrefix = regexp.MustCompile(`^\[?\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:?\d{2})?\]?\s*[-:–]?\s*`)

// ExtractEnvelopeText attempts structural extraction of the instruction text
// from a JSON envelope embedded in raw. Returns the cleaned text and whether
// extraction succeeded.
func ExtractEnvelopeText(raw string) (string, bool) {
	start, end := findJSONBounds(raw)
	if start < 0 || end <= start {
		return "", false
	}

	var env map[string]any
	if err := json.Unmarshal([]byte(raw[start:end]), &env); err != nil {
		return "", false
	}

	if text, ok := lookupText(env); ok {
		return stripTimestampPrefix(text), true
	}
	return "", false
}

func lookupText(env map[string]any) (string, bool) {
	for _, key := range textFields {
		if s, ok := env[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), true
		}
	}
	for _, key := range containerFields {
		if inner, ok := env[key].(map[string]any); ok {
			if s, ok := lookupText(inner); ok {
				return s, true
			}
		}
	}
	return "", false
}

func stripTimestampPrefix(s string) string {
	return strings.TrimSpace(timestampPrefix.ReplaceAllString(s, ""))
}

// findJSONBounds locates the first balanced top-level JSON object in s.
// Brace counting is string- and escape-aware, so trailing non-JSON text after
// the object does not break extraction. Returns start and end+1 indexes, or
// (-1, -1) if no balanced object is found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++ // skip escaped character
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}
