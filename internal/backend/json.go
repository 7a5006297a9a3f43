package backend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var codeBlockPattern = regexp.MustCompile("(?s)```(\\w*)\\s*\\n(.+?)\\n```")

// ExtractJSON pulls a JSON object or array out of model output.
// A fenced ```json block wins; otherwise the first balanced {...} or [...] is used.
func ExtractJSON(text string) (string, error) {
	for _, match := range codeBlockPattern.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(match[1])
		content := strings.TrimSpace(match[2])
		if lang != "" && lang != "json" {
			continue
		}
		if json.Valid([]byte(content)) && (strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[")) {
			return content, nil
		}
	}

	start := strings.IndexAny(text, "{[")
	for start >= 0 {
		if candidate := matchBracket(text[start:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		next := strings.IndexAny(text[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}

	return "", fmt.Errorf("no valid JSON found in response")
}

// matchBracket returns the prefix of s up to the bracket closing s[0],
// skipping brackets inside string literals.
func matchBracket(s string) string {
	open := s[0]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
