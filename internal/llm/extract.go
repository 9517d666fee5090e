package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the first parseable JSON document out of a raw completion
// body. Models wrap their structured output in different ways depending on
// provider and prompt, so candidates are tried in order: a fenced ```json
// code block, the first balanced {…} span, the whole trimmed body. The first
// candidate that parses wins.
func ExtractJSON(body string) ([]byte, bool) {
	for _, candidate := range []string{
		fencedBlock(body),
		balancedObject(body),
		strings.TrimSpace(body),
	} {
		if candidate == "" {
			continue
		}
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), true
		}
	}
	return nil, false
}

// fencedBlock returns the content of the first ```json fenced code block,
// or "" when the body has none.
func fencedBlock(s string) string {
	const fence = "```json"
	start := strings.Index(strings.ToLower(s), fence)
	if start < 0 {
		return ""
	}
	rest := s[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// balancedObject returns the first balanced {…} span in s, tracking brace
// depth outside of JSON string literals. Returns "" when no span closes.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
