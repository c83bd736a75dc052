package llm

import "strings"

// StripFences removes markdown code fences around a model reply.
// A ```json fence is preferred over a bare ``` fence; only the first fenced
// block is kept. An unterminated fence keeps everything after the opener.
func StripFences(content string) string {
	open, marker := strings.Index(content, "```json"), "```json"
	if open < 0 {
		open, marker = strings.Index(content, "```"), "```"
	}
	if open < 0 {
		return strings.TrimSpace(content)
	}

	rest := content[open+len(marker):]
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
