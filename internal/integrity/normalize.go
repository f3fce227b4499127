package integrity

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeString canonicalizes text before it is hashed.
//
// It applies Unicode NFC and then rewrites "\r\n" and "\r" to "\n". The result is
// idempotent. Stored content is never normalized, only hash inputs are.
func NormalizeString(s string) string {
	s = norm.NFC.String(s)
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func NormalizeMessage(m ChatMessage) ChatMessage {
	return ChatMessage{
		Role:    NormalizeString(m.Role),
		Content: NormalizeString(m.Content),
	}
}

func NormalizeMessages(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(messages))
	for i := range messages {
		out[i] = NormalizeMessage(messages[i])
	}
	return out
}
