package gateway

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/floegence/chatchain/internal/config"
	"github.com/floegence/chatchain/internal/integrity"
)

// ChatRequest is a validated chat completion request.
type ChatRequest struct {
	Messages       []integrity.ChatMessage
	MaxTokens      int
	Temperature    *float64
	Locale         string
	TurnstileToken string
}

// validateChatRequest checks the decoded body and returns every failure rather than the first.
func validateChatRequest(body map[string]any, v validationMessages, limits config.ValidationConfig) (ChatRequest, []FieldError) {
	var (
		out  ChatRequest
		errs []FieldError
	)
	add := func(field string, msg string, value any) {
		errs = append(errs, FieldError{Field: field, Message: msg, Value: value})
	}

	raw, present := body["messages"]
	switch list, isList := raw.([]any); {
	case !present || raw == nil:
		add("messages", v.messagesRequired, nil)
	case !isList:
		add("messages", v.messagesArrayRequired, nil)
	default:
		if len(list) == 0 {
			add("messages", v.messagesEmpty, nil)
		}
		if len(list) > limits.MaxMessagesPerRequest {
			add("messages", v.messagesLimitExceeded(limits.MaxMessagesPerRequest), len(list))
		}
		out.Messages = make([]integrity.ChatMessage, 0, len(list))
		for i, item := range list {
			msg, ok := item.(map[string]any)
			if !ok {
				add(fieldIndex(i, ""), v.messageObjectRequired(i), nil)
				continue
			}

			role, roleOK := msg["role"].(string)
			switch {
			case isFalsy(msg["role"]):
				add(fieldIndex(i, "role"), v.roleRequired(i), nil)
			case !roleOK || (role != integrity.RoleUser && role != integrity.RoleAssistant):
				add(fieldIndex(i, "role"), v.roleInvalid(i), msg["role"])
			}

			content, contentOK := msg["content"].(string)
			switch {
			case isFalsy(msg["content"]):
				add(fieldIndex(i, "content"), v.contentRequired(i), nil)
			case !contentOK:
				add(fieldIndex(i, "content"), v.contentStringRequired(i), nil)
			case strings.TrimSpace(content) == "":
				add(fieldIndex(i, "content"), v.contentEmpty(i), nil)
			case utf16Len(content) > limits.MaxMessageLength:
				add(fieldIndex(i, "content"), v.contentTooLong(i, limits.MaxMessageLength), utf16Len(content))
			}
			out.Messages = append(out.Messages, integrity.ChatMessage{Role: role, Content: content})
		}
		// Only a user turn may close the array; an assistant turn here was written by the client.
		if n := len(list); n > 0 {
			if last, ok := list[n-1].(map[string]any); ok && last["role"] == integrity.RoleAssistant {
				add(fieldIndex(n-1, "role"), v.lastMessageMustBeUser(n-1), last["role"])
			}
		}
	}

	if raw, ok := body["stream"]; ok {
		stream, isBool := raw.(bool)
		if !isBool {
			add("stream", v.streamBooleanRequired, raw)
		}
		if stream {
			add("stream", v.streamNotSupported, true)
		}
	}

	if raw, ok := body["max_tokens"]; ok {
		n, isNum := raw.(float64)
		switch {
		case !isNum:
			add("max_tokens", v.maxTokensNumberRequired, raw)
		case n < 1:
			add("max_tokens", v.maxTokensMinimum, n)
		case n > float64(limits.MaxTokens):
			add("max_tokens", v.maxTokensExceeded(limits.MaxTokens), n)
		default:
			out.MaxTokens = int(n)
		}
	}

	if raw, ok := body["temperature"]; ok {
		f, isNum := raw.(float64)
		switch {
		case !isNum:
			add("temperature", v.temperatureNumberRequired, raw)
		case f < limits.MinTemperature || f > limits.MaxTemperature:
			add("temperature", v.temperatureOutOfRange(limits.MinTemperature, limits.MaxTemperature), f)
		default:
			out.Temperature = &f
		}
	}

	if len(errs) > 0 {
		return ChatRequest{}, errs
	}
	return out, nil
}

// validationSummary joins failures into the single-line message clients show.
func validationSummary(v validationMessages, errs []FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return v.validationSummary + ": " + strings.Join(parts, ", ")
}

func fieldIndex(i int, field string) string {
	if field == "" {
		return fmt.Sprintf("messages[%d]", i)
	}
	return fmt.Sprintf("messages[%d].%s", i, field)
}

// isFalsy treats missing, null, empty string, false and zero as absent.
func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	default:
		return false
	}
}

// utf16Len measures length in UTF-16 code units so limits match browser-side counting.
func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

func parseLocale(raw any, supported []string, fallback string) string {
	if s, ok := raw.(string); ok {
		for _, loc := range supported {
			if s == loc {
				return s
			}
		}
	}
	return fallback
}
