package llm

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/floegence/chatchain/internal/integrity"
)

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		return Response{}, errors.New("nil provider")
	}
	if err := req.validate(); err != nil {
		return Response{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens:   req.maxTokens(),
		Messages:    buildAnthropicMessages(req.Messages),
		Temperature: anthropic.Float(req.Temperature),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if tools := buildAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	var out Response
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	addAnthropicUsage(&out, msg)

	maxIter := req.maxIterations()
	for msg.StopReason == anthropic.StopReasonToolUse && out.Iterations < maxIter {
		uses := make([]anthropic.ToolUseBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if use, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				uses = append(uses, use)
			}
		}
		if len(uses) == 0 {
			break
		}
		out.Iterations++

		results := make([]anthropic.ContentBlockParamUnion, 0, len(uses))
		for _, use := range uses {
			args, result, isErr := req.runTool(ctx, use.Name, use.Input)
			out.ToolCalls = append(out.ToolCalls, integrity.ToolCall{Tool: use.Name, Input: args, Output: result})
			results = append(results, anthropic.NewToolResultBlock(use.ID, result, isErr))
		}
		params.Messages = append(params.Messages, msg.ToParam(), anthropic.NewUserMessage(results...))

		msg, err = p.client.Messages.New(ctx, params)
		if err != nil {
			return Response{}, err
		}
		addAnthropicUsage(&out, msg)
	}

	out.ID = msg.ID
	out.Model = string(msg.Model)
	out.StopReason = string(msg.StopReason)
	if out.StopReason == "" {
		out.StopReason = "end_turn"
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(t.Text)
		}
	}
	out.Content = strings.TrimSpace(text.String())
	return out, nil
}

func addAnthropicUsage(out *Response, msg *anthropic.Message) {
	if msg == nil {
		return
	}
	out.InputTokens += int(msg.Usage.InputTokens)
	out.OutputTokens += int(msg.Usage.OutputTokens)
}

func buildAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		schema, required := schemaParts(t.InputSchema)
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(t.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schema["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func buildAnthropicMessages(messages []integrity.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == integrity.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
