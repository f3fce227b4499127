package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/chatchain/internal/integrity"
	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		return Response{}, errors.New("nil provider")
	}
	if err := req.validate(); err != nil {
		return Response{}, err
	}

	items := buildOpenAIInput(req.Messages)
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(req.maxTokens()),
		Temperature:     openai.Float(req.Temperature),
		Input:           oresponses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	if tools := buildOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	var out Response
	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	addOpenAIUsage(&out, resp)

	maxIter := req.maxIterations()
	for out.Iterations < maxIter {
		calls := openAIFunctionCalls(resp)
		if len(calls) == 0 {
			break
		}
		out.Iterations++
		for _, call := range calls {
			args, result, _ := req.runTool(ctx, call.Name, []byte(call.Arguments))
			out.ToolCalls = append(out.ToolCalls, integrity.ToolCall{Tool: call.Name, Input: args, Output: result})
			items = append(items,
				oresponses.ResponseInputItemParamOfFunctionCall(call.Arguments, call.CallID, call.Name),
				oresponses.ResponseInputItemParamOfFunctionCallOutput(call.CallID, result),
			)
		}
		params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}

		resp, err = p.client.Responses.New(ctx, params)
		if err != nil {
			return Response{}, err
		}
		addOpenAIUsage(&out, resp)
	}

	out.ID = resp.ID
	out.Model = string(resp.Model)
	out.StopReason = mapOpenAIStatus(resp.Status)
	if len(openAIFunctionCalls(resp)) > 0 {
		out.StopReason = "tool_use"
	}
	out.Content = extractOpenAIResponseText(resp)
	return out, nil
}

func addOpenAIUsage(out *Response, resp *oresponses.Response) {
	if resp == nil {
		return
	}
	out.InputTokens += int(resp.Usage.InputTokens)
	out.OutputTokens += int(resp.Usage.OutputTokens)
}

func openAIFunctionCalls(resp *oresponses.Response) []oresponses.ResponseFunctionToolCall {
	if resp == nil {
		return nil
	}
	var calls []oresponses.ResponseFunctionToolCall
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		call := item.AsFunctionCall()
		if strings.TrimSpace(call.CallID) == "" || strings.TrimSpace(call.Name) == "" {
			continue
		}
		if strings.TrimSpace(call.Arguments) == "" {
			call.Arguments = "{}"
		}
		calls = append(calls, call)
	}
	return calls
}

func buildOpenAITools(tools []Tool) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		schema, _ := schemaParts(t.InputSchema)
		if _, ok := schema["type"]; !ok {
			schema["type"] = "object"
		}
		tool := oresponses.ToolParamOfFunction(name, schema, false)
		if tool.OfFunction != nil {
			tool.OfFunction.Description = openai.String(strings.TrimSpace(t.Description))
		}
		out = append(out, tool)
	}
	return out
}

func buildOpenAIInput(messages []integrity.ChatMessage) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	for _, msg := range messages {
		role := oresponses.EasyInputMessageRoleUser
		if msg.Role == integrity.RoleAssistant {
			role = oresponses.EasyInputMessageRoleAssistant
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(msg.Content, role))
	}
	return items
}

func extractOpenAIResponseText(resp *oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return strings.TrimSpace(sb.String())
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "end_turn"
	case "incomplete":
		return "max_tokens"
	case "failed", "cancelled":
		return "error"
	default:
		return "end_turn"
	}
}
