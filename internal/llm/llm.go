// Package llm adapts hosted model APIs to a single non-streaming completion call with a
// bounded tool loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/floegence/chatchain/internal/config"
	"github.com/floegence/chatchain/internal/integrity"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const (
	defaultMaxTokens         = 16384
	defaultMaxToolIterations = 3

	unknownToolResult = "Unknown tool"
)

// ToolDef describes a tool offered to the model. InputSchema is a JSON Schema object
// with "properties" and "required".
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Tool is a ToolDef plus its executor. Execute returns the text sent back to the model;
// an error is reported to the model as the tool output.
type Tool struct {
	ToolDef
	Execute func(ctx context.Context, args map[string]any) (string, error)
}

type Request struct {
	Model       string
	System      string
	Messages    []integrity.ChatMessage
	MaxTokens   int
	Temperature float64
	Tools       []Tool

	// MaxToolIterations bounds tool rounds. Zero uses the default of 3; negative disables tools.
	MaxToolIterations int
}

type Response struct {
	ID           string
	Content      string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
	Iterations   int
	ToolCalls    []integrity.ToolCall
}

func (r Response) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// Provider answers one chat turn. Token usage is summed over every upstream call the
// tool loop makes.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// New builds the provider adapter for providerType.
func New(providerType string, baseURL string, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case config.ProviderOpenAI:
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case config.ProviderAnthropic, "":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

func (r Request) maxTokens() int64 {
	if r.MaxTokens > 0 {
		return int64(r.MaxTokens)
	}
	return defaultMaxTokens
}

func (r Request) maxIterations() int {
	switch {
	case r.MaxToolIterations < 0:
		return 0
	case r.MaxToolIterations == 0:
		return defaultMaxToolIterations
	default:
		return r.MaxToolIterations
	}
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("missing model")
	}
	if len(r.Messages) == 0 {
		return errors.New("missing messages")
	}
	return nil
}

func (r Request) findTool(name string) (Tool, bool) {
	for _, t := range r.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// runTool executes one tool call and returns the text for the model. Failures become the
// tool output so one broken tool never fails the whole turn.
func (r Request) runTool(ctx context.Context, name string, rawArgs []byte) (map[string]any, string, bool) {
	args := map[string]any{}
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	tool, ok := r.findTool(name)
	if !ok || tool.Execute == nil {
		return args, unknownToolResult, true
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		return args, err.Error(), true
	}
	return args, out, false
}

func schemaParts(raw json.RawMessage) (map[string]any, []string) {
	schema := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	var required []string
	if list, ok := schema["required"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				required = append(required, s)
			}
		}
	}
	return schema, required
}
