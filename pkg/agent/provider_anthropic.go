package agent

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/session"
	"github.com/halim/nia/pkg/tools"
)

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Call sends the request to the Messages API and normalizes the reply.
func (p *AnthropicProvider) Call(ctx context.Context, request Request) (*Response, error) {
	system, conversation := splitSystem(request.Messages)

	messages := make([]anthropic.MessageParam, 0, len(conversation))
	for _, msg := range conversation {
		switch {
		case msg.Role == session.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case msg.Role == session.RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := map[string]interface{}{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, fault.Wrap(fault.KindProvider, "agent.anthropic", err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == session.RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		case msg.Role == session.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  messages,
		MaxTokens: int64(request.MaxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}
	if len(request.Tools) > 0 {
		toolParams, err := anthropicTools(request.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "agent.anthropic", err)
	}

	content := ""
	var toolCalls []session.ToolCall
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, session.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}

	return &Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// anthropicTools converts registry schemas to the Messages API tool shape.
func anthropicTools(schemas []tools.Schema) ([]anthropic.ToolUnionParam, error) {
	params := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, schema := range schemas {
		var doc map[string]interface{}
		if err := json.Unmarshal(schema.Parameters, &doc); err != nil {
			return nil, fault.Wrap(fault.KindProvider, "agent.anthropic", err)
		}

		tool := anthropic.ToolParam{
			Name:        schema.Name,
			Description: anthropic.String(schema.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: doc["properties"],
			},
		}
		if required, ok := doc["required"].([]interface{}); ok {
			names := make([]string, len(required))
			for i, v := range required {
				names[i], _ = v.(string)
			}
			tool.InputSchema.Required = names
		}

		params = append(params, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params, nil
}
