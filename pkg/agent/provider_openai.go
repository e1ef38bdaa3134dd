package agent

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/session"
	"github.com/halim/nia/pkg/tools"
)

// OpenAIProvider adapts the OpenAI chat completions API.
type OpenAIProvider struct {
	client openai.Client
	name   string
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		name:   "openai",
	}
}

// newCompatProvider creates a provider for an OpenAI-compatible endpoint.
func newCompatProvider(name, apiKey, baseURL string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
		name:   name,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Call sends the request to the chat completions API and normalizes the
// reply.
func (p *OpenAIProvider) Call(ctx context.Context, request Request) (*Response, error) {
	messages, err := openAIMessages(request.Messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}
	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}
	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}
	if len(request.Tools) > 0 {
		toolParams, err := openAITools(request.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "agent.openai", err)
	}
	if len(response.Choices) == 0 {
		return nil, fault.New(fault.KindProvider, "agent.openai", "no response choices returned")
	}

	choice := response.Choices[0]
	var toolCalls []session.ToolCall
	for _, call := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, session.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}

	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

// openAIMessages converts the transcript to the chat completions shape.
// Tool calls travel as function-call entries on the assistant message and
// each tool result references its call id.
func openAIMessages(transcript []session.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript))
	for _, msg := range transcript {
		switch msg.Role {
		case session.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case session.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case session.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				arguments := string(call.Arguments)
				if arguments == "" {
					arguments = "{}"
				}
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      call.Name,
						Arguments: arguments,
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: calls,
			}
			messages = append(messages, assistant.ToParam())
		case session.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}
	return messages, nil
}

// openAITools converts registry schemas to function-tool parameters.
func openAITools(schemas []tools.Schema) ([]openai.ChatCompletionToolParam, error) {
	params := make([]openai.ChatCompletionToolParam, 0, len(schemas))
	for _, schema := range schemas {
		var doc map[string]interface{}
		if err := json.Unmarshal(schema.Parameters, &doc); err != nil {
			return nil, fault.Wrap(fault.KindProvider, "agent.openai", err)
		}
		params = append(params, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        schema.Name,
				Description: openai.String(schema.Description),
				Parameters:  openai.FunctionParameters(doc),
			},
		})
	}
	return params, nil
}
