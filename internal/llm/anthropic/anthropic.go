// Package anthropic implements the llm.Client interface on top of the
// Anthropic messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/knowva/knowva/internal/llm"
)

const DefaultMaxTokens = 4096

// Anthropic is an llm.Client backed by the Anthropic SDK.
type Anthropic struct {
	client    anthropicSDK.Client
	model     string
	maxTokens int
}

// New creates a client. An empty model or non-positive maxTokens falls
// back to sane defaults.
func New(apiKey, model string, maxTokens int) *Anthropic {
	client := anthropicSDK.NewClient(
		option.WithAPIKey(apiKey),
	)
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Anthropic{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends one non-streaming completion request.
func (a *Anthropic) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropicSDK.TextBlockParam{{
			Text: req.System,
		}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	resp := &llm.Response{}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: decodeArgs(block.Input),
			})
		}
	}
	return resp, nil
}

// decodeArgs normalizes the SDK's raw tool input into a plain map.
func decodeArgs(input interface{}) map[string]interface{} {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

// convertMessages maps conversation messages onto the block structure the
// API expects. Assistant tool calls are replayed as tool_use blocks and
// their results as tool_result blocks on the following user message.
func convertMessages(messages []llm.Message) []anthropicSDK.MessageParam {
	out := make([]anthropicSDK.MessageParam, 0, len(messages))

	for _, msg := range messages {
		var blocks []anthropicSDK.ContentBlockParamUnion

		if msg.Text != "" {
			blocks = append(blocks, anthropicSDK.NewTextBlock(msg.Text))
		}
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, anthropicSDK.ContentBlockParamOfRequestToolUseBlock(
				call.ID,
				call.Arguments,
				call.Name,
			))
		}
		for _, result := range msg.ToolResults {
			blocks = append(blocks, anthropicSDK.NewToolResultBlock(
				result.CallID,
				result.Content,
				result.IsError,
			))
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropicSDK.MessageParamRoleUser
		if msg.Role == llm.RoleAssistant {
			role = anthropicSDK.MessageParamRoleAssistant
		}
		out = append(out, anthropicSDK.MessageParam{
			Role:    role,
			Content: blocks,
		})
	}
	return out
}

// convertTools maps tool definitions to the SDK format.
func convertTools(tools []llm.ToolDef) []anthropicSDK.ToolUnionParam {
	converted := make([]anthropicSDK.ToolUnionParam, len(tools))
	for i, tool := range tools {
		properties := tool.InputSchema["properties"]
		converted[i] = anthropicSDK.ToolUnionParam{
			OfTool: &anthropicSDK.ToolParam{
				Name:        tool.Name,
				Description: anthropicSDK.String(tool.Description),
				InputSchema: anthropicSDK.ToolInputSchemaParam{Properties: properties},
			},
		}
	}
	return converted
}
