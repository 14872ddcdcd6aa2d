// Package anthropic adapts the official Anthropic SDK to the provider
// capability interfaces. Anthropic exposes chat streaming only.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/skeinlabs/skein/internal/provider"
)

// Name is the registry name of this provider.
const Name = "anthropic"

// defaultMaxTokens applies when the request does not set a limit; the
// Anthropic API requires max_tokens on every request.
const defaultMaxTokens = 4096

// Client wraps the Anthropic SDK.
type Client struct {
	client *anthropic.Client
}

// New creates a Client authenticated with apiKey.
func New(apiKey string) *Client {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client}
}

// ChatStream sends the conversation and streams fragments back. Text deltas
// are forwarded as they arrive; tool_use blocks and usage are emitted after
// the stream drains, assembled by the SDK message accumulator.
func (c *Client) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.Fragment, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	ch := make(chan provider.Fragment)

	emit := func(f provider.Fragment) bool {
		select {
		case ch <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		var acc anthropic.Message

		for stream.Next() {
			event := stream.Current()
			acc.Accumulate(event)

			if event.Type == "content_block_delta" {
				delta := event.AsContentBlockDelta()
				if textDelta := delta.Delta.AsTextDelta(); textDelta.Type == "text_delta" {
					if !emit(provider.Fragment{Text: textDelta.Text}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			emit(provider.Fragment{Err: wrapError(err)})
			return
		}

		for _, block := range acc.Content {
			if block.Type == "tool_use" {
				call := &provider.ToolCall{
					ID:        block.ID,
					Name:      block.Name,
					Arguments: json.RawMessage(block.Input),
				}
				if !emit(provider.Fragment{ToolCall: call}) {
					return
				}
			}
		}

		emit(provider.Fragment{Usage: &provider.Usage{
			InputTokens:  acc.Usage.InputTokens,
			OutputTokens: acc.Usage.OutputTokens,
		}})
	}()

	return ch, nil
}

func convertMessages(messages []provider.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					var input any
					_ = json.Unmarshal(tc.Arguments, &input)
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
				}
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			} else if msg.Content != "" {
				// The API rejects empty text blocks.
				result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "tool":
			// Tool results travel as user messages with tool_result blocks.
			result = append(result, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
				},
			})
		case "system":
			// System text is carried in MessageNewParams.System; a stray
			// system message in history degrades to a user turn.
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		default:
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}

	return result
}

func convertTools(tools []provider.ToolDef) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if t.InputSchema != nil {
			if data, err := json.Marshal(t.InputSchema); err == nil {
				_ = json.Unmarshal(data, &schema)
			}
		}

		var required []string
		if reqVal, ok := schema["required"].([]any); ok {
			for _, r := range reqVal {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}

		result[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   required,
				},
			},
		}
	}
	return result
}

// wrapError categorizes an SDK error for the retry policy. Cancellation
// passes through uncategorized.
func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return provider.NewTransient(Name, 0, err)
	}

	pe := provider.Categorize(Name, apiErr.StatusCode, err)
	pe.RetryDelay = parseRetryAfter(apiErr.Response)
	return pe
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return 0
}

var _ provider.ChatStreamer = (*Client)(nil)
