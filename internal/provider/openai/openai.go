// Package openai adapts the official OpenAI SDK to the provider capability
// interfaces. It implements chat streaming, embeddings and image generation.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/skeinlabs/skein/internal/provider"
)

// Name is the registry name of this provider.
const Name = "openai"

// Client wraps the OpenAI SDK.
type Client struct {
	client *openai.Client
}

// New creates a Client authenticated with apiKey.
func New(apiKey string) *Client {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client}
}

// ChatStream sends the conversation and streams fragments back. Text deltas
// are forwarded as they arrive; tool calls and usage are emitted after the
// stream drains, assembled by the SDK accumulator.
func (c *Client) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.Fragment, error) {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: convertMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan provider.Fragment)

	// Sends are guarded by ctx so an abandoned consumer cannot leak this
	// goroutine: cancelling the request context always unblocks it.
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
		var acc openai.ChatCompletionAccumulator

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !emit(provider.Fragment{Text: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			emit(provider.Fragment{Err: wrapError(err)})
			return
		}

		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				call := &provider.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				}
				if !emit(provider.Fragment{ToolCall: call}) {
					return
				}
			}
		}

		emit(provider.Fragment{Usage: &provider.Usage{
			InputTokens:  acc.Usage.PromptTokens,
			OutputTokens: acc.Usage.CompletionTokens,
		}})
	}()

	return ch, nil
}

// Embed generates one embedding vector per input text.
func (c *Client) Embed(ctx context.Context, req provider.EmbedRequest) (*provider.EmbedResponse, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(req.Model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Texts,
		},
	}
	if req.Dimensions != nil && *req.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(*req.Dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		embeddings[i] = vec
	}

	return &provider.EmbedResponse{
		Embeddings: embeddings,
		Usage:      provider.Usage{InputTokens: resp.Usage.PromptTokens},
	}, nil
}

// GenerateImage creates images from a prompt. Images are requested as base64
// and returned decoded.
func (c *Client) GenerateImage(ctx context.Context, req provider.ImageRequest) (*provider.ImageResponse, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}

	params := openai.ImageGenerateParams{
		Model:          openai.ImageModel(req.Model),
		Prompt:         req.Prompt,
		N:              openai.Int(int64(count)),
		ResponseFormat: openai.ImageGenerateParamsResponseFormat("b64_json"),
	}

	resp, err := c.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}

	images := make([]provider.GeneratedImage, 0, len(resp.Data))
	for _, img := range resp.Data {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode generated image: %w", err)
		}
		images = append(images, provider.GeneratedImage{Data: data, MIMEType: "image/png"})
	}

	return &provider.ImageResponse{Images: images}, nil
}

func convertMessages(req provider.ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
				result = append(result, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						ToolCalls: toolCalls,
					},
				})
			} else {
				result = append(result, openai.AssistantMessage(msg.Content))
			}
		case "system":
			result = append(result, openai.SystemMessage(msg.Content))
		case "tool":
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

func convertTools(tools []provider.ToolDef) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		var params shared.FunctionParameters
		if t.InputSchema != nil {
			if data, err := json.Marshal(t.InputSchema); err == nil {
				_ = json.Unmarshal(data, &params)
			}
		}
		result[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		}
	}
	return result
}

// wrapError categorizes an SDK error for the retry policy, extracting the
// status code and Retry-After header when present. Cancellation passes
// through uncategorized so it is never mistaken for a retryable failure.
func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		// Network-level failure, no status to inspect.
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

var (
	_ provider.ChatStreamer   = (*Client)(nil)
	_ provider.Embedder       = (*Client)(nil)
	_ provider.ImageGenerator = (*Client)(nil)
)
