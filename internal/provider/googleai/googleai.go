// Package googleai adapts the Google GenAI SDK to the provider capability
// interfaces. It is the only adapter implementing all four capabilities:
// chat streaming, embeddings, image generation and OCR.
package googleai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/skeinlabs/skein/internal/provider"
)

// Name is the registry name of this provider.
const Name = "googleai"

// defaultOCRPrompt instructs the model when the request does not override it.
const defaultOCRPrompt = "Extract all text from this image. Return only the extracted text, preserving the original layout where possible."

// Client wraps the Google GenAI SDK.
type Client struct {
	client *genai.Client
}

// New creates a Client for the Gemini API authenticated with apiKey.
func New(ctx context.Context, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{client: client}, nil
}

// ChatStream sends the conversation and streams fragments back. Gemini
// delivers whole parts rather than token deltas; each text part becomes one
// fragment. Tool calls surface as FunctionCall parts and are emitted in
// stream order after their containing response arrives.
func (c *Client) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.Fragment, error) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = convertTools(req.Tools)
	}

	contents := convertMessages(req.Messages)
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

		var usage provider.Usage
		callIndex := 0

		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				emit(provider.Fragment{Err: wrapError(err)})
				return
			}

			if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
				blocked := provider.NewPermanent(Name, 0,
					fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason))
				emit(provider.Fragment{Err: blocked})
				return
			}

			if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				for _, part := range resp.Candidates[0].Content.Parts {
					if part.Text != "" {
						if !emit(provider.Fragment{Text: part.Text}) {
							return
						}
					}
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						call := &provider.ToolCall{
							ID:        fmt.Sprintf("call_%d_%s", callIndex, part.FunctionCall.Name),
							Name:      part.FunctionCall.Name,
							Arguments: args,
						}
						callIndex++
						if !emit(provider.Fragment{ToolCall: call}) {
							return
						}
					}
				}
			}

			if resp.UsageMetadata != nil {
				usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
			}
		}

		emit(provider.Fragment{Usage: &usage})
	}()

	return ch, nil
}

// Embed generates one embedding vector per input text.
func (c *Client) Embed(ctx context.Context, req provider.EmbedRequest) (*provider.EmbedResponse, error) {
	config := &genai.EmbedContentConfig{}
	if req.Dimensions != nil && *req.Dimensions > 0 {
		config.OutputDimensionality = req.Dimensions
	}
	if req.TaskType != "" {
		config.TaskType = req.TaskType
	}

	contents := make([]*genai.Content, len(req.Texts))
	for i, text := range req.Texts {
		contents[i] = &genai.Content{
			Parts: []*genai.Part{{Text: text}},
		}
	}

	resp, err := c.client.Models.EmbedContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, wrapError(err)
	}

	embeddings := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		embeddings[i] = emb.Values
	}

	return &provider.EmbedResponse{Embeddings: embeddings}, nil
}

// GenerateImage creates images from a prompt using Imagen.
func (c *Client) GenerateImage(ctx context.Context, req provider.ImageRequest) (*provider.ImageResponse, error) {
	config := &genai.GenerateImagesConfig{}

	count := req.Count
	if count <= 0 {
		count = 1
	}
	config.NumberOfImages = count

	if req.AspectRatio != "" {
		config.AspectRatio = req.AspectRatio
	}

	resp, err := c.client.Models.GenerateImages(ctx, req.Model, req.Prompt, config)
	if err != nil {
		return nil, wrapError(err)
	}

	images := make([]provider.GeneratedImage, 0, len(resp.GeneratedImages))
	for _, img := range resp.GeneratedImages {
		if img.Image == nil || len(img.Image.ImageBytes) == 0 {
			continue
		}
		mimeType := img.Image.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		images = append(images, provider.GeneratedImage{
			Data:     img.Image.ImageBytes,
			MIMEType: mimeType,
		})
	}

	return &provider.ImageResponse{Images: images}, nil
}

// OCR extracts text from an image via Gemini vision.
func (c *Client) OCR(ctx context.Context, req provider.OCRRequest) (*provider.OCRResponse, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultOCRPrompt
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: req.Image, MIMEType: req.MIMEType}},
			{Text: prompt},
		},
	}}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, wrapError(err)
	}

	out := &provider.OCRResponse{}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			out.Text += part.Text
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage = provider.Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	return out, nil
}

func convertMessages(messages []provider.Message) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []*genai.Part
		if msg.Content != "" && msg.Role != "tool" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			})
		}

		if msg.Role == "tool" {
			// Gemini matches tool results by function name, not call ID.
			var result map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &result); err != nil {
				result = map[string]any{"result": msg.Content}
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.ToolName,
					Response: result,
				},
			})
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return contents
}

func convertTools(tools []provider.ToolDef) []*genai.Tool {
	funcs := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var schemaJSON json.RawMessage
		if t.InputSchema != nil {
			schemaJSON, _ = json.Marshal(t.InputSchema)
		}
		funcs[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(schemaJSON),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: funcs}}
}

// convertSchema maps a JSON Schema document onto the genai schema type. Only
// the subset function declarations use is carried over.
func convertSchema(schemaJSON json.RawMessage) *genai.Schema {
	if len(schemaJSON) == 0 {
		return nil
	}

	var schema map[string]any
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil
	}
	return convertSchemaObject(schema)
}

func convertSchemaObject(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	result := &genai.Schema{}

	if typeVal, ok := schema["type"].(string); ok {
		switch typeVal {
		case "string":
			result.Type = genai.TypeString
		case "number":
			result.Type = genai.TypeNumber
		case "integer":
			result.Type = genai.TypeInteger
		case "boolean":
			result.Type = genai.TypeBoolean
		case "array":
			result.Type = genai.TypeArray
		case "object":
			result.Type = genai.TypeObject
		}
	}

	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}

	if enumVal, ok := schema["enum"].([]any); ok {
		for _, e := range enumVal {
			if s, ok := e.(string); ok {
				result.Enum = append(result.Enum, s)
			}
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = make(map[string]*genai.Schema)
		for name, propSchema := range props {
			if propMap, ok := propSchema.(map[string]any); ok {
				result.Properties[name] = convertSchemaObject(propMap)
			}
		}
	}

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}

	if items, ok := schema["items"].(map[string]any); ok {
		result.Items = convertSchemaObject(items)
	}

	return result
}

// wrapError categorizes an SDK error for the retry policy. Cancellation
// passes through uncategorized.
func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return provider.NewTransient(Name, 0, err)
	}
	return provider.Categorize(Name, apiErr.Code, err)
}

var (
	_ provider.ChatStreamer   = (*Client)(nil)
	_ provider.Embedder       = (*Client)(nil)
	_ provider.ImageGenerator = (*Client)(nil)
	_ provider.OCRReader      = (*Client)(nil)
)
