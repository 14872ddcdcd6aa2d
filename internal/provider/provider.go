// Package provider defines the capability interfaces AI providers implement
// and the neutral request/response types shared by all adapters.
//
// A provider adapter implements whichever capabilities its backend supports;
// the Registry discovers them by type assertion at registration time. Callers
// resolve a capability by provider name and never see SDK types.
package provider

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// Message is one turn of conversation history handed to a provider.
type Message struct {
	// Role is "user", "assistant", "system" or "tool".
	Role    string
	Content string

	// ToolCalls carries the calls an assistant message requested. Adapters
	// need them to replay multi-round-trip history faithfully.
	ToolCalls []ToolCall

	// ToolCallID and ToolName identify, on a tool message, which call this
	// result answers.
	ToolCallID string
	ToolName   string
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ChatRequest is a provider-neutral streaming chat request.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int64
	Temperature *float64
}

// Fragment is one unit of streamed chat output. Exactly one of the fields is
// meaningful per fragment: Text for a content delta, ToolCall for a completed
// tool invocation request, Usage for final token counts, Err for a stream
// failure. Tool calls and usage arrive after the text deltas drain.
type Fragment struct {
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// ChatStreamer streams chat completions.
type ChatStreamer interface {
	// ChatStream sends the conversation and returns a channel of fragments.
	// The channel is closed when the stream completes or fails; callers must
	// drain it and check Fragment.Err. Cancelling ctx stops the stream.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan Fragment, error)
}

// EmbedRequest asks for one embedding vector per input text.
type EmbedRequest struct {
	Model string
	Texts []string

	// TaskType hints the intended use, e.g. "RETRIEVAL_QUERY". Providers
	// that do not support task types ignore it.
	TaskType string

	// Dimensions truncates output vectors when set.
	Dimensions *int32
}

// EmbedResponse carries embeddings in input order.
type EmbedResponse struct {
	Embeddings [][]float32
	Usage      Usage
}

// Embedder generates embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)
}

// ImageRequest asks for images generated from a prompt.
type ImageRequest struct {
	Model  string
	Prompt string

	// Count is the number of images to generate; adapters default it to 1.
	Count int32

	// AspectRatio such as "1:1" or "16:9". Empty uses the provider default.
	AspectRatio string
}

// GeneratedImage is one produced image.
type GeneratedImage struct {
	Data     []byte
	MIMEType string
}

// ImageResponse carries the generated images.
type ImageResponse struct {
	Images []GeneratedImage
}

// ImageGenerator creates images from text prompts.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// OCRRequest asks for text extracted from an image.
type OCRRequest struct {
	Model    string
	Image    []byte
	MIMEType string

	// Prompt overrides the default extraction instruction.
	Prompt string
}

// OCRResponse carries the extracted text.
type OCRResponse struct {
	Text  string
	Usage Usage
}

// OCRReader extracts text from images.
type OCRReader interface {
	OCR(ctx context.Context, req OCRRequest) (*OCRResponse, error)
}
