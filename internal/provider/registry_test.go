package provider

import (
	"context"
	"errors"
	"slices"
	"testing"
)

// chatOnly implements just the chat capability.
type chatOnly struct{}

func (chatOnly) ChatStream(ctx context.Context, req ChatRequest) (<-chan Fragment, error) {
	ch := make(chan Fragment)
	close(ch)
	return ch, nil
}

// fullStack implements every capability.
type fullStack struct{ chatOnly }

func (fullStack) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	return &EmbedResponse{}, nil
}

func (fullStack) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	return &ImageResponse{}, nil
}

func (fullStack) OCR(ctx context.Context, req OCRRequest) (*OCRResponse, error) {
	return &OCRResponse{}, nil
}

func TestRegistryCapabilityDiscovery(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("openai", chatOnly{}, "gpt-4o", nil); err != nil {
		t.Fatalf("Register(openai) error = %v", err)
	}
	if err := r.Register("googleai", fullStack{}, "gemini-2.0-flash", nil); err != nil {
		t.Fatalf("Register(googleai) error = %v", err)
	}

	if _, err := r.Chat("openai"); err != nil {
		t.Errorf("Chat(openai) error = %v", err)
	}
	if _, err := r.Embedder("openai"); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("Embedder(openai) error = %v, want ErrCapabilityUnsupported", err)
	}
	if _, err := r.OCRReader("googleai"); err != nil {
		t.Errorf("OCRReader(googleai) error = %v", err)
	}

	got := r.Capabilities("googleai")
	want := []string{CapabilityChat, CapabilityEmbed, CapabilityImage, CapabilityOCR}
	if !slices.Equal(got, want) {
		t.Errorf("Capabilities(googleai) = %v, want %v", got, want)
	}
	if caps := r.Capabilities("openai"); !slices.Equal(caps, []string{CapabilityChat}) {
		t.Errorf("Capabilities(openai) = %v, want [chat]", caps)
	}
}

func TestRegistryNotRegistered(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.Chat("missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Chat(missing) error = %v, want ErrNotRegistered", err)
	}
	if _, err := r.ModelFor("missing", ""); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("ModelFor(missing) error = %v, want ErrNotRegistered", err)
	}
	if caps := r.Capabilities("missing"); caps != nil {
		t.Errorf("Capabilities(missing) = %v, want nil", caps)
	}
}

func TestRegistryRejectsCapabilityFreeAdapter(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("broken", struct{}{}, "", nil); err == nil {
		t.Fatal("Register() accepted an adapter with no capability")
	}
}

func TestRegistryModelFor(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("anthropic", chatOnly{}, "claude-sonnet-4-20250514",
		[]string{"claude-sonnet-4-20250514", "claude-opus-4-20250514"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("open", chatOnly{}, "default-model", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name      string
		provider  string
		requested string
		want      string
		wantErr   error
	}{
		{"empty falls back to default", "anthropic", "", "claude-sonnet-4-20250514", nil},
		{"listed model accepted", "anthropic", "claude-opus-4-20250514", "claude-opus-4-20250514", nil},
		{"unlisted model rejected", "anthropic", "claude-haiku-1", "", ErrModelUnknown},
		{"no allow-list accepts anything", "open", "whatever", "whatever", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := r.ModelFor(tt.provider, tt.requested)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ModelFor() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ModelFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryModelForUse(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("googleai", fullStack{}, "gemini-2.0-flash", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.SetUseDefault("googleai", CapabilityImage, "imagen-3.0"); err != nil {
		t.Fatalf("SetUseDefault() error = %v", err)
	}

	// The capability with its own default uses it; the rest fall back to
	// the provider default.
	if got, _ := r.ModelForUse("googleai", CapabilityImage, ""); got != "imagen-3.0" {
		t.Errorf("ModelForUse(image) = %q, want imagen-3.0", got)
	}
	if got, _ := r.ModelForUse("googleai", CapabilityEmbed, ""); got != "gemini-2.0-flash" {
		t.Errorf("ModelForUse(embed) = %q, want provider default", got)
	}
	if got, _ := r.ModelForUse("googleai", CapabilityImage, "imagen-4.0"); got != "imagen-4.0" {
		t.Errorf("ModelForUse(image, explicit) = %q, want the explicit model", got)
	}

	if err := r.SetUseDefault("googleai", "painting", "x"); err == nil {
		t.Error("SetUseDefault() accepted an unknown capability")
	}
	if err := r.SetUseDefault("missing", CapabilityChat, "x"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("SetUseDefault(missing) error = %v, want ErrNotRegistered", err)
	}
}

func TestRegistryNames(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(name, chatOnly{}, "", nil); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	if got := r.Names(); !slices.Equal(got, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("Names() = %v, want sorted", got)
	}
}
