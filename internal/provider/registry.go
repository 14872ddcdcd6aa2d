package provider

import (
	"fmt"
	"slices"
	"sync"
)

// Capability names reported by Registry.Capabilities.
const (
	CapabilityChat  = "chat"
	CapabilityEmbed = "embed"
	CapabilityImage = "image"
	CapabilityOCR   = "ocr"
)

type entry struct {
	chat         ChatStreamer
	embed        Embedder
	image        ImageGenerator
	ocr          OCRReader
	defaultModel string
	useDefaults  map[string]string // capability name -> model
	models       []string
}

// Registry holds the configured provider adapters keyed by name and resolves
// capabilities for callers. Capabilities are discovered once at Register time
// by type assertion, so an adapter only needs to implement the interfaces its
// backend actually supports.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds adapter under name. defaultModel is used when a request
// leaves the model empty; models, when non-empty, is the allow-list checked
// by ModelFor. Registering a name twice replaces the previous adapter.
// Register fails if the adapter implements no known capability.
func (r *Registry) Register(name string, adapter any, defaultModel string, models []string) error {
	e := &entry{defaultModel: defaultModel, models: slices.Clone(models)}

	if c, ok := adapter.(ChatStreamer); ok {
		e.chat = c
	}
	if em, ok := adapter.(Embedder); ok {
		e.embed = em
	}
	if ig, ok := adapter.(ImageGenerator); ok {
		e.image = ig
	}
	if o, ok := adapter.(OCRReader); ok {
		e.ocr = o
	}
	if e.chat == nil && e.embed == nil && e.image == nil && e.ocr == nil {
		return fmt.Errorf("provider %s: adapter %T implements no capability", name, adapter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = e
	return nil
}

// Chat resolves the chat capability of the named provider.
func (r *Registry) Chat(name string) (ChatStreamer, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	if e.chat == nil {
		return nil, fmt.Errorf("provider %s: chat: %w", name, ErrCapabilityUnsupported)
	}
	return e.chat, nil
}

// Embedder resolves the embedding capability of the named provider.
func (r *Registry) Embedder(name string) (Embedder, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	if e.embed == nil {
		return nil, fmt.Errorf("provider %s: embed: %w", name, ErrCapabilityUnsupported)
	}
	return e.embed, nil
}

// ImageGenerator resolves the image generation capability of the named provider.
func (r *Registry) ImageGenerator(name string) (ImageGenerator, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	if e.image == nil {
		return nil, fmt.Errorf("provider %s: image: %w", name, ErrCapabilityUnsupported)
	}
	return e.image, nil
}

// OCRReader resolves the OCR capability of the named provider.
func (r *Registry) OCRReader(name string) (OCRReader, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	if e.ocr == nil {
		return nil, fmt.Errorf("provider %s: ocr: %w", name, ErrCapabilityUnsupported)
	}
	return e.ocr, nil
}

// SetUseDefault sets the fallback model for one capability of a registered
// provider, overriding the provider-wide default for that use. The
// capability must be one of the Capability constants.
func (r *Registry) SetUseDefault(name, capability, model string) error {
	switch capability {
	case CapabilityChat, CapabilityEmbed, CapabilityImage, CapabilityOCR:
	default:
		return fmt.Errorf("provider %s: unknown capability %q", name, capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("provider %s: %w", name, ErrNotRegistered)
	}
	if e.useDefaults == nil {
		e.useDefaults = make(map[string]string)
	}
	e.useDefaults[capability] = model
	return nil
}

// ModelFor resolves the model for a chat request against the named provider.
func (r *Registry) ModelFor(name, requested string) (string, error) {
	return r.ModelForUse(name, CapabilityChat, requested)
}

// ModelForUse resolves the model for one capability. An empty requested
// model falls back to the capability's own default, then the provider
// default; a non-empty one is checked against the allow-list when one is
// configured.
func (r *Registry) ModelForUse(name, capability, requested string) (string, error) {
	// Holds the read lock across the useDefaults read, which SetUseDefault
	// mutates in place.
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("provider %s: %w", name, ErrNotRegistered)
	}
	if requested == "" {
		if model, ok := e.useDefaults[capability]; ok {
			return model, nil
		}
		return e.defaultModel, nil
	}
	if len(e.models) > 0 && !slices.Contains(e.models, requested) {
		return "", fmt.Errorf("provider %s: model %q: %w", name, requested, ErrModelUnknown)
	}
	return requested, nil
}

// Capabilities lists the capability names of a registered provider in a
// stable order. Unknown providers return nil.
func (r *Registry) Capabilities(name string) []string {
	e, err := r.get(name)
	if err != nil {
		return nil
	}

	var caps []string
	if e.chat != nil {
		caps = append(caps, CapabilityChat)
	}
	if e.embed != nil {
		caps = append(caps, CapabilityEmbed)
	}
	if e.image != nil {
		caps = append(caps, CapabilityImage)
	}
	if e.ocr != nil {
		caps = append(caps, CapabilityOCR)
	}
	return caps
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) get(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", name, ErrNotRegistered)
	}
	return e, nil
}
