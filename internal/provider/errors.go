package provider

import (
	"errors"
	"fmt"
	"time"
)

// Registry sentinel errors.
var (
	// ErrNotRegistered indicates no provider is registered under the name.
	ErrNotRegistered = errors.New("provider not registered")

	// ErrCapabilityUnsupported indicates the provider exists but does not
	// implement the requested capability.
	ErrCapabilityUnsupported = errors.New("capability not supported")

	// ErrModelUnknown indicates the requested model is not in the provider's
	// configured model list.
	ErrModelUnknown = errors.New("model unknown")
)

// Category classifies provider errors by how they should be handled.
type Category string

const (
	// CategoryTransient marks errors worth retrying: rate limits, overload,
	// network failures.
	CategoryTransient Category = "transient"

	// CategoryPermanent marks errors retry cannot fix: bad API keys, missing
	// models, rejected input.
	CategoryPermanent Category = "permanent"
)

// Error is a categorized provider failure. Adapters wrap SDK errors in Error
// so the retry policy can distinguish what to retry without knowing SDKs.
type Error struct {
	Provider   string
	Cat        Category
	Code       int           // HTTP status, 0 if not applicable
	RetryDelay time.Duration // from Retry-After, 0 if absent
	Cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Category returns the error classification.
func (e *Error) Category() Category { return e.Cat }

// NewTransient wraps cause as a retryable provider error.
func NewTransient(providerName string, code int, cause error) *Error {
	return &Error{Provider: providerName, Cat: CategoryTransient, Code: code, Cause: cause}
}

// NewPermanent wraps cause as a non-retryable provider error.
func NewPermanent(providerName string, code int, cause error) *Error {
	return &Error{Provider: providerName, Cat: CategoryPermanent, Code: code, Cause: cause}
}

// IsTransient reports whether err (or any wrapped error) is a transient
// provider error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Cat == CategoryTransient
}

// IsPermanent reports whether err (or any wrapped error) is a permanent
// provider error.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Cat == CategoryPermanent
}

// RetryAfterOf returns the server-suggested retry delay, or 0.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryDelay
	}
	return 0
}

// Categorize classifies an HTTP status code from a provider SDK. Statuses
// 408, 429 and all 5xx are transient; everything else is permanent.
func Categorize(providerName string, code int, cause error) *Error {
	if code == 408 || code == 429 || code >= 500 {
		return NewTransient(providerName, code, cause)
	}
	return NewPermanent(providerName, code, cause)
}
