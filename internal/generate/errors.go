package generate

import (
	"context"
	"errors"

	"github.com/skeinlabs/skein/internal/provider"
)

// Session sentinel errors.
//
// Use errors.Is for comparison:
//
//	if errors.Is(err, generate.ErrProviderStalled) {
//	    // no provider activity within the idle window
//	}
var (
	// ErrProviderStalled indicates the provider produced no fragment within
	// the configured idle window.
	ErrProviderStalled = errors.New("provider stalled")

	// ErrToolRoundsExceeded indicates the model kept requesting tools past
	// the configured round limit.
	ErrToolRoundsExceeded = errors.New("tool round limit exceeded")
)

// Sanitize maps an internal failure to the error text shown to stream
// consumers. Provider errors keep only their category; raw SDK messages and
// stack detail stay in logs and job records.
func Sanitize(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "generation cancelled"
	case errors.Is(err, ErrProviderStalled):
		return "provider stopped responding"
	case errors.Is(err, ErrToolRoundsExceeded):
		return "tool round limit exceeded"
	case provider.IsTransient(err):
		return "provider temporarily unavailable"
	case provider.IsPermanent(err):
		return "provider rejected the request"
	default:
		return "generation failed"
	}
}
