package thread

import "errors"

// Sentinel errors for thread operations.
//
// Use errors.Is for comparison:
//
//	if errors.Is(err, thread.ErrBusy) {
//	    // another generation holds the thread
//	}
var (
	// ErrBusy indicates the thread is already locked by a running generation.
	ErrBusy = errors.New("thread busy")

	// ErrNotFound indicates the requested thread does not exist.
	ErrNotFound = errors.New("thread not found")

	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidRole indicates a message role outside the known set.
	ErrInvalidRole = errors.New("invalid message role")
)
