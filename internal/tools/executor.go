package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
)

// Executor runs tool calls against a registry with a per-call timeout.
// A failed or unknown tool never aborts the calling generation: the error is
// returned so the caller can fold it back to the model as a result.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   log.Logger
}

// NewExecutor creates an executor. timeout bounds each call; zero disables
// the bound.
func NewExecutor(registry *Registry, timeout time.Duration, logger log.Logger) *Executor {
	return &Executor{registry: registry, timeout: timeout, logger: logger}
}

// Execute runs the requested tool and returns its textual result.
func (e *Executor) Execute(ctx context.Context, call provider.ToolCall) (string, error) {
	tool, err := e.registry.Get(call.Name)
	if err != nil {
		return "", err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Call(ctx, json.RawMessage(call.Arguments))
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("tool call failed",
			"tool", call.Name, "call_id", call.ID,
			"duration", elapsed, "error", err)
		return "", err
	}

	e.logger.Debug("tool call succeeded",
		"tool", call.Name, "call_id", call.ID, "duration", elapsed)
	return result, nil
}
