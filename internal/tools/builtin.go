package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTimeInput defines input for the current_time tool.
type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA timezone name such as America/New_York; empty uses the server timezone"`
}

// CurrentTimeOutput is the current_time result.
type CurrentTimeOutput struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Unix     int64  `json:"unix"`
}

// NewCurrentTime creates the current_time builtin.
func NewCurrentTime() (*Tool, error) {
	return New(
		"current_time",
		"Report the current date and time, optionally in a specific timezone.",
		func(ctx context.Context, in CurrentTimeInput) (CurrentTimeOutput, error) {
			now := time.Now()
			if in.Timezone != "" {
				loc, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return CurrentTimeOutput{}, fmt.Errorf("unknown timezone %q: %w", in.Timezone, err)
				}
				now = now.In(loc)
			}
			return CurrentTimeOutput{
				Time:     now.Format(time.RFC3339),
				Timezone: now.Location().String(),
				Unix:     now.Unix(),
			}, nil
		},
	)
}

// RegisterBuiltins adds the built-in tools to registry.
func RegisterBuiltins(registry *Registry) error {
	ct, err := NewCurrentTime()
	if err != nil {
		return err
	}
	return registry.Register(ct)
}
