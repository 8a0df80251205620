// Package runtime abstracts the LLM engine behind an adapter interface.
// The daemon never speaks a model API directly: the cli adapter shells out
// to an agent binary and consumes its event stream, and the stub adapter
// replays scripted results for tests and development.
package runtime

import (
	"context"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// EventKind discriminates streamed runtime events.
type EventKind string

// Event kinds, in the order a normal run emits them.
const (
	EventAssistantMessage EventKind = "assistant_message"
	EventToolUse          EventKind = "tool_use"
	EventToolResult       EventKind = "tool_result"
	EventFinal            EventKind = "final"
)

// Event is one streamed runtime event. Fields are populated per kind.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	ToolError string         `json:"tool_error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunInput is everything a single session run needs.
type RunInput struct {
	Prompt       string
	SystemPrompt string
	Model        string

	// Env is the subprocess environment (credential bootstrap included).
	// Ignored by adapters that do not spawn a process.
	Env []string

	// OnEvent, when set, receives each streamed event as it arrives.
	OnEvent func(Event)
}

// Result is the terminal outcome of a run.
type Result struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	ToolCalls    []models.ToolCall
	Cost         models.SessionCost
}

// Adapter executes one LLM session per call. Implementations must honor
// context cancellation.
type Adapter interface {
	// Run executes the prompt to completion and returns the final result.
	Run(ctx context.Context, in RunInput) (*Result, error)

	// Name identifies the adapter in logs and status output.
	Name() string
}
