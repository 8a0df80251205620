package models

import "time"

// TriggerSource records what caused a session to spawn.
type TriggerSource string

// Trigger sources.
const (
	TriggerSchedule   TriggerSource = "schedule"
	TriggerRoute      TriggerSource = "route"
	TriggerTick       TriggerSource = "tick"
	TriggerManual     TriggerSource = "manual"
	TriggerExtraction TriggerSource = "extraction"
)

// ToolCall is one tool invocation made during a session.
type ToolCall struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration int64          `json:"duration_ms,omitempty"`
}

// SessionCost is the structured cost block persisted with a session.
type SessionCost struct {
	InputUSD  float64 `json:"input_usd,omitempty"`
	OutputUSD float64 `json:"output_usd,omitempty"`
	TotalUSD  float64 `json:"total_usd,omitempty"`
}

// Session is a row of <butler>.sessions: one LLM run with its tool calls,
// usage, and lineage.
type Session struct {
	ID              string
	Butler          string
	Prompt          string
	Trigger         TriggerSource
	Model           string
	InputTokens     int64
	OutputTokens    int64
	StartedAt       time.Time
	CompletedAt     *time.Time
	Success         bool
	ErrorMessage    string
	ParentSessionID string // empty for top-level sessions
	TraceID         string
	ToolCalls       []ToolCall
	Cost            SessionCost
}
