package models

import "time"

// ActionStatus tracks a pending action through the approval flow.
type ActionStatus string

// Pending action statuses.
const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExpired  ActionStatus = "expired"
	ActionExecuted ActionStatus = "executed"
)

// PendingAction is a row of switchboard.approvals: a high-impact tool call
// held for a human (or rule) decision before execution.
type PendingAction struct {
	ID              string         `json:"id"`
	Butler          string         `json:"butler"`
	RequestID       string         `json:"request_id,omitempty"` // idempotency key for enqueue replay
	ToolName        string         `json:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	Status          ActionStatus   `json:"status"`
	RequestedAt     time.Time      `json:"requested_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecisionReason  string         `json:"decision_reason,omitempty"`
	SourceContext   map[string]any `json:"source_context,omitempty"`
	ExecutionResult map[string]any `json:"execution_result,omitempty"`
}

// RuleDecision is the outcome an approval rule applies at enqueue time.
type RuleDecision string

// Approval rule decisions.
const (
	DecisionAutoApprove  RuleDecision = "auto_approve"
	DecisionRequireHuman RuleDecision = "require_human"
	DecisionAutoReject   RuleDecision = "auto_reject"
)

// ApprovalPredicate matches tool calls by name glob and argument equality.
type ApprovalPredicate struct {
	ToolGlob string            `json:"tool_glob"`
	ArgEq    map[string]string `json:"arg_eq,omitempty"`
}

// ApprovalRule is a row of switchboard.approval_rules.
type ApprovalRule struct {
	ID        string            `json:"id"`
	Predicate ApprovalPredicate `json:"predicate"`
	Decision  RuleDecision      `json:"decision"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
}
