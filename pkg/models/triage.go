package models

import (
	"strings"
	"time"
)

// TriageRuleType selects which envelope attribute a rule inspects.
type TriageRuleType string

// Triage rule types.
const (
	TriageSenderDomain    TriageRuleType = "sender_domain"
	TriageSenderAddress   TriageRuleType = "sender_address"
	TriageHeaderCondition TriageRuleType = "header_condition"
	TriageMimeType        TriageRuleType = "mime_type"
)

// TriageAction is the decision encoded in a rule. route_to carries its
// target as a suffix: "route_to:<butler>".
type TriageAction string

// Triage actions.
const (
	TriageSkip          TriageAction = "skip"
	TriageMetadataOnly  TriageAction = "metadata_only"
	TriageLowPriority   TriageAction = "low_priority_queue"
	TriagePassThrough   TriageAction = "pass_through"
	triageRoutePrefix                = "route_to:"
)

// RouteTarget returns the forced target butler for a route_to action,
// or "" for every other action.
func (a TriageAction) RouteTarget() string {
	if strings.HasPrefix(string(a), triageRoutePrefix) {
		return strings.TrimPrefix(string(a), triageRoutePrefix)
	}
	return ""
}

// RouteTo builds a route_to action for the given butler.
func RouteTo(butler string) TriageAction {
	return TriageAction(triageRoutePrefix + butler)
}

// Valid reports whether the action is one of the known forms.
func (a TriageAction) Valid() bool {
	switch a {
	case TriageSkip, TriageMetadataOnly, TriageLowPriority, TriagePassThrough:
		return true
	}
	return a.RouteTarget() != ""
}

// TriageCondition is the structured match predicate of a rule.
// Fields are interpreted per rule type; unused fields stay empty.
type TriageCondition struct {
	Value       string            `json:"value,omitempty"`        // domain, address, or mime type
	HeaderName  string            `json:"header_name,omitempty"`  // header_condition
	HeaderMatch string            `json:"header_match,omitempty"` // substring match on header value
	Extra       map[string]string `json:"extra,omitempty"`
}

// TriageRule is a row of switchboard.triage_rules.
type TriageRule struct {
	ID        string          `json:"id"`
	RuleType  TriageRuleType  `json:"rule_type"`
	Condition TriageCondition `json:"condition"`
	Action    TriageAction    `json:"action"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	CreatedBy string          `json:"created_by"` // dashboard, api, seed
	CreatedAt time.Time       `json:"created_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}
