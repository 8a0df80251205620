package models

import "time"

// RouteStatus tracks an inter-butler request through the two-phase
// accept → process contract.
type RouteStatus string

// Route inbox statuses.
const (
	RouteAccepted     RouteStatus = "accepted"
	RouteProcessing   RouteStatus = "processing"
	RouteCompleted    RouteStatus = "completed"
	RouteFailed       RouteStatus = "failed"
	RouteDeadLettered RouteStatus = "dead_lettered"
)

// Terminal reports whether the status admits no further transitions.
func (s RouteStatus) Terminal() bool {
	return s == RouteCompleted || s == RouteDeadLettered
}

// RouteRequest is a row of <butler>.route_inbox. Mutated only by the
// target butler after accept.
type RouteRequest struct {
	ID           string
	TargetButler string
	SourceButler string
	ToolName     string
	Args         map[string]any
	Context      RequestContext
	Prompt       string
	// InputContext is the caller's free-form context block, rendered into
	// the session prompt alongside the forwarded prompt.
	InputContext map[string]any
	AcceptedAt   time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       string
	ErrorClass   ErrorClass
	ErrorMessage string
	Attempts     int
	Status       RouteStatus
}
