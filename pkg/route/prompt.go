package route

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// interactiveGuidance is prepended to prompts triggered from interactive
// channels so the session replies through notify() instead of returning
// text nobody will read.
const interactiveGuidance = `INTERACTIVE DATA SOURCE
This request originated from %s. The human is waiting in that channel.
To reply, call the notify() tool with your response text. Your final
answer text is NOT delivered anywhere.`

// BuildPrompt assembles the session prompt for a route request: guidance
// block for interactive sources, then the request context, the caller's
// context block, and the forwarded prompt itself.
func BuildPrompt(req *models.RouteRequest) string {
	var b strings.Builder

	if req.Context.SourceChannel.Interactive() {
		fmt.Fprintf(&b, interactiveGuidance, req.Context.SourceChannel)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Request from %s (channel: %s", req.SourceButler, req.Context.SourceChannel)
	if req.Context.SourceSenderIdentity != "" {
		fmt.Fprintf(&b, ", sender: %s", req.Context.SourceSenderIdentity)
	}
	if req.Context.SourceThreadIdentity != "" {
		fmt.Fprintf(&b, ", thread: %s", req.Context.SourceThreadIdentity)
	}
	b.WriteString(")\n\n")

	if len(req.InputContext) > 0 {
		b.WriteString("Context:\n")
		if blob, err := json.MarshalIndent(req.InputContext, "", "  "); err == nil {
			b.Write(blob)
		} else {
			fmt.Fprintf(&b, "%v", req.InputContext)
		}
		b.WriteString("\n\n")
	}

	if req.Prompt != "" {
		b.WriteString(req.Prompt)
	} else {
		fmt.Fprintf(&b, "Execute tool %s with args %v", req.ToolName, req.Args)
	}
	return b.String()
}
