package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/runtime"
)

// Target is one classification result: forward prompt to butler. The
// first entry is authoritative; the rest fan out in parallel.
type Target struct {
	Butler string `json:"butler"`
	Prompt string `json:"prompt"`
}

// Classifier decides which butlers handle a message.
type Classifier interface {
	Classify(ctx context.Context, text string, history []*models.InboxMessage) ([]Target, error)
}

// LLMClassifier asks the runtime for routing decisions. The reply must be
// a JSON array of {butler, prompt}; anything else falls back to the
// default target with the original text.
type LLMClassifier struct {
	adapter       runtime.Adapter
	model         string
	butlers       []string
	defaultTarget string
}

// NewLLMClassifier creates a classifier over the given runtime adapter.
// butlers lists the routable fleet; defaultTarget absorbs unparseable
// classifier output.
func NewLLMClassifier(adapter runtime.Adapter, model string, butlers []string, defaultTarget string) *LLMClassifier {
	return &LLMClassifier{
		adapter:       adapter,
		model:         model,
		butlers:       butlers,
		defaultTarget: defaultTarget,
	}
}

const classifierSystemPrompt = `You route incoming messages to butlers.
Reply with ONLY a JSON array of {"butler": "<name>", "prompt": "<text to forward>"}.
The first entry is the primary target. Use multiple entries only when the
message genuinely needs more than one butler.`

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, text string, history []*models.InboxMessage) ([]Target, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Available butlers: %s\n\n", strings.Join(c.butlers, ", "))
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, msg := range history {
			who := msg.Context.SourceSenderIdentity
			if msg.Direction == models.DirectionOutbound {
				who = who + " (butler)"
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n",
				msg.ReceivedAt.Format("15:04"), who, msg.NormalizedText)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Message to route:\n%s", text)

	res, err := c.adapter.Run(ctx, runtime.RunInput{
		Prompt:       b.String(),
		SystemPrompt: classifierSystemPrompt,
		Model:        c.model,
	})
	if err != nil {
		return nil, err
	}

	targets, parseErr := parseTargets(res.Text)
	if parseErr != nil || len(targets) == 0 {
		if c.defaultTarget == "" {
			return nil, models.NewFault(models.ErrClassInternal,
				"classifier returned no usable targets: %v", parseErr)
		}
		return []Target{{Butler: c.defaultTarget, Prompt: text}}, nil
	}
	return targets, nil
}

// parseTargets tolerates the reply being wrapped in prose or fences.
func parseTargets(reply string) ([]Target, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in classifier reply")
	}
	var targets []Target
	if err := json.Unmarshal([]byte(reply[start:end+1]), &targets); err != nil {
		return nil, fmt.Errorf("decode classifier reply: %w", err)
	}
	out := targets[:0]
	for _, t := range targets {
		if t.Butler != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
