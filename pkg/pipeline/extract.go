package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/runtime"
)

// Confidence grades an extraction.
type Confidence string

// Extraction confidence levels.
const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// rank orders confidences for dispatch thresholds.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// AtLeast reports whether c meets the threshold.
func (c Confidence) AtLeast(threshold Confidence) bool {
	return c.rank() >= threshold.rank() && c.rank() > 0
}

// Extraction is one structured signal pulled from a message.
type Extraction struct {
	Type         string         `json:"type"`
	Confidence   Confidence     `json:"confidence"`
	ToolName     string         `json:"tool_name"`
	ToolArgs     map[string]any `json:"tool_args,omitempty"`
	TargetButler string         `json:"target_butler"`
}

// ExtractorSchema declares one extraction type a butler registers.
type ExtractorSchema struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	TargetTool  string `json:"target_tool"`
}

// Extractor produces structured signals from message text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Extraction, error)
}

// LLMExtractor runs a second LLM pass with the unified schema from all
// registered extractor schemas.
type LLMExtractor struct {
	adapter runtime.Adapter
	model   string
	schemas []ExtractorSchema
}

// NewLLMExtractor creates an extractor. An empty schema set extracts
// nothing and never calls the adapter.
func NewLLMExtractor(adapter runtime.Adapter, model string, schemas []ExtractorSchema) *LLMExtractor {
	return &LLMExtractor{adapter: adapter, model: model, schemas: schemas}
}

const extractorSystemPrompt = `You extract structured signals from messages.
Reply with ONLY a JSON array of
{"type": "...", "confidence": "HIGH"|"MEDIUM"|"LOW", "tool_name": "...", "tool_args": {...}, "target_butler": "..."}.
Return [] when nothing matches the schemas. Never invent a type outside the schemas.`

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Extraction, error) {
	if len(e.schemas) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Registered extraction schemas:\n")
	for _, schema := range e.schemas {
		fmt.Fprintf(&b, "- %s: %s (dispatches to %s)\n",
			schema.Type, schema.Description, schema.TargetTool)
	}
	fmt.Fprintf(&b, "\nMessage:\n%s", text)

	res, err := e.adapter.Run(ctx, runtime.RunInput{
		Prompt:       b.String(),
		SystemPrompt: extractorSystemPrompt,
		Model:        e.model,
	})
	if err != nil {
		return nil, err
	}
	return parseExtractions(res.Text)
}

func parseExtractions(reply string) ([]Extraction, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, models.NewFault(models.ErrClassInternal, "no JSON array in extractor reply")
	}
	var extractions []Extraction
	if err := json.Unmarshal([]byte(reply[start:end+1]), &extractions); err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "decode extractor reply")
	}
	out := extractions[:0]
	for _, ex := range extractions {
		if ex.Type != "" && ex.TargetButler != "" {
			out = append(out, ex)
		}
	}
	return out, nil
}
