package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/models"
)

// CLIAdapter runs sessions by spawning an agent binary and consuming its
// newline-delimited JSON event stream on stdout. The prompt goes in on
// stdin; the system prompt and model ride as flags.
type CLIAdapter struct {
	command string
	args    []string
	model   string
	logger  *slog.Logger
}

// NewCLIAdapter creates a subprocess adapter from runtime config.
func NewCLIAdapter(cfg *config.RuntimeConfig, logger *slog.Logger) *CLIAdapter {
	return &CLIAdapter{
		command: cfg.Command,
		args:    cfg.Args,
		model:   cfg.Model,
		logger:  logger.With("component", "runtime.cli"),
	}
}

// Name implements Adapter.
func (a *CLIAdapter) Name() string { return "cli" }

// cliEvent is the wire shape of one stdout line from the agent binary.
type cliEvent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Model     string         `json:"model,omitempty"`
	Usage     *cliUsage      `json:"usage,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	InCostUSD float64        `json:"input_cost_usd,omitempty"`
}

type cliUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Run implements Adapter.
func (a *CLIAdapter) Run(ctx context.Context, in RunInput) (*Result, error) {
	model := in.Model
	if model == "" {
		model = a.model
	}

	args := append([]string(nil), a.args...)
	if in.SystemPrompt != "" {
		args = append(args, "--system-prompt", in.SystemPrompt)
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, a.command, args...)
	cmd.Stdin = strings.NewReader(in.Prompt)
	cmd.Env = in.Env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "runtime stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, models.WrapFault(models.ErrClassTargetUnavailable, err, "start runtime %s", a.command)
	}

	result, streamErr := a.consume(stdout, in.OnEvent)
	waitErr := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, models.WrapFault(models.ErrClassTimeout, ctx.Err(), "runtime session")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		a.logger.Error("runtime exited with error",
			"error", waitErr, "stderr", truncate(stderr.String(), 2048))
		return nil, models.WrapFault(models.ErrClassInternal, waitErr, "runtime session")
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if result.Model == "" {
		result.Model = model
	}
	return result, nil
}

// consume reads the event stream to EOF and folds it into a Result.
// A missing final event means the binary died mid-stream.
func (a *CLIAdapter) consume(r interface{ Read([]byte) (int, error) }, onEvent func(Event)) (*Result, error) {
	res := &Result{}
	sawFinal := false
	var openCall *models.ToolCall
	var callStart time.Time

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev cliEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			a.logger.Warn("skipping malformed runtime event", "error", err)
			continue
		}

		now := time.Now()
		switch ev.Type {
		case string(EventAssistantMessage):
			emit(onEvent, Event{Kind: EventAssistantMessage, Text: ev.Text, Timestamp: now})
		case string(EventToolUse):
			openCall = &models.ToolCall{Name: ev.ToolName, Args: ev.ToolArgs}
			callStart = now
			emit(onEvent, Event{Kind: EventToolUse, ToolName: ev.ToolName, ToolArgs: ev.ToolArgs, Timestamp: now})
		case string(EventToolResult):
			if openCall != nil {
				openCall.Result = truncate(ev.Result, 4096)
				openCall.Error = ev.Error
				openCall.Duration = now.Sub(callStart).Milliseconds()
				res.ToolCalls = append(res.ToolCalls, *openCall)
				openCall = nil
			}
			emit(onEvent, Event{Kind: EventToolResult, ToolName: ev.ToolName,
				Text: ev.Result, ToolError: ev.Error, Timestamp: now})
		case string(EventFinal):
			sawFinal = true
			res.Text = ev.Text
			res.Model = ev.Model
			if ev.Usage != nil {
				res.InputTokens = ev.Usage.InputTokens
				res.OutputTokens = ev.Usage.OutputTokens
			}
			res.Cost = models.SessionCost{
				InputUSD:  ev.InCostUSD,
				OutputUSD: ev.CostUSD - ev.InCostUSD,
				TotalUSD:  ev.CostUSD,
			}
			emit(onEvent, Event{Kind: EventFinal, Text: ev.Text, Timestamp: now})
		default:
			a.logger.Debug("ignoring unknown runtime event type", "type", ev.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "read runtime stream")
	}
	if !sawFinal {
		return nil, models.NewFault(models.ErrClassInternal, "runtime stream ended without final event")
	}
	return res, nil
}

func emit(onEvent func(Event), ev Event) {
	if onEvent != nil {
		onEvent(ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
