package runtime

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/models"
)

func newTestCLIAdapter() *CLIAdapter {
	return &CLIAdapter{logger: slog.Default()}
}

func TestConsumeFoldsStreamIntoResult(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"assistant_message","text":"thinking"}`,
		`{"type":"tool_use","tool_name":"calendar.list","tool_args":{"day":"today"}}`,
		`{"type":"tool_result","tool_name":"calendar.list","result":"2 events"}`,
		`{"type":"final","text":"You have 2 events today.","model":"m-1","usage":{"input_tokens":120,"output_tokens":40},"cost_usd":0.005,"input_cost_usd":0.002}`,
	}, "\n")

	var events []Event
	res, err := newTestCLIAdapter().consume(strings.NewReader(stream), func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, "You have 2 events today.", res.Text)
	assert.Equal(t, "m-1", res.Model)
	assert.Equal(t, int64(120), res.InputTokens)
	assert.Equal(t, int64(40), res.OutputTokens)
	assert.InDelta(t, 0.005, res.Cost.TotalUSD, 1e-9)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "calendar.list", res.ToolCalls[0].Name)
	assert.Equal(t, "2 events", res.ToolCalls[0].Result)

	require.Len(t, events, 4)
	assert.Equal(t, EventAssistantMessage, events[0].Kind)
	assert.Equal(t, EventToolUse, events[1].Kind)
	assert.Equal(t, EventToolResult, events[2].Kind)
	assert.Equal(t, EventFinal, events[3].Kind)
}

func TestConsumeRejectsTruncatedStream(t *testing.T) {
	stream := `{"type":"assistant_message","text":"partial"}`

	_, err := newTestCLIAdapter().consume(strings.NewReader(stream), nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrClassInternal, models.ClassOf(err))
}

func TestConsumeSkipsMalformedLines(t *testing.T) {
	stream := strings.Join([]string{
		`not json at all`,
		`{"type":"final","text":"done"}`,
	}, "\n")

	res, err := newTestCLIAdapter().consume(strings.NewReader(stream), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
}

func TestStubReplaysScript(t *testing.T) {
	stub := NewStubAdapter(
		ScriptedRun{Result: &Result{Text: "first"}},
		ScriptedRun{Err: models.NewFault(models.ErrClassTargetUnavailable, "provider down")},
	)

	res, err := stub.Run(context.Background(), RunInput{Prompt: "one"})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)

	_, err = stub.Run(context.Background(), RunInput{Prompt: "two"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClassTargetUnavailable, models.ClassOf(err))

	// Past the script the stub echoes.
	res, err = stub.Run(context.Background(), RunInput{Prompt: "three"})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "three")

	assert.Len(t, stub.Runs(), 3)
}

func TestStubHonorsDeadline(t *testing.T) {
	stub := NewStubAdapter()
	stub.SetLatency(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := stub.Run(ctx, RunInput{Prompt: "slow"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClassTimeout, models.ClassOf(err))
}
