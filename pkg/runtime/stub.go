package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// StubAdapter replays scripted results in order. It backs the "stub"
// runtime config and every test that needs deterministic sessions.
type StubAdapter struct {
	mu      sync.Mutex
	script  []ScriptedRun
	next    int
	runs    []RunInput
	latency time.Duration
}

// ScriptedRun is one canned outcome.
type ScriptedRun struct {
	Result *Result
	Err    error
}

// NewStubAdapter creates a stub with the given script. An empty script
// makes every run echo its prompt.
func NewStubAdapter(script ...ScriptedRun) *StubAdapter {
	return &StubAdapter{script: script}
}

// Name implements Adapter.
func (a *StubAdapter) Name() string { return "stub" }

// SetLatency makes each run take d before returning.
func (a *StubAdapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// Runs returns every RunInput seen so far.
func (a *StubAdapter) Runs() []RunInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RunInput(nil), a.runs...)
}

// Run implements Adapter.
func (a *StubAdapter) Run(ctx context.Context, in RunInput) (*Result, error) {
	a.mu.Lock()
	a.runs = append(a.runs, in)
	var scripted *ScriptedRun
	if a.next < len(a.script) {
		scripted = &a.script[a.next]
		a.next++
	}
	latency := a.latency
	a.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, models.WrapFault(models.ErrClassTimeout, ctx.Err(), "stub session")
			}
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if scripted != nil {
		if scripted.Err != nil {
			return nil, scripted.Err
		}
		res := *scripted.Result
		emit(in.OnEvent, Event{Kind: EventFinal, Text: res.Text, Timestamp: time.Now()})
		return &res, nil
	}

	text := fmt.Sprintf("ok: %s", truncate(in.Prompt, 120))
	emit(in.OnEvent, Event{Kind: EventFinal, Text: text, Timestamp: time.Now()})
	return &Result{Text: text, Model: in.Model, InputTokens: 1, OutputTokens: 1}, nil
}
