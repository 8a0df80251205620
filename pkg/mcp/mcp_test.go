package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/outbound"
	"github.com/butlerfleet/butlerd/pkg/route"
)

type fakeAcceptor struct {
	receipt *route.Receipt
	err     error
	got     route.AcceptInput
}

func (f *fakeAcceptor) Accept(_ context.Context, in route.AcceptInput) (*route.Receipt, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

type fakeReplier struct {
	outboundID string
	err        error
	got        struct {
		requestID string
		butler    string
		text      string
	}
}

func (f *fakeReplier) RecordReply(_ context.Context, requestID, butler, text string) (string, error) {
	f.got.requestID = requestID
	f.got.butler = butler
	f.got.text = text
	if f.err != nil {
		return "", f.err
	}
	return f.outboundID, nil
}

type fakeInbox struct {
	msg *models.InboxMessage
	err error
}

func (f *fakeInbox) Get(_ context.Context, _ string) (*models.InboxMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.msg, nil
}

type fakeDeliverer struct {
	sent []outbound.Message
	err  error
}

func (f *fakeDeliverer) Send(_ context.Context, msg outbound.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fixedStats struct{ n int }

func (s fixedStats) Active() int   { return s.n }
func (s fixedStats) Depth() int    { return s.n }
func (s fixedStats) InFlight() int { return s.n }

func mountServer(s *Server) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s.Register(engine.Group("/mcp"))
	return engine
}

func call(t *testing.T, handler http.Handler, method, path string, body any) map[string]any {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "tool results ride on 200: %s", w.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func telegramContext() models.RequestContext {
	return models.RequestContext{
		RequestID:              "req-1",
		ReceivedAt:             time.Now().UTC(),
		SourceChannel:          models.ChannelTelegram,
		SourceEndpointIdentity: "bot-1",
		SourceSenderIdentity:   "user-7",
		SourceThreadIdentity:   "42:1001",
	}
}

func TestRouteExecuteAccepts(t *testing.T) {
	acceptor := &fakeAcceptor{receipt: &route.Receipt{RequestID: "req-1", Status: "ok"}}
	srv := NewServer(Deps{Butler: "alfred", Acceptor: acceptor})

	out := call(t, mountServer(srv), http.MethodPost, "/mcp/route.execute", map[string]any{
		"schema_version":  RouteSchemaVersion,
		"source_butler":   "pennyworth",
		"request_context": telegramContext(),
		"input":           map[string]any{"prompt": "check the cellar"},
	})

	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "req-1", out["request_id"])
	assert.Equal(t, "pennyworth", acceptor.got.SourceButler)
	assert.Equal(t, "check the cellar", acceptor.got.Prompt)
}

func TestRouteExecuteForwardsContextBlock(t *testing.T) {
	acceptor := &fakeAcceptor{receipt: &route.Receipt{RequestID: "req-1", Status: "ok"}}
	srv := NewServer(Deps{Butler: "alfred", Acceptor: acceptor})

	call(t, mountServer(srv), http.MethodPost, "/mcp/route.execute", map[string]any{
		"schema_version":  RouteSchemaVersion,
		"source_butler":   "pennyworth",
		"request_context": telegramContext(),
		"input": map[string]any{
			"prompt":  "check the cellar",
			"context": map[string]any{"wine": "1947 cheval blanc"},
		},
	})

	assert.Equal(t, map[string]any{"wine": "1947 cheval blanc"}, acceptor.got.InputContext)
}

func TestRouteExecuteRejectsWrongSchemaVersion(t *testing.T) {
	srv := NewServer(Deps{Butler: "alfred", Acceptor: &fakeAcceptor{}})

	out := call(t, mountServer(srv), http.MethodPost, "/mcp/route.execute", map[string]any{
		"schema_version": "route.v2",
		"input":          map[string]any{"prompt": "hi"},
	})

	assert.Equal(t, "error", out["status"])
	assert.Equal(t, string(models.ErrClassValidation), out["error_class"])
}

func TestRouteExecuteFallsBackToSenderIdentity(t *testing.T) {
	acceptor := &fakeAcceptor{receipt: &route.Receipt{RequestID: "req-1", Status: "ok"}}
	srv := NewServer(Deps{Butler: "alfred", Acceptor: acceptor})

	call(t, mountServer(srv), http.MethodPost, "/mcp/route.execute", map[string]any{
		"schema_version":  RouteSchemaVersion,
		"request_context": telegramContext(),
		"input":           map[string]any{"prompt": "hi"},
	})

	assert.Equal(t, "user-7", acceptor.got.SourceButler)
}

func TestRouteExecuteSurfacesOverloadInBand(t *testing.T) {
	acceptor := &fakeAcceptor{err: &models.Fault{
		Class:      models.ErrClassOverloadRejected,
		Message:    "inbox full",
		RetryAfter: 30 * time.Second,
	}}
	srv := NewServer(Deps{Butler: "alfred", Acceptor: acceptor})

	out := call(t, mountServer(srv), http.MethodPost, "/mcp/route.execute", map[string]any{
		"schema_version":  RouteSchemaVersion,
		"source_butler":   "pennyworth",
		"request_context": telegramContext(),
		"input":           map[string]any{"prompt": "hi"},
	})

	assert.Equal(t, "error", out["status"])
	assert.Equal(t, string(models.ErrClassOverloadRejected), out["error_class"])
	assert.Equal(t, float64(30), out["retry_after_seconds"])
}

func TestNotifyRecordsAndDelivers(t *testing.T) {
	replier := &fakeReplier{outboundID: "out-1"}
	inbox := &fakeInbox{msg: &models.InboxMessage{ID: "req-1", Context: telegramContext()}}
	sender := &fakeDeliverer{}
	srv := NewServer(Deps{Butler: "alfred", Replier: replier, Inbox: inbox, Sender: sender})

	out := call(t, mountServer(srv), http.MethodPost, "/mcp/notify", map[string]any{
		"request_id": "req-1",
		"text":       "table booked for eight",
	})

	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "out-1", out["outbound_id"])
	assert.Equal(t, "alfred", replier.got.butler, "butler defaults to the daemon's own name")

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, models.ChannelTelegram, msg.Channel)
	assert.Equal(t, "user-7", msg.Recipient)
	assert.Equal(t, "42:1001", msg.Thread)
	assert.True(t, msg.Reply)
}

func TestNotifyUnknownRequest(t *testing.T) {
	inbox := &fakeInbox{err: models.NewFault(models.ErrClassNotFound, "no such row")}
	srv := NewServer(Deps{Butler: "alfred", Replier: &fakeReplier{}, Inbox: inbox})

	out := call(t, mountServer(srv), http.MethodPost, "/mcp/notify", map[string]any{
		"request_id": "missing", "text": "hello",
	})

	assert.Equal(t, "error", out["status"])
	assert.Equal(t, string(models.ErrClassNotFound), out["error_class"])
}

func TestNotifyDeliveryFailureSurfacesAfterRecording(t *testing.T) {
	replier := &fakeReplier{outboundID: "out-1"}
	inbox := &fakeInbox{msg: &models.InboxMessage{ID: "req-1", Context: telegramContext()}}
	sender := &fakeDeliverer{err: models.NewFault(models.ErrClassTargetUnavailable, "telegram down")}
	srv := NewServer(Deps{Butler: "alfred", Replier: replier, Inbox: inbox, Sender: sender})

	out := call(t, mountServer(srv), http.MethodPost, "/mcp/notify", map[string]any{
		"request_id": "req-1", "text": "hello",
	})

	assert.Equal(t, "error", out["status"])
	assert.Equal(t, "req-1", replier.got.requestID, "reply row recorded before delivery")
}

func TestStatusSnapshot(t *testing.T) {
	srv := NewServer(Deps{
		Butler:   "alfred",
		Sessions: fixedStats{n: 2},
		Queue:    fixedStats{n: 5},
		Sends:    fixedStats{n: 1},
	})

	out := call(t, mountServer(srv), http.MethodGet, "/mcp/status", nil)

	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "alfred", out["butler"])
	assert.Equal(t, float64(2), out["active_sessions"])
	assert.Equal(t, float64(5), out["buffer_depth"])
	assert.Equal(t, float64(1), out["in_flight_sends"])
}

type fakeState struct {
	data map[string]any
}

func (f *fakeState) GetState(_ context.Context, key string, dst any) error {
	v, ok := f.data[key]
	if !ok {
		return models.NewFault(models.ErrClassNotFound, "no state for %q", key)
	}
	raw, _ := json.Marshal(v)
	return json.Unmarshal(raw, dst)
}

func (f *fakeState) SetState(_ context.Context, key string, value any) error {
	if f.data == nil {
		f.data = map[string]any{}
	}
	f.data[key] = value
	return nil
}

type fakeTasks struct {
	tasks   map[string]*models.ScheduledTask
	deleted []string
}

func (f *fakeTasks) Upsert(_ context.Context, task *models.ScheduledTask) error {
	if f.tasks == nil {
		f.tasks = map[string]*models.ScheduledTask{}
	}
	f.tasks[task.Name] = task
	return nil
}

func (f *fakeTasks) Delete(_ context.Context, _, name string) error {
	f.deleted = append(f.deleted, name)
	delete(f.tasks, name)
	return nil
}

func (f *fakeTasks) ListEnabled(_ context.Context) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func TestStateSetThenGet(t *testing.T) {
	state := &fakeState{}
	srv := NewServer(Deps{Butler: "alfred", State: state})
	handler := mountServer(srv)

	out := call(t, handler, http.MethodPost, "/mcp/state.set", map[string]any{
		"key": "wine_cellar", "value": map[string]any{"bottles": 12},
	})
	assert.Equal(t, "ok", out["status"])

	out = call(t, handler, http.MethodPost, "/mcp/state.get", map[string]any{"key": "wine_cellar"})
	assert.Equal(t, "ok", out["status"])
	value, ok := out["value"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(12), value["bottles"])
}

func TestStateGetMissingKey(t *testing.T) {
	srv := NewServer(Deps{Butler: "alfred", State: &fakeState{}})

	out := call(t, mountServer(srv), http.MethodPost, "/mcp/state.get", map[string]any{"key": "missing"})

	assert.Equal(t, "error", out["status"])
	assert.Equal(t, string(models.ErrClassNotFound), out["error_class"])
}

func TestScheduleUpsertValidatesCron(t *testing.T) {
	tasks := &fakeTasks{}
	srv := NewServer(Deps{Butler: "alfred", Tasks: tasks})
	handler := mountServer(srv)

	out := call(t, handler, http.MethodPost, "/mcp/schedule.upsert", map[string]any{
		"name": "morning-brief", "cron": "not a cron", "prompt": "summarize the day",
	})
	assert.Equal(t, "error", out["status"])
	assert.Empty(t, tasks.tasks)

	out = call(t, handler, http.MethodPost, "/mcp/schedule.upsert", map[string]any{
		"name": "morning-brief", "cron": "0 7 * * *", "prompt": "summarize the day",
	})
	assert.Equal(t, "ok", out["status"])
	require.Contains(t, tasks.tasks, "morning-brief")
	assert.Equal(t, "alfred", tasks.tasks["morning-brief"].Butler)
	assert.True(t, tasks.tasks["morning-brief"].Enabled)
}

func TestScheduleDeleteAndList(t *testing.T) {
	tasks := &fakeTasks{tasks: map[string]*models.ScheduledTask{
		"morning-brief": {Name: "morning-brief", Butler: "alfred", Cron: "0 7 * * *", Enabled: true},
	}}
	srv := NewServer(Deps{Butler: "alfred", Tasks: tasks})
	handler := mountServer(srv)

	out := call(t, handler, http.MethodGet, "/mcp/schedule.list", nil)
	assert.Equal(t, "ok", out["status"])
	list, ok := out["tasks"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)

	out = call(t, handler, http.MethodPost, "/mcp/schedule.delete", map[string]any{"name": "morning-brief"})
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, []string{"morning-brief"}, tasks.deleted)
}
