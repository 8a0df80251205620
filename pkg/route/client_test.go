package route

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/models"
)

type staticDirectory struct {
	records []*models.ButlerRecord
}

func (d *staticDirectory) ListEligible(_ context.Context, allowStale bool) ([]*models.ButlerRecord, error) {
	var out []*models.ButlerRecord
	for _, rec := range d.records {
		if rec.Eligibility == models.EligibilityActive ||
			(allowStale && rec.Eligibility == models.EligibilityStale) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestClient(dir Directory, peers map[string]config.PeerConfig, allowStale bool) *Client {
	cfg := *config.DefaultRouteConfig()
	cfg.AllowStale = allowStale
	return NewClient("switchboard", dir, peers, cfg, slog.Default())
}

func TestExecuteDeliversAcceptRequest(t *testing.T) {
	var got acceptPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/route/accept", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Receipt{RequestID: "r-1", Status: "ok"})
	}))
	defer server.Close()

	dir := &staticDirectory{records: []*models.ButlerRecord{
		{ButlerName: "alfred", EndpointURL: server.URL, Eligibility: models.EligibilityActive},
	}}
	client := newTestClient(dir, nil, false)

	receipt, err := client.Execute(context.Background(), "alfred", AcceptInput{
		Prompt:  "hello",
		Context: models.RequestContext{SourceChannel: models.ChannelAPI},
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", receipt.RequestID)
	assert.Equal(t, "switchboard", got.SourceButler)
	assert.Equal(t, "hello", got.Prompt)
}

func TestExecuteRefusesQuarantinedTarget(t *testing.T) {
	dir := &staticDirectory{records: []*models.ButlerRecord{
		{ButlerName: "alfred", EndpointURL: "http://unused", Eligibility: models.EligibilityQuarantined},
	}}
	client := newTestClient(dir, nil, true)

	_, err := client.Execute(context.Background(), "alfred", AcceptInput{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClassTargetUnavailable, models.ClassOf(err))
}

func TestExecuteStaleTargetGatedByConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Receipt{RequestID: "r-2", Status: "ok"})
	}))
	defer server.Close()

	dir := &staticDirectory{records: []*models.ButlerRecord{
		{ButlerName: "alfred", EndpointURL: server.URL, Eligibility: models.EligibilityStale},
	}}

	_, err := newTestClient(dir, nil, false).Execute(context.Background(), "alfred", AcceptInput{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClassTargetUnavailable, models.ClassOf(err))

	receipt, err := newTestClient(dir, nil, true).Execute(context.Background(), "alfred", AcceptInput{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "r-2", receipt.RequestID)
}

func TestExecuteFallsBackToStaticPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Receipt{RequestID: "r-3", Status: "ok"})
	}))
	defer server.Close()

	// Registry knows the butler but has no endpoint recorded.
	dir := &staticDirectory{records: []*models.ButlerRecord{
		{ButlerName: "alfred", Eligibility: models.EligibilityActive},
	}}
	peers := map[string]config.PeerConfig{"alfred": {EndpointURL: server.URL}}

	receipt, err := newTestClient(dir, peers, false).Execute(context.Background(), "alfred", AcceptInput{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "r-3", receipt.RequestID)
}

func TestExecuteMapsHTTPStatusToErrorClass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	dir := &staticDirectory{records: []*models.ButlerRecord{
		{ButlerName: "alfred", EndpointURL: server.URL, Eligibility: models.EligibilityActive},
	}}
	_, err := newTestClient(dir, nil, false).Execute(context.Background(), "alfred", AcceptInput{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClassOverloadRejected, models.ClassOf(err))
}

func TestExecuteUnknownTarget(t *testing.T) {
	client := newTestClient(&staticDirectory{}, nil, false)
	_, err := client.Execute(context.Background(), "ghost", AcceptInput{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClassTargetUnavailable, models.ClassOf(err))
}
