package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/models"
)

// Directory resolves eligible targets; satisfied by *registry.Service.
type Directory interface {
	ListEligible(ctx context.Context, allowStale bool) ([]*models.ButlerRecord, error)
}

// Client is the caller-side half of routing: it delivers accept-phase
// requests to peer butlers over HTTP.
type Client struct {
	self      string
	directory Directory
	peers     map[string]config.PeerConfig
	http      *http.Client
	cfg       config.RouteConfig
	logger    *slog.Logger
}

// NewClient creates a route client.
func NewClient(self string, directory Directory, peers map[string]config.PeerConfig, cfg config.RouteConfig, logger *slog.Logger) *Client {
	timeout := cfg.AcceptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		self:      self,
		directory: directory,
		peers:     peers,
		http:      &http.Client{Timeout: timeout},
		cfg:       cfg,
		logger:    logger.With("component", "route.client"),
	}
}

// acceptPayload is the accept-phase wire body.
type acceptPayload struct {
	SourceButler string                `json:"source_butler"`
	ToolName     string                `json:"tool_name,omitempty"`
	Args         map[string]any        `json:"args,omitempty"`
	Context      models.RequestContext `json:"context"`
	InputContext map[string]any        `json:"input_context,omitempty"`
	Prompt       string                `json:"prompt,omitempty"`
}

// Execute delivers a request to target's accept endpoint and returns the
// receipt. Eligibility gates delivery: quarantined targets are never
// called, stale ones only when allow_stale is configured.
func (c *Client) Execute(ctx context.Context, target string, in AcceptInput) (*Receipt, error) {
	endpoint, err := c.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	in.SourceButler = c.self
	body, err := json.Marshal(acceptPayload{
		SourceButler: c.self,
		ToolName:     in.ToolName,
		Args:         in.Args,
		Context:      in.Context,
		InputContext: in.InputContext,
		Prompt:       in.Prompt,
	})
	if err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "encode route request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v1/route/accept", bytes.NewReader(body))
	if err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "build route request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, models.WrapFault(models.ErrClassTimeout, err, "route accept to %s", target)
		}
		return nil, models.WrapFault(models.ErrClassTargetUnavailable, err, "route accept to %s", target)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, models.NewFault(classForStatus(resp.StatusCode),
			"route accept to %s returned %d: %s", target, resp.StatusCode, string(raw))
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "decode route receipt")
	}
	return &receipt, nil
}

// resolve maps a target name to its endpoint, honoring eligibility.
func (c *Client) resolve(ctx context.Context, target string) (string, error) {
	eligible, err := c.directory.ListEligible(ctx, c.cfg.AllowStale)
	if err != nil {
		return "", models.WrapFault(models.ErrClassInternal, err, "resolve target %s", target)
	}
	for _, rec := range eligible {
		if rec.ButlerName != target {
			continue
		}
		if rec.EndpointURL != "" {
			return rec.EndpointURL, nil
		}
		// Static fleet config covers endpoints the registry does not know
		// yet; the eligibility veto above still applies.
		if peer, ok := c.peers[target]; ok {
			return peer.EndpointURL, nil
		}
		break
	}
	return "", models.NewFault(models.ErrClassTargetUnavailable, "butler %q is not eligible for routing", target)
}

func classForStatus(code int) models.ErrorClass {
	switch {
	case code == http.StatusUnprocessableEntity || code == http.StatusBadRequest:
		return models.ErrClassValidation
	case code == http.StatusNotFound:
		return models.ErrClassNotFound
	case code == http.StatusConflict:
		return models.ErrClassConflict
	case code == http.StatusTooManyRequests:
		return models.ErrClassOverloadRejected
	case code == http.StatusServiceUnavailable:
		return models.ErrClassTargetUnavailable
	case code == http.StatusGatewayTimeout:
		return models.ErrClassTimeout
	default:
		return models.ErrClassInternal
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
