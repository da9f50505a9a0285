// Package client is the delegate-side SDK for the fleet manager. A delegate
// process registers itself, runs a heartbeat sender, polls for one-shot work
// and reports results, all over the manager's HTTP gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/capability"
	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/gateway"
	"github.com/vigneswara-propelo/taskfleet/perpetual"
	"github.com/vigneswara-propelo/taskfleet/scope"
)

// Config describes the delegate and where its manager lives.
type Config struct {
	// BaseURL of the manager's HTTP gateway, e.g. "http://fleetd:8080".
	BaseURL string

	// DelegateID must be unique across the fleet.
	DelegateID string

	// Name is a human-readable label.
	Name string

	// Scope the delegate serves.
	Scope scope.Scope

	// Profile advertises selector tags and probe results.
	Profile capability.Profile

	// HTTPClient overrides the default client, e.g. for timeouts.
	HTTPClient *http.Client
}

// Client talks to the manager on behalf of one delegate.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// New validates the config and builds a client.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.InvalidInput("base URL is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.InvalidInput("bad base URL: " + err.Error())
	}
	if cfg.DelegateID == "" {
		return nil, errors.InvalidInput("delegate id is empty")
	}
	if cfg.Scope.Empty() {
		return nil, errors.InvalidInput("delegate scope is empty")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  log.With().Str("component", "client").Str("delegate_id", cfg.DelegateID).Logger(),
	}, nil
}

// DelegateID returns the delegate this client speaks for.
func (c *Client) DelegateID() string { return c.cfg.DelegateID }

// Register announces the delegate to the manager. Safe to repeat; the
// catalog entry is refreshed.
func (c *Client) Register(ctx context.Context) error {
	req := gateway.RegisterRequest{
		DelegateID: c.cfg.DelegateID,
		Name:       c.cfg.Name,
		Scope:      c.cfg.Scope,
		Profile:    c.cfg.Profile,
	}
	return c.do(ctx, http.MethodPost, "/api/delegates/register", req, nil)
}

// Heartbeat reports liveness, piggybacking perpetual run reports.
func (c *Client) Heartbeat(ctx context.Context, reports []gateway.PerpetualHeartbeat) error {
	req := gateway.HeartbeatRequest{
		DelegateID: c.cfg.DelegateID,
		Timestamp:  time.Now(),
		Perpetual:  reports,
	}
	return c.do(ctx, http.MethodPost, "/api/delegates/"+c.cfg.DelegateID+"/heartbeat", req, nil)
}

// Acquire long-polls for work, returning nil when nothing became available
// within the wait. The result carries at most one newly bound one-shot task
// plus the delegate's perpetual assignments.
func (c *Client) Acquire(ctx context.Context, wait time.Duration) (*gateway.Work, error) {
	path := fmt.Sprintf("/api/delegates/%s/acquire?wait=%s", c.cfg.DelegateID, wait)
	var work gateway.Work
	found, err := c.doOptional(ctx, http.MethodPost, path, struct{}{}, &work)
	if err != nil || !found {
		return nil, err
	}
	return &work, nil
}

// ReportResult delivers the result for a task this delegate ran.
func (c *Client) ReportResult(ctx context.Context, taskID string, payload []byte) error {
	path := fmt.Sprintf("/api/delegates/%s/results/%s", c.cfg.DelegateID, taskID)
	return c.do(ctx, http.MethodPost, path, map[string][]byte{"payload": payload}, nil)
}

// PerpetualAssignments fetches the recurring work this delegate should run.
func (c *Client) PerpetualAssignments(ctx context.Context) ([]perpetual.Assignment, error) {
	var out []perpetual.Assignment
	err := c.do(ctx, http.MethodGet, "/api/delegates/"+c.cfg.DelegateID+"/perpetual", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doOptional(ctx, method, path, body, out)
	return err
}

// doOptional performs the request; a 204 response reports found=false.
func (c *Client) doOptional(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return false, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, errors.New(errors.ErrCodeUnavailable, "manager unreachable: "+err.Error(),
			errors.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, errors.Wrap(err, "decode response")
		}
	}
	return true, nil
}

// decodeError rebuilds a fleet error from the gateway's error body so callers
// can branch on codes instead of status numbers.
func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("manager returned status %d", resp.StatusCode))
	}
	return errors.New(errors.ErrorCode(body.Code), body.Message)
}
