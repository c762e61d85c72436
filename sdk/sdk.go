// Package sdk provides a Go client for the runwayd control API. CLI
// commands and external tools use it to talk to a local or remote daemon.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"runway"
	"runway/api"
)

// Client speaks the control API over a unix socket or an SSH tunnel.
type Client struct {
	http      *http.Client
	transport *http.Transport
}

// clientBase is the URL the transport routes to the daemon socket; the
// host part never resolves.
const clientBase = "http://runwayd"

// Dial connects to a daemon. A target containing "@" is an SSH
// destination (e.g. "root@host"); anything else is a local unix socket
// path. An empty target is not valid.
func Dial(ctx context.Context, target string, opts ...DialOption) (*Client, error) {
	var cfg dialConfig
	for _, o := range opts {
		o(&cfg)
	}
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("empty daemon target")
	}

	var transport *http.Transport
	if strings.Contains(target, "@") {
		transport = sshTransport(target, cfg)
	} else {
		transport = unixTransport(target)
	}
	return &Client{
		http:      &http.Client{Transport: transport},
		transport: transport,
	}, nil
}

// Build bootstraps an environment for the app rooted at appRoot. The
// returned record is complete in every outcome; the error carries the
// failure cause when the build did not succeed.
func (c *Client) Build(ctx context.Context, app, appRoot string) (runway.Build, error) {
	var resp api.BuildResponse
	if err := c.do(ctx, http.MethodPost, appPath(app, "builds"), api.BuildRequest{AppRoot: appRoot}, &resp); err != nil {
		return runway.Build{}, fmt.Errorf("build %s: %w", app, err)
	}
	if resp.Build.Phase == runway.BuildFailed {
		return resp.Build, fmt.Errorf("build %s failed: %s", app, resp.Build.Error)
	}
	return resp.Build, nil
}

// Run launches the app's built environment. The returned record reflects
// the launch decision; the error carries the cause when the run failed
// before ever running.
func (c *Client) Run(ctx context.Context, app string, req api.RunRequest) (runway.Run, error) {
	var resp api.RunResponse
	if err := c.do(ctx, http.MethodPost, appPath(app, "runs"), req, &resp); err != nil {
		return runway.Run{}, fmt.Errorf("run %s: %w", app, err)
	}
	if resp.Run.Phase == runway.RunFailed {
		return resp.Run, fmt.Errorf("run %s failed: %s", app, resp.Run.Error)
	}
	return resp.Run, nil
}

// Stop terminates the app's live run and returns the final record.
func (c *Client) Stop(ctx context.Context, app string) (runway.Run, error) {
	var resp api.RunResponse
	if err := c.do(ctx, http.MethodPost, appPath(app, "stop"), nil, &resp); err != nil {
		return runway.Run{}, fmt.Errorf("stop %s: %w", app, err)
	}
	return resp.Run, nil
}

// Remove tears down the app's built environment and backend artifacts.
func (c *Client) Remove(ctx context.Context, app string) error {
	if err := c.do(ctx, http.MethodDelete, appPath(app), nil, nil); err != nil {
		return fmt.Errorf("remove %s: %w", app, err)
	}
	return nil
}

// Status returns the daemon status and the latest build and run per app.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, api.Prefix+"/status", nil, &resp); err != nil {
		return api.StatusResponse{}, fmt.Errorf("get status: %w", err)
	}
	return resp, nil
}

// Doctor runs the daemon's host diagnostics.
func (c *Client) Doctor(ctx context.Context) (api.DoctorResponse, error) {
	var resp api.DoctorResponse
	if err := c.do(ctx, http.MethodGet, api.Prefix+"/doctor", nil, &resp); err != nil {
		return api.DoctorResponse{}, fmt.Errorf("run doctor: %w", err)
	}
	return resp, nil
}

// Builds lists build records, newest first. An empty app selects all apps.
func (c *Client) Builds(ctx context.Context, app string) ([]runway.Build, error) {
	path := api.Prefix + "/builds"
	if app != "" {
		path = appPath(app, "builds")
	}
	var resp api.BuildListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return resp.Builds, nil
}

// Runs lists run records, newest first. An empty app selects all apps.
func (c *Client) Runs(ctx context.Context, app string) ([]runway.Run, error) {
	path := api.Prefix + "/runs"
	if app != "" {
		path = appPath(app, "runs")
	}
	var resp api.RunListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return resp.Runs, nil
}

// Logs fetches a build or run log. Kind is "build" or "run"; an empty id
// selects the newest record of that kind, and tail > 0 limits the output
// to the last tail lines.
func (c *Client) Logs(ctx context.Context, app, kind, id string, tail int) ([]byte, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if id != "" {
		q.Set("id", id)
	}
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}
	path := appPath(app, "logs")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientBase+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch logs: %w", responseError(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	return data, nil
}

// Close releases the connections held by the client.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// do sends one JSON request and decodes the JSON response into out. A nil
// in sends no body; a nil out discards the response.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, clientBase+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// responseError turns a non-2xx response into an error, preferring the
// daemon's error envelope over the bare status line.
func responseError(resp *http.Response) error {
	var apiErr api.Error
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("daemon: %s", apiErr.Error)
	}
	return fmt.Errorf("daemon: %s", resp.Status)
}

func appPath(app string, parts ...string) string {
	p := api.Prefix + "/apps/" + url.PathEscape(app)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}
