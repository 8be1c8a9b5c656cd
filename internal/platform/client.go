// Package platform wraps the container deployment platform's REST API:
// project and application creation, environment variables, deployment
// lifecycle and server inventory.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

// AppStatus is the platform-reported state of an application.
type AppStatus string

const (
	AppRunning   AppStatus = "running"
	AppStopped   AppStatus = "stopped"
	AppDeploying AppStatus = "deploying"
	AppFailed    AppStatus = "failed"
)

// Terminal reports whether the status ends a deployment wait.
func (s AppStatus) Terminal() bool {
	return s == AppRunning || s == AppFailed || s == AppStopped
}

// ServerInfo describes a compute node known to the platform.
type ServerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Available bool   `json:"available"`
}

// EnvVar is one environment variable set on an application.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BootstrapEnv is the fixed set of variables every deployed instance needs.
// The key set is closed on purpose; new bootstrap inputs get a field here.
type BootstrapEnv struct {
	ProjectID      string
	MarketplaceURL string
	Modules        []string
}

// Vars renders the bootstrap inputs as platform environment variables.
func (b BootstrapEnv) Vars() []EnvVar {
	return []EnvVar{
		{Key: "PROJECT_ID", Value: b.ProjectID},
		{Key: "MARKETPLACE_URL", Value: b.MarketplaceURL},
		{Key: "ENABLED_MODULES", Value: strings.Join(b.Modules, ",")},
	}
}

// CreateApplicationRequest carries everything needed to create an application
// bound to a server, a domain and a deployment image.
type CreateApplicationRequest struct {
	ProjectID       string
	ServerID        string
	Name            string
	Domain          string
	ImageRef        string
	Env             BootstrapEnv
	HealthCheckPath string
}

// Client talks to the deployment platform over REST with bearer-token auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a platform client.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "platform"),
	}
}

// CreateProject creates a platform-side project and returns its identifier.
func (c *Client) CreateProject(ctx context.Context, name, description string) (string, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/projects", body, &res, "create project"); err != nil {
		return "", err
	}
	c.logger.Info("platform project created", "name", name, "platform_project_id", res.ID)
	return res.ID, nil
}

// CreateApplication creates an application and sets its environment variables
// in the same logical operation. Creating an application whose domain is
// already taken fails loudly with a ValidationError rather than duplicating.
func (c *Client) CreateApplication(ctx context.Context, req CreateApplicationRequest) (string, error) {
	healthPath := req.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	body := map[string]any{
		"project_id": req.ProjectID,
		"server_id":  req.ServerID,
		"name":       req.Name,
		"image":      req.ImageRef,
		"domains":    []string{"https://" + req.Domain},
		"force_https": true,
		"health_check": map[string]any{
			"path":     healthPath,
			"interval": 30,
		},
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/applications/public", body, &res, "create application"); err != nil {
		return "", err
	}

	if err := c.SetEnvVars(ctx, res.ID, req.Env.Vars()); err != nil {
		return res.ID, err
	}
	c.logger.Info("platform application created", "app_id", res.ID, "domain", req.Domain)
	return res.ID, nil
}

// SetEnvVars replaces the application's environment variables in bulk.
func (c *Client) SetEnvVars(ctx context.Context, appID string, vars []EnvVar) error {
	body := map[string]any{"envs": vars}
	path := fmt.Sprintf("/applications/%s/envs/bulk", appID)
	return c.do(ctx, http.MethodPost, path, body, nil, "set environment variables")
}

// Deploy triggers a deployment of the application.
func (c *Client) Deploy(ctx context.Context, appID string) (string, error) {
	var res struct {
		DeploymentID string `json:"deployment_id"`
	}
	path := fmt.Sprintf("/applications/%s/start", appID)
	if err := c.do(ctx, http.MethodGet, path, nil, &res, "deploy"); err != nil {
		return "", err
	}
	return res.DeploymentID, nil
}

// GetStatus reports the application's current state.
func (c *Client) GetStatus(ctx context.Context, appID string) (AppStatus, error) {
	var res struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/applications/%s", appID)
	if err := c.do(ctx, http.MethodGet, path, nil, &res, "get status"); err != nil {
		return "", err
	}
	switch strings.ToLower(res.Status) {
	case "running":
		return AppRunning, nil
	case "stopped":
		return AppStopped, nil
	case "failed", "error":
		return AppFailed, nil
	default:
		return AppDeploying, nil
	}
}

// Stop halts the application.
func (c *Client) Stop(ctx context.Context, appID string) error {
	path := fmt.Sprintf("/applications/%s/stop", appID)
	return c.do(ctx, http.MethodGet, path, nil, nil, "stop")
}

// Restart restarts the application and returns the new deployment id.
func (c *Client) Restart(ctx context.Context, appID string) (string, error) {
	var res struct {
		DeploymentID string `json:"deployment_id"`
	}
	path := fmt.Sprintf("/applications/%s/restart", appID)
	if err := c.do(ctx, http.MethodGet, path, nil, &res, "restart"); err != nil {
		return "", err
	}
	return res.DeploymentID, nil
}

// ListServers returns the platform's server inventory.
func (c *Client) ListServers(ctx context.Context) ([]ServerInfo, error) {
	var res struct {
		Servers []ServerInfo `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &res, "list servers"); err != nil {
		return nil, err
	}
	return res.Servers, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, op string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	return classify(op, resp.StatusCode, readMessage(resp.Body))
}

// readMessage extracts the JSON message field platform errors carry.
func readMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		return strings.TrimSpace(string(data))
	}
	return payload.Message
}

func classify(op string, status int, message string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: op, Message: message}
	case status == http.StatusNotFound:
		return &NotFoundError{Op: op, Message: message}
	case status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d: %s", status, message)}
	default:
		return &ValidationError{Op: op, Message: message}
	}
}
