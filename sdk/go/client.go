package contractlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Contractline HTTP API client. Consumers use it to
// record interactions and ask the gate; providers use it to drain their
// verification queue and submit results.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Interaction represents one recorded request/response pair.
type Interaction struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	Operation       string `json:"operation"`
	Consumer        string `json:"consumer"`
	ConsumerVersion string `json:"consumer_version"`
	ProviderVersion string `json:"provider_version"`
	Environment     string `json:"environment,omitempty"`
	RequestJSON     string `json:"request_json"`
	ResponseJSON    string `json:"response_json"`
	TS              string `json:"ts"`
}

// VerificationTask is a pending verification request for a provider.
type VerificationTask struct {
	ID              string   `json:"id"`
	Provider        string   `json:"provider"`
	ProviderVersion string   `json:"provider_version"`
	Consumer        string   `json:"consumer"`
	ConsumerVersion string   `json:"consumer_version"`
	Interactions    []string `json:"interactions"`
	Closed          bool     `json:"closed"`
	CreatedAt       string   `json:"created_at"`
}

// InteractionOutcome is the per-interaction verdict inside a result.
type InteractionOutcome struct {
	InteractionID string         `json:"interaction_id"`
	Success       bool           `json:"success"`
	ActualJSON    string         `json:"actual_json,omitempty"`
	Error         map[string]any `json:"error,omitempty"`
}

// VerificationResult is the immutable outcome of one verification run.
type VerificationResult struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	Summary struct {
		Passed int `json:"passed"`
		Failed int `json:"failed"`
		Total  int `json:"total"`
	} `json:"summary"`
	SubmittedAt string `json:"submitted_at"`
}

// Deployment is one deployment attempt.
type Deployment struct {
	ID          string `json:"id"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
	Active      bool   `json:"active"`
	Status      string `json:"status"`
	DeployedAt  string `json:"deployed_at"`
}

// Decision is the gate's answer.
type Decision struct {
	Allowed bool             `json:"allowed"`
	Reason  string           `json:"reason"`
	Details []map[string]any `json:"details,omitempty"`
}

// Fixture is a curated mock example.
type Fixture struct {
	ID        string `json:"id"`
	Service   string `json:"service"`
	Operation string `json:"operation"`
	DataJSON  string `json:"data_json"`
	Source    string `json:"source"`
	Priority  int    `json:"priority"`
	Status    string `json:"status"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RecordInteraction publishes one observed request/response pair.
func (c *Client) RecordInteraction(ctx context.Context, provider, operation, consumer, consumerVersion, requestJSON, responseJSON string) (Interaction, error) {
	body := map[string]any{
		"provider":         provider,
		"operation":        operation,
		"consumer":         consumer,
		"consumer_version": consumerVersion,
		"request_json":     requestJSON,
		"response_json":    responseJSON,
	}
	var resp Interaction
	err := c.do(ctx, http.MethodPost, "v0/interactions", body, &resp)
	return resp, err
}

// PendingTasks returns the provider's open verification queue.
func (c *Client) PendingTasks(ctx context.Context, provider string) ([]VerificationTask, error) {
	endpoint := fmt.Sprintf("v0/verification/tasks?provider=%s", url.QueryEscape(provider))
	var resp []VerificationTask
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitResult submits a verification run against a task and closes it.
func (c *Client) SubmitResult(ctx context.Context, taskID string, outcomes []InteractionOutcome) (VerificationResult, error) {
	body := map[string]any{"outcomes": outcomes}
	endpoint := fmt.Sprintf("v0/verification/tasks/%s/results", url.PathEscape(taskID))
	var resp VerificationResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordDeployment records a deployment attempt.
func (c *Client) RecordDeployment(ctx context.Context, service, version, environment, status string) (Deployment, error) {
	body := map[string]any{
		"service":     service,
		"version":     version,
		"environment": environment,
		"status":      status,
	}
	var resp Deployment
	err := c.do(ctx, http.MethodPost, "v0/deployments", body, &resp)
	return resp, err
}

// CanIDeploy asks the compatibility gate.
func (c *Client) CanIDeploy(ctx context.Context, service, version, role, environment string) (Decision, error) {
	endpoint := fmt.Sprintf("v0/can-i-deploy?service=%s&version=%s&role=%s&environment=%s",
		url.QueryEscape(service), url.QueryEscape(version), url.QueryEscape(role), url.QueryEscape(environment))
	var resp Decision
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ProposeFixture drafts a fixture.
func (c *Client) ProposeFixture(ctx context.Context, service, operation, dataJSON, source string) (Fixture, error) {
	body := map[string]any{
		"service":   service,
		"operation": operation,
		"data_json": dataJSON,
		"source":    source,
	}
	var resp Fixture
	err := c.do(ctx, http.MethodPost, "v0/fixtures", body, &resp)
	return resp, err
}

// ApprovedFixtures lists approved fixtures for an operation, best first.
func (c *Client) ApprovedFixtures(ctx context.Context, service, operation string) ([]Fixture, error) {
	endpoint := fmt.Sprintf("v0/fixtures?service=%s&operation=%s&status=approved",
		url.QueryEscape(service), url.QueryEscape(operation))
	var resp []Fixture
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
