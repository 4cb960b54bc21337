package linklinesdk

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

// Client is a minimal Linkline HTTP API client. Token is sent raw in the
// Authorization header; pass the result token for project and run calls and
// a party's update token for uploads.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 10 * time.Second,
	}
}

// NewProject carries the tokens minted at creation. They are only ever
// returned here.
type NewProject struct {
	ProjectID    string   `json:"project_id"`
	UpdateTokens []string `json:"update_tokens"`
	ResultToken  string   `json:"result_token"`
}

// ProjectDescription is the token-gated view of a project.
type ProjectDescription struct {
	ProjectID          string         `json:"project_id"`
	Name               string         `json:"name"`
	Notes              string         `json:"notes"`
	Schema             map[string]any `json:"schema"`
	ResultType         string         `json:"result_type"`
	NumberParties      int            `json:"number_parties"`
	PartiesContributed int            `json:"parties_contributed"`
	Error              bool           `json:"error"`
}

// StageProgress is progress within the current stage.
type StageProgress struct {
	Absolute int64   `json:"absolute"`
	Relative float64 `json:"relative"`
}

type CurrentStage struct {
	Number      int            `json:"number"`
	Description string         `json:"description,omitempty"`
	Progress    *StageProgress `json:"progress,omitempty"`
}

// RunStatus is the polling view of a run.
type RunStatus struct {
	State         string       `json:"state"`
	Stages        []string     `json:"stages"`
	TimeAdded     string       `json:"time_added"`
	TimeStarted   *string      `json:"time_started,omitempty"`
	TimeCompleted *string      `json:"time_completed,omitempty"`
	CurrentStage  CurrentStage `json:"current_stage"`
	Message       string       `json:"message,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project and returns its freshly minted tokens.
// Creation is unauthenticated; the returned tokens gate everything after.
func (c *Client) CreateProject(ctx context.Context, resultType string, numberParties int, schema map[string]any) (NewProject, error) {
	body := map[string]any{
		"result_type": resultType,
	}
	if numberParties > 0 {
		body["number_parties"] = numberParties
	}
	if schema != nil {
		body["schema"] = schema
	}
	var resp NewProject
	err := c.do(ctx, http.MethodPost, "projects", "", body, &resp)
	return resp, err
}

// DescribeProject fetches the project view using the client token.
func (c *Client) DescribeProject(ctx context.Context, projectID string) (ProjectDescription, error) {
	var resp ProjectDescription
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), c.Token, nil, &resp)
	return resp, err
}

// DeleteProject tombstones the project. The tokens stop working immediately.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(projectID, ""), c.Token, nil, nil)
}

// UploadCLKs posts one party's base64 encodings with its update token and
// returns the receipt token.
func (c *Client) UploadCLKs(ctx context.Context, projectID, updateToken string, clks []string) (string, error) {
	var resp struct {
		ReceiptToken string `json:"receipt_token"`
	}
	body := map[string]any{"clks": clks}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "clks"), updateToken, body, &resp)
	return resp.ReceiptToken, err
}

// CreateRun submits a comparison run at the given threshold.
func (c *Client) CreateRun(ctx context.Context, projectID string, threshold float64) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	body := map[string]any{"threshold": threshold}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "runs"), c.Token, body, &resp)
	return resp.RunID, err
}

// ListRuns returns the run ids of a project.
func (c *Client) ListRuns(ctx context.Context, projectID string) ([]string, error) {
	var resp []struct {
		RunID string `json:"run_id"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "runs"), c.Token, nil, &resp)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp))
	for _, r := range resp {
		ids = append(ids, r.RunID)
	}
	return ids, nil
}

// RunStatus fetches the current stage and progress of a run.
func (c *Client) RunStatus(ctx context.Context, projectID, runID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, c.runPath(projectID, runID, "status"), c.Token, nil, &resp)
	return resp, err
}

// RunResult fetches the run result. Before completion the body carries the
// run state and a message instead of the result payload.
func (c *Client) RunResult(ctx context.Context, projectID, runID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.runPath(projectID, runID, "result"), c.Token, nil, &resp)
	return resp, err
}

// WaitForRun polls status until the run reaches a terminal state.
func (c *Client) WaitForRun(ctx context.Context, projectID, runID string, interval time.Duration) (RunStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for {
		status, err := c.RunStatus(ctx, projectID, runID)
		if err != nil {
			return RunStatus{}, err
		}
		if status.State == "completed" || status.State == "error" {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body any, out any) error {
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
	if token != "" {
		req.Header.Set("Authorization", token)
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

func (c *Client) projectPath(projectID, p string) string {
	endpoint := fmt.Sprintf("projects/%s", url.PathEscape(projectID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) runPath(projectID, runID, p string) string {
	endpoint := fmt.Sprintf("projects/%s/runs/%s", url.PathEscape(projectID), url.PathEscape(runID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
