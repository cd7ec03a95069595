package stagelinesdk

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

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	RunID           string `json:"run_id,omitempty"`
	ParentTaskID    string `json:"parent_task_id,omitempty"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	PipelineStage   string `json:"pipeline_stage"`
	ClaimsTotal     int    `json:"claims_total"`
	ClaimsValidated int    `json:"claims_validated"`
	ClaimsFailed    int    `json:"claims_failed"`
}

// WorkCycle represents a ledger entry. Details is the raw JSON document the
// reporting agent attached, if any.
type WorkCycle struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"project_id"`
	RunID     string  `json:"run_id,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
	Stage     string  `json:"stage"`
	Status    string  `json:"status"`
	ActorID   string  `json:"actor_id"`
	Summary   string  `json:"summary,omitempty"`
	Details   *string `json:"details,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// Report is the acknowledgement returned after submitting an agent report.
type Report struct {
	WorkCycle WorkCycle `json:"work_cycle"`
	UnitKind  string    `json:"unit_kind"`
	UnitID    string    `json:"unit_id"`
	State     string    `json:"state"`
}

// Event represents a diary entry. Payload is the raw JSON document the
// server recorded.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// DirectorSettings mirrors the director configuration resource.
type DirectorSettings struct {
	Enabled              bool   `json:"enabled"`
	EnforceTDD           bool   `json:"enforce_tdd"`
	EnforceNoDuplication bool   `json:"enforce_no_duplication"`
	EnforceSecurity      bool   `json:"enforce_security"`
	PollIntervalSeconds  int    `json:"poll_interval_seconds"`
	VisionModel          string `json:"vision_model,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun creates a run at the initial pipeline state.
func (c *Client) CreateRun(ctx context.Context, name string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), map[string]any{"name": name}, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.projectPath("runs/"+url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// ListRuns lists the project's runs.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, c.projectPath("runs"), nil, &resp)
	return resp, err
}

// SubmitRunReport records an agent report against a run's current state.
func (c *Client) SubmitRunReport(ctx context.Context, runID, role, status, summary string, details map[string]any) (Report, error) {
	body := map[string]any{
		"role":    role,
		"status":  status,
		"summary": summary,
	}
	if details != nil {
		body["details"] = details
	}
	var resp Report
	endpoint := c.projectPath(fmt.Sprintf("runs/%s/reports", url.PathEscape(runID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AdvanceRun consumes the latest report and moves the run forward.
func (c *Client) AdvanceRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	endpoint := c.projectPath(fmt.Sprintf("runs/%s/advance", url.PathEscape(runID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RetryRun moves a run from a failed gate back to its originating stage.
func (c *Client) RetryRun(ctx context.Context, runID, role string) (Run, error) {
	var resp Run
	endpoint := c.projectPath(fmt.Sprintf("runs/%s/retry", url.PathEscape(runID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"role": role}, &resp)
	return resp, err
}

// ApproveDeploy completes a run waiting at READY_FOR_DEPLOY.
func (c *Client) ApproveDeploy(ctx context.Context, runID string) (Run, error) {
	var resp Run
	endpoint := c.projectPath(fmt.Sprintf("runs/%s/approve-deploy", url.PathEscape(runID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RunWorkCycles returns a run's ledger history, newest first.
func (c *Client) RunWorkCycles(ctx context.Context, runID string, limit int) ([]WorkCycle, error) {
	var resp []WorkCycle
	endpoint := c.projectPath(fmt.Sprintf("runs/%s/work-cycles", url.PathEscape(runID)))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task, optionally attached to a run or a parent task.
func (c *Client) CreateTask(ctx context.Context, title string, opts map[string]any) (Task, error) {
	body := map[string]any{"title": title}
	for k, v := range opts {
		body[k] = v
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks/"+url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// ListTasks lists tasks matching the given filters (status, run_id, parent_task_id).
func (c *Client) ListTasks(ctx context.Context, filters map[string]string) ([]Task, error) {
	endpoint := c.projectPath("tasks")
	if len(filters) > 0 {
		q := url.Values{}
		for k, v := range filters {
			if v != "" {
				q.Set(k, v)
			}
		}
		if enc := q.Encode(); enc != "" {
			endpoint = endpoint + "?" + enc
		}
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitTaskReport records an agent report against a task's pipeline stage.
func (c *Client) SubmitTaskReport(ctx context.Context, taskID, role, status, summary string, details map[string]any) (Report, error) {
	body := map[string]any{
		"role":    role,
		"status":  status,
		"summary": summary,
	}
	if details != nil {
		body["details"] = details
	}
	var resp Report
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/reports", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AdvanceTask consumes the latest report and moves the task forward.
func (c *Client) AdvanceTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/advance", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RetryTask moves a task from a failed gate back to its originating stage.
func (c *Client) RetryTask(ctx context.Context, taskID, role string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/retry", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"role": role}, &resp)
	return resp, err
}

// ExecuteTask marks a pending task as picked up.
func (c *Client) ExecuteTask(ctx context.Context, taskID string) error {
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/execute", url.PathEscape(taskID)))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// RegisterClaim registers claimTaskID as a claim on parentTaskID.
func (c *Client) RegisterClaim(ctx context.Context, parentTaskID, claimTaskID string) error {
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/claims", url.PathEscape(parentTaskID)))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"claim_task_id": claimTaskID}, nil)
}

// TaskWorkCycles returns a task's ledger history, newest first.
func (c *Client) TaskWorkCycles(ctx context.Context, taskID string, limit int) ([]WorkCycle, error) {
	var resp []WorkCycle
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/work-cycles", url.PathEscape(taskID)))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent diary events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DirectorSettings fetches the director configuration.
func (c *Client) DirectorSettings(ctx context.Context) (DirectorSettings, error) {
	var resp DirectorSettings
	err := c.do(ctx, http.MethodGet, "v0/director/settings", nil, &resp)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
