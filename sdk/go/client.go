package marketlinesdk

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

// Client is a minimal Marketline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Assignment is the API assignment model (partial).
type Assignment struct {
	ID                  string     `json:"id"`
	TaskID              string     `json:"task_id"`
	ExecutorID          string     `json:"executor_id"`
	CustomerID          string     `json:"customer_id"`
	Status              string     `json:"status"`
	StartDeadlineAt     time.Time  `json:"start_deadline_at"`
	ExecutionDeadlineAt *time.Time `json:"execution_deadline_at"`
	PauseUsed           bool       `json:"pause_used"`
	PausedUntil         *time.Time `json:"paused_until"`
	Revision            int64      `json:"revision"`
	Changed             bool       `json:"changed"`
}

// Dispute is the API dispute model (partial).
type Dispute struct {
	ID                string     `json:"id"`
	TaskID            string     `json:"task_id"`
	ExecutorID        string     `json:"executor_id"`
	CustomerID        string     `json:"customer_id"`
	Status            string     `json:"status"`
	AssignedArbiterID string     `json:"assigned_arbiter_id"`
	Version           int64      `json:"version"`
	SLADueAt          *time.Time `json:"sla_due_at"`
	Decision          string     `json:"decision"`
	ExecutorAmount    int64      `json:"executor_amount"`
	CustomerAmount    int64      `json:"customer_amount"`
	Changed           bool       `json:"changed"`
}

// Decision carries an arbiter's locked outcome.
type Decision struct {
	Version        int64           `json:"version"`
	Decision       string          `json:"decision"`
	Comment        string          `json:"comment"`
	Checklist      map[string]bool `json:"checklist"`
	ExecutorAmount int64           `json:"executor_amount,omitempty"`
	CustomerAmount int64           `json:"customer_amount,omitempty"`
}

// Eligibility reports whether an executor may respond to tasks.
type Eligibility struct {
	ExecutorID  string `json:"executor_id"`
	CanRespond  bool   `json:"can_respond"`
	RatingDelta int    `json:"rating_delta_percent"`
	Restriction struct {
		AccountStatus       string     `json:"account_status"`
		RespondBlockedUntil *time.Time `json:"respond_blocked_until"`
	} `json:"restriction"`
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	At    time.Time `json:"at"`
	Steps []struct {
		Name     string `json:"name"`
		Checked  int    `json:"checked"`
		Repaired int    `json:"repaired"`
		Failed   int    `json:"failed"`
	} `json:"steps"`
	Failures []struct {
		Step  string `json:"step"`
		Key   string `json:"key"`
		Error string `json:"error"`
	} `json:"failures"`
}

// Repaired returns the repaired count of the named step.
func (r ReconcileReport) Repaired(step string) int {
	for _, s := range r.Steps {
		if s.Name == step {
			return s.Repaired
		}
	}
	return 0
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

// Assign selects an executor for a task and freezes the payment.
func (c *Client) Assign(ctx context.Context, taskID, executorID string, amount int64) (Assignment, error) {
	body := map[string]any{
		"task_id":     taskID,
		"executor_id": executorID,
		"amount":      amount,
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v1/assignments", body, &resp)
	return resp, err
}

// Assignment fetches one assignment.
func (c *Client) Assignment(ctx context.Context, taskID, executorID string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, assignmentPath(taskID, executorID, ""), nil, &resp)
	return resp, err
}

// Act runs a lifecycle action such as start, pause-request, submit or accept.
// Optional fields are reason_id, duration_minutes and files.
func (c *Client) Act(ctx context.Context, taskID, executorID, action string, fields map[string]any) (Assignment, error) {
	var body any
	if fields != nil {
		body = fields
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, assignmentPath(taskID, executorID, action), body, &resp)
	return resp, err
}

// OpenDispute opens a dispute on an assignment.
func (c *Client) OpenDispute(ctx context.Context, taskID, executorID, reason string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, assignmentPath(taskID, executorID, "disputes"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Dispute fetches a dispute by id.
func (c *Client) Dispute(ctx context.Context, id string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodGet, disputePath(id, ""), nil, &resp)
	return resp, err
}

// Disputes lists disputes, optionally filtered by status.
func (c *Client) Disputes(ctx context.Context, statuses ...string) ([]Dispute, error) {
	endpoint := "v1/disputes"
	if len(statuses) > 0 {
		endpoint += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var resp struct {
		Items []Dispute `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// TakeDispute claims a dispute at the expected version.
func (c *Client) TakeDispute(ctx context.Context, id string, version int64) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, disputePath(id, "take"), map[string]any{"version": version}, &resp)
	return resp, err
}

// RequestInfo asks the parties for more information.
func (c *Client) RequestInfo(ctx context.Context, id string, version int64) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, disputePath(id, "request-info"), map[string]any{"version": version}, &resp)
	return resp, err
}

// Decide locks the decision and settles the escrow.
func (c *Client) Decide(ctx context.Context, id string, d Decision) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, disputePath(id, "decide"), d, &resp)
	return resp, err
}

// CloseDispute closes a decided dispute.
func (c *Client) CloseDispute(ctx context.Context, id string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, disputePath(id, "close"), nil, &resp)
	return resp, err
}

// Level returns the sanction level of one violation type.
func (c *Client) Level(ctx context.Context, executorID, violationType string) (int, error) {
	var resp struct {
		Level int `json:"level"`
	}
	endpoint := fmt.Sprintf("v1/executors/%s/level?type=%s", url.PathEscape(executorID), url.QueryEscape(violationType))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Level, err
}

// CanRespond reports the executor's eligibility.
func (c *Client) CanRespond(ctx context.Context, executorID string) (Eligibility, error) {
	var resp Eligibility
	endpoint := fmt.Sprintf("v1/executors/%s/can-respond", url.PathEscape(executorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reconcile triggers a sweep and waits for its report.
func (c *Client) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var resp ReconcileReport
	err := c.do(ctx, http.MethodPost, "v1/reconciliations", nil, &resp)
	return resp, err
}

func assignmentPath(taskID, executorID, action string) string {
	p := fmt.Sprintf("v1/assignments/%s/%s", url.PathEscape(taskID), url.PathEscape(executorID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func disputePath(id, action string) string {
	p := "v1/disputes/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
