package stagegatesdk

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

// Client is a minimal Stagegate HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
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

// Stage represents the API stage model (partial).
type Stage struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	RevisionNumber int    `json:"revision_number"`
}

// SubTopic represents a subtopic under a stage.
type SubTopic struct {
	ID      string `json:"id"`
	StageID string `json:"stage_id"`
	Name    string `json:"name"`
}

// Checkpoint represents a checkpoint with both response sides.
type Checkpoint struct {
	ID               string   `json:"id"`
	SubTopicID       string   `json:"subtopic_id"`
	Question         string   `json:"question"`
	CurrentStatus    string   `json:"current_status"`
	ExecutorResponse Response `json:"executor_response"`
	ReviewerResponse Response `json:"reviewer_response"`
}

// Response is one side of a checkpoint answer pair.
type Response struct {
	Answer      *bool      `json:"answer"`
	Remark      string     `json:"remark,omitempty"`
	Images      []ImageRef `json:"images,omitempty"`
	RespondedBy string     `json:"responded_by,omitempty"`
}

// ImageRef points at stored image bytes.
type ImageRef struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
}

// LedgerEntry is one review pass frozen into history.
type LedgerEntry struct {
	ID           string `json:"id"`
	CheckpointID string `json:"checkpoint_id"`
	Iteration    int    `json:"iteration"`
	Outcome      string `json:"outcome"`
	ExecutorID   string `json:"executor_id"`
	ReviewerID   string `json:"reviewer_id"`
	CreatedAt    string `json:"created_at"`
}

// Decision is the result of deciding a stage review.
type Decision struct {
	Stage   Stage         `json:"stage"`
	Entries []LedgerEntry `json:"entries"`
}

// Event represents a log entry. The payload arrives on the wire as a
// JSON-encoded string; PayloadMap decodes it on demand.
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

// PayloadMap decodes the event payload. An empty payload yields an
// empty map.
func (e Event) PayloadMap() (map[string]any, error) {
	m := map[string]any{}
	if e.Payload == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(e.Payload), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateStage creates a stage in the client's project.
func (c *Client) CreateStage(ctx context.Context, name, description string) (Stage, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp Stage
	err := c.do(ctx, http.MethodPost, c.projectPath("stages"), body, &resp)
	return resp, err
}

// CreateSubTopic creates a subtopic under a stage.
func (c *Client) CreateSubTopic(ctx context.Context, stageID, name string) (SubTopic, error) {
	body := map[string]any{"name": name}
	var resp SubTopic
	endpoint := fmt.Sprintf("v0/stages/%s/subtopics", url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateCheckpoint creates a checkpoint under a subtopic.
func (c *Client) CreateCheckpoint(ctx context.Context, subTopicID, question string) (Checkpoint, error) {
	body := map[string]any{"question": question}
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/subtopics/%s/checkpoints", url.PathEscape(subTopicID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordResponse updates the executor or reviewer side of a checkpoint.
// Side must be "executor" or "reviewer"; nil fields are left untouched.
func (c *Client) RecordResponse(ctx context.Context, checkpointID, side string, answer *bool, remark *string) (Checkpoint, error) {
	body := map[string]any{}
	if answer != nil {
		body["answer"] = *answer
	}
	if remark != nil {
		body["remark"] = *remark
	}
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/checkpoints/%s/%s-response", url.PathEscape(checkpointID), side)
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// SubmitStage moves a stage into review.
func (c *Client) SubmitStage(ctx context.Context, stageID string) (Stage, error) {
	var resp Stage
	endpoint := fmt.Sprintf("v0/stages/%s/submit", url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DecideStage records a review decision; targetStatus is DRAFT or COMPLETED.
func (c *Client) DecideStage(ctx context.Context, stageID, targetStatus string) (Decision, error) {
	body := map[string]any{"target_status": targetStatus}
	var resp Decision
	endpoint := fmt.Sprintf("v0/stages/%s/decision", url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CheckpointHistory returns the ledger for a checkpoint, oldest first.
func (c *Client) CheckpointHistory(ctx context.Context, checkpointID string) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	endpoint := fmt.Sprintf("v0/checkpoints/%s/history", url.PathEscape(checkpointID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events for the client's project.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddMembership adds a user to the project roster.
func (c *Client) AddMembership(ctx context.Context, userID, role string) error {
	body := map[string]any{
		"user_id": userID,
		"role":    role,
	}
	return c.do(ctx, http.MethodPost, c.projectPath("memberships"), body, nil)
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
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
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
