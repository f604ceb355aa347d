package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds outbound calls to the worker. Relay failures are
	// logged and swallowed by callers; nothing here blocks indefinitely.
	DefaultTimeout = 10 * time.Second
)

// Client handles all HTTP interactions with the external agent worker
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// Config holds configuration for the worker client
type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// NewClient creates a new agent worker client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &Client{
		baseURL: config.BaseURL,
		secret:  config.Secret,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// QueryRequest is the payload forwarded to the worker for execution
type QueryRequest struct {
	Prompt     string `json:"prompt"`
	SessionID  string `json:"session_id"`
	ChatID     uint   `json:"conversation_id"`
	OrgName    string `json:"org_name,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// QueryAck is the worker's synchronous acknowledgment of a forwarded query
type QueryAck struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SubmitQuery forwards a query to the worker for asynchronous execution
func (c *Client) SubmitQuery(ctx context.Context, req QueryRequest) (*QueryAck, error) {
	var ack QueryAck
	if err := c.post(ctx, c.baseURL+"/v1/queries", req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ApprovalDecision is the payload relayed to the worker's approval callback.
// The wire vocabulary is allow/deny, narrower than the stored
// approved/rejected status; DecisionFromStatus applies the mapping.
type ApprovalDecision struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"` // allow | deny
	Reason    string `json:"reason,omitempty"`
}

// SendApprovalDecision relays a human decision to the worker. callbackURL is
// the endpoint the worker supplied when it requested approval; when empty the
// worker's default approval-callback endpoint is used.
func (c *Client) SendApprovalDecision(ctx context.Context, callbackURL string, decision ApprovalDecision) error {
	url := callbackURL
	if url == "" {
		url = c.baseURL + "/v1/approvals/callback"
	}
	return c.post(ctx, url, decision, nil)
}

// EvaluateTurn is one turn of context for the completeness evaluation
type EvaluateTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EvaluateRequest asks the worker to judge whether a conversation is complete
type EvaluateRequest struct {
	SessionID string         `json:"session_id"`
	Turns     []EvaluateTurn `json:"turns"`
}

// EvaluateResponse is the worker's boolean-plus-confidence verdict
type EvaluateResponse struct {
	NeedsContinuation  bool    `json:"needs_continuation"`
	ContinuationPrompt string  `json:"continuation_prompt"`
	Confidence         float64 `json:"confidence"`
	Reasoning          string  `json:"reasoning"`
}

// EvaluateCompleteness asks the worker whether the last turns left the
// conversation incomplete
func (c *Client) EvaluateCompleteness(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	var resp EvaluateResponse
	if err := c.post(ctx, c.baseURL+"/v1/evaluate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode worker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Webhook-Secret", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode worker response: %w", err)
		}
	}

	return nil
}
