// Package resonance is a thin Go client for the negotiation REST API.
package resonance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"AgentResonance/pkg/sse"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streams ignore it.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the negotiation API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Submission is the payload that starts a negotiation.
type Submission struct {
	Intent string `json:"intent"`
	UserID string `json:"user_id"`
	Scope  string `json:"scope,omitempty"`
}

// Participant is one activated agent as seen by the client.
type Participant struct {
	AgentID        string  `json:"agent_id"`
	DisplayName    string  `json:"display_name"`
	ResonanceScore float64 `json:"resonance_score"`
	State          string  `json:"state"`
	OfferContent   string  `json:"offer_content,omitempty"`
	ExitReason     string  `json:"exit_reason,omitempty"`
}

// PlanParticipant is an agent named by a structured plan.
type PlanParticipant struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

// PlanTask is one task of a structured plan.
type PlanTask struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Plan is the structured outcome of a negotiation.
type Plan struct {
	Summary      string            `json:"summary"`
	Participants []PlanParticipant `json:"participants"`
	Tasks        []PlanTask        `json:"tasks"`
	Gaps         []string          `json:"gaps,omitempty"`
	Source       string            `json:"source"`
}

// Failure describes why a negotiation ended in ERROR.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	State   string `json:"state"`
}

// Negotiation is the server view of a session.
type Negotiation struct {
	NegotiationID    string        `json:"negotiation_id"`
	ParentID         string        `json:"parent_id,omitempty"`
	Depth            int           `json:"depth"`
	State            string        `json:"state"`
	Aborted          bool          `json:"aborted,omitempty"`
	Scope            string        `json:"scope"`
	AgentCount       int           `json:"agent_count"`
	SnapshotVersion  int           `json:"snapshot_version"`
	UserID           string        `json:"user_id"`
	DemandRaw        string        `json:"demand_raw"`
	DemandFormulated string        `json:"demand_formulated"`
	Degraded         bool          `json:"degraded"`
	DegradedReason   string        `json:"degraded_reason,omitempty"`
	Participants     []Participant `json:"participants"`
	ResonanceError   string        `json:"resonance_error,omitempty"`
	PlanOutput       string        `json:"plan_output,omitempty"`
	PlanJSON         *Plan         `json:"plan_json,omitempty"`
	PlanDigest       string        `json:"plan_digest,omitempty"`
	CenterRounds     int           `json:"center_rounds"`
	SubNegotiations  []string      `json:"sub_negotiations,omitempty"`
	Error            *Failure      `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Done reports whether the negotiation reached a terminal state.
func (n Negotiation) Done() bool {
	return n.State == "COMPLETED" || n.State == "ERROR"
}

// Event is one entry of the negotiation event stream.
type Event struct {
	ID        string          `json:"event_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"event_type"`
	SessionID string          `json:"negotiation_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Terminal reports whether no further events follow e for its session.
func (e Event) Terminal() bool {
	return e.Type == "plan.ready" || e.Type == "negotiation.failed"
}

// Agent is a directory entry.
type Agent struct {
	ID           string            `json:"agent_id"`
	DisplayName  string            `json:"display_name"`
	Summary      string            `json:"profile_summary"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Vector       []float32         `json:"vector,omitempty"`
	RegisteredAt time.Time         `json:"registered_at,omitempty"`
}

// AgentList is a scope snapshot returned by ListAgents.
type AgentList struct {
	Version int     `json:"version"`
	Scope   string  `json:"scope"`
	Agents  []Agent `json:"agents"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("resonance api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("resonance api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API rooted at rawURL. When
// httpClient is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Negotiate submits a demand. The returned view is usually still CREATED.
func (c *Client) Negotiate(ctx context.Context, submission Submission) (Negotiation, error) {
	var n Negotiation
	if err := c.post(ctx, "/api/v1/negotiate", submission, &n); err != nil {
		return Negotiation{}, err
	}
	return n, nil
}

// Get fetches a negotiation by identifier.
func (c *Client) Get(ctx context.Context, id string) (Negotiation, error) {
	var n Negotiation
	if err := c.get(ctx, "/api/v1/negotiate/"+url.PathEscape(id), nil, &n); err != nil {
		return Negotiation{}, err
	}
	return n, nil
}

// Confirm accepts the formulated demand. A non-empty text replaces it.
func (c *Client) Confirm(ctx context.Context, id, formulatedText string) (Negotiation, error) {
	body := map[string]string{}
	if formulatedText != "" {
		body["formulated_text"] = formulatedText
	}
	var n Negotiation
	if err := c.post(ctx, "/api/v1/negotiate/"+url.PathEscape(id)+"/confirm", body, &n); err != nil {
		return Negotiation{}, err
	}
	return n, nil
}

// RegisterAgent adds or replaces a directory entry.
func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (Agent, error) {
	var out Agent
	if err := c.post(ctx, "/api/v1/agents", agent, &out); err != nil {
		return Agent{}, err
	}
	return out, nil
}

// ListAgents returns the directory snapshot for scope. An empty scope lists
// every agent.
func (c *Client) ListAgents(ctx context.Context, scope string) (AgentList, error) {
	query := url.Values{}
	if scope != "" {
		query.Set("scope", scope)
	}
	var out AgentList
	if err := c.get(ctx, "/api/v1/agents", query, &out); err != nil {
		return AgentList{}, err
	}
	return out, nil
}

// Stream follows the SSE event stream of a negotiation, starting after the
// given sequence number, and calls fn for every event. It returns nil after
// a terminal event or when the server closes the stream.
func (c *Client) Stream(ctx context.Context, id string, after int64, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/negotiate/"+url.PathEscape(id)+"/events", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	}

	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	reader := sse.NewReader(resp.Body)
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if frame.Data == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}); err != nil {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
