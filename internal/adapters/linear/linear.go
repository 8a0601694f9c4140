// Package linear implements ports.IssueTracker against the Linear GraphQL
// API. It is one of two concrete IssueTracker backends the core can be
// wired to (the other is internal/adapters/github); the dispatch engine
// itself never speaks either protocol.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/retry"
)

// Client is a typed Linear API client using GraphQL over net/http.
type Client struct {
	apiKey       string
	httpClient   *http.Client
	endpoint     string
	retryBackoff []time.Duration

	mu         sync.Mutex
	issueByKey map[string]string // dispatch identifier -> Linear issue UUID, for EmitActivity
}

// New creates a new Linear GraphQL client. Use WithEndpoint to override the
// default Linear API URL (useful for testing).
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		endpoint:   "https://api.linear.app/graphql",
		issueByKey: make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint URL.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retryBackoff = delays }
}

// graphqlRequest is the JSON body sent to the GraphQL endpoint.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the top-level JSON wrapper from the GraphQL endpoint.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// graphqlError represents a single GraphQL error.
type graphqlError struct {
	Message    string        `json:"message"`
	Extensions graphqlErrExt `json:"extensions,omitempty"`
}

type graphqlErrExt struct {
	Code string `json:"code,omitempty"`
}

func (e graphqlError) detail() string {
	if e.Extensions.Code == "" {
		return e.Message
	}
	return e.Message + " [" + e.Extensions.Code + "]"
}

// execute sends a GraphQL request and returns the raw data payload. It
// retries on transient errors (HTTP 5xx, network errors) with exponential
// backoff, using the core's shared retry package.
func (c *Client) execute(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.DoVal(ctx, func() (json.RawMessage, error) {
		return c.executeOnce(ctx, query, vars)
	}, opts...)
}

func (c *Client) executeOnce(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("linear API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("linear API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decoding response: %w", err))
	}

	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, len(gqlResp.Errors))
		for i, e := range gqlResp.Errors {
			msgs[i] = e.detail()
		}
		return nil, retry.Permanent(fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
	}

	return gqlResp.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// issueNode is the GraphQL response shape for an issue plus its comments.
type issueNode struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Comments    struct {
		Nodes []commentNode `json:"nodes"`
	} `json:"comments"`
}

type commentNode struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
	User      struct {
		Name string `json:"name"`
	} `json:"user"`
}

// FetchIssue implements ports.IssueTracker. It fetches the issue body and
// its comments in one GraphQL round trip and flattens the comments into a
// chronologically-sorted preview string, since the core only ever needs a
// preview, never the structured comment list.
func (c *Client) FetchIssue(ctx context.Context, issueID string) (ports.IssueContext, error) {
	const query = `query($issueID: String!) {
  issue(id: $issueID) {
    id
    identifier
    title
    description
    comments {
      nodes { id body createdAt user { name } }
    }
  }
}`
	data, err := c.execute(ctx, query, map[string]any{"issueID": issueID})
	if err != nil {
		return ports.IssueContext{}, fmt.Errorf("fetching issue %s: %w", issueID, err)
	}

	var result struct {
		Issue issueNode `json:"issue"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return ports.IssueContext{}, fmt.Errorf("decoding issue %s: %w", issueID, err)
	}

	nodes := append([]commentNode(nil), result.Issue.Comments.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].CreatedAt < nodes[j].CreatedAt })

	var preview strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&preview, "%s: %s\n", n.User.Name, truncate(n.Body, 280))
	}

	c.mu.Lock()
	c.issueByKey[result.Issue.Identifier] = result.Issue.ID
	c.mu.Unlock()

	return ports.IssueContext{
		ID:              result.Issue.ID,
		Identifier:      result.Issue.Identifier,
		Title:           result.Issue.Title,
		Description:     result.Issue.Description,
		CommentsPreview: preview.String(),
	}, nil
}

// PostComment implements ports.IssueTracker.
func (c *Client) PostComment(ctx context.Context, issueID, markdown string) error {
	const query = `mutation($issueID: String!, $body: String!) {
  commentCreate(input: { issueId: $issueID, body: $body }) {
    success
  }
}`
	data, err := c.execute(ctx, query, map[string]any{"issueID": issueID, "body": markdown})
	if err != nil {
		return fmt.Errorf("posting comment on %s: %w", issueID, err)
	}

	var result struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decoding post-comment response for %s: %w", issueID, err)
	}
	if !result.CommentCreate.Success {
		return fmt.Errorf("linear reported comment creation as unsuccessful for %s", issueID)
	}
	return nil
}

// EmitActivity implements ports.IssueTracker. Linear has no dedicated
// activity-stream API, so streamed agent activity is rendered as a single
// italicized comment line; the session key is resolved back to the issue
// it belongs to via the cache FetchIssue populates, since EmitActivity's
// sessionID does not carry the issue ID itself.
func (c *Client) EmitActivity(ctx context.Context, sessionID string, activity ports.Activity) error {
	identifier, _, ok := ports.ParseSessionKey(sessionID)
	if !ok {
		return fmt.Errorf("emitting activity: session key %q is not parseable", sessionID)
	}

	c.mu.Lock()
	issueID, ok := c.issueByKey[identifier]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("emitting activity: no cached issue for %s (FetchIssue must run first)", identifier)
	}

	var body string
	switch activity.Type {
	case "thought":
		body = fmt.Sprintf("_thinking:_ %s", activity.Body)
	default:
		body = fmt.Sprintf("_ran `%s`:_ %s", activity.Action, activity.Parameter)
	}
	return c.PostComment(ctx, issueID, body)
}
