// Package github implements ports.IssueTracker against GitHub Issues,
// authenticated as a GitHub App installation. It is one of two concrete
// IssueTracker backends the core can be wired to (the other is
// internal/adapters/linear); the dispatch engine itself never speaks
// either protocol.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v68/github"
	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/retry"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
)

// Client is a typed GitHub API client wrapping go-github, scoped to a
// single owner/repo pair: every dispatch's IssueID is that repo's issue
// number, formatted as a string.
type Client struct {
	gh           *gh.Client
	owner        string
	repo         string
	retryBackoff []time.Duration

	mu          sync.Mutex
	numberByKey map[string]int // dispatch identifier -> issue number, for EmitActivity
}

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a new GitHub-backed IssueTracker for owner/repo.
func New(owner, repo string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.app == nil {
		return nil, errors.New("github adapter requires WithAppAuth")
	}

	httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
	}
	client := gh.NewClient(httpClient)
	if cfg.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}

	return &Client{gh: client, owner: owner, repo: repo, retryBackoff: cfg.retryBackoff, numberByKey: make(map[string]int)}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{clientID: app.ClientID, method: jwt.SigningMethodRS256, key: key}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused — our signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx), and leaves it retryable for server errors (5xx) and network errors.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func issueNumber(issueID string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(issueID, "%d", &n); err != nil {
		return 0, fmt.Errorf("issueID %q is not a GitHub issue number: %w", issueID, err)
	}
	return n, nil
}

// FetchIssue implements ports.IssueTracker.
func (c *Client) FetchIssue(ctx context.Context, issueID string) (ports.IssueContext, error) {
	number, err := issueNumber(issueID)
	if err != nil {
		return ports.IssueContext{}, err
	}

	issue, err := retry.DoVal(ctx, func() (*gh.Issue, error) {
		i, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
		return i, classifyErr(err)
	}, c.retryOpts()...)
	if err != nil {
		return ports.IssueContext{}, fmt.Errorf("fetching issue #%d: %w", number, err)
	}

	comments, err := c.fetchComments(ctx, number)
	if err != nil {
		return ports.IssueContext{}, fmt.Errorf("fetching comments for issue #%d: %w", number, err)
	}

	identifier := fmt.Sprintf("%s/%s#%d", c.owner, c.repo, number)
	c.mu.Lock()
	c.numberByKey[identifier] = number
	c.mu.Unlock()

	return ports.IssueContext{
		ID:              issueID,
		Identifier:      identifier,
		Title:           issue.GetTitle(),
		Description:     issue.GetBody(),
		CommentsPreview: comments,
	}, nil
}

func (c *Client) fetchComments(ctx context.Context, number int) (string, error) {
	type comment struct {
		user, body, createdAt string
	}
	var all []comment

	err := retry.Do(ctx, func() error {
		all = nil
		opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			cs, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
			if err != nil {
				return classifyErr(err)
			}
			for _, cm := range cs {
				all = append(all, comment{
					user:      cm.GetUser().GetLogin(),
					body:      cm.GetBody(),
					createdAt: cm.GetCreatedAt().Format(time.RFC3339),
				})
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	}, c.retryOpts()...)
	if err != nil {
		return "", err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].createdAt < all[j].createdAt })

	var preview strings.Builder
	for _, cm := range all {
		fmt.Fprintf(&preview, "%s: %s\n", cm.user, truncate(cm.body, 280))
	}
	return preview.String(), nil
}

// PostComment implements ports.IssueTracker.
func (c *Client) PostComment(ctx context.Context, issueID, markdown string) error {
	number, err := issueNumber(issueID)
	if err != nil {
		return err
	}
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{Body: gh.Ptr(markdown)})
		return classifyErr(err)
	}, c.retryOpts()...)
}

// EmitActivity implements ports.IssueTracker. GitHub Issues has no
// dedicated activity-stream API either, so streamed activity is rendered as
// an issue comment the same way internal/adapters/linear does; the session
// key is resolved back to an issue number via the cache FetchIssue
// populates.
func (c *Client) EmitActivity(ctx context.Context, sessionID string, activity ports.Activity) error {
	identifier, _, ok := ports.ParseSessionKey(sessionID)
	if !ok {
		return fmt.Errorf("emitting activity: session key %q is not parseable", sessionID)
	}

	c.mu.Lock()
	number, ok := c.numberByKey[identifier]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("emitting activity: no cached issue number for %s (FetchIssue must run first)", identifier)
	}

	var body string
	switch activity.Type {
	case "thought":
		body = fmt.Sprintf("_thinking:_ %s", activity.Body)
	default:
		body = fmt.Sprintf("_ran `%s`:_ %s", activity.Action, activity.Parameter)
	}
	return c.PostComment(ctx, fmt.Sprintf("%d", number), body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
