// Package pipeline implements the worker -> audit -> verdict ->
// rework-or-escalate flow. The audit phase is triggered exclusively by
// this package; it never depends on the worker agent's own decisions.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/agentrun"
	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/sessions"
	"github.com/openclaw/dispatch/internal/dispatch/store"
)

const defaultMaxReworkAttempts = 2

// ArtifactStore persists the opaque worker/audit output recorded after
// each successful run.
type ArtifactStore interface {
	Save(identifier, phase string, attempt int, content string) (path string, err error)
}

// Clock is injected so tests can control "now" without sleeping.
type Clock func() time.Time

// Config holds the pipeline's external ports plus its own tunables.
type Config struct {
	Store     *store.Store
	Sessions  *sessions.Registry
	Tracker   ports.IssueTracker
	Runner    *agentrun.Wrapper
	Notifier  ports.Notifier
	Prompts   ports.PromptBuilder
	Artifacts ArtifactStore // optional; nil disables artifact persistence
	History   History       // optional; nil disables the completed-dispatch archive
	// MaxReworkAttempts caps how many times a failed audit sends the
	// dispatch back to the worker. 0 disables rework entirely; negative
	// values select the default of 2.
	MaxReworkAttempts int
	// CompleteOnStuck selects the deployment policy for terminal failure:
	// when true, a dispatch that exhausts its rework attempts is moved to
	// the completed table as failed; when false it stays active as stuck
	// for a human to pick up.
	CompleteOnStuck bool
	Now             Clock // default time.Now
	Logger          *slog.Logger
}

// History receives a copy of every CompletedDispatch the pipeline commits,
// so operators keep reporting data after retention pruning deletes the JSON
// record. Failures are logged, never propagated: the JSON store stays the
// sole source of truth.
type History interface {
	RecordCompleted(dispatch store.CompletedDispatch) error
}

// Pipeline is the four-phase controller: Worker, Audit, Verdict,
// Rework-or-Escalate.
type Pipeline struct {
	store             *store.Store
	sessions          *sessions.Registry
	tracker           ports.IssueTracker
	runner            *agentrun.Wrapper
	notifier          ports.Notifier
	prompts           ports.PromptBuilder
	artifacts         ArtifactStore
	history           History
	maxReworkAttempts int
	completeOnStuck   bool
	now               Clock
	logger            *slog.Logger
}

// New constructs a Pipeline from cfg, applying defaults for
// MaxReworkAttempts, Now, and Logger.
func New(cfg Config) *Pipeline {
	maxRework := cfg.MaxReworkAttempts
	if maxRework < 0 {
		maxRework = defaultMaxReworkAttempts
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:             cfg.Store,
		sessions:          cfg.Sessions,
		tracker:           cfg.Tracker,
		runner:            cfg.Runner,
		notifier:          cfg.Notifier,
		prompts:           cfg.Prompts,
		artifacts:         cfg.Artifacts,
		history:           cfg.History,
		maxReworkAttempts: maxRework,
		completeOnStuck:   cfg.CompleteOnStuck,
		now:               now,
		logger:            logger,
	}
}

// recordHistory mirrors a committed CompletedDispatch into the archive,
// logging (never propagating) failures.
func (p *Pipeline) recordHistory(completed store.CompletedDispatch) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordCompleted(completed); err != nil {
		p.logger.Warn("recording completed dispatch in history", "identifier", completed.IssueIdentifier, "error", err)
	}
}

func workerSessionKey(identifier string, attempt int) string {
	return fmt.Sprintf("linear-worker-%s-%d", identifier, attempt)
}

func auditSessionKey(identifier string, attempt int) string {
	return fmt.Sprintf("linear-audit-%s-%d", identifier, attempt)
}

// Dispatch registers a new ActiveDispatch and starts its first worker run.
func (p *Pipeline) Dispatch(ctx context.Context, draft store.ActiveDispatch, issue ports.IssueContext) error {
	if err := p.store.Register(issue.Identifier, draft, p.now()); err != nil {
		return fmt.Errorf("registering dispatch %s: %w", issue.Identifier, err)
	}
	p.notify(ctx, ports.NotifyDispatch, issue.Identifier, issue.Title, string(store.StatusDispatched), 0, "", nil)
	return p.SpawnWorker(ctx, issue, nil)
}

// notify sends a notification and logs (never propagates) a failure.
// Notification problems must not affect dispatch state.
func (p *Pipeline) notify(ctx context.Context, kind ports.NotifyKind, identifier, title, status string, attempt int, reason string, verdict *ports.VerdictSummary) {
	if p.notifier == nil {
		return
	}
	payload := ports.NotifyPayload{
		Identifier: identifier,
		Title:      title,
		Status:     status,
		Attempt:    attempt,
		Reason:     reason,
		Verdict:    verdict,
	}
	if err := p.notifier.Notify(ctx, kind, payload); err != nil {
		p.logger.Warn("notify failed", "kind", kind, "identifier", identifier, "error", err)
	}
}

// postComment posts a tracker comment and logs (never propagates) a
// failure. A verdict that is already persisted stays persisted even when
// the comment announcing it cannot be delivered.
func (p *Pipeline) postComment(ctx context.Context, issueID, body string) {
	if p.tracker == nil {
		return
	}
	if err := p.tracker.PostComment(ctx, issueID, body); err != nil {
		p.logger.Warn("posting comment failed", "issue_id", issueID, "error", err)
	}
}
