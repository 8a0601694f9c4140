package pipeline

import (
	"context"
	"fmt"

	"github.com/openclaw/dispatch/internal/dispatch/agentrun"
	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/store"
)

// TriggerAudit starts the audit phase. It has two entry points: a direct
// call from SpawnWorker on worker completion, and the hook adapter calling
// it when a worker completion event arrives out-of-band. Both paths land
// here with just (identifier, attempt, workerOutput) — the issue
// description is re-fetched from the tracker rather than threaded through,
// since the tracker is the source of truth for audit inputs.
func (p *Pipeline) TriggerAudit(ctx context.Context, identifier string, attempt int, workerOutput string) error {
	isNew, err := p.store.MarkEventProcessed(fmt.Sprintf("audit-trigger:%s:%d", identifier, attempt))
	if err != nil {
		return fmt.Errorf("marking audit-trigger processed for %s: %w", identifier, err)
	}
	if !isNew {
		return nil // duplicate worker-completion delivery; absorbed silently.
	}

	active, ok, err := p.activeDispatch(identifier)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("triggering audit for %s: not active", identifier)
	}

	key := auditSessionKey(identifier, attempt)
	patch := store.Patch{AuditSessionKey: &key}
	if err := p.store.Transition(identifier, store.StatusWorking, store.StatusAuditing, &patch); err != nil {
		return fmt.Errorf("triggering audit for %s: %w", identifier, err)
	}

	if err := p.store.RegisterSession(key, store.SessionMapping{DispatchID: identifier, Phase: store.PhaseAudit, Attempt: attempt}); err != nil {
		return fmt.Errorf("registering audit session for %s: %w", identifier, err)
	}
	if p.sessions != nil {
		p.sessions.Put(key, store.SessionMapping{DispatchID: identifier, Phase: store.PhaseAudit, Attempt: attempt})
	}

	issue, err := p.fetchIssueOrFallback(ctx, identifier, active.IssueID)

	p.notify(ctx, ports.NotifyAuditing, identifier, issue.Title, string(store.StatusAuditing), attempt, "", nil)

	message, err := p.prompts.Render(ports.PromptAudit, ports.PromptVars{
		Identifier:   identifier,
		Title:        issue.Title,
		Description:  issue.Description,
		WorktreePath: active.WorktreePath,
		Tier:         string(active.Tier),
		Attempt:      attempt,
	})
	if err != nil {
		return fmt.Errorf("rendering audit prompt for %s: %w", identifier, err)
	}

	result, runErr := p.runner.Run(ctx, agentrun.Input{
		AgentID:   "auditor",
		SessionID: key,
		Message:   message,
		Sink:      p.tracker,
	})

	switch {
	case runErr == nil && result.WatchdogKilled:
		p.notify(ctx, ports.NotifyWatchdogKill, identifier, issue.Title, string(store.StatusAuditing), attempt, "watchdog_kill_2x", nil)
		return p.escalate(ctx, identifier, issue.Title, store.StatusAuditing, "watchdog_kill_2x")
	case runErr != nil || !result.Success:
		p.logger.Warn("audit run failed", "identifier", identifier, "error", runErr)
		return p.escalate(ctx, identifier, issue.Title, store.StatusAuditing, "audit_run_failed")
	}

	if p.artifacts != nil {
		if _, err := p.artifacts.Save(identifier, "audit", attempt, result.Output); err != nil {
			p.logger.Warn("persisting audit artifact", "identifier", identifier, "error", err)
		}
	}

	return p.ProcessVerdict(ctx, identifier, attempt, result.Output)
}

// fetchIssueOrFallback fetches fresh issue context for building prompts; on
// failure it falls back to an IssueContext carrying only the identifier, so
// the pipeline can still proceed; tracker failures are logged, not fatal.
func (p *Pipeline) fetchIssueOrFallback(ctx context.Context, identifier, issueID string) (ports.IssueContext, error) {
	if p.tracker == nil {
		return ports.IssueContext{ID: issueID, Identifier: identifier}, nil
	}
	issue, err := p.tracker.FetchIssue(ctx, issueID)
	if err != nil {
		p.logger.Warn("fetching issue for audit prompt", "identifier", identifier, "error", err)
		return ports.IssueContext{ID: issueID, Identifier: identifier}, err
	}
	return issue, nil
}
