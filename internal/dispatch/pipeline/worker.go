package pipeline

import (
	"context"
	"fmt"

	"github.com/openclaw/dispatch/internal/dispatch/agentrun"
	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/store"
)

// SpawnWorker runs one worker attempt. It is called directly for a fresh
// dispatch (gaps == nil) and re-invoked from the rework branch of
// ProcessVerdict (gaps != nil, attempt already advanced and the record
// already moved auditing -> working by the caller's own CAS).
func (p *Pipeline) SpawnWorker(ctx context.Context, issue ports.IssueContext, gaps []string) error {
	identifier := issue.Identifier

	active, ok, err := p.activeDispatch(identifier)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("spawning worker for %s: not active", identifier)
	}

	attempt := active.Attempt
	key := workerSessionKey(identifier, attempt)

	if gaps == nil {
		// Fresh dispatch: the CAS into "working" and the session-key patch
		// happen together.
		patch := store.Patch{WorkerSessionKey: &key}
		if err := p.store.Transition(identifier, store.StatusDispatched, store.StatusWorking, &patch); err != nil {
			return fmt.Errorf("spawning worker for %s: %w", identifier, err)
		}
	} else {
		// Rework: ProcessVerdict already performed the auditing -> working
		// CAS; here we only need to record the new worker session key.
		patch := store.Patch{WorkerSessionKey: &key}
		if err := p.store.PatchActive(identifier, store.StatusWorking, patch); err != nil {
			return fmt.Errorf("recording rework worker session for %s: %w", identifier, err)
		}
	}

	if err := p.store.RegisterSession(key, store.SessionMapping{DispatchID: identifier, Phase: store.PhaseWorker, Attempt: attempt}); err != nil {
		return fmt.Errorf("registering worker session for %s: %w", identifier, err)
	}
	if p.sessions != nil {
		p.sessions.Put(key, store.SessionMapping{DispatchID: identifier, Phase: store.PhaseWorker, Attempt: attempt})
	}

	p.notify(ctx, ports.NotifyWorking, identifier, issue.Title, string(store.StatusWorking), attempt, "", nil)

	section := ports.PromptWorker
	if gaps != nil {
		section = ports.PromptRework
	}
	message, err := p.prompts.Render(section, ports.PromptVars{
		Identifier:   identifier,
		Title:        issue.Title,
		Description:  issue.Description,
		WorktreePath: active.WorktreePath,
		Tier:         string(active.Tier),
		Attempt:      attempt,
		Gaps:         gaps,
	})
	if err != nil {
		return fmt.Errorf("rendering worker prompt for %s: %w", identifier, err)
	}

	result, runErr := p.runner.Run(ctx, agentrun.Input{
		AgentID:   "worker",
		SessionID: key,
		Message:   message,
		Sink:      p.tracker,
	})

	switch {
	case runErr == nil && result.WatchdogKilled:
		p.notify(ctx, ports.NotifyWatchdogKill, identifier, issue.Title, string(store.StatusWorking), attempt, "watchdog_kill_2x", nil)
		return p.escalate(ctx, identifier, issue.Title, store.StatusWorking, "watchdog_kill_2x")
	case runErr != nil || !result.Success:
		p.logger.Warn("worker run failed", "identifier", identifier, "error", runErr)
		return p.escalate(ctx, identifier, issue.Title, store.StatusWorking, "worker_failed")
	}

	if p.artifacts != nil {
		if _, err := p.artifacts.Save(identifier, "worker", attempt, result.Output); err != nil {
			p.logger.Warn("persisting worker artifact", "identifier", identifier, "error", err)
		}
	}

	return p.TriggerAudit(ctx, identifier, attempt, result.Output)
}

// activeDispatch reads identifier's current ActiveDispatch record.
func (p *Pipeline) activeDispatch(identifier string) (store.ActiveDispatch, bool, error) {
	st, err := p.store.Read()
	if err != nil {
		return store.ActiveDispatch{}, false, fmt.Errorf("reading state for %s: %w", identifier, err)
	}
	d, ok := st.Dispatches.Active[identifier]
	return d, ok, nil
}

// escalate moves identifier to stuck with the given reason, posts an
// escalation comment, and emits an escalation notification. The worker- and
// audit-run failure branches funnel through here, so each such failure
// produces exactly one comment and one escalation notification; the
// exhausted-rework branch (exhaustVerdict) posts its own.
func (p *Pipeline) escalate(ctx context.Context, identifier, title string, from store.Status, reason string) error {
	patch := store.Patch{StuckReason: &reason}
	if err := p.store.Transition(identifier, from, store.StatusStuck, &patch); err != nil {
		p.logger.Warn("escalating to stuck", "identifier", identifier, "error", err)
	}

	active, ok, _ := p.activeDispatch(identifier)
	issueID := identifier
	if ok {
		issueID = active.IssueID
	}

	p.postComment(ctx, issueID, escalationComment(identifier, reason))
	p.notify(ctx, ports.NotifyEscalation, identifier, title, string(store.StatusStuck), 0, reason, nil)
	return nil
}

func escalationComment(identifier, reason string) string {
	return fmt.Sprintf(
		"**%s is stuck and needs human attention.**\n\nReason: `%s`\n\nThe dispatch engine has stopped retrying automatically. Please review the worktree and resolve the issue manually, or re-dispatch once the underlying problem is fixed.",
		identifier, reason,
	)
}
