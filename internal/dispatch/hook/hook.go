// Package hook bridges externally-delivered "agent finished" signals back
// into the pipeline. The coding-CLI backends and the
// in-process runner all deliver completion through whatever transport the
// deployment wires up; by the time a signal reaches this adapter it has
// been reduced to (sessionKey, output, success).
package hook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openclaw/dispatch/internal/dispatch/pipeline"
	"github.com/openclaw/dispatch/internal/dispatch/store"
)

// Adapter resolves a session key against the persisted session map and
// resumes the pipeline at the right phase.
type Adapter struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// New creates an Adapter. logger may be nil (defaults to slog.Default()).
func New(st *store.Store, p *pipeline.Pipeline, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{store: st, pipeline: p, logger: logger}
}

// AgentCompleted handles one completion signal. Unknown session keys and
// stale attempts are ignored silently: an unknown key
// usually means the dispatch already completed and its mappings were
// purged, and a stale attempt means an older run finished after a newer
// one started.
func (a *Adapter) AgentCompleted(ctx context.Context, sessionKey, output string, success bool) error {
	st, err := a.store.Read()
	if err != nil {
		return fmt.Errorf("reading state for completion of %s: %w", sessionKey, err)
	}

	mapping, ok := store.LookupSession(st, sessionKey)
	if !ok {
		a.logger.Debug("completion for unknown session, ignoring", "session_key", sessionKey)
		return nil
	}

	dispatch, ok := st.Dispatches.Active[mapping.DispatchID]
	if !ok {
		a.logger.Debug("completion for inactive dispatch, ignoring",
			"session_key", sessionKey, "dispatch_id", mapping.DispatchID)
		return nil
	}

	if dispatch.Attempt != mapping.Attempt {
		a.logger.Info("stale completion event rejected",
			"session_key", sessionKey, "dispatch_id", mapping.DispatchID,
			"event_attempt", mapping.Attempt, "current_attempt", dispatch.Attempt)
		return nil
	}

	if !success {
		// A failed run that reaches us out-of-band still flows through the
		// same phase continuation: TriggerAudit/ProcessVerdict treat the
		// output on its merits (an empty or garbage audit output degrades
		// to a failing verdict), and the pipeline's own run-failure paths
		// handle in-band failures before they ever get here.
		a.logger.Warn("out-of-band completion reported failure",
			"session_key", sessionKey, "dispatch_id", mapping.DispatchID, "phase", mapping.Phase)
	}

	switch mapping.Phase {
	case store.PhaseWorker:
		return a.pipeline.TriggerAudit(ctx, mapping.DispatchID, mapping.Attempt, output)
	case store.PhaseAudit:
		return a.pipeline.ProcessVerdict(ctx, mapping.DispatchID, mapping.Attempt, output)
	default:
		return fmt.Errorf("session %s has unrecognized phase %q", sessionKey, mapping.Phase)
	}
}
