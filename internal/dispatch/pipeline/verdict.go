package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/store"
)

// Verdict is the JSON shape the auditor is instructed to emit.
type Verdict struct {
	Pass        bool     `json:"pass"`
	Criteria    []string `json:"criteria"`
	Gaps        []string `json:"gaps"`
	TestResults string   `json:"testResults,omitempty"`
}

// parseVerdict locates the first {...} JSON object in output and decodes
// it into a Verdict. On any failure it degrades to a failing verdict
// rather than propagating an error: an unparsable audit is evidence of
// failure, not a pipeline fault.
func parseVerdict(output string) Verdict {
	start := strings.IndexByte(output, '{')
	if start < 0 {
		return unparsableVerdict()
	}

	end, ok := matchingBrace(output, start)
	if !ok {
		return unparsableVerdict()
	}

	var v Verdict
	if err := json.Unmarshal([]byte(output[start:end+1]), &v); err != nil {
		return unparsableVerdict()
	}
	return v
}

func unparsableVerdict() Verdict {
	return Verdict{Pass: false, Gaps: []string{"audit output could not be parsed"}}
}

// matchingBrace finds the index of the brace that closes the object opened
// at output[start], respecting nested braces and JSON string literals (so
// a "}" inside a quoted gap description does not end the object early).
// The first top-level object in output is authoritative even if later text
// contains more JSON.
func matchingBrace(output string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(output); i++ {
		c := output[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// ProcessVerdict parses the auditor output, then branches: pass, rework,
// or stuck.
func (p *Pipeline) ProcessVerdict(ctx context.Context, identifier string, attempt int, auditorOutput string) error {
	isNew, err := p.store.MarkEventProcessed(fmt.Sprintf("verdict:%s:%d", identifier, attempt))
	if err != nil {
		return fmt.Errorf("marking verdict processed for %s: %w", identifier, err)
	}
	if !isNew {
		return nil // duplicate verdict delivery; absorbed silently.
	}

	verdict := parseVerdict(auditorOutput)

	active, ok, err := p.activeDispatch(identifier)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("processing verdict for %s: not active", identifier)
	}
	issue, _ := p.fetchIssueOrFallback(ctx, identifier, active.IssueID)

	if verdict.Pass {
		return p.acceptVerdict(ctx, identifier, issue, verdict)
	}
	if attempt+1 <= p.maxReworkAttempts {
		return p.reworkVerdict(ctx, identifier, issue, attempt, verdict)
	}
	return p.exhaustVerdict(ctx, identifier, issue, verdict)
}

func (p *Pipeline) acceptVerdict(ctx context.Context, identifier string, issue ports.IssueContext, verdict Verdict) error {
	if err := p.store.Transition(identifier, store.StatusAuditing, store.StatusDone, nil); err != nil {
		return fmt.Errorf("accepting verdict for %s: %w", identifier, err)
	}

	completed, err := p.store.Complete(identifier, store.CompleteRequest{
		Status:      store.StatusDone,
		CompletedAt: p.now(),
	})
	if err != nil {
		p.logger.Warn("completing dispatch after passing audit", "identifier", identifier, "error", err)
	} else {
		p.recordHistory(completed)
		if p.sessions != nil {
			p.sessions.RemoveByDispatch(identifier)
		}
	}

	p.postComment(ctx, issue.ID, approvalComment(identifier, verdict))
	p.notify(ctx, ports.NotifyAuditPass, identifier, issue.Title, string(store.StatusDone), completed.TotalAttempts-1, "", &ports.VerdictSummary{Pass: true, Gaps: verdict.Gaps})
	return nil
}

func (p *Pipeline) reworkVerdict(ctx context.Context, identifier string, issue ports.IssueContext, attempt int, verdict Verdict) error {
	nextAttempt := attempt + 1
	emptyKey := ""
	patch := store.Patch{Attempt: &nextAttempt, AuditSessionKey: &emptyKey}
	if err := p.store.Transition(identifier, store.StatusAuditing, store.StatusWorking, &patch); err != nil {
		return fmt.Errorf("sending %s back for rework: %w", identifier, err)
	}

	p.notify(ctx, ports.NotifyAuditFail, identifier, issue.Title, string(store.StatusWorking), nextAttempt, "", &ports.VerdictSummary{Pass: false, Gaps: verdict.Gaps})

	// SpawnWorker tells rework from a fresh dispatch by gaps != nil, and a
	// failing verdict may carry no gaps list at all.
	gaps := verdict.Gaps
	if gaps == nil {
		gaps = []string{}
	}
	return p.SpawnWorker(ctx, issue, gaps)
}

func (p *Pipeline) exhaustVerdict(ctx context.Context, identifier string, issue ports.IssueContext, verdict Verdict) error {
	const reason = "audit_failed_max_attempts"
	patch := store.Patch{StuckReason: ptr(reason)}
	if err := p.store.Transition(identifier, store.StatusAuditing, store.StatusStuck, &patch); err != nil {
		return fmt.Errorf("escalating %s after exhausting rework attempts: %w", identifier, err)
	}

	if p.completeOnStuck {
		completed, err := p.store.Complete(identifier, store.CompleteRequest{Status: store.StatusFailed, CompletedAt: p.now()})
		if err != nil {
			p.logger.Warn("completing dispatch as failed after stuck escalation", "identifier", identifier, "error", err)
		} else {
			p.recordHistory(completed)
			if p.sessions != nil {
				p.sessions.RemoveByDispatch(identifier)
			}
		}
	}

	p.postComment(ctx, issue.ID, escalationComment(identifier, reason))
	p.notify(ctx, ports.NotifyEscalation, identifier, issue.Title, string(store.StatusStuck), 0, reason, &ports.VerdictSummary{Pass: false, Gaps: verdict.Gaps})
	return nil
}

func approvalComment(identifier string, verdict Verdict) string {
	return fmt.Sprintf("**%s passed audit.** Criteria met: %s", identifier, strings.Join(verdict.Criteria, ", "))
}

func ptr[T any](v T) *T { return &v }
