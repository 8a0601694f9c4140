// Package ports declares the external collaborators the dispatch engine
// depends on but does not implement: the issue tracker, the agent runner,
// the notifier, and the prompt builder. Concrete adapters live under
// internal/adapters.
package ports

import (
	"context"
	"regexp"
	"strconv"
)

// IssueContext is the issue data the pipeline needs to build prompts. It is
// a narrowed view of whatever IssueTracker.FetchIssue returns.
type IssueContext struct {
	ID              string
	Identifier      string
	Title           string
	Description     string
	CommentsPreview string
}

// Activity is a single unit of tracker-visible progress, emitted through
// IssueTracker.EmitActivity while an agent run streams.
type Activity struct {
	Type      string // "thought" or "action"
	Body      string
	Action    string
	Parameter string
}

// IssueTracker is the port onto the issue tracker's comment and activity
// stream. The engine never speaks its wire protocol directly; this
// interface is the entire surface it needs.
type IssueTracker interface {
	FetchIssue(ctx context.Context, issueID string) (IssueContext, error)
	PostComment(ctx context.Context, issueID, markdown string) error
	EmitActivity(ctx context.Context, sessionID string, activity Activity) error
}

// RunOptions configures a single AgentRunner.Run call.
type RunOptions struct {
	TimeoutMs     int64         // wall-clock cap for the whole run
	ToolTimeoutMs int64         // per-tool-call cap, for backends that run tools
	Streaming     StreamingSink // nil when no streaming sink is available
}

// RunResult is what AgentRunner.Run returns. A flat struct rather than a
// sum type: every field is cheap and callers branch on the booleans
// anyway.
type RunResult struct {
	Success        bool
	Output         string
	WatchdogKilled bool
	FailureReason  string
}

// AgentRunner is the port onto whichever coding CLI subprocess or
// in-process agent backend is configured. The engine is agnostic to
// which backend is behind it.
type AgentRunner interface {
	Run(ctx context.Context, agentID, sessionID, message string, opts RunOptions) (RunResult, error)
	Abort(ctx context.Context, sessionID string) error
}

// StreamingSink receives the four activity classes an AgentRunner may
// stream mid-run. Each method corresponds to one class; the
// agent run wrapper is responsible for turning each call into a
// watchdog.Tick plus (for three of the four) a forwarded IssueTracker
// activity.
type StreamingSink interface {
	Reasoning(chunk string)
	ToolResult(toolName, output string)
	ToolStart(toolName, metadata string)
	PartialReply(chunk string)
}

// NotifyKind enumerates the notification kinds.
type NotifyKind string

const (
	NotifyDispatch     NotifyKind = "dispatch"
	NotifyWorking      NotifyKind = "working"
	NotifyAuditing     NotifyKind = "auditing"
	NotifyAuditPass    NotifyKind = "audit_pass"
	NotifyAuditFail    NotifyKind = "audit_fail"
	NotifyEscalation   NotifyKind = "escalation"
	NotifyStuck        NotifyKind = "stuck"
	NotifyWatchdogKill NotifyKind = "watchdog_kill"
)

// VerdictSummary is the notify payload's embedded verdict summary.
type VerdictSummary struct {
	Pass bool
	Gaps []string
}

// NotifyPayload is the payload attached to every notification.
type NotifyPayload struct {
	Identifier string
	Title      string
	Status     string
	Attempt    int
	Reason     string
	Verdict    *VerdictSummary
}

// Notifier is the port onto chat/notification channels. Failures here
// must never affect dispatch state: callers log and swallow.
type Notifier interface {
	Notify(ctx context.Context, kind NotifyKind, payload NotifyPayload) error
}

// PromptVars is what the core supplies to PromptBuilder.Render.
type PromptVars struct {
	Identifier   string
	Title        string
	Description  string
	WorktreePath string
	Tier         string
	Attempt      int
	Gaps         []string
}

// PromptSection selects which prompt template to render.
type PromptSection string

const (
	PromptWorker PromptSection = "worker"
	PromptAudit  PromptSection = "audit"
	PromptRework PromptSection = "rework"
)

// PromptBuilder is the port onto prompt-template rendering, which the
// engine treats as opaque text generation.
type PromptBuilder interface {
	Render(section PromptSection, vars PromptVars) (string, error)
}

var sessionKeyPattern = regexp.MustCompile(`^linear-(worker|audit)-(.+)-(\d+)$`)

// ParseSessionKey splits a session key built by the pipeline
// ("linear-worker-<identifier>-<attempt>" / "linear-audit-...") back into
// its dispatch identifier and attempt number. IssueTracker adapters use
// this to resolve EmitActivity's sessionID argument to the issue it should
// post against, since the port does not carry the issue ID alongside the
// session key.
func ParseSessionKey(sessionKey string) (identifier string, attempt int, ok bool) {
	m := sessionKeyPattern.FindStringSubmatch(sessionKey)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return "", 0, false
	}
	return m[2], n, true
}
