package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/ports"
)

// Compile-time interface checks.
var (
	_ ports.AgentRunner   = (*execRunner)(nil)
	_ ports.PromptBuilder = (*templatePrompts)(nil)
)

// execRunner is the subprocess fallback backend: it invokes a coding CLI
// once per run and consumes its aggregated output. It does not implement
// agentrun.StreamingCapable, so the wrapper leaves the inactivity watchdog
// unarmed and the run is bounded by the wall-clock deadline alone, which
// this runner enforces by cancelling the subprocess.
type execRunner struct {
	command string

	mu      sync.Mutex
	running map[string]*exec.Cmd // sessionID -> in-flight process
}

func newExecRunner(command string) *execRunner {
	return &execRunner{command: command, running: make(map[string]*exec.Cmd)}
}

func (r *execRunner) Run(ctx context.Context, agentID, sessionID, message string, opts ports.RunOptions) (ports.RunResult, error) {
	runCtx := ctx
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	args := []string{"--agent", agentID, "--session", sessionID}
	if opts.ToolTimeoutMs > 0 {
		args = append(args, "--tool-timeout-ms", strconv.FormatInt(opts.ToolTimeoutMs, 10))
	}

	cmd := exec.CommandContext(runCtx, r.command, args...)
	cmd.Stdin = strings.NewReader(message)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.mu.Lock()
	r.running[sessionID] = cmd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, sessionID)
		r.mu.Unlock()
	}()

	if err := cmd.Run(); err != nil {
		reason := err.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			reason = "run exceeded its wall-clock deadline"
		}
		return ports.RunResult{
			Success:       false,
			Output:        out.String(),
			FailureReason: reason,
		}, nil
	}
	return ports.RunResult{Success: true, Output: out.String()}, nil
}

func (r *execRunner) Abort(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	cmd := r.running[sessionID]
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing session %s: %w", sessionID, err)
	}
	return nil
}

// templatePrompts renders the worker, audit, and rework prompts from
// built-in text templates. Deployments that want richer prompt rendering
// swap in their own ports.PromptBuilder.
type templatePrompts struct {
	templates map[ports.PromptSection]*template.Template
}

const workerTemplate = `You are implementing issue {{.Identifier}}: {{.Title}}

{{.Description}}

Work in the checkout at {{.Worktree}}. Implement the issue completely,
including tests. Commit your work to the current branch.
{{if .Gaps}}
A previous attempt was audited and rejected. Close every gap below:
{{range .Gaps}}- {{.}}
{{end}}{{end}}`

const auditTemplate = `You are auditing the implementation of issue {{.Identifier}}: {{.Title}}

The issue description below is the source of truth for what must exist:

{{.Description}}

Inspect the checkout at {{.Worktree}}. Verify each requirement against the
actual code and tests, then emit a single JSON object of the shape
{"pass": bool, "criteria": [string], "gaps": [string], "testResults": string}
as the last thing in your reply. Do not take the implementer's claims at
face value.`

func newTemplatePrompts() (*templatePrompts, error) {
	t := &templatePrompts{templates: make(map[ports.PromptSection]*template.Template)}
	for section, text := range map[ports.PromptSection]string{
		ports.PromptWorker: workerTemplate,
		ports.PromptRework: workerTemplate,
		ports.PromptAudit:  auditTemplate,
	} {
		parsed, err := template.New(string(section)).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing %s prompt template: %w", section, err)
		}
		t.templates[section] = parsed
	}
	return t, nil
}

func (t *templatePrompts) Render(section ports.PromptSection, vars ports.PromptVars) (string, error) {
	tmpl, ok := t.templates[section]
	if !ok {
		return "", fmt.Errorf("unknown prompt section %q", section)
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		Identifier  string
		Title       string
		Description string
		Worktree    string
		Tier        string
		Attempt     int
		Gaps        []string
	}{
		Identifier:  vars.Identifier,
		Title:       vars.Title,
		Description: vars.Description,
		Worktree:    vars.WorktreePath,
		Tier:        vars.Tier,
		Attempt:     vars.Attempt,
		Gaps:        vars.Gaps,
	})
	if err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", section, err)
	}
	return buf.String(), nil
}
