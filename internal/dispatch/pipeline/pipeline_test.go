package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/agentrun"
	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/sessions"
	"github.com/openclaw/dispatch/internal/dispatch/store"
	"github.com/openclaw/dispatch/internal/dispatch/watchdog"
)

var testNow = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

// fakeTracker records comments and activities and serves a canned issue.
type fakeTracker struct {
	mu         sync.Mutex
	issue      ports.IssueContext
	comments   []string
	activities []ports.Activity
}

func (f *fakeTracker) FetchIssue(ctx context.Context, issueID string) (ports.IssueContext, error) {
	return f.issue, nil
}

func (f *fakeTracker) PostComment(ctx context.Context, issueID, markdown string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, markdown)
	return nil
}

func (f *fakeTracker) EmitActivity(ctx context.Context, sessionID string, activity ports.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeTracker) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

// queueRunner pops one scripted result per Run call, in order.
type queueRunner struct {
	mu      sync.Mutex
	results []ports.RunResult
	runs    []string // session keys, in invocation order
}

func (q *queueRunner) Run(ctx context.Context, agentID, sessionID, message string, opts ports.RunOptions) (ports.RunResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs = append(q.runs, sessionID)
	if len(q.results) == 0 {
		return ports.RunResult{Success: false, FailureReason: "queue exhausted"}, nil
	}
	r := q.results[0]
	q.results = q.results[1:]
	return r, nil
}

func (q *queueRunner) Abort(ctx context.Context, sessionID string) error { return nil }

func (q *queueRunner) StreamsActivity() bool { return true }

// fakeNotifier records notification kinds in order.
type fakeNotifier struct {
	mu    sync.Mutex
	kinds []ports.NotifyKind
	last  map[ports.NotifyKind]ports.NotifyPayload
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{last: make(map[ports.NotifyKind]ports.NotifyPayload)}
}

func (f *fakeNotifier) Notify(ctx context.Context, kind ports.NotifyKind, payload ports.NotifyPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.last[kind] = payload
	return nil
}

func (f *fakeNotifier) count(kind ports.NotifyKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, k := range f.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// staticPrompts renders "<section>" plus the gaps, enough to assert which
// template the pipeline picked.
type staticPrompts struct{}

func (staticPrompts) Render(section ports.PromptSection, vars ports.PromptVars) (string, error) {
	out := string(section)
	for _, g := range vars.Gaps {
		out += "\n- " + g
	}
	return out, nil
}

type env struct {
	store    *store.Store
	tracker  *fakeTracker
	runner   *queueRunner
	notifier *fakeNotifier
	pipeline *Pipeline
}

func newEnv(t *testing.T, results []ports.RunResult, opts ...func(*Config)) *env {
	t.Helper()

	st := store.New(filepath.Join(t.TempDir(), "state.json"))
	tracker := &fakeTracker{issue: ports.IssueContext{
		ID:          "issue-uuid-1",
		Identifier:  "CT-100",
		Title:       "Add rate limiting",
		Description: "Requests must be limited to 100/min per client.",
	}}
	runner := &queueRunner{results: results}
	notifier := newFakeNotifier()

	cfg := Config{
		Store:             st,
		Sessions:          sessions.New(),
		Tracker:           tracker,
		Runner:            agentrun.New(runner, watchdog.Config{Inactivity: time.Minute}, nil),
		Notifier:          notifier,
		Prompts:           staticPrompts{},
		MaxReworkAttempts: defaultMaxReworkAttempts,
		Now:               func() time.Time { return testNow },
	}
	for _, o := range opts {
		o(&cfg)
	}

	return &env{
		store:    st,
		tracker:  tracker,
		runner:   runner,
		notifier: notifier,
		pipeline: New(cfg),
	}
}

func (e *env) dispatch(t *testing.T) error {
	t.Helper()
	draft := store.ActiveDispatch{
		IssueID:      "issue-uuid-1",
		Branch:       "agent/ct-100",
		WorktreePath: "/tmp/wt/ct-100",
		Tier:         store.TierJunior,
		Model:        "opus",
	}
	return e.pipeline.Dispatch(context.Background(), draft, e.tracker.issue)
}

func success(output string) ports.RunResult {
	return ports.RunResult{Success: true, Output: output}
}

const passVerdict = `{"pass":true,"criteria":["rate limit enforced"],"gaps":[]}`
const failVerdict = `{"pass":false,"criteria":[],"gaps":["no tests"]}`

// --- S1: happy path ---

func TestPipeline_HappyPath_CompletesDone(t *testing.T) {
	e := newEnv(t, []ports.RunResult{
		success("implemented"),
		success(passVerdict),
	})

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := e.store.Read()
	if _, ok := st.Dispatches.Active["CT-100"]; ok {
		t.Error("expected CT-100 gone from active")
	}
	c, ok := st.Dispatches.Completed["CT-100"]
	if !ok {
		t.Fatal("expected CT-100 completed")
	}
	if c.Status != store.StatusDone {
		t.Errorf("expected done, got %q", c.Status)
	}
	if c.TotalAttempts != 1 {
		t.Errorf("expected totalAttempts 1, got %d", c.TotalAttempts)
	}
	if len(st.SessionMap) != 0 {
		t.Errorf("expected session map purged, got %v", st.SessionMap)
	}
	if got := e.notifier.count(ports.NotifyAuditPass); got != 1 {
		t.Errorf("expected one audit_pass notification, got %d", got)
	}
	// Worker runs under its session key, audit under a distinct one.
	if len(e.runner.runs) != 2 || e.runner.runs[0] != "linear-worker-CT-100-0" || e.runner.runs[1] != "linear-audit-CT-100-0" {
		t.Errorf("unexpected run order: %v", e.runner.runs)
	}
}

// --- S2: single rework ---

func TestPipeline_SingleRework_SecondAuditPasses(t *testing.T) {
	e := newEnv(t, []ports.RunResult{
		success("implemented"),
		success(failVerdict),
		success("implemented with tests"),
		success(passVerdict),
	})

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := e.store.Read()
	c, ok := st.Dispatches.Completed["CT-100"]
	if !ok {
		t.Fatal("expected CT-100 completed")
	}
	if c.Status != store.StatusDone {
		t.Errorf("expected done, got %q", c.Status)
	}
	if c.TotalAttempts != 2 {
		t.Errorf("expected totalAttempts 2, got %d", c.TotalAttempts)
	}
	if e.notifier.count(ports.NotifyAuditFail) != 1 || e.notifier.count(ports.NotifyAuditPass) != 1 {
		t.Errorf("expected audit_fail then audit_pass, got %v", e.notifier.kinds)
	}
	// The rework worker ran under the attempt-1 session key.
	want := []string{"linear-worker-CT-100-0", "linear-audit-CT-100-0", "linear-worker-CT-100-1", "linear-audit-CT-100-1"}
	if len(e.runner.runs) != len(want) {
		t.Fatalf("expected %d runs, got %v", len(want), e.runner.runs)
	}
	for i, k := range want {
		if e.runner.runs[i] != k {
			t.Errorf("run %d: expected %s, got %s", i, k, e.runner.runs[i])
		}
	}
}

// --- S3: escalation after exhausting rework attempts ---

func TestPipeline_ReworkExhausted_EscalatesStuck(t *testing.T) {
	e := newEnv(t, []ports.RunResult{
		success("implemented"),
		success(failVerdict),
		success("implemented again"),
		success(failVerdict),
	}, func(c *Config) { c.MaxReworkAttempts = 1 })

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := e.store.Read()
	d, ok := st.Dispatches.Active["CT-100"]
	if !ok {
		t.Fatal("with completeOnStuck=false the dispatch must stay active as stuck")
	}
	if d.Status != store.StatusStuck {
		t.Errorf("expected stuck, got %q", d.Status)
	}
	if d.StuckReason != "audit_failed_max_attempts" {
		t.Errorf("expected stuckReason audit_failed_max_attempts, got %q", d.StuckReason)
	}
	if e.notifier.count(ports.NotifyEscalation) != 1 {
		t.Errorf("expected one escalation notification, got %v", e.notifier.kinds)
	}
	if e.tracker.commentCount() != 1 {
		t.Errorf("expected exactly one escalation comment, got %d", e.tracker.commentCount())
	}
}

func TestPipeline_ReworkExhausted_CompleteOnStuckPolicy(t *testing.T) {
	e := newEnv(t, []ports.RunResult{
		success("implemented"),
		success(failVerdict),
		success("implemented again"),
		success(failVerdict),
	}, func(c *Config) {
		c.MaxReworkAttempts = 1
		c.CompleteOnStuck = true
	})

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := e.store.Read()
	if _, ok := st.Dispatches.Active["CT-100"]; ok {
		t.Error("with completeOnStuck=true the dispatch must leave active")
	}
	c, ok := st.Dispatches.Completed["CT-100"]
	if !ok {
		t.Fatal("expected CT-100 completed as failed")
	}
	if c.Status != store.StatusFailed {
		t.Errorf("expected failed, got %q", c.Status)
	}
}

// --- Worker failure paths ---

func TestPipeline_WorkerFails_EscalatesWorkerFailed(t *testing.T) {
	e := newEnv(t, []ports.RunResult{
		{Success: false, FailureReason: "agent crashed"},
	})

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := e.store.Read()
	d := st.Dispatches.Active["CT-100"]
	if d.Status != store.StatusStuck || d.StuckReason != "worker_failed" {
		t.Errorf("expected stuck/worker_failed, got %q/%q", d.Status, d.StuckReason)
	}
	if e.notifier.count(ports.NotifyEscalation) != 1 {
		t.Error("expected one escalation notification")
	}
	if e.tracker.commentCount() != 1 {
		t.Errorf("expected exactly one comment, got %d", e.tracker.commentCount())
	}
}

// --- S5: duplicate completion event ---

func TestPipeline_DuplicateAuditTrigger_AbsorbedOnce(t *testing.T) {
	e := newEnv(t, []ports.RunResult{
		success(passVerdict),
	})

	// Stand the dispatch up in working state by hand, as if the worker
	// completion were arriving out-of-band.
	if err := e.store.Register("CT-100", store.ActiveDispatch{IssueID: "issue-uuid-1", Tier: store.TierJunior}, testNow); err != nil {
		t.Fatal(err)
	}
	key := "linear-worker-CT-100-0"
	if err := e.store.Transition("CT-100", store.StatusDispatched, store.StatusWorking, &store.Patch{WorkerSessionKey: &key}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.pipeline.TriggerAudit(ctx, "CT-100", 0, "worker output"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := e.pipeline.TriggerAudit(ctx, "CT-100", 0, "worker output"); err != nil {
		t.Fatalf("duplicate trigger must be silent, got %v", err)
	}

	if got := e.notifier.count(ports.NotifyAuditing); got != 1 {
		t.Errorf("expected exactly one auditing notification, got %d", got)
	}
	if len(e.runner.runs) != 1 {
		t.Errorf("expected the audit agent to run once, got %v", e.runner.runs)
	}
}

func TestPipeline_DuplicateVerdict_AbsorbedOnce(t *testing.T) {
	e := newEnv(t, nil)

	if err := e.store.Register("CT-100", store.ActiveDispatch{IssueID: "issue-uuid-1"}, testNow); err != nil {
		t.Fatal(err)
	}
	e.store.Transition("CT-100", store.StatusDispatched, store.StatusWorking, nil)
	e.store.Transition("CT-100", store.StatusWorking, store.StatusAuditing, nil)

	ctx := context.Background()
	if err := e.pipeline.ProcessVerdict(ctx, "CT-100", 0, passVerdict); err != nil {
		t.Fatalf("first verdict: %v", err)
	}
	if err := e.pipeline.ProcessVerdict(ctx, "CT-100", 0, passVerdict); err != nil {
		t.Fatalf("duplicate verdict must be silent, got %v", err)
	}

	if got := e.notifier.count(ports.NotifyAuditPass); got != 1 {
		t.Errorf("expected exactly one audit_pass notification, got %d", got)
	}
}

// --- S4: watchdog kill retried, then succeeds ---

type stallThenStreamRunner struct {
	mu    sync.Mutex
	calls int
	next  ports.RunResult
}

func (r *stallThenStreamRunner) Run(ctx context.Context, agentID, sessionID, message string, opts ports.RunOptions) (ports.RunResult, error) {
	r.mu.Lock()
	call := r.calls
	r.calls++
	r.mu.Unlock()

	if call == 0 {
		// First worker attempt stalls until the watchdog aborts it.
		<-ctx.Done()
		return ports.RunResult{Success: false}, nil
	}
	// All later runs stream activity and succeed.
	for range 3 {
		select {
		case <-ctx.Done():
			return ports.RunResult{Success: false}, nil
		case <-time.After(10 * time.Millisecond):
			if opts.Streaming != nil {
				opts.Streaming.PartialReply("...")
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next, nil
}

func (r *stallThenStreamRunner) Abort(ctx context.Context, sessionID string) error { return nil }

func (r *stallThenStreamRunner) StreamsActivity() bool { return true }

func TestPipeline_WatchdogKillRetried_ThenSucceeds(t *testing.T) {
	runner := &stallThenStreamRunner{next: success("implemented")}
	verdicts := []ports.RunResult{success(passVerdict)}

	e := newEnv(t, nil, func(c *Config) {
		c.Runner = agentrun.New(&switchRunner{first: runner, rest: &queueRunner{results: verdicts}}, watchdog.Config{Inactivity: 80 * time.Millisecond}, nil)
	})

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := e.store.Read()
	c, ok := st.Dispatches.Completed["CT-100"]
	if !ok {
		t.Fatal("expected CT-100 completed despite the first stalled attempt")
	}
	if c.Status != store.StatusDone {
		t.Errorf("expected done, got %q", c.Status)
	}
}

// switchRunner routes worker sessions to first and audit sessions to rest.
type switchRunner struct {
	first ports.AgentRunner
	rest  ports.AgentRunner
}

func (s *switchRunner) Run(ctx context.Context, agentID, sessionID, message string, opts ports.RunOptions) (ports.RunResult, error) {
	if agentID == "worker" {
		return s.first.Run(ctx, agentID, sessionID, message, opts)
	}
	return s.rest.Run(ctx, agentID, sessionID, message, opts)
}

func (s *switchRunner) Abort(ctx context.Context, sessionID string) error {
	s.first.Abort(ctx, sessionID)
	return s.rest.Abort(ctx, sessionID)
}

func (s *switchRunner) StreamsActivity() bool { return true }

func TestPipeline_WatchdogKillBothAttempts_EscalatesWatchdogKill2x(t *testing.T) {
	e := newEnv(t, nil, func(c *Config) {
		c.Runner = agentrun.New(stallRunner{}, watchdog.Config{Inactivity: 60 * time.Millisecond}, nil)
	})

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := e.store.Read()
	d := st.Dispatches.Active["CT-100"]
	if d.Status != store.StatusStuck || d.StuckReason != "watchdog_kill_2x" {
		t.Errorf("expected stuck/watchdog_kill_2x, got %q/%q", d.Status, d.StuckReason)
	}
	if e.notifier.count(ports.NotifyWatchdogKill) != 1 {
		t.Error("expected one watchdog_kill notification")
	}
	if e.notifier.count(ports.NotifyEscalation) != 1 {
		t.Error("expected one escalation notification")
	}
}

type stallRunner struct{}

func (stallRunner) Run(ctx context.Context, agentID, sessionID, message string, opts ports.RunOptions) (ports.RunResult, error) {
	<-ctx.Done()
	return ports.RunResult{Success: false}, nil
}

func (stallRunner) Abort(ctx context.Context, sessionID string) error { return nil }

func (stallRunner) StreamsActivity() bool { return true }

// --- Session map consistency ---

func TestPipeline_SessionMappingsMatchDispatch(t *testing.T) {
	e := newEnv(t, []ports.RunResult{
		success("implemented"),
		success(failVerdict),
		success("implemented again"),
		success(passVerdict),
	})

	if err := e.dispatch(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// After completion everything is purged; the interesting assertions ran
	// through the store's own CAS guards along the way. What remains to
	// check is the terminal state.
	st, _ := e.store.Read()
	if len(st.SessionMap) != 0 {
		t.Errorf("expected all session mappings purged at completion, got %v", st.SessionMap)
	}
}
