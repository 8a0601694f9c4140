// Package agentrun wraps every agent run in a uniform harness: it feeds
// an AgentRunner's streaming activity into the inactivity watchdog and an
// external sink, and retries exactly once when the watchdog — not the
// agent — is the reason a run ended.
package agentrun

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/watchdog"
)

const (
	reasoningMinChars  = 10
	thoughtMaxChars    = 500
	toolResultMaxChars = 300
	toolStartMaxChars  = 200
)

// ActivityEmitter is the narrow slice of ports.IssueTracker the wrapper
// needs to forward streamed activity.
type ActivityEmitter interface {
	EmitActivity(ctx context.Context, sessionID string, activity ports.Activity) error
}

// StreamingCapable is implemented by runners that actually drive the
// RunOptions.Streaming sink mid-run. A runner that does not implement it
// (or returns false) is an aggregate-output backend: the inactivity
// watchdog stays unarmed — there would never be a tick to observe, so it
// would kill every run longer than the silence threshold — and the run is
// bounded by its wall-clock deadline alone.
type StreamingCapable interface {
	StreamsActivity() bool
}

// Input holds one agent run request.
type Input struct {
	AgentID   string
	SessionID string
	Message   string
	TimeoutMs int64           // optional wall-clock cap; 0 falls back to the configured MaxTotal
	Sink      ActivityEmitter // optional; nil disables streaming ticks/emits
}

// Wrapper executes agent runs through an AgentRunner, applying the
// watchdog, the per-attempt wall-clock cap, and the once-only watchdog
// retry.
type Wrapper struct {
	runner ports.AgentRunner
	cfg    watchdog.Config
	logger *slog.Logger
}

// New creates a Wrapper. cfg supplies the watchdog tunables (unset fields
// take the watchdog package defaults); logger may be nil (defaults to
// slog.Default()).
func New(runner ports.AgentRunner, cfg watchdog.Config, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{runner: runner, cfg: cfg.WithDefaults(), logger: logger}
}

// runnerStreams reports whether the configured runner will drive a
// streaming sink mid-run.
func (w *Wrapper) runnerStreams() bool {
	sc, ok := w.runner.(StreamingCapable)
	return ok && sc.StreamsActivity()
}

// Run executes in.Message against in.AgentID/in.SessionID, retrying exactly
// once if and only if the first attempt was killed by the watchdog.
func (w *Wrapper) Run(ctx context.Context, in Input) (ports.RunResult, error) {
	result, err := w.attempt(ctx, in)
	if err != nil {
		return result, err
	}
	if !result.WatchdogKilled {
		return result, nil
	}

	w.logger.Warn("agent run killed by watchdog, retrying once",
		"agent_id", in.AgentID, "session_id", in.SessionID)
	if in.Sink != nil {
		// Surface the retry on the issue's activity stream so a human
		// watching the run knows why it restarted.
		notice := ports.Activity{Type: "thought", Body: "Run went silent and was killed by the inactivity watchdog. Retrying once."}
		if emitErr := in.Sink.EmitActivity(context.Background(), in.SessionID, notice); emitErr != nil {
			w.logger.Warn("emitting retry notice", "session_id", in.SessionID, "error", emitErr)
		}
	}

	retryResult, err := w.attempt(ctx, in)
	if err != nil {
		return retryResult, err
	}
	return retryResult, nil
}

func (w *Wrapper) attempt(ctx context.Context, in Input) (ports.RunResult, error) {
	// Every attempt carries a wall-clock deadline: the caller's TimeoutMs
	// when set, the configured session cap otherwise. This is the only
	// bound a non-streaming runner gets.
	timeout := time.Duration(in.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = w.cfg.MaxTotal
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wd := watchdog.New(w.cfg.Inactivity, func(reason string) {
		w.logger.Warn("watchdog fired", "session_id", in.SessionID, "reason", reason)
		if abortErr := w.runner.Abort(context.Background(), in.SessionID); abortErr != nil {
			w.logger.Warn("aborting run after watchdog kill", "session_id", in.SessionID, "error", abortErr)
		}
		cancel()
	})

	opts := ports.RunOptions{
		TimeoutMs:     timeout.Milliseconds(),
		ToolTimeoutMs: w.cfg.ToolTimeout.Milliseconds(),
	}
	// The inactivity watchdog is only meaningful when the runner streams:
	// an aggregate-output backend produces no ticks, and arming it would
	// kill every run longer than the silence threshold.
	if in.Sink != nil && w.runnerStreams() {
		wd.Start()
		opts.Streaming = newTickingSink(wd, in.Sink, in.SessionID, w.logger)
	}

	result, err := w.runner.Run(runCtx, in.AgentID, in.SessionID, in.Message, opts)
	wd.Stop()

	if wd.WasKilled() {
		result.WatchdogKilled = true
		result.Success = false
	}
	return result, err
}

// tickingSink translates the four streaming activity classes into
// watchdog ticks plus (for three of the four) a forwarded tracker
// activity.
type tickingSink struct {
	wd        *watchdog.Watchdog
	emitter   ActivityEmitter
	sessionID string
	logger    *slog.Logger
}

func newTickingSink(wd *watchdog.Watchdog, emitter ActivityEmitter, sessionID string, logger *slog.Logger) *tickingSink {
	return &tickingSink{wd: wd, emitter: emitter, sessionID: sessionID, logger: logger}
}

func (s *tickingSink) Reasoning(chunk string) {
	s.wd.Tick()
	if len(chunk) < reasoningMinChars {
		return
	}
	s.emit(ports.Activity{Type: "thought", Body: truncate(chunk, thoughtMaxChars)})
}

func (s *tickingSink) ToolResult(toolName, output string) {
	s.wd.Tick()
	s.emit(ports.Activity{Type: "action", Action: toolName, Parameter: truncate(output, toolResultMaxChars)})
}

func (s *tickingSink) ToolStart(toolName, metadata string) {
	s.wd.Tick()
	s.emit(ports.Activity{Type: "action", Action: toolName, Parameter: truncate(metadata, toolStartMaxChars)})
}

func (s *tickingSink) PartialReply(chunk string) {
	s.wd.Tick() // tick only; partial replies are not emitted.
}

func (s *tickingSink) emit(activity ports.Activity) {
	if err := s.emitter.EmitActivity(context.Background(), s.sessionID, activity); err != nil {
		s.logger.Warn("emitting activity", "session_id", s.sessionID, "error", err)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
