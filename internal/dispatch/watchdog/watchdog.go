// Package watchdog implements the per-run inactivity timer: it resets on
// every streamed activity tick and invokes a
// caller-supplied kill callback exactly once after a period of silence.
package watchdog

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInactivity is the default silence threshold before a run is
	// killed.
	DefaultInactivity = 120 * time.Second
	// DefaultMaxTotal is the default wall-clock session cap, enforced by
	// the caller's own deadline (the watchdog does not schedule this
	// itself).
	DefaultMaxTotal = 7200 * time.Second
	// DefaultToolTimeout is the default per-tool-call cap used by tool
	// runners; the watchdog does not schedule this either.
	DefaultToolTimeout = 600 * time.Second

	minReschedule = 1 * time.Second
)

// Config holds the three watchdog-related tunables, already normalized
// to durations.
type Config struct {
	Inactivity  time.Duration
	MaxTotal    time.Duration
	ToolTimeout time.Duration
}

// DefaultConfig returns the hardcoded defaults.
func DefaultConfig() Config {
	return Config{
		Inactivity:  DefaultInactivity,
		MaxTotal:    DefaultMaxTotal,
		ToolTimeout: DefaultToolTimeout,
	}
}

// ProfileLookup reads a per-agent override from an external document.
// Implementations must not panic; a
// side-effecting lookup that fails should return (Config{}, false, nil) or
// a non-nil error, never throw.
type ProfileLookup func(agentID string) (Config, bool, error)

// ResolveConfig resolves the effective tunables: per-agent profile
// override, then the caller-supplied config, then hardcoded defaults. A
// failing profile lookup is logged and treated as "no override" rather
// than propagated; the lookup must never throw into the caller.
func ResolveConfig(agentID string, caller Config, lookup ProfileLookup) Config {
	resolved := mergeOverDefaults(caller)

	if lookup == nil {
		return resolved
	}
	profile, ok, err := lookup(agentID)
	if err != nil {
		slog.Warn("agent profile lookup failed, using caller config", "agent_id", agentID, "error", err)
		return resolved
	}
	if !ok {
		return resolved
	}
	if profile.Inactivity > 0 {
		resolved.Inactivity = profile.Inactivity
	}
	if profile.MaxTotal > 0 {
		resolved.MaxTotal = profile.MaxTotal
	}
	if profile.ToolTimeout > 0 {
		resolved.ToolTimeout = profile.ToolTimeout
	}
	return resolved
}

func mergeOverDefaults(c Config) Config {
	d := DefaultConfig()
	if c.Inactivity > 0 {
		d.Inactivity = c.Inactivity
	}
	if c.MaxTotal > 0 {
		d.MaxTotal = c.MaxTotal
	}
	if c.ToolTimeout > 0 {
		d.ToolTimeout = c.ToolTimeout
	}
	return d
}

// WithDefaults returns c with unset fields replaced by the hardcoded
// defaults.
func (c Config) WithDefaults() Config {
	return mergeOverDefaults(c)
}

// OnKill is invoked at most once, when the watchdog decides a run has gone
// silent for too long. The reason is always "inactivity" for now; it is a
// string (not a typed constant) so future kill causes can be added without
// breaking callers that switch on it loosely.
type OnKill func(reason string)

// Watchdog is a single-shot inactivity timer. The zero value is not usable;
// construct with New.
type Watchdog struct {
	inactivity time.Duration
	onKill     OnKill

	mu             sync.Mutex
	lastActivityAt time.Time
	timer          *time.Timer
	started        bool
	stopped        bool
	killed         bool
}

// New creates a Watchdog with the given inactivity threshold and kill
// callback. The watchdog does nothing until Start is called.
func New(inactivity time.Duration, onKill OnKill) *Watchdog {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	return &Watchdog{inactivity: inactivity, onKill: onKill}
}

// Start arms the watchdog. Idempotent: once started, further calls do
// nothing; they neither reschedule the pending check nor record activity
// (that is what Tick is for).
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.stopped = false
	w.lastActivityAt = time.Now()
	w.timer = time.AfterFunc(w.inactivity, w.check)
}

// Tick records activity. It never resets the pending timer directly — the
// check fired by the timer recomputes the remaining silence budget from
// lastActivityAt and reschedules itself if needed.
func (w *Watchdog) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopped {
		return
	}
	w.lastActivityAt = time.Now()
}

// Stop cancels the pending check. Subsequent Tick/Start calls are no-ops:
// a Watchdog that has been started and stopped cannot be re-armed.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// WasKilled reports whether onKill has fired. Monotonically becomes true at
// most once per Watchdog instance.
func (w *Watchdog) WasKilled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// SilenceMs returns the current silence duration in milliseconds.
func (w *Watchdog) SilenceMs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastActivityAt).Milliseconds()
}

// check is invoked by the deferred timer.
func (w *Watchdog) check() {
	w.mu.Lock()

	if w.killed || w.stopped {
		w.mu.Unlock()
		return
	}

	silence := time.Since(w.lastActivityAt)
	if silence < w.inactivity {
		remaining := w.inactivity - silence
		if remaining < minReschedule {
			remaining = minReschedule
		}
		w.timer = time.AfterFunc(remaining, w.check)
		w.mu.Unlock()
		return
	}

	w.killed = true
	onKill := w.onKill
	w.mu.Unlock()

	if onKill == nil {
		return
	}
	invokeKillSafely(onKill, "inactivity")
}

// invokeKillSafely calls onKill and swallows any panic, logging it
// instead. onKill failures must never propagate back into the timer's
// goroutine.
func invokeKillSafely(onKill OnKill, reason string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watchdog onKill panicked", "reason", reason, "recovered", r)
		}
	}()
	onKill(reason)
}
