// Package monitor implements the engine's background sweep: stale
// detection, recovery of dispatches whose worker finished but whose audit
// never started, and retention pruning of completed records. It is the
// last line of defense — any dispatch that somehow becomes wedged is
// eventually classified stuck by a tick here.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/pipeline"
	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/dispatch/store"
)

const (
	DefaultTick        = 5 * time.Minute
	DefaultStaleMaxAge = 2 * time.Hour
	DefaultRetention   = 7 * 24 * time.Hour
)

const staleReason = "stale_no_progress"

// ArtifactPruner removes the artifact files belonging to a dispatch when
// its completed record is pruned.
type ArtifactPruner interface {
	PruneDispatch(identifier string) error
}

// Config holds the monitor's collaborators and tunables.
type Config struct {
	Store       *store.Store
	Pipeline    *pipeline.Pipeline
	Notifier    ports.Notifier
	History     pipeline.History // optional; archives completed records before pruning them
	Artifacts   ArtifactPruner   // optional; prunes artifact files alongside records
	Tick        time.Duration    // default 5m
	StaleMaxAge time.Duration    // default 2h
	Retention   time.Duration    // default 7 days
	Now         pipeline.Clock   // default time.Now
	Logger      *slog.Logger
}

// Monitor runs the periodic sweep.
type Monitor struct {
	store       *store.Store
	pipeline    *pipeline.Pipeline
	notifier    ports.Notifier
	history     pipeline.History
	artifacts   ArtifactPruner
	tick        time.Duration
	staleMaxAge time.Duration
	retention   time.Duration
	now         pipeline.Clock
	logger      *slog.Logger
}

// New constructs a Monitor from cfg, applying defaults.
func New(cfg Config) *Monitor {
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	staleMaxAge := cfg.StaleMaxAge
	if staleMaxAge <= 0 {
		staleMaxAge = DefaultStaleMaxAge
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:       cfg.Store,
		pipeline:    cfg.Pipeline,
		notifier:    cfg.Notifier,
		history:     cfg.History,
		artifacts:   cfg.Artifacts,
		tick:        tick,
		staleMaxAge: staleMaxAge,
		retention:   retention,
		now:         now,
		logger:      logger,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("dispatch monitor started", "interval", m.tick)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("dispatch monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep executes one full tick: stale detection, recovery, pruning. Each
// duty takes its own locked mutations so lock-hold time stays short.
func (m *Monitor) Sweep(ctx context.Context) {
	m.sweepStale(ctx)
	m.recoverMissedAudits(ctx)
	if pruned := m.Prune(); pruned > 0 {
		m.logger.Info("pruned completed dispatches", "count", pruned)
	}
}

// sweepStale moves every active dispatch older than staleMaxAge to stuck.
// The CAS uses the status observed in a fresh read; a mismatch means a
// concurrent transition already moved the record, and the sweep skips it.
func (m *Monitor) sweepStale(ctx context.Context) {
	st, err := m.store.Read()
	if err != nil {
		m.logger.Warn("stale sweep: reading state", "error", err)
		return
	}

	now := m.now()
	for identifier, d := range st.Dispatches.Active {
		if d.Status == store.StatusStuck {
			continue
		}
		if now.Sub(d.DispatchedAt) <= m.staleMaxAge {
			continue
		}

		reason := staleReason
		patch := store.Patch{StuckReason: &reason}
		if err := m.store.Transition(identifier, d.Status, store.StatusStuck, &patch); err != nil {
			m.logger.Info("stale sweep: transition skipped", "identifier", identifier, "error", err)
			continue
		}

		m.logger.Warn("dispatch marked stale", "identifier", identifier, "age", now.Sub(d.DispatchedAt))
		m.notify(ctx, ports.NotifyStuck, ports.NotifyPayload{
			Identifier: identifier,
			Status:     string(store.StatusStuck),
			Attempt:    d.Attempt,
			Reason:     staleReason,
		})
	}
}

// recoverMissedAudits re-triggers the audit for dispatches whose worker
// session exists but whose audit never started — the signature of a crash
// between worker completion and the audit CAS. Best-effort: the trigger's
// own idempotency guard and CAS absorb races with a concurrently resumed
// pipeline.
func (m *Monitor) recoverMissedAudits(ctx context.Context) {
	st, err := m.store.Read()
	if err != nil {
		m.logger.Warn("audit recovery: reading state", "error", err)
		return
	}

	for identifier, d := range st.Dispatches.Active {
		if d.Status != store.StatusWorking || d.WorkerSessionKey == "" || d.AuditSessionKey != "" {
			continue
		}

		m.logger.Info("recovering missed audit", "identifier", identifier, "attempt", d.Attempt)
		if err := m.pipeline.TriggerAudit(ctx, identifier, d.Attempt, ""); err != nil {
			m.logger.Warn("audit recovery failed", "identifier", identifier, "error", err)
		}
	}
}

// Prune deletes completed records older than the retention window and
// returns the count removed. Each record is archived to history (if
// configured) before deletion, and its artifact files are pruned alongside.
func (m *Monitor) Prune() int {
	st, err := m.store.Read()
	if err != nil {
		m.logger.Warn("pruning: reading state", "error", err)
		return 0
	}

	now := m.now()
	var pruned int
	for identifier, c := range st.Dispatches.Completed {
		if now.Sub(c.CompletedAt) <= m.retention {
			continue
		}

		if m.history != nil {
			if err := m.history.RecordCompleted(c); err != nil {
				m.logger.Warn("pruning: archiving completed dispatch", "identifier", identifier, "error", err)
			}
		}

		err := m.store.Mutate(func(s store.State) (store.State, error) {
			delete(s.Dispatches.Completed, identifier)
			return s, nil
		})
		if err != nil {
			m.logger.Warn("pruning: removing completed dispatch", "identifier", identifier, "error", err)
			continue
		}
		pruned++

		if m.artifacts != nil {
			if err := m.artifacts.PruneDispatch(identifier); err != nil {
				m.logger.Warn("pruning: removing artifacts", "identifier", identifier, "error", err)
			}
		}
	}
	return pruned
}

func (m *Monitor) notify(ctx context.Context, kind ports.NotifyKind, payload ports.NotifyPayload) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, kind, payload); err != nil {
		m.logger.Warn("notify failed", "kind", kind, "identifier", payload.Identifier, "error", err)
	}
}
