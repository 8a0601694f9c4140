// Package store implements the locked persistent store, the dispatch state
// machine, and the session map / idempotency set that sit beneath the
// pipeline orchestrator.
package store

import "time"

// Tier is an externally-chosen complexity label, opaque to the store and
// carried only for reporting.
type Tier string

const (
	TierJunior Tier = "junior"
	TierMedior Tier = "medior"
	TierSenior Tier = "senior"
)

// Status is the lifecycle state of an ActiveDispatch.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusWorking    Status = "working"
	StatusAuditing   Status = "auditing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusStuck      Status = "stuck"

	// statusRunningLegacy is a historical status name. Read migrates it to
	// StatusWorking transparently; it is never written.
	statusRunningLegacy Status = "running"
)

// Phase identifies which agent session a SessionMapping refers to.
type Phase string

const (
	PhaseWorker Phase = "worker"
	PhaseAudit  Phase = "audit"
)

// ActiveDispatch is one issue currently in flight through the pipeline.
type ActiveDispatch struct {
	IssueID         string `json:"issueId"`
	IssueIdentifier string `json:"issueIdentifier"`
	Branch          string `json:"branch"`
	WorktreePath    string `json:"worktreePath"`

	Tier  Tier   `json:"tier"`
	Model string `json:"model"`

	Status       Status    `json:"status"`
	Attempt      int       `json:"attempt"`
	DispatchedAt time.Time `json:"dispatchedAt"`
	StuckReason  string    `json:"stuckReason,omitempty"`

	WorkerSessionKey string `json:"workerSessionKey,omitempty"`
	AuditSessionKey  string `json:"auditSessionKey,omitempty"`
	AgentSessionID   string `json:"agentSessionId,omitempty"`
	Project          string `json:"project,omitempty"`
}

// CompletedDispatch is the terminal snapshot of a dispatch moved out of the
// active table.
type CompletedDispatch struct {
	IssueIdentifier string    `json:"issueIdentifier"`
	Tier            Tier      `json:"tier"`
	Status          Status    `json:"status"` // StatusDone or StatusFailed
	CompletedAt     time.Time `json:"completedAt"`
	TotalAttempts   int       `json:"totalAttempts"`
	PRUrl           string    `json:"prUrl,omitempty"`
	Project         string    `json:"project,omitempty"`
}

// SessionMapping joins an opaque agent session key back to the dispatch and
// phase it belongs to, so out-of-band completion events can resume the
// pipeline.
type SessionMapping struct {
	DispatchID string `json:"dispatchId"`
	Phase      Phase  `json:"phase"`
	Attempt    int    `json:"attempt"`
}

// processedEventCapacity is the maximum size of the idempotency FIFO.
const processedEventCapacity = 200

// Dispatches is the two tables that make up the dispatch lifecycle. An
// identifier lives in at most one of the two at a time.
type Dispatches struct {
	Active    map[string]ActiveDispatch    `json:"active"`
	Completed map[string]CompletedDispatch `json:"completed"`
}

// State is the top-level persisted document.
type State struct {
	Dispatches      Dispatches                `json:"dispatches"`
	SessionMap      map[string]SessionMapping `json:"sessionMap"`
	ProcessedEvents []string                  `json:"processedEvents"`
}

// empty returns a freshly initialized, empty document. Used when the state
// file does not exist yet.
func empty() State {
	return State{
		Dispatches: Dispatches{
			Active:    make(map[string]ActiveDispatch),
			Completed: make(map[string]CompletedDispatch),
		},
		SessionMap:      make(map[string]SessionMapping),
		ProcessedEvents: nil,
	}
}

// clone makes a deep-enough copy of State for safe mutation inside Mutate:
// maps are recreated, and the event slice is copied, so the caller's fn can
// freely add/remove entries without aliasing the version that gets discarded
// on abort.
func (s State) clone() State {
	out := State{
		Dispatches: Dispatches{
			Active:    make(map[string]ActiveDispatch, len(s.Dispatches.Active)),
			Completed: make(map[string]CompletedDispatch, len(s.Dispatches.Completed)),
		},
		SessionMap:      make(map[string]SessionMapping, len(s.SessionMap)),
		ProcessedEvents: append([]string(nil), s.ProcessedEvents...),
	}
	for k, v := range s.Dispatches.Active {
		out.Dispatches.Active[k] = v
	}
	for k, v := range s.Dispatches.Completed {
		out.Dispatches.Completed[k] = v
	}
	for k, v := range s.SessionMap {
		out.SessionMap[k] = v
	}
	return out
}

// normalize applies read-time migrations ("running" -> "working") and
// validates that every remaining status is recognized. Any other status
// is a corrupt document: better to refuse than to guess what an unknown
// deployment wrote.
func (s State) normalize() (State, error) {
	for id, d := range s.Dispatches.Active {
		if d.Status == statusRunningLegacy {
			d.Status = StatusWorking
			s.Dispatches.Active[id] = d
			continue
		}
		if !validStatus(d.Status) {
			return State{}, &CorruptError{Reason: "unrecognized status " + string(d.Status) + " for " + id}
		}
	}
	for id, c := range s.Dispatches.Completed {
		if c.Status != StatusDone && c.Status != StatusFailed {
			return State{}, &CorruptError{Reason: "unrecognized completed status " + string(c.Status) + " for " + id}
		}
	}
	return s, nil
}

func validStatus(s Status) bool {
	switch s {
	case StatusDispatched, StatusWorking, StatusAuditing, StatusDone, StatusFailed, StatusStuck:
		return true
	default:
		return false
	}
}
