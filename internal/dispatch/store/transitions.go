package store

import "time"

// legalTransitions is the dispatch state machine. A (from, to) pair not
// present here is rejected by Transition with a TransitionError.
var legalTransitions = map[Status]map[Status]bool{
	StatusDispatched: {StatusWorking: true, StatusStuck: true},
	StatusWorking:    {StatusAuditing: true, StatusStuck: true},
	StatusAuditing:   {StatusDone: true, StatusWorking: true, StatusStuck: true},
}

// LegalTransition reports whether (from, to) is in the state machine graph.
func LegalTransition(from, to Status) bool {
	return legalTransitions[from][to]
}

// Patch carries the optional field updates a CAS transition may bundle
// with the status change.
type Patch struct {
	Attempt          *int
	StuckReason      *string
	WorkerSessionKey *string
	AuditSessionKey  *string
	AgentSessionID   *string
}

func (p Patch) apply(d ActiveDispatch) ActiveDispatch {
	if p.Attempt != nil {
		d.Attempt = *p.Attempt
	}
	if p.StuckReason != nil {
		d.StuckReason = *p.StuckReason
	}
	if p.WorkerSessionKey != nil {
		d.WorkerSessionKey = *p.WorkerSessionKey
	}
	if p.AuditSessionKey != nil {
		d.AuditSessionKey = *p.AuditSessionKey
	}
	if p.AgentSessionID != nil {
		d.AgentSessionID = *p.AgentSessionID
	}
	return d
}

// Register creates a new ActiveDispatch. It fails if identifier is already
// active or completed. status is forced to StatusDispatched and attempt to 0
// regardless of what the caller passes in draft, and dispatchedAt is
// stamped with now.
func (s *Store) Register(identifier string, draft ActiveDispatch, now time.Time) error {
	return s.Mutate(func(st State) (State, error) {
		if _, ok := st.Dispatches.Active[identifier]; ok {
			return State{}, &AlreadyExistsError{Identifier: identifier}
		}
		if _, ok := st.Dispatches.Completed[identifier]; ok {
			return State{}, &AlreadyExistsError{Identifier: identifier}
		}

		draft.IssueIdentifier = identifier
		draft.Status = StatusDispatched
		draft.Attempt = 0
		draft.DispatchedAt = now
		st.Dispatches.Active[identifier] = draft
		return st, nil
	})
}

// Transition performs a CAS status change: it fails with a TransitionError
// if the record is missing, its current status does not equal expectedFrom,
// or (expectedFrom, to) is not a legal edge. patch, if non-nil, is applied
// atomically with the status change.
func (s *Store) Transition(identifier string, expectedFrom, to Status, patch *Patch) error {
	return s.Mutate(func(st State) (State, error) {
		d, ok := st.Dispatches.Active[identifier]
		if !ok {
			return State{}, &TransitionError{Identifier: identifier, Expected: expectedFrom, Target: to, Reason: "no active dispatch"}
		}
		if d.Status != expectedFrom {
			return State{}, &TransitionError{Identifier: identifier, Expected: expectedFrom, Actual: d.Status, Target: to, Reason: "status mismatch"}
		}
		// Escalation to stuck is legal from any non-terminal status; the
		// graph carries those edges, and terminal statuses have none.
		if !LegalTransition(expectedFrom, to) {
			return State{}, &TransitionError{Identifier: identifier, Expected: expectedFrom, Actual: d.Status, Target: to, Reason: "illegal transition"}
		}

		d.Status = to
		if patch != nil {
			d = patch.apply(d)
		}
		st.Dispatches.Active[identifier] = d
		return st, nil
	})
}

// PatchActive applies patch to identifier's record without changing its
// status, guarded by a CAS check that the record's current status equals
// expectedStatus. This is how SpawnWorker records a workerSessionKey after
// a rework's own CAS has already moved the record to StatusWorking: the
// status is not changing, so Transition's
// legal-edge check does not apply, but the same-instant consistency
// guarantee does.
func (s *Store) PatchActive(identifier string, expectedStatus Status, patch Patch) error {
	return s.Mutate(func(st State) (State, error) {
		d, ok := st.Dispatches.Active[identifier]
		if !ok {
			return State{}, &TransitionError{Identifier: identifier, Expected: expectedStatus, Target: expectedStatus, Reason: "no active dispatch"}
		}
		if d.Status != expectedStatus {
			return State{}, &TransitionError{Identifier: identifier, Expected: expectedStatus, Actual: d.Status, Target: expectedStatus, Reason: "status mismatch"}
		}
		d = patch.apply(d)
		st.Dispatches.Active[identifier] = d
		return st, nil
	})
}

// CompleteRequest carries the terminal outcome recorded by Complete.
type CompleteRequest struct {
	Status      Status // StatusDone or StatusFailed
	CompletedAt time.Time
	PRUrl       string
}

// Complete moves identifier from active to completed, preserving Tier and
// Project, and purges every sessionMap entry whose DispatchID is
// identifier.
func (s *Store) Complete(identifier string, req CompleteRequest) (CompletedDispatch, error) {
	return MutateVal(s, func(st State) (State, CompletedDispatch, error) {
		d, ok := st.Dispatches.Active[identifier]
		if !ok {
			return State{}, CompletedDispatch{}, &NotFoundError{Identifier: identifier}
		}

		completed := CompletedDispatch{
			IssueIdentifier: identifier,
			Tier:            d.Tier,
			Status:          req.Status,
			CompletedAt:     req.CompletedAt,
			TotalAttempts:   d.Attempt + 1,
			PRUrl:           req.PRUrl,
			Project:         d.Project,
		}

		delete(st.Dispatches.Active, identifier)
		st.Dispatches.Completed[identifier] = completed

		for key, mapping := range st.SessionMap {
			if mapping.DispatchID == identifier {
				delete(st.SessionMap, key)
			}
		}

		return st, completed, nil
	})
}

// UpdateStatus is a weak, non-CAS setter reserved for out-of-band repair.
// It must never be used by the pipeline itself.
func (s *Store) UpdateStatus(identifier string, status Status) error {
	return s.Mutate(func(st State) (State, error) {
		d, ok := st.Dispatches.Active[identifier]
		if !ok {
			return State{}, &NotFoundError{Identifier: identifier}
		}
		d.Status = status
		st.Dispatches.Active[identifier] = d
		return st, nil
	})
}

// RemoveActive drops identifier and its session mappings without completing
// it. Used by retry/cancel flows.
func (s *Store) RemoveActive(identifier string) error {
	return s.Mutate(func(st State) (State, error) {
		if _, ok := st.Dispatches.Active[identifier]; !ok {
			return State{}, &NotFoundError{Identifier: identifier}
		}
		delete(st.Dispatches.Active, identifier)
		for key, mapping := range st.SessionMap {
			if mapping.DispatchID == identifier {
				delete(st.SessionMap, key)
			}
		}
		return st, nil
	})
}
