package store

// RegisterSession adds a sessionKey -> mapping entry inside a locked
// mutation. Overwrites any existing entry for the same key.
func (s *Store) RegisterSession(sessionKey string, mapping SessionMapping) error {
	return s.Mutate(func(st State) (State, error) {
		st.SessionMap[sessionKey] = mapping
		return st, nil
	})
}

// LookupSession resolves sessionKey against an already-read State snapshot.
// It does not itself take the lock; callers that need a consistent
// read-then-act pair should read the state once and reuse it, as the hook
// adapter does.
func LookupSession(st State, sessionKey string) (SessionMapping, bool) {
	mapping, ok := st.SessionMap[sessionKey]
	return mapping, ok
}

// RemoveSession deletes a single sessionMap entry.
func (s *Store) RemoveSession(sessionKey string) error {
	return s.Mutate(func(st State) (State, error) {
		delete(st.SessionMap, sessionKey)
		return st, nil
	})
}

// MarkEventProcessed records eventKey in the idempotency FIFO and reports
// whether this is the first time it has been seen. The FIFO never exceeds
// processedEventCapacity entries; the oldest is evicted first.
func (s *Store) MarkEventProcessed(eventKey string) (bool, error) {
	return MutateVal(s, func(st State) (State, bool, error) {
		for _, seen := range st.ProcessedEvents {
			if seen == eventKey {
				return st, false, nil
			}
		}

		st.ProcessedEvents = append(st.ProcessedEvents, eventKey)
		if overflow := len(st.ProcessedEvents) - processedEventCapacity; overflow > 0 {
			st.ProcessedEvents = st.ProcessedEvents[overflow:]
		}
		return st, true, nil
	})
}
