package store

import (
	"fmt"
	"testing"
)

func TestRegisterSession_LookupRoundTrip(t *testing.T) {
	s := testStore(t)
	mapping := SessionMapping{DispatchID: "CT-100", Phase: PhaseWorker, Attempt: 2}
	if err := s.RegisterSession("linear-worker-CT-100-2", mapping); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := s.Read()
	got, ok := LookupSession(st, "linear-worker-CT-100-2")
	if !ok {
		t.Fatal("expected mapping present")
	}
	if got != mapping {
		t.Errorf("expected %+v, got %+v", mapping, got)
	}

	if _, ok := LookupSession(st, "linear-worker-CT-999-0"); ok {
		t.Error("expected unknown key absent")
	}
}

func TestRemoveSession_DeletesSingleEntry(t *testing.T) {
	s := testStore(t)
	s.RegisterSession("a", SessionMapping{DispatchID: "CT-1", Phase: PhaseWorker})
	s.RegisterSession("b", SessionMapping{DispatchID: "CT-1", Phase: PhaseAudit})

	if err := s.RemoveSession("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := s.Read()
	if _, ok := st.SessionMap["a"]; ok {
		t.Error("expected a removed")
	}
	if _, ok := st.SessionMap["b"]; !ok {
		t.Error("expected b kept")
	}
}

// --- MarkEventProcessed ---

func TestMarkEventProcessed_FirstTrueThenFalse(t *testing.T) {
	s := testStore(t)

	first, err := s.MarkEventProcessed("audit-trigger:CT-100:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Error("first call must return true")
	}

	second, err := s.MarkEventProcessed("audit-trigger:CT-100:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Error("second call must return false")
	}
}

func TestMarkEventProcessed_FIFOBound_EvictsOldestOneAtATime(t *testing.T) {
	s := testStore(t)

	for i := range processedEventCapacity {
		if _, err := s.MarkEventProcessed(fmt.Sprintf("event-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	st, _ := s.Read()
	if len(st.ProcessedEvents) != processedEventCapacity {
		t.Fatalf("expected %d events, got %d", processedEventCapacity, len(st.ProcessedEvents))
	}

	// One past capacity evicts exactly the oldest.
	if _, err := s.MarkEventProcessed("event-overflow"); err != nil {
		t.Fatal(err)
	}
	st, _ = s.Read()
	if len(st.ProcessedEvents) != processedEventCapacity {
		t.Errorf("expected FIFO capped at %d, got %d", processedEventCapacity, len(st.ProcessedEvents))
	}
	if st.ProcessedEvents[0] != "event-1" {
		t.Errorf("expected event-0 evicted, head is %q", st.ProcessedEvents[0])
	}
	if st.ProcessedEvents[len(st.ProcessedEvents)-1] != "event-overflow" {
		t.Error("expected newest event at the tail")
	}

	// An evicted key is unknown again: it can return true a second time.
	wasNew, err := s.MarkEventProcessed("event-0")
	if err != nil {
		t.Fatal(err)
	}
	if !wasNew {
		t.Error("evicted key should read as new again")
	}
}
