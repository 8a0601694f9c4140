package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSave_CreatesDistinctFiles(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "artifacts"))

	p1, err := s.Save("CT-100", "worker", 0, "first output")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := s.Save("CT-100", "worker", 0, "second output")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 == p2 {
		t.Error("repeated saves must create distinct files")
	}

	data, err := os.ReadFile(p1)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first output" {
		t.Errorf("unexpected content: %q", data)
	}
	if !strings.Contains(filepath.Base(p1), "CT-100-worker-0-") {
		t.Errorf("file name must carry identifier, phase, attempt: %s", p1)
	}
}

func TestList_MatchesOnlyTheDispatch(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "artifacts"))
	s.Save("CT-100", "worker", 0, "w0")
	s.Save("CT-100", "audit", 0, "a0")
	s.Save("CT-100", "worker", 1, "w1")
	s.Save("CT-200", "worker", 0, "other")

	paths, err := s.List("CT-100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 3 {
		t.Errorf("expected 3 artifacts for CT-100, got %d", len(paths))
	}
}

func TestList_MissingDirectory_IsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "never-created"))
	paths, err := s.List("CT-100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected no artifacts, got %v", paths)
	}
}

func TestPruneDispatch_RemovesOnlyTheDispatch(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "artifacts"))
	s.Save("CT-100", "worker", 0, "w0")
	s.Save("CT-100", "audit", 0, "a0")
	keep, _ := s.Save("CT-200", "worker", 0, "other")

	if err := s.PruneDispatch("CT-100"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remaining, _ := s.List("CT-100")
	if len(remaining) != 0 {
		t.Errorf("expected CT-100 artifacts gone, got %v", remaining)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("CT-200's artifact must survive")
	}
}

func TestPruneDispatch_NoArtifacts_IsNotAnError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "artifacts"))
	if err := s.PruneDispatch("CT-404"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
