package store_test

import (
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kunai-project/orchestrator/internal/dbopen"
	"github.com/kunai-project/orchestrator/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSampleDedup(t *testing.T) {
	s := newStore(t)

	sm := store.Sample{UUID: "s1", MD5: "m", SHA1: "a", SHA256: "b", SHA512: "c"}
	if err := s.InsertSample(sm); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSampleBySHA512("c")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UUID != "s1" {
		t.Fatalf("got %+v", got)
	}

	// Conflicting insert of the same digest set under a different uuid.
	dup := store.Sample{UUID: "s2", MD5: "m", SHA1: "a", SHA256: "b", SHA512: "c"}
	if err := s.InsertSample(dup); err != store.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Unrelated sample not found.
	none, err := s.GetSampleBySHA512("missing")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatalf("expected nil, got %+v", none)
	}
}

func TestAnalysisCRUDAndStatus(t *testing.T) {
	s := newStore(t)
	if err := s.InsertSample(store.Sample{UUID: "s1", MD5: "m", SHA1: "a", SHA256: "b", SHA512: "c"}); err != nil {
		t.Fatal(err)
	}

	a := store.Analysis{
		UUID: "a1", SampleUUID: "s1", SandboxName: "default",
		Date: time.Now(), SrcIP: "127.0.0.1", Status: store.StatusQueued,
	}
	if err := s.InsertAnalysis(a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAnalysis("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}

	if err := s.UpdateAnalysisStatus("a1", store.StatusTerminated, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAnalysis("a1")
	if got.Status != store.StatusTerminated {
		t.Errorf("status after update = %q, want terminated", got.Status)
	}

	if _, err := s.GetAnalysis("missing"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCountQueuedAndNewestFirst(t *testing.T) {
	s := newStore(t)
	s.InsertSample(store.Sample{UUID: "s1", MD5: "m1", SHA1: "a1", SHA256: "b1", SHA512: "c1"})

	base := time.Now().Add(-time.Hour)
	for i, uuid := range []string{"a1", "a2", "a3"} {
		s.InsertAnalysis(store.Analysis{
			UUID: uuid, SampleUUID: "s1", SandboxName: "default",
			Date: base.Add(time.Duration(i) * time.Minute), SrcIP: "10.0.0.1", Status: store.StatusQueued,
		})
	}

	n, err := s.CountQueued()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	list, err := s.QueuedNewestFirst()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].UUID != "a3" {
		t.Fatalf("newest-first ordering wrong: %+v", list)
	}
}

func TestSearchByHashAndStatus(t *testing.T) {
	s := newStore(t)
	s.InsertSample(store.Sample{UUID: "s1", MD5: "m1", SHA1: "a1", SHA256: "sha256-x", SHA512: "c1"})
	s.InsertAnalysis(store.Analysis{UUID: "a1", SampleUUID: "s1", SandboxName: "default", Date: time.Now(), SrcIP: "1.1.1.1", Status: store.StatusQueued})
	s.InsertAnalysis(store.Analysis{UUID: "a2", SampleUUID: "s1", SandboxName: "default", Date: time.Now(), SrcIP: "1.1.1.1", Status: store.StatusTerminated})

	results, err := s.Search(store.SearchParams{Limit: 25, Hash: "sha256-x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (scenario 6)", len(results))
	}

	queuedOnly, err := s.Search(store.SearchParams{Limit: 25, Status: store.StatusQueued})
	if err != nil {
		t.Fatal(err)
	}
	if len(queuedOnly) != 1 || queuedOnly[0].UUID != "a1" {
		t.Fatalf("status filter wrong: %+v", queuedOnly)
	}
}
