package findings

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gustycube/spyder-atlas/internal/types"
)

var t0 = time.Date(2025, 2, 20, 10, 15, 22, 0, time.UTC)

func sqli(at time.Time, evidence string) types.Finding {
	return types.Finding{
		Name:             "SQL Injection Vulnerability",
		Target:           "example.com",
		Severity:         types.SeverityHigh,
		Type:             "sqli",
		Description:      "SQL injection in login form",
		Evidence:         evidence,
		EvidenceLocation: "/login?id",
		DiscoveredAt:     at,
		Source:           "zap",
	}
}

func TestIngest_CreateThenUpdate(t *testing.T) {
	s := New(Options{Shards: 4})
	ctx := context.Background()

	res, err := s.Ingest(ctx, sqli(t0, "id=1 OR 1=1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != types.OutcomeCreated {
		t.Fatalf("expected created, got %s", res.Outcome)
	}
	if res.Finding.Status != types.StatusActive || res.Finding.Occurrences != 1 {
		t.Errorf("unexpected new finding: %+v", res.Finding)
	}

	res2, err := s.Ingest(ctx, sqli(t0.Add(time.Hour), "id=2 OR 1=1"))
	if err != nil {
		t.Fatal(err)
	}
	if res2.Outcome != types.OutcomeUpdated {
		t.Fatalf("expected updated, got %s", res2.Outcome)
	}
	if res2.Finding.ID != res.Finding.ID {
		t.Errorf("expected same id %d, got %d", res.Finding.ID, res2.Finding.ID)
	}
	if res2.Finding.Evidence != "id=2 OR 1=1" {
		t.Errorf("expected refreshed evidence, got %q", res2.Finding.Evidence)
	}
	if !res2.Finding.FirstSeenAt.Equal(t0) {
		t.Errorf("expected first seen to stay %v, got %v", t0, res2.Finding.FirstSeenAt)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 finding, got %d", s.Len())
	}
}

func TestIngest_DedupIdempotence(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	var last time.Time
	for i := 0; i < 10; i++ {
		last = t0.Add(time.Duration(i/2) * time.Minute) // non-decreasing, with repeats
		if _, err := s.Ingest(ctx, sqli(last, "evidence")); err != nil {
			t.Fatal(err)
		}
	}
	all := s.Collect(nil)
	if len(all) != 1 {
		t.Fatalf("expected exactly one finding, got %d", len(all))
	}
	if !all[0].DiscoveredAt.Equal(last) {
		t.Errorf("expected discovered_at %v, got %v", last, all[0].DiscoveredAt)
	}
	if all[0].Occurrences != 10 {
		t.Errorf("expected 10 occurrences, got %d", all[0].Occurrences)
	}
}

func TestIngest_StaleIsNoop(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	first, _ := s.Ingest(ctx, sqli(t0, "new"))

	res, err := s.Ingest(ctx, sqli(t0.Add(-time.Hour), "old"))
	if err != nil {
		t.Fatalf("expected stale ingest to be absorbed, got %v", err)
	}
	if !res.Stale || res.Outcome != types.OutcomeUpdated {
		t.Errorf("expected stale updated result, got %+v", res)
	}
	got, _ := s.Get(first.Finding.ID)
	if got.Evidence != "new" || !got.DiscoveredAt.Equal(t0) || got.Occurrences != 1 {
		t.Errorf("expected stored finding unchanged, got %+v", got)
	}
}

func TestIngest_NoResurrection(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	res, _ := s.Ingest(ctx, sqli(t0, "e"))
	if _, err := s.MarkFixed(ctx, res.Finding.ID); err != nil {
		t.Fatal(err)
	}

	again, err := s.Ingest(ctx, sqli(t0.Add(24*time.Hour), "seen again"))
	if err != nil {
		t.Fatal(err)
	}
	if !again.Suppressed {
		t.Error("expected suppressed re-ingest")
	}
	got, _ := s.Get(res.Finding.ID)
	if got.Status != types.StatusFixed {
		t.Errorf("expected fixed finding to stay fixed, got %s", got.Status)
	}
	if got.Evidence != "seen again" || got.Occurrences != 2 {
		t.Errorf("expected re-ingest to be recorded, got %+v", got)
	}
}

func TestIngest_Validation(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()

	bad := sqli(t0, "e")
	bad.Severity = "high"
	if _, err := s.Ingest(ctx, bad); !errors.Is(err, types.ErrInvalidEnum) {
		t.Errorf("expected ErrInvalidEnum, got %v", err)
	}

	noTarget := sqli(t0, "e")
	noTarget.Target = "  "
	if _, err := s.Ingest(ctx, noTarget); !errors.Is(err, types.ErrInvalidShape) {
		t.Errorf("expected ErrInvalidShape, got %v", err)
	}

	noSource := sqli(t0, "e")
	noSource.Source = ""
	res, err := s.Ingest(ctx, noSource)
	if err != nil {
		t.Fatal(err)
	}
	if res.Finding.Source != DefaultSource {
		t.Errorf("expected default source, got %q", res.Finding.Source)
	}
}

func TestMarkFixedAndReopen(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	res, _ := s.Ingest(ctx, sqli(t0, "e"))
	id := res.Finding.ID

	f, err := s.MarkFixed(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != types.StatusFixed || f.FixedAt == nil {
		t.Errorf("expected fixed with timestamp, got %+v", f)
	}

	// Idempotent.
	f2, err := s.MarkFixed(ctx, id)
	if err != nil {
		t.Fatalf("expected second MarkFixed to succeed, got %v", err)
	}
	if !f2.FixedAt.Equal(*f.FixedAt) {
		t.Error("expected repeated MarkFixed to leave fixed_at unchanged")
	}

	r, err := s.Reopen(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != types.StatusActive || r.FixedAt != nil {
		t.Errorf("expected reopened active finding, got %+v", r)
	}

	if _, err := s.MarkFixed(ctx, 999); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Reopen(ctx, 999); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(999); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkFixed_ConflictExhausted(t *testing.T) {
	s := New(Options{ConflictRetries: 3})
	ctx := context.Background()
	res, _ := s.Ingest(ctx, sqli(t0, "e"))

	attempts := 0
	s.beforeCAS = func(r *record) {
		attempts++
		cur := *r.cur.Load()
		r.cur.Store(&cur)
	}

	_, err := s.MarkFixed(ctx, res.Finding.ID)
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if attempts != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", attempts)
	}
	got, _ := s.Get(res.Finding.ID)
	if got.Status != types.StatusActive {
		t.Errorf("expected status unchanged after conflict, got %s", got.Status)
	}
}

func TestMarkFixed_RecoversFromSingleConflict(t *testing.T) {
	s := New(Options{ConflictRetries: 3})
	ctx := context.Background()
	res, _ := s.Ingest(ctx, sqli(t0, "e"))

	interfered := false
	s.beforeCAS = func(r *record) {
		if interfered {
			return
		}
		interfered = true
		cur := *r.cur.Load()
		r.cur.Store(&cur)
	}
	f, err := s.MarkFixed(ctx, res.Finding.ID)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if f.Status != types.StatusFixed {
		t.Errorf("expected fixed, got %s", f.Status)
	}
}

func TestIngest_ConcurrentSameFingerprint(t *testing.T) {
	s := New(Options{Shards: 16})
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[types.IngestOutcome]int{}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Ingest(ctx, sqli(t0, "same"))
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[types.OutcomeCreated] != 1 {
		t.Errorf("expected exactly 1 created, got %d", outcomes[types.OutcomeCreated])
	}
	if outcomes[types.OutcomeUpdated] != 99 {
		t.Errorf("expected 99 updated, got %d", outcomes[types.OutcomeUpdated])
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 finding, got %d", s.Len())
	}
}

func TestIngest_ListableBeforeAddressable(t *testing.T) {
	s := New(Options{Shards: 8})
	ctx := context.Background()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			f := sqli(t0, "e")
			f.EvidenceLocation = "/p" + strconv.Itoa(i)
			if _, err := s.Ingest(ctx, f); err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		var ids []types.FindingID
		s.byID.Range(func(k, _ any) bool {
			ids = append(ids, k.(types.FindingID))
			return true
		})
		listed := make(map[types.FindingID]bool)
		for _, f := range s.Collect(nil) {
			listed[f.ID] = true
		}
		for _, id := range ids {
			if !listed[id] {
				t.Fatalf("finding %d is addressable by id but not listed", id)
			}
		}
	}
}

func TestIngest_ConcurrentWithStatusChanges(t *testing.T) {
	s := New(Options{ConflictRetries: 50})
	ctx := context.Background()
	res, _ := s.Ingest(ctx, sqli(t0, "e"))
	id := res.Finding.ID

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Ingest(ctx, sqli(t0.Add(time.Duration(i)*time.Second), "e"))
		}(i)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = s.MarkFixed(ctx, id)
			} else {
				_, err = s.Reopen(ctx, id)
			}
			if err != nil && !errors.Is(err, types.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 1 {
		t.Errorf("expected 1 finding, got %d", s.Len())
	}
	got, _ := s.Get(id)
	if got.Status == types.StatusFixed && got.FixedAt == nil {
		t.Error("fixed finding lost its fixed_at")
	}
}

func TestCollect_BySeverity(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	for i, sev := range []types.Severity{types.SeverityLow, types.SeverityCritical, types.SeverityHigh, types.SeverityLow} {
		f := sqli(t0, "e")
		f.Severity = sev
		f.EvidenceLocation = string(rune('a' + i))
		if _, err := s.Ingest(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(s.Collect([]types.Severity{types.SeverityLow})); got != 2 {
		t.Errorf("expected 2 LOW findings, got %d", got)
	}
	if got := len(s.Collect([]types.Severity{types.SeverityLow, types.SeverityLow})); got != 2 {
		t.Errorf("expected duplicate severities to be collapsed, got %d", got)
	}
	if got := len(s.Collect(nil)); got != 4 {
		t.Errorf("expected 4 findings, got %d", got)
	}
}

func BenchmarkIngest(b *testing.B) {
	s := New(Options{})
	ctx := context.Background()
	b.Run("SameFingerprint", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = s.Ingest(ctx, sqli(t0, "bench"))
		}
	})
	b.Run("UniqueFingerprints", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			f := sqli(t0, "bench")
			f.EvidenceLocation = string(rune(i))
			_, _ = s.Ingest(ctx, f)
		}
	})
}
