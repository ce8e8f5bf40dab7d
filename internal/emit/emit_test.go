package emit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/spyder-atlas/internal/aggregate"
)

type sink struct {
	mu       sync.Mutex
	got      []aggregate.Snapshot
	failures atomic.Int32
	status   atomic.Int32
	hits     atomic.Int32
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if code := s.status.Load(); code != 0 {
		w.WriteHeader(int(code))
		return
	}
	var snap aggregate.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.got = append(s.got, snap)
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func snap(id string) aggregate.Snapshot {
	return aggregate.Snapshot{ID: id, Title: "t", Target: "example.com", ReportType: aggregate.ReportBasic, CreatedAt: time.Now().UTC()}
}

func spooled(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestPublish(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	e, err := NewEmitter(Options{Sink: srv.URL, SpoolDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, e.Publish(context.Background(), snap("r1")))
	assert.Equal(t, 1, s.count())
	assert.Equal(t, "r1", s.got[0].ID)
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	s := &sink{}
	s.failures.Store(2)
	srv := httptest.NewServer(s)
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewEmitter(Options{Sink: srv.URL, SpoolDir: dir, MaxElapsed: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, e.Publish(context.Background(), snap("r1")))
	assert.Equal(t, 1, s.count())
	assert.Zero(t, spooled(t, dir))
}

func TestPublish_SpoolsAndDrains(t *testing.T) {
	s := &sink{}
	s.status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(s)
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewEmitter(Options{Sink: srv.URL, SpoolDir: dir, MaxElapsed: 50 * time.Millisecond})
	require.NoError(t, err)

	assert.Error(t, e.Publish(context.Background(), snap("r1")))
	assert.Error(t, e.Publish(context.Background(), snap("r2")))
	assert.Equal(t, 2, spooled(t, dir))

	n, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "sink still down")
	assert.Equal(t, 2, spooled(t, dir))

	s.status.Store(0)
	n, err = e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, spooled(t, dir))
	assert.Equal(t, 2, s.count())
}

func TestPublish_PermanentRejection(t *testing.T) {
	s := &sink{}
	s.status.Store(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(s)
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewEmitter(Options{Sink: srv.URL, SpoolDir: dir, MaxElapsed: time.Minute})
	require.NoError(t, err)

	start := time.Now()
	assert.Error(t, e.Publish(context.Background(), snap("r1")))
	assert.Less(t, time.Since(start), 5*time.Second, "4xx is not retried")
	assert.Equal(t, 1, spooled(t, dir))
}

func TestPublish_NoSink(t *testing.T) {
	e, err := NewEmitter(Options{})
	require.NoError(t, err)
	assert.False(t, e.Enabled())
	assert.NoError(t, e.Publish(context.Background(), snap("r1")))
	n, err := e.Drain(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublish_BreakerSkipsDeadSink(t *testing.T) {
	s := &sink{}
	s.status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(s)
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewEmitter(Options{
		Sink: srv.URL, SpoolDir: dir, MaxElapsed: 20 * time.Millisecond,
		BreakerThreshold: 2, BreakerCooldown: time.Hour,
	})
	require.NoError(t, err)

	assert.Error(t, e.Publish(context.Background(), snap("r1")))
	assert.NoError(t, e.Check(context.Background()))
	assert.Error(t, e.Publish(context.Background(), snap("r2")))
	assert.Error(t, e.Check(context.Background()))

	hits := s.hits.Load()
	assert.Error(t, e.Publish(context.Background(), snap("r3")))
	assert.Equal(t, hits, s.hits.Load(), "open breaker must not reach the sink")
	assert.Equal(t, 3, spooled(t, dir))

	n, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, hits, s.hits.Load())
}
