package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticChecker struct{ status Status }

func (c staticChecker) Check(ctx context.Context) Check { return Check{Status: c.status} }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		checkers   map[string]Checker
		wantStatus Status
		wantCode   int
	}{
		{"no checks", nil, StatusHealthy, http.StatusOK},
		{"all healthy", map[string]Checker{"a": staticChecker{StatusHealthy}}, StatusHealthy, http.StatusOK},
		{"degraded", map[string]Checker{"a": staticChecker{StatusHealthy}, "b": staticChecker{StatusDegraded}}, StatusDegraded, http.StatusOK},
		{"unhealthy wins", map[string]Checker{"a": staticChecker{StatusDegraded}, "b": staticChecker{StatusUnhealthy}}, StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(nil)
			for name, c := range tt.checkers {
				h.RegisterChecker(name, c)
			}
			rec := httptest.NewRecorder()
			h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected code %d, got %d", tt.wantCode, rec.Code)
			}
			var resp Response
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, resp.Status)
			}
			if len(resp.Checks) != len(tt.checkers) {
				t.Errorf("expected %d checks, got %d", len(tt.checkers), len(resp.Checks))
			}
			for i := 1; i < len(resp.Checks); i++ {
				if resp.Checks[i-1].Name > resp.Checks[i].Name {
					t.Errorf("expected checks sorted by name, got %v", resp.Checks)
				}
			}
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler(nil)
	h.SetMetadata("version", "test")

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", rec.Code)
	}

	h.RegisterOptional("report_sink", staticChecker{StatusUnhealthy})
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected optional failure to keep service ready, got %d", rec.Code)
	}

	h.RegisterChecker("reports", staticChecker{StatusUnhealthy})
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected critical failure to make service unready, got %d", rec.Code)
	}
}

func TestOptionalCheckDegrades(t *testing.T) {
	h := NewHandler(nil)
	h.RegisterChecker("reports", staticChecker{StatusHealthy})
	h.RegisterOptional("report_sink", staticChecker{StatusUnhealthy})

	resp := h.Run(context.Background())
	if resp.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", resp.Status)
	}
	if len(resp.Checks) != 2 || resp.Checks[0].Name != "report_sink" || !resp.Checks[0].Optional {
		t.Errorf("expected optional report_sink first, got %+v", resp.Checks)
	}
}

func TestBacklogChecker(t *testing.T) {
	ctx := context.Background()
	length := func(n int64, err error) func(context.Context) (int64, error) {
		return func(context.Context) (int64, error) { return n, err }
	}
	if got := NewBacklogChecker(length(3, nil), 10).Check(ctx); got.Status != StatusHealthy || got.Message != "3 batches waiting" {
		t.Errorf("expected healthy, got %+v", got)
	}
	if got := NewBacklogChecker(length(11, nil), 10).Check(ctx).Status; got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
	if got := NewBacklogChecker(length(0, errors.New("conn refused")), 10).Check(ctx).Status; got != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", got)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(nil).LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestPingChecker(t *testing.T) {
	ctx := context.Background()

	if c := NewRedisChecker(nil).Check(ctx); c.Status != StatusHealthy || c.Message != "Redis not configured" {
		t.Errorf("expected unconfigured redis to be healthy, got %+v", c)
	}
	if c := NewPingChecker("reports", func(context.Context) error { return nil }).Check(ctx); c.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", c.Status)
	}
	c := NewPingChecker("reports", func(context.Context) error { return errors.New("disk I/O error") }).Check(ctx)
	if c.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", c.Status)
	}
	if c.Message != "reports unreachable: disk I/O error" {
		t.Errorf("unexpected message %q", c.Message)
	}
}

func TestWorkerPoolChecker(t *testing.T) {
	tests := []struct {
		running, busy int
		want          Status
	}{
		{4, 0, StatusHealthy},
		{4, 2, StatusHealthy},
		{4, 4, StatusDegraded},
		{0, 0, StatusDegraded},
	}
	for _, tt := range tests {
		c := NewWorkerPoolChecker(func() int { return tt.running }, func() int { return tt.busy }, 4)
		if got := c.Check(context.Background()).Status; got != tt.want {
			t.Errorf("running=%d busy=%d: expected %s, got %s", tt.running, tt.busy, tt.want, got)
		}
	}
}
