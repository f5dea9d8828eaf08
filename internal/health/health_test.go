package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeEngine struct {
	err         error
	quarantined int
}

func (f *fakeEngine) Ping() error            { return f.err }
func (f *fakeEngine) QuarantinedSegments() int { return f.quarantined }

func TestEngineCheckerHealthyWithQuarantine(t *testing.T) {
	c := NewEngineChecker(&fakeEngine{quarantined: 2})
	res := c.Check(context.Background())
	if !res.Healthy {
		t.Fatalf("expected healthy despite quarantine, got %+v", res)
	}
	if res.Quarantined != 2 {
		t.Fatalf("expected quarantined=2, got %d", res.Quarantined)
	}
	if c.Type() != CheckTypeEngine {
		t.Fatalf("expected CheckTypeEngine, got %s", c.Type())
	}
}

func TestEngineCheckerUnhealthyOnPingError(t *testing.T) {
	c := NewEngineChecker(&fakeEngine{err: errors.New("disk unavailable")})
	res := c.Check(context.Background())
	if res.Healthy {
		t.Fatal("expected unhealthy on ping error")
	}
}

func TestStatusHysteresisRequiresConsecutiveFailures(t *testing.T) {
	cfg := Config{Retries: 3}
	s := NewStatus()

	for i := 0; i < 2; i++ {
		s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
		if !s.Healthy {
			t.Fatalf("expected still healthy after %d failures", i+1)
		}
	}
	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	if s.Healthy {
		t.Fatal("expected unhealthy after reaching Retries consecutive failures")
	}

	s.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	if !s.Healthy {
		t.Fatal("expected healthy again after one success")
	}
}

func TestMonitorHandlerReflectsStatus(t *testing.T) {
	m := NewMonitor(NewEngineChecker(&fakeEngine{}), Config{Retries: 1, Timeout: time.Second})
	m.check(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMonitorHandlerReportsUnhealthyStatus(t *testing.T) {
	m := NewMonitor(NewEngineChecker(&fakeEngine{err: errors.New("boom")}), Config{Retries: 1, Timeout: time.Second})
	m.check(context.Background())

	if m.Healthy() {
		t.Fatal("expected unhealthy after single failure with Retries=1")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
