package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/narvanalabs/provider-agent/internal/agent"
	"github.com/narvanalabs/provider-agent/internal/api/health"
	"github.com/narvanalabs/provider-agent/internal/metrics"
)

type staticStatus struct{ s agent.Status }

func (f staticStatus) Status() agent.Status { return f.s }

func newTestServer(t *testing.T, comp health.ComponentStatus) *Server {
	t.Helper()
	checker := health.NewChecker("1.2.0")
	checker.Register("marketplace", func(ctx context.Context) health.ComponentStatus { return comp })

	status := staticStatus{s: agent.Status{Version: "1.2.0", Provisioner: "proxmox", InFlight: 2}}
	return NewServer("127.0.0.1:0", status, checker, metrics.New().Handler(), nil)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, health.ComponentStatus{Status: health.StatusHealthy})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got agent.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Provisioner != "proxmox" || got.InFlight != 2 {
		t.Errorf("status = %+v", got)
	}
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	s := newTestServer(t, health.ComponentStatus{Status: health.StatusUnhealthy, Message: "stale"})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, health.ComponentStatus{Status: health.StatusHealthy})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "provider_agent_") {
		t.Error("metrics output lacks provider_agent_ collectors")
	}
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, health.ComponentStatus{Status: health.StatusHealthy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("code = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartBindError(t *testing.T) {
	s := NewServer("127.0.0.1:-1", staticStatus{}, health.NewChecker("dev"), nil, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
}
