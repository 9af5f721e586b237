package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
		wantErr         bool
	}{
		{"1.2.3", "1.2.4", true, false},
		{"v1.2.3", "v1.10.0", true, false},
		{"1.2.3", "1.2.3", false, false},
		{"2.0.0", "1.9.9", false, false},
		{"1.0.0", "1.1.0-rc.1", true, false},
		{"dev", "1.0.0", false, true},
		{"1.0.0", "latest", false, true},
	}
	for _, tt := range tests {
		got, err := IsNewer(tt.current, tt.latest)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("IsNewer(%q, %q) = %v, %v", tt.current, tt.latest, got, err)
		}
	}
}

func TestCheckForUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/narvanalabs/provider-agent/releases/latest" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"tag_name":"v1.3.0","html_url":"https://example.com/r","published_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	svc := NewService("1.2.0", "narvanalabs/provider-agent", nil).WithAPIBase(srv.URL)
	info, err := svc.CheckForUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdates() error = %v", err)
	}
	if !info.UpdateAvailable || info.LatestVersion != "v1.3.0" || info.ReleaseURL != "https://example.com/r" {
		t.Errorf("CheckForUpdates() = %+v", info)
	}

	dev, err := NewService("dev", "narvanalabs/provider-agent", nil).WithAPIBase(srv.URL).CheckForUpdates(context.Background())
	if err != nil || dev.LatestVersion != "" {
		t.Errorf("dev CheckForUpdates() = %+v, %v", dev, err)
	}
}

func TestCheckForUpdatesSkipsPrerelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v9.0.0-beta","prerelease":true}`))
	}))
	defer srv.Close()

	info, err := NewService("1.0.0", "o/r", nil).WithAPIBase(srv.URL).CheckForUpdates(context.Background())
	if err != nil || info.UpdateAvailable {
		t.Errorf("CheckForUpdates() = %+v, %v", info, err)
	}
}

func TestCheckForUpdatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := NewService("1.0.0", "o/r", nil).WithAPIBase(srv.URL).CheckForUpdates(context.Background()); err == nil {
		t.Error("CheckForUpdates() succeeded on 403")
	}
}
