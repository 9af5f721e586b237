package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/narvanalabs/provider-agent/internal/models"
)

func TestManualProvisionNotifiesOnce(t *testing.T) {
	var calls int32
	var lastAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		lastAuth.Store(r.Header.Get("Authorization"))

		var n ManualNotification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decoding notification: %v", err)
		}
		if n.Event != EventProvisionRequested || n.ContractID != "c1" {
			t.Errorf("notification = %+v", n)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := NewManualProvisioner(server.URL, "webhook-secret", nil)
	req := &models.ProvisionRequest{ContractID: "c1", CPUCores: 2}

	for i := 0; i < 3; i++ {
		inst, err := m.Provision(context.Background(), req)
		if inst != nil {
			t.Fatal("Provision() returned an instance")
		}
		if !errors.Is(err, ErrManualIntervention) {
			t.Fatalf("Provision() error = %v, want ErrManualIntervention", err)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("webhook called %d times, want 1", got)
	}

	auth, _ := lastAuth.Load().(string)
	tokenString := strings.TrimPrefix(auth, "Bearer ")
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte("webhook-secret"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("webhook token invalid: %v", err)
	}
	claims := token.Claims.(jwt.MapClaims)
	if claims["sub"] != "c1" {
		t.Errorf("sub = %v, want c1", claims["sub"])
	}
}

func TestManualWithoutWebhook(t *testing.T) {
	m := NewManualProvisioner("", "", nil)

	if err := m.Terminate(context.Background(), "vm-1"); !errors.Is(err, ErrManualIntervention) {
		t.Errorf("Terminate() error = %v", err)
	}
	if got := m.HealthCheck(context.Background(), "vm-1"); got.State != models.HealthUnknown {
		t.Errorf("HealthCheck() = %+v, want unknown", got)
	}
	inst, err := m.GetInstance(context.Background(), "vm-1")
	if inst != nil || err != nil {
		t.Errorf("GetInstance() = %v, %v", inst, err)
	}
}

func TestManualRejectsInvalidRequest(t *testing.T) {
	m := NewManualProvisioner("", "", nil)
	_, err := m.Provision(context.Background(), &models.ProvisionRequest{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Provision() error = %v, want ErrInvalidRequest", err)
	}
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities(NewManualProvisioner("", "", nil))
	if len(caps) != 4 {
		t.Errorf("Capabilities() = %v", caps)
	}
}
