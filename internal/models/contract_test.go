package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const testSSHKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl user@host"

func TestProvisionRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ProvisionRequest
		wantErr bool
	}{
		{"valid", ProvisionRequest{ContractID: "c1", CPUCores: 2, MemoryMB: 4096, StorageGB: 50, RequesterSSHPubkey: testSSHKey}, false},
		{"no ssh key", ProvisionRequest{ContractID: "c1"}, false},
		{"missing contract", ProvisionRequest{}, true},
		{"path in contract", ProvisionRequest{ContractID: "../etc"}, true},
		{"negative memory", ProvisionRequest{ContractID: "c1", MemoryMB: -1}, true},
		{"bad ssh key", ProvisionRequest{ContractID: "c1", RequesterSSHPubkey: "not-a-key"}, true},
		{"bad config", ProvisionRequest{ContractID: "c1", InstanceConfig: json.RawMessage(`{"a":`)}, true},
		{"config", ProvisionRequest{ContractID: "c1", InstanceConfig: json.RawMessage(`{"os":"debian"}`)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidProvisionRequest) {
				t.Errorf("Validate() error = %v, want ErrInvalidProvisionRequest", err)
			}
		})
	}
}

func TestSSHKeysSkipsBlankLines(t *testing.T) {
	req := ProvisionRequest{RequesterSSHPubkey: "\n" + testSSHKey + "\n\n  \n" + testSSHKey}
	if got := len(req.SSHKeys()); got != 2 {
		t.Fatalf("SSHKeys() returned %d keys, want 2", got)
	}
}

func TestSSHKeysSkipsCommentLines(t *testing.T) {
	req := ProvisionRequest{
		ContractID:         "c1",
		RequesterSSHPubkey: "# laptop\n" + testSSHKey + "\n  # old key, removed\n",
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	keys := req.SSHKeys()
	if len(keys) != 1 || keys[0] != testSSHKey {
		t.Fatalf("SSHKeys() = %q, want only the key line", keys)
	}
}

func TestNewHealthReport(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	healthy := NewHealthReport(Healthy(90*time.Second), at)
	if healthy.Status != HealthHealthy || healthy.UptimeSeconds == nil || *healthy.UptimeSeconds != 90 {
		t.Errorf("healthy report = %+v", healthy)
	}

	unhealthy := NewHealthReport(Unhealthy("stopped"), at)
	if unhealthy.UptimeSeconds != nil {
		t.Errorf("unhealthy report carries uptime")
	}
	if unhealthy.Details["reason"] != "stopped" {
		t.Errorf("unhealthy details = %v", unhealthy.Details)
	}

	unknown := NewHealthReport(Unknown(), at)
	if unknown.Status != HealthUnknown || unknown.Details != nil {
		t.Errorf("unknown report = %+v", unknown)
	}
}

// For any uptime, a healthy status reports whole seconds and never a reason.
func TestPropertyHealthyStatus(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("uptime is truncated to seconds", prop.ForAll(
		func(ms int64) bool {
			status := Healthy(time.Duration(ms) * time.Millisecond)
			return status.State == HealthHealthy &&
				status.UptimeSeconds == uint64(ms/1000) &&
				status.Reason == ""
		},
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}

func TestDelegationAllows(t *testing.T) {
	d := Delegation{Permissions: []Permission{PermissionHeartbeat, PermissionHealthCheck}}
	if !d.Allows(PermissionHeartbeat) {
		t.Error("Allows(heartbeat) = false")
	}
	if d.Allows(PermissionProvision) {
		t.Error("Allows(provision) = true")
	}
	if _, err := ParsePermission("admin"); err == nil {
		t.Error("ParsePermission(admin) = nil error")
	}
}
