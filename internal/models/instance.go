// Package models provides the shared data vocabulary of the provider agent.
package models

import "time"

// DefaultSSHPort is reported when a backend does not say otherwise.
const DefaultSSHPort = 22

// Instance is the runtime record of a provisioned resource.
// It is owned by the provisioner that created it; the marketplace only holds
// a reported copy.
type Instance struct {
	ExternalID        string         `json:"external_id"`
	IPAddress         string         `json:"ip_address,omitempty"`
	IPv6Address       string         `json:"ipv6_address,omitempty"`
	SSHPort           int            `json:"ssh_port"`
	RootPassword      string         `json:"root_password,omitempty"`
	AdditionalDetails map[string]any `json:"additional_details,omitempty"`
	// AddressPending is set when the instance booted but its address was not
	// discovered within the wait budget.
	AddressPending bool `json:"address_pending,omitempty"`
}

// HealthState is the closed set of health outcomes.
type HealthState string

const (
	// HealthHealthy indicates the instance is running.
	HealthHealthy HealthState = "healthy"
	// HealthUnhealthy indicates the instance exists but is not serving, or is gone.
	HealthUnhealthy HealthState = "unhealthy"
	// HealthUnknown indicates the backend could not be asked.
	HealthUnknown HealthState = "unknown"
)

// IsValid returns true if the state is one of the known health states.
func (s HealthState) IsValid() bool {
	switch s {
	case HealthHealthy, HealthUnhealthy, HealthUnknown:
		return true
	default:
		return false
	}
}

// HealthStatus is a fresh health signal for one instance. It is never persisted by the agent.
type HealthStatus struct {
	State         HealthState `json:"status"`
	UptimeSeconds uint64      `json:"uptime_seconds,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// Healthy returns a healthy status with the given uptime.
func Healthy(uptime time.Duration) HealthStatus {
	if uptime < 0 {
		uptime = 0
	}
	return HealthStatus{State: HealthHealthy, UptimeSeconds: uint64(uptime / time.Second)}
}

// Unhealthy returns an unhealthy status with a reason.
func Unhealthy(reason string) HealthStatus {
	return HealthStatus{State: HealthUnhealthy, Reason: reason}
}

// Unknown returns the unknown status.
func Unknown() HealthStatus {
	return HealthStatus{State: HealthUnknown}
}
