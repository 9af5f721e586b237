package models

import "time"

// ProvisionReport is the success body sent for a contract.
// RootPassword, when present, is already sealed for the recipient.
type ProvisionReport struct {
	ExternalInstanceID string         `json:"external_instance_id"`
	IPAddress          string         `json:"ip_address,omitempty"`
	IPv6Address        string         `json:"ipv6_address,omitempty"`
	RootPassword       string         `json:"root_password,omitempty"`
	SSHPort            int            `json:"ssh_port"`
	AdditionalDetails  map[string]any `json:"additional_details,omitempty"`
}

// FailureReport is the failure body sent for a contract.
type FailureReport struct {
	Error         string `json:"error"`
	RetryPossible bool   `json:"retry_possible"`
}

// HealthReport is the body of a health report for a contract.
type HealthReport struct {
	Status        HealthState    `json:"status"`
	UptimeSeconds *uint64        `json:"uptime_seconds,omitempty"`
	CheckedAt     time.Time      `json:"checked_at"`
	Details       map[string]any `json:"details,omitempty"`
}

// NewHealthReport converts a health status taken at checkedAt into a report.
func NewHealthReport(status HealthStatus, checkedAt time.Time) HealthReport {
	report := HealthReport{
		Status:    status.State,
		CheckedAt: checkedAt.UTC(),
	}
	if status.State == HealthHealthy {
		uptime := status.UptimeSeconds
		report.UptimeSeconds = &uptime
	}
	if status.Reason != "" {
		report.Details = map[string]any{"reason": status.Reason}
	}
	return report
}

// Heartbeat is the periodic liveness signal of the agent.
type Heartbeat struct {
	Version         string   `json:"version"`
	ProvisionerType string   `json:"provisioner_type"`
	Capabilities    []string `json:"capabilities"`
	ActiveContracts int      `json:"active_contracts"`
}

// HeartbeatAck is the marketplace response to a heartbeat.
type HeartbeatAck struct {
	Acknowledged         bool   `json:"acknowledged"`
	NextHeartbeatSeconds int64  `json:"next_heartbeat_seconds"`
	LatestVersion        string `json:"latest_version,omitempty"`
}
