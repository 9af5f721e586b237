package models

import "fmt"

// Permission is an operation an agent key may perform on the provider's behalf.
type Permission string

const (
	PermissionProvision      Permission = "provision"
	PermissionHealthCheck    Permission = "health_check"
	PermissionHeartbeat      Permission = "heartbeat"
	PermissionFetchContracts Permission = "fetch_contracts"
)

// AllPermissions returns every permission an agent can be granted.
func AllPermissions() []Permission {
	return []Permission{
		PermissionProvision,
		PermissionHealthCheck,
		PermissionHeartbeat,
		PermissionFetchContracts,
	}
}

// ParsePermission converts a name into a Permission.
func ParsePermission(name string) (Permission, error) {
	for _, p := range AllPermissions() {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", name)
}

// Delegation is a provider-signed grant letting an agent key act within a permission set.
// Keys and signature are hex encoded.
type Delegation struct {
	AgentPubkey    string       `json:"agent_pubkey"`
	ProviderPubkey string       `json:"provider_pubkey"`
	Permissions    []Permission `json:"permissions"`
	ExpiresAtNs    *int64       `json:"expires_at_ns,omitempty"`
	Label          string       `json:"label"`
	Signature      string       `json:"signature"`
	CreatedAtNs    int64        `json:"created_at_ns,omitempty"`
	RevokedAtNs    *int64       `json:"revoked_at_ns,omitempty"`
}

// Allows reports whether the delegation grants perm.
func (d *Delegation) Allows(perm Permission) bool {
	for _, p := range d.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Revoked reports whether the delegation carries a revocation time.
func (d *Delegation) Revoked() bool {
	return d.RevokedAtNs != nil
}
