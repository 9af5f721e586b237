// Package provisioner defines the backend capability every provisioning
// variant implements, and the error taxonomy shared by all of them.
package provisioner

import (
	"context"

	"github.com/narvanalabs/provider-agent/internal/models"
)

// Kind identifies a provisioner variant.
type Kind string

const (
	KindProxmox Kind = "proxmox"
	KindScript  Kind = "script"
	KindManual  Kind = "manual"
)

// Provisioner creates, destroys and inspects compute resources.
// Implementations must be safe for concurrent use.
type Provisioner interface {
	// Kind returns the variant name reported in heartbeats.
	Kind() Kind

	// Provision creates a resource for the request. Any returned error means
	// "not provisioned"; a *Error may carry the best-known external id for cleanup.
	Provision(ctx context.Context, req *models.ProvisionRequest) (*models.Instance, error)

	// Terminate destroys a resource. Terminating an absent resource succeeds.
	Terminate(ctx context.Context, externalID string) error

	// HealthCheck never fails; backend errors collapse to Unknown or Unhealthy.
	HealthCheck(ctx context.Context, externalID string) models.HealthStatus

	// GetInstance returns nil, nil when the resource does not exist.
	GetInstance(ctx context.Context, externalID string) (*models.Instance, error)
}

// Lister is implemented by provisioners that can enumerate the resources they own.
type Lister interface {
	ListInstances(ctx context.Context) ([]string, error)
	// InstanceIDFor returns the external ID a contract's instance has or
	// will have, or "" when it cannot be known before provisioning.
	InstanceIDFor(contractID string) string
}

// CheckResult is one line of a setup verification.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// SetupVerifier is implemented by provisioners that can check their backend configuration.
type SetupVerifier interface {
	VerifySetup(ctx context.Context) []CheckResult
}

// Capabilities lists the operations p supports, for heartbeats.
func Capabilities(p Provisioner) []string {
	caps := []string{"provision", "terminate", "health_check", "get_instance"}
	if _, ok := p.(Lister); ok {
		caps = append(caps, "list_instances")
	}
	if _, ok := p.(SetupVerifier); ok {
		caps = append(caps, "verify_setup")
	}
	return caps
}
