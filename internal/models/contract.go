package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidProvisionRequest is returned when a provision request fails validation.
var ErrInvalidProvisionRequest = errors.New("invalid provision request")

// ContractStatus is the marketplace-owned pipeline state of a rental contract.
type ContractStatus string

const (
	ContractStatusAccepted        ContractStatus = "accepted"
	ContractStatusProvisioning    ContractStatus = "provisioning"
	ContractStatusProvisioned     ContractStatus = "provisioned"
	ContractStatusActive          ContractStatus = "active"
	ContractStatusCompleted       ContractStatus = "completed"
	ContractStatusProvisionFailed ContractStatus = "provision_failed"
)

// PendingContract is a paid contract awaiting provisioning, as listed by the marketplace.
type PendingContract struct {
	ContractID         string          `json:"contract_id"`
	OfferingID         string          `json:"offering_id"`
	RequesterSSHPubkey string          `json:"requester_ssh_pubkey"`
	InstanceConfig     json.RawMessage `json:"instance_config,omitempty"`
	CPUCores           int             `json:"cpu_cores,omitempty"`
	MemoryMB           int             `json:"memory_mb,omitempty"`
	StorageGB          int             `json:"storage_gb,omitempty"`
}

// ProvisionRequest builds the normalized provisioner input for this contract.
func (c PendingContract) ProvisionRequest() *ProvisionRequest {
	return &ProvisionRequest{
		ContractID:         c.ContractID,
		OfferingID:         c.OfferingID,
		CPUCores:           c.CPUCores,
		MemoryMB:           c.MemoryMB,
		StorageGB:          c.StorageGB,
		RequesterSSHPubkey: c.RequesterSSHPubkey,
		InstanceConfig:     c.InstanceConfig,
	}
}

// ActiveContract is a provisioned contract the agent health-checks.
type ActiveContract struct {
	ContractID         string         `json:"contract_id"`
	OfferingID         string         `json:"offering_id,omitempty"`
	Status             ContractStatus `json:"status"`
	ExternalInstanceID string         `json:"external_instance_id"`
}

// ProvisionRequest is the read-only input to a provisioner.
type ProvisionRequest struct {
	ContractID         string          `json:"contract_id"`
	OfferingID         string          `json:"offering_id"`
	CPUCores           int             `json:"cpu_cores,omitempty"`
	MemoryMB           int             `json:"memory_mb,omitempty"`
	StorageGB          int             `json:"storage_gb,omitempty"`
	RequesterSSHPubkey string          `json:"requester_ssh_pubkey,omitempty"`
	InstanceConfig     json.RawMessage `json:"instance_config,omitempty"`
}

// Validate checks identifiers, sizing and the requester's SSH key.
func (r *ProvisionRequest) Validate() error {
	if r.ContractID == "" {
		return fmt.Errorf("%w: contract_id is required", ErrInvalidProvisionRequest)
	}
	if len(r.ContractID) > 128 || !isIdentifier(r.ContractID) {
		return fmt.Errorf("%w: contract_id %q contains unsupported characters", ErrInvalidProvisionRequest, r.ContractID)
	}
	if r.CPUCores < 0 || r.MemoryMB < 0 || r.StorageGB < 0 {
		return fmt.Errorf("%w: sizing must not be negative", ErrInvalidProvisionRequest)
	}
	if len(r.InstanceConfig) > 0 && !json.Valid(r.InstanceConfig) {
		return fmt.Errorf("%w: instance_config is not valid JSON", ErrInvalidProvisionRequest)
	}
	if err := ValidateSSHKeys(r.RequesterSSHPubkey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProvisionRequest, err)
	}
	return nil
}

// SSHKeys returns the key lines of the requester's key material,
// without blank lines or # comments.
func (r *ProvisionRequest) SSHKeys() []string {
	var keys []string
	for _, line := range strings.Split(r.RequesterSSHPubkey, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys
}

// ValidateSSHKeys checks that every non-empty line is an authorized_keys entry.
func ValidateSSHKeys(keys string) error {
	for i, line := range strings.Split(keys, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
			return fmt.Errorf("ssh key on line %d: %w", i+1, err)
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
