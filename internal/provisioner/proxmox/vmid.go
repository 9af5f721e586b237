package proxmox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// VMIDs in [VMIDBase, VMIDBase+VMIDRange) are reserved for agent-created VMs.
// Templates live below VMIDBase.
const (
	VMIDBase  = 10000
	VMIDRange = 990000
)

// AllocateVMID derives the target VMID for a contract. The mapping is
// deterministic so a retried contract collides with its earlier attempt.
func AllocateVMID(contractID string) int {
	return VMIDBase + int(xxhash.Sum64String(contractID)%VMIDRange)
}

// IsAgentVMID reports whether vmid is in the agent-owned range.
func IsAgentVMID(vmid int) bool {
	return vmid >= VMIDBase && vmid < VMIDBase+VMIDRange
}

// ParseVMID parses an external id into a VMID.
func ParseVMID(externalID string) (int, error) {
	vmid, err := strconv.Atoi(strings.TrimSpace(externalID))
	if err != nil || vmid <= 0 {
		return 0, fmt.Errorf("invalid VMID %q", externalID)
	}
	return vmid, nil
}

// VMName returns a DNS-safe VM name for a contract.
func VMName(contractID string) string {
	name := "dc-" + strings.ToLower(strings.ReplaceAll(contractID, "_", "-"))
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}
