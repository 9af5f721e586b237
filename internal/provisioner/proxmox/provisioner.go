// Package proxmox provisions contracts as full clones of a Proxmox VE template.
package proxmox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
)

// Default guest address discovery bounds.
const (
	DefaultAddressPollInterval = 10 * time.Second
	DefaultAddressTimeout      = 2 * time.Minute
)

// cleanupTimeout bounds the best-effort removal of a half-built VM.
const cleanupTimeout = 3 * time.Minute

// Config holds the backend settings of a Provisioner.
type Config struct {
	Client       ClientConfig
	TemplateVMID int
	Storage      string
	Pool         string
	// Disk is resized to the requested storage size, e.g. "scsi0".
	Disk string

	TaskPollInterval    time.Duration
	TaskTimeout         time.Duration
	AddressPollInterval time.Duration
	AddressTimeout      time.Duration
}

// Provisioner implements provisioner.Provisioner against one Proxmox node.
type Provisioner struct {
	client *Client
	waiter *TaskWaiter
	cfg    Config
	logger *slog.Logger
}

// New creates a Proxmox provisioner.
func New(cfg Config, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AddressPollInterval <= 0 {
		cfg.AddressPollInterval = DefaultAddressPollInterval
	}
	if cfg.AddressTimeout <= 0 {
		cfg.AddressTimeout = DefaultAddressTimeout
	}
	if cfg.Disk == "" {
		cfg.Disk = "scsi0"
	}

	client := NewClient(cfg.Client, logger)
	return &Provisioner{
		client: client,
		waiter: NewTaskWaiter(client, cfg.TaskPollInterval, cfg.TaskTimeout, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// Kind returns provisioner.KindProxmox.
func (p *Provisioner) Kind() provisioner.Kind { return provisioner.KindProxmox }

// Provision clones the template into the contract's VMID, configures it,
// powers it on and discovers its address.
func (p *Provisioner) Provision(ctx context.Context, req *models.ProvisionRequest) (*models.Instance, error) {
	if err := req.Validate(); err != nil {
		return nil, provisioner.Wrap(provisioner.ErrInvalidRequest, "provision", "", err)
	}

	vmid := AllocateVMID(req.ContractID)
	externalID := strconv.Itoa(vmid)
	name := VMName(req.ContractID)
	log := p.logger.With("contract_id", req.ContractID, "vmid", vmid)

	adopted, err := p.checkExisting(ctx, vmid, name)
	if err != nil {
		return nil, err
	}

	if !adopted {
		log.Info("cloning template", "template_vmid", p.cfg.TemplateVMID, "name", name)
		upid, err := p.client.CloneVM(ctx, CloneOptions{
			TemplateVMID: p.cfg.TemplateVMID,
			NewVMID:      vmid,
			Name:         name,
			Storage:      p.cfg.Storage,
			Pool:         p.cfg.Pool,
		})
		if err != nil {
			return nil, p.classify("clone", "", err)
		}
		// A clone that times out may still complete; the error keeps the VMID.
		if err := p.waiter.Wait(ctx, upid); err != nil {
			return nil, p.classifyTask("clone", externalID, err)
		}
	} else {
		log.Warn("adopting existing VM from an earlier attempt", "name", name)
	}

	inst, err := p.bringUp(ctx, vmid, req)
	if err != nil {
		if !errors.Is(err, provisioner.ErrTimeout) {
			p.cleanup(ctx, vmid, log)
		}
		return nil, err
	}

	inst.AdditionalDetails = map[string]any{
		"vmid": vmid,
		"node": p.client.Node(),
		"name": name,
	}

	log.Info("provisioned VM",
		"ip_address", inst.IPAddress,
		"ipv6_address", inst.IPv6Address,
		"address_pending", inst.AddressPending,
	)
	return inst, nil
}

// checkExisting reports whether the target VMID already holds this
// contract's VM. A VMID held by another VM is a collision. A VM still
// locked by a clone or other task is not adopted until the lock clears.
func (p *Provisioner) checkExisting(ctx context.Context, vmid int, name string) (bool, error) {
	status, err := p.client.CurrentStatus(ctx, vmid)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, p.classify("status", "", err)
	}
	if status.Name != name {
		return false, provisioner.Errorf(provisioner.ErrInvalidRequest, "provision", "",
			"vmid %d is already used by %q", vmid, status.Name)
	}
	if status.Lock != "" {
		return false, provisioner.Errorf(provisioner.ErrBackendUnavailable, "provision", strconv.Itoa(vmid),
			"vm %d is locked (%s)", vmid, status.Lock)
	}
	return true, nil
}

// bringUp configures, resizes, starts and locates the VM.
func (p *Provisioner) bringUp(ctx context.Context, vmid int, req *models.ProvisionRequest) (*models.Instance, error) {
	externalID := strconv.Itoa(vmid)

	if err := p.client.ConfigureVM(ctx, vmid, configParams(req)); err != nil {
		return nil, p.classify("configure", externalID, err)
	}

	if req.StorageGB > 0 {
		if err := p.resize(ctx, vmid, req.StorageGB); err != nil {
			return nil, err
		}
	}

	status, err := p.client.CurrentStatus(ctx, vmid)
	if err != nil {
		return nil, p.classify("status", externalID, err)
	}
	if status.Status != "running" {
		upid, err := p.client.StartVM(ctx, vmid)
		if err != nil {
			return nil, p.classify("start", externalID, err)
		}
		if err := p.waiter.Wait(ctx, upid); err != nil {
			return nil, p.classifyTask("start", externalID, err)
		}
	}

	inst := &models.Instance{
		ExternalID: externalID,
		SSHPort:    models.DefaultSSHPort,
	}
	inst.IPAddress, inst.IPv6Address = p.discoverAddress(ctx, vmid)
	inst.AddressPending = inst.IPAddress == "" && inst.IPv6Address == ""
	return inst, nil
}

func (p *Provisioner) resize(ctx context.Context, vmid, storageGB int) error {
	externalID := strconv.Itoa(vmid)
	upid, err := p.client.ResizeDisk(ctx, vmid, p.cfg.Disk, fmt.Sprintf("%dG", storageGB))
	if err != nil {
		if isShrinkRefusal(err) {
			p.logger.Warn("template disk is larger than requested size, keeping it",
				"vmid", vmid,
				"storage_gb", storageGB,
			)
			return nil
		}
		return p.classify("resize", externalID, err)
	}
	if upid != "" {
		if err := p.waiter.Wait(ctx, upid); err != nil {
			return p.classifyTask("resize", externalID, err)
		}
	}
	return nil
}

// discoverAddress polls the guest agent until an address appears or the
// budget runs out. Guest agent errors are expected while the VM boots.
func (p *Provisioner) discoverAddress(ctx context.Context, vmid int) (string, string) {
	deadline := time.NewTimer(p.cfg.AddressTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.AddressPollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return "", ""
		case <-deadline.C:
			p.logger.Warn("VM started but no address was reported in time",
				"vmid", vmid,
				"budget", p.cfg.AddressTimeout,
			)
			return "", ""
		case <-ticker.C:
		}

		ifaces, err := p.client.GuestInterfaces(ctx, vmid)
		if err != nil {
			p.logger.Debug("guest agent not ready", "vmid", vmid, "attempt", attempt, "error", err)
			continue
		}
		if v4, v6 := selectAddresses(ifaces); v4 != "" || v6 != "" {
			// Keep waiting briefly for IPv4 when only IPv6 is up; DHCP is often slower.
			if v4 != "" {
				return v4, v6
			}
			if attempt > 2 {
				return v4, v6
			}
		}
	}
}

// cleanup removes a VM whose bring-up failed. Errors are logged only.
func (p *Provisioner) cleanup(ctx context.Context, vmid int, log *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	log.Warn("removing partially provisioned VM")
	if err := p.Terminate(cleanupCtx, strconv.Itoa(vmid)); err != nil {
		log.Error("cleanup of partially provisioned VM failed", "error", err)
	}
}

// Terminate stops the VM if it runs and deletes it with purge semantics.
// A missing VM is success.
func (p *Provisioner) Terminate(ctx context.Context, externalID string) error {
	vmid, err := p.ownedVMID(externalID)
	if err != nil {
		return provisioner.Wrap(provisioner.ErrInvalidRequest, "terminate", externalID, err)
	}

	status, err := p.client.CurrentStatus(ctx, vmid)
	if err != nil {
		if IsNotFound(err) {
			p.logger.Info("VM already absent", "vmid", vmid)
			return nil
		}
		return p.classify("terminate", externalID, err)
	}

	if status.Status == "running" {
		p.logger.Info("stopping VM", "vmid", vmid)
		upid, err := p.client.StopVM(ctx, vmid)
		if err != nil && !IsNotFound(err) {
			return p.classify("stop", externalID, err)
		}
		if err == nil {
			if err := p.waiter.Wait(ctx, upid); err != nil {
				return p.classifyTask("stop", externalID, err)
			}
		}
	}

	p.logger.Info("deleting VM", "vmid", vmid)
	upid, err := p.client.DeleteVM(ctx, vmid)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return p.classify("delete", externalID, err)
	}
	if err := p.waiter.Wait(ctx, upid); err != nil {
		return p.classifyTask("delete", externalID, err)
	}
	return nil
}

// HealthCheck maps the VM power state to a health status.
func (p *Provisioner) HealthCheck(ctx context.Context, externalID string) models.HealthStatus {
	vmid, err := ParseVMID(externalID)
	if err != nil {
		return models.Unhealthy("invalid external id")
	}

	status, err := p.client.CurrentStatus(ctx, vmid)
	if err != nil {
		if IsNotFound(err) {
			return models.Unhealthy("not found")
		}
		p.logger.Debug("health check failed", "vmid", vmid, "error", err)
		return models.Unknown()
	}

	switch status.Status {
	case "running":
		return models.Healthy(time.Duration(status.Uptime) * time.Second)
	case "stopped":
		return models.Unhealthy("stopped")
	default:
		return models.Unhealthy(status.Status)
	}
}

// GetInstance returns the VM as an instance, or nil if it does not exist.
func (p *Provisioner) GetInstance(ctx context.Context, externalID string) (*models.Instance, error) {
	vmid, err := ParseVMID(externalID)
	if err != nil {
		return nil, provisioner.Wrap(provisioner.ErrInvalidRequest, "get_instance", externalID, err)
	}

	status, err := p.client.CurrentStatus(ctx, vmid)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, p.classify("get_instance", externalID, err)
	}

	inst := &models.Instance{
		ExternalID: strconv.Itoa(vmid),
		SSHPort:    models.DefaultSSHPort,
		AdditionalDetails: map[string]any{
			"vmid":   vmid,
			"node":   p.client.Node(),
			"name":   status.Name,
			"status": status.Status,
			"uptime": status.Uptime,
		},
	}
	if status.Status == "running" {
		if ifaces, err := p.client.GuestInterfaces(ctx, vmid); err == nil {
			inst.IPAddress, inst.IPv6Address = selectAddresses(ifaces)
		}
	}
	inst.AddressPending = inst.IPAddress == "" && inst.IPv6Address == ""
	return inst, nil
}

// ListInstances returns the VMIDs of agent-owned VMs on the node.
func (p *Provisioner) ListInstances(ctx context.Context) ([]string, error) {
	vms, err := p.client.ListVMs(ctx)
	if err != nil {
		return nil, p.classify("list", "", err)
	}
	ids := make([]string, 0, len(vms))
	for _, vm := range vms {
		if vm.Template == 1 || !IsAgentVMID(vm.VMID) {
			continue
		}
		ids = append(ids, strconv.Itoa(vm.VMID))
	}
	return ids, nil
}

// InstanceIDFor returns the VMID a contract is provisioned into.
func (p *Provisioner) InstanceIDFor(contractID string) string {
	return strconv.Itoa(AllocateVMID(contractID))
}

// VerifySetup checks API access, the template, the storage and the pool.
func (p *Provisioner) VerifySetup(ctx context.Context) []provisioner.CheckResult {
	var results []provisioner.CheckResult

	version, err := p.client.Version(ctx)
	results = append(results, check("api reachable", err, "Proxmox VE "+version))
	if err != nil {
		return results
	}

	cfg, err := p.client.VMConfig(ctx, p.cfg.TemplateVMID)
	switch {
	case err != nil:
		results = append(results, check("template exists", err, ""))
	case fmt.Sprint(cfg["template"]) != "1":
		results = append(results, provisioner.CheckResult{
			Name:   "template exists",
			Detail: fmt.Sprintf("VM %d is not marked as a template", p.cfg.TemplateVMID),
		})
	default:
		results = append(results, check("template exists", nil, fmt.Sprintf("VM %d", p.cfg.TemplateVMID)))
	}

	if p.cfg.Storage != "" {
		_, err := p.client.StorageStatus(ctx, p.cfg.Storage)
		results = append(results, check("storage available", err, p.cfg.Storage))
	}
	if p.cfg.Pool != "" {
		results = append(results, check("pool exists", p.client.GetPool(ctx, p.cfg.Pool), p.cfg.Pool))
	}
	return results
}

func check(name string, err error, detail string) provisioner.CheckResult {
	if err != nil {
		return provisioner.CheckResult{Name: name, Detail: err.Error()}
	}
	return provisioner.CheckResult{Name: name, OK: true, Detail: detail}
}

// ownedVMID parses externalID and refuses VMIDs outside the agent range.
func (p *Provisioner) ownedVMID(externalID string) (int, error) {
	vmid, err := ParseVMID(externalID)
	if err != nil {
		return 0, err
	}
	if !IsAgentVMID(vmid) {
		return 0, fmt.Errorf("vmid %d is outside the agent range", vmid)
	}
	return vmid, nil
}

// configParams builds the cloud-init configuration for a request.
func configParams(req *models.ProvisionRequest) url.Values {
	params := url.Values{}
	params.Set("ipconfig0", "ip=dhcp")
	if keys := req.SSHKeys(); len(keys) > 0 {
		params.Set("sshkeys", encodeSSHKeys(strings.Join(keys, "\n")))
	}
	if req.CPUCores > 0 {
		params.Set("cores", strconv.Itoa(req.CPUCores))
	}
	if req.MemoryMB > 0 {
		params.Set("memory", strconv.Itoa(req.MemoryMB))
	}
	return params
}

// encodeSSHKeys URL-encodes keys the way the sshkeys option expects:
// spaces as %20, not '+'.
func encodeSSHKeys(keys string) string {
	return strings.ReplaceAll(url.QueryEscape(keys), "+", "%20")
}

func (p *Provisioner) classify(op, externalID string, err error) error {
	var apiErr *APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return provisioner.Wrap(provisioner.ErrTimeout, op, externalID, err)
	case errors.As(err, &apiErr):
		text := apiErr.Status + " " + apiErr.Body
		switch {
		case isResourceExhaustion(text):
			return provisioner.Wrap(provisioner.ErrInsufficientResources, op, externalID, err)
		case IsNotFound(err):
			return provisioner.Wrap(provisioner.ErrNotFound, op, externalID, err)
		case apiErr.StatusCode == 400, apiErr.StatusCode == 401, apiErr.StatusCode == 403:
			return provisioner.Wrap(provisioner.ErrInvalidRequest, op, externalID, err)
		}
	}
	return provisioner.Wrap(provisioner.ErrBackendUnavailable, op, externalID, err)
}

func (p *Provisioner) classifyTask(op, externalID string, err error) error {
	var taskErr *TaskError
	switch {
	case errors.Is(err, ErrTaskTimeout):
		return provisioner.Wrap(provisioner.ErrTimeout, op, externalID, err)
	case errors.As(err, &taskErr):
		kind := provisioner.ErrBackendUnavailable
		if isResourceExhaustion(taskErr.ExitStatus) {
			kind = provisioner.ErrInsufficientResources
		}
		return provisioner.Errorf(kind, op, externalID, "%s task failed: %s", op, taskErr.ExitStatus)
	}
	return p.classify(op, externalID, err)
}

func isResourceExhaustion(text string) bool {
	text = strings.ToLower(text)
	for _, marker := range []string{"not enough", "no space", "out of memory", "insufficient", "cannot allocate"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func isShrinkRefusal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Status+" "+apiErr.Body), "shrinking disks is not supported")
}
