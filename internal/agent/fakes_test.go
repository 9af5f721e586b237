package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/narvanalabs/provider-agent/internal/marketplace"
	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
)

// fakeMarketplace is an in-memory Marketplace.
type fakeMarketplace struct {
	mu sync.Mutex

	pending []models.PendingContract
	active  []models.ActiveContract
	ack     *models.HeartbeatAck

	// errs fails the named call: pending, active, provisioned, failed, health, heartbeat.
	errs map[string]error
	// healthErrs fails health reports for specific contracts.
	healthErrs map[string]error

	provisioned map[string]*models.ProvisionReport
	failed      map[string]*models.FailureReport
	health      map[string]*models.HealthReport
	heartbeats  []*models.Heartbeat
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		errs:        make(map[string]error),
		healthErrs:  make(map[string]error),
		provisioned: make(map[string]*models.ProvisionReport),
		failed:      make(map[string]*models.FailureReport),
		health:      make(map[string]*models.HealthReport),
	}
}

func (f *fakeMarketplace) PendingContracts(ctx context.Context) ([]models.PendingContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["pending"]; err != nil {
		return nil, err
	}
	return append([]models.PendingContract(nil), f.pending...), nil
}

func (f *fakeMarketplace) ActiveContracts(ctx context.Context) ([]models.ActiveContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["active"]; err != nil {
		return nil, err
	}
	return append([]models.ActiveContract(nil), f.active...), nil
}

func (f *fakeMarketplace) ReportProvisioned(ctx context.Context, id string, r *models.ProvisionReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["provisioned"]; err != nil {
		return err
	}
	f.provisioned[id] = r
	return nil
}

func (f *fakeMarketplace) ReportFailed(ctx context.Context, id string, r *models.FailureReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["failed"]; err != nil {
		return err
	}
	f.failed[id] = r
	return nil
}

func (f *fakeMarketplace) ReportHealth(ctx context.Context, id string, r *models.HealthReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["health"]; err != nil {
		return err
	}
	if err := f.healthErrs[id]; err != nil {
		return err
	}
	f.health[id] = r
	return nil
}

func (f *fakeMarketplace) Heartbeat(ctx context.Context, hb *models.Heartbeat) (*models.HeartbeatAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["heartbeat"]; err != nil {
		return nil, err
	}
	f.heartbeats = append(f.heartbeats, hb)
	if f.ack != nil {
		return f.ack, nil
	}
	return &models.HeartbeatAck{Acknowledged: true}, nil
}

func (f *fakeMarketplace) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.provisioned) + len(f.failed)
}

// fakeProvisioner records calls and fails contracts listed in fail.
type fakeProvisioner struct {
	mu sync.Mutex

	fail    map[string]error
	health  map[string]models.HealthStatus
	owned   []string
	listErr error
	// block, when set, holds Provision until it is closed.
	block chan struct{}
	// started receives the contract id when Provision begins.
	started chan string

	calls      []string
	terminated []string
	ctxErrs    []error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		fail:   make(map[string]error),
		health: make(map[string]models.HealthStatus),
	}
}

func (p *fakeProvisioner) Kind() provisioner.Kind { return provisioner.KindScript }

func (p *fakeProvisioner) Provision(ctx context.Context, req *models.ProvisionRequest) (*models.Instance, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.ContractID)
	block, started := p.block, p.started
	err := p.fail[req.ContractID]
	p.mu.Unlock()

	if started != nil {
		started <- req.ContractID
	}
	if block != nil {
		<-block
	}

	p.mu.Lock()
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &models.Instance{
		ExternalID:   "vm-" + req.ContractID,
		IPAddress:    "10.0.0.100",
		SSHPort:      models.DefaultSSHPort,
		RootPassword: "plaintext",
	}, nil
}

func (p *fakeProvisioner) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, id)
	return nil
}

func (p *fakeProvisioner) HealthCheck(ctx context.Context, id string) models.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.health[id]; ok {
		return s
	}
	return models.Healthy(time.Minute)
}

func (p *fakeProvisioner) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	return nil, nil
}

func (p *fakeProvisioner) callList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// listingProvisioner adds ListInstances to fakeProvisioner.
type listingProvisioner struct {
	*fakeProvisioner
}

func (p listingProvisioner) ListInstances(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.owned...), p.listErr
}

func (p listingProvisioner) InstanceIDFor(contractID string) string {
	return "vm-" + contractID
}

// recordingSealer marks passwords as sealed.
type recordingSealer struct{}

func (recordingSealer) Protect(contractID string, r *models.ProvisionReport) error {
	if r.RootPassword != "" {
		r.RootPassword = "sealed:" + contractID
	}
	return nil
}

var errDenied = fmt.Errorf("fetching pending contracts: %w", &marketplace.APIError{StatusCode: 403, Message: "delegation revoked"})

func testConfig() *Config {
	return &Config{
		PollInterval:            10 * time.Millisecond,
		HealthCheckInterval:     10 * time.Millisecond,
		HeartbeatInterval:       10 * time.Millisecond,
		MaxConcurrentProvisions: 1,
		Version:                 "1.2.0",
	}
}

func contracts(ids ...string) []models.PendingContract {
	out := make([]models.PendingContract, len(ids))
	for i, id := range ids {
		out[i] = models.PendingContract{ContractID: id, OfferingID: "small", CPUCores: 2, MemoryMB: 4096, StorageGB: 50}
	}
	return out
}
