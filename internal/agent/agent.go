// Package agent runs the provisioning, health-check and heartbeat loops that
// connect the marketplace to a provisioner backend.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/provider-agent/internal/marketplace"
	"github.com/narvanalabs/provider-agent/internal/metrics"
	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/narvanalabs/provider-agent/internal/orphan"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
	"github.com/narvanalabs/provider-agent/internal/updater"
	"github.com/narvanalabs/provider-agent/pkg/logger"
)

// Marketplace is the subset of the marketplace API the loops use.
type Marketplace interface {
	PendingContracts(ctx context.Context) ([]models.PendingContract, error)
	ActiveContracts(ctx context.Context) ([]models.ActiveContract, error)
	ReportProvisioned(ctx context.Context, contractID string, report *models.ProvisionReport) error
	ReportFailed(ctx context.Context, contractID string, report *models.FailureReport) error
	ReportHealth(ctx context.Context, contractID string, report *models.HealthReport) error
	Heartbeat(ctx context.Context, hb *models.Heartbeat) (*models.HeartbeatAck, error)
}

// PasswordProtector seals or strips the root password of a report before it is sent.
type PasswordProtector interface {
	Protect(contractID string, report *models.ProvisionReport) error
}

// Config holds the loop settings.
type Config struct {
	PollInterval            time.Duration
	HealthCheckInterval     time.Duration
	HeartbeatInterval       time.Duration
	MaxConcurrentProvisions int
	// OrphanGracePeriod of zero disables orphan pruning.
	OrphanGracePeriod time.Duration
	Version           string
}

// DefaultConfig returns a Config with the standard intervals.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:            30 * time.Second,
		HealthCheckInterval:     5 * time.Minute,
		HeartbeatInterval:       60 * time.Second,
		MaxConcurrentProvisions: 1,
		OrphanGracePeriod:       time.Hour,
		Version:                 "dev",
	}
}

// Heartbeat intervals requested by the marketplace are clamped to this range.
const (
	minHeartbeatInterval = 5 * time.Second
	maxHeartbeatInterval = time.Hour
)

// Agent drives provisioning for one provider.
type Agent struct {
	cfg     Config
	market  Marketplace
	prov    provisioner.Provisioner
	sealer  PasswordProtector
	orphans *orphan.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// ops tracks provision, report and terminate work that outlives a stop signal.
	ops sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	// pending holds the contract ids of the last pending list.
	pending map[string]struct{}
	status  Status

	activeContracts atomic.Int64
}

// Option configures optional Agent collaborators.
type Option func(*Agent)

// WithPasswordProtector sets the root password sealer.
func WithPasswordProtector(p PasswordProtector) Option {
	return func(a *Agent) { a.sealer = p }
}

// WithOrphanTracker enables orphan pruning backed by t.
func WithOrphanTracker(t *orphan.Tracker) Option {
	return func(a *Agent) { a.orphans = t }
}

// WithMetrics records loop activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates an Agent.
func New(cfg *Config, market Marketplace, prov provisioner.Provisioner, logger *slog.Logger, opts ...Option) *Agent {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:      *cfg,
		market:   market,
		prov:     prov,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
	if a.cfg.MaxConcurrentProvisions < 1 {
		a.cfg.MaxConcurrentProvisions = 1
	}
	for _, opt := range opts {
		opt(a)
	}
	a.status.StartedAt = a.now()
	a.status.Provisioner = string(prov.Kind())
	a.status.Version = a.cfg.Version
	return a
}

// IsAuthorizationError reports whether err means the agent's delegation was refused.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, marketplace.ErrAuthorizationDenied)
}

// Run starts the three loops and blocks until ctx is cancelled or the
// marketplace denies authorization. In the latter case the returned error
// matches marketplace.ErrAuthorizationDenied.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"provisioner", a.prov.Kind(),
		"poll_interval", a.cfg.PollInterval,
		"health_check_interval", a.cfg.HealthCheckInterval,
		"heartbeat_interval", a.cfg.HeartbeatInterval,
		"max_concurrent_provisions", a.cfg.MaxConcurrentProvisions,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.loop(gctx, "provision", a.cfg.PollInterval, a.ProvisionOnce)
	})
	g.Go(func() error {
		return a.loop(gctx, "health", a.cfg.HealthCheckInterval, a.HealthCheckOnce)
	})
	g.Go(func() error {
		return a.heartbeatLoop(gctx)
	})

	err := g.Wait()
	if err != nil && IsAuthorizationError(err) {
		a.logger.Error("marketplace denied authorization, stopping agent",
			"fatal", true,
			"error", err,
		)
		return err
	}
	a.logger.Info("agent stopped")
	return nil
}

// Shutdown waits for in-flight operations to finish or ctx to expire.
func (a *Agent) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.ops.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.logger.Warn("shutdown deadline reached with operations in flight", "in_flight", a.InFlight())
		return fmt.Errorf("waiting for in-flight operations: %w", ctx.Err())
	}
}

// InFlight returns the number of contracts currently being provisioned.
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

// loop runs tick immediately and then every interval. Only authorization
// failures end the loop early.
func (a *Agent) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := tick(ctx); err != nil {
			if IsAuthorizationError(err) {
				return err
			}
			if ctx.Err() == nil {
				a.logger.Error("tick failed", "loop", name, "error", err)
			}
		}
		a.metrics.TickCompleted(name, a.now())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	interval := a.cfg.HeartbeatInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		ack, err := a.HeartbeatOnce(ctx)
		if err != nil {
			if IsAuthorizationError(err) {
				return err
			}
			if ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
		a.metrics.TickCompleted("heartbeat", a.now())

		interval = nextHeartbeatInterval(interval, ack)
		timer.Reset(interval)
	}
}

// nextHeartbeatInterval applies the marketplace's requested interval, if any.
func nextHeartbeatInterval(current time.Duration, ack *models.HeartbeatAck) time.Duration {
	if ack == nil || ack.NextHeartbeatSeconds <= 0 {
		return current
	}
	next := time.Duration(ack.NextHeartbeatSeconds) * time.Second
	switch {
	case next < minHeartbeatInterval:
		return minHeartbeatInterval
	case next > maxHeartbeatInterval:
		return maxHeartbeatInterval
	default:
		return next
	}
}

func (a *Agent) tickContext(ctx context.Context) context.Context {
	return logger.ContextWithTickID(ctx, uuid.NewString())
}

func (a *Agent) log(ctx context.Context) *slog.Logger {
	return (&logger.Logger{Logger: a.logger}).WithContext(ctx).Logger
}

// claim marks contractID as in flight. It returns false if it already is.
func (a *Agent) claim(contractID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inFlight[contractID]; ok {
		return false
	}
	a.inFlight[contractID] = struct{}{}
	return true
}

func (a *Agent) release(contractID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, contractID)
}

func (a *Agent) rememberPending(contracts []models.PendingContract) {
	pending := make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		pending[c.ContractID] = struct{}{}
	}
	a.mu.Lock()
	a.pending = pending
	a.mu.Unlock()
}

// reservedInstances returns the external IDs belonging to contracts that are
// in flight or still pending. Those instances are never orphans.
func (a *Agent) reservedInstances(l provisioner.Lister) map[string]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	reserved := make(map[string]struct{}, len(a.inFlight)+len(a.pending))
	for _, set := range []map[string]struct{}{a.inFlight, a.pending} {
		for contractID := range set {
			if id := l.InstanceIDFor(contractID); id != "" {
				reserved[id] = struct{}{}
			}
		}
	}
	return reserved
}

// HeartbeatOnce sends one heartbeat and returns the marketplace acknowledgement.
func (a *Agent) HeartbeatOnce(ctx context.Context) (*models.HeartbeatAck, error) {
	hb := &models.Heartbeat{
		Version:         a.cfg.Version,
		ProvisionerType: string(a.prov.Kind()),
		Capabilities:    provisioner.Capabilities(a.prov),
		ActiveContracts: int(a.activeContracts.Load()),
	}

	ack, err := a.market.Heartbeat(ctx, hb)
	a.metrics.ObserveHeartbeat(err == nil)
	if err != nil {
		a.recordHeartbeat(err)
		return nil, err
	}
	a.recordHeartbeat(nil)

	a.logger.Debug("heartbeat acknowledged",
		"acknowledged", ack.Acknowledged,
		"next_heartbeat_seconds", ack.NextHeartbeatSeconds,
	)

	if ack.LatestVersion != "" && a.cfg.Version != "dev" {
		newer, err := updater.IsNewer(a.cfg.Version, ack.LatestVersion)
		switch {
		case err != nil:
			a.logger.Debug("cannot compare advertised version", "latest_version", ack.LatestVersion, "error", err)
		case newer:
			a.logger.Info("newer agent release available",
				"current_version", a.cfg.Version,
				"latest_version", ack.LatestVersion,
			)
		}
	}
	return ack, nil
}
