package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/narvanalabs/provider-agent/internal/agent"
	"github.com/narvanalabs/provider-agent/internal/api"
	"github.com/narvanalabs/provider-agent/internal/api/health"
	"github.com/narvanalabs/provider-agent/internal/backend"
	"github.com/narvanalabs/provider-agent/internal/delegation"
	"github.com/narvanalabs/provider-agent/internal/marketplace"
	"github.com/narvanalabs/provider-agent/internal/metrics"
	"github.com/narvanalabs/provider-agent/internal/orphan"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
	"github.com/narvanalabs/provider-agent/internal/secrets"
	"github.com/narvanalabs/provider-agent/internal/shutdown"
	"github.com/narvanalabs/provider-agent/pkg/config"
	"github.com/narvanalabs/provider-agent/pkg/logger"
	"github.com/spf13/cobra"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the provisioning agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, opts.logger(cfg))
		},
	}
}

// components holds everything runAgent wires together.
type components struct {
	agent   *agent.Agent
	prov    provisioner.Provisioner
	tracker *orphan.Tracker
	metrics *metrics.Metrics
}

// buildAgent constructs the agent and its collaborators from cfg.
func buildAgent(cfg *config.Config, log *logger.Logger) (*components, error) {
	agentKey, err := delegation.LoadPrivateKey(cfg.API.AgentSecretKey)
	if err != nil {
		return nil, asConfigError(fmt.Errorf("loading agent key: %w", err))
	}

	prov, err := backend.New(&cfg.Provisioner, log.WithComponent(cfg.Provisioner.Type).Logger)
	if err != nil {
		return nil, asConfigError(err)
	}

	sealer, err := secrets.NewSealer(cfg.API.PasswordRecipient, log.WithComponent("secrets").Logger)
	if err != nil {
		return nil, asConfigError(fmt.Errorf("api.password_recipient: %w", err))
	}

	client := marketplace.NewClient(
		cfg.API.Endpoint,
		cfg.API.ProviderPubkey,
		delegation.NewSigner(agentKey, cfg.API.ProviderPubkey),
		cfg.API.RequestTimeout,
		log.WithComponent("marketplace").Logger,
	)

	m := metrics.New()
	agentOpts := []agent.Option{
		agent.WithPasswordProtector(sealer),
		agent.WithMetrics(m),
	}

	grace := cfg.Polling.OrphanGrace()
	var tracker *orphan.Tracker
	if _, canList := prov.(provisioner.Lister); canList && grace > 0 {
		tracker, err = orphan.Load(cfg.Polling.OrphanTrackerPath)
		if err != nil {
			log.Warn("orphan tracker state unreadable, starting empty",
				"path", cfg.Polling.OrphanTrackerPath,
				"error", err,
			)
			tracker, _ = orphan.Load("")
		}
		agentOpts = append(agentOpts, agent.WithOrphanTracker(tracker))
	}

	a := agent.New(&agent.Config{
		PollInterval:            cfg.Polling.Interval,
		HealthCheckInterval:     cfg.Polling.HealthCheckInterval,
		HeartbeatInterval:       cfg.Polling.HeartbeatInterval,
		MaxConcurrentProvisions: cfg.Polling.MaxConcurrentProvisions,
		OrphanGracePeriod:       grace,
		Version:                 version,
	}, client, prov, log.WithComponent("agent").Logger, agentOpts...)

	return &components{agent: a, prov: prov, tracker: tracker, metrics: m}, nil
}

// runAgent runs the agent until ctx ends, then drains in-flight work.
func runAgent(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	c, err := buildAgent(cfg, log)
	if err != nil {
		return err
	}

	log.Info("starting provider agent",
		"version", version,
		"provisioner", cfg.Provisioner.Type,
		"endpoint", cfg.API.Endpoint,
		"poll_interval", cfg.Polling.Interval.String(),
		"max_concurrent_provisions", cfg.Polling.MaxConcurrentProvisions,
	)

	if v, ok := c.prov.(provisioner.SetupVerifier); ok {
		verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		for _, check := range v.VerifySetup(verifyCtx) {
			if !check.OK {
				log.Warn("setup check failed", "check", check.Name, "detail", check.Detail)
			}
		}
		cancel()
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)

	if c.tracker != nil {
		tracker := c.tracker
		coordinator.Register(shutdown.NewFuncComponent("orphan-tracker", func(context.Context) error {
			return tracker.Save()
		}))
	}

	if cfg.Status.Listen != "" {
		srv := newStatusServer(cfg, c, log)
		go func() {
			if err := srv.Start(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Error("status server stopped")
			}
		}()
		coordinator.Register(shutdown.NewFuncComponent("status-server", srv.Shutdown))
	}

	coordinator.Register(shutdown.NewFuncComponent("agent", c.agent.Shutdown))

	runErr := c.agent.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("agent stopped")
	}

	shutdownErr := coordinator.Shutdown()
	switch {
	case runErr != nil:
		return runErr
	case coordinator.ExitCode() != 0:
		return errors.New("shutdown did not complete before the deadline")
	case shutdownErr != nil:
		return shutdownErr
	}
	log.Info("provider agent stopped")
	return nil
}

func newStatusServer(cfg *config.Config, c *components, log *logger.Logger) *api.Server {
	checker := health.NewChecker(version)
	maxAge := 3 * max(cfg.Polling.Interval, cfg.Polling.HeartbeatInterval)
	checker.Register("marketplace", health.Freshness(c.agent.LastContact, maxAge, time.Now))

	kind := string(c.prov.Kind())
	checker.Register("provisioner", func(context.Context) health.ComponentStatus {
		return health.ComponentStatus{Status: health.StatusHealthy, Message: kind}
	})

	return api.NewServer(cfg.Status.Listen, c.agent, checker, c.metrics.Handler(), log.WithComponent("status").Logger)
}
