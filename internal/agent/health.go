package agent

import (
	"context"

	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
	"github.com/narvanalabs/provider-agent/pkg/logger"
)

// HealthCheckOnce health-checks every active contract and reports the result.
// Reporting failures are logged and do not stop the pass; only an
// authorization failure is returned.
func (a *Agent) HealthCheckOnce(ctx context.Context) error {
	ctx = a.tickContext(ctx)
	summary := TickSummary{TickID: logger.TickIDFromContext(ctx), StartedAt: a.now()}
	defer func() {
		summary.FinishedAt = a.now()
		a.recordHealthTick(summary)
	}()

	active, err := a.market.ActiveContracts(ctx)
	if err != nil {
		a.metrics.ReportFailed("active_contracts")
		summary.Error = err.Error()
		return err
	}
	a.recordContact()
	a.activeContracts.Store(int64(len(active)))
	summary.Contracts = len(active)

	var healthy, unhealthy, unknown int
	for _, c := range active {
		if ctx.Err() != nil {
			return nil
		}
		if c.ExternalInstanceID == "" {
			a.log(ctx).Debug("active contract has no external instance id", "contract_id", c.ContractID)
			summary.Skipped++
			continue
		}

		cctx := logger.ContextWithContractID(ctx, c.ContractID)
		status := a.prov.HealthCheck(cctx, c.ExternalInstanceID)
		a.metrics.ObserveHealthCheck(string(status.State))
		switch status.State {
		case models.HealthHealthy:
			healthy++
		case models.HealthUnhealthy:
			unhealthy++
		default:
			unknown++
		}

		report := models.NewHealthReport(status, a.now())
		if err := a.market.ReportHealth(cctx, c.ContractID, &report); err != nil {
			a.metrics.ReportFailed("report_health")
			if IsAuthorizationError(err) {
				summary.Error = err.Error()
				return err
			}
			a.log(cctx).Warn("failed to report health", "error", err, "external_id", c.ExternalInstanceID)
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	a.log(ctx).Info("health check pass completed",
		"contracts", len(active),
		"healthy", healthy,
		"unhealthy", unhealthy,
		"unknown", unknown,
	)

	a.reconcileOrphans(ctx, active)
	return nil
}

// reconcileOrphans tracks agent-owned instances with no active contract and
// terminates the ones orphaned for longer than the grace period.
func (a *Agent) reconcileOrphans(ctx context.Context, active []models.ActiveContract) {
	if a.orphans == nil || a.cfg.OrphanGracePeriod <= 0 {
		return
	}
	lister, ok := a.prov.(provisioner.Lister)
	if !ok {
		return
	}
	log := a.log(ctx)

	owned, err := lister.ListInstances(ctx)
	if err != nil {
		log.Warn("cannot list instances for orphan check", "error", err)
		return
	}

	backed := a.reservedInstances(lister)
	for _, c := range active {
		backed[c.ExternalInstanceID] = struct{}{}
	}

	now := a.now()
	orphaned := make(map[string]struct{})
	for _, id := range owned {
		if _, ok := backed[id]; ok {
			continue
		}
		orphaned[id] = struct{}{}
	}

	for _, id := range a.orphans.Retain(orphaned) {
		log.Info("instance no longer orphaned", "external_id", id)
	}
	for id := range orphaned {
		if _, added := a.orphans.Record(id, now); added {
			log.Warn("found orphaned instance", "external_id", id, "grace_period", a.cfg.OrphanGracePeriod)
		}
	}

	opCtx := context.WithoutCancel(ctx)
	for _, id := range a.orphans.Expired(now, a.cfg.OrphanGracePeriod) {
		if _, ok := a.reservedInstances(lister)[id]; ok {
			a.orphans.Remove(id)
			log.Info("orphan candidate claimed by a contract", "external_id", id)
			continue
		}
		a.ops.Add(1)
		err := a.prov.Terminate(opCtx, id)
		a.ops.Done()
		if err != nil {
			log.Error("failed to terminate orphaned instance", "external_id", id, "error", err)
			continue
		}
		a.orphans.Remove(id)
		a.metrics.OrphanPruned()
		log.Warn("terminated orphaned instance", "external_id", id)
	}

	if err := a.orphans.Save(); err != nil {
		log.Error("failed to persist orphan tracker", "error", err)
	}
	a.metrics.SetOrphansTracked(a.orphans.Len())
}
