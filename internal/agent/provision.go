package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
	"github.com/narvanalabs/provider-agent/pkg/logger"
)

// ProvisionOnce fetches pending contracts and provisions each of them.
// A failure for one contract never stops the others; only an authorization
// failure is returned, after which no further contracts are dispatched.
func (a *Agent) ProvisionOnce(ctx context.Context) error {
	ctx = a.tickContext(ctx)
	summary := TickSummary{TickID: logger.TickIDFromContext(ctx), StartedAt: a.now()}
	defer func() {
		summary.FinishedAt = a.now()
		a.recordProvisionTick(summary)
	}()

	contracts, err := a.market.PendingContracts(ctx)
	if err != nil {
		a.metrics.ReportFailed("pending_contracts")
		summary.Error = err.Error()
		return err
	}
	a.recordContact()
	a.rememberPending(contracts)
	summary.Contracts = len(contracts)
	if len(contracts) == 0 {
		return nil
	}

	a.log(ctx).Info("processing pending contracts", "count", len(contracts))

	var (
		mu      sync.Mutex
		authErr error
		seen    = make(map[string]struct{}, len(contracts))
	)
	denied := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return authErr != nil
	}

	g := new(errgroup.Group)
	g.SetLimit(a.cfg.MaxConcurrentProvisions)

	for _, c := range contracts {
		if _, dup := seen[c.ContractID]; dup {
			summary.Skipped++
			continue
		}
		seen[c.ContractID] = struct{}{}

		if denied() || ctx.Err() != nil {
			summary.Skipped++
			continue
		}
		if !a.claim(c.ContractID) {
			a.log(ctx).Debug("contract already in flight", "contract_id", c.ContractID)
			summary.Skipped++
			continue
		}

		a.ops.Add(1)
		g.Go(func() error {
			defer a.ops.Done()
			defer a.release(c.ContractID)

			if denied() || ctx.Err() != nil {
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return nil
			}

			outcome, err := a.provisionContract(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeProvisioned:
				summary.Succeeded++
			case outcomeFailed:
				summary.Failed++
			case outcomePending:
				summary.Pending++
			}
			if err != nil && authErr == nil {
				authErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	a.log(ctx).Info("provisioning tick completed",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"pending", summary.Pending,
		"skipped", summary.Skipped,
	)

	if authErr != nil {
		summary.Error = authErr.Error()
	}
	return authErr
}

type outcome int

const (
	outcomeProvisioned outcome = iota
	outcomeFailed
	outcomePending
)

// provisionContract provisions one contract and reports the result. The
// returned error is non-nil only for authorization failures. Provisioning and
// reporting run detached from ctx cancellation so a stop signal never
// abandons a half-created instance without a report.
func (a *Agent) provisionContract(ctx context.Context, c models.PendingContract) (outcome, error) {
	ctx = logger.ContextWithContractID(ctx, c.ContractID)
	opCtx := context.WithoutCancel(ctx)
	log := a.log(ctx)

	a.metrics.InFlight(1)
	defer a.metrics.InFlight(-1)

	req := c.ProvisionRequest()
	log.Info("provisioning contract",
		"offering_id", c.OfferingID,
		"cpu_cores", c.CPUCores,
		"memory_mb", c.MemoryMB,
		"storage_gb", c.StorageGB,
	)

	start := a.now()
	inst, err := a.prov.Provision(opCtx, req)
	elapsed := a.now().Sub(start)

	if err != nil {
		if errors.Is(err, provisioner.ErrManualIntervention) {
			a.metrics.ObserveProvision(string(a.prov.Kind()), "manual", elapsed)
			log.Info("contract awaits manual provisioning")
			return outcomePending, nil
		}

		a.metrics.ObserveProvision(string(a.prov.Kind()), provisioner.KindName(err), elapsed)
		report := failureReport(err)
		log.Error("provisioning failed",
			"error", err,
			"kind", provisioner.KindName(err),
			"retry_possible", report.RetryPossible,
			"external_id", provisioner.ExternalIDOf(err),
			"duration", elapsed,
		)

		if rerr := a.market.ReportFailed(opCtx, c.ContractID, report); rerr != nil {
			a.metrics.ReportFailed("report_failed")
			if IsAuthorizationError(rerr) {
				return outcomeFailed, rerr
			}
			log.Error("failed to report provisioning failure", "error", rerr)
		}
		return outcomeFailed, nil
	}

	a.metrics.ObserveProvision(string(a.prov.Kind()), "success", elapsed)
	report := provisionReport(inst)
	if a.sealer != nil {
		if perr := a.sealer.Protect(c.ContractID, report); perr != nil {
			log.Warn("root password not reported", "error", perr)
		}
	} else {
		report.RootPassword = ""
	}

	log.Info("contract provisioned",
		"external_id", inst.ExternalID,
		"ip_address", inst.IPAddress,
		"address_pending", inst.AddressPending,
		"duration", elapsed,
	)

	if rerr := a.market.ReportProvisioned(opCtx, c.ContractID, report); rerr != nil {
		a.metrics.ReportFailed("report_provisioned")
		if IsAuthorizationError(rerr) {
			return outcomeProvisioned, rerr
		}
		// The next tick sees the contract as pending again and the
		// provisioner returns the existing instance.
		log.Error("failed to report provisioned contract", "error", rerr, "external_id", inst.ExternalID)
	}
	return outcomeProvisioned, nil
}

// provisionReport converts an instance into the marketplace success body.
func provisionReport(inst *models.Instance) *models.ProvisionReport {
	port := inst.SSHPort
	if port == 0 {
		port = models.DefaultSSHPort
	}

	var details map[string]any
	if len(inst.AdditionalDetails) > 0 || inst.AddressPending {
		details = make(map[string]any, len(inst.AdditionalDetails)+1)
		maps.Copy(details, inst.AdditionalDetails)
		if inst.AddressPending {
			details["address_pending"] = true
		}
	}

	return &models.ProvisionReport{
		ExternalInstanceID: inst.ExternalID,
		IPAddress:          inst.IPAddress,
		IPv6Address:        inst.IPv6Address,
		RootPassword:       inst.RootPassword,
		SSHPort:            port,
		AdditionalDetails:  details,
	}
}

// failureReport converts a provisioner error into the marketplace failure body.
// Timeouts name the external id so an operator can reconcile it.
func failureReport(err error) *models.FailureReport {
	msg := provisioner.ReportMessage(err)
	if errors.Is(err, provisioner.ErrTimeout) {
		if id := provisioner.ExternalIDOf(err); id != "" {
			msg = fmt.Sprintf("%s (external id %s may exist)", msg, id)
		}
	}
	return &models.FailureReport{
		Error:         msg,
		RetryPossible: provisioner.RetryPossible(err),
	}
}

