package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/provider-agent/internal/backend"
	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/spf13/cobra"
)

func newTestProvisionCommand(opts *globalOptions) *cobra.Command {
	var req models.ProvisionRequest
	var keep bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "test-provision",
		Short: "Provision, health-check and terminate a throwaway instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := opts.logger(cfg)

			prov, err := backend.New(&cfg.Provisioner, log.WithComponent(cfg.Provisioner.Type).Logger)
			if err != nil {
				return asConfigError(err)
			}

			if req.ContractID == "" {
				req.ContractID = "test-" + uuid.NewString()[:8]
			}
			if err := req.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Provisioning %s with the %s provisioner...\n", req.ContractID, prov.Kind())
			start := time.Now()
			inst, err := prov.Provision(ctx, &req)
			if err != nil {
				return fmt.Errorf("provision failed: %w", err)
			}
			fmt.Fprintf(out, "Provisioned in %s\n", time.Since(start).Round(time.Second))

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			shown := *inst
			if shown.RootPassword != "" {
				shown.RootPassword = "<redacted>"
			}
			if err := enc.Encode(shown); err != nil {
				return err
			}

			status := prov.HealthCheck(ctx, inst.ExternalID)
			fmt.Fprintf(out, "Health: %s", status.State)
			if status.Reason != "" {
				fmt.Fprintf(out, " (%s)", status.Reason)
			}
			fmt.Fprintln(out)

			if keep {
				fmt.Fprintf(out, "Keeping instance %s\n", inst.ExternalID)
				return nil
			}

			termCtx, termCancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer termCancel()
			if err := prov.Terminate(termCtx, inst.ExternalID); err != nil {
				return fmt.Errorf("terminate %s failed: %w", inst.ExternalID, err)
			}
			fmt.Fprintf(out, "Terminated %s\n", inst.ExternalID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ContractID, "contract-id", "", "Contract id to use (default: random test-xxxxxxxx)")
	cmd.Flags().IntVar(&req.CPUCores, "cpu", 1, "CPU cores")
	cmd.Flags().IntVar(&req.MemoryMB, "memory", 1024, "Memory in MiB")
	cmd.Flags().IntVar(&req.StorageGB, "storage", 0, "Disk size in GiB (0 keeps the template size)")
	cmd.Flags().StringVar(&req.RequesterSSHPubkey, "ssh-key", "", "SSH public key to inject")
	cmd.Flags().BoolVar(&keep, "keep", false, "Do not terminate the instance afterwards")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "Overall provisioning timeout")

	return cmd
}
