package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/narvanalabs/provider-agent/internal/delegation"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
	"github.com/narvanalabs/provider-agent/pkg/config"
	"github.com/spf13/cobra"
)

func newDoctorCommand(opts *globalOptions) *cobra.Command {
	var verifyAPI bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, backend setup and marketplace access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), cfg, opts, verifyAPI)
		},
	}

	cmd.Flags().BoolVar(&verifyAPI, "verify-api", false, "Send a heartbeat to verify the delegation is accepted")

	return cmd
}

func runDoctor(ctx context.Context, out io.Writer, cfg *config.Config, opts *globalOptions, verifyAPI bool) error {
	log := opts.logger(cfg)

	fmt.Fprintln(out, "Configuration")
	fmt.Fprintf(out, "  endpoint:     %s\n", cfg.API.Endpoint)
	fmt.Fprintf(out, "  provider:     %s\n", cfg.API.ProviderPubkey)
	if key, err := delegation.LoadPrivateKey(cfg.API.AgentSecretKey); err == nil {
		fmt.Fprintf(out, "  agent:        %s\n", delegation.PublicKeyHex(key))
	}
	fmt.Fprintf(out, "  provisioner:  %s\n", cfg.Provisioner.Type)
	fmt.Fprintf(out, "  poll:         %s (health %s, heartbeat %s)\n",
		cfg.Polling.Interval, cfg.Polling.HealthCheckInterval, cfg.Polling.HeartbeatInterval)
	if cfg.API.PasswordRecipient == "" {
		fmt.Fprintln(out, "  passwords:    not reported (no password_recipient)")
	} else {
		fmt.Fprintln(out, "  passwords:    sealed with age")
	}

	c, err := buildAgent(cfg, log)
	if err != nil {
		return err
	}

	failed := 0
	report := func(check provisioner.CheckResult) {
		mark := "ok  "
		if !check.OK {
			mark = "FAIL"
			failed++
		}
		if check.Detail != "" {
			fmt.Fprintf(out, "  [%s] %s: %s\n", mark, check.Name, check.Detail)
		} else {
			fmt.Fprintf(out, "  [%s] %s\n", mark, check.Name)
		}
	}

	fmt.Fprintln(out, "\nProvisioner")
	if v, ok := c.prov.(provisioner.SetupVerifier); ok {
		verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		for _, check := range v.VerifySetup(verifyCtx) {
			report(check)
		}
		cancel()
	} else {
		fmt.Fprintf(out, "  %s provisioner has no setup checks\n", cfg.Provisioner.Type)
	}

	if verifyAPI {
		fmt.Fprintln(out, "\nMarketplace")
		hbCtx, cancel := context.WithTimeout(ctx, cfg.API.RequestTimeout)
		ack, err := c.agent.HeartbeatOnce(hbCtx)
		cancel()
		if err != nil {
			report(provisioner.CheckResult{Name: "heartbeat", Detail: err.Error()})
			return err
		}
		report(provisioner.CheckResult{Name: "heartbeat", OK: true, Detail: fmt.Sprintf("acknowledged=%t", ack.Acknowledged)})
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Fprintln(out, "\nAll checks passed.")
	return nil
}
