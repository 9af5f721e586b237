package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/narvanalabs/provider-agent/internal/delegation"
	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/spf13/cobra"
)

func newRegisterCommand(opts *globalOptions) *cobra.Command {
	keyOpts := &providerKeyOptions{}
	var agentPubkey, label string
	var permissions []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Delegate provider permissions to this agent's key",
		Long: `Sign a delegation with the provider's primary key and register it with
the marketplace. The provider key is read from --provider-key or prompted for
and is never written to disk.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadPartialConfig()
			if err != nil {
				return err
			}
			log := opts.logger(cfg)

			if agentPubkey == "" {
				if cfg.API.AgentSecretKey == "" {
					return asConfigError(fmt.Errorf("pass --agent-pubkey or set api.agent_secret_key"))
				}
				agentKey, err := delegation.LoadPrivateKey(cfg.API.AgentSecretKey)
				if err != nil {
					return asConfigError(fmt.Errorf("loading agent key: %w", err))
				}
				agentPubkey = delegation.PublicKeyHex(agentKey)
			}
			if _, err := delegation.ParsePublicKey(agentPubkey); err != nil {
				return asConfigError(fmt.Errorf("--agent-pubkey: %w", err))
			}

			perms, err := parsePermissions(permissions)
			if err != nil {
				return asConfigError(err)
			}
			if label == "" {
				label, _ = os.Hostname()
			}

			providerKey, err := keyOpts.readProviderKey(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := keyOpts.providerClient(cfg, providerKey, log)
			if err != nil {
				return err
			}

			d := delegation.New(agentPubkey, perms, ttl, label, time.Now())
			if err := delegation.Sign(d, providerKey); err != nil {
				return err
			}
			if err := delegation.VerifySignature(d); err != nil {
				return fmt.Errorf("self-check of signed delegation: %w", err)
			}
			if err := client.CreateDelegation(cmd.Context(), d); err != nil {
				return fmt.Errorf("registering delegation: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Delegation registered for agent %s\n", agentPubkey)
			fmt.Fprintf(out, "  provider:    %s\n", d.ProviderPubkey)
			fmt.Fprintf(out, "  permissions: %s\n", joinPermissions(d.Permissions))
			fmt.Fprintf(out, "  expires:     %s\n", formatExpiry(d.ExpiresAtNs))
			return nil
		},
	}

	cmd.Flags().StringVar(&keyOpts.keyFile, "provider-key", "", "Provider secret key (hex) or path to a file containing it")
	cmd.Flags().StringVar(&keyOpts.endpoint, "endpoint", "", "Marketplace URL (defaults to api.endpoint)")
	cmd.Flags().StringVar(&agentPubkey, "agent-pubkey", "", "Agent public key (defaults to the key in api.agent_secret_key)")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "Permissions to grant (default: all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Delegation lifetime; 0 never expires")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label (default: hostname)")

	return cmd
}

func parsePermissions(names []string) ([]models.Permission, error) {
	if len(names) == 0 {
		return models.AllPermissions(), nil
	}
	perms := make([]models.Permission, 0, len(names))
	for _, name := range names {
		p, err := models.ParsePermission(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}

func joinPermissions(perms []models.Permission) string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}

func formatExpiry(ns *int64) string {
	if ns == nil {
		return "never"
	}
	return time.Unix(0, *ns).UTC().Format(time.RFC3339)
}
