package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDelegationsCommand(opts *globalOptions) *cobra.Command {
	keyOpts := &providerKeyOptions{}

	cmd := &cobra.Command{
		Use:   "delegations",
		Short: "Manage agent delegations of the provider",
	}
	cmd.PersistentFlags().StringVar(&keyOpts.keyFile, "provider-key", "", "Provider secret key (hex) or path to a file containing it")
	cmd.PersistentFlags().StringVar(&keyOpts.endpoint, "endpoint", "", "Marketplace URL (defaults to api.endpoint)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List delegations registered for the provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadPartialConfig()
			if err != nil {
				return err
			}
			key, err := keyOpts.readProviderKey(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := keyOpts.providerClient(cfg, key, opts.logger(cfg))
			if err != nil {
				return err
			}

			list, err := client.ListDelegations(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing delegations: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No delegations registered.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tLABEL\tPERMISSIONS\tEXPIRES\tSTATE")
			now := time.Now()
			for _, d := range list {
				state := "active"
				switch {
				case d.RevokedAtNs != nil && *d.RevokedAtNs <= now.UnixNano():
					state = "revoked"
				case d.ExpiresAtNs != nil && now.UnixNano() >= *d.ExpiresAtNs:
					state = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.AgentPubkey, d.Label, joinPermissions(d.Permissions), formatExpiry(d.ExpiresAtNs), state)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <agent-pubkey>",
		Short: "Revoke the delegation of an agent key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadPartialConfig()
			if err != nil {
				return err
			}
			key, err := keyOpts.readProviderKey(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := keyOpts.providerClient(cfg, key, opts.logger(cfg))
			if err != nil {
				return err
			}
			if err := client.RevokeDelegation(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoking delegation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delegation for %s revoked\n", args[0])
			return nil
		},
	})

	return cmd
}
