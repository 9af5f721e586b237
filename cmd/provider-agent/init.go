package main

import (
	"fmt"
	"path/filepath"

	"github.com/narvanalabs/provider-agent/internal/delegation"
	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	var dir string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the agent keypair",
		Long: `Generate a new ed25519 keypair for this agent.

The secret key is written to agent.key (mode 0600) and the public key to
agent.pub. Register the public key with 'provider-agent register' to let
the agent act on the provider's behalf.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := delegation.WriteKeypair(dir, force)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Agent public key: %s\n", delegation.PublicKeyHex(key))
			fmt.Fprintf(out, "Secret key:       %s\n", filepath.Join(dir, delegation.PrivateKeyFile))
			fmt.Fprintf(out, "\nSet api.agent_secret_key to the secret key path, then run:\n")
			fmt.Fprintf(out, "  provider-agent register --agent-pubkey %s\n", delegation.PublicKeyHex(key))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "/etc/provider-agent", "Directory to write the keypair to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing keypair")

	return cmd
}
