package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/narvanalabs/provider-agent/internal/secrets"
	"github.com/spf13/cobra"
)

func newPasswordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Work with sealed root passwords",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate an age keypair for api.password_recipient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			recipient, identity, err := secrets.GenerateKeyPair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# recipient: %s\n", recipient)
			fmt.Fprintln(out, identity)
			return nil
		},
	})

	var identityFile string
	open := &cobra.Command{
		Use:   "open [file]",
		Short: "Decrypt a sealed root password read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := readIdentity(identityFile)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			sealed, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("reading sealed password: %w", err)
			}

			plaintext, err := secrets.Open(string(sealed), identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plaintext)
			return nil
		},
	}
	open.Flags().StringVarP(&identityFile, "identity", "i", "", "File holding the AGE-SECRET-KEY identity")
	_ = open.MarkFlagRequired("identity")
	cmd.AddCommand(open)

	return cmd
}

// readIdentity returns the first AGE-SECRET-KEY line of path.
func readIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading identity: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			return line, nil
		}
	}
	return "", asConfigError(fmt.Errorf("%s holds no AGE-SECRET-KEY identity", path))
}
