package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/narvanalabs/provider-agent/internal/delegation"
	"github.com/narvanalabs/provider-agent/internal/setup"
	"github.com/spf13/cobra"
)

func newSetupCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare a provisioning backend for the agent",
	}
	cmd.AddCommand(newSetupProxmoxCommand(opts))
	return cmd
}

type setupProxmoxOptions struct {
	host          string
	sshPort       int
	sshUser       string
	apiPort       int
	proxmoxUser   string
	storage       string
	bridge        string
	templates     string
	output        string
	endpoint      string
	providerKey   string
	agentKey      string
	knownHosts    string
	acceptHostKey bool
	force         bool
}

func newSetupProxmoxCommand(opts *globalOptions) *cobra.Command {
	o := &setupProxmoxOptions{}

	cmd := &cobra.Command{
		Use:   "proxmox",
		Short: "Create VM templates and an API token on a Proxmox VE host",
		Long: `Connect to a Proxmox VE host over SSH, build cloud-init VM templates
from upstream cloud images, create an API token for the agent and write
a configuration file that uses them.

The SSH password is prompted for and never stored. Templates whose VMID
already exists are left untouched, so the command can be re-run; the API
token is recreated on every run.`,
		Example: `  provider-agent setup proxmox --host 192.0.2.10 --templates ubuntu-24.04,debian-12 \
      --api-endpoint https://api.example.org --output /etc/provider-agent/config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd, opts)
		},
	}

	home, _ := os.UserHomeDir()
	f := cmd.Flags()
	f.StringVar(&o.host, "host", "", "Proxmox host name or address")
	f.IntVar(&o.sshPort, "ssh-port", 22, "SSH port")
	f.StringVar(&o.sshUser, "ssh-user", "root", "SSH user (needs root privileges)")
	f.IntVar(&o.apiPort, "api-port", 8006, "Proxmox API port")
	f.StringVar(&o.proxmoxUser, "proxmox-user", "root@pam", "Proxmox user that owns the API token")
	f.StringVar(&o.storage, "storage", "local-lvm", "Storage for template disks")
	f.StringVar(&o.bridge, "bridge", "vmbr0", "Network bridge for template NICs")
	f.StringVar(&o.templates, "templates", "ubuntu-24.04", "Comma separated templates to create")
	f.StringVarP(&o.output, "output", "o", "provider-agent.yaml", "Where to write the generated config")
	f.StringVar(&o.endpoint, "api-endpoint", "", "Marketplace endpoint (default from --config)")
	f.StringVar(&o.providerKey, "provider-pubkey", "", "Provider public key, hex (default from --config)")
	f.StringVar(&o.agentKey, "agent-key", filepath.Join("/etc/provider-agent", delegation.PrivateKeyFile), "Agent secret key path for the generated config")
	f.StringVar(&o.knownHosts, "known-hosts", filepath.Join(home, ".ssh", "known_hosts"), "known_hosts file used to verify the host key")
	f.BoolVar(&o.acceptHostKey, "accept-host-key", false, "Trust the host key on first use instead of checking known_hosts")
	f.BoolVar(&o.force, "force", false, "Overwrite an existing output file")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func (o *setupProxmoxOptions) run(cmd *cobra.Command, opts *globalOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	templates, err := setup.ParseTemplates(o.templates)
	if err != nil {
		return asConfigError(err)
	}
	setupOpts := setup.Options{
		Host:        o.host,
		APIPort:     o.apiPort,
		Storage:     o.storage,
		Bridge:      o.bridge,
		ProxmoxUser: o.proxmoxUser,
		TokenName:   setup.DefaultTokenName,
		Templates:   templates,
	}
	if err := setupOpts.Validate(); err != nil {
		return asConfigError(err)
	}

	if !o.force {
		if _, err := os.Stat(o.output); err == nil {
			return asConfigError(fmt.Errorf("%s already exists (pass --force to overwrite)", o.output))
		}
	}

	// Values not given as flags come from an existing config, if any.
	cfg, err := opts.loadPartialConfig()
	if err != nil {
		return err
	}
	agent := setup.AgentSettings{
		Endpoint:       firstNonEmpty(o.endpoint, cfg.API.Endpoint),
		ProviderPubkey: firstNonEmpty(o.providerKey, cfg.API.ProviderPubkey),
		AgentSecretKey: o.agentKey,
	}
	log := opts.logger(cfg)

	hostKeys, err := setup.HostKeyCallback(o.knownHosts, o.acceptHostKey, cmd.ErrOrStderr())
	if err != nil {
		return asConfigError(err)
	}
	password, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("SSH password for %s@%s: ", o.sshUser, o.host))
	if err != nil {
		return fmt.Errorf("reading ssh password: %w", err)
	}
	if password == "" {
		return asConfigError(errors.New("an SSH password is required"))
	}

	runner, err := setup.DialSSH(ctx, setup.SSHConfig{
		Host:            o.host,
		Port:            o.sshPort,
		User:            o.sshUser,
		Password:        password,
		HostKeyCallback: hostKeys,
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	s, err := setup.New(runner, setupOpts,
		setup.WithLogger(log.WithComponent("setup").Logger),
		setup.WithVerifier(setup.APIVerifier(true, log.Logger)),
	)
	if err != nil {
		return asConfigError(err)
	}

	res, err := s.Run(ctx)
	if err != nil {
		return err
	}

	data, err := res.RenderConfig(agent)
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.output, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "Proxmox node:  %s\n", res.Node)
	fmt.Fprintf(out, "API token:     %s\n", res.TokenID)
	for _, t := range res.Templates {
		state := "created"
		if t.Existed {
			state = "already present"
		}
		fmt.Fprintf(out, "Template %d:  %s (%s)\n", t.VMID, t.Name, state)
	}
	fmt.Fprintf(out, "\nConfiguration written to %s\n", o.output)

	fmt.Fprintln(out, "\nNext steps:")
	if agent.Endpoint == "" {
		fmt.Fprintln(out, "  - set api.endpoint to the marketplace URL")
	}
	if agent.ProviderPubkey == "" {
		fmt.Fprintln(out, "  - replace api.provider_pubkey with your provider public key")
	}
	fmt.Fprintln(out, "  - run 'provider-agent init' and 'provider-agent register' if the agent has no key yet")
	fmt.Fprintf(out, "  - run 'provider-agent doctor --config %s'\n", o.output)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
