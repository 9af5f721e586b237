package main

import (
	"github.com/narvanalabs/provider-agent/pkg/config"
	"github.com/narvanalabs/provider-agent/pkg/logger"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/provider-agent/config.yaml"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "provider-agent",
		Short:         "Provision marketplace contracts on provider infrastructure",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to the agent configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Emit JSON logs")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newInitCommand())
	cmd.AddCommand(newRegisterCommand(opts))
	cmd.AddCommand(newDelegationsCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))
	cmd.AddCommand(newTestProvisionCommand(opts))
	cmd.AddCommand(newSetupCommand(opts))
	cmd.AddCommand(newPasswordCommand())
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

// loadConfig loads and validates the configuration file.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, asConfigError(err)
	}
	return cfg, nil
}

// loadPartialConfig loads whatever configuration exists without validating it.
func (o *globalOptions) loadPartialConfig() (*config.Config, error) {
	cfg, err := config.LoadPartial(o.configPath)
	if err != nil {
		return nil, asConfigError(err)
	}
	return cfg, nil
}

func (o *globalOptions) logger(cfg *config.Config) *logger.Logger {
	if cfg == nil && o.logLevel == "" && !o.logJSON {
		return logger.Default()
	}
	level, json := "info", o.logJSON
	if cfg != nil {
		level = cfg.Log.Level
		json = json || cfg.Log.JSON
	}
	if o.logLevel != "" {
		level = o.logLevel
	}
	return logger.New(logger.ParseLevel(level), json)
}
