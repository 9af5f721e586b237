// Package backend builds the configured provisioner variant.
package backend

import (
	"fmt"
	"log/slog"

	"github.com/narvanalabs/provider-agent/internal/provisioner"
	"github.com/narvanalabs/provider-agent/internal/provisioner/proxmox"
	"github.com/narvanalabs/provider-agent/internal/provisioner/script"
	"github.com/narvanalabs/provider-agent/pkg/config"
)

// New returns the provisioner selected by cfg.Type. cfg must already be
// defaulted and validated.
func New(cfg *config.ProvisionerConfig, logger *slog.Logger) (provisioner.Provisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provisioner", cfg.Type)

	switch cfg.Type {
	case config.ProvisionerProxmox:
		if cfg.Proxmox == nil {
			return nil, fmt.Errorf("proxmox provisioner selected without proxmox settings")
		}
		p := cfg.Proxmox
		return proxmox.New(proxmox.Config{
			Client: proxmox.ClientConfig{
				BaseURL:            p.APIURL,
				TokenID:            p.APITokenID,
				TokenSecret:        p.APITokenSecret,
				Node:               p.Node,
				InsecureSkipVerify: p.InsecureSkipVerify,
			},
			TemplateVMID:        p.TemplateVMID,
			Storage:             p.Storage,
			Pool:                p.Pool,
			Disk:                p.Disk,
			TaskPollInterval:    p.TaskPollInterval,
			TaskTimeout:         p.TaskTimeout,
			AddressPollInterval: p.AddressPollInterval,
			AddressTimeout:      p.AddressTimeout,
		}, logger), nil

	case config.ProvisionerScript:
		if cfg.Script == nil {
			return nil, fmt.Errorf("script provisioner selected without script settings")
		}
		s := cfg.Script
		return script.New(script.Config{
			Provision:   s.Provision,
			Terminate:   s.Terminate,
			HealthCheck: s.HealthCheck,
			GetInstance: s.GetInstance,
			Timeout:     s.Timeout,
		}, logger), nil

	case config.ProvisionerManual:
		var webhookURL, secret string
		if cfg.Manual != nil {
			webhookURL = cfg.Manual.NotifyWebhookURL
			secret = cfg.Manual.WebhookSecret
		}
		return provisioner.NewManualProvisioner(webhookURL, secret, logger), nil

	default:
		return nil, fmt.Errorf("unsupported provisioner type %q", cfg.Type)
	}
}
