package setup

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ProviderPubkeyPlaceholder is written when the provider key is not known at setup time.
const ProviderPubkeyPlaceholder = "REPLACE_WITH_PROVIDER_PUBKEY"

// AgentSettings are the non-Proxmox values of the generated config.
type AgentSettings struct {
	Endpoint       string
	ProviderPubkey string
	AgentSecretKey string
}

type generatedConfig struct {
	API struct {
		Endpoint       string `yaml:"endpoint"`
		ProviderPubkey string `yaml:"provider_pubkey"`
		AgentSecretKey string `yaml:"agent_secret_key"`
	} `yaml:"api"`
	Provisioner struct {
		Type    string           `yaml:"type"`
		Proxmox generatedProxmox `yaml:"proxmox"`
	} `yaml:"provisioner"`
}

type generatedProxmox struct {
	APIURL             string `yaml:"api_url"`
	APITokenID         string `yaml:"api_token_id"`
	APITokenSecret     string `yaml:"api_token_secret"`
	Node               string `yaml:"node"`
	TemplateVMID       int    `yaml:"template_vmid"`
	Storage            string `yaml:"storage"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// RenderConfig returns a provider agent config file for the result.
// The Proxmox certificate is self-signed on a fresh host, so TLS
// verification is off until the operator installs a trusted one.
func (r *Result) RenderConfig(agent AgentSettings) ([]byte, error) {
	if len(r.Templates) == 0 {
		return nil, fmt.Errorf("no templates to reference")
	}

	var cfg generatedConfig
	cfg.API.Endpoint = agent.Endpoint
	cfg.API.ProviderPubkey = agent.ProviderPubkey
	if cfg.API.ProviderPubkey == "" {
		cfg.API.ProviderPubkey = ProviderPubkeyPlaceholder
	}
	cfg.API.AgentSecretKey = agent.AgentSecretKey
	cfg.Provisioner.Type = "proxmox"
	cfg.Provisioner.Proxmox = generatedProxmox{
		APIURL:             r.APIURL,
		APITokenID:         r.TokenID,
		APITokenSecret:     r.TokenSecret,
		Node:               r.Node,
		TemplateVMID:       r.PrimaryTemplate().VMID,
		Storage:            r.Storage,
		InsecureSkipVerify: true,
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# Provider agent configuration generated by 'provider-agent setup proxmox'.")
	fmt.Fprintln(&buf, "# Available templates (use one as provisioner.proxmox.template_vmid):")
	for _, t := range r.Templates {
		fmt.Fprintf(&buf, "#   %d  %s (%s)\n", t.VMID, t.Name, t.Title)
	}
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
