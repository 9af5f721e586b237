// Package config provides file and environment based configuration for the provider agent.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provisioner variants selectable by provisioner.type.
const (
	ProvisionerProxmox = "proxmox"
	ProvisionerScript  = "script"
	ProvisionerManual  = "manual"
)

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Config holds all configuration for the provider agent.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Polling     PollingConfig     `yaml:"polling"`
	Provisioner ProvisionerConfig `yaml:"provisioner"`
	Status      StatusConfig      `yaml:"status"`
	Log         LogConfig         `yaml:"log"`

	// Graceful shutdown timeout. In-flight provisioning is allowed to
	// finish within this budget.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// APIConfig holds marketplace connection and identity settings.
type APIConfig struct {
	// Endpoint is the marketplace base URL, e.g. https://api.example.org.
	Endpoint string `yaml:"endpoint"`
	// ProviderPubkey is the provider's primary ed25519 public key (hex).
	ProviderPubkey string `yaml:"provider_pubkey"`
	// AgentSecretKey is the agent's ed25519 secret key, either hex or a path to a key file.
	AgentSecretKey string `yaml:"agent_secret_key"`
	// PasswordRecipient is the age (age1...) or SSH public key root passwords are sealed to.
	// When empty, root passwords are never reported.
	PasswordRecipient string `yaml:"password_recipient"`
	// RequestTimeout bounds every marketplace call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PollingConfig holds the timers of the orchestration loop.
type PollingConfig struct {
	Interval                time.Duration `yaml:"interval"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	MaxConcurrentProvisions int           `yaml:"max_concurrent_provisions"`
	// OrphanGracePeriod is nil when unset. An explicit zero disables pruning.
	OrphanGracePeriod    *time.Duration `yaml:"orphan_grace_period"`
	OrphanTrackerPath    string         `yaml:"orphan_tracker_path"`
	DisableOrphanPruning bool           `yaml:"disable_orphan_pruning"`
}

// OrphanGrace returns the effective orphan grace period. Zero means pruning is off.
func (p PollingConfig) OrphanGrace() time.Duration {
	if p.DisableOrphanPruning || p.OrphanGracePeriod == nil {
		return 0
	}
	return *p.OrphanGracePeriod
}

// ProvisionerConfig selects exactly one provisioner variant.
type ProvisionerConfig struct {
	Type    string         `yaml:"type"`
	Proxmox *ProxmoxConfig `yaml:"proxmox,omitempty"`
	Script  *ScriptConfig  `yaml:"script,omitempty"`
	Manual  *ManualConfig  `yaml:"manual,omitempty"`
}

// ProxmoxConfig holds Proxmox VE backend settings.
type ProxmoxConfig struct {
	APIURL             string `yaml:"api_url"`
	APITokenID         string `yaml:"api_token_id"`
	APITokenSecret     string `yaml:"api_token_secret"`
	Node               string `yaml:"node"`
	TemplateVMID       int    `yaml:"template_vmid"`
	Storage            string `yaml:"storage"`
	Pool               string `yaml:"pool"`
	Disk               string `yaml:"disk"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	TaskPollInterval    time.Duration `yaml:"task_poll_interval"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	AddressPollInterval time.Duration `yaml:"address_poll_interval"`
	AddressTimeout      time.Duration `yaml:"address_timeout"`
}

// ScriptConfig holds external script backend settings.
type ScriptConfig struct {
	Provision   string        `yaml:"provision"`
	Terminate   string        `yaml:"terminate"`
	HealthCheck string        `yaml:"health_check"`
	GetInstance string        `yaml:"get_instance"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ManualConfig holds human-in-the-loop backend settings.
type ManualConfig struct {
	NotifyWebhookURL string `yaml:"notify_webhook_url"`
	// WebhookSecret signs webhook notifications (HS256) when set.
	WebhookSecret string `yaml:"webhook_secret"`
}

// StatusConfig holds the local status server settings.
type StatusConfig struct {
	// Listen is the address of the status server. Empty disables it.
	Listen string `yaml:"listen"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads configuration from a YAML file, applies environment overrides,
// fills non-security defaults and validates the result.
// An empty path skips the file and reads environment variables only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPartial is Load without validation, for commands that run before the
// agent is fully configured. A missing file yields an environment-only config.
func LoadPartial(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := Parse(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.API.Endpoint = getEnv("AGENT_API_ENDPOINT", c.API.Endpoint)
	c.API.ProviderPubkey = getEnv("AGENT_PROVIDER_PUBKEY", c.API.ProviderPubkey)
	c.API.AgentSecretKey = getEnv("AGENT_SECRET_KEY", c.API.AgentSecretKey)
	c.API.PasswordRecipient = getEnv("AGENT_PASSWORD_RECIPIENT", c.API.PasswordRecipient)
	c.Polling.Interval = getDurationEnv("AGENT_POLL_INTERVAL", c.Polling.Interval)
	c.Polling.HealthCheckInterval = getDurationEnv("AGENT_HEALTH_CHECK_INTERVAL", c.Polling.HealthCheckInterval)
	c.Polling.MaxConcurrentProvisions = getIntEnv("AGENT_MAX_CONCURRENT_PROVISIONS", c.Polling.MaxConcurrentProvisions)
	c.Status.Listen = getEnv("AGENT_STATUS_LISTEN", c.Status.Listen)
	c.Log.Level = getEnv("AGENT_LOG_LEVEL", c.Log.Level)

	if c.Provisioner.Proxmox != nil {
		c.Provisioner.Proxmox.APITokenSecret = getEnv("PROXMOX_API_TOKEN_SECRET", c.Provisioner.Proxmox.APITokenSecret)
	}
	if c.Provisioner.Manual != nil {
		c.Provisioner.Manual.WebhookSecret = getEnv("AGENT_WEBHOOK_SECRET", c.Provisioner.Manual.WebhookSecret)
	}
}

// ApplyDefaults fills every unset field that has a safe default.
// Keys, endpoints and backend credentials are never defaulted.
func (c *Config) ApplyDefaults() {
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 30 * time.Second
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 30 * time.Second
	}
	if c.Polling.HealthCheckInterval == 0 {
		c.Polling.HealthCheckInterval = 5 * time.Minute
	}
	if c.Polling.HeartbeatInterval == 0 {
		c.Polling.HeartbeatInterval = 60 * time.Second
	}
	if c.Polling.MaxConcurrentProvisions == 0 {
		c.Polling.MaxConcurrentProvisions = 1
	}
	if c.Polling.OrphanGracePeriod == nil {
		grace := time.Hour
		c.Polling.OrphanGracePeriod = &grace
	}
	if c.Polling.OrphanTrackerPath == "" {
		c.Polling.OrphanTrackerPath = "/var/lib/provider-agent/orphans.json"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if p := c.Provisioner.Proxmox; p != nil {
		if p.Storage == "" {
			p.Storage = "local-lvm"
		}
		if p.Disk == "" {
			p.Disk = "scsi0"
		}
		if p.TaskPollInterval == 0 {
			p.TaskPollInterval = 5 * time.Second
		}
		if p.TaskTimeout == 0 {
			p.TaskTimeout = 5 * time.Minute
		}
		if p.AddressPollInterval == 0 {
			p.AddressPollInterval = 10 * time.Second
		}
		if p.AddressTimeout == 0 {
			p.AddressTimeout = 2 * time.Minute
		}
	}

	if c.Provisioner.Type == ProvisionerManual && c.Provisioner.Manual == nil {
		c.Provisioner.Manual = &ManualConfig{}
	}

	if s := c.Provisioner.Script; s != nil && s.Timeout == 0 {
		s.Timeout = 5 * time.Minute
	}
}

// Validate checks that required configuration values are set and consistent.
func (c *Config) Validate() error {
	if c.API.Endpoint == "" {
		return fmt.Errorf("api.endpoint is required")
	}
	u, err := url.Parse(c.API.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.endpoint must be an http(s) URL, got %q", c.API.Endpoint)
	}
	if c.API.ProviderPubkey == "" {
		return fmt.Errorf("api.provider_pubkey is required")
	}
	if b, err := hex.DecodeString(c.API.ProviderPubkey); err != nil || len(b) != 32 {
		return fmt.Errorf("api.provider_pubkey must be 64 hex characters")
	}
	if c.API.AgentSecretKey == "" {
		return fmt.Errorf("api.agent_secret_key is required (run 'provider-agent init' to create one)")
	}
	if r := c.API.PasswordRecipient; r != "" && !strings.HasPrefix(r, "age1") && !strings.HasPrefix(r, "ssh-") {
		return fmt.Errorf("api.password_recipient must be an age (age1...) or SSH (ssh-...) recipient")
	}

	if c.Polling.Interval < time.Second {
		return fmt.Errorf("polling.interval must be at least 1s")
	}
	if c.Polling.HealthCheckInterval < time.Second {
		return fmt.Errorf("polling.health_check_interval must be at least 1s")
	}
	if c.Polling.HeartbeatInterval < time.Second {
		return fmt.Errorf("polling.heartbeat_interval must be at least 1s")
	}
	if c.Polling.MaxConcurrentProvisions < 1 {
		return fmt.Errorf("polling.max_concurrent_provisions must be at least 1")
	}
	if g := c.Polling.OrphanGracePeriod; g != nil && *g < 0 {
		return fmt.Errorf("polling.orphan_grace_period must not be negative")
	}

	return c.Provisioner.Validate()
}

// Validate checks that exactly the selected variant is configured.
func (p *ProvisionerConfig) Validate() error {
	switch p.Type {
	case "":
		return fmt.Errorf("provisioner.type is required (proxmox, script or manual)")
	case ProvisionerProxmox:
		if p.Proxmox == nil {
			return fmt.Errorf("provisioner.proxmox is required when provisioner.type is proxmox")
		}
		return p.Proxmox.Validate()
	case ProvisionerScript:
		if p.Script == nil {
			return fmt.Errorf("provisioner.script is required when provisioner.type is script")
		}
		return p.Script.Validate()
	case ProvisionerManual:
		if p.Manual != nil && p.Manual.NotifyWebhookURL != "" {
			if _, err := url.ParseRequestURI(p.Manual.NotifyWebhookURL); err != nil {
				return fmt.Errorf("provisioner.manual.notify_webhook_url is invalid: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("provisioner.type %q is not supported (proxmox, script or manual)", p.Type)
	}
}

// Validate checks required Proxmox fields.
func (p *ProxmoxConfig) Validate() error {
	switch {
	case p.APIURL == "":
		return fmt.Errorf("provisioner.proxmox.api_url is required")
	case p.APITokenID == "":
		return fmt.Errorf("provisioner.proxmox.api_token_id is required")
	case p.APITokenSecret == "":
		return fmt.Errorf("provisioner.proxmox.api_token_secret is required")
	case p.Node == "":
		return fmt.Errorf("provisioner.proxmox.node is required")
	case p.TemplateVMID <= 0:
		return fmt.Errorf("provisioner.proxmox.template_vmid is required")
	case p.TemplateVMID >= 10000:
		return fmt.Errorf("provisioner.proxmox.template_vmid must be below 10000")
	case p.TaskTimeout < p.TaskPollInterval:
		return fmt.Errorf("provisioner.proxmox.task_timeout must not be shorter than task_poll_interval")
	}
	return nil
}

// Validate checks required script fields.
func (s *ScriptConfig) Validate() error {
	switch {
	case s.Provision == "":
		return fmt.Errorf("provisioner.script.provision is required")
	case s.Terminate == "":
		return fmt.Errorf("provisioner.script.terminate is required")
	case s.HealthCheck == "":
		return fmt.Errorf("provisioner.script.health_check is required")
	case s.Timeout <= 0:
		return fmt.Errorf("provisioner.script.timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
