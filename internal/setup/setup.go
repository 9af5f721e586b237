// Package setup prepares a Proxmox VE host for the provider agent: it builds
// cloud-init VM templates, creates an API token and renders the agent config.
package setup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/narvanalabs/provider-agent/internal/provisioner/proxmox"
)

// DefaultTokenName is the API token name created for the agent.
const DefaultTokenName = "provider-agent"

// imageDir holds downloaded cloud images on the host between runs.
const imageDir = "/var/tmp/provider-agent"

var (
	storagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	userPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9._-]+$`)
	tokenPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]*$`)
	bridgePattern  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	importedVolume = regexp.MustCompile(`unused\d+:([^'"\s]+)`)
)

// Options describe what to create on the host.
type Options struct {
	// Host is the address the API is reached at, used for the API URL.
	Host        string
	APIPort     int
	Storage     string
	Bridge      string
	ProxmoxUser string
	TokenName   string
	Templates   []Template
}

func (o *Options) applyDefaults() {
	if o.APIPort == 0 {
		o.APIPort = 8006
	}
	if o.Storage == "" {
		o.Storage = "local-lvm"
	}
	if o.Bridge == "" {
		o.Bridge = "vmbr0"
	}
	if o.ProxmoxUser == "" {
		o.ProxmoxUser = "root@pam"
	}
	if o.TokenName == "" {
		o.TokenName = DefaultTokenName
	}
}

// Validate rejects values that would be unsafe to put on a shell command line.
func (o *Options) Validate() error {
	switch {
	case o.Host == "":
		return errors.New("host is required")
	case !storagePattern.MatchString(o.Storage):
		return fmt.Errorf("invalid storage name %q", o.Storage)
	case !bridgePattern.MatchString(o.Bridge):
		return fmt.Errorf("invalid bridge name %q", o.Bridge)
	case !userPattern.MatchString(o.ProxmoxUser):
		return fmt.Errorf("proxmox user %q must look like user@realm", o.ProxmoxUser)
	case !tokenPattern.MatchString(o.TokenName):
		return fmt.Errorf("invalid token name %q", o.TokenName)
	case len(o.Templates) == 0:
		return errors.New("at least one template is required")
	}
	return nil
}

// CreatedTemplate is a template present on the host after setup.
type CreatedTemplate struct {
	Template
	// Existed is true when the VMID was already taken and left alone.
	Existed bool
}

// Result is everything the agent config needs from the host.
type Result struct {
	APIURL      string
	TokenID     string
	TokenSecret string
	Node        string
	Storage     string
	Templates   []CreatedTemplate
}

// PrimaryTemplate returns the template new contracts clone by default:
// Ubuntu 24.04 when it was set up, otherwise the first one.
func (r *Result) PrimaryTemplate() CreatedTemplate {
	for _, t := range r.Templates {
		if t.Key == "ubuntu-24.04" {
			return t
		}
	}
	return r.Templates[0]
}

// VerifyFunc checks that the created token can reach the API.
type VerifyFunc func(ctx context.Context, res *Result) error

// Setup runs the host preparation steps.
type Setup struct {
	runner Runner
	opts   Options
	verify VerifyFunc
	logger *slog.Logger
}

// Option configures a Setup.
type Option func(*Setup)

// WithVerifier replaces the API token check.
func WithVerifier(v VerifyFunc) Option {
	return func(s *Setup) { s.verify = v }
}

// WithLogger sets the progress logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Setup) { s.logger = logger }
}

// New creates a Setup that runs its commands through runner.
func New(runner Runner, opts Options, options ...Option) (*Setup, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &Setup{runner: runner, opts: opts, logger: slog.Default()}
	s.verify = APIVerifier(true, nil)
	for _, o := range options {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Run builds the templates, creates the API token and verifies it.
// Templates whose VMID already exists are left untouched.
func (s *Setup) Run(ctx context.Context) (*Result, error) {
	node, err := s.runner.Run(ctx, "hostname")
	if err != nil {
		return nil, fmt.Errorf("reading node name: %w", err)
	}
	node = strings.TrimSpace(node)
	if node == "" {
		return nil, errors.New("host returned an empty node name")
	}
	s.logger.Info("connected to proxmox node", "node", node)

	if _, err := s.runner.Run(ctx, "pvesm status -storage "+s.opts.Storage); err != nil {
		return nil, fmt.Errorf("storage %q is not available (check 'pvesm status'): %w", s.opts.Storage, err)
	}

	res := &Result{
		APIURL:  fmt.Sprintf("https://%s:%d", s.opts.Host, s.opts.APIPort),
		Node:    node,
		Storage: s.opts.Storage,
	}

	for _, t := range s.opts.Templates {
		existed, err := s.createTemplate(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.Key, err)
		}
		res.Templates = append(res.Templates, CreatedTemplate{Template: t, Existed: existed})
	}

	res.TokenID, res.TokenSecret, err = s.createToken(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("created api token", "token_id", res.TokenID)

	if err := s.verify(ctx, res); err != nil {
		return nil, fmt.Errorf("verifying api token: %w", err)
	}
	return res, nil
}

func (s *Setup) createTemplate(ctx context.Context, t Template) (existed bool, err error) {
	log := s.logger.With("template", t.Key, "vmid", t.VMID)

	_, err = s.runner.Run(ctx, fmt.Sprintf("qm status %d", t.VMID))
	switch {
	case err == nil:
		log.Info("vmid already in use, skipping template")
		return true, nil
	case !IsExitError(err):
		return false, err
	}

	image := imageDir + "/" + t.Image
	if _, err := s.runner.Run(ctx, "test -s "+image); err != nil {
		if !IsExitError(err) {
			return false, err
		}
		log.Info("downloading cloud image", "url", t.ImageURL)
		download := fmt.Sprintf("mkdir -p %s && wget -q -O %s.part %s && mv %s.part %s", imageDir, image, t.ImageURL, image, image)
		if _, err := s.runner.Run(ctx, download); err != nil {
			return false, fmt.Errorf("downloading image: %w", err)
		}
	} else {
		log.Info("reusing downloaded cloud image", "path", image)
	}

	create := fmt.Sprintf("qm create %d --name %s --ostype l26 --memory 1024 --cores 1 "+
		"--net0 virtio,bridge=%s --agent enabled=1 --serial0 socket --vga serial0",
		t.VMID, t.Name, s.opts.Bridge)
	if _, err := s.runner.Run(ctx, create); err != nil {
		return false, fmt.Errorf("creating vm: %w", err)
	}

	if err := s.buildTemplate(ctx, t, image); err != nil {
		if _, derr := s.runner.Run(ctx, fmt.Sprintf("qm destroy %d --purge", t.VMID)); derr != nil {
			log.Warn("failed to remove half-built template", "error", derr)
		}
		return false, err
	}
	log.Info("template ready", "name", t.Name)
	return false, nil
}

// buildTemplate imports the disk into a created VM and converts it.
func (s *Setup) buildTemplate(ctx context.Context, t Template, image string) error {
	out, err := s.runner.Run(ctx, fmt.Sprintf("qm importdisk %d %s %s", t.VMID, image, s.opts.Storage))
	if err != nil {
		return fmt.Errorf("importing disk: %w", err)
	}
	volume := fmt.Sprintf("%s:vm-%d-disk-0", s.opts.Storage, t.VMID)
	if m := importedVolume.FindStringSubmatch(out); m != nil {
		volume = m[1]
	}

	steps := []string{
		fmt.Sprintf("qm set %d --scsihw virtio-scsi-pci --scsi0 %s,discard=on", t.VMID, volume),
		fmt.Sprintf("qm set %d --boot order=scsi0", t.VMID),
		fmt.Sprintf("qm set %d --ide2 %s:cloudinit", t.VMID, s.opts.Storage),
	}
	for _, step := range steps {
		if _, err := s.runner.Run(ctx, step); err != nil {
			return fmt.Errorf("configuring vm: %w", err)
		}
	}

	// Clones must not share a machine-id. Needs libguestfs-tools.
	wipe := fmt.Sprintf(`command -v virt-customize >/dev/null 2>&1 && virt-customize -a "$(pvesm path %s)" --truncate /etc/machine-id || true`, volume)
	if _, err := s.runner.Run(ctx, wipe); err != nil {
		s.logger.Warn("could not clear machine-id", "template", t.Key, "error", err)
	}

	if _, err := s.runner.Run(ctx, fmt.Sprintf("qm template %d", t.VMID)); err != nil {
		return fmt.Errorf("converting to template: %w", err)
	}
	return nil
}

// createToken replaces any earlier agent token with a fresh one.
func (s *Setup) createToken(ctx context.Context) (id, secret string, err error) {
	user, name := s.opts.ProxmoxUser, s.opts.TokenName

	if _, err := s.runner.Run(ctx, fmt.Sprintf("pveum user token remove %s %s", user, name)); err != nil && !IsExitError(err) {
		return "", "", fmt.Errorf("removing old api token: %w", err)
	}

	out, err := s.runner.Run(ctx, fmt.Sprintf("pveum user token add %s %s --privsep 0 --output-format json", user, name))
	if err != nil {
		return "", "", fmt.Errorf("creating api token: %w", err)
	}

	var token struct {
		FullTokenID string `json:"full-tokenid"`
		Value       string `json:"value"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &token); err != nil {
		return "", "", fmt.Errorf("parsing api token output: %w", err)
	}
	if token.Value == "" {
		return "", "", errors.New("pveum returned no token secret")
	}
	if token.FullTokenID == "" {
		token.FullTokenID = user + "!" + name
	}
	return token.FullTokenID, token.Value, nil
}

// APIVerifier checks the token against the Proxmox API: the version endpoint,
// the storage and the primary template must all be readable.
func APIVerifier(insecureSkipVerify bool, logger *slog.Logger) VerifyFunc {
	return func(ctx context.Context, res *Result) error {
		client := proxmox.NewClient(proxmox.ClientConfig{
			BaseURL:            res.APIURL,
			TokenID:            res.TokenID,
			TokenSecret:        res.TokenSecret,
			Node:               res.Node,
			InsecureSkipVerify: insecureSkipVerify,
		}, logger)

		if _, err := client.Version(ctx); err != nil {
			return err
		}
		if _, err := client.StorageStatus(ctx, res.Storage); err != nil {
			return fmt.Errorf("storage %s: %w", res.Storage, err)
		}
		primary := res.PrimaryTemplate()
		if _, err := client.CurrentStatus(ctx, primary.VMID); err != nil {
			return fmt.Errorf("template %d: %w", primary.VMID, err)
		}
		return nil
	}
}
