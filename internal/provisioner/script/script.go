// Package script delegates provisioning to operator-supplied executables
// speaking a one-object-in, one-object-out JSON protocol over stdio.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
)

// maxOutput caps what is read from a script's stdout and stderr.
const maxOutput = 1 << 20

// DefaultTimeout bounds a single script invocation.
const DefaultTimeout = 5 * time.Minute

// Config holds the script paths per action.
type Config struct {
	Provision   string
	Terminate   string
	HealthCheck string
	// GetInstance defaults to the provision script.
	GetInstance string
	Timeout     time.Duration
}

// Provisioner implements provisioner.Provisioner by running scripts.
type Provisioner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a script provisioner.
func New(cfg Config, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GetInstance == "" {
		cfg.GetInstance = cfg.Provision
	}
	return &Provisioner{cfg: cfg, logger: logger}
}

// Kind returns provisioner.KindScript.
func (p *Provisioner) Kind() provisioner.Kind { return provisioner.KindScript }

// Provision runs the provision script.
func (p *Provisioner) Provision(ctx context.Context, req *models.ProvisionRequest) (*models.Instance, error) {
	if err := req.Validate(); err != nil {
		return nil, provisioner.Wrap(provisioner.ErrInvalidRequest, "provision", "", err)
	}

	out, err := p.run(ctx, p.cfg.Provision, &Input{Action: ActionProvision, ProvisionRequest: req})
	if err != nil {
		return nil, provisioner.Wrap(provisioner.ErrBackendUnavailable, "provision", "", err)
	}
	if !out.Success {
		return nil, out.failure("provision", "")
	}
	if out.Instance == nil || out.Instance.ExternalID == "" {
		return nil, provisioner.Wrap(provisioner.ErrInvalidRequest, "provision", "",
			fmt.Errorf("%w: success without instance.external_id", ErrMalformedOutput))
	}

	inst := out.Instance
	if inst.SSHPort == 0 {
		inst.SSHPort = models.DefaultSSHPort
	}
	return inst, nil
}

// Terminate runs the terminate script. A not_found failure is success.
func (p *Provisioner) Terminate(ctx context.Context, externalID string) error {
	out, err := p.run(ctx, p.cfg.Terminate, &Input{Action: ActionTerminate, ExternalID: externalID})
	if err != nil {
		return provisioner.Wrap(provisioner.ErrBackendUnavailable, "terminate", externalID, err)
	}
	if out.Success {
		return nil
	}
	failure := out.failure("terminate", externalID)
	if errors.Is(failure, provisioner.ErrNotFound) {
		p.logger.Info("instance already absent", "external_id", externalID)
		return nil
	}
	return failure
}

// HealthCheck runs the health script. Every failure collapses to Unknown.
func (p *Provisioner) HealthCheck(ctx context.Context, externalID string) models.HealthStatus {
	out, err := p.run(ctx, p.cfg.HealthCheck, &Input{Action: ActionHealthCheck, ExternalID: externalID})
	if err != nil {
		p.logger.Warn("health check script failed", "external_id", externalID, "error", err)
		return models.Unknown()
	}
	if !out.Success {
		if out.ErrorKind == "not_found" {
			return models.Unhealthy("not found")
		}
		p.logger.Warn("health check script reported failure", "external_id", externalID, "error", out.Error)
		return models.Unknown()
	}
	if out.Health == nil {
		return models.Unknown()
	}
	return *out.Health
}

// GetInstance runs the get_instance script. A not_found failure or a
// success without an instance returns nil.
func (p *Provisioner) GetInstance(ctx context.Context, externalID string) (*models.Instance, error) {
	out, err := p.run(ctx, p.cfg.GetInstance, &Input{Action: ActionGetInstance, ExternalID: externalID})
	if err != nil {
		return nil, provisioner.Wrap(provisioner.ErrBackendUnavailable, "get_instance", externalID, err)
	}
	if !out.Success {
		failure := out.failure("get_instance", externalID)
		if errors.Is(failure, provisioner.ErrNotFound) {
			return nil, nil
		}
		return nil, failure
	}
	return out.Instance, nil
}

// run executes one script invocation. The child is always reaped: on
// success, on parse failure and after a timeout kill.
func (p *Provisioner) run(ctx context.Context, path string, input *Input) (*Output, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding script input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), "PROVIDER_AGENT_ACTION="+string(input.Action))
	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	killProcessGroup(cmd)

	start := time.Now()
	runErr := cmd.Run()
	log := p.logger.With("action", input.Action, "script", path, "duration", time.Since(start).String())

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		log.Warn("script timed out", "timeout", p.cfg.Timeout)
		return nil, provisioner.Errorf(provisioner.ErrTimeout, string(input.Action), input.ExternalID,
			"script %s exceeded %s", path, p.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("running script %s: %w", path, runErr)
	}
	if stdout.overflow {
		return nil, provisioner.Wrap(provisioner.ErrInvalidRequest, string(input.Action), input.ExternalID,
			fmt.Errorf("%w: output exceeds %d bytes", ErrMalformedOutput, maxOutput))
	}

	out, parseErr := ParseOutput(stdout.Bytes())
	if exitErr != nil {
		// A failing script may still explain itself on stdout.
		if parseErr == nil && !out.Success {
			return out, nil
		}
		log.Warn("script exited with error", "exit_code", exitErr.ExitCode(), "stderr", tail(stderr.String()))
		return nil, fmt.Errorf("script %s exited with code %d: %s", path, exitErr.ExitCode(), tail(stderr.String()))
	}
	if parseErr != nil {
		log.Error("script output could not be parsed", "error", parseErr, "stderr", tail(stderr.String()))
		return nil, provisioner.Wrap(provisioner.ErrInvalidRequest, string(input.Action), input.ExternalID, parseErr)
	}

	log.Debug("script finished", "success", out.Success)
	return out, nil
}

// cappedBuffer stores up to limit bytes and drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room < len(p) {
		b.overflow = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[len(s)-512:]
	}
	return s
}
