package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/narvanalabs/provider-agent/internal/models"
	"github.com/narvanalabs/provider-agent/internal/provisioner"
)

// Action is the operation a script is asked to perform.
type Action string

const (
	ActionProvision   Action = "provision"
	ActionTerminate   Action = "terminate"
	ActionHealthCheck Action = "health_check"
	ActionGetInstance Action = "get_instance"
)

// ErrMalformedOutput is returned when a script does not print exactly one JSON object.
var ErrMalformedOutput = errors.New("malformed script output")

// Input is written to the script's stdin. Provision request fields are
// flattened into the top-level object.
type Input struct {
	Action Action `json:"action"`
	*models.ProvisionRequest
	ExternalID string `json:"external_id,omitempty"`
}

// Output is the single JSON object a script prints on stdout.
type Output struct {
	Success       bool                 `json:"success"`
	Instance      *models.Instance     `json:"instance,omitempty"`
	Health        *models.HealthStatus `json:"health,omitempty"`
	Error         string               `json:"error,omitempty"`
	RetryPossible bool                 `json:"retry_possible,omitempty"`
	// ErrorKind optionally classifies a failure: backend_unavailable,
	// insufficient_resources, timeout, invalid_request or not_found.
	ErrorKind string `json:"error_kind,omitempty"`
}

// ParseOutput decodes exactly one JSON object from data.
func ParseOutput(data []byte) (*Output, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedOutput)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object, got %q", ErrMalformedOutput, preview(trimmed))
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var out Output
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedOutput)
	}
	if out.Health != nil && !out.Health.State.IsValid() {
		return nil, fmt.Errorf("%w: unknown health status %q", ErrMalformedOutput, out.Health.State)
	}
	return &out, nil
}

// failure converts an unsuccessful output into a classified error.
func (o *Output) failure(op, externalID string) error {
	msg := o.Error
	if msg == "" {
		msg = "script reported failure without a message"
	}
	return provisioner.Errorf(o.kind(), op, externalID, "%s", msg)
}

func (o *Output) kind() error {
	switch o.ErrorKind {
	case "backend_unavailable":
		return provisioner.ErrBackendUnavailable
	case "insufficient_resources":
		return provisioner.ErrInsufficientResources
	case "timeout":
		return provisioner.ErrTimeout
	case "invalid_request":
		return provisioner.ErrInvalidRequest
	case "not_found":
		return provisioner.ErrNotFound
	}
	if o.RetryPossible {
		return provisioner.ErrBackendUnavailable
	}
	return provisioner.ErrInvalidRequest
}

func preview(b []byte) string {
	if len(b) > 80 {
		return string(b[:80]) + "..."
	}
	return string(b)
}
