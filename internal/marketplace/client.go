// Package marketplace provides the signed HTTP client the agent uses to talk
// to the marketplace API.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/provider-agent/internal/delegation"
	"github.com/narvanalabs/provider-agent/internal/models"
)

var (
	// ErrAuthorizationDenied means the marketplace rejected the agent's credentials.
	// The delegation is missing, expired, revoked or lacks the permission.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrUnavailable covers network failures and server-side errors.
	ErrUnavailable = errors.New("marketplace unavailable")
	// ErrInvalidResponse means the response body could not be understood.
	ErrInvalidResponse = errors.New("invalid marketplace response")
)

const (
	// DefaultTimeout bounds each marketplace request.
	DefaultTimeout = 30 * time.Second

	headerRequestID = "X-Request-Id"
	maxResponseSize = 4 << 20
)

// APIError is a non-successful marketplace response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace API error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto ErrAuthorizationDenied or ErrUnavailable.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrAuthorizationDenied
	case e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests:
		return ErrUnavailable
	default:
		return nil
	}
}

// envelope is the response wrapper used by every marketplace endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// provisioningUpdate is the body of the provisioning result call.
type provisioningUpdate struct {
	Status models.ContractStatus `json:"status"`
	*models.ProvisionReport
	*models.FailureReport
}

// Client is a marketplace API client. It is safe for concurrent use.
type Client struct {
	baseURL        string
	providerPubkey string
	signer         delegation.RequestSigner
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates a client for baseURL acting for providerPubkey.
// Every request is signed by signer.
func NewClient(baseURL, providerPubkey string, signer delegation.RequestSigner, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		providerPubkey: providerPubkey,
		signer:         signer,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

// ProviderPubkey returns the provider the client acts for.
func (c *Client) ProviderPubkey() string { return c.providerPubkey }

func (c *Client) providerPath(suffix string) string {
	return "/api/v1/providers/" + url.PathEscape(c.providerPubkey) + suffix
}

// PendingContracts lists contracts awaiting provisioning, in marketplace order.
func (c *Client) PendingContracts(ctx context.Context) ([]models.PendingContract, error) {
	var contracts []models.PendingContract
	if err := c.do(ctx, http.MethodGet, c.providerPath("/contracts/pending-provision"), nil, &contracts); err != nil {
		return nil, fmt.Errorf("fetching pending contracts: %w", err)
	}
	return contracts, nil
}

// ActiveContracts lists provisioned contracts to health-check.
func (c *Client) ActiveContracts(ctx context.Context) ([]models.ActiveContract, error) {
	var contracts []models.ActiveContract
	if err := c.do(ctx, http.MethodGet, c.providerPath("/contracts/active"), nil, &contracts); err != nil {
		return nil, fmt.Errorf("fetching active contracts: %w", err)
	}
	return contracts, nil
}

// ReportProvisioned reports a successfully provisioned contract.
func (c *Client) ReportProvisioned(ctx context.Context, contractID string, report *models.ProvisionReport) error {
	body := provisioningUpdate{Status: models.ContractStatusProvisioned, ProvisionReport: report}
	if err := c.do(ctx, http.MethodPut, provisioningPath(contractID), body, nil); err != nil {
		return fmt.Errorf("reporting contract %s provisioned: %w", contractID, err)
	}
	return nil
}

// ReportFailed reports a failed provisioning attempt.
func (c *Client) ReportFailed(ctx context.Context, contractID string, report *models.FailureReport) error {
	body := provisioningUpdate{Status: models.ContractStatusProvisionFailed, FailureReport: report}
	if err := c.do(ctx, http.MethodPut, provisioningPath(contractID), body, nil); err != nil {
		return fmt.Errorf("reporting contract %s failed: %w", contractID, err)
	}
	return nil
}

func provisioningPath(contractID string) string {
	return "/api/v1/provider/rental-requests/" + url.PathEscape(contractID) + "/provisioning"
}

// ReportHealth posts a health report for an active contract.
func (c *Client) ReportHealth(ctx context.Context, contractID string, report *models.HealthReport) error {
	path := "/api/v1/provider/contracts/" + url.PathEscape(contractID) + "/health"
	if err := c.do(ctx, http.MethodPost, path, report, nil); err != nil {
		return fmt.Errorf("reporting health for contract %s: %w", contractID, err)
	}
	return nil
}

// Heartbeat posts the agent liveness signal.
func (c *Client) Heartbeat(ctx context.Context, hb *models.Heartbeat) (*models.HeartbeatAck, error) {
	var ack models.HeartbeatAck
	if err := c.do(ctx, http.MethodPost, c.providerPath("/heartbeat"), hb, &ack); err != nil {
		return nil, fmt.Errorf("sending heartbeat: %w", err)
	}
	return &ack, nil
}

// CreateDelegation registers a provider-signed delegation.
func (c *Client) CreateDelegation(ctx context.Context, d *models.Delegation) error {
	if err := c.do(ctx, http.MethodPost, c.providerPath("/agent-delegations"), d, nil); err != nil {
		return fmt.Errorf("creating delegation: %w", err)
	}
	return nil
}

// ListDelegations lists the provider's delegations, revoked ones included.
func (c *Client) ListDelegations(ctx context.Context) ([]models.Delegation, error) {
	var delegations []models.Delegation
	if err := c.do(ctx, http.MethodGet, c.providerPath("/agent-delegations"), nil, &delegations); err != nil {
		return nil, fmt.Errorf("listing delegations: %w", err)
	}
	return delegations, nil
}

// RevokeDelegation revokes the delegation held by agentPubkey.
func (c *Client) RevokeDelegation(ctx context.Context, agentPubkey string) error {
	path := c.providerPath("/agent-delegations/" + url.PathEscape(agentPubkey))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("revoking delegation: %w", err)
	}
	return nil
}

// do sends a signed request and decodes the envelope data into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set(headerRequestID, requestID)
	if err := c.signer.SignRequest(req); err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	c.logger.Debug("marketplace request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && env.Error != "" {
			msg = env.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if len(raw) == 0 && result == nil {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, decodeErr)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "unknown error"
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if result == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("%w: decoding data: %v", ErrInvalidResponse, err)
	}
	return nil
}
