package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/narvanalabs/provider-agent/internal/models"
)

// Manual event names sent to the notification webhook.
const (
	EventProvisionRequested = "provision_requested"
	EventTerminateRequested = "terminate_requested"
)

// ManualNotification is the webhook body asking an operator to act.
type ManualNotification struct {
	Event       string                   `json:"event"`
	ContractID  string                   `json:"contract_id,omitempty"`
	ExternalID  string                   `json:"external_id,omitempty"`
	Request     *models.ProvisionRequest `json:"request,omitempty"`
	RequestedAt time.Time                `json:"requested_at"`
}

// ManualProvisioner hands every operation to a human operator.
// Provision and Terminate notify once per contract or instance and return
// ErrManualIntervention; the contract stays pending until the operator
// reports it through the marketplace.
type ManualProvisioner struct {
	webhookURL    string
	webhookSecret []byte
	httpClient    *http.Client
	logger        *slog.Logger

	mu       sync.Mutex
	notified map[string]struct{}
}

// NewManualProvisioner creates a manual provisioner. An empty webhookURL
// only logs requests.
func NewManualProvisioner(webhookURL, webhookSecret string, logger *slog.Logger) *ManualProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ManualProvisioner{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		notified:   make(map[string]struct{}),
	}
	if webhookSecret != "" {
		m.webhookSecret = []byte(webhookSecret)
	}
	return m
}

// Kind returns KindManual.
func (m *ManualProvisioner) Kind() Kind { return KindManual }

// Provision notifies the operator and returns ErrManualIntervention.
func (m *ManualProvisioner) Provision(ctx context.Context, req *models.ProvisionRequest) (*models.Instance, error) {
	if err := req.Validate(); err != nil {
		return nil, Wrap(ErrInvalidRequest, "provision", "", err)
	}

	if m.firstRequest("provision:" + req.ContractID) {
		m.logger.Info("manual provisioning requested",
			"contract_id", req.ContractID,
			"offering_id", req.OfferingID,
			"cpu_cores", req.CPUCores,
			"memory_mb", req.MemoryMB,
			"storage_gb", req.StorageGB,
		)
		m.notify(ctx, &ManualNotification{
			Event:       EventProvisionRequested,
			ContractID:  req.ContractID,
			Request:     req,
			RequestedAt: time.Now().UTC(),
		})
	}

	return nil, &Error{Kind: ErrManualIntervention, Op: "provision"}
}

// Terminate notifies the operator and returns ErrManualIntervention.
func (m *ManualProvisioner) Terminate(ctx context.Context, externalID string) error {
	if m.firstRequest("terminate:" + externalID) {
		m.logger.Info("manual termination requested", "external_id", externalID)
		m.notify(ctx, &ManualNotification{
			Event:       EventTerminateRequested,
			ExternalID:  externalID,
			RequestedAt: time.Now().UTC(),
		})
	}
	return &Error{Kind: ErrManualIntervention, Op: "terminate", ExternalID: externalID}
}

// HealthCheck returns Unknown; there is nothing to ask.
func (m *ManualProvisioner) HealthCheck(ctx context.Context, externalID string) models.HealthStatus {
	return models.Unknown()
}

// GetInstance returns nil; manual instances are tracked by the operator.
func (m *ManualProvisioner) GetInstance(ctx context.Context, externalID string) (*models.Instance, error) {
	return nil, nil
}

func (m *ManualProvisioner) firstRequest(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notified[key]; ok {
		return false
	}
	m.notified[key] = struct{}{}
	return true
}

// notify posts n to the webhook. Failures are logged and the key stays
// marked, so the operator is not paged on every tick.
func (m *ManualProvisioner) notify(ctx context.Context, n *ManualNotification) {
	if m.webhookURL == "" {
		return
	}
	if err := m.post(ctx, n); err != nil {
		m.logger.Warn("manual notification failed",
			"event", n.Event,
			"contract_id", n.ContractID,
			"external_id", n.ExternalID,
			"error", err,
		)
	}
}

func (m *ManualProvisioner) post(ctx context.Context, n *ManualNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if m.webhookSecret != nil {
		token, err := m.signNotification(n)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (m *ManualProvisioner) signNotification(n *ManualNotification) (string, error) {
	subject := n.ContractID
	if subject == "" {
		subject = n.ExternalID
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   "provider-agent",
		"sub":   subject,
		"event": n.Event,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.webhookSecret)
	if err != nil {
		return "", fmt.Errorf("signing notification: %w", err)
	}
	return signed, nil
}
