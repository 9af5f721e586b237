package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx answer from the Proxmox API.
type APIError struct {
	StatusCode int
	// Status is the HTTP status line; Proxmox puts its error text in the reason phrase.
	Status string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("proxmox api: %s", e.Status)
	}
	return fmt.Sprintf("proxmox api: %s: %s", e.Status, e.Body)
}

// IsNotFound reports whether err says the addressed VM does not exist.
// Proxmox answers 500 "Configuration file ... does not exist" for unknown VMIDs.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusNotFound {
		return true
	}
	text := strings.ToLower(apiErr.Status + " " + apiErr.Body)
	return strings.Contains(text, "does not exist") || strings.Contains(text, "no such vm")
}

// ClientConfig holds connection settings for the Proxmox API.
type ClientConfig struct {
	BaseURL            string
	TokenID            string
	TokenSecret        string
	Node               string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Client is a minimal Proxmox VE API client scoped to one node.
type Client struct {
	baseURL    string
	authHeader string
	node       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Proxmox API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret),
		node:       cfg.Node,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		logger:     logger,
	}
}

// Node returns the node the client operates on.
func (c *Client) Node() string { return c.node }

// VMStatus is the current state of a VM.
type VMStatus struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
	Lock   string `json:"lock,omitempty"`
}

// TaskStatus is the state of an asynchronous task.
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

// VMSummary is one entry of the node's VM list.
type VMSummary struct {
	VMID     int    `json:"vmid"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Template int    `json:"template,omitempty"`
}

// GuestInterface is a network interface reported by the QEMU guest agent.
type GuestInterface struct {
	Name        string           `json:"name"`
	IPAddresses []GuestIPAddress `json:"ip-addresses"`
}

// GuestIPAddress is one address of a guest interface.
type GuestIPAddress struct {
	Address string `json:"ip-address"`
	Type    string `json:"ip-address-type"`
}

// CloneOptions are the parameters of a full clone.
type CloneOptions struct {
	TemplateVMID int
	NewVMID      int
	Name         string
	Storage      string
	Pool         string
}

// CloneVM starts a full clone and returns the task UPID.
func (c *Client) CloneVM(ctx context.Context, opts CloneOptions) (string, error) {
	form := url.Values{}
	form.Set("newid", strconv.Itoa(opts.NewVMID))
	form.Set("name", opts.Name)
	form.Set("full", "1")
	if opts.Storage != "" {
		form.Set("storage", opts.Storage)
	}
	if opts.Pool != "" {
		form.Set("pool", opts.Pool)
	}

	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/clone", c.node, opts.TemplateVMID)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// ConfigureVM applies configuration synchronously.
func (c *Client) ConfigureVM(ctx context.Context, vmid int, params url.Values) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.node, vmid), params, nil)
}

// VMConfig returns the VM configuration as a raw map.
func (c *Client) VMConfig(ctx context.Context, vmid int) (map[string]any, error) {
	var cfg map[string]any
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.node, vmid), nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResizeDisk grows disk to size (e.g. "50G"). It returns a UPID on
// Proxmox versions that run resizes as tasks, and "" otherwise.
func (c *Client) ResizeDisk(ctx context.Context, vmid int, disk, size string) (string, error) {
	form := url.Values{}
	form.Set("disk", disk)
	form.Set("size", size)

	var upid *string
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/resize", c.node, vmid), form, &upid); err != nil {
		return "", err
	}
	if upid == nil {
		return "", nil
	}
	return *upid, nil
}

// StartVM powers a VM on and returns the task UPID.
func (c *Client) StartVM(ctx context.Context, vmid int) (string, error) {
	var upid string
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/start", c.node, vmid), url.Values{}, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// StopVM powers a VM off immediately and returns the task UPID.
func (c *Client) StopVM(ctx context.Context, vmid int) (string, error) {
	var upid string
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/stop", c.node, vmid), url.Values{}, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// DeleteVM destroys a VM with purge semantics and returns the task UPID.
func (c *Client) DeleteVM(ctx context.Context, vmid int) (string, error) {
	query := url.Values{}
	query.Set("purge", "1")
	query.Set("destroy-unreferenced-disks", "1")

	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d?%s", c.node, vmid, query.Encode())
	if err := c.do(ctx, http.MethodDelete, path, nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// CurrentStatus returns the current state of a VM.
func (c *Client) CurrentStatus(ctx context.Context, vmid int) (*VMStatus, error) {
	var status VMStatus
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", c.node, vmid), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GuestInterfaces asks the QEMU guest agent for the VM's interfaces.
func (c *Client) GuestInterfaces(ctx context.Context, vmid int) ([]GuestInterface, error) {
	var resp struct {
		Result []GuestInterface `json:"result"`
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/agent/network-get-interfaces", c.node, vmid)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// TaskStatus returns the state of the task identified by upid on node.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error) {
	var status TaskStatus
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListVMs lists the VMs on the node.
func (c *Client) ListVMs(ctx context.Context) ([]VMSummary, error) {
	var vms []VMSummary
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu", c.node), nil, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// Version returns the Proxmox VE version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
		Release string `json:"release"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// StorageStatus checks that a storage is available on the node.
func (c *Client) StorageStatus(ctx context.Context, storage string) (map[string]any, error) {
	var status map[string]any
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/storage/%s/status", c.node, storage), nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// GetPool checks that a resource pool exists.
func (c *Client) GetPool(ctx context.Context, pool string) error {
	return c.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(pool), nil, nil)
}

// do sends an API request. form is sent as the urlencoded body; out receives
// the "data" member of the response envelope.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api2/json"+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("proxmox api error",
			"method", method,
			"path", path,
			"status", resp.Status,
		)
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: errorBody(data)}
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

// errorBody extracts the "errors" member of a Proxmox error response, or
// returns the trimmed raw body.
func errorBody(data []byte) string {
	var envelope struct {
		Errors  map[string]string `json:"errors"`
		Message string            `json:"message"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		parts := make([]string, 0, len(envelope.Errors)+1)
		if envelope.Message != "" {
			parts = append(parts, strings.TrimSpace(envelope.Message))
		}
		for field, msg := range envelope.Errors {
			parts = append(parts, field+": "+strings.TrimSpace(msg))
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
		return ""
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
