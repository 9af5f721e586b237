package delegation

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/narvanalabs/provider-agent/internal/models"
)

// DefaultMaxSkew bounds how far a request timestamp may drift from the verifier clock.
const DefaultMaxSkew = 5 * time.Minute

// Authorizer verifies agent requests the way the marketplace boundary does.
// It holds the registered delegations and their revocations.
type Authorizer struct {
	mu          sync.RWMutex
	delegations map[string]*models.Delegation
	maxSkew     time.Duration
}

// NewAuthorizer creates an empty Authorizer.
func NewAuthorizer() *Authorizer {
	return &Authorizer{
		delegations: make(map[string]*models.Delegation),
		maxSkew:     DefaultMaxSkew,
	}
}

// Register stores d after checking its provider signature.
func (a *Authorizer) Register(d *models.Delegation) error {
	if err := VerifySignature(d); err != nil {
		return fmt.Errorf("registering delegation: %w", err)
	}
	stored := *d
	stored.Permissions = append([]models.Permission(nil), d.Permissions...)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegations[d.AgentPubkey] = &stored
	return nil
}

// Revoke marks the delegation for agentPubkey as revoked at at.
func (a *Authorizer) Revoke(agentPubkey string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.delegations[agentPubkey]
	if !ok {
		return ErrUnknownAgent
	}
	ns := at.UnixNano()
	d.RevokedAtNs = &ns
	return nil
}

// List returns copies of the delegations granted by providerPubkey.
func (a *Authorizer) List(providerPubkey string) []models.Delegation {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []models.Delegation
	for _, d := range a.delegations {
		if d.ProviderPubkey == providerPubkey {
			out = append(out, *d)
		}
	}
	return out
}

// Authorize checks that r is signed by a delegated agent key holding perm at now.
func (a *Authorizer) Authorize(r *http.Request, perm models.Permission, now time.Time) (*models.Delegation, error) {
	agentPubkey := r.Header.Get(HeaderAgentPubkey)

	a.mu.RLock()
	d, ok := a.delegations[agentPubkey]
	var snapshot models.Delegation
	if ok {
		snapshot = *d
	}
	a.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAgent
	}

	if provider := r.Header.Get(HeaderProviderPubkey); provider != "" && provider != snapshot.ProviderPubkey {
		return nil, fmt.Errorf("%w: provider mismatch", ErrUnknownAgent)
	}
	if err := Verify(&snapshot, now); err != nil {
		return nil, err
	}
	if !snapshot.Allows(perm) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
	}

	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed timestamp", ErrStaleTimestamp)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > a.maxSkew || skew < -a.maxSkew {
		return nil, ErrStaleTimestamp
	}

	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed request signature", ErrInvalidSignature)
	}
	agent, err := ParsePublicKey(agentPubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(agent, RequestMessage(r.Method, r.URL.Path, ts), sig) {
		return nil, fmt.Errorf("%w: request", ErrInvalidSignature)
	}

	return &snapshot, nil
}
