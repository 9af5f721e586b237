package delegation

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/provider-agent/internal/models"
)

// Verification failures. Every one of them denies the request.
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrDelegationExpired = errors.New("delegation expired")
	ErrDelegationRevoked = errors.New("delegation revoked")
	ErrPermissionDenied  = errors.New("permission not delegated")
	ErrUnknownAgent      = errors.New("no delegation for agent key")
	ErrStaleTimestamp    = errors.New("request timestamp outside allowed window")
)

// SigningMessage builds the bytes the provider key signs:
// agent_pubkey || provider_pubkey || permissions_json || [expires_at_ns LE] || label.
// Keys are raw bytes, not hex.
func SigningMessage(d *models.Delegation) ([]byte, error) {
	agent, err := ParsePublicKey(d.AgentPubkey)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	provider, err := ParsePublicKey(d.ProviderPubkey)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	perms := d.Permissions
	if perms == nil {
		perms = []models.Permission{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return nil, fmt.Errorf("encoding permissions: %w", err)
	}

	msg := make([]byte, 0, len(agent)+len(provider)+len(permsJSON)+8+len(d.Label))
	msg = append(msg, agent...)
	msg = append(msg, provider...)
	msg = append(msg, permsJSON...)
	if d.ExpiresAtNs != nil {
		msg = binary.LittleEndian.AppendUint64(msg, uint64(*d.ExpiresAtNs))
	}
	msg = append(msg, d.Label...)
	return msg, nil
}

// Sign sets d.ProviderPubkey from providerKey and signs the delegation.
func Sign(d *models.Delegation, providerKey ed25519.PrivateKey) error {
	d.ProviderPubkey = PublicKeyHex(providerKey)
	msg, err := SigningMessage(d)
	if err != nil {
		return err
	}
	d.Signature = hex.EncodeToString(ed25519.Sign(providerKey, msg))
	return nil
}

// VerifySignature checks the provider signature over d.
func VerifySignature(d *models.Delegation) error {
	msg, err := SigningMessage(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := hex.DecodeString(d.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	provider, _ := ParsePublicKey(d.ProviderPubkey)
	if !ed25519.Verify(provider, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify checks the signature, revocation and expiry of d at now.
func Verify(d *models.Delegation, now time.Time) error {
	if err := VerifySignature(d); err != nil {
		return err
	}
	if d.Revoked() && *d.RevokedAtNs <= now.UnixNano() {
		return ErrDelegationRevoked
	}
	if d.ExpiresAtNs != nil && now.UnixNano() >= *d.ExpiresAtNs {
		return ErrDelegationExpired
	}
	return nil
}

// New builds an unsigned delegation for agentPubkey. A zero ttl never expires.
func New(agentPubkey string, perms []models.Permission, ttl time.Duration, label string, now time.Time) *models.Delegation {
	d := &models.Delegation{
		AgentPubkey: agentPubkey,
		Permissions: perms,
		Label:       label,
		CreatedAtNs: now.UnixNano(),
	}
	if ttl > 0 {
		exp := now.Add(ttl).UnixNano()
		d.ExpiresAtNs = &exp
	}
	return d
}
