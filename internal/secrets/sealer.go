// Package secrets seals instance credentials with age before they leave the agent.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"
	"filippo.io/age/agessh"
	"filippo.io/age/armor"
	"github.com/narvanalabs/provider-agent/internal/models"
)

var (
	// ErrNoRecipient is returned when sealing without a configured recipient.
	ErrNoRecipient = errors.New("no recipient configured for sealing")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Sealer encrypts secrets to a single age recipient as ASCII-armored text.
type Sealer struct {
	recipient age.Recipient
	display   string
	logger    *slog.Logger
}

// ParseRecipient accepts an age X25519 recipient (age1...) or an SSH public
// key (ssh-ed25519 / ssh-rsa) in authorized_keys format.
func ParseRecipient(s string) (age.Recipient, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "age1"):
		r, err := age.ParseX25519Recipient(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return r, nil
	case strings.HasPrefix(s, "ssh-"):
		r, err := agessh.ParseRecipient(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unsupported recipient %q", ErrInvalidKey, truncate(s, 16))
	}
}

// NewSealer creates a Sealer for recipient. An empty recipient yields a
// Sealer that cannot seal and strips secrets instead.
func NewSealer(recipient string, logger *slog.Logger) (*Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sealer{logger: logger}
	if strings.TrimSpace(recipient) == "" {
		return s, nil
	}
	r, err := ParseRecipient(recipient)
	if err != nil {
		return nil, err
	}
	s.recipient = r
	s.display = strings.TrimSpace(recipient)
	return s, nil
}

// CanSeal reports whether a recipient is configured.
func (s *Sealer) CanSeal() bool {
	return s.recipient != nil
}

// Recipient returns the configured recipient string, or empty.
func (s *Sealer) Recipient() string {
	return s.display
}

// Seal encrypts plaintext and returns the armored ciphertext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s.recipient == nil {
		return "", ErrNoRecipient
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipient)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return buf.String(), nil
}

// Protect replaces the report's root password with its sealed form. Without a
// recipient the password is dropped so plaintext never leaves the process.
func (s *Sealer) Protect(contractID string, report *models.ProvisionReport) error {
	if report.RootPassword == "" {
		return nil
	}
	if !s.CanSeal() {
		s.logger.Warn("no password recipient configured, dropping root password from report",
			"contract_id", contractID,
		)
		report.RootPassword = ""
		return nil
	}

	sealed, err := s.Seal(report.RootPassword)
	if err != nil {
		report.RootPassword = ""
		return fmt.Errorf("sealing root password: %w", err)
	}
	report.RootPassword = sealed
	return nil
}

// Open decrypts an armored ciphertext with an age identity string
// (AGE-SECRET-KEY-1...).
func Open(ciphertext, identity string) (string, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(ciphertext)), id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// GenerateKeyPair generates a new age key pair.
// Returns the recipient (for sealing) and the identity (for opening).
func GenerateKeyPair() (recipient, identity string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return id.Recipient().String(), id.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
