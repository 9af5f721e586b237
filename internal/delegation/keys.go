// Package delegation implements the agent's key material and the signed,
// scoped grants that let an agent key act for a provider.
package delegation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key file names written by WriteKeypair.
const (
	PrivateKeyFile = "agent.key"
	PublicKeyFile  = "agent.pub"
)

var (
	// ErrKeyExists is returned when a keypair would be overwritten without force.
	ErrKeyExists = errors.New("key file already exists")
	// ErrInvalidKey is returned for key material that does not decode to an ed25519 key.
	ErrInvalidKey = errors.New("invalid ed25519 key")
)

// GenerateKey creates a fresh ed25519 keypair.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return priv, nil
}

// PublicKeyHex returns the hex encoded public half of key.
func PublicKeyHex(key ed25519.PrivateKey) string {
	return hex.EncodeToString(key.Public().(ed25519.PublicKey))
}

// ParsePublicKey decodes a hex encoded ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a hex encoded seed (32 bytes) or full private key (64 bytes).
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !key.Equal(ed25519.PrivateKey(raw)) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidKey)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
}

// LoadPrivateKey accepts either hex key material or a path to a file holding it.
func LoadPrivateKey(hexOrPath string) (ed25519.PrivateKey, error) {
	value := strings.TrimSpace(hexOrPath)
	if value == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if key, err := ParsePrivateKey(value); err == nil {
		return key, nil
	}

	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	key, err := ParsePrivateKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", value, err)
	}
	return key, nil
}

// WriteKeypair generates a keypair and writes it to dir as agent.key (0600)
// and agent.pub. Existing files are kept unless force is set.
func WriteKeypair(dir string, force bool) (ed25519.PrivateKey, error) {
	privPath := filepath.Join(dir, PrivateKeyFile)
	pubPath := filepath.Join(dir, PublicKeyFile)

	if !force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrKeyExists, p)
			}
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	seed := hex.EncodeToString(key.Seed()) + "\n"
	if err := os.WriteFile(privPath, []byte(seed), 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(privPath, 0o600); err != nil {
		return nil, fmt.Errorf("restricting private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(PublicKeyHex(key)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	return key, nil
}
