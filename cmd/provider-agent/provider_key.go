package main

import (
	"bufio"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/narvanalabs/provider-agent/internal/delegation"
	"github.com/narvanalabs/provider-agent/internal/marketplace"
	"github.com/narvanalabs/provider-agent/pkg/config"
	"github.com/narvanalabs/provider-agent/pkg/logger"
	"golang.org/x/term"
)

// providerKeyOptions selects where the provider's primary key comes from.
// The key is only held in memory for the duration of one command.
type providerKeyOptions struct {
	keyFile  string
	endpoint string
}

// readProviderKey loads the provider secret key from --provider-key or,
// failing that, prompts for it without echo.
func (o *providerKeyOptions) readProviderKey(in io.Reader, prompt io.Writer) (ed25519.PrivateKey, error) {
	if o.keyFile != "" {
		return delegation.LoadPrivateKey(o.keyFile)
	}

	line, err := readSecret(in, prompt, "Provider secret key (hex): ")
	if err != nil {
		return nil, fmt.Errorf("reading provider key: %w", err)
	}
	return delegation.ParsePrivateKey(line)
}

// readSecret prompts without echo on a terminal and otherwise reads one line.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// providerClient builds a marketplace client authenticated as the provider.
func (o *providerKeyOptions) providerClient(cfg *config.Config, key ed25519.PrivateKey, log *logger.Logger) (*marketplace.Client, error) {
	endpoint := cfg.API.Endpoint
	if o.endpoint != "" {
		endpoint = o.endpoint
	}
	if endpoint == "" {
		return nil, asConfigError(fmt.Errorf("api.endpoint is required (set it in the config or pass --endpoint)"))
	}

	pub := delegation.PublicKeyHex(key)
	if cfg.API.ProviderPubkey != "" && !strings.EqualFold(cfg.API.ProviderPubkey, pub) {
		return nil, asConfigError(fmt.Errorf("provider key does not match api.provider_pubkey %s", cfg.API.ProviderPubkey))
	}

	return marketplace.NewClient(endpoint, pub, delegation.NewProviderSigner(key), cfg.API.RequestTimeout, log.WithComponent("marketplace").Logger), nil
}
