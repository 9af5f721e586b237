// Package main provides the entry point for the provider agent.
//
// Commands: run, init, register, delegations, doctor, test-provision, setup, password, version.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/narvanalabs/provider-agent/internal/agent"
)

// Version information set at build time using ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Process exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
	exitAuth   = 3
)

func main() {
	err := newRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// configError marks failures caused by missing or invalid configuration.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func asConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return exitOK
	case agent.IsAuthorizationError(err):
		return exitAuth
	case errors.As(err, &cfgErr):
		return exitConfig
	default:
		return exitFailed
	}
}
