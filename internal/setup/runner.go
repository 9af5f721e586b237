package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes shell commands on the Proxmox host and returns their
// combined output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ExitError is a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Status  int
	Output  string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%q exited with status %d", e.Command, e.Status)
	}
	return fmt.Sprintf("%q exited with status %d: %s", e.Command, e.Status, e.Output)
}

// IsExitError reports whether err is a non-zero exit rather than a transport failure.
func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// SSHConfig holds connection settings for the Proxmox host.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// HostKeyCallback verifies the host key. Required.
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
}

// SSHRunner runs commands over one SSH connection.
type SSHRunner struct {
	client *ssh.Client
}

// DialSSH connects and authenticates with a password.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHRunner, error) {
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("ssh: host key callback is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	password := cfg.Password
	clientConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &SSHRunner{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Run executes command in a new session. Cancelling ctx closes the session.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(command)
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return string(out), nil
	case errors.As(err, &exitErr):
		return string(out), &ExitError{Command: command, Status: exitErr.ExitStatus(), Output: string(out)}
	case ctx.Err() != nil:
		return string(out), ctx.Err()
	default:
		return string(out), fmt.Errorf("running %q: %w", command, err)
	}
}

// Close closes the connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}

// HostKeyCallback verifies host keys against knownHostsPath. With trustUnknown
// set, any key is accepted and its fingerprint written to w.
func HostKeyCallback(knownHostsPath string, trustUnknown bool, w io.Writer) (ssh.HostKeyCallback, error) {
	if trustUnknown {
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			fmt.Fprintf(w, "Accepting %s host key for %s: %s\n", key.Type(), hostname, ssh.FingerprintSHA256(key))
			return nil
		}, nil
	}
	if _, err := os.Stat(knownHostsPath); err != nil {
		return nil, fmt.Errorf("known hosts file %s: %w (pass --accept-host-key to trust the host on first use)", knownHostsPath, err)
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return cb, nil
}
