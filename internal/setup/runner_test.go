package setup

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	testSSHUser     = "root"
	testSSHPassword = "hunter2"
)

// startSSHServer serves exec requests with handle until the test ends.
func startSSHServer(t *testing.T, handle func(command string) (string, uint32)) (string, int, ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == testSSHUser && string(password) == testSSHPassword {
				return nil, nil
			}
			return nil, errors.New("permission denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg, handle)
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p, signer.PublicKey()
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig, handle func(string) (string, uint32)) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)
				out, status := handle(payload.Command)
				_, _ = io.WriteString(ch, out)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func proxmoxShell(command string) (string, uint32) {
	switch {
	case command == "hostname":
		return "pve1\n", 0
	case strings.HasPrefix(command, "qm status"):
		return "Configuration file 'nodes/pve1/qemu-server/9000.conf' does not exist\n", 2
	default:
		return "", 127
	}
}

func TestSSHRunner(t *testing.T) {
	host, port, hostKey := startSSHServer(t, proxmoxShell)

	r, err := DialSSH(context.Background(), SSHConfig{
		Host:            host,
		Port:            port,
		User:            testSSHUser,
		Password:        testSSHPassword,
		HostKeyCallback: ssh.FixedHostKey(hostKey),
	})
	if err != nil {
		t.Fatalf("DialSSH() error = %v", err)
	}
	defer r.Close()

	out, err := r.Run(context.Background(), "hostname")
	if err != nil || out != "pve1\n" {
		t.Fatalf("Run(hostname) = %q, %v", out, err)
	}

	out, err = r.Run(context.Background(), "qm status 9000")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Status != 2 {
		t.Fatalf("Run(qm status) error = %v, want exit status 2", err)
	}
	if !strings.Contains(out, "does not exist") {
		t.Errorf("output = %q", out)
	}
}

func TestDialSSHWrongPassword(t *testing.T) {
	host, port, hostKey := startSSHServer(t, proxmoxShell)

	_, err := DialSSH(context.Background(), SSHConfig{
		Host:            host,
		Port:            port,
		User:            testSSHUser,
		Password:        "wrong",
		HostKeyCallback: ssh.FixedHostKey(hostKey),
	})
	if err == nil {
		t.Fatal("DialSSH() accepted a wrong password")
	}
}

func TestDialSSHRejectsUnknownHostKey(t *testing.T) {
	host, port, _ := startSSHServer(t, proxmoxShell)

	_, other, _ := ed25519.GenerateKey(rand.Reader)
	otherSigner, _ := ssh.NewSignerFromKey(other)

	_, err := DialSSH(context.Background(), SSHConfig{
		Host:            host,
		Port:            port,
		User:            testSSHUser,
		Password:        testSSHPassword,
		HostKeyCallback: ssh.FixedHostKey(otherSigner.PublicKey()),
	})
	if err == nil {
		t.Fatal("DialSSH() accepted a mismatched host key")
	}
}

func TestHostKeyCallback(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(priv)
	addr := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 22}

	if _, err := HostKeyCallback(filepath.Join(t.TempDir(), "missing"), false, io.Discard); err == nil {
		t.Error("missing known_hosts accepted without trust on first use")
	}

	var out bytes.Buffer
	trust, err := HostKeyCallback("", true, &out)
	if err != nil {
		t.Fatal(err)
	}
	if err := trust("192.0.2.10:22", addr, signer.PublicKey()); err != nil {
		t.Errorf("trust on first use rejected key: %v", err)
	}
	if !strings.Contains(out.String(), ssh.FingerprintSHA256(signer.PublicKey())) {
		t.Errorf("fingerprint not shown: %q", out.String())
	}

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{"192.0.2.10"}, signer.PublicKey())
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	known, err := HostKeyCallback(path, false, io.Discard)
	if err != nil {
		t.Fatalf("HostKeyCallback() error = %v", err)
	}
	if err := known("192.0.2.10:22", addr, signer.PublicKey()); err != nil {
		t.Errorf("known host rejected: %v", err)
	}
}
