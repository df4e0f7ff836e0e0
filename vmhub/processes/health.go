package processes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultSSHProbeTimeout = 3 * time.Second

// GuestSSHStatus is the result of probing a guest's forwarded SSH port.
type GuestSSHStatus struct {
	Reachable          bool
	HostKeyFingerprint string
}

// HealthChecker probes whether a guest is reachable over its SSH forward.
type HealthChecker interface {
	Check(ctx context.Context, sshPort uint16) (GuestSSHStatus, error)
}

// SSHHealthChecker performs an SSH key exchange against the forwarded port and
// stops before authentication. QEMU user networking accepts TCP connections on
// a forward even when nothing listens in the guest, so a plain connect is not
// enough to tell whether sshd is up.
type SSHHealthChecker struct {
	host    string
	timeout time.Duration
}

// NewSSHHealthChecker creates a checker that dials 127.0.0.1 with the given
// per-probe timeout.
func NewSSHHealthChecker(timeout time.Duration) *SSHHealthChecker {
	if timeout <= 0 {
		timeout = defaultSSHProbeTimeout
	}
	return &SSHHealthChecker{
		host:    "127.0.0.1",
		timeout: timeout,
	}
}

var errHostKeyCaptured = errors.New("host key captured")

// Check dials the port and reads the guest's host key.
func (h *SSHHealthChecker) Check(ctx context.Context, sshPort uint16) (GuestSSHStatus, error) {
	if sshPort == 0 {
		return GuestSSHStatus{}, fmt.Errorf("invalid ssh port %d", sshPort)
	}
	addr := net.JoinHostPort(h.host, strconv.Itoa(int(sshPort)))

	dialer := net.Dialer{Timeout: h.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return GuestSSHStatus{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(h.timeout))

	var fingerprint string
	config := &ssh.ClientConfig{
		User: "vmhub-probe",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fingerprint = ssh.FingerprintSHA256(key)
			return errHostKeyCaptured
		},
		Timeout: h.timeout,
	}

	_, _, _, err = ssh.NewClientConn(conn, addr, config)
	if fingerprint != "" {
		return GuestSSHStatus{Reachable: true, HostKeyFingerprint: fingerprint}, nil
	}
	if err == nil {
		err = errors.New("handshake completed without host key")
	}
	return GuestSSHStatus{}, fmt.Errorf("ssh handshake with %s: %w", addr, err)
}
