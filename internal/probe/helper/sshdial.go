package helper

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/spectremesh/spectremerge/internal/model"
)

// sshDialer establishes one SSH session to the candidate and tunnels
// CONNECT targets through direct-tcpip channels, the dynamic-forwarding
// shape ssh -D exposes. Candidate host keys are not pinned anywhere, so
// verification is skipped; the probe only measures reachability.
func sshDialer(ctx context.Context, c *model.Candidate) (dialFunc, func() error, error) {
	user, pass, ok := strings.Cut(string(c.Auth), ":")
	if !ok || user == "" {
		return nil, nil, fmt.Errorf("ssh credentials missing")
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	raw, err := dialCandidate(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, candidateAddr(c), cfg)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	client := ssh.NewClient(conn, chans, reqs)

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return client.Dial("tcp", addr)
	}
	return dial, client.Close, nil
}
