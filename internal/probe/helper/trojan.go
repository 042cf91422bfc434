package helper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/spectremesh/spectremerge/internal/model"
)

// trojanDialer implements the trojan client handshake: a TLS connection
// carrying hex(SHA224(password)) CRLF, then a SOCKS5-style CONNECT request
// line, then CRLF, after which the stream is the tunneled payload. trojan
// and trojan-go share this wire shape.
func trojanDialer(c *model.Candidate) (dialFunc, func() error, error) {
	if n := c.TransportParams["network"]; n != "" && n != "tcp" {
		return nil, nil, fmt.Errorf("trojan transport %q not supported", n)
	}
	sum := sha256.Sum224(c.Auth)
	hash := hex.EncodeToString(sum[:])

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return nil, err
		}
		conn, err := dialCandidateTLS(ctx, c)
		if err != nil {
			return nil, err
		}
		req := make([]byte, 0, len(hash)+len(host)+16)
		req = append(req, hash...)
		req = append(req, '\r', '\n', 0x01)
		req = appendSOCKSAddr(req, host, port)
		req = append(req, '\r', '\n')
		if _, err := conn.Write(req); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
	return dial, nil, nil
}
