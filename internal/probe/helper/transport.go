package helper

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/spectremesh/spectremerge/internal/model"
)

// candidateAddr returns the candidate server's dial target.
func candidateAddr(c *model.Candidate) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// wantsTLS reports whether the candidate's TLS params call for a TLS leg.
func wantsTLS(c *model.Candidate) bool {
	return c.TLSParams["security"] == "tls" || c.TLSParams["sni"] != ""
}

func allowInsecure(c *model.Candidate) bool {
	v := c.TLSParams["allow_insecure"]
	return v == "true" || v == "1"
}

// dialCandidate opens a plain TCP connection to the candidate server.
func dialCandidate(ctx context.Context, c *model.Candidate) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", candidateAddr(c))
}

// dialCandidateTLS opens a TLS connection to the candidate server using
// its SNI and certificate-verification params.
func dialCandidateTLS(ctx context.Context, c *model.Candidate) (net.Conn, error) {
	raw, err := dialCandidate(ctx, c)
	if err != nil {
		return nil, err
	}
	sni := c.TLSParams["sni"]
	if sni == "" {
		sni = c.Host
	}
	conn := tls.Client(raw, &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: allowInsecure(c),
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}
