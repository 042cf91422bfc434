package helper

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/proxy"

	"github.com/spectremesh/spectremerge/internal/model"
)

// connectDialer tunnels through an HTTP CONNECT proxy, over TLS for naive
// and https upstreams, plaintext for http. Credentials go out as a
// Proxy-Authorization basic header.
func connectDialer(c *model.Candidate, useTLS bool) (dialFunc, func() error, error) {
	var auth string
	if len(c.Auth) > 0 {
		auth = "Basic " + base64.StdEncoding.EncodeToString(c.Auth)
	}

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		var err error
		if useTLS {
			conn, err = dialCandidateTLS(ctx, c)
		} else {
			conn, err = dialCandidate(ctx, c)
		}
		if err != nil {
			return nil, err
		}

		req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
		if auth != "" {
			req += "Proxy-Authorization: " + auth + "\r\n"
		}
		req += "\r\n"
		if _, err := conn.Write([]byte(req)); err != nil {
			conn.Close()
			return nil, err
		}

		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			conn.Close()
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("connect: status %d", resp.StatusCode)
		}
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return dial, nil, nil
}

// bufferedConn drains bytes the response reader may have buffered past the
// CONNECT status line before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// socks5UpstreamDialer tunnels through an upstream SOCKS5 proxy using the
// x/net/proxy client.
func socks5UpstreamDialer(c *model.Candidate) (dialFunc, func() error, error) {
	var auth *proxy.Auth
	if len(c.Auth) > 0 {
		user, pass := splitUserPass(string(c.Auth))
		auth = &proxy.Auth{User: user, Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", candidateAddr(c), auth, proxy.Direct)
	if err != nil {
		return nil, nil, err
	}

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return d.Dial("tcp", addr)
	}
	return dial, nil, nil
}

func splitUserPass(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
