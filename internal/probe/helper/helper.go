// Package helper implements the prober's helper strategy: an in-process
// terminator that performs a protocol's client-side handshake against the
// candidate server and exposes a loopback SOCKS5 endpoint the prober dials
// through. WireGuard candidates get a real userspace tunnel via
// golang.zx2c4.com/wireguard and its gvisor netstack; trojan, vless,
// shadowsocks, ssh, naive and plain http/socks upstreams get native
// handshake dialers. Protocols whose handshakes would require crypto or
// QUIC stacks outside the module's dependencies (vmess, ss2022, ssr,
// hysteria, hysteria2, tuic, juicity, snell, brook) fail Acquire with an
// explicit error so their candidates are reported as helper failures, not
// misclassified by a handshake-free relay.
package helper

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/spectremesh/spectremerge/internal/model"
)

// dialFunc opens one tunneled connection to addr ("host:port") through the
// candidate's proxy protocol.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Handle is a leased helper instance: a loopback SOCKS5 listener whose
// CONNECT requests are tunneled through the candidate. Close releases the
// listener and any tunnel state and must be safe to call more than once;
// it is always deferred on every prober exit path.
type Handle struct {
	addr      string
	closeOnce sync.Once
	closeFn   func() error
}

// ProxyURL returns the loopback SOCKS5 endpoint to dial through.
func (h *Handle) ProxyURL() *url.URL {
	return &url.URL{Scheme: "socks5", Host: h.addr}
}

// Close tears down the handle's listener and tunnel. Safe to call multiple
// times and from a deferred cancellation path.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.closeFn != nil {
			err = h.closeFn()
		}
	})
	return err
}

// Pool leases Handles for the prober's helper strategy, bounding
// concurrent helper instances to the same degree as the worker pool: one
// helper per probing worker at peak.
type Pool struct {
	sem chan struct{}
}

// NewPool returns a Pool that allows at most maxConcurrent simultaneous
// helper instances.
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Pool{sem: make(chan struct{}, maxConcurrent)}
}

// Acquire builds and leases a Handle appropriate to c.Protocol. The caller
// must Close the returned Handle on every exit path, including ctx
// cancellation, to release the pool slot.
func (p *Pool) Acquire(ctx context.Context, c *model.Candidate) (*Handle, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-p.sem }

	dial, cleanup, err := dialerFor(ctx, c)
	if err != nil {
		release()
		return nil, model.NewError(model.FailProbeHelper, string(c.Protocol), err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		release()
		return nil, model.NewError(model.FailProbeHelper, string(c.Protocol), err)
	}
	go serveSOCKS5(ln, dial)

	return &Handle{
		addr: ln.Addr().String(),
		closeFn: func() error {
			release()
			err := ln.Close()
			if cleanup != nil {
				if cerr := cleanup(); err == nil {
					err = cerr
				}
			}
			return err
		},
	}, nil
}

// dialerFor builds the protocol-specific tunnel dialer for c, plus an
// optional cleanup for tunnel state outliving individual connections.
func dialerFor(ctx context.Context, c *model.Candidate) (dialFunc, func() error, error) {
	switch c.Protocol {
	case model.ProtoWireGuard:
		return wireguardDialer(ctx, c)
	case model.ProtoTrojan, model.ProtoTrojanGo:
		return trojanDialer(c)
	case model.ProtoVLess:
		return vlessDialer(c)
	case model.ProtoSS:
		return shadowsocksDialer(c)
	case model.ProtoSSH:
		return sshDialer(ctx, c)
	case model.ProtoNaive, model.ProtoHTTPS:
		return connectDialer(c, true)
	case model.ProtoHTTP:
		return connectDialer(c, false)
	case model.ProtoSOCKS5:
		return socks5UpstreamDialer(c)
	default:
		return nil, nil, fmt.Errorf("no client handshake for %s", c.Protocol)
	}
}
