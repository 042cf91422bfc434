package helper

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/spectremesh/spectremerge/internal/model"
)

// vlessDialer implements the VLESS client handshake over TCP or TLS: a
// plaintext request header of version 0, the 16-byte account UUID, an
// empty addons block, the TCP command and the target address. The server
// prefixes its first response with a version/addons header which is
// stripped before payload bytes are handed to the caller.
func vlessDialer(c *model.Candidate) (dialFunc, func() error, error) {
	if n := c.TransportParams["network"]; n != "" && n != "tcp" {
		return nil, nil, fmt.Errorf("vless transport %q not supported", n)
	}
	uuid, err := parseUUIDBytes(string(c.Auth))
	if err != nil {
		return nil, nil, err
	}

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return nil, err
		}
		var conn net.Conn
		if wantsTLS(c) {
			conn, err = dialCandidateTLS(ctx, c)
		} else {
			conn, err = dialCandidate(ctx, c)
		}
		if err != nil {
			return nil, err
		}

		req := make([]byte, 0, 64)
		req = append(req, 0x00) // version
		req = append(req, uuid...)
		req = append(req, 0x00)       // addons length
		req = append(req, 0x01)       // command: TCP
		req = binary.BigEndian.AppendUint16(req, uint16(port))
		req = appendVLESSAddr(req, host)
		if _, err := conn.Write(req); err != nil {
			conn.Close()
			return nil, err
		}
		return &vlessConn{Conn: conn}, nil
	}
	return dial, nil, nil
}

// appendVLESSAddr appends the VLESS address encoding: type byte (1 IPv4,
// 2 domain, 3 IPv6) then the address body. Note the type values differ
// from SOCKS5's.
func appendVLESSAddr(dst []byte, host string) []byte {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			dst = append(dst, 0x01)
			return append(dst, v4...)
		}
		dst = append(dst, 0x03)
		return append(dst, ip.To16()...)
	}
	dst = append(dst, 0x02, byte(len(host)))
	return append(dst, host...)
}

// vlessConn strips the server's response header (version byte plus an
// addons length-prefixed block) ahead of the first payload read.
type vlessConn struct {
	net.Conn
	headerOnce sync.Once
	headerErr  error
}

func (v *vlessConn) Read(p []byte) (int, error) {
	v.headerOnce.Do(func() {
		head := make([]byte, 2) // version, addons length
		if _, err := io.ReadFull(v.Conn, head); err != nil {
			v.headerErr = err
			return
		}
		if n := int(head[1]); n > 0 {
			if _, err := io.CopyN(io.Discard, v.Conn, int64(n)); err != nil {
				v.headerErr = err
			}
		}
	})
	if v.headerErr != nil {
		return 0, v.headerErr
	}
	return v.Conn.Read(p)
}

// parseUUIDBytes decodes the canonical 8-4-4-4-12 UUID text form into its
// 16 raw bytes.
func parseUUIDBytes(s string) ([]byte, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	raw, err := hex.DecodeString(cleaned)
	if err != nil || len(raw) != 16 {
		return nil, fmt.Errorf("not a uuid: %q", s)
	}
	return raw, nil
}
