package helper

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/model"
)

const noContentResponse = "HTTP/1.1 204 No Content\r\nCache-Control: no-store\r\nContent-Length: 0\r\n\r\n"

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}}}
}

func candidateFor(t *testing.T, proto model.Protocol, addr string) *model.Candidate {
	t.Helper()
	host, port, err := splitHostPort(addr)
	require.NoError(t, err)
	return &model.Candidate{
		Fingerprint: "fp-" + string(proto),
		Protocol:    proto,
		Host:        host,
		Port:        port,
	}
}

// proxiedGet issues one GET through the handle's loopback SOCKS5 endpoint.
func proxiedGet(t *testing.T, h *Handle, url string) *http.Response {
	t.Helper()
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(h.ProxyURL())},
		Timeout:   5 * time.Second,
	}
	resp, err := client.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

// readHTTPRequest consumes one request's header block. It runs on server
// goroutines, so it reports failures as errors rather than asserting.
func readHTTPRequest(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			return nil
		}
	}
}

func TestTrojan_HandshakeCarriesHashAndTarget(t *testing.T) {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", selfSignedTLSConfig(t))
	require.NoError(t, err)
	defer ln.Close()

	password := []byte("secretpass")
	wantSum := sha256.Sum224(password)
	wantHash := hex.EncodeToString(wantSum[:])

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		hash := make([]byte, 56)
		if _, err := io.ReadFull(conn, hash); err != nil {
			serverErr <- err
			return
		}
		if string(hash) != wantHash {
			serverErr <- io.ErrUnexpectedEOF
			return
		}
		head := make([]byte, 3+1) // CRLF, CMD, ATYP
		if _, err := io.ReadFull(conn, head); err != nil {
			serverErr <- err
			return
		}
		if _, err := readSOCKSAddr(conn, head[3]); err != nil {
			serverErr <- err
			return
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(conn, crlf); err != nil {
			serverErr <- err
			return
		}

		br := bufio.NewReader(conn)
		if _, err := br.ReadString('\n'); err != nil {
			serverErr <- err
			return
		}
		_, err = conn.Write([]byte(noContentResponse))
		serverErr <- err
	}()

	c := candidateFor(t, model.ProtoTrojan, ln.Addr().String())
	c.Auth = password
	c.TLSParams = map[string]string{"sni": "127.0.0.1", "allow_insecure": "true"}

	p := NewPool(2)
	h, err := p.Acquire(context.Background(), c)
	require.NoError(t, err)
	defer h.Close()

	resp := proxiedGet(t, h, "http://liveness.invalid/generate_204")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NoError(t, <-serverErr)
}

func TestVLESS_RequestHeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	uuid := "550e8400-e29b-41d4-a716-446655440000"
	wantUUID, err := parseUUIDBytes(uuid)
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		head := make([]byte, 1+16+1+1+2+1) // ver, uuid, addons, cmd, port, atyp
		if _, err := io.ReadFull(conn, head); err != nil {
			serverErr <- err
			return
		}
		if head[0] != 0x00 || string(head[1:17]) != string(wantUUID) || head[18] != 0x01 {
			serverErr <- io.ErrUnexpectedEOF
			return
		}
		var addrLen int
		switch head[21] {
		case 0x01:
			addrLen = 4
		case 0x02:
			l := make([]byte, 1)
			if _, err := io.ReadFull(conn, l); err != nil {
				serverErr <- err
				return
			}
			addrLen = int(l[0])
		case 0x03:
			addrLen = 16
		}
		if _, err := io.CopyN(io.Discard, conn, int64(addrLen)); err != nil {
			serverErr <- err
			return
		}

		br := bufio.NewReader(conn)
		if err := readHTTPRequest(br); err != nil {
			serverErr <- err
			return
		}
		// response header: version, empty addons, then payload
		_, err = conn.Write(append([]byte{0x00, 0x00}, noContentResponse...))
		serverErr <- err
	}()

	c := candidateFor(t, model.ProtoVLess, ln.Addr().String())
	c.Auth = []byte(uuid)

	p := NewPool(2)
	h, err := p.Acquire(context.Background(), c)
	require.NoError(t, err)
	defer h.Close()

	resp := proxiedGet(t, h, "http://liveness.invalid/generate_204")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NoError(t, <-serverErr)
}

// The ssConn framing is symmetric, so the server half of the exchange can
// be driven by another ssConn sharing the password.
func TestShadowsocks_AEADRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	password := []byte("hunter2")
	key := evpBytesToKey(password, ssKeySizes["aes-256-gcm"])

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		sc := &ssConn{Conn: conn, method: "aes-256-gcm", key: key, keySize: len(key)}

		// first payload chunk carries the target address
		atyp := make([]byte, 1)
		if _, err := io.ReadFull(sc, atyp); err != nil {
			serverErr <- err
			return
		}
		if _, err := readSOCKSAddr(sc, atyp[0]); err != nil {
			serverErr <- err
			return
		}

		br := bufio.NewReader(sc)
		if err := readHTTPRequest(br); err != nil {
			serverErr <- err
			return
		}
		_, err = sc.Write([]byte(noContentResponse))
		serverErr <- err
	}()

	c := candidateFor(t, model.ProtoSS, ln.Addr().String())
	c.Auth = password
	c.TransportParams = map[string]string{"method": "aes-256-gcm"}

	p := NewPool(2)
	h, err := p.Acquire(context.Background(), c)
	require.NoError(t, err)
	defer h.Close()

	resp := proxiedGet(t, h, "http://liveness.invalid/generate_204")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NoError(t, <-serverErr)
}

func TestHTTPConnect_Upstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		line, err := br.ReadString('\n')
		if err != nil {
			serverErr <- err
			return
		}
		if len(line) < 8 || line[:7] != "CONNECT" {
			serverErr <- io.ErrUnexpectedEOF
			return
		}
		if err := readHTTPRequest(br); err != nil {
			serverErr <- err
			return
		}
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			serverErr <- err
			return
		}
		if err := readHTTPRequest(br); err != nil { // the tunneled GET
			serverErr <- err
			return
		}
		_, err = conn.Write([]byte(noContentResponse))
		serverErr <- err
	}()

	c := candidateFor(t, model.ProtoHTTP, ln.Addr().String())

	p := NewPool(2)
	h, err := p.Acquire(context.Background(), c)
	require.NoError(t, err)
	defer h.Close()

	resp := proxiedGet(t, h, "http://liveness.invalid/generate_204")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NoError(t, <-serverErr)
}

func TestAcquire_UnsupportedHandshakeFails(t *testing.T) {
	p := NewPool(1)
	for _, proto := range []model.Protocol{model.ProtoVMess, model.ProtoHysteria2, model.ProtoSnell} {
		c := &model.Candidate{Fingerprint: "fp", Protocol: proto, Host: "127.0.0.1", Port: 9}
		_, err := p.Acquire(context.Background(), c)
		require.Error(t, err, string(proto))
	}

	// the slot must be back after the failed acquires
	trojan := &model.Candidate{
		Fingerprint: "fp-t", Protocol: model.ProtoTrojan,
		Host: "127.0.0.1", Port: 9, Auth: []byte("x"),
	}
	h, err := p.Acquire(context.Background(), trojan)
	require.NoError(t, err)
	h.Close()
}

func TestHandle_CloseIsIdempotentAndReleasesSlot(t *testing.T) {
	trojan := &model.Candidate{
		Fingerprint: "fp-t", Protocol: model.ProtoTrojan,
		Host: "127.0.0.1", Port: 9, Auth: []byte("x"),
	}
	p := NewPool(1)
	h, err := p.Acquire(context.Background(), trojan)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h2, err := p.Acquire(ctx, trojan)
	require.NoError(t, err, "slot must be released by Close")
	h2.Close()
}

func TestPool_AcquireObservesCancellation(t *testing.T) {
	trojan := &model.Candidate{
		Fingerprint: "fp-t", Protocol: model.ProtoTrojan,
		Host: "127.0.0.1", Port: 9, Auth: []byte("x"),
	}
	p := NewPool(1)
	h, err := p.Acquire(context.Background(), trojan)
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, trojan)
	require.Error(t, err)
}
