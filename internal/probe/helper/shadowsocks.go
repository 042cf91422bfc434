package helper

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/spectremesh/spectremerge/internal/model"
)

// ssPayloadLimit is the AEAD chunk payload cap (14 bits, per the
// shadowsocks AEAD spec).
const ssPayloadLimit = 0x3FFF

var ssKeySizes = map[string]int{
	"aes-128-gcm":            16,
	"aes-192-gcm":            24,
	"aes-256-gcm":            32,
	"chacha20-ietf-poly1305": 32,
}

// shadowsocksDialer implements the shadowsocks AEAD client: per-connection
// random salt, HKDF-SHA1 "ss-subkey" derivation, and length-prefixed
// sealed chunks, with the target address as the first payload.
func shadowsocksDialer(c *model.Candidate) (dialFunc, func() error, error) {
	method := c.TransportParams["method"]
	keySize, ok := ssKeySizes[method]
	if !ok {
		return nil, nil, fmt.Errorf("shadowsocks method %q not supported", method)
	}
	key := evpBytesToKey(c.Auth, keySize)

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return nil, err
		}
		raw, err := dialCandidate(ctx, c)
		if err != nil {
			return nil, err
		}
		conn := &ssConn{Conn: raw, method: method, key: key, keySize: keySize}

		target := appendSOCKSAddr(nil, host, port)
		if _, err := conn.Write(target); err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	}
	return dial, nil, nil
}

// evpBytesToKey derives the master key from the password, the OpenSSL
// MD5-chaining scheme every shadowsocks implementation uses.
func evpBytesToKey(password []byte, keyLen int) []byte {
	var key, prev []byte
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}

func ssSubkey(method string, key, salt []byte, keySize int) (cipher.AEAD, error) {
	subkey := make([]byte, keySize)
	r := hkdf.New(sha1.New, key, salt, []byte("ss-subkey"))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, err
	}
	if method == "chacha20-ietf-poly1305" {
		return chacha20poly1305.New(subkey)
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ssConn frames reads and writes as shadowsocks AEAD chunks. The write
// salt goes out before the first chunk; the read side derives its subkey
// from the server's leading salt.
type ssConn struct {
	net.Conn
	method  string
	key     []byte
	keySize int

	wAEAD  cipher.AEAD
	wNonce []byte

	rAEAD  cipher.AEAD
	rNonce []byte
	rBuf   []byte
}

func (s *ssConn) Write(p []byte) (int, error) {
	if s.wAEAD == nil {
		salt := make([]byte, s.keySize)
		if _, err := rand.Read(salt); err != nil {
			return 0, err
		}
		aead, err := ssSubkey(s.method, s.key, salt, s.keySize)
		if err != nil {
			return 0, err
		}
		if _, err := s.Conn.Write(salt); err != nil {
			return 0, err
		}
		s.wAEAD = aead
		s.wNonce = make([]byte, aead.NonceSize())
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > ssPayloadLimit {
			chunk = chunk[:ssPayloadLimit]
		}
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(chunk)))

		out := s.wAEAD.Seal(nil, s.wNonce, length[:], nil)
		incrementNonce(s.wNonce)
		out = s.wAEAD.Seal(out, s.wNonce, chunk, nil)
		incrementNonce(s.wNonce)

		if _, err := s.Conn.Write(out); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *ssConn) Read(p []byte) (int, error) {
	if len(s.rBuf) > 0 {
		n := copy(p, s.rBuf)
		s.rBuf = s.rBuf[n:]
		return n, nil
	}
	if s.rAEAD == nil {
		salt := make([]byte, s.keySize)
		if _, err := io.ReadFull(s.Conn, salt); err != nil {
			return 0, err
		}
		aead, err := ssSubkey(s.method, s.key, salt, s.keySize)
		if err != nil {
			return 0, err
		}
		s.rAEAD = aead
		s.rNonce = make([]byte, aead.NonceSize())
	}

	tag := s.rAEAD.Overhead()
	sealedLen := make([]byte, 2+tag)
	if _, err := io.ReadFull(s.Conn, sealedLen); err != nil {
		return 0, err
	}
	lenBytes, err := s.rAEAD.Open(nil, s.rNonce, sealedLen, nil)
	if err != nil {
		return 0, err
	}
	incrementNonce(s.rNonce)

	payloadLen := int(binary.BigEndian.Uint16(lenBytes))
	sealed := make([]byte, payloadLen+tag)
	if _, err := io.ReadFull(s.Conn, sealed); err != nil {
		return 0, err
	}
	payload, err := s.rAEAD.Open(nil, s.rNonce, sealed, nil)
	if err != nil {
		return 0, err
	}
	incrementNonce(s.rNonce)

	n := copy(p, payload)
	s.rBuf = payload[n:]
	return n, nil
}

// incrementNonce bumps a little-endian counter nonce in place.
func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}
