package helper

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/spectremesh/spectremerge/internal/model"
)

// wireguardDialer brings up a userspace WireGuard device via
// golang.zx2c4.com/wireguard and the gvisor netstack it depends on, and
// tunnels CONNECT targets through the established peer.
func wireguardDialer(ctx context.Context, c *model.Candidate) (dialFunc, func() error, error) {
	tun, tnet, err := netstack.CreateNetTUN(
		[]netip.Addr{netip.MustParseAddr("10.13.13.2")},
		[]netip.Addr{netip.MustParseAddr("1.1.1.1")},
		1420,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("wireguard: create tun: %w", err)
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), device.NewLogger(device.LogLevelError, ""))

	// Share links carry keys base64-encoded; the device IPC wants hex.
	privateKey, err := keyToHex(string(c.Auth))
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("wireguard: private key: %w", err)
	}
	publicKey, err := keyToHex(c.TransportParams["public_key"])
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("wireguard: public key: %w", err)
	}
	allowedIPs := c.TransportParams["allowed_ips"]
	if allowedIPs == "" {
		allowedIPs = "0.0.0.0/0"
	}

	ipc := fmt.Sprintf(
		"private_key=%s\npublic_key=%s\nendpoint=%s:%d\nallowed_ip=%s\n",
		privateKey, publicKey, c.Host, c.Port, allowedIPs,
	)
	if preshared := c.TransportParams["preshared"]; preshared != "" {
		if psk, err := keyToHex(preshared); err == nil {
			ipc += fmt.Sprintf("preshared_key=%s\n", psk)
		}
	}
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("wireguard: configure: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("wireguard: up: %w", err)
	}

	cleanup := func() error {
		dev.Close()
		return nil
	}
	return tnet.DialContext, cleanup, nil
}

// keyToHex converts a base64 (share-link convention) or already-hex
// 32-byte WireGuard key into the hex form the device IPC expects.
func keyToHex(key string) (string, error) {
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == 32 {
		return key, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(key); err == nil && len(raw) == 32 {
			return hex.EncodeToString(raw), nil
		}
	}
	return "", fmt.Errorf("not a 32-byte key")
}
