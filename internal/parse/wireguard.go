package parse

import (
	"github.com/spectremesh/spectremerge/internal/model"
)

func init() { register("wireguard", parseWireGuard) }

// parseWireGuard handles wireguard://privatekey@host:port?publickey=...&params,
// an informal share-link convention layering the WireGuard config fields
// (private key, peer public key, preshared key, allowed IPs) onto the
// common scheme://userinfo@host:port?query shape so it can flow through the
// same dispatcher as every other protocol. The prober's helper strategy
// does the actual handshake via golang.zx2c4.com/wireguard.
func parseWireGuard(raw, sourceURL string) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" || u.User == nil {
		return nil, false
	}
	privateKey := u.User.Username()
	if privateKey == "" {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}
	q := queryParams(u)
	if q["publickey"] == "" {
		return nil, false
	}
	return &model.Candidate{
		Protocol: model.ProtoWireGuard,
		Host:     host,
		Port:     port,
		Auth:     []byte(privateKey),
		TransportParams: map[string]string{
			"public_key":  q["publickey"],
			"preshared":   q["presharedkey"],
			"allowed_ips": orDefault(q["allowedips"], "0.0.0.0/0"),
			"mtu":         q["mtu"],
			"reserved":    q["reserved"],
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
