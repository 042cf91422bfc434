package emit

import (
	"github.com/spectremesh/spectremerge/internal/model"
)

// singboxType maps protocol tags onto sing-box outbound types; unsupported
// protocols map to "" and are skipped.
func singboxType(p model.Protocol) string {
	switch p {
	case model.ProtoVMess:
		return "vmess"
	case model.ProtoVLess:
		return "vless"
	case model.ProtoSS, model.ProtoSS2022:
		return "shadowsocks"
	case model.ProtoSSR:
		return "shadowsocksr"
	case model.ProtoTrojan, model.ProtoTrojanGo:
		return "trojan"
	case model.ProtoHysteria:
		return "hysteria"
	case model.ProtoHysteria2:
		return "hysteria2"
	case model.ProtoTUIC:
		return "tuic"
	case model.ProtoWireGuard:
		return "wireguard"
	case model.ProtoNaive:
		return "naive"
	case model.ProtoHTTP, model.ProtoHTTPS:
		return "http"
	case model.ProtoSOCKS4, model.ProtoSOCKS5:
		return "socks"
	case model.ProtoSSH:
		return "ssh"
	default:
		return ""
	}
}

// WriteSingBox renders singbox.json: an outbounds array plus a urltest
// selector, the minimal config sing-box accepts as a subscription payload.
func (w *Writer) WriteSingBox(proxies []*model.EnrichedProxy) error {
	outbounds := make([]map[string]any, 0, len(proxies)+1)
	tags := make([]string, 0, len(proxies))
	for _, p := range proxies {
		typ := singboxType(p.Protocol)
		if typ == "" {
			continue
		}
		tag := proxyName(p)
		ob := map[string]any{
			"type":        typ,
			"tag":         tag,
			"server":      p.Host,
			"server_port": p.Port,
		}
		switch typ {
		case "vmess", "vless", "tuic":
			ob["uuid"] = string(p.Auth)
		case "shadowsocks", "shadowsocksr":
			ob["password"] = string(p.Auth)
			if m := p.TransportParams["method"]; m != "" {
				ob["method"] = m
			}
		case "trojan", "hysteria", "hysteria2", "naive":
			ob["password"] = string(p.Auth)
		case "http", "socks":
			if len(p.Auth) > 0 {
				user, pass := splitUserPass(string(p.Auth))
				ob["username"] = user
				ob["password"] = pass
			}
		case "ssh":
			if len(p.Auth) > 0 {
				user, pass := splitUserPass(string(p.Auth))
				ob["user"] = user
				ob["password"] = pass
			}
		case "wireguard":
			ob["private_key"] = string(p.Auth)
			if pk := p.TransportParams["public_key"]; pk != "" {
				ob["peer_public_key"] = pk
			}
		}
		if sni := p.TLSParams["sni"]; sni != "" || p.TLSParams["security"] == "tls" {
			tlsBlock := map[string]any{"enabled": true}
			if sni != "" {
				tlsBlock["server_name"] = sni
			}
			if p.TLSParams["allow_insecure"] == "true" || p.TLSParams["allow_insecure"] == "1" {
				tlsBlock["insecure"] = true
			}
			ob["tls"] = tlsBlock
		}
		outbounds = append(outbounds, ob)
		tags = append(tags, tag)
	}
	outbounds = append(outbounds, map[string]any{
		"type":      "urltest",
		"tag":       "auto",
		"outbounds": tags,
		"url":       "http://www.gstatic.com/generate_204",
	})
	return w.writeJSON("singbox.json", map[string]any{"outbounds": outbounds})
}
