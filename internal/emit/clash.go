package emit

import (
	"gopkg.in/yaml.v3"

	"github.com/spectremesh/spectremerge/internal/model"
)

// clashType maps our protocol tags onto Clash's proxy type names; protocols
// Clash has no outbound for map to "", which skips the entry.
func clashType(p model.Protocol) string {
	switch p {
	case model.ProtoVMess:
		return "vmess"
	case model.ProtoVLess:
		return "vless"
	case model.ProtoSS, model.ProtoSS2022:
		return "ss"
	case model.ProtoSSR:
		return "ssr"
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
	case model.ProtoSnell:
		return "snell"
	case model.ProtoHTTP, model.ProtoHTTPS:
		return "http"
	case model.ProtoSOCKS4, model.ProtoSOCKS5:
		return "socks5"
	default:
		return ""
	}
}

// WriteClash renders clash.yaml: a minimal Clash config carrying one proxy
// entry per proxy of a Clash-supported protocol plus a url-test group
// ("auto") referencing them all.
func (w *Writer) WriteClash(proxies []*model.EnrichedProxy) error {
	entries := make([]map[string]any, 0, len(proxies))
	names := make([]string, 0, len(proxies))
	for _, p := range proxies {
		typ := clashType(p.Protocol)
		if typ == "" {
			continue
		}
		name := proxyName(p)
		entry := map[string]any{
			"name":   name,
			"type":   typ,
			"server": p.Host,
			"port":   p.Port,
		}
		switch typ {
		case "vmess", "vless", "tuic":
			entry["uuid"] = string(p.Auth)
		case "ss", "ssr":
			entry["password"] = string(p.Auth)
			if m := p.TransportParams["method"]; m != "" {
				entry["cipher"] = m
			}
		case "trojan", "hysteria", "hysteria2", "snell":
			entry["password"] = string(p.Auth)
		case "http", "socks5":
			if len(p.Auth) > 0 {
				user, pass := splitUserPass(string(p.Auth))
				entry["username"] = user
				entry["password"] = pass
			}
			if p.Protocol == model.ProtoHTTPS {
				entry["tls"] = true
			}
		case "wireguard":
			entry["private-key"] = string(p.Auth)
			if pk := p.TransportParams["public_key"]; pk != "" {
				entry["public-key"] = pk
			}
		}
		if net := p.TransportParams["network"]; net != "" {
			entry["network"] = net
		}
		if sni := p.TLSParams["sni"]; sni != "" {
			entry["sni"] = sni
		}
		if p.TLSParams["security"] == "tls" {
			entry["tls"] = true
		}
		if p.TLSParams["allow_insecure"] == "true" || p.TLSParams["allow_insecure"] == "1" {
			entry["skip-cert-verify"] = true
		}
		entries = append(entries, entry)
		names = append(names, name)
	}

	doc := map[string]any{
		"proxies": entries,
		"proxy-groups": []map[string]any{{
			"name":     "auto",
			"type":     "url-test",
			"proxies":  names,
			"url":      "http://www.gstatic.com/generate_204",
			"interval": 300,
		}},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return model.NewError(model.FailOutputIO, "marshal clash.yaml", err)
	}
	return w.writeText("clash.yaml", string(data))
}

func splitUserPass(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
