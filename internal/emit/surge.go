package emit

import (
	"fmt"
	"strings"

	"github.com/spectremesh/spectremerge/internal/model"
)

// surgeLine renders one [Proxy] line in Surge's comma-separated syntax, or
// "" for protocols Surge has no outbound type for.
func surgeLine(p *model.EnrichedProxy) string {
	name := proxyName(p)
	switch p.Protocol {
	case model.ProtoHTTP, model.ProtoHTTPS:
		parts := []string{fmt.Sprintf("%s = http, %s, %d", name, p.Host, p.Port)}
		if len(p.Auth) > 0 {
			user, pass := splitUserPass(string(p.Auth))
			parts = append(parts, user, pass)
		}
		if p.Protocol == model.ProtoHTTPS {
			parts = append(parts, "tls=true")
		}
		return strings.Join(parts, ", ")
	case model.ProtoSOCKS4, model.ProtoSOCKS5:
		parts := []string{fmt.Sprintf("%s = socks5, %s, %d", name, p.Host, p.Port)}
		if len(p.Auth) > 0 {
			user, pass := splitUserPass(string(p.Auth))
			parts = append(parts, user, pass)
		}
		return strings.Join(parts, ", ")
	case model.ProtoSS, model.ProtoSS2022:
		method := p.TransportParams["method"]
		return fmt.Sprintf("%s = ss, %s, %d, encrypt-method=%s, password=%s",
			name, p.Host, p.Port, method, string(p.Auth))
	case model.ProtoTrojan, model.ProtoTrojanGo:
		line := fmt.Sprintf("%s = trojan, %s, %d, password=%s", name, p.Host, p.Port, string(p.Auth))
		if sni := p.TLSParams["sni"]; sni != "" {
			line += ", sni=" + sni
		}
		return line
	case model.ProtoVMess:
		line := fmt.Sprintf("%s = vmess, %s, %d, username=%s", name, p.Host, p.Port, string(p.Auth))
		if p.TransportParams["network"] == "ws" {
			line += ", ws=true"
			if path := p.TransportParams["path"]; path != "" {
				line += ", ws-path=" + path
			}
		}
		if p.TLSParams["security"] == "tls" {
			line += ", tls=true"
		}
		return line
	case model.ProtoSnell:
		return fmt.Sprintf("%s = snell, %s, %d, psk=%s", name, p.Host, p.Port, string(p.Auth))
	default:
		return ""
	}
}

// WriteSurge renders surge.conf: a [Proxy] section of supported entries.
func (w *Writer) WriteSurge(proxies []*model.EnrichedProxy) error {
	var b strings.Builder
	b.WriteString("[Proxy]\n")
	for _, p := range proxies {
		if line := surgeLine(p); line != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return w.writeText("surge.conf", b.String())
}

// WriteQuantumult renders quantumult.conf in Quantumult X's
// "key=value, ..." server_local syntax for the protocols it supports.
func (w *Writer) WriteQuantumult(proxies []*model.EnrichedProxy) error {
	var b strings.Builder
	b.WriteString("[server_local]\n")
	for _, p := range proxies {
		name := proxyName(p)
		var line string
		switch p.Protocol {
		case model.ProtoVMess:
			line = fmt.Sprintf("vmess=%s:%d, method=chacha20-poly1305, password=%s, tag=%s",
				p.Host, p.Port, string(p.Auth), name)
			if p.TransportParams["network"] == "ws" {
				obfs := "ws"
				if p.TLSParams["security"] == "tls" {
					obfs = "wss"
				}
				line += ", obfs=" + obfs
				if path := p.TransportParams["path"]; path != "" {
					line += ", obfs-uri=" + path
				}
			}
		case model.ProtoSS, model.ProtoSS2022:
			line = fmt.Sprintf("shadowsocks=%s:%d, method=%s, password=%s, tag=%s",
				p.Host, p.Port, p.TransportParams["method"], string(p.Auth), name)
		case model.ProtoTrojan, model.ProtoTrojanGo:
			line = fmt.Sprintf("trojan=%s:%d, password=%s, over-tls=true, tag=%s",
				p.Host, p.Port, string(p.Auth), name)
			if sni := p.TLSParams["sni"]; sni != "" {
				line += ", tls-host=" + sni
			}
		case model.ProtoHTTP, model.ProtoHTTPS:
			line = fmt.Sprintf("http=%s:%d, tag=%s", p.Host, p.Port, name)
			if len(p.Auth) > 0 {
				user, pass := splitUserPass(string(p.Auth))
				line = fmt.Sprintf("http=%s:%d, username=%s, password=%s, tag=%s",
					p.Host, p.Port, user, pass, name)
			}
		case model.ProtoSOCKS5:
			line = fmt.Sprintf("socks5=%s:%d, tag=%s", p.Host, p.Port, name)
		}
		if line != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return w.writeText("quantumult.conf", b.String())
}

// WriteShadowrocket renders shadowrocket.txt: Shadowrocket imports the
// share-link URIs directly, so this is the newline-joined raw URI list.
func (w *Writer) WriteShadowrocket(proxies []*model.EnrichedProxy) error {
	var b strings.Builder
	for _, p := range proxies {
		if p.RawURI != "" {
			b.WriteString(p.RawURI)
			b.WriteByte('\n')
		}
	}
	return w.writeText("shadowrocket.txt", b.String())
}
