// Package geoip implements the geolocation enrichment stage: an
// offline MaxMind MMDB City lookup on the candidate host, resolving
// hostnames through the shared DNS cache first. A missing database or a
// failed lookup leaves the geo fields empty and never drops the candidate.
package geoip

import (
	"context"
	"net"
	"strconv"

	"github.com/oschwald/geoip2-golang"

	"github.com/spectremesh/spectremerge/internal/dnscache"
	"github.com/spectremesh/spectremerge/internal/model"
)

// Enricher wraps an optional City database reader. The zero-value (or a
// nil *Enricher) behaves as a no-op.
type Enricher struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
	dns  *dnscache.Resolver
}

// Open loads the City database at cityPath and, if asnPath is non-empty,
// the companion ASN database. A missing or unreadable City database is not
// an error: the returned Enricher simply leaves geo fields empty.
func Open(cityPath, asnPath string, dns *dnscache.Resolver) *Enricher {
	if dns == nil {
		dns = dnscache.New()
	}
	e := &Enricher{dns: dns}
	if r, err := geoip2.Open(cityPath); err == nil {
		e.city = r
	}
	if asnPath != "" {
		if r, err := geoip2.Open(asnPath); err == nil {
			e.asn = r
		}
	}
	return e
}

// Close releases the database readers.
func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	if e.city != nil {
		e.city.Close()
	}
	if e.asn != nil {
		e.asn.Close()
	}
	return nil
}

// Available reports whether a City database was actually loaded.
func (e *Enricher) Available() bool { return e != nil && e.city != nil }

// Enrich populates p's CountryCode/Country/City/ASN fields from the
// database. Lookup failures leave the fields empty; p is never
// rejected here.
func (e *Enricher) Enrich(ctx context.Context, p *model.EnrichedProxy) {
	if !e.Available() {
		return
	}
	ip := net.ParseIP(p.Host)
	if ip == nil {
		addrs, err := e.dns.Lookup(ctx, p.Host)
		if err != nil || len(addrs) == 0 {
			return
		}
		ip = net.ParseIP(addrs[0])
		if ip == nil {
			return
		}
	}

	if rec, err := e.city.City(ip); err == nil {
		p.CountryCode = rec.Country.IsoCode
		p.Country = rec.Country.Names["en"]
		p.City = rec.City.Names["en"]
	}
	if e.asn != nil {
		if rec, err := e.asn.ASN(ip); err == nil && rec.AutonomousSystemNumber != 0 {
			p.ASN = "AS" + strconv.Itoa(int(rec.AutonomousSystemNumber))
		}
	}
}
