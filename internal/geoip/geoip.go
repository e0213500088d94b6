// Package geoip resolves a connecting IP to a country code, used to fill
// the "zone" field of user metadata and to prefix MyINFO descriptions
// when configured. Actual geolocation is treated as an external
// collaborator; this package defines the seam and a zone-table-backed
// stub, not a MaxMind/IP2Location client.
package geoip

import (
	"context"
	"net"
)

// Info is what a Lookup call returns about an address.
type Info struct {
	CountryCode string
	Description string
}

// Lookup resolves addr to geolocation Info. Implementations may hit a
// local database, an external service, or — as in Static — a fixed table.
type Lookup interface {
	Lookup(ctx context.Context, addr net.IP) (Info, error)
}

// ZoneSource reads the country-code description table (internal/store's
// zone rows); Static is built against it so "zone" admin commands and
// geoip resolution share one source of truth.
type ZoneSource interface {
	GetZone(ctx context.Context, code string) (string, error)
}

// Static resolves country codes using a caller-supplied classifier
// function (e.g. a CIDR-range table loaded at startup) and fills the
// human-readable Description from a ZoneSource.
type Static struct {
	classify func(net.IP) string
	zones    ZoneSource
}

// NewStatic builds a Static lookup. classify must return "" for unknown
// addresses (including private/loopback ranges).
func NewStatic(classify func(net.IP) string, zones ZoneSource) *Static {
	return &Static{classify: classify, zones: zones}
}

// Lookup implements Lookup.
func (s *Static) Lookup(ctx context.Context, addr net.IP) (Info, error) {
	code := s.classify(addr)
	if code == "" {
		return Info{}, nil
	}
	desc, err := s.zones.GetZone(ctx, code)
	if err != nil {
		return Info{CountryCode: code}, nil
	}
	return Info{CountryCode: code, Description: desc}, nil
}

// IsLocal reports whether ip is loopback/link-local/private and therefore
// should never be assigned a zone, matching the reference hub's "no zone
// for local networks" behavior. Callers compose this ahead of their own
// classify function: `geoip.NewStatic(func(ip net.IP) string { if
// geoip.IsLocal(ip) { return "" }; return myRangeTable.Lookup(ip) }, zones)`.
func IsLocal(ip net.IP) bool {
	return ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate()
}
