// Package target checks operator-supplied probe targets before anything is
// spawned. Validation never fails loudly: a rejected target is reported as
// ok=false and the caller decides how to surface it.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/nozo-moto/lookingglass/pkg/types"
	"golang.org/x/net/idna"
)

var ErrInvalid = errors.New("invalid target")

// Lookuper resolves a host restricted to one record family ("ip4" or "ip6").
// *net.Resolver satisfies it.
type Lookuper interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type Validator struct {
	resolver Lookuper
}

func NewValidator(resolver Lookuper) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver}
}

var stripTokens = []string{"http://", "https://", ";", ",", "\\", "'"}

// nonPublic covers the private and reserved ranges that are never probed.
var nonPublic = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::ffff:0:0/96"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// IsPublic reports whether addr is outside every private and reserved range.
func IsPublic(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	for _, p := range nonPublic {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// ValidIP reports whether s is a public literal address of the given family.
func ValidIP(s string, family types.Family) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil || addr.Zone() != "" {
		return false
	}
	switch family {
	case types.FamilyIPv4:
		if !addr.Is4() {
			return false
		}
	case types.FamilyIPv6:
		if !addr.Is6() || addr.Is4In6() {
			return false
		}
	}
	return IsPublic(addr)
}

// Sanitize removes scheme prefixes and separator characters that must never
// reach a command line.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	for _, tok := range stripTokens {
		s = strings.ReplaceAll(s, tok, "")
	}
	return s
}

// Validate returns the target to probe for the requested family, or ok=false.
// Literal addresses are returned unchanged; hostnames are returned only when a
// public record of the matching family exists.
func (v *Validator) Validate(ctx context.Context, input string, family types.Family) (string, bool) {
	host := Sanitize(input)
	if host == "" {
		return "", false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		if ValidIP(host, family) {
			return host, true
		}
		return "", false
	}
	if !strings.Contains(host, ".") {
		return "", false
	}

	u, err := url.Parse("https://" + host)
	if err != nil || u.Hostname() == "" || u.User != nil {
		return "", false
	}
	name, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil || !strings.Contains(name, ".") {
		return "", false
	}

	network := "ip4"
	if family == types.FamilyIPv6 {
		network = "ip6"
	}
	ips, err := v.resolver.LookupIP(ctx, network, name)
	if err != nil {
		return "", false
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() == (family == types.FamilyIPv6) {
			continue
		}
		if IsPublic(addr) {
			return name, true
		}
	}
	return "", false
}

var (
	asnPattern      = regexp.MustCompile(`(?i)^AS?(\d+)$`)
	prefix4Pattern  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d{1,2}$`)
	prefix6Pattern  = regexp.MustCompile(`^[0-9a-fA-F:]+/\d{1,3}$`)
	registryPattern = regexp.MustCompile(`^[A-Za-z0-9.:/\-_]+$`)
)

// RouteQuery normalises a route-lookup target: an IP literal, a CIDR prefix or
// an ASN. ASNs come back upper-cased with the AS prefix.
func RouteQuery(input string) (string, error) {
	q := Sanitize(input)
	if m := asnPattern.FindStringSubmatch(q); m != nil {
		return "AS" + m[1], nil
	}
	if _, err := netip.ParseAddr(q); err == nil {
		return q, nil
	}
	if prefix4Pattern.MatchString(q) || prefix6Pattern.MatchString(q) {
		if _, err := netip.ParsePrefix(q); err == nil {
			return q, nil
		}
	}
	return "", ErrInvalid
}

// RegistryQuery accepts an IP, domain or ASN for a registry lookup. It only
// restricts the character set; the registry decides what exists.
func RegistryQuery(input string) (string, error) {
	q := Sanitize(input)
	if q == "" || strings.HasPrefix(q, "-") || !registryPattern.MatchString(q) {
		return "", ErrInvalid
	}
	return q, nil
}

// ForKind applies the check that matches the probe kind: registry and route
// lookups take a query, every other kind a host of its address family.
func (v *Validator) ForKind(ctx context.Context, kind types.ProbeKind, input string) (string, error) {
	switch kind {
	case types.KindWhois:
		return RegistryQuery(input)
	case types.KindBGP:
		return RouteQuery(input)
	}
	host, ok := v.Validate(ctx, input, kind.Family())
	if !ok {
		return "", fmt.Errorf("%w: %q is not a public %s host", ErrInvalid, input, kind.Family())
	}
	return host, nil
}
