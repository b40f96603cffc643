// Package dnsbl implements C4: reverse-IP zone lookups against one or more
// configured DNS block lists (spec §4.4). A short-lived per-IP cache
// (design note §9) avoids repeated zone queries against misbehaving clients,
// reusing the teacher's ephemeral TTL-map shape.
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/store/ephemeral"
)

// DefaultCacheTTL is the recommended decision cache lifetime (design note §9).
const DefaultCacheTTL = 5 * time.Minute

// Resolver is the subset of *net.Resolver the checker needs; narrowed for tests.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Checker is C4.
type Checker struct {
	zones    []string
	resolver Resolver
	cache    *ephemeral.NonceStore // ip -> "1" (listed) or "0" (clear), TTL-bound
	cacheTTL time.Duration
}

// New constructs a Checker for the given zones (e.g. "zen.spamhaus.org").
func New(zones []string, resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{
		zones:    zones,
		resolver: resolver,
		cache:    ephemeral.NewNonceStore(),
		cacheTTL: DefaultCacheTTL,
	}
}

// IsBlacklisted checks ip against every configured zone, short-circuiting on
// the first listing. IPv6 is out of scope and always returns false. DNS
// errors are non-fatal: treated as not-listed and logged (spec §4.4).
func (c *Checker) IsBlacklisted(ctx context.Context, ipv4 string) bool {
	ip := net.ParseIP(ipv4)
	if ip == nil || ip.To4() == nil {
		return false
	}

	if cached, ok := c.cache.Get(ipv4); ok {
		return cached == "1"
	}

	reversed, err := reverseOctets(ip.To4())
	if err != nil {
		logging.WarnLog("dnsbl: reverse octet error for %s: %v", ipv4, err)
		return false
	}

	listed := false
	for _, zone := range c.zones {
		query := reversed + "." + zone
		if _, err := c.resolver.LookupHost(ctx, query); err == nil {
			listed = true
			break
		}
		// NXDOMAIN and other lookup errors mean "not listed in this zone";
		// non-fatal per spec, so we keep checking the remaining zones.
	}

	val := "0"
	if listed {
		val = "1"
	}
	if err := c.cache.Set(ipv4, val, c.cacheTTL); err != nil {
		logging.DebugLog("dnsbl: cache set failed for %s: %v", ipv4, err)
	}
	return listed
}

func reverseOctets(v4 net.IP) (string, error) {
	if len(v4) != 4 {
		return "", fmt.Errorf("dnsbl: not an IPv4 address: %v", v4)
	}
	parts := strings.Split(v4.String(), ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("dnsbl: malformed IPv4 string: %s", v4.String())
	}
	return fmt.Sprintf("%s.%s.%s.%s", parts[3], parts[2], parts[1], parts[0]), nil
}
