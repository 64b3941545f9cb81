package registry

import (
	"net/netip"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/austindbirch/guildhook/internal/event"
)

const (
	minURLLength      = 10
	maxURLLength      = 2048
	maxDescriptionLen = 500
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"ip6-localhost":            true,
	"ip6-loopback":             true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsBlockedAddr reports whether addr is loopback, private, link-local,
// carrier-grade NAT, documentation, multicast or otherwise not a public
// unicast destination. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsBlockedHost applies the static SSRF rules to a URL host (no DNS).
func IsBlockedHost(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if blockedHostnames[lower] || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return true
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(lower, "["), "]")
	if addr, err := netip.ParseAddr(trimmed); err == nil {
		return IsBlockedAddr(addr)
	}
	return false
}

type validator struct {
	allowPrivate bool
}

func (v validator) url(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < minURLLength || len(raw) > maxURLLength {
		return "", configurationError("url must be between 10 and 2048 characters", "url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", configurationError("url is not valid", "url")
	}
	if u.Scheme != "https" {
		return "", configurationError("url must use the https scheme", "url")
	}
	if u.Hostname() == "" {
		return "", configurationError("url must include a host", "url")
	}
	if u.User != nil {
		return "", configurationError("url must not embed credentials", "url")
	}
	if !v.allowPrivate && IsBlockedHost(u.Hostname()) {
		return "", configurationError("url must not target a private or loopback address", "url")
	}
	return u.String(), nil
}

func (v validator) subscriptions(subs []event.Type) ([]event.Type, error) {
	if len(subs) == 0 {
		return nil, configurationError("at least one event type subscription is required", "subscriptions")
	}
	seen := make(map[event.Type]bool, len(subs))
	out := make([]event.Type, 0, len(subs))
	for _, s := range subs {
		if !s.Subscribable() {
			return nil, configurationError("unknown event type: "+string(s), "subscriptions")
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func (v validator) description(d string) (string, error) {
	d = strings.TrimSpace(d)
	if utf8.RuneCountInString(d) > maxDescriptionLen {
		return "", configurationError("description must be at most 500 characters", "description")
	}
	return d, nil
}

func (v validator) scope(s string) (event.Scope, error) {
	scope, err := event.ParseScope(s)
	if err != nil {
		return "", configurationError(err.Error(), "scope")
	}
	return scope, nil
}
