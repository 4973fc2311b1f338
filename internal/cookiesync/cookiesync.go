// Package cookiesync copies authentication cookies from one session
// partition into another.
package cookiesync

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultTTL is the expiry given to copied cookies.
const DefaultTTL = 30 * 24 * time.Hour

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	SameSite string  `json:"sameSite,omitempty"`
	Expires  float64 `json:"expires"` // epoch seconds, 0 for session cookies
}

// Store reads and writes cookies of a named partition. "" is the default
// partition.
type Store interface {
	Cookies(ctx context.Context, partition, domain string) ([]Cookie, error)
	SetCookie(ctx context.Context, partition string, c Cookie) error
}

type Syncer struct {
	Store  Store
	Source string
	Target string
	TTL    time.Duration

	now func() time.Time
}

func New(store Store, source, target string) *Syncer {
	return &Syncer{Store: store, Source: source, Target: target, TTL: DefaultTTL, now: time.Now}
}

// Sync copies cookies for every domain (and its registrable domain) from
// Source to Target. It is best-effort: lookup and write failures are logged
// and skipped. Each (domain, path, name) is written at most once per call,
// and re-running overwrites the same records.
func (s *Syncer) Sync(ctx context.Context, domains []string) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := float64(now().Add(ttl).Unix())

	written := make(map[string]bool)
	copied, failed := 0, 0
	for _, domain := range Expand(domains) {
		cookies, err := s.Store.Cookies(ctx, s.Source, domain)
		if err != nil {
			slog.Warn("cookie sync: read failed", "domain", domain, "partition", s.Source, "err", err)
			continue
		}
		for _, c := range cookies {
			key := key(c)
			if written[key] {
				continue
			}
			written[key] = true
			c.Expires = expires
			if err := s.Store.SetCookie(ctx, s.Target, c); err != nil {
				failed++
				slog.Warn("cookie sync: write failed", "name", c.Name, "domain", c.Domain, "partition", s.Target, "err", err)
				continue
			}
			copied++
		}
	}
	slog.Debug("cookie sync done", "from", s.Source, "to", s.Target, "copied", copied, "failed", failed)
}

func key(c Cookie) string {
	return NormalizeDomain(c.Domain) + "|" + c.Path + "|" + c.Name
}

// Expand returns the domains plus their registrable domains, lower-cased,
// without leading dots, de-duplicated, in first-seen order.
func Expand(domains []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, d := range domains {
		d = NormalizeDomain(d)
		add(d)
		if root, err := publicsuffix.EffectiveTLDPlusOne(d); err == nil {
			add(root)
		}
	}
	return out
}

func NormalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
}

// Matches reports whether a cookie set for cookieDomain applies to domain.
func Matches(cookieDomain, domain string) bool {
	cd := NormalizeDomain(cookieDomain)
	d := NormalizeDomain(domain)
	if cd == "" || d == "" {
		return false
	}
	return cd == d || strings.HasSuffix(d, "."+cd)
}
