package bridge

import (
	"testing"

	"github.com/chromedp/cdproto/network"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
)

func TestFromNetworkCookie(t *testing.T) {
	c := fromNetworkCookie(&network.Cookie{
		Name: "sid", Value: "v", Domain: ".claude.ai", Path: "/",
		Expires: 1800000000, Secure: true, HTTPOnly: true,
		SameSite: network.CookieSameSiteLax,
	})
	if c.Expires != 1800000000 || c.SameSite != "Lax" || !c.HTTPOnly {
		t.Errorf("cookie = %+v", c)
	}

	session := fromNetworkCookie(&network.Cookie{Name: "s", Expires: -1, Session: true})
	if session.Expires != 0 {
		t.Errorf("session cookie expiry = %v", session.Expires)
	}
}

func TestToCookieParam(t *testing.T) {
	p := toCookieParam(cookiesync.Cookie{
		Name: "sid", Value: "v", Domain: ".claude.ai",
		SameSite: "none", Expires: 1800000000,
	})
	if p.Path != "/" {
		t.Errorf("Path = %q, want /", p.Path)
	}
	if p.SameSite != network.CookieSameSiteNone || !p.Secure {
		t.Errorf("SameSite=None must be secure: %+v", p)
	}
	if p.Expires == nil || p.Expires.Time().Unix() != 1800000000 {
		t.Errorf("Expires = %v", p.Expires)
	}

	session := toCookieParam(cookiesync.Cookie{Name: "s", Path: "/x", SameSite: "weird"})
	if session.Expires != nil || session.SameSite != "" || session.Path != "/x" {
		t.Errorf("session param = %+v", session)
	}
}
