package automation

import (
	"net/url"
	"strings"
	"time"
)

// Site describes one chat web app the driver knows how to log into.
type Site struct {
	Name         string
	Hosts        []string
	CanonicalURL string

	LoggedInSelector    string
	LoginButtonSelector string
	ChallengeSelector   string
	SessionCookie       string

	InputSelector      string
	SendSelector       string
	ResponseSelector   string
	InProgressSelector string

	Provider IdentityProvider

	// SettleDelay is waited after navigation before the page is forced
	// visible and checked for a challenge. Zero skips both.
	SettleDelay time.Duration
	// TimeoutMeansLoginRequired continues into the login flow when neither
	// login marker shows up in time.
	TimeoutMeansLoginRequired bool
	ScreenshotOnFailure       bool
}

// IdentityProvider is the third-party sign-in partner used by a site.
type IdentityProvider struct {
	Name         string
	Hosts        []string
	Selectors    []string
	TextSelector string
	TextNeedles  []string
}

var googleProvider = IdentityProvider{
	Name:  "google",
	Hosts: []string{"accounts.google.com"},
	Selectors: []string{
		`button[data-provider="google"]`,
		`[data-testid="login-with-google"]`,
		`button[data-testid="google-login-button"]`,
		`a[href*="accounts.google.com"]`,
		`button[aria-label*="Google"]`,
		`div[role="button"][aria-label*="Google"]`,
	},
	TextSelector: `button, a, div[role="button"]`,
	TextNeedles:  []string{"continue with google", "sign in with google", "log in with google"},
}

var sites = map[string]Site{
	"claude": {
		Name:                      "claude",
		Hosts:                     []string{"claude.ai"},
		CanonicalURL:              "https://claude.ai/new",
		LoggedInSelector:          `div.ProseMirror[contenteditable="true"]`,
		LoginButtonSelector:       `button[data-testid="login-with-google"], a[href="/login"], button[data-testid="login-button"]`,
		ChallengeSelector:         `#challenge-form, #challenge-running, iframe[src*="challenges.cloudflare.com"]`,
		SessionCookie:             "sessionKey",
		InputSelector:             `div.ProseMirror[contenteditable="true"]`,
		SendSelector:              `button[aria-label="Send message"], button[aria-label="Send Message"]`,
		ResponseSelector:          `div.font-claude-message, div[data-testid="assistant-message"]`,
		InProgressSelector:        `[data-is-streaming="true"]`,
		Provider:                  googleProvider,
		SettleDelay:               3 * time.Second,
		TimeoutMeansLoginRequired: true,
	},
	"deepseek": {
		Name:                "deepseek",
		Hosts:               []string{"chat.deepseek.com"},
		CanonicalURL:        "https://chat.deepseek.com/",
		LoggedInSelector:    `textarea#chat-input`,
		LoginButtonSelector: `a[href*="/sign_in"], div.ds-sign-in-form button`,
		SessionCookie:       "ds_session_id",
		InputSelector:       `textarea#chat-input`,
		SendSelector:        `div[role="button"][aria-disabled="false"]`,
		ResponseSelector:    `div.ds-markdown`,
		InProgressSelector:  `div.ds-loading, [data-streaming="true"]`,
		Provider:            googleProvider,
		ScreenshotOnFailure: true,
	},
}

// LookupSite returns the built-in site with the given name.
func LookupSite(name string) (Site, bool) {
	s, ok := sites[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// SiteNames lists the built-in sites.
func SiteNames() []string {
	return []string{"claude", "deepseek"}
}

// Owns reports whether rawURL is on one of the site's hosts or a subdomain.
func (s Site) Owns(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range s.Hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Domains lists every host whose cookies a logged-in session depends on.
func (s Site) Domains() []string {
	out := make([]string, 0, len(s.Hosts)+len(s.Provider.Hosts))
	out = append(out, s.Hosts...)
	out = append(out, s.Provider.Hosts...)
	return out
}

// CookieURLs are the origins checked for the session cookie.
func (s Site) CookieURLs() []string {
	out := make([]string, 0, len(s.Hosts))
	for _, h := range s.Hosts {
		out = append(out, "https://"+h+"/")
	}
	return out
}

// AllowedHostPatterns are glob patterns for hosts a view of this site may
// open popups to in-place.
func (s Site) AllowedHostPatterns() []string {
	var out []string
	for _, h := range s.Domains() {
		out = append(out, h, "*."+h)
	}
	return out
}
