package bridge

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"

	"github.com/khanhromvn/flexbrowser/internal/automation"
)

type PopupAction int

const (
	// PopupIgnore drops the popup without opening anything.
	PopupIgnore PopupAction = iota
	// PopupInPlace loads the popup URL in the opener view.
	PopupInPlace
	// PopupExternal hands the URL to the system browser.
	PopupExternal
)

func (a PopupAction) String() string {
	switch a {
	case PopupInPlace:
		return "in-place"
	case PopupExternal:
		return "external"
	}
	return "ignore"
}

// PopupPolicy decides where a window.open or target=_blank navigation goes.
// Hosts matching an allowed pattern stay in the app; every other http(s)
// URL leaves it.
type PopupPolicy struct {
	allowed []glob.Glob
}

// DefaultPopupPatterns covers the chat apps and the identity providers
// their login flows pop up.
func DefaultPopupPatterns() []string {
	patterns := []string{
		"chatgpt.com", "*.chatgpt.com",
		"openai.com", "*.openai.com",
		"gemini.google.com",
		"grok.com", "*.grok.com",
		"appleid.apple.com",
		"login.microsoftonline.com",
		"login.live.com",
	}
	for _, name := range automation.SiteNames() {
		site, _ := automation.LookupSite(name)
		patterns = append(patterns, site.AllowedHostPatterns()...)
	}
	return patterns
}

func NewPopupPolicy(patterns []string) (*PopupPolicy, error) {
	p := &PopupPolicy{}
	for _, pattern := range patterns {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid popup pattern '%s': %w", pattern, err)
		}
		p.allowed = append(p.allowed, g)
	}
	return p, nil
}

func (p *PopupPolicy) Decide(rawURL string) PopupAction {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return PopupIgnore
	}
	host := strings.ToLower(u.Hostname())
	for _, g := range p.allowed {
		if g.Match(host) {
			return PopupInPlace
		}
	}
	return PopupExternal
}
