package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EnsureRequest asks for a logged-in view of Site. Source names the cookie
// partition the login cookies are copied from; "" is the default one.
type EnsureRequest struct {
	Site   string
	Token  string
	Source string
}

// Assistant runs login flows and questions against the chat sites and
// remembers the last logged-in view per site.
type Assistant struct {
	Opener Opener
	// NewSyncer returns the cookie sync for a source partition. Nil skips
	// the sync step.
	NewSyncer     func(source string) CookieSyncer
	Timing        Timing
	ScreenshotDir string
	DefaultSite   string

	mu       sync.Mutex
	sessions map[string]*Session

	sleep func(ctx context.Context, d time.Duration) error
}

func NewAssistant(opener Opener, newSyncer func(source string) CookieSyncer, defaultSite string) *Assistant {
	return &Assistant{
		Opener:      opener,
		NewSyncer:   newSyncer,
		Timing:      DefaultTiming(),
		DefaultSite: defaultSite,
		sessions:    make(map[string]*Session),
		sleep:       sleepCtx,
	}
}

func (a *Assistant) site(name string) (Site, error) {
	if name == "" {
		name = a.DefaultSite
	}
	site, ok := LookupSite(name)
	if !ok {
		return Site{}, fmt.Errorf("%w: %s", ErrUnknownSite, name)
	}
	return site, nil
}

func (a *Assistant) driver(site Site, source string) *Driver {
	var syncer CookieSyncer
	if a.NewSyncer != nil {
		syncer = a.NewSyncer(source)
	}
	d := NewDriver(site, a.Opener, syncer)
	d.Timing = a.Timing
	d.ScreenshotDir = a.ScreenshotDir
	if a.sleep != nil {
		d.sleep = a.sleep
	}
	return d
}

// Ensure runs the login flow for req.Site. The session is returned also on
// error so callers can report how far the flow got.
func (a *Assistant) Ensure(ctx context.Context, req EnsureRequest) (*Session, error) {
	site, err := a.site(req.Site)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sess, err := a.driver(site, req.Source).Run(ctx, req.Token)
	if err != nil {
		slog.Warn("automation login failed", "site", site.Name, "state", sess.State, "err", err, "ms", time.Since(start).Milliseconds())
		return sess, err
	}
	slog.Info("automation login ready", "site", site.Name, "ms", time.Since(start).Milliseconds())
	a.mu.Lock()
	a.sessions[site.Name] = sess
	a.mu.Unlock()
	return sess, nil
}

// AskSite sends question through the site's automation view, logging in
// first when there is no usable session.
func (a *Assistant) AskSite(ctx context.Context, siteName, question string) (string, error) {
	site, err := a.site(siteName)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	sess := a.sessions[site.Name]
	a.mu.Unlock()

	var page Page
	if sess != nil && sess.Page() != nil {
		if _, err := sess.Page().URL(ctx); err == nil {
			page = sess.Page()
		}
	}
	if page == nil {
		sess, err := a.Ensure(ctx, EnsureRequest{Site: site.Name})
		if err != nil {
			return "", err
		}
		page = sess.Page()
	}
	return a.driver(site, "").Ask(ctx, page, question)
}

// Ask sends question through an arbitrary page, picking the site by the
// page's current URL.
func (a *Assistant) Ask(ctx context.Context, page Page, question string) (string, error) {
	url, err := page.URL(ctx)
	if err != nil {
		return "", err
	}
	for _, name := range SiteNames() {
		site, _ := LookupSite(name)
		if site.Owns(url) {
			return a.driver(site, "").Ask(ctx, page, question)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSite, url)
}

// Forget drops the cached session of a site.
func (a *Assistant) Forget(siteName string) {
	a.mu.Lock()
	delete(a.sessions, siteName)
	a.mu.Unlock()
}
