// Package automation logs into chat web apps and asks them questions by
// scripting an embedded view.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
)

type State string

const (
	Initializing       State = "initializing"
	NavigatedToTarget  State = "navigated_to_target"
	CheckingLoginState State = "checking_login_state"
	LoggedIn           State = "logged_in"
	LoginRequired      State = "login_required"
	TimedOut           State = "timed_out"
	AwaitingLogin      State = "awaiting_login"
	Challenge          State = "challenge"
	Failed             State = "failed"
)

// Terminal reports whether the driver always stops in s. TimedOut is
// terminal unless the site treats it as LoginRequired.
func (s State) Terminal() bool {
	switch s {
	case LoggedIn, Challenge, Failed:
		return true
	}
	return false
}

func (d *Driver) terminal(s State) bool {
	return s.Terminal() || (s == TimedOut && !d.Site.TimeoutMeansLoginRequired)
}

type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Err  string    `json:"error,omitempty"`
}

// Timing holds every poll interval and budget the driver uses. Budgets are
// attempt counts; a timeout is converted to interval-sized attempts.
type Timing struct {
	LoginCheckInterval    time.Duration
	LoginCheckAttempts    int
	LoginClickDelay       time.Duration
	ProviderPollInterval  time.Duration
	ProviderSearchTimeout time.Duration
	CompletionInterval    time.Duration
	CompletionAttempts    int
	ResponseInterval      time.Duration
	ResponseAttempts      int
}

func DefaultTiming() Timing {
	return Timing{
		LoginCheckInterval:    500 * time.Millisecond,
		LoginCheckAttempts:    30,
		LoginClickDelay:       2 * time.Second,
		ProviderPollInterval:  500 * time.Millisecond,
		ProviderSearchTimeout: 15 * time.Second,
		CompletionInterval:    time.Second,
		CompletionAttempts:    30,
		ResponseInterval:      time.Second,
		ResponseAttempts:      60,
	}
}

func (t Timing) providerAttempts() int {
	if t.ProviderPollInterval <= 0 {
		return 1
	}
	n := int(t.ProviderSearchTimeout / t.ProviderPollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Session is the outcome of one Run.
type Session struct {
	Site        string       `json:"site"`
	PageID      string       `json:"pageId,omitempty"`
	State       State        `json:"state"`
	Transitions []Transition `json:"transitions"`
	Screenshot  string       `json:"screenshot,omitempty"`

	page Page
}

// Page returns the view driven by the session, nil if it was never opened.
func (s *Session) Page() Page { return s.page }

type Driver struct {
	Site   Site
	Timing Timing
	Opener Opener
	Syncer CookieSyncer
	// ScreenshotDir receives diagnostic captures when the site asks for
	// them. Empty disables capture.
	ScreenshotDir string

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	steps map[State]stepFunc
}

type stepFunc func(ctx context.Context, r *run) (State, error)

// run carries the per-invocation state between steps.
type run struct {
	token   string
	session *Session
}

func NewDriver(site Site, opener Opener, syncer CookieSyncer) *Driver {
	d := &Driver{
		Site:   site,
		Timing: DefaultTiming(),
		Opener: opener,
		Syncer: syncer,
		sleep:  sleepCtx,
		now:    time.Now,
	}
	d.init()
	return d
}

func (d *Driver) init() {
	d.steps = map[State]stepFunc{
		Initializing:       d.initialize,
		NavigatedToTarget:  d.navigate,
		CheckingLoginState: d.checkLoginState,
		LoginRequired:      d.loginRequired,
		TimedOut:           d.timedOut,
		AwaitingLogin:      d.awaitLogin,
	}
	if d.sleep == nil {
		d.sleep = sleepCtx
	}
	if d.now == nil {
		d.now = time.Now
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives the site's view to a logged-in state. A non-empty token is
// installed as the site's session cookie before navigating. The returned
// session is never nil and records every transition, also on error.
func (d *Driver) Run(ctx context.Context, token string) (*Session, error) {
	if d.steps == nil {
		d.init()
	}
	r := &run{token: token, session: &Session{Site: d.Site.Name, State: Initializing}}
	state := Initializing
	for !d.terminal(state) {
		step, ok := d.steps[state]
		if !ok {
			return r.session, fmt.Errorf("automation: no step for state %s", state)
		}
		next, err := step(ctx, r)
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
			next = Failed
		}
		d.record(r.session, state, next, err)
		state = next
		if err != nil && d.terminal(next) {
			return r.session, err
		}
	}
	return r.session, nil
}

func (d *Driver) record(s *Session, from, to State, err error) {
	t := Transition{From: from, To: to, At: d.now()}
	if err != nil {
		t.Err = err.Error()
	}
	s.Transitions = append(s.Transitions, t)
	s.State = to
	slog.Debug("automation transition", "site", d.Site.Name, "from", from, "to", to, "err", err)
}

func (d *Driver) initialize(ctx context.Context, r *run) (State, error) {
	page, err := d.Opener.Open(ctx, d.Site)
	if err != nil {
		return Failed, fmt.Errorf("open view: %w", err)
	}
	r.session.page = page
	r.session.PageID = page.ID()

	if d.Syncer != nil {
		d.Syncer.Sync(ctx, d.Site.Domains())
	}
	if r.token != "" && d.Site.SessionCookie != "" {
		for _, host := range d.Site.Hosts {
			c := cookiesync.Cookie{
				Name:     d.Site.SessionCookie,
				Value:    r.token,
				Domain:   "." + host,
				Path:     "/",
				Secure:   true,
				HTTPOnly: true,
				SameSite: "Lax",
				Expires:  float64(d.now().Add(cookiesync.DefaultTTL).Unix()),
			}
			if err := page.SetCookie(ctx, c); err != nil {
				slog.Warn("automation: token cookie not set", "site", d.Site.Name, "host", host, "err", err)
			}
		}
	}
	return NavigatedToTarget, nil
}

func (d *Driver) navigate(ctx context.Context, r *run) (State, error) {
	page := r.session.page
	current, err := page.URL(ctx)
	if err == nil && d.Site.Owns(current) {
		return CheckingLoginState, nil
	}
	if err := page.Navigate(ctx, d.Site.CanonicalURL); err != nil {
		return Failed, fmt.Errorf("navigate to %s: %w", d.Site.CanonicalURL, err)
	}
	if d.Site.SettleDelay <= 0 {
		return CheckingLoginState, nil
	}
	if err := d.sleep(ctx, d.Site.SettleDelay); err != nil {
		return Failed, err
	}
	if err := page.ForceVisible(ctx); err != nil {
		if errors.Is(err, ErrPageUnreachable) {
			return Failed, fmt.Errorf("force visible: %w", err)
		}
		slog.Debug("automation: force visible failed", "site", d.Site.Name, "err", err)
	}
	if d.Site.ChallengeSelector != "" {
		found, err := page.Exists(ctx, d.Site.ChallengeSelector)
		if err != nil {
			return Failed, fmt.Errorf("check challenge selector: %w", err)
		}
		if found {
			if err := page.Show(ctx); err != nil {
				slog.Warn("automation: show challenge view failed", "site", d.Site.Name, "err", err)
			}
			at, _ := page.URL(ctx)
			return Challenge, &ChallengeError{Site: d.Site.Name, URL: at}
		}
	}
	return CheckingLoginState, nil
}

func (d *Driver) checkLoginState(ctx context.Context, r *run) (State, error) {
	page := r.session.page
	for attempt := 1; attempt <= d.Timing.LoginCheckAttempts; attempt++ {
		ok, err := page.Exists(ctx, d.Site.LoggedInSelector)
		if err != nil {
			return Failed, fmt.Errorf("check logged-in selector: %w", err)
		}
		if ok {
			return LoggedIn, nil
		}
		ok, err = page.Exists(ctx, d.Site.LoginButtonSelector)
		if err != nil {
			return Failed, fmt.Errorf("check login button: %w", err)
		}
		if ok {
			return LoginRequired, nil
		}
		if attempt == d.Timing.LoginCheckAttempts {
			break
		}
		if err := d.sleep(ctx, d.Timing.LoginCheckInterval); err != nil {
			return Failed, err
		}
	}
	return TimedOut, ErrLoginStateTimeout
}

func (d *Driver) loginRequired(context.Context, *run) (State, error) {
	return AwaitingLogin, nil
}

func (d *Driver) timedOut(context.Context, *run) (State, error) {
	return AwaitingLogin, nil
}

func (d *Driver) awaitLogin(ctx context.Context, r *run) (State, error) {
	page := r.session.page
	if err := page.Show(ctx); err != nil {
		if errors.Is(err, ErrPageUnreachable) {
			return Failed, fmt.Errorf("show view: %w", err)
		}
		slog.Warn("automation: show view failed", "site", d.Site.Name, "err", err)
	}

	if d.Site.SessionCookie != "" {
		ok, err := page.HasCookie(ctx, d.Site.CookieURLs(), d.Site.SessionCookie)
		if err != nil {
			return Failed, fmt.Errorf("read session cookie: %w", err)
		}
		if ok {
			slog.Info("automation: session cookie present", "site", d.Site.Name)
			return LoggedIn, nil
		}
	}

	clicked, err := page.Click(ctx, d.Site.LoginButtonSelector)
	if err != nil {
		return Failed, fmt.Errorf("click login button: %w", err)
	}
	if clicked {
		if err := d.sleep(ctx, d.Timing.LoginClickDelay); err != nil {
			return Failed, err
		}
	}

	found, err := d.clickProvider(ctx, page)
	if err != nil {
		return Failed, err
	}
	if !found {
		if d.Site.ScreenshotOnFailure {
			r.session.Screenshot = d.capture(ctx, page)
		}
		return Failed, ErrProviderButtonNotFound
	}

	for attempt := 1; attempt <= d.Timing.CompletionAttempts; attempt++ {
		if err := d.sleep(ctx, d.Timing.CompletionInterval); err != nil {
			return Failed, err
		}
		ok, err := page.Exists(ctx, d.Site.LoggedInSelector)
		if err != nil {
			return Failed, fmt.Errorf("check logged-in selector: %w", err)
		}
		if ok {
			return LoggedIn, nil
		}
	}
	return Failed, ErrLoginTimeout
}

// clickProvider polls for the identity provider's button, trying each
// selector in order before falling back to text matching.
func (d *Driver) clickProvider(ctx context.Context, page Page) (bool, error) {
	p := d.Site.Provider
	attempts := d.Timing.providerAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		for _, sel := range p.Selectors {
			ok, err := page.Click(ctx, sel)
			if err != nil {
				return false, fmt.Errorf("click provider %q: %w", sel, err)
			}
			if ok {
				slog.Info("automation: provider button clicked", "site", d.Site.Name, "selector", sel)
				return true, nil
			}
		}
		if p.TextSelector != "" && len(p.TextNeedles) > 0 {
			ok, err := page.ClickText(ctx, p.TextSelector, p.TextNeedles)
			if err != nil {
				return false, fmt.Errorf("click provider by text: %w", err)
			}
			if ok {
				slog.Info("automation: provider button clicked by text", "site", d.Site.Name)
				return true, nil
			}
		}
		if attempt == attempts {
			break
		}
		if err := d.sleep(ctx, d.Timing.ProviderPollInterval); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (d *Driver) capture(ctx context.Context, page Page) string {
	if d.ScreenshotDir == "" {
		return ""
	}
	buf, err := page.Screenshot(ctx)
	if err != nil {
		slog.Warn("automation: screenshot failed", "site", d.Site.Name, "err", err)
		return ""
	}
	if err := os.MkdirAll(d.ScreenshotDir, 0755); err != nil {
		slog.Warn("automation: screenshot dir", "err", err)
		return ""
	}
	path := filepath.Join(d.ScreenshotDir, fmt.Sprintf("%s-login-%d.png", d.Site.Name, d.now().UnixMilli()))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		slog.Warn("automation: screenshot write failed", "path", path, "err", err)
		return ""
	}
	slog.Info("automation: screenshot saved", "path", path)
	return path
}

// Ask types question into a logged-in view, sends it and waits for the
// reply to finish rendering.
func (d *Driver) Ask(ctx context.Context, page Page, question string) (string, error) {
	before, err := page.Count(ctx, d.Site.ResponseSelector)
	if err != nil {
		return "", fmt.Errorf("count responses: %w", err)
	}

	if err := page.Fill(ctx, d.Site.InputSelector, question); err != nil {
		if errors.Is(err, ErrElementNotFound) {
			return "", fmt.Errorf("message input %q: %w", d.Site.InputSelector, ErrElementNotFound)
		}
		return "", fmt.Errorf("fill message input: %w", err)
	}
	clicked, err := page.Click(ctx, d.Site.SendSelector)
	if err != nil {
		return "", fmt.Errorf("click send: %w", err)
	}
	if !clicked {
		return "", fmt.Errorf("send button %q: %w", d.Site.SendSelector, ErrElementNotFound)
	}

	for attempt := 1; attempt <= d.Timing.ResponseAttempts; attempt++ {
		if err := d.sleep(ctx, d.Timing.ResponseInterval); err != nil {
			return "", err
		}
		n, err := page.Count(ctx, d.Site.ResponseSelector)
		if err != nil {
			return "", fmt.Errorf("count responses: %w", err)
		}
		if n <= before {
			continue
		}
		if d.Site.InProgressSelector != "" {
			busy, err := page.Exists(ctx, d.Site.InProgressSelector)
			if err != nil {
				return "", fmt.Errorf("check in-progress marker: %w", err)
			}
			if busy {
				continue
			}
		}
		text, err := page.Text(ctx, d.Site.ResponseSelector)
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		if text != "" {
			return text, nil
		}
	}
	return "", ErrResponseTimeout
}
