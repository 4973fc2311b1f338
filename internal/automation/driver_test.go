package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
)

type fakePage struct {
	mu sync.Mutex

	url       string
	present   map[string]bool
	counts    map[string]int
	texts     map[string]string
	cookies   map[string]bool
	clickable map[string]bool
	textMatch bool
	// onClick runs after a successful click on the selector.
	onClick map[string]func(p *fakePage)
	// onFill runs after the input is filled.
	onFill func(p *fakePage)
	// gone is returned by every method once set.
	gone error

	navigated  []string
	shown      int
	forced     int
	clicks     []string
	existsCall int
	setCookies []cookiesync.Cookie
	filled     string
}

func newFakePage(url string) *fakePage {
	return &fakePage{
		url:       url,
		present:   map[string]bool{},
		counts:    map[string]int{},
		texts:     map[string]string{},
		cookies:   map[string]bool{},
		clickable: map[string]bool{},
		onClick:   map[string]func(p *fakePage){},
	}
}

func (p *fakePage) ID() string { return "view_fake" }

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return "", p.gone
	}
	return p.url, nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return p.gone
	}
	p.navigated = append(p.navigated, url)
	p.url = url
	return nil
}

func (p *fakePage) Show(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown++
	return p.gone
}

func (p *fakePage) ForceVisible(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced++
	return p.gone
}

func (p *fakePage) Exists(_ context.Context, sel string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.existsCall++
	if p.gone != nil {
		return false, p.gone
	}
	return p.present[sel], nil
}

func (p *fakePage) Count(_ context.Context, sel string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return 0, p.gone
	}
	return p.counts[sel], nil
}

func (p *fakePage) Click(_ context.Context, sel string) (bool, error) {
	p.mu.Lock()
	if p.gone != nil {
		p.mu.Unlock()
		return false, p.gone
	}
	ok := p.clickable[sel]
	fn := p.onClick[sel]
	if ok {
		p.clicks = append(p.clicks, sel)
	}
	p.mu.Unlock()
	if ok && fn != nil {
		fn(p)
	}
	return ok, nil
}

func (p *fakePage) ClickText(_ context.Context, sel string, needles []string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return false, p.gone
	}
	if p.textMatch {
		p.clicks = append(p.clicks, "text:"+strings.Join(needles, "|"))
	}
	return p.textMatch, nil
}

func (p *fakePage) Fill(_ context.Context, sel, value string) error {
	p.mu.Lock()
	if p.gone != nil {
		p.mu.Unlock()
		return p.gone
	}
	if !p.present[sel] {
		p.mu.Unlock()
		return ErrElementNotFound
	}
	p.filled = value
	fn := p.onFill
	p.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return nil
}

func (p *fakePage) Text(_ context.Context, sel string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return "", p.gone
	}
	return p.texts[sel], nil
}

func (p *fakePage) HasCookie(_ context.Context, _ []string, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return false, p.gone
	}
	return p.cookies[name], nil
}

func (p *fakePage) SetCookie(_ context.Context, c cookiesync.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return p.gone
	}
	p.setCookies = append(p.setCookies, c)
	return nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	if p.gone != nil {
		return nil, p.gone
	}
	return []byte("\x89PNG"), nil
}

type fakeOpener struct {
	page  Page
	err   error
	calls int
}

func (o *fakeOpener) Open(context.Context, Site) (Page, error) {
	o.calls++
	return o.page, o.err
}

type fakeSyncer struct{ domains [][]string }

func (s *fakeSyncer) Sync(_ context.Context, domains []string) {
	s.domains = append(s.domains, domains)
}

func testSite() Site {
	return Site{
		Name:                "test",
		Hosts:               []string{"chat.example.com"},
		CanonicalURL:        "https://chat.example.com/new",
		LoggedInSelector:    "#composer",
		LoginButtonSelector: "#login",
		ChallengeSelector:   "#challenge",
		SessionCookie:       "session",
		InputSelector:       "#composer",
		SendSelector:        "#send",
		ResponseSelector:    ".reply",
		InProgressSelector:  ".streaming",
		Provider: IdentityProvider{
			Name:         "google",
			Hosts:        []string{"accounts.google.com"},
			Selectors:    []string{"#google-a", "#google-b"},
			TextSelector: "button",
			TextNeedles:  []string{"continue with google"},
		},
	}
}

// newTestDriver returns a driver whose sleeps return immediately and are
// counted.
func newTestDriver(site Site, page *fakePage) (*Driver, *int) {
	var sleeps int
	d := NewDriver(site, &fakeOpener{page: page}, &fakeSyncer{})
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		sleeps++
		return ctx.Err()
	}
	d.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return d, &sleeps
}

func states(s *Session) []State {
	out := []State{Initializing}
	for _, t := range s.Transitions {
		out = append(out, t.To)
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunAlreadyLoggedIn(t *testing.T) {
	page := newFakePage("https://chat.example.com/chat/1")
	page.present["#composer"] = true
	d, _ := newTestDriver(testSite(), page)

	s, err := d.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []State{Initializing, NavigatedToTarget, CheckingLoginState, LoggedIn}
	if got := states(s); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if len(page.navigated) != 0 {
		t.Errorf("view on the site should not be navigated, got %v", page.navigated)
	}
	if s.Page() != page {
		t.Error("session should carry the view")
	}
}

func TestRunNavigatesWhenOffSite(t *testing.T) {
	page := newFakePage("about:blank")
	page.present["#composer"] = true
	syncer := &fakeSyncer{}
	d, _ := newTestDriver(testSite(), page)
	d.Syncer = syncer

	if _, err := d.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(page.navigated) != 1 || page.navigated[0] != "https://chat.example.com/new" {
		t.Errorf("navigated = %v", page.navigated)
	}
	if len(syncer.domains) != 1 || syncer.domains[0][1] != "accounts.google.com" {
		t.Errorf("cookie sync domains = %v", syncer.domains)
	}
}

func TestRunLoginStateTimeoutAfterMaxAttempts(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	d, sleeps := newTestDriver(testSite(), page)
	d.Timing.LoginCheckAttempts = 7

	s, err := d.Run(context.Background(), "")
	if !errors.Is(err, ErrLoginStateTimeout) {
		t.Fatalf("err = %v, want ErrLoginStateTimeout", err)
	}
	if s.State != TimedOut {
		t.Errorf("state = %s, want %s", s.State, TimedOut)
	}
	// Two lookups per attempt, no sleep after the last one.
	if page.existsCall != 14 {
		t.Errorf("exists calls = %d, want 14", page.existsCall)
	}
	if *sleeps != 6 {
		t.Errorf("sleeps = %d, want 6", *sleeps)
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout should be true")
	}
}

func TestRunTimeoutTreatedAsLoginRequired(t *testing.T) {
	site := testSite()
	site.TimeoutMeansLoginRequired = true
	page := newFakePage("https://chat.example.com/")
	page.cookies["session"] = true
	d, _ := newTestDriver(site, page)
	d.Timing.LoginCheckAttempts = 3

	s, err := d.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []State{Initializing, NavigatedToTarget, CheckingLoginState, TimedOut, AwaitingLogin, LoggedIn}
	if got := states(s); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if s.Transitions[2].Err == "" {
		t.Error("timed out transition should record the error")
	}
}

func TestRunSessionCookieShortcut(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#login"] = true
	page.cookies["session"] = true
	d, _ := newTestDriver(testSite(), page)

	s, err := d.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State != LoggedIn {
		t.Errorf("state = %s", s.State)
	}
	if page.shown == 0 {
		t.Error("view should be shown while awaiting login")
	}
	if len(page.clicks) != 0 {
		t.Errorf("no clicks expected, got %v", page.clicks)
	}
}

func TestRunProviderLoginFlow(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#login"] = true
	page.clickable["#login"] = true
	page.clickable["#google-b"] = true
	page.onClick["#google-b"] = func(p *fakePage) {
		p.present["#composer"] = true
	}
	d, _ := newTestDriver(testSite(), page)

	s, err := d.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State != LoggedIn {
		t.Fatalf("state = %s", s.State)
	}
	if strings.Join(page.clicks, ",") != "#login,#google-b" {
		t.Errorf("clicks = %v", page.clicks)
	}
}

func TestRunProviderTextFallback(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#login"] = true
	page.textMatch = true
	page.cookies["other"] = true
	d, _ := newTestDriver(testSite(), page)
	d.Timing.CompletionAttempts = 2

	s, err := d.Run(context.Background(), "")
	if !errors.Is(err, ErrLoginTimeout) {
		t.Fatalf("err = %v, want ErrLoginTimeout", err)
	}
	if s.State != Failed {
		t.Errorf("state = %s", s.State)
	}
	if len(page.clicks) != 1 || !strings.HasPrefix(page.clicks[0], "text:") {
		t.Errorf("clicks = %v", page.clicks)
	}
}

func TestRunProviderNotFoundTakesScreenshot(t *testing.T) {
	site := testSite()
	site.ScreenshotOnFailure = true
	page := newFakePage("https://chat.example.com/")
	page.present["#login"] = true
	d, _ := newTestDriver(site, page)
	d.Timing.ProviderSearchTimeout = 2 * time.Second
	d.Timing.ProviderPollInterval = 500 * time.Millisecond
	d.ScreenshotDir = t.TempDir()

	s, err := d.Run(context.Background(), "")
	if !errors.Is(err, ErrProviderButtonNotFound) {
		t.Fatalf("err = %v, want ErrProviderButtonNotFound", err)
	}
	if s.Screenshot == "" {
		t.Fatal("screenshot path should be recorded")
	}
	if _, err := os.Stat(s.Screenshot); err != nil {
		t.Errorf("screenshot not written: %v", err)
	}
}

func TestRunChallengeStopsAndShows(t *testing.T) {
	site := testSite()
	site.SettleDelay = 3 * time.Second
	page := newFakePage("about:blank")
	page.present["#challenge"] = true
	page.present["#composer"] = true
	d, _ := newTestDriver(site, page)

	s, err := d.Run(context.Background(), "")
	var ce *ChallengeError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ChallengeError", err)
	}
	if ce.URL != "https://chat.example.com/new" {
		t.Errorf("challenge url = %q", ce.URL)
	}
	if s.State != Challenge {
		t.Errorf("state = %s", s.State)
	}
	if page.forced != 1 || page.shown != 1 {
		t.Errorf("forced=%d shown=%d, want 1 and 1", page.forced, page.shown)
	}
}

func TestRunInstallsToken(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#composer"] = true
	d, _ := newTestDriver(testSite(), page)

	if _, err := d.Run(context.Background(), "tok-123"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(page.setCookies) != 1 {
		t.Fatalf("set cookies = %v", page.setCookies)
	}
	c := page.setCookies[0]
	if c.Name != "session" || c.Value != "tok-123" || c.Domain != ".chat.example.com" || !c.Secure {
		t.Errorf("token cookie = %+v", c)
	}
}

func TestRunOpenFailure(t *testing.T) {
	d := NewDriver(testSite(), &fakeOpener{err: errors.New("no browser")}, nil)
	s, err := d.Run(context.Background(), "")
	if err == nil || s.State != Failed {
		t.Fatalf("err = %v state = %s", err, s.State)
	}
}

func TestRunCancelled(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	d, _ := newTestDriver(testSite(), page)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := d.Run(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if s.State != Failed {
		t.Errorf("state = %s", s.State)
	}
}

var errViewGone = fmt.Errorf("view destroyed: %w", ErrPageUnreachable)

func TestRunStopsOnUnreachableView(t *testing.T) {
	site, _ := LookupSite("claude")
	page := newFakePage("https://claude.ai/new")
	page.gone = errViewGone
	d, sleeps := newTestDriver(site, page)

	s, err := d.Run(context.Background(), "")
	if !errors.Is(err, ErrPageUnreachable) {
		t.Fatalf("err = %v, want ErrPageUnreachable", err)
	}
	if errors.Is(err, ErrProviderButtonNotFound) || IsTimeout(err) {
		t.Errorf("unreachable view reported as %v", err)
	}
	if s.State != Failed {
		t.Errorf("state = %s, want failed", s.State)
	}
	if *sleeps != 0 {
		t.Errorf("slept %d times on a dead view", *sleeps)
	}
}

func TestRunViewGoneDuringLoginChecks(t *testing.T) {
	site, _ := LookupSite("claude")
	site.SettleDelay = 0
	page := newFakePage("https://claude.ai/new")
	d, sleeps := newTestDriver(site, page)
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		*sleeps++
		if *sleeps == 3 {
			page.gone = errViewGone
		}
		return nil
	}

	s, err := d.Run(context.Background(), "")
	if !errors.Is(err, ErrPageUnreachable) {
		t.Fatalf("err = %v, want ErrPageUnreachable", err)
	}
	if s.State != Failed {
		t.Errorf("state = %s, want failed", s.State)
	}
	if *sleeps != 3 {
		t.Errorf("sleeps = %d, login checks should stop once the view is gone", *sleeps)
	}
}

func TestRunViewGoneDuringProviderSearch(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#login"] = true
	page.clickable["#login"] = true
	page.onClick["#login"] = func(p *fakePage) { p.gone = errViewGone }
	d, sleeps := newTestDriver(testSite(), page)

	s, err := d.Run(context.Background(), "")
	if !errors.Is(err, ErrPageUnreachable) {
		t.Fatalf("err = %v, want ErrPageUnreachable", err)
	}
	if errors.Is(err, ErrProviderButtonNotFound) {
		t.Errorf("err = %v, provider search should stop on a dead view", err)
	}
	if s.State != Failed {
		t.Errorf("state = %s", s.State)
	}
	if *sleeps != 1 {
		t.Errorf("sleeps = %d, want only the login click delay", *sleeps)
	}
}

func TestAsk(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#composer"] = true
	page.clickable["#send"] = true
	page.counts[".reply"] = 1
	page.texts[".reply"] = "old answer"
	polls := 0
	d, _ := newTestDriver(testSite(), page)
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		polls++
		switch polls {
		case 2:
			page.counts[".reply"] = 2
			page.present[".streaming"] = true
		case 4:
			page.present[".streaming"] = false
			page.texts[".reply"] = "new answer"
		}
		return nil
	}

	got, err := d.Ask(context.Background(), page, "hello?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "new answer" {
		t.Errorf("Ask = %q", got)
	}
	if page.filled != "hello?" {
		t.Errorf("filled = %q", page.filled)
	}
}

func TestAskMissingInput(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	d, sleeps := newTestDriver(testSite(), page)

	_, err := d.Ask(context.Background(), page, "hi")
	if !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("err = %v, want ErrElementNotFound", err)
	}
	if *sleeps != 0 {
		t.Errorf("missing input must not poll, slept %d times", *sleeps)
	}
}

func TestAskMissingSendButton(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#composer"] = true
	d, _ := newTestDriver(testSite(), page)

	if _, err := d.Ask(context.Background(), page, "hi"); !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("err = %v, want ErrElementNotFound", err)
	}
}

func TestAskViewGone(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#composer"] = true
	page.clickable["#send"] = true
	page.onClick["#send"] = func(p *fakePage) { p.gone = errViewGone }
	d, sleeps := newTestDriver(testSite(), page)

	_, err := d.Ask(context.Background(), page, "hi")
	if !errors.Is(err, ErrPageUnreachable) {
		t.Fatalf("err = %v, want ErrPageUnreachable", err)
	}
	if *sleeps != 1 {
		t.Errorf("sleeps = %d, want 1", *sleeps)
	}
}

func TestAskResponseTimeout(t *testing.T) {
	page := newFakePage("https://chat.example.com/")
	page.present["#composer"] = true
	page.clickable["#send"] = true
	d, sleeps := newTestDriver(testSite(), page)
	d.Timing.ResponseAttempts = 5

	_, err := d.Ask(context.Background(), page, "hi")
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("err = %v, want ErrResponseTimeout", err)
	}
	if *sleeps != 5 {
		t.Errorf("sleeps = %d, want 5", *sleeps)
	}
}
