package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
)

const TargetTypePage = "page"

// NavigatePage uses raw CDP Page.navigate + polls document.readyState for completion.
func NavigatePage(ctx context.Context, url string) error {
	var errorText string
	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			_, _, errorText, _, err = page.Navigate(url).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return err
	}
	if errorText != "" && !ignoredLoadErrors[errorText] {
		return fmt.Errorf("navigate %s: %s", url, errorText)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var state string
			err = chromedp.Run(ctx,
				chromedp.Evaluate("document.readyState", &state),
			)
			if err == nil && (state == "interactive" || state == "complete") {
				return nil
			}
		}
	}
}

// cdpSurface drives one page target through chromedp.
type cdpSurface struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	bindings map[string]func(string)
	// mainFrame is only touched from the target listener.
	mainFrame cdp.FrameID
}

func newCDPSurface(tabCtx context.Context, cancel context.CancelFunc, id target.ID) *cdpSurface {
	return &cdpSurface{
		id:        id,
		ctx:       tabCtx,
		cancel:    cancel,
		bindings:  make(map[string]func(string)),
		mainFrame: cdp.FrameID(id),
	}
}

func (s *cdpSurface) TargetID() string { return string(s.id) }

// scoped derives a context that carries the tab's chromedp executor and is
// cancelled with the caller's ctx.
func (s *cdpSurface) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *cdpSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := s.scoped(ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (s *cdpSurface) browserDo(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, cancel := s.scoped(ctx)
	defer cancel()
	c := chromedp.FromContext(runCtx)
	if c == nil || c.Browser == nil {
		return fmt.Errorf("no browser connection")
	}
	return fn(cdp.WithExecutor(runCtx, c.Browser))
}

func (s *cdpSurface) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := s.scoped(ctx)
	defer cancel()
	return NavigatePage(runCtx, url)
}

func (s *cdpSurface) Reload(ctx context.Context) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Reload().Do(ctx)
	}))
}

func (s *cdpSurface) Evaluate(ctx context.Context, expr string, out any) error {
	return s.run(ctx, chromedp.Evaluate(expr, out))
}

func (s *cdpSurface) Activate(ctx context.Context) error {
	if err := s.browserDo(ctx, func(ctx context.Context) error {
		return target.ActivateTarget(s.id).Do(ctx)
	}); err != nil {
		return err
	}
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.BringToFront().Do(ctx)
	}))
}

func (s *cdpSurface) EmulateFocus(ctx context.Context) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return emulation.SetFocusEmulationEnabled(true).Do(ctx)
	}))
}

func (s *cdpSurface) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *cdpSurface) Cookies(ctx context.Context, urls []string) ([]cookiesync.Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().WithURLs(urls).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]cookiesync.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromNetworkCookie(c))
	}
	return out, nil
}

func (s *cdpSurface) SetCookie(ctx context.Context, c cookiesync.Cookie) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies([]*network.CookieParam{toCookieParam(c)}).Do(ctx)
	}))
}

func (s *cdpSurface) Bind(ctx context.Context, name string, fn func(payload string)) error {
	s.mu.Lock()
	s.bindings[name] = fn
	s.mu.Unlock()
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return runtime.AddBinding(name).Do(ctx)
	}))
}

func (s *cdpSurface) dispatchBinding(name, payload string) {
	s.mu.Lock()
	fn := s.bindings[name]
	s.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (s *cdpSurface) Close(ctx context.Context) error {
	defer s.cancel()
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.browserDo(closeCtx, func(ctx context.Context) error {
		return target.CloseTarget(s.id).Do(ctx)
	})
}

// listen translates the target's CDP events into view events. It runs on
// chromedp's event goroutine, so it only enqueues.
func (s *cdpSurface) listen(v *View) {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			s.mainFrame = e.Frame.ID
			url := e.Frame.URL + e.Frame.URLFragment
			v.enqueue(func() { v.handleNavigated(url) })
		case *page.EventNavigatedWithinDocument:
			if e.FrameID != s.mainFrame {
				return
			}
			url := e.URL
			v.enqueue(func() { v.handleNavigated(url) })
		case *page.EventDomContentEventFired:
			v.enqueue(v.handleContentReady)
		case *inspector.EventTargetCrashed:
			v.enqueue(func() { v.handleCrash("crashed") })
		case *network.EventRequestWillBeSent:
			main := e.Type == network.ResourceTypeDocument && e.FrameID == s.mainFrame
			id := string(e.RequestID)
			v.enqueue(func() { v.handleRequest(id, main) })
		case *network.EventLoadingFinished:
			id := string(e.RequestID)
			v.enqueue(func() { v.handleRequestDone(id) })
		case *network.EventLoadingFailed:
			id, text := string(e.RequestID), e.ErrorText
			v.enqueue(func() { v.handleLoadFailed(id, text) })
		case *runtime.EventBindingCalled:
			name, payload := e.Name, e.Payload
			go s.dispatchBinding(name, payload)
		}
	})
}

func fromNetworkCookie(c *network.Cookie) cookiesync.Cookie {
	out := cookiesync.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: string(c.SameSite),
	}
	if !c.Session && c.Expires > 0 {
		out.Expires = c.Expires
	}
	return out
}

func toCookieParam(c cookiesync.Cookie) *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if p.Path == "" {
		p.Path = "/"
	}
	switch strings.ToLower(c.SameSite) {
	case "strict":
		p.SameSite = network.CookieSameSiteStrict
	case "lax":
		p.SameSite = network.CookieSameSiteLax
	case "none":
		p.SameSite = network.CookieSameSiteNone
		p.Secure = true
	}
	if c.Expires > 0 {
		t := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
		p.Expires = &t
	}
	return p
}
