package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
	"github.com/khanhromvn/flexbrowser/internal/model"
)

type fakeSurface struct {
	mu        sync.Mutex
	id        string
	navigated []string
	reloads   int
	reloadErr error
	evals     []string
	evalFn    func(expr string, out any) error
	cookies   []cookiesync.Cookie
	set       []cookiesync.Cookie
	bindings  map[string]func(string)
	closed    int
}

func newFakeSurface(id string) *fakeSurface {
	return &fakeSurface{id: id, bindings: make(map[string]func(string))}
}

func (s *fakeSurface) TargetID() string { return s.id }

func (s *fakeSurface) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSurface) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return s.reloadErr
}

func (s *fakeSurface) Evaluate(_ context.Context, expr string, out any) error {
	s.mu.Lock()
	s.evals = append(s.evals, expr)
	fn := s.evalFn
	s.mu.Unlock()
	if fn != nil {
		return fn(expr, out)
	}
	return nil
}

func (s *fakeSurface) Activate(context.Context) error     { return nil }
func (s *fakeSurface) EmulateFocus(context.Context) error { return nil }

func (s *fakeSurface) Screenshot(context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (s *fakeSurface) Cookies(context.Context, []string) ([]cookiesync.Cookie, error) {
	return s.cookies, nil
}

func (s *fakeSurface) SetCookie(_ context.Context, c cookiesync.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = append(s.set, c)
	return nil
}

func (s *fakeSurface) Bind(_ context.Context, name string, fn func(string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[name] = fn
	return nil
}

func (s *fakeSurface) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSurface) reloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

func (s *fakeSurface) evaluated(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.evals {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

type navEvent struct {
	accountID, tabID, url, title string
}

type fakeSink struct {
	mu     sync.Mutex
	navs   []navEvent
	audio  []model.AudioState
	closed []string
}

func (s *fakeSink) Navigated(accountID, tabID, url, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navs = append(s.navs, navEvent{accountID, tabID, url, title})
}

func (s *fakeSink) Audible(st model.AudioState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, st)
}

func (s *fakeSink) ViewClosed(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, tabID)
}

func (s *fakeSink) closedTabs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

func (s *fakeSink) navigations() []navEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]navEvent(nil), s.navs...)
}

// deferred collects delayed callbacks so tests run them explicitly.
type deferred struct {
	mu  sync.Mutex
	fns []func()
	at  []time.Duration
}

func (d *deferred) after(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fns = append(d.fns, fn)
	d.at = append(d.at, delay)
}

func (d *deferred) runAll() int {
	d.mu.Lock()
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (d *deferred) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fns)
}

var errFake = errors.New("fake failure")

func newTestView(opts viewOptions) (*View, *fakeSurface, *fakeSink, *deferred) {
	surf := newFakeSurface("T1")
	sink := &fakeSink{}
	v := newView(ViewSpec{Key: "tab_1", TabID: "tab_1", AccountID: "acc_1", Partition: "persist:acc_1"}, surf, sink, opts)
	d := &deferred{}
	v.after = d.after
	v.now = func() time.Time { return time.Unix(1700000000, 0) }
	return v, surf, sink, d
}

func cookieList(name, value string) []cookiesync.Cookie {
	return []cookiesync.Cookie{{Name: name, Value: value, Domain: ".claude.ai", Path: "/"}}
}
