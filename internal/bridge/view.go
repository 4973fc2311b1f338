package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/assets"
	"github.com/khanhromvn/flexbrowser/internal/automation"
	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
	"github.com/khanhromvn/flexbrowser/internal/model"
)

var ErrViewDestroyed = fmt.Errorf("view destroyed: %w", automation.ErrPageUnreachable)

// crashReasons are the renderer termination statuses answered with a reload.
var crashReasons = map[string]bool{
	"crashed":       true,
	"abnormal":      true,
	"abnormal-exit": true,
	"killed":        true,
	"oom":           true,
}

// ignoredLoadErrors never count as load failures.
var ignoredLoadErrors = map[string]bool{
	"net::ERR_ABORTED":           true,
	"net::ERR_BLOCKED_BY_CLIENT": true,
	"net::ERR_NAME_NOT_RESOLVED": true,
	"net::ERR_NETWORK_CHANGED":   true,
}

const (
	reloadTimeout = 10 * time.Second
	evalTimeout   = 3 * time.Second
)

// WindowBounds requests a separate window of the given size.
type WindowBounds struct {
	Width  int
	Height int
}

type ViewSpec struct {
	Key       string
	TabID     string
	AccountID string
	Partition string
	URL       string
	UserAgent string
	// Background keeps the view out of the foreground until Show is called.
	Background bool
	Window     *WindowBounds
}

// Sink receives the model updates a view produces.
type Sink interface {
	Navigated(accountID, tabID, url, title string)
	Audible(st model.AudioState)
	// ViewClosed is called once when the view of tabID goes away.
	ViewClosed(tabID string)
}

type viewOptions struct {
	Production        bool
	CrashReloadDelay  time.Duration
	LoadFailDelay     time.Duration
	AudioPollInterval time.Duration
}

// surface is the browser side of a view.
type surface interface {
	TargetID() string
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Evaluate(ctx context.Context, expr string, out any) error
	Activate(ctx context.Context) error
	EmulateFocus(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context, urls []string) ([]cookiesync.Cookie, error)
	SetCookie(ctx context.Context, c cookiesync.Cookie) error
	Bind(ctx context.Context, name string, fn func(payload string)) error
	Close(ctx context.Context) error
}

// View is one embedded browsing surface. Event handlers are no-ops once the
// view is destroyed; page operations return ErrViewDestroyed.
type View struct {
	spec ViewSpec
	surf surface
	sink Sink
	opts viewOptions

	ready         atomic.Bool
	destroyed     atomic.Bool
	closed        atomic.Bool
	reloadPending atomic.Bool
	readyOnce     sync.Once
	readyCh       chan struct{}

	mu          sync.Mutex
	url         string
	title       string
	docRequests map[string]bool

	events   chan func()
	stopPoll context.CancelFunc
	onClose  func()

	after func(d time.Duration, fn func())
	now   func() time.Time
}

func newView(spec ViewSpec, surf surface, sink Sink, opts viewOptions) *View {
	return &View{
		spec:        spec,
		surf:        surf,
		sink:        sink,
		opts:        opts,
		readyCh:     make(chan struct{}),
		events:      make(chan func(), 128),
		docRequests: make(map[string]bool),
		after:       func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		now:         time.Now,
	}
}

func (v *View) ID() string        { return v.surf.TargetID() }
func (v *View) Key() string       { return v.spec.Key }
func (v *View) TabID() string     { return v.spec.TabID }
func (v *View) AccountID() string { return v.spec.AccountID }
func (v *View) Partition() string { return v.spec.Partition }
func (v *View) Ready() bool       { return v.ready.Load() }
func (v *View) Destroyed() bool   { return v.destroyed.Load() }

// Info is a point-in-time description of a view.
type Info struct {
	Key       string `json:"key"`
	ID        string `json:"id"`
	TabID     string `json:"tabId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Partition string `json:"partition"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Ready     bool   `json:"ready"`
	Destroyed bool   `json:"destroyed"`
}

func (v *View) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Info{
		Key:       v.spec.Key,
		ID:        v.surf.TargetID(),
		TabID:     v.spec.TabID,
		AccountID: v.spec.AccountID,
		Partition: v.spec.Partition,
		URL:       v.url,
		Title:     v.title,
		Ready:     v.ready.Load(),
		Destroyed: v.destroyed.Load(),
	}
}

// enqueue hands an event to the view's event goroutine, keeping arrival
// order. It never blocks the CDP listener.
func (v *View) enqueue(fn func()) {
	select {
	case v.events <- fn:
	default:
		slog.Warn("view event queue full, dropping event", "key", v.spec.Key)
	}
}

func (v *View) runEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-v.events:
			fn()
		}
	}
}

// WaitReady blocks until the view has reported content ready.
func (v *View) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *View) handleContentReady() {
	if v.destroyed.Load() {
		return
	}
	first := !v.ready.Swap(true)
	v.readyOnce.Do(func() { close(v.readyCh) })
	if !first {
		return
	}
	v.mu.Lock()
	url, title := v.url, v.title
	v.mu.Unlock()
	v.publish(url, title)
}

func (v *View) handleNavigated(url string) {
	if v.destroyed.Load() {
		return
	}
	v.mu.Lock()
	v.url = url
	title := v.title
	v.mu.Unlock()
	if !v.ready.Load() {
		return
	}
	if !model.ValidURL(url) {
		slog.Debug("view navigated to invalid url", "key", v.spec.Key, "url", url)
		return
	}
	v.publish(url, title)
}

func (v *View) handleTitle(title string) {
	if v.destroyed.Load() || title == "" {
		return
	}
	v.mu.Lock()
	changed := v.title != title
	v.title = title
	v.mu.Unlock()
	if !changed || !v.ready.Load() {
		return
	}
	v.publish("", title)
}

func (v *View) publish(url, title string) {
	if v.sink == nil || v.spec.TabID == "" {
		return
	}
	v.sink.Navigated(v.spec.AccountID, v.spec.TabID, url, title)
}

func (v *View) handleCrash(status string) {
	if !crashReasons[status] {
		slog.Info("view renderer exited", "key", v.spec.Key, "status", status)
		return
	}
	if !v.destroyed.CompareAndSwap(false, true) {
		return
	}
	slog.Warn("view renderer crashed", "key", v.spec.Key, "status", status)
	v.after(v.opts.CrashReloadDelay, func() {
		if v.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := v.surf.Reload(ctx); err != nil {
			slog.Error("view reload after crash failed", "key", v.spec.Key, "err", err)
			return
		}
		v.destroyed.Store(false)
		slog.Info("view reloaded after crash", "key", v.spec.Key)
	})
}

// handleRequest remembers main-frame document requests so their failures
// can be told apart from sub-resource failures.
func (v *View) handleRequest(requestID string, mainFrameDocument bool) {
	if !mainFrameDocument || v.destroyed.Load() {
		return
	}
	v.mu.Lock()
	v.docRequests[requestID] = true
	v.mu.Unlock()
}

func (v *View) handleRequestDone(requestID string) {
	v.mu.Lock()
	delete(v.docRequests, requestID)
	v.mu.Unlock()
}

func (v *View) handleLoadFailed(requestID, errText string) {
	v.mu.Lock()
	main := v.docRequests[requestID]
	delete(v.docRequests, requestID)
	v.mu.Unlock()

	if v.destroyed.Load() || ignoredLoadErrors[errText] {
		return
	}
	slog.Warn("view load failed", "key", v.spec.Key, "error", errText, "mainFrame", main)
	if !main || !v.opts.Production {
		return
	}
	if !v.reloadPending.CompareAndSwap(false, true) {
		return
	}
	v.after(v.opts.LoadFailDelay, func() {
		defer v.reloadPending.Store(false)
		if v.destroyed.Load() || v.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := v.surf.Reload(ctx); err != nil {
			slog.Warn("view reload after load failure failed", "key", v.spec.Key, "err", err)
		}
	})
}

func (v *View) pollAudio(ctx context.Context) {
	if v.spec.TabID == "" || v.opts.AudioPollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(v.opts.AudioPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.checkAudio(ctx)
		}
	}
}

// checkAudio upserts an audio entry when the view is audible. Silent views
// are left alone.
func (v *View) checkAudio(ctx context.Context) {
	if v.destroyed.Load() || !v.ready.Load() || v.sink == nil {
		return
	}
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	var audible bool
	if err := v.surf.Evaluate(evalCtx, assets.AudibleScript, &audible); err != nil || !audible {
		return
	}
	// v.mu orders the upsert before release clears the entry.
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed.Load() {
		return
	}
	v.sink.Audible(model.AudioState{
		TabID:     v.spec.TabID,
		Playing:   true,
		URL:       v.url,
		Title:     v.title,
		UpdatedAt: v.now(),
	})
}

// release marks the view gone, stops audio polling and tells the sink. It
// reports false when the view was already released.
func (v *View) release() bool {
	v.mu.Lock()
	if !v.closed.CompareAndSwap(false, true) {
		v.mu.Unlock()
		return false
	}
	v.destroyed.Store(true)
	v.mu.Unlock()
	if v.stopPoll != nil {
		v.stopPoll()
	}
	if v.sink != nil && v.spec.TabID != "" {
		v.sink.ViewClosed(v.spec.TabID)
	}
	return true
}

// close releases the view and its browser target.
func (v *View) close(ctx context.Context) error {
	if !v.release() {
		return nil
	}
	return v.surf.Close(ctx)
}

func (v *View) alive() error {
	if v.destroyed.Load() {
		return ErrViewDestroyed
	}
	return nil
}

// Page operations used by the automation driver.

func (v *View) URL(ctx context.Context) (string, error) {
	if err := v.alive(); err != nil {
		return "", err
	}
	var href string
	if err := v.surf.Evaluate(ctx, "location.href", &href); err != nil {
		return "", err
	}
	return href, nil
}

func (v *View) Navigate(ctx context.Context, url string) error {
	if err := v.alive(); err != nil {
		return err
	}
	return v.surf.Navigate(ctx, url)
}

func (v *View) Show(ctx context.Context) error {
	if err := v.alive(); err != nil {
		return err
	}
	return v.surf.Activate(ctx)
}

func (v *View) ForceVisible(ctx context.Context) error {
	if err := v.alive(); err != nil {
		return err
	}
	if err := v.surf.EmulateFocus(ctx); err != nil {
		return err
	}
	return v.surf.Evaluate(ctx, assets.VisibilityScript, nil)
}

func (v *View) helper(ctx context.Context, call string, out any) error {
	if err := v.alive(); err != nil {
		return err
	}
	return v.surf.Evaluate(ctx, assets.DOMHelpers+";\n"+call, out)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (v *View) Exists(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := v.helper(ctx, "window.__flex.exists("+jsString(selector)+")", &ok)
	return ok, err
}

func (v *View) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := v.helper(ctx, "window.__flex.count("+jsString(selector)+")", &n)
	return n, err
}

func (v *View) Click(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := v.helper(ctx, "window.__flex.click("+jsString(selector)+")", &ok)
	return ok, err
}

func (v *View) ClickText(ctx context.Context, selector string, needles []string) (bool, error) {
	b, _ := json.Marshal(needles)
	var ok bool
	err := v.helper(ctx, "window.__flex.clickText("+jsString(selector)+", "+string(b)+")", &ok)
	return ok, err
}

func (v *View) Fill(ctx context.Context, selector, value string) error {
	var ok bool
	if err := v.helper(ctx, "window.__flex.fill("+jsString(selector)+", "+jsString(value)+")", &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", selector, automation.ErrElementNotFound)
	}
	return nil
}

func (v *View) Text(ctx context.Context, selector string) (string, error) {
	var s string
	err := v.helper(ctx, "window.__flex.text("+jsString(selector)+")", &s)
	return s, err
}

func (v *View) HasCookie(ctx context.Context, urls []string, name string) (bool, error) {
	if err := v.alive(); err != nil {
		return false, err
	}
	cookies, err := v.surf.Cookies(ctx, urls)
	if err != nil {
		return false, err
	}
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return true, nil
		}
	}
	return false, nil
}

func (v *View) SetCookie(ctx context.Context, c cookiesync.Cookie) error {
	if err := v.alive(); err != nil {
		return err
	}
	return v.surf.SetCookie(ctx, c)
}

func (v *View) Screenshot(ctx context.Context) ([]byte, error) {
	if err := v.alive(); err != nil {
		return nil, err
	}
	return v.surf.Screenshot(ctx)
}

// Window operations used by the picture-in-picture extractor.

func (v *View) InjectCSS(ctx context.Context, css string) error {
	if err := v.alive(); err != nil {
		return err
	}
	script := "(function(c){var s=document.createElement('style');s.textContent=c;" +
		"(document.head||document.documentElement).appendChild(s);return true})(" + jsString(css) + ")"
	return v.surf.Evaluate(ctx, script, nil)
}

func (v *View) Eval(ctx context.Context, script string) error {
	if err := v.alive(); err != nil {
		return err
	}
	return v.surf.Evaluate(ctx, script, nil)
}

func (v *View) CloseOnBlur(ctx context.Context) error {
	if err := v.alive(); err != nil {
		return err
	}
	err := v.surf.Bind(ctx, "flexPipBlur", func(string) {
		if v.onClose != nil {
			go v.onClose()
		}
	})
	if err != nil {
		return err
	}
	return v.surf.Evaluate(ctx, assets.BlurScript, nil)
}

// Evaluate runs expr in the page and decodes the result into out.
func (v *View) Evaluate(ctx context.Context, expr string, out any) error {
	if err := v.alive(); err != nil {
		return err
	}
	return v.surf.Evaluate(ctx, expr, out)
}
