package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/automation"
	"github.com/khanhromvn/flexbrowser/internal/config"
	"github.com/khanhromvn/flexbrowser/internal/model"
)

type Bridge struct {
	AllocCtx      context.Context
	AllocCancel   context.CancelFunc
	BrowserCtx    context.Context
	BrowserCancel context.CancelFunc
	Config        *config.RuntimeConfig
	Views         *ViewManager
	Locks         *LockManager

	sink Sink
	jar  CookieJar

	initMu      sync.Mutex
	initialized bool
}

func New(cfg *config.RuntimeConfig, sink Sink, jar CookieJar) *Bridge {
	return &Bridge{
		Config: cfg,
		Locks:  NewLockManager(),
		sink:   sink,
		jar:    jar,
	}
}

// EnsureChrome starts the browser and the view manager once.
func (b *Bridge) EnsureChrome() error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	if b.initialized {
		return nil
	}
	allocCtx, allocCancel, browserCtx, browserCancel, err := InitChrome(b.Config)
	if err != nil {
		return fmt.Errorf("failed to initialize chrome: %w", err)
	}
	b.setBrowser(allocCtx, allocCancel, browserCtx, browserCancel)
	return nil
}

func (b *Bridge) setBrowser(allocCtx context.Context, allocCancel context.CancelFunc, browserCtx context.Context, browserCancel context.CancelFunc) {
	b.AllocCtx = allocCtx
	b.AllocCancel = allocCancel
	b.BrowserCtx = browserCtx
	b.BrowserCancel = browserCancel
	b.Views = NewViewManager(browserCtx, b.Config, b.sink, b.jar)
	b.initialized = true
}

func (b *Bridge) ListViews() []Info {
	if b.Views == nil {
		return nil
	}
	return b.Views.List()
}

// TabPage returns the live view of a tab, creating it when needed.
func (b *Bridge) TabPage(ctx context.Context, acc model.Account, tab model.Tab) (automation.Page, error) {
	if b.Views == nil {
		return nil, fmt.Errorf("browser not started")
	}
	v, err := b.Views.Ensure(ctx, TabSpec(acc, tab))
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (b *Bridge) Lock(key, owner string, ttl time.Duration) (func(), error) {
	return b.Locks.Acquire(key, owner, ttl)
}

func (b *Bridge) LockInfo(key string) *LockInfo {
	return b.Locks.Get(key)
}

// Close saves cookie jars, closes every view and stops the browser.
func (b *Bridge) Close(ctx context.Context) {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.Views != nil {
		b.Views.Shutdown(ctx)
	}
	if b.BrowserCancel != nil {
		b.BrowserCancel()
	}
	if b.AllocCancel != nil {
		b.AllocCancel()
	}
	b.initialized = false
}
