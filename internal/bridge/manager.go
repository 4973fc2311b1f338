package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/khanhromvn/flexbrowser/internal/assets"
	"github.com/khanhromvn/flexbrowser/internal/automation"
	"github.com/khanhromvn/flexbrowser/internal/config"
	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
	"github.com/khanhromvn/flexbrowser/internal/idutil"
	"github.com/khanhromvn/flexbrowser/internal/model"
	"github.com/khanhromvn/flexbrowser/internal/pip"
	"github.com/khanhromvn/flexbrowser/internal/uameta"
)

var ErrViewNotFound = errors.New("view not found")

// AutomationPartition holds the chat automation session.
const AutomationPartition = PersistPrefix + "automation"

// AutomationKey is the registry key of a site's automation view.
func AutomationKey(site string) string { return "automation:" + site }

// TabPartition is the partition an account's tabs live in. Guests get a
// partition that is never written to disk.
func TabPartition(acc model.Account) string {
	if acc.Guest {
		return "guest:" + acc.ID
	}
	return idutil.Partition(acc.ID)
}

// TabSpec describes the view backing a tab.
func TabSpec(acc model.Account, tab model.Tab) ViewSpec {
	return ViewSpec{
		Key:       tab.ID,
		TabID:     tab.ID,
		AccountID: acc.ID,
		Partition: TabPartition(acc),
		URL:       tab.URL,
	}
}

// ViewManager is the registry of live views, keyed by logical identity: a
// tab id, an automation site, or a picture-in-picture window.
type ViewManager struct {
	browserCtx    context.Context
	opts          viewOptions
	chromeVersion string
	userAgent     string

	sink     Sink
	popups   *PopupPolicy
	external ExternalOpener
	jar      CookieJar
	parts    *partitions

	spawnMu  sync.Mutex
	mu       sync.Mutex
	views    map[string]*View
	byTarget map[string]*View
	// popups opened by a view, waiting for their first real URL
	pending map[string]string

	spawn       func(ctx context.Context, spec ViewSpec) (*View, error)
	closeTarget func(ctx context.Context, id string) error
	now         func() time.Time
}

func NewViewManager(browserCtx context.Context, cfg *config.RuntimeConfig, sink Sink, jar CookieJar) *ViewManager {
	popups, err := NewPopupPolicy(DefaultPopupPatterns())
	if err != nil {
		panic(err)
	}
	m := &ViewManager{
		browserCtx: browserCtx,
		opts: viewOptions{
			Production:        cfg.Production,
			CrashReloadDelay:  cfg.CrashReloadDelay,
			LoadFailDelay:     cfg.LoadFailDelay,
			AudioPollInterval: cfg.AudioPollInterval,
		},
		chromeVersion: cfg.ChromeVersion,
		userAgent:     cfg.UserAgent,
		sink:          sink,
		popups:        popups,
		external:      SystemBrowser{},
		jar:           jar,
		parts:         newPartitions(),
		views:         make(map[string]*View),
		byTarget:      make(map[string]*View),
		pending:       make(map[string]string),
		now:           time.Now,
	}
	m.spawn = m.spawnTarget
	m.closeTarget = m.closeTargetCDP
	m.parts.create = func(ctx context.Context) (cdp.BrowserContextID, error) {
		var id cdp.BrowserContextID
		err := m.browserDo(ctx, func(ctx context.Context) error {
			var err error
			id, err = target.CreateBrowserContext().WithDisposeOnDetach(false).Do(ctx)
			return err
		})
		return id, err
	}
	m.parts.dispose = func(ctx context.Context, id cdp.BrowserContextID) error {
		return m.browserDo(ctx, func(ctx context.Context) error {
			return target.DisposeBrowserContext(id).Do(ctx)
		})
	}
	m.parts.restore = m.restoreJar
	if browserCtx != nil && chromedp.FromContext(browserCtx) != nil {
		chromedp.ListenBrowser(browserCtx, m.onBrowserEvent)
	}
	return m
}

// SetExternalOpener replaces the system browser used for popups that
// leave the app.
func (m *ViewManager) SetExternalOpener(o ExternalOpener) { m.external = o }

func (m *ViewManager) browserDo(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.browserCtx == nil {
		return fmt.Errorf("no browser connection")
	}
	c := chromedp.FromContext(m.browserCtx)
	if c == nil || c.Browser == nil {
		return fmt.Errorf("no browser connection")
	}
	return fn(cdp.WithExecutor(ctx, c.Browser))
}

// Ensure returns the live view registered under spec.Key, creating it when
// there is none. A destroyed view is replaced.
func (m *ViewManager) Ensure(ctx context.Context, spec ViewSpec) (*View, error) {
	if spec.Key == "" {
		return nil, fmt.Errorf("view key required")
	}
	// m.mu is never held across CDP round trips: browser events are
	// delivered on the goroutine that also completes them.
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	m.mu.Lock()
	v, ok := m.views[spec.Key]
	if ok && v.Destroyed() {
		m.forget(v)
	}
	m.mu.Unlock()
	if ok {
		if !v.Destroyed() {
			return v, nil
		}
		go func() { _ = v.close(context.Background()) }()
		slog.Info("replacing destroyed view", "key", spec.Key)
	}

	v, err := m.spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.views[spec.Key] = v
	m.byTarget[v.ID()] = v
	m.mu.Unlock()
	slog.Debug("view created", "key", spec.Key, "target", v.ID(), "partition", spec.Partition)
	return v, nil
}

func (m *ViewManager) spawnTarget(ctx context.Context, spec ViewSpec) (*View, error) {
	if m.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}
	bcID, err := m.parts.resolve(ctx, spec.Partition)
	if err != nil {
		return nil, err
	}

	params := target.CreateTarget("about:blank")
	if bcID != "" {
		params = params.WithBrowserContextID(bcID)
	}
	switch {
	case spec.Window != nil:
		params = params.WithNewWindow(true).
			WithWidth(int64(spec.Window.Width)).
			WithHeight(int64(spec.Window.Height))
	case spec.Background:
		params = params.WithBackground(true)
	}

	var id target.ID
	createCtx, createCancel := context.WithTimeout(ctx, 10*time.Second)
	err = m.browserDo(createCtx, func(ctx context.Context) error {
		var err error
		id, err = params.Do(ctx)
		return err
	})
	createCancel()
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(id))
	surf := newCDPSurface(tabCtx, tabCancel, id)
	v := newView(spec, surf, m.sink, m.opts)
	surf.listen(v)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		_ = m.closeTarget(context.Background(), string(id))
		return nil, fmt.Errorf("attach view %s: %w", spec.Key, err)
	}

	ua := spec.UserAgent
	if ua == "" {
		ua = m.userAgent
	}
	if ua != "" {
		if override := uameta.Build(ua, m.chromeVersion); override != nil {
			if err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(c context.Context) error {
				return override.Do(c)
			})); err != nil {
				slog.Warn("ua override failed on view setup", "key", spec.Key, "err", err)
			}
		}
	}

	loopCtx, stop := context.WithCancel(tabCtx)
	v.stopPoll = stop
	go v.runEvents(loopCtx)
	go v.pollAudio(loopCtx)

	if spec.URL != "" {
		if err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, _, _, err := page.Navigate(spec.URL).Do(ctx)
			return err
		})); err != nil {
			slog.Warn("initial navigation failed", "key", spec.Key, "url", spec.URL, "err", err)
		}
	}
	return v, nil
}

func (m *ViewManager) closeTargetCDP(ctx context.Context, id string) error {
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.browserDo(closeCtx, func(ctx context.Context) error {
		return target.CloseTarget(target.ID(id)).Do(ctx)
	})
}

// forget drops v from the registry. m.mu must be held.
func (m *ViewManager) forget(v *View) {
	if cur, ok := m.views[v.Key()]; ok && cur == v {
		delete(m.views, v.Key())
	}
	if cur, ok := m.byTarget[v.ID()]; ok && cur == v {
		delete(m.byTarget, v.ID())
	}
}

func (m *ViewManager) Get(key string) *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[key]
}

func (m *ViewManager) viewByTarget(id string) *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byTarget[id]
}

func (m *ViewManager) List() []Info {
	m.mu.Lock()
	views := make([]*View, 0, len(m.views))
	for _, v := range m.views {
		views = append(views, v)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(views))
	for _, v := range views {
		out = append(out, v.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *ViewManager) Close(ctx context.Context, key string) error {
	m.mu.Lock()
	v, ok := m.views[key]
	if ok {
		m.forget(v)
	}
	m.mu.Unlock()
	if !ok {
		return ErrViewNotFound
	}
	if err := v.close(ctx); err != nil {
		slog.Debug("close view target", "key", key, "err", err)
	}
	return nil
}

// Shutdown saves persistent cookie jars and closes every view.
func (m *ViewManager) Shutdown(ctx context.Context) {
	m.SaveJars(ctx)
	m.mu.Lock()
	views := make([]*View, 0, len(m.views))
	for _, v := range m.views {
		views = append(views, v)
	}
	m.views = make(map[string]*View)
	m.byTarget = make(map[string]*View)
	m.mu.Unlock()
	for _, v := range views {
		_ = v.close(ctx)
	}
}

// Restore opens the view of every account's active tab.
func (m *ViewManager) Restore(ctx context.Context, accounts []model.Account) {
	for _, acc := range accounts {
		tab, ok := acc.Tab(acc.ActiveTabID)
		if !ok {
			continue
		}
		if _, err := m.Ensure(ctx, TabSpec(acc, tab)); err != nil {
			slog.Warn("restore tab view failed", "account", acc.ID, "tab", tab.ID, "err", err)
		}
	}
}

// Watch closes views whose tabs leave the model and drops the partitions
// of removed accounts. It returns when changes is closed or ctx is done.
func (m *ViewManager) Watch(ctx context.Context, changes <-chan model.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			m.applyChange(ctx, ch)
		}
	}
}

func (m *ViewManager) applyChange(ctx context.Context, ch model.Change) {
	switch ch.Kind {
	case model.TabRemoved:
		_ = m.Close(ctx, ch.TabID)
	case model.AccountRemoved:
		for _, id := range ch.RemovedTabs {
			_ = m.Close(ctx, id)
		}
		m.DropPartition(ctx, idutil.Partition(ch.AccountID))
		m.DropPartition(ctx, "guest:"+ch.AccountID)
	}
}

func (m *ViewManager) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCrashed:
		if v := m.viewByTarget(string(e.TargetID)); v != nil {
			status := e.Status
			v.enqueue(func() { v.handleCrash(status) })
		}
	case *target.EventTargetCreated:
		info := e.TargetInfo
		if info == nil || info.Type != TargetTypePage || info.OpenerID == "" {
			return
		}
		if m.viewByTarget(string(info.OpenerID)) == nil {
			return
		}
		m.mu.Lock()
		m.pending[string(info.TargetID)] = string(info.OpenerID)
		m.mu.Unlock()
		m.routePopup(info)
	case *target.EventTargetInfoChanged:
		info := e.TargetInfo
		if info == nil || info.Type != TargetTypePage {
			return
		}
		if v := m.viewByTarget(string(info.TargetID)); v != nil {
			title := info.Title
			v.enqueue(func() { v.handleTitle(title) })
			return
		}
		m.routePopup(info)
	case *target.EventTargetDestroyed:
		id := string(e.TargetID)
		m.mu.Lock()
		delete(m.pending, id)
		v := m.byTarget[id]
		if v != nil {
			m.forget(v)
		}
		m.mu.Unlock()
		if v != nil && v.release() {
			slog.Info("view target went away", "key", v.Key())
		}
	}
}

// routePopup closes a pending popup once it has a URL and sends the URL
// where the popup policy says.
func (m *ViewManager) routePopup(info *target.Info) {
	if info.URL == "" || info.URL == "about:blank" {
		return
	}
	id := string(info.TargetID)
	m.mu.Lock()
	openerID, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	opener := m.byTarget[openerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	action := m.popups.Decide(info.URL)
	slog.Info("popup intercepted", "url", info.URL, "action", action.String())
	url := info.URL
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := m.closeTarget(ctx, id); err != nil {
			slog.Debug("close popup target", "id", id, "err", err)
		}
		switch action {
		case PopupInPlace:
			if opener == nil {
				return
			}
			if err := opener.Navigate(ctx, url); err != nil {
				slog.Warn("popup in-place navigation failed", "url", url, "err", err)
			}
		case PopupExternal:
			if err := m.external.OpenExternal(url); err != nil {
				slog.Warn("open external browser failed", "url", url, "err", err)
			}
		}
	}()
}

// Partition cookie access, used by the cookie sync bridge.

func (m *ViewManager) partitionCookies(ctx context.Context, partition string) ([]cookiesync.Cookie, error) {
	id, err := m.parts.resolve(ctx, partition)
	if err != nil {
		return nil, err
	}
	var raw []*network.Cookie
	err = m.browserDo(ctx, func(ctx context.Context) error {
		p := storage.GetCookies()
		if id != "" {
			p = p.WithBrowserContextID(id)
		}
		var err error
		raw, err = p.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]cookiesync.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromNetworkCookie(c))
	}
	return out, nil
}

func (m *ViewManager) Cookies(ctx context.Context, partition, domain string) ([]cookiesync.Cookie, error) {
	all, err := m.partitionCookies(ctx, partition)
	if err != nil {
		return nil, err
	}
	var out []cookiesync.Cookie
	for _, c := range all {
		if cookiesync.Matches(c.Domain, domain) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *ViewManager) SetCookie(ctx context.Context, partition string, c cookiesync.Cookie) error {
	id, err := m.parts.resolve(ctx, partition)
	if err != nil {
		return err
	}
	return m.setCookies(ctx, id, []cookiesync.Cookie{c})
}

func (m *ViewManager) setCookies(ctx context.Context, id cdp.BrowserContextID, cookies []cookiesync.Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toCookieParam(c))
	}
	return m.browserDo(ctx, func(ctx context.Context) error {
		p := storage.SetCookies(params)
		if id != "" {
			p = p.WithBrowserContextID(id)
		}
		return p.Do(ctx)
	})
}

func (m *ViewManager) restoreJar(ctx context.Context, name string, id cdp.BrowserContextID) {
	if m.jar == nil {
		return
	}
	cookies, err := m.jar.LoadCookies(ctx, name, m.now())
	if err != nil {
		slog.Warn("load cookie jar", "partition", name, "err", err)
		return
	}
	if len(cookies) == 0 {
		return
	}
	if err := m.setCookies(ctx, id, cookies); err != nil {
		slog.Warn("restore cookie jar", "partition", name, "err", err)
		return
	}
	slog.Debug("cookie jar restored", "partition", name, "cookies", len(cookies))
}

// SaveJars writes the cookies of every live persistent partition.
func (m *ViewManager) SaveJars(ctx context.Context) {
	if m.jar == nil {
		return
	}
	for _, name := range m.parts.persistent() {
		cookies, err := m.partitionCookies(ctx, name)
		if err != nil {
			slog.Warn("read cookie jar", "partition", name, "err", err)
			continue
		}
		if err := m.jar.SaveCookies(ctx, name, cookies); err != nil {
			slog.Warn("save cookie jar", "partition", name, "err", err)
		}
	}
}

func (m *ViewManager) DropPartition(ctx context.Context, name string) {
	if _, ok := m.parts.lookup(name); ok {
		m.parts.drop(ctx, name)
	}
	if m.jar != nil && strings.HasPrefix(name, PersistPrefix) {
		if err := m.jar.DeleteCookies(ctx, name); err != nil {
			slog.Warn("delete cookie jar", "partition", name, "err", err)
		}
	}
}

// Open returns the automation view for site, creating it on first use.
func (m *ViewManager) Open(ctx context.Context, site automation.Site) (automation.Page, error) {
	ua := m.userAgent
	if ua == "" {
		ua = uameta.DesktopUserAgent(m.chromeVersion)
	}
	v, err := m.Ensure(ctx, ViewSpec{
		Key:        AutomationKey(site.Name),
		Partition:  AutomationPartition,
		UserAgent:  ua,
		Background: true,
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// OpenWindow opens a floating window and waits for its content to be
// ready. A window that never reports ready is still returned.
func (m *ViewManager) OpenWindow(ctx context.Context, spec pip.WindowSpec) (pip.Window, error) {
	key := "pip:" + uuid.NewString()
	v, err := m.Ensure(ctx, ViewSpec{
		Key:       key,
		Partition: spec.Partition,
		URL:       spec.URL,
		Window:    &WindowBounds{Width: spec.Width, Height: spec.Height},
	})
	if err != nil {
		return nil, err
	}
	v.onClose = func() {
		_ = m.Close(context.Background(), key)
	}
	readyCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := v.WaitReady(readyCtx); err != nil {
		slog.Warn("pip window not ready", "url", spec.URL, "err", err)
	}
	return v, nil
}

// ProbeMedia reads the playing media element out of a tab's view.
func (m *ViewManager) ProbeMedia(ctx context.Context, tabID string) (pip.Media, error) {
	v := m.Get(tabID)
	if v == nil {
		return pip.Media{}, ErrViewNotFound
	}
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	var media *pip.Media
	if err := v.Evaluate(evalCtx, assets.MediaProbeScript, &media); err != nil {
		return pip.Media{}, err
	}
	if media == nil {
		return pip.Media{}, fmt.Errorf("no media element in tab %s", tabID)
	}
	return *media, nil
}
