package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
)

// PersistPrefix marks partitions whose cookies outlive the process.
const PersistPrefix = "persist:"

// CookieJar stores the cookies of persistent partitions between runs.
type CookieJar interface {
	SaveCookies(ctx context.Context, partition string, cookies []cookiesync.Cookie) error
	LoadCookies(ctx context.Context, partition string, now time.Time) ([]cookiesync.Cookie, error)
	DeleteCookies(ctx context.Context, partition string) error
}

// partitions maps partition names to browser contexts. "" is the browser's
// default context and is never created or disposed.
type partitions struct {
	mu  sync.Mutex
	ids map[string]cdp.BrowserContextID

	create  func(ctx context.Context) (cdp.BrowserContextID, error)
	dispose func(ctx context.Context, id cdp.BrowserContextID) error
	// restore fills a freshly created persistent partition from the jar.
	restore func(ctx context.Context, name string, id cdp.BrowserContextID)
}

func newPartitions() *partitions {
	return &partitions{ids: make(map[string]cdp.BrowserContextID)}
}

func (p *partitions) resolve(ctx context.Context, name string) (cdp.BrowserContextID, error) {
	if name == "" {
		return "", nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.ids[name]; ok {
		return id, nil
	}
	if p.create == nil {
		return "", fmt.Errorf("partition %s: no browser connection", name)
	}
	id, err := p.create(ctx)
	if err != nil {
		return "", fmt.Errorf("create partition %s: %w", name, err)
	}
	p.ids[name] = id
	slog.Debug("partition created", "name", name, "id", id)
	if p.restore != nil && strings.HasPrefix(name, PersistPrefix) {
		p.restore(ctx, name, id)
	}
	return id, nil
}

func (p *partitions) lookup(name string) (cdp.BrowserContextID, bool) {
	if name == "" {
		return "", true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.ids[name]
	return id, ok
}

// persistent lists the live partitions whose cookies are kept.
func (p *partitions) persistent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for name := range p.ids {
		if strings.HasPrefix(name, PersistPrefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (p *partitions) drop(ctx context.Context, name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	id, ok := p.ids[name]
	delete(p.ids, name)
	p.mu.Unlock()
	if !ok || p.dispose == nil {
		return
	}
	if err := p.dispose(ctx, id); err != nil {
		slog.Debug("dispose partition", "name", name, "err", err)
	}
}
