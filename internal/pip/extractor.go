package pip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/khanhromvn/flexbrowser/internal/assets"
)

// Partition isolates floating windows from every account.
const Partition = "pip"

type Request struct {
	URL  string  `json:"url"`
	Time float64 `json:"time"`
	// SourceTabID names the view to probe for the playing element.
	SourceTabID string `json:"sourceTabId,omitempty"`
}

type Result struct {
	URL    string  `json:"url"`
	Time   float64 `json:"time"`
	ViewID string  `json:"viewId"`
	Probed bool    `json:"probed"`
}

// Media is what a probe found playing in the source view.
type Media struct {
	Src  string  `json:"src"`
	Time float64 `json:"time"`
}

// MediaProbe reads the playing media element out of a live view.
type MediaProbe interface {
	ProbeMedia(ctx context.Context, tabID string) (Media, error)
}

type WindowSpec struct {
	URL       string
	Partition string
	Width     int
	Height    int
}

// Window is a floating view that has finished loading its content.
type Window interface {
	ID() string
	InjectCSS(ctx context.Context, css string) error
	Eval(ctx context.Context, script string) error
	// CloseOnBlur closes the window once it loses input focus.
	CloseOnBlur(ctx context.Context) error
}

type WindowOpener interface {
	OpenWindow(ctx context.Context, spec WindowSpec) (Window, error)
}

type Extractor struct {
	Probe  MediaProbe
	Opener WindowOpener
	Width  int
	Height int
}

func NewExtractor(probe MediaProbe, opener WindowOpener, width, height int) *Extractor {
	return &Extractor{Probe: probe, Opener: opener, Width: width, Height: height}
}

// Open derives the player URL for req and shows it in a floating window.
// Probe and injection failures fall back to the request's own URL and time;
// only failing to open the window is an error.
func (e *Extractor) Open(ctx context.Context, req Request) (*Result, error) {
	src, at, probed := e.resolve(ctx, req)
	res := &Result{URL: DeriveURL(src, at), Time: at, Probed: probed}

	win, err := e.Opener.OpenWindow(ctx, WindowSpec{
		URL:       res.URL,
		Partition: Partition,
		Width:     e.Width,
		Height:    e.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("open pip window: %w", err)
	}
	res.ViewID = win.ID()

	if err := win.InjectCSS(ctx, assets.PipCSS); err != nil {
		slog.Warn("pip: css injection failed", "url", res.URL, "err", err)
	}
	if err := win.Eval(ctx, PlayScript(at)); err != nil {
		slog.Warn("pip: play script failed", "url", res.URL, "err", err)
	}
	if err := win.CloseOnBlur(ctx); err != nil {
		slog.Warn("pip: close-on-blur hook failed", "url", res.URL, "err", err)
	}
	slog.Info("pip opened", "url", res.URL, "time", at, "probed", probed)
	return res, nil
}

func (e *Extractor) resolve(ctx context.Context, req Request) (string, float64, bool) {
	if e.Probe == nil || req.SourceTabID == "" || !NeedsProbe(req.URL) {
		return req.URL, req.Time, false
	}
	m, err := e.Probe.ProbeMedia(ctx, req.SourceTabID)
	if err != nil {
		slog.Debug("pip: probe failed, using page url", "tab", req.SourceTabID, "err", err)
		return req.URL, req.Time, false
	}
	at := req.Time
	if m.Time > 0 {
		at = m.Time
	}
	// blob: and MSE sources cannot be loaded by another window.
	if m.Src == "" || strings.HasPrefix(m.Src, "blob:") || strings.HasPrefix(m.Src, "data:") {
		return req.URL, at, true
	}
	return m.Src, at, true
}

// PlayScript is the script run in the floating window once content is
// ready: seek to at, play, and request native picture-in-picture.
func PlayScript(at float64) string {
	if at < 0 || math.IsNaN(at) || math.IsInf(at, 0) {
		at = 0
	}
	b, _ := json.Marshal(at)
	return strings.TrimSpace(assets.PipScript) + "(" + string(b) + ");"
}
