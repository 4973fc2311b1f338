package pip

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/khanhromvn/flexbrowser/internal/assets"
)

type fakeProbe struct {
	media Media
	err   error
	calls int
}

func (p *fakeProbe) ProbeMedia(context.Context, string) (Media, error) {
	p.calls++
	return p.media, p.err
}

type fakeWindow struct {
	css     []string
	scripts []string
	blur    bool
	cssErr  error
}

func (w *fakeWindow) ID() string { return "view_pip" }

func (w *fakeWindow) InjectCSS(_ context.Context, css string) error {
	w.css = append(w.css, css)
	return w.cssErr
}

func (w *fakeWindow) Eval(_ context.Context, s string) error {
	w.scripts = append(w.scripts, s)
	return nil
}

func (w *fakeWindow) CloseOnBlur(context.Context) error {
	w.blur = true
	return nil
}

type fakeOpener struct {
	win   *fakeWindow
	err   error
	specs []WindowSpec
}

func (o *fakeOpener) OpenWindow(_ context.Context, spec WindowSpec) (Window, error) {
	o.specs = append(o.specs, spec)
	if o.err != nil {
		return nil, o.err
	}
	return o.win, nil
}

func TestOpenYouTubeSkipsProbe(t *testing.T) {
	probe := &fakeProbe{}
	opener := &fakeOpener{win: &fakeWindow{}}
	e := NewExtractor(probe, opener, 480, 270)

	res, err := e.Open(context.Background(), Request{URL: "https://youtu.be/abc123", Time: 75.9, SourceTabID: "tab_1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if probe.calls != 0 {
		t.Error("youtube urls should not be probed")
	}
	if !strings.HasSuffix(res.URL, "&start=75") || res.ViewID != "view_pip" {
		t.Errorf("result = %+v", res)
	}
	spec := opener.specs[0]
	if spec.Partition != Partition || spec.Width != 480 || spec.Height != 270 {
		t.Errorf("spec = %+v", spec)
	}
	w := opener.win
	if len(w.css) != 1 || w.css[0] != assets.PipCSS {
		t.Error("pip css not injected")
	}
	if len(w.scripts) != 1 || !strings.HasSuffix(w.scripts[0], "(75.9);") {
		t.Errorf("scripts = %v", w.scripts)
	}
	if !w.blur {
		t.Error("close-on-blur not installed")
	}
}

func TestOpenUsesProbedMedia(t *testing.T) {
	probe := &fakeProbe{media: Media{Src: "https://cdn.example.com/v.mp4", Time: 33}}
	opener := &fakeOpener{win: &fakeWindow{}}
	e := NewExtractor(probe, opener, 480, 270)

	res, err := e.Open(context.Background(), Request{URL: "https://vimeo.com/1", SourceTabID: "tab_1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.URL != "https://cdn.example.com/v.mp4" || res.Time != 33 || !res.Probed {
		t.Errorf("result = %+v", res)
	}
}

func TestOpenBlobSourceKeepsPageURL(t *testing.T) {
	probe := &fakeProbe{media: Media{Src: "blob:https://www.netflix.com/abc", Time: 120.5}}
	opener := &fakeOpener{win: &fakeWindow{}}
	e := NewExtractor(probe, opener, 480, 270)

	res, err := e.Open(context.Background(), Request{URL: "https://www.netflix.com/watch/12345", Time: 1, SourceTabID: "tab_1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.URL != "https://www.netflix.com/player/12345" || res.Time != 120.5 {
		t.Errorf("result = %+v", res)
	}
}

func TestOpenProbeFailureFallsBack(t *testing.T) {
	probe := &fakeProbe{err: errors.New("view gone")}
	opener := &fakeOpener{win: &fakeWindow{cssErr: errors.New("detached")}}
	e := NewExtractor(probe, opener, 480, 270)

	res, err := e.Open(context.Background(), Request{URL: "https://www.disneyplus.com/video/x", Time: 8, SourceTabID: "tab_1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.URL != "https://www.disneyplus.com/player/x" || res.Time != 8 || res.Probed {
		t.Errorf("result = %+v", res)
	}
	if len(opener.win.scripts) != 1 {
		t.Error("script should still run after css failure")
	}
}

func TestOpenWindowFailure(t *testing.T) {
	e := NewExtractor(nil, &fakeOpener{err: errors.New("no browser")}, 480, 270)
	if _, err := e.Open(context.Background(), Request{URL: "https://youtu.be/x"}); err == nil {
		t.Fatal("expected error when the window cannot open")
	}
}

func TestPlayScript(t *testing.T) {
	if s := PlayScript(-3); !strings.HasSuffix(s, "(0);") {
		t.Errorf("PlayScript(-3) = %q", s)
	}
	if s := PlayScript(12.5); !strings.HasPrefix(s, "(function") || !strings.HasSuffix(s, "(12.5);") {
		t.Errorf("PlayScript(12.5) = %q", s)
	}
}
