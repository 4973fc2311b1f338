// Package pip opens media in a small floating picture-in-picture window.
package pip

import (
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"
)

type Provider string

const (
	ProviderNone    Provider = ""
	ProviderYouTube Provider = "youtube"
	ProviderNetflix Provider = "netflix"
	ProviderPrime   Provider = "primevideo"
	ProviderDisney  Provider = "disneyplus"
)

const embedQuery = "autoplay=1&controls=0&modestbranding=1&rel=0&iv_load_policy=3&disablekb=1&fs=0&playsinline=1"

var providerHosts = []struct {
	host     string
	provider Provider
}{
	{"youtube.com", ProviderYouTube},
	{"youtu.be", ProviderYouTube},
	{"netflix.com", ProviderNetflix},
	{"primevideo.com", ProviderPrime},
	{"disneyplus.com", ProviderDisney},
}

var pathRewrites = map[Provider][2]string{
	ProviderNetflix: {"/watch/", "/player/"},
	ProviderPrime:   {"/detail/", "/play/"},
	ProviderDisney:  {"/video/", "/player/"},
}

// Classify returns the streaming provider serving rawURL.
func Classify(rawURL string) Provider {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ProviderNone
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range providerHosts {
		if host == p.host || strings.HasSuffix(host, "."+p.host) {
			return p.provider
		}
	}
	return ProviderNone
}

// IsDirectMedia reports whether rawURL points straight at a media file.
func IsDirectMedia(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".mp4", ".webm", ".ogg":
		return true
	}
	return false
}

// NeedsProbe reports whether the playing element should be read out of
// the source view before deriving the player URL.
func NeedsProbe(rawURL string) bool {
	return Classify(rawURL) != ProviderYouTube && !IsDirectMedia(rawURL)
}

// DeriveURL maps a page URL to the URL the floating window should load.
// It is pure; URLs it does not recognize are returned unchanged.
func DeriveURL(rawURL string, seconds float64) string {
	p := Classify(rawURL)
	if p == ProviderYouTube {
		id := youTubeID(rawURL)
		if id == "" {
			return rawURL
		}
		return "https://www.youtube.com/embed/" + id + "?" + embedQuery + "&start=" + strconv.Itoa(startOffset(seconds))
	}
	if rw, ok := pathRewrites[p]; ok {
		return strings.Replace(rawURL, rw[0], rw[1], 1)
	}
	return rawURL
}

func startOffset(seconds float64) int {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	return int(math.Floor(seconds))
}

func youTubeID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	host := strings.ToLower(u.Hostname())
	if host == "youtu.be" || strings.HasSuffix(host, ".youtu.be") {
		return parts[0]
	}
	if len(parts) >= 2 {
		switch parts[0] {
		case "embed", "shorts", "live", "v":
			return parts[1]
		}
	}
	return ""
}
