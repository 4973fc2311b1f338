package model

import (
	"net/url"
	"strings"
)

// ValidURL reports whether raw may be stored as a tab URL: an absolute URL
// with a host, or a local file / data URL.
func ValidURL(raw string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "file:") || strings.HasPrefix(lower, "data:") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

// FaviconURL derives a favicon URL from the host of raw. Returns "" when
// raw has no host.
func FaviconURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return "https://www.google.com/s2/favicons?domain=" + url.QueryEscape(u.Hostname()) + "&sz=64"
}

var providerHosts = []struct {
	suffix   string
	provider string
}{
	{"claude.ai", "claude"},
	{"chatgpt.com", "chatgpt"},
	{"chat.openai.com", "chatgpt"},
	{"chat.deepseek.com", "deepseek"},
	{"gemini.google.com", "gemini"},
	{"grok.com", "grok"},
}

// DetectProvider returns the AI provider tag for a URL, or "".
func DetectProvider(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range providerHosts {
		if host == p.suffix || strings.HasSuffix(host, "."+p.suffix) {
			return p.provider
		}
	}
	return ""
}
