// Package uameta builds the desktop user agent the chat automation views
// present, with matching client hints.
package uameta

import (
	"runtime"
	"strings"

	"github.com/chromedp/cdproto/emulation"
)

// DesktopUserAgent returns a stock desktop Chrome user agent for the host
// platform. Only the major version is exposed, as Chrome itself does.
func DesktopUserAgent(chromeVersion string) string {
	major := majorVersion(chromeVersion)
	if major == "" {
		return ""
	}
	var osPart string
	switch runtime.GOOS {
	case "darwin":
		osPart = "Macintosh; Intel Mac OS X 10_15_7"
	case "windows":
		osPart = "Windows NT 10.0; Win64; x64"
	default:
		osPart = "X11; Linux x86_64"
	}
	return "Mozilla/5.0 (" + osPart + ") AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + major + ".0.0.0 Safari/537.36"
}

// Build creates a SetUserAgentOverride action with full UserAgentMetadata.
// An empty userAgent is replaced by DesktopUserAgent; with no chrome
// version either it returns nil.
func Build(userAgent, chromeVersion string) *emulation.SetUserAgentOverrideParams {
	if userAgent == "" {
		userAgent = DesktopUserAgent(chromeVersion)
	}
	if userAgent == "" {
		return nil
	}
	major := majorVersion(chromeVersion)
	platform, arch := detectPlatform()

	return emulation.SetUserAgentOverride(userAgent).
		WithAcceptLanguage("en-US,en").
		WithPlatform(platform).
		WithUserAgentMetadata(&emulation.UserAgentMetadata{
			Platform:        platformName(),
			PlatformVersion: platformVersion(),
			Architecture:    arch,
			Bitness:         "64",
			Mobile:          false,
			Brands: []*emulation.UserAgentBrandVersion{
				{Brand: "Not(A:Brand", Version: "99"},
				{Brand: "Google Chrome", Version: major},
				{Brand: "Chromium", Version: major},
			},
			FullVersionList: []*emulation.UserAgentBrandVersion{
				{Brand: "Not(A:Brand", Version: "99.0.0.0"},
				{Brand: "Google Chrome", Version: chromeVersion},
				{Brand: "Chromium", Version: chromeVersion},
			},
		})
}

func majorVersion(v string) string {
	if i := strings.Index(v, "."); i > 0 {
		return v[:i]
	}
	return v
}

func detectPlatform() (jsNavigatorPlatform, architecture string) {
	switch runtime.GOARCH {
	case "arm64":
		architecture = "arm"
	default:
		architecture = "x86"
	}

	switch runtime.GOOS {
	case "darwin":
		return "MacIntel", architecture
	case "windows":
		return "Win32", architecture
	default:
		return "Linux x86_64", architecture
	}
}

func platformName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

func platformVersion() string {
	switch runtime.GOOS {
	case "darwin":
		return "14.0.0"
	case "windows":
		return "15.0.0"
	default:
		return "6.5.0"
	}
}
