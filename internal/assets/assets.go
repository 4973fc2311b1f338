package assets

import (
	_ "embed"
)

// PipCSS hides everything but the video element and stretches it over the
// floating window.
//
//go:embed pip.css
var PipCSS string

// PipScript is a function expression taking the start time in seconds.
//
//go:embed pip.js
var PipScript string

// MediaProbeScript returns {src, time} for the playing media element, or
// null.
//
//go:embed media_probe.js
var MediaProbeScript string

// DOMHelpers installs window.__flex with the lookups the automation driver
// uses. It is idempotent.
//
//go:embed dom.js
var DOMHelpers string

//go:embed visibility.js
var VisibilityScript string

// BlurScript calls the flexPipBlur binding when the window loses focus.
//
//go:embed blur.js
var BlurScript string

// AudibleScript reports whether any media element is producing sound.
//
//go:embed audible.js
var AudibleScript string
