package automation

import (
	"context"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
)

// Page is the surface of one embedded view the driver scripts. Lookups
// that find nothing return false or zero values, not errors; errors are
// reserved for a view that cannot be reached and end the run. A view that
// is gone for good returns an error wrapping ErrPageUnreachable.
type Page interface {
	ID() string
	URL(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error

	// Show makes the window visible and focused.
	Show(ctx context.Context) error
	// ForceVisible makes the document report itself as visible even when
	// the window is hidden.
	ForceVisible(ctx context.Context) error

	Exists(ctx context.Context, selector string) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string) (bool, error)
	// ClickText clicks the first element matching selector whose visible
	// text contains one of needles, case-insensitively.
	ClickText(ctx context.Context, selector string, needles []string) (bool, error)
	// Fill sets the value of an input or contenteditable element and fires
	// an input event. It returns ErrElementNotFound when nothing matches.
	Fill(ctx context.Context, selector, value string) error
	// Text returns the rendered text of the last element matching selector.
	Text(ctx context.Context, selector string) (string, error)

	HasCookie(ctx context.Context, urls []string, name string) (bool, error)
	SetCookie(ctx context.Context, c cookiesync.Cookie) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Opener returns the dedicated view for a site, creating it on first use
// and returning the same live view afterwards.
type Opener interface {
	Open(ctx context.Context, site Site) (Page, error)
}

// CookieSyncer copies session cookies for the given domains into the
// automation partition. It never fails the caller.
type CookieSyncer interface {
	Sync(ctx context.Context, domains []string)
}
