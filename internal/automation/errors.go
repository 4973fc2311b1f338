package automation

import (
	"errors"
	"fmt"
)

var (
	ErrLoginStateTimeout      = errors.New("login state not detected in time")
	ErrProviderButtonNotFound = errors.New("identity provider sign-in button not found")
	ErrLoginTimeout           = errors.New("login did not complete in time")
	ErrResponseTimeout        = errors.New("response did not complete in time")
	ErrElementNotFound        = errors.New("element not found")
	ErrUnknownSite            = errors.New("unknown automation site")
	// ErrPageUnreachable is wrapped by Page errors for a view that was
	// closed or whose target is gone. The view has to be opened again.
	ErrPageUnreachable = errors.New("view unreachable")
)

// ChallengeError reports an anti-automation page that the user has to
// clear by hand. The view has already been shown when it is returned.
type ChallengeError struct {
	Site string
	URL  string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("%s: challenge page at %s needs manual resolution", e.Site, e.URL)
}

// IsTimeout reports whether err ended a flow because a polling budget ran out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrLoginStateTimeout) ||
		errors.Is(err, ErrLoginTimeout) ||
		errors.Is(err, ErrResponseTimeout)
}
