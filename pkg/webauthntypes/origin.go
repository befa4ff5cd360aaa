package webauthntypes

import (
	"errors"
	"fmt"
	"net/url"
)

var ErrInvalidOrigin = errors.New("webauthntypes: invalid origin")

// RPIDFromOrigin derives the effective relying-party identifier from an
// origin when the request carries no explicit rpId: the origin's domain.
func RPIDFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidOrigin, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidOrigin, origin)
	}
	return u.Hostname(), nil
}
