// Package vercheck decides whether a published version should replace the
// one currently installed. It fails closed: if either version string cannot
// be parsed, no update happens.
package vercheck

import (
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
)

// IsNewer reports whether remote is strictly newer than current under
// semantic-version ordering. A parse failure of either side returns false
// together with the parse error so callers can log it; ambiguous ordering
// must never trigger an install.
func IsNewer(remote, current string) (bool, error) {
	remoteVer, err := goversion.NewSemver(strings.TrimPrefix(remote, "v"))
	if err != nil {
		return false, errors.Wrapf(err, "cannot parse remote version %q", remote)
	}

	currentVer, err := goversion.NewSemver(strings.TrimPrefix(current, "v"))
	if err != nil {
		return false, errors.Wrapf(err, "cannot parse current version %q", current)
	}

	return remoteVer.GreaterThan(currentVer), nil
}
