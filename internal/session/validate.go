package session

import (
	"fmt"
	"regexp"
)

var identityIDRegexp = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidateIdentityID checks that id is a well-formed identity identifier
// (lowercase hex public key). Everything under the data dir is keyed by it,
// so reject anything that could double as a path component.
func ValidateIdentityID(id string) error {
	if !identityIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid identity id %q: must be 64 lowercase hex chars", id)
	}
	return nil
}
