package catalog

import (
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(`^[\w.+-]+@[\w.-]+\.\w+$`)

// ValidEmail is the address check used for threshold recipients.
func ValidEmail(s string) bool {
	return emailRe.MatchString(strings.TrimSpace(s))
}
