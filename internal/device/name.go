package device

import (
	"regexp"
	"strings"
)

// macLike matches names that are really a MAC address, in either the
// colon/dash separated form or the BlueZ path form (dev_AA_BB_...).
var macLike = regexp.MustCompile(`(?i)^(dev_)?([0-9a-f]{2}[:_-]){5}[0-9a-f]{2}$`)

// LooksLikeAddress reports whether s is shaped like a MAC address.
// Legitimately address-shaped names are rejected too; that is accepted.
func LooksLikeAddress(s string) bool {
	return macLike.MatchString(strings.TrimSpace(s))
}

// CleanLocalName trims a reported name and drops it when it is empty or
// merely repeats an address. The empty result means "no name".
func CleanLocalName(name string) string {
	name = strings.TrimSpace(strings.TrimRight(name, "\x00"))
	if name == "" || LooksLikeAddress(name) {
		return ""
	}
	return name
}
