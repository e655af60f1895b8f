package notification

import "strings"

var approvedStatuses = map[string]struct{}{
	"APPROVED": {},
	"PAID":     {},
	"ACTIVE":   {},
}

// NormalizeStatus uppercases status. Surrounding whitespace is kept, so a
// padded status does not match the approved set.
func NormalizeStatus(status string) string {
	return strings.ToUpper(status)
}

// IsApproved reports whether status grants access, in any letter case.
func IsApproved(status string) bool {
	_, ok := approvedStatuses[NormalizeStatus(status)]
	return ok
}
