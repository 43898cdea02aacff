package tree

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a node id of the form <first name slug>_<8 hex chars>.
func NewID(firstName string) string {
	return slug(firstName) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "person"
	}
	return out
}
