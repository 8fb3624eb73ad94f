package messaging

import (
	"regexp"
	"strings"
)

// Agent replies come back in markdown; WhatsApp has its own lightweight
// syntax (*bold*, _italic_) and renders raw markdown markers literally.
var (
	boldRegex    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headingRegex = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	bulletRegex  = regexp.MustCompile(`(?m)^\s*[-+]\s+`)
)

// FormatForWhatsApp converts common markdown constructs in an agent reply to
// WhatsApp formatting. Unrecognized constructs pass through unchanged.
func FormatForWhatsApp(text string) string {
	out := boldRegex.ReplaceAllString(text, "*$1*")
	out = headingRegex.ReplaceAllString(out, "*$1*")
	out = bulletRegex.ReplaceAllString(out, "• ")
	return strings.TrimSpace(out)
}
