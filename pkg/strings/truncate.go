package strings

import (
	"strings"
)

// DetailColumnWidth is the width the CLI tables allot to free-form detail
// columns (failure reasons, rollback notes). Shared so every table truncates
// the same way.
const DetailColumnWidth = 60

// minWidth leaves room for at least one rune plus the ellipsis.
const minWidth = 4

// TruncateDetail flattens s to a single line and truncates it to width runes,
// appending "..." when anything was cut. Detail strings coming back from the
// status document may carry multi-line error chains; tables need one line.
func TruncateDetail(s string, width int) string {
	if width < minWidth {
		width = minWidth
	}
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > width {
		return string(runes[:width-3]) + "..."
	}
	return s
}
